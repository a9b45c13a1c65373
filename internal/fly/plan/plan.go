package plan

import (
	"fmt"
	"time"
)

// FlightPlan keeps waypoints in their authored order. Order matters: it is the
// tie-break for selection.
type FlightPlan struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Waypoints []*Waypoint
}

func New(wps ...Waypoint) *FlightPlan {
	now := time.Now().UTC()
	p := &FlightPlan{CreatedAt: now, UpdatedAt: now}
	for _, w := range wps {
		cp := w.Clone()
		_ = cp.normalize()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		p.Waypoints = append(p.Waypoints, &cp)
	}
	return p
}

func (p *FlightPlan) Get(id string) *Waypoint {
	if p == nil {
		return nil
	}
	for _, w := range p.Waypoints {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func (p *FlightPlan) Children(id string) []*Waypoint {
	var out []*Waypoint
	for _, w := range p.Waypoints {
		if w.ParentID == id {
			out = append(out, w)
		}
	}
	return out
}

// IsEpic reports whether any waypoint names id as its parent.
func (p *FlightPlan) IsEpic(id string) bool {
	for _, w := range p.Waypoints {
		if w.ParentID == id {
			return true
		}
	}
	return false
}

// Dependents returns the waypoints that list id as a direct dependency.
func (p *FlightPlan) Dependents(id string) []*Waypoint {
	var out []*Waypoint
	for _, w := range p.Waypoints {
		for _, d := range w.Dependencies {
			if d == id {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

// DepsComplete reports whether every dependency exists and is complete.
// Skipped does not satisfy a dependency.
func (p *FlightPlan) DepsComplete(w *Waypoint) bool {
	for _, d := range w.Dependencies {
		dep := p.Get(d)
		if dep == nil || dep.Status != StatusComplete {
			return false
		}
	}
	return true
}

// EpicReady reports whether id has children and all of them are complete.
func (p *FlightPlan) EpicReady(id string) bool {
	children := p.Children(id)
	if len(children) == 0 {
		return false
	}
	for _, c := range children {
		if c.Status != StatusComplete {
			return false
		}
	}
	return true
}

// SetStatus is the single mutation point for waypoint status. Moving to
// in_progress is refused unless dependencies are complete.
func (p *FlightPlan) SetStatus(id string, st Status, now time.Time) error {
	w := p.Get(id)
	if w == nil {
		return fmt.Errorf("unknown waypoint %q", id)
	}
	if st == StatusInProgress && !p.DepsComplete(w) {
		return fmt.Errorf("waypoint %s has incomplete dependencies", id)
	}
	w.Status = st
	if st == StatusComplete {
		t := now
		w.CompletedAt = &t
	} else {
		w.CompletedAt = nil
	}
	p.UpdatedAt = now
	return nil
}

// MarkInProgress is SetStatus(id, StatusInProgress) at the current time.
func (p *FlightPlan) MarkInProgress(id string) error {
	return p.SetStatus(id, StatusInProgress, time.Now().UTC())
}

// Edit replaces the objective and/or acceptance criteria of a waypoint. Empty
// arguments leave the field unchanged.
func (p *FlightPlan) Edit(id, objective string, criteria []string) error {
	w := p.Get(id)
	if w == nil {
		return fmt.Errorf("unknown waypoint %q", id)
	}
	if objective != "" {
		w.Objective = objective
	}
	if len(criteria) > 0 {
		w.AcceptanceCriteria = append([]string{}, criteria...)
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ResetStaleInProgress moves in_progress waypoints back to pending.
func (p *FlightPlan) ResetStaleInProgress() []string {
	var ids []string
	for _, w := range p.Waypoints {
		if w.Status == StatusInProgress {
			w.Status = StatusPending
			ids = append(ids, w.ID)
		}
	}
	return ids
}
