package plan

// SelectNext picks the next waypoint to execute, or nil when nothing is
// eligible. With preferResumable, an in_progress waypoint wins over a failed
// one, and both win over pending work. Otherwise the first pending waypoint
// (in plan order) is chosen. Every pick has all dependencies complete, and
// an epic is only eligible once every child is complete.
func SelectNext(p *FlightPlan, preferResumable bool) *Waypoint {
	if p == nil {
		return nil
	}
	order := []Status{StatusPending}
	if preferResumable {
		order = []Status{StatusInProgress, StatusFailed, StatusPending}
	}
	for _, st := range order {
		for _, w := range p.Waypoints {
			if w.Status == st && p.eligible(w) {
				return w
			}
		}
	}
	return nil
}

func (p *FlightPlan) eligible(w *Waypoint) bool {
	if !p.DepsComplete(w) {
		return false
	}
	return !p.IsEpic(w.ID) || p.EpicReady(w.ID)
}

// Completion summarizes plan progress.
type Completion struct {
	Total      int `json:"total"`
	Complete   int `json:"complete"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
	// Blocked counts pending waypoints with a failed or skipped dependency.
	Blocked int `json:"blocked"`
}

// AllDone reports whether every waypoint is complete or skipped.
func (c Completion) AllDone() bool { return c.Total == c.Complete+c.Skipped }

func CompletionStatus(p *FlightPlan) Completion {
	var c Completion
	if p == nil {
		return c
	}
	memo := map[string]bool{}
	for _, w := range p.Waypoints {
		c.Total++
		switch w.Status {
		case StatusComplete:
			c.Complete++
		case StatusSkipped:
			c.Skipped++
		case StatusFailed:
			c.Failed++
		case StatusInProgress:
			c.InProgress++
		case StatusPending:
			c.Pending++
			if p.blocked(w, memo, map[string]bool{}) {
				c.Blocked++
			}
		}
	}
	return c
}

// blocked reports whether a pending waypoint can never become eligible
// because some transitive dependency failed or was skipped.
func (p *FlightPlan) blocked(w *Waypoint, memo, visiting map[string]bool) bool {
	if v, ok := memo[w.ID]; ok {
		return v
	}
	if visiting[w.ID] {
		return false
	}
	visiting[w.ID] = true
	res := false
	for _, d := range w.Dependencies {
		dep := p.Get(d)
		if dep == nil {
			continue
		}
		if dep.Status == StatusFailed || dep.Status == StatusSkipped {
			res = true
			break
		}
		if dep.Status == StatusPending && p.blocked(dep, memo, visiting) {
			res = true
			break
		}
	}
	memo[w.ID] = res
	return res
}
