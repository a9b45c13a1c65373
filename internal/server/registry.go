package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kulesh/waypoints/internal/fly/engine"
	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/fly/intervention"
)

// RunState tracks a single running or finished engine run.
type RunState struct {
	RunID     string
	Control   *engine.Control
	Resolver  *intervention.ChannelResolver
	Cancel    context.CancelCauseFunc
	StartedAt time.Time

	mu      sync.Mutex
	summary *engine.Summary
	err     error
	done    bool
}

// NewRunState prepares the control surfaces for one run.
func NewRunState(runID string, timeout time.Duration) *RunState {
	return &RunState{
		RunID:     runID,
		Control:   &engine.Control{},
		Resolver:  intervention.NewChannelResolver(timeout),
		StartedAt: time.Now().UTC(),
	}
}

// SetResult records the terminal outcome of the run.
func (rs *RunState) SetResult(s engine.Summary, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.summary = &s
	rs.err = err
	rs.done = true
}

func (rs *RunState) Done() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.done
}

// Stop cancels the run and releases any parked intervention.
func (rs *RunState) Stop(reason string) {
	rs.Control.Cancel()
	rs.Resolver.Cancel()
	if rs.Cancel != nil {
		rs.Cancel(fmt.Errorf("%s", reason))
	}
}

// Status returns the run for the HTTP API. Live fields come from the event
// history of this run.
func (rs *RunState) Status(history []events.Event) RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	st := RunStatus{
		RunID:     rs.RunID,
		State:     "running",
		StartedAt: rs.StartedAt,
		Paused:    rs.Control.Paused(),
		Cancelled: rs.Control.Cancelled(),
	}
	if rs.done {
		st.Summary = rs.summary
		switch {
		case rs.err != nil:
			st.State = "fail"
			st.Error = rs.err.Error()
		case rs.summary != nil:
			st.State = string(rs.summary.Status)
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if ev.RunID != "" && ev.RunID != rs.RunID {
			continue
		}
		if st.LastEvent == "" {
			st.LastEvent = string(ev.Type)
			ts := ev.TS
			st.LastEventAt = &ts
		}
		if ev.WaypointID != "" {
			st.Waypoint = ev.WaypointID
			break
		}
	}
	return st
}

// RunRegistry tracks every run this server started. At most one is active.
type RunRegistry struct {
	mu     sync.RWMutex
	runs   map[string]*RunState
	latest string
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunState)}
}

// Register adds a run. It refuses a duplicate id or a second active run.
func (r *RunRegistry) Register(rs *RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[rs.RunID]; exists {
		return fmt.Errorf("run %s already exists", rs.RunID)
	}
	if cur, ok := r.runs[r.latest]; ok && !cur.Done() {
		return fmt.Errorf("run %s is still active", cur.RunID)
	}
	r.runs[rs.RunID] = rs
	r.latest = rs.RunID
	return nil
}

func (r *RunRegistry) Get(runID string) (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[runID]
	return rs, ok
}

// Latest returns the most recently registered run.
func (r *RunRegistry) Latest() (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[r.latest]
	return rs, ok
}

// Active returns the latest run while it has not finished.
func (r *RunRegistry) Active() (*RunState, bool) {
	rs, ok := r.Latest()
	if !ok || rs.Done() {
		return nil, false
	}
	return rs, true
}

// List returns run ids in sorted order.
func (r *RunRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll cancels every unfinished run.
func (r *RunRegistry) StopAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rs := range r.runs {
		if !rs.Done() {
			rs.Stop(reason)
		}
	}
}
