package journey

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kulesh/waypoints/internal/fly/runtime"
)

// Observer is notified after a transition has been persisted.
type Observer func(from, to State, reason string)

// Machine owns the journey record for one project. Every transition is
// written to disk before Transition returns, so a side effect that follows a
// successful call can always be replayed after a crash.
type Machine struct {
	mu       sync.Mutex
	path     string
	j        *Journey
	observer Observer
	now      func() time.Time
}

// Open loads path, or seeds a new journey at initial when the file is
// missing. A journey persisted in an in-flight state is moved to its
// recovery target and the correction is recorded in history.
func Open(path, slug string, initial State) (*Machine, error) {
	m := &Machine{path: path, now: func() time.Time { return time.Now().UTC() }}
	var j Journey
	err := runtime.ReadJSON(path, &j)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if !initial.Known() {
			return nil, fmt.Errorf("unknown initial journey state %q", initial)
		}
		m.j = New(slug)
		m.j.State = initial
		m.j.UpdatedAt = m.now()
		if err := m.save(); err != nil {
			return nil, err
		}
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("load journey %s: %w", path, err)
	}
	if j.History == nil {
		j.History = []HistoryEntry{}
	}
	m.j = &j
	if !j.State.Recoverable() {
		from := j.State
		to := Recover(from)
		now := m.now()
		m.j.History = append(m.j.History, HistoryEntry{From: from, To: to, At: now, Reason: "recovered on startup"})
		m.j.State = to
		m.j.UpdatedAt = now
		if err := m.save(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// OnTransition installs an observer. Only one observer is kept.
func (m *Machine) OnTransition(fn Observer) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.j.State
}

// Snapshot returns a copy of the persisted record.
func (m *Machine) Snapshot() Journey {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.j
	cp.History = append([]HistoryEntry(nil), m.j.History...)
	return cp
}

// Transition validates, persists, then notifies. On any failure the state is
// unchanged both in memory and on disk.
func (m *Machine) Transition(target State, reason string) error {
	m.mu.Lock()
	prev := *m.j
	prevHistory := len(m.j.History)
	if err := m.j.apply(target, reason, m.now()); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.save(); err != nil {
		m.j.State = prev.State
		m.j.UpdatedAt = prev.UpdatedAt
		m.j.History = m.j.History[:prevHistory]
		m.mu.Unlock()
		return err
	}
	obs := m.observer
	m.mu.Unlock()
	if obs != nil {
		obs(prev.State, target, reason)
	}
	return nil
}

// Ensure is Transition that treats "already there" as success.
func (m *Machine) Ensure(target State, reason string) error {
	if m.State() == target {
		return nil
	}
	return m.Transition(target, reason)
}

// Walk applies each target in order, stopping at the first illegal step.
func (m *Machine) Walk(reason string, targets ...State) error {
	for _, t := range targets {
		if err := m.Ensure(t, reason); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) save() error {
	if m.j.SchemaVersion == "" {
		m.j.SchemaVersion = schemaVersion
	}
	if err := runtime.WriteJSONAtomic(m.path, m.j); err != nil {
		return fmt.Errorf("persist journey: %w", err)
	}
	return nil
}
