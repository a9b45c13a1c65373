// Package journey is the project-level lifecycle state machine. Transitions
// are table driven and fail closed; every state has a recovery target.
package journey

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type State string

const (
	SparkIdle     State = "spark:idle"
	SparkEntering State = "spark:entering"

	ShapeQA              State = "shape:qa"
	ShapeBriefGenerating State = "shape:brief:generating"
	ShapeBriefReview     State = "shape:brief:review"
	ShapeSpecGenerating  State = "shape:spec:generating"
	ShapeSpecReview      State = "shape:spec:review"

	ChartGenerating State = "chart:generating"
	ChartReview     State = "chart:review"

	FlyReady        State = "fly:ready"
	FlyExecuting    State = "fly:executing"
	FlyPaused       State = "fly:paused"
	FlyIntervention State = "fly:intervention"

	LandReview State = "land:review"
)

var transitions = map[State][]State{
	SparkIdle:            {SparkEntering},
	SparkEntering:        {ShapeQA},
	ShapeQA:              {ShapeBriefGenerating},
	ShapeBriefGenerating: {ShapeBriefReview},
	ShapeBriefReview:     {ShapeBriefGenerating, ShapeSpecGenerating},
	ShapeSpecGenerating:  {ShapeSpecReview},
	ShapeSpecReview:      {ShapeSpecGenerating, ChartGenerating},
	ChartGenerating:      {ChartReview},
	ChartReview:          {ChartGenerating, FlyReady},
	FlyReady:             {FlyExecuting},
	FlyExecuting:         {FlyPaused, FlyIntervention, LandReview},
	FlyPaused:            {FlyExecuting, FlyReady},
	FlyIntervention:      {FlyExecuting, FlyPaused, ChartReview},
	LandReview:           {FlyReady, ChartReview},
}

// Non-recoverable (in-flight) states and the safe predecessor to restore on
// startup. Every other known state is recoverable as itself.
var recovery = map[State]State{
	SparkEntering:        SparkIdle,
	ShapeBriefGenerating: ShapeQA,
	ShapeSpecGenerating:  ShapeBriefReview,
	ChartGenerating:      ShapeSpecReview,
	FlyExecuting:         FlyReady,
	FlyIntervention:      FlyReady,
}

// InvalidTransitionError is returned for any (from, to) pair absent from the
// adjacency table.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	allowed := Allowed(e.From)
	names := make([]string, 0, len(allowed))
	for _, s := range allowed {
		names = append(names, string(s))
	}
	return fmt.Sprintf("invalid journey transition %s -> %s (allowed: %s)", e.From, e.To, strings.Join(names, ", "))
}

// Known reports whether s is part of the state set.
func (s State) Known() bool {
	_, ok := transitions[s]
	return ok
}

// Recoverable reports whether a process may safely resume in s.
func (s State) Recoverable() bool {
	if !s.Known() {
		return false
	}
	_, inFlight := recovery[s]
	return !inFlight
}

// Phase is the segment before the first colon (spark, shape, chart, fly, land).
func (s State) Phase() string {
	if i := strings.IndexByte(string(s), ':'); i >= 0 {
		return string(s[:i])
	}
	return string(s)
}

// Allowed returns the legal targets from s in table order.
func Allowed(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransition reports whether to is adjacent to from.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition validates the move and returns the target. On failure the
// returned state is the unchanged current state.
func Transition(current, target State) (State, error) {
	if !CanTransition(current, target) {
		return current, &InvalidTransitionError{From: current, To: target}
	}
	return target, nil
}

// Recover maps s to the state a restarted process should resume from.
// Unknown states fall back to the initial state.
func Recover(s State) State {
	if to, ok := recovery[s]; ok {
		return to
	}
	if s.Known() {
		return s
	}
	return SparkIdle
}

// States lists every known state, sorted.
func States() []State {
	out := make([]State, 0, len(transitions))
	for s := range transitions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type HistoryEntry struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Journey is the persisted record: current state plus append-only history.
type Journey struct {
	SchemaVersion string         `json:"schema_version"`
	ProjectSlug   string         `json:"project_slug,omitempty"`
	State         State          `json:"state"`
	UpdatedAt     time.Time      `json:"updated_at"`
	History       []HistoryEntry `json:"history"`
}

const schemaVersion = "1"

func New(slug string) *Journey {
	return &Journey{SchemaVersion: schemaVersion, ProjectSlug: slug, State: SparkIdle, History: []HistoryEntry{}}
}

// apply performs a validated transition on the in-memory record.
func (j *Journey) apply(target State, reason string, now time.Time) error {
	next, err := Transition(j.State, target)
	if err != nil {
		return err
	}
	j.History = append(j.History, HistoryEntry{From: j.State, To: next, At: now, Reason: reason})
	j.State = next
	j.UpdatedAt = now
	return nil
}
