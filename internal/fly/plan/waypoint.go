// Package plan models the flight plan: an ordered, dependency-linked set of
// waypoints with parent/child (epic) structure.
package plan

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusComplete   Status = "complete"
)

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pending":
		return StatusPending, nil
	case "in_progress", "in-progress", "running":
		return StatusInProgress, nil
	case "failed", "fail":
		return StatusFailed, nil
	case "skipped", "skip":
		return StatusSkipped, nil
	case "complete", "completed", "done":
		return StatusComplete, nil
	default:
		return "", fmt.Errorf("invalid waypoint status %q", s)
	}
}

// Done reports whether the status needs no further execution.
func (s Status) Done() bool { return s == StatusComplete || s == StatusSkipped }

type Waypoint struct {
	ID                 string     `json:"id" yaml:"id"`
	Title              string     `json:"title" yaml:"title"`
	Objective          string     `json:"objective" yaml:"objective"`
	AcceptanceCriteria []string   `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	ParentID           string     `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Dependencies       []string   `json:"dependencies" yaml:"dependencies"`
	Status             Status     `json:"status" yaml:"status"`
	CreatedAt          time.Time  `json:"created_at" yaml:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

func (w *Waypoint) normalize() error {
	w.ID = strings.TrimSpace(w.ID)
	w.ParentID = strings.TrimSpace(w.ParentID)
	st, err := ParseStatus(string(w.Status))
	if err != nil {
		return fmt.Errorf("waypoint %s: %w", w.ID, err)
	}
	w.Status = st
	if w.AcceptanceCriteria == nil {
		w.AcceptanceCriteria = []string{}
	}
	if w.Dependencies == nil {
		w.Dependencies = []string{}
	}
	return nil
}

// Clone returns a deep copy.
func (w Waypoint) Clone() Waypoint {
	cp := w
	cp.AcceptanceCriteria = append([]string{}, w.AcceptanceCriteria...)
	cp.Dependencies = append([]string{}, w.Dependencies...)
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}
