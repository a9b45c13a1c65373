package server

import (
	"time"

	"github.com/kulesh/waypoints/internal/fly/engine"
	"github.com/kulesh/waypoints/internal/fly/runstate"
)

// RunStatus describes one run started by this server.
type RunStatus struct {
	RunID     string          `json:"run_id"`
	State     string          `json:"state"`
	StartedAt time.Time       `json:"started_at"`
	Paused    bool            `json:"pause_requested,omitempty"`
	Cancelled bool            `json:"cancel_requested,omitempty"`
	Summary   *engine.Summary `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	LastEvent string          `json:"last_event,omitempty"`
	// Waypoint is the waypoint of the most recent event that named one.
	Waypoint    string     `json:"current_waypoint,omitempty"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
}

// StatusResponse is returned by GET /status. Snapshot reflects the durable
// state dir, Run the in-memory view of the latest run.
type StatusResponse struct {
	Run      *RunStatus         `json:"run,omitempty"`
	Snapshot *runstate.Snapshot `json:"snapshot,omitempty"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
