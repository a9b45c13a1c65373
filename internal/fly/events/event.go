// Package events carries the run's observable stream: journey changes,
// waypoint status changes, execution log entries, metrics and warnings.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

const SchemaVersion = "1"

type Type string

const (
	JourneyStateChanged   Type = "journey_state_changed"
	WaypointStatusChanged Type = "waypoint_status_changed"
	ExecutionLogEntry     Type = "execution_log_entry"
	MetricsUpdated        Type = "metrics_updated"
	Warning               Type = "warning"
	Error                 Type = "error"
)

type Event struct {
	SchemaVersion string         `json:"schema_version"`
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	TS            time.Time      `json:"ts"`
	RunID         string         `json:"run_id,omitempty"`
	WaypointID    string         `json:"waypoint_id,omitempty"`
	Attempt       int            `json:"attempt,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// New stamps an id and timestamp. Data is copied shallowly.
func New(t Type, data map[string]any) Event {
	ev := Event{SchemaVersion: SchemaVersion, ID: ulid.Make().String(), Type: t, TS: time.Now().UTC()}
	if len(data) > 0 {
		ev.Data = make(map[string]any, len(data))
		for k, v := range data {
			ev.Data[k] = v
		}
	}
	return ev
}

func (e Event) ForWaypoint(id string, attempt int) Event {
	e.WaypointID = id
	e.Attempt = attempt
	return e
}

func (e Event) CausedBy(id string) Event {
	e.CausationID = id
	return e
}

func (e Event) JSON() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// Data holding an unencodable value degrades to an envelope-only line.
		e.Data = map[string]any{"marshal_error": err.Error()}
		b, _ = json.Marshal(e)
	}
	return b
}
