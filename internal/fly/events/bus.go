package events

import (
	"sync"

	"github.com/kulesh/waypoints/internal/logging"
)

// Sink receives published events. Implementations must not block.
type Sink interface {
	Send(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Send(ev Event) { f(ev) }

// Bus fills run-level defaults and fans events out to sinks in order.
type Bus struct {
	mu          sync.RWMutex
	runID       string
	causationID string
	sinks       []Sink
}

func NewBus(runID string, sinks ...Sink) *Bus {
	b := &Bus{runID: runID}
	for _, s := range sinks {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
	return b
}

func (b *Bus) Attach(s Sink) {
	if b == nil || s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// SetCausation sets the default causation id for events that carry none.
func (b *Bus) SetCausation(id string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.causationID = id
	b.mu.Unlock()
}

func (b *Bus) RunID() string {
	if b == nil {
		return ""
	}
	return b.runID
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	sinks := b.sinks
	if ev.RunID == "" {
		ev.RunID = b.runID
	}
	if ev.CausationID == "" {
		ev.CausationID = b.causationID
	}
	b.mu.RUnlock()
	if ev.ID == "" {
		fresh := New(ev.Type, nil)
		ev.ID, ev.SchemaVersion = fresh.ID, fresh.SchemaVersion
		if ev.TS.IsZero() {
			ev.TS = fresh.TS
		}
	}
	for _, s := range sinks {
		s.Send(ev)
	}
}

func (b *Bus) Emit(t Type, data map[string]any) { b.Publish(New(t, data)) }

// LogSink mirrors warnings and errors into the debug log and everything else
// at debug level.
func LogSink(log *logging.Logger) Sink {
	return SinkFunc(func(ev Event) {
		args := []any{"event_id", ev.ID, "event_type", string(ev.Type)}
		if ev.WaypointID != "" {
			args = append(args, "waypoint_id", ev.WaypointID, "attempt", ev.Attempt)
		}
		if msg, ok := ev.Data["message"].(string); ok {
			args = append(args, "message", msg)
		}
		switch ev.Type {
		case Error:
			log.Error("event", args...)
		case Warning:
			log.Warn("event", args...)
		default:
			log.Debug("event", args...)
		}
	})
}
