package events

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestBus_FillsDefaultsAndFansOut(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	rec := SinkFunc(func(ev Event) { mu.Lock(); got = append(got, ev); mu.Unlock() })
	b := NewBus("run-1", rec, nil)
	b.SetCausation("plan-digest")
	b.Emit(Warning, map[string]any{"message": "slow"})
	b.Publish(New(Error, nil).CausedBy("explicit").ForWaypoint("WP-1", 2))

	if len(got) != 2 {
		t.Fatalf("events: got %d want 2", len(got))
	}
	if got[0].RunID != "run-1" || got[0].CausationID != "plan-digest" || got[0].SchemaVersion != SchemaVersion {
		t.Fatalf("defaults not filled: %+v", got[0])
	}
	if got[1].CausationID != "explicit" || got[1].WaypointID != "WP-1" || got[1].Attempt != 2 {
		t.Fatalf("explicit fields overwritten: %+v", got[1])
	}
	if got[0].ID == got[1].ID {
		t.Fatalf("ids must be unique")
	}
}

func TestBus_NilSafe(t *testing.T) {
	var b *Bus
	b.Emit(Warning, nil)
	b.Attach(SinkFunc(func(Event) {}))
}

func TestBroadcaster_ReplayAndDedup(t *testing.T) {
	b := NewBroadcaster()
	ev := New(MetricsUpdated, map[string]any{"cost_usd": 0.1})
	b.Send(ev)
	b.Send(ev)
	b.Send(New(Warning, nil))

	ch, done, cancel := b.Subscribe()
	defer cancel()
	first := <-ch
	second := <-ch
	if first.ID != ev.ID || second.Type != Warning {
		t.Fatalf("replay order: %v %v", first.Type, second.Type)
	}
	select {
	case extra := <-ch:
		t.Fatalf("duplicate replayed: %+v", extra)
	default:
	}

	live := New(Error, nil)
	b.Send(live)
	select {
	case got := <-ch:
		if got.ID != live.ID {
			t.Fatalf("live event: got %s want %s", got.ID, live.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("live event not delivered")
	}

	b.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should close on Close")
	}
	select {
	case <-done:
	default:
		t.Fatalf("done should be closed")
	}
}

func TestBroadcaster_DropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, done, _ := b.Subscribe()
	for i := 0; i < 300; i++ {
		b.Send(New(ExecutionLogEntry, nil))
	}
	n := 0
	for range ch {
		n++
	}
	if n != 256 {
		t.Fatalf("buffered before drop: got %d want 256", n)
	}
	select {
	case <-done:
		t.Fatalf("done must stay open for a dropped subscriber")
	default:
	}
}

func TestNDJSONSink_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "progress.ndjson")
	s, err := OpenNDJSON(path)
	if err != nil {
		t.Fatalf("OpenNDJSON: %v", err)
	}
	b := NewBus("run-9", s)
	b.Emit(JourneyStateChanged, map[string]any{"from": "fly:ready", "to": "fly:executing"})
	b.Emit(MetricsUpdated, map[string]any{"bad": func() {}})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := ReadNDJSON(path)
	if err != nil {
		t.Fatalf("ReadNDJSON: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events: got %d want 2", len(got))
	}
	if got[0].Data["to"] != "fly:executing" || got[0].RunID != "run-9" {
		t.Fatalf("first event: %+v", got[0])
	}
	if _, ok := got[1].Data["marshal_error"]; !ok {
		t.Fatalf("unencodable data should degrade: %+v", got[1].Data)
	}
}
