package journey

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTransition_SucceedsIffAdjacent(t *testing.T) {
	states := States()
	for _, from := range states {
		allowed := map[State]bool{}
		for _, to := range Allowed(from) {
			allowed[to] = true
		}
		for _, to := range states {
			got, err := Transition(from, to)
			if allowed[to] {
				if err != nil || got != to {
					t.Fatalf("%s -> %s: got (%s, %v) want (%s, nil)", from, to, got, err, to)
				}
				continue
			}
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("%s -> %s: expected InvalidTransitionError, got %v", from, to, err)
			}
			if got != from {
				t.Fatalf("%s -> %s: state changed on failure to %s", from, to, got)
			}
			if ite.From != from || ite.To != to {
				t.Fatalf("error fields: %+v", ite)
			}
		}
	}
}

func TestTransition_UnknownStateFailsClosed(t *testing.T) {
	if _, err := Transition("fly:warp", FlyReady); err == nil {
		t.Fatalf("expected error from unknown state")
	}
	if _, err := Transition(FlyReady, "fly:warp"); err == nil {
		t.Fatalf("expected error to unknown state")
	}
}

func TestRecover_EveryStateHasSafeTarget(t *testing.T) {
	for _, s := range States() {
		to := Recover(s)
		if !to.Recoverable() {
			t.Fatalf("Recover(%s) = %s, which is not recoverable", s, to)
		}
		if s.Recoverable() && to != s {
			t.Fatalf("recoverable %s should map to itself, got %s", s, to)
		}
	}
	if got := Recover(FlyExecuting); got != FlyReady {
		t.Fatalf("Recover(fly:executing): got %s want %s", got, FlyReady)
	}
	if got := Recover(FlyIntervention); got != FlyReady {
		t.Fatalf("Recover(fly:intervention): got %s want %s", got, FlyReady)
	}
	if got := Recover("garbage"); got != SparkIdle {
		t.Fatalf("Recover(unknown): got %s want %s", got, SparkIdle)
	}
}

func TestState_Phase(t *testing.T) {
	if got := ShapeSpecReview.Phase(); got != "shape" {
		t.Fatalf("Phase: got %q", got)
	}
	if got := LandReview.Phase(); got != "land" {
		t.Fatalf("Phase: got %q", got)
	}
}

func TestMachine_PersistsBeforeReturning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journey.json")
	m, err := Open(path, "demo", ChartReview)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var seen []State
	m.OnTransition(func(from, to State, reason string) {
		// The observer runs after persistence: the file already has the target.
		reopened, err := Open(path, "demo", SparkIdle)
		if err != nil {
			t.Errorf("reopen in observer: %v", err)
			return
		}
		if j := reopened.Snapshot(); j.State != to {
			t.Errorf("observer saw on-disk state %s, want %s", j.State, to)
		}
		seen = append(seen, to)
	})
	if err := m.Walk("start", FlyReady); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(seen) != 1 || seen[0] != FlyReady {
		t.Fatalf("observer: got %v", seen)
	}
	snap := m.Snapshot()
	if len(snap.History) != 1 || snap.History[0].From != ChartReview || snap.History[0].Reason != "start" {
		t.Fatalf("history: %+v", snap.History)
	}
}

func TestMachine_IllegalTransitionLeavesDiskUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journey.json")
	m, err := Open(path, "demo", FlyReady)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before, _ := os.ReadFile(path)
	if err := m.Transition(LandReview, "skip ahead"); err == nil {
		t.Fatalf("expected illegal transition error")
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatalf("journey file changed after illegal transition")
	}
	if m.State() != FlyReady {
		t.Fatalf("state: got %s", m.State())
	}
}

func TestOpen_RecoversInFlightState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journey.json")
	m, err := Open(path, "demo", FlyReady)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Transition(FlyExecuting, "run"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// Simulate a crash: reopen without a clean stop.
	m2, err := Open(path, "demo", SparkIdle)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if m2.State() != FlyReady {
		t.Fatalf("recovered state: got %s want %s", m2.State(), FlyReady)
	}
	h := m2.Snapshot().History
	last := h[len(h)-1]
	if last.From != FlyExecuting || last.To != FlyReady || last.Reason != "recovered on startup" {
		t.Fatalf("recovery history entry: %+v", last)
	}
}

func TestMachine_EnsureIsIdempotent(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "journey.json"), "demo", FlyPaused)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Ensure(FlyReady, "resume"); err != nil {
			t.Fatalf("Ensure #%d: %v", i, err)
		}
	}
	if n := len(m.Snapshot().History); n != 1 {
		t.Fatalf("history length: got %d want 1", n)
	}
}
