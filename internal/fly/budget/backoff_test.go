package budget

import (
	"testing"
	"time"
)

func TestDelayForAttempt_NoJitter_ExponentialAndCapped(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 100, BackoffFactor: 2, MaxDelayMS: 500}
	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		if got := DelayForAttempt(i+1, cfg, "seed"); got != w*time.Millisecond {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w*time.Millisecond)
		}
	}
}

func TestDelayForAttempt_JitterDeterministicAndBounded(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 1000, BackoffFactor: 1, MaxDelayMS: 1000, Jitter: true}
	a := DelayForAttempt(1, cfg, "WP-001:1")
	b := DelayForAttempt(1, cfg, "WP-001:1")
	if a != b {
		t.Fatalf("jitter not deterministic: %v vs %v", a, b)
	}
	if a < 500*time.Millisecond || a > 1500*time.Millisecond {
		t.Fatalf("jitter out of range: %v", a)
	}
}

func TestDelayForAttempt_ZeroInitialAndClampedAttempt(t *testing.T) {
	if got := DelayForAttempt(3, BackoffConfig{}, ""); got != 0 {
		t.Fatalf("zero initial: got %v", got)
	}
	cfg := DefaultBackoff()
	if DelayForAttempt(0, cfg, "") != DelayForAttempt(1, cfg, "") {
		t.Fatalf("attempt < 1 should behave as attempt 1")
	}
	if s := (BackoffConfig{InitialDelayMS: -1, BackoffFactor: 0, MaxDelayMS: -5}).Sanitize(); s.InitialDelayMS != 0 || s.BackoffFactor != 1 || s.MaxDelayMS != 0 {
		t.Fatalf("Sanitize: %+v", s)
	}
}
