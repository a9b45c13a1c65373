// Package budget holds the retry and timeout policy: exponential backoff
// for transient failures, per-domain subprocess timeouts, and an adaptive
// history that widens timeouts for commands observed to run long.
package budget

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// BackoffConfig configures retry delays between attempts.
type BackoffConfig struct {
	InitialDelayMS int     `json:"initial_delay_ms"`
	BackoffFactor  float64 `json:"backoff_factor"`
	MaxDelayMS     int     `json:"max_delay_ms"`
	Jitter         bool    `json:"jitter"`
}

// DefaultBackoff is 200ms doubling to a 60s cap. Jitter is off so delays are
// reproducible unless a caller opts in.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
	}
}

// Sanitize clamps negative or zero values to usable ones.
func (c BackoffConfig) Sanitize() BackoffConfig {
	if c.InitialDelayMS < 0 {
		c.InitialDelayMS = 0
	}
	if c.MaxDelayMS < 0 {
		c.MaxDelayMS = 0
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 1.0
	}
	return c
}

// DelayForAttempt returns the wait before retry number attempt (1-indexed).
// The exponential base is capped first, then jitter in [0.5, 1.5] is applied
// deterministically from jitterSeed.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
