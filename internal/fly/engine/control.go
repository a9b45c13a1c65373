package engine

import "sync/atomic"

// Control carries cooperative pause and cancel requests into a running
// engine. They are observed at builder iteration boundaries and between
// attempts. The zero value is ready to use; a nil *Control never stops.
type Control struct {
	paused    atomic.Bool
	cancelled atomic.Bool
}

func (c *Control) Pause() {
	if c != nil {
		c.paused.Store(true)
	}
}

// Resume clears a pause request. Cancellation is permanent.
func (c *Control) Resume() {
	if c != nil {
		c.paused.Store(false)
	}
}

func (c *Control) Cancel() {
	if c != nil {
		c.cancelled.Store(true)
	}
}

func (c *Control) Paused() bool    { return c != nil && c.paused.Load() }
func (c *Control) Cancelled() bool { return c != nil && c.cancelled.Load() }

func (c *Control) StopRequested() bool { return c.Paused() || c.Cancelled() }

// StopReason is "cancelled", "paused" or empty.
func (c *Control) StopReason() string {
	switch {
	case c.Cancelled():
		return "cancelled"
	case c.Paused():
		return "paused"
	}
	return ""
}
