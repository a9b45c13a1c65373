// Package cmdrun runs subprocesses under the timeout policy: per-attempt
// limits, retry on timeout where the domain allows it, and adaptive history.
package cmdrun

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kulesh/waypoints/internal/fly/budget"
	"github.com/kulesh/waypoints/internal/fly/procutil"
)

type EventKind string

const (
	EventStarted  EventKind = "started"
	EventWarning  EventKind = "warning"
	EventTimeout  EventKind = "timeout"
	EventRetry    EventKind = "retry"
	EventSignal   EventKind = "signal"
	EventFinished EventKind = "finished"
)

// Event is a lifecycle notification for one command attempt.
type Event struct {
	Kind    EventKind
	Domain  budget.Domain
	Command string
	Attempt int
	Timeout time.Duration
	Detail  string
}

type Command struct {
	Domain  budget.Domain
	Command string
	// Args, when set, is executed directly instead of Command through sh.
	Args      []string
	Category  string
	Dir       string
	Env       []string
	Stdin     []byte
	Requested time.Duration
}

// Attempt is one execution of the command.
type Attempt struct {
	Number   int           `json:"attempt"`
	Timeout  time.Duration `json:"timeout"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
	Warned   bool          `json:"warned"`
	ExitCode int           `json:"exit_code"`
	Signals  []string      `json:"signals,omitempty"`
}

// Outcome aggregates all attempts; output fields reflect the final attempt.
type Outcome struct {
	Command  string
	Attempts []Attempt
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Canceled bool
	Duration time.Duration
	// StartError is set when the process could not be spawned even after
	// SpawnRetries attempts.
	StartError   error
	SpawnRetries int
}

type Runner struct {
	Registry *budget.Registry
	History  *budget.History
	OnEvent  func(Event)
	// SpawnRetries bounds how often a process that failed to start is tried
	// again, waiting Backoff between tries.
	SpawnRetries int
	Backoff      budget.BackoffConfig
	// Sleep is swapped in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(reg *budget.Registry, hist *budget.History) *Runner {
	if reg == nil {
		reg = budget.NewRegistry()
	}
	if hist == nil {
		hist = budget.NewHistory(0)
	}
	return &Runner{Registry: reg, History: hist, SpawnRetries: 2, Backoff: budget.DefaultBackoff(), Sleep: sleepCtx}
}

func (r *Runner) emit(ev Event) {
	if r.OnEvent != nil {
		r.OnEvent(ev)
	}
}

func (r *Runner) Run(ctx context.Context, c Command) Outcome {
	pol := r.Registry.Policy(c.Domain)
	dir := c.Dir
	if abs, err := filepath.Abs(dir); err == nil && dir != "" {
		dir = abs
	}
	key := budget.CommandKey(c.Domain, c.Category, dir, c.Command)
	req := budget.Request{Domain: c.Domain, Command: c.Command, Category: c.Category, Requested: c.Requested}
	out := Outcome{Command: c.Command}
	started := time.Now()
	attempts := pol.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for n := 1; n <= attempts; n++ {
		hint := r.History.Recommended(key, pol.Default, pol.Max)
		timeout := r.Registry.TimeoutForAttempt(req, n, hint)
		r.emit(Event{Kind: EventStarted, Domain: c.Domain, Command: c.Command, Attempt: n, Timeout: timeout})

		attempt := n
		res, spawnRetries := r.start(ctx, c, key, n, timeout, procutil.Spec{
			Command:        c.Command,
			Args:           c.Args,
			Dir:            c.Dir,
			Env:            c.Env,
			Stdin:          c.Stdin,
			Timeout:        timeout,
			WarnAfter:      r.Registry.WarningAfter(c.Domain, timeout),
			TerminateGrace: pol.TerminateGrace,
			OnWarning: func() {
				r.emit(Event{Kind: EventWarning, Domain: c.Domain, Command: c.Command, Attempt: attempt, Timeout: timeout, Detail: "timeout threshold approaching"})
			},
		})
		for _, sig := range res.Signals {
			r.emit(Event{Kind: EventSignal, Domain: c.Domain, Command: c.Command, Attempt: n, Timeout: timeout, Detail: sig})
		}
		out.SpawnRetries += spawnRetries
		out.StartError = res.StartError
		if res.StartError == nil {
			r.History.Record(key, res.Duration, res.TimedOut)
		}
		out.Attempts = append(out.Attempts, Attempt{
			Number:   n,
			Timeout:  timeout,
			Duration: res.Duration,
			TimedOut: res.TimedOut,
			Warned:   res.Warned,
			ExitCode: res.ExitCode,
			Signals:  res.Signals,
		})
		out.ExitCode, out.Stdout, out.Stderr = res.ExitCode, res.Stdout, res.Stderr
		out.TimedOut, out.Canceled = res.TimedOut, res.Canceled

		if res.TimedOut {
			r.emit(Event{Kind: EventTimeout, Domain: c.Domain, Command: c.Command, Attempt: n, Timeout: timeout})
			if r.Registry.ShouldRetryTimeout(c.Domain, n) && ctx.Err() == nil {
				r.emit(Event{Kind: EventRetry, Domain: c.Domain, Command: c.Command, Attempt: n, Timeout: timeout, Detail: "retrying after timeout with a longer limit"})
				continue
			}
		}
		break
	}
	out.Duration = time.Since(started)
	r.emit(Event{Kind: EventFinished, Domain: c.Domain, Command: c.Command, Attempt: len(out.Attempts), Detail: exitDetail(out)})
	return out
}

// start runs spec, trying again with backoff while the process fails to
// spawn. A spawn failure says nothing about the command itself.
func (r *Runner) start(ctx context.Context, c Command, key string, n int, timeout time.Duration, spec procutil.Spec) (procutil.Result, int) {
	retries := 0
	for {
		res := procutil.Run(ctx, spec)
		if res.StartError == nil || retries >= r.SpawnRetries || ctx.Err() != nil {
			return res, retries
		}
		retries++
		delay := budget.DelayForAttempt(retries, r.Backoff.Sanitize(), key)
		r.emit(Event{Kind: EventRetry, Domain: c.Domain, Command: c.Command, Attempt: n, Timeout: timeout,
			Detail: fmt.Sprintf("spawn failed (%v); retry %d in %s", res.StartError, retries, delay)})
		sleep := r.Sleep
		if sleep == nil {
			sleep = sleepCtx
		}
		if err := sleep(ctx, delay); err != nil {
			return res, retries
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func exitDetail(o Outcome) string {
	switch {
	case o.StartError != nil:
		return "spawn failed"
	case o.Canceled:
		return "canceled"
	case o.TimedOut:
		return "timed out"
	case o.ExitCode == 0:
		return "ok"
	default:
		return "failed"
	}
}
