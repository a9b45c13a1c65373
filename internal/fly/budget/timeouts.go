package budget

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Domain string

const (
	DomainHostValidation Domain = "host_validation"
	DomainToolShell      Domain = "llm_tool_bash"
	DomainGit            Domain = "git_operation"
)

// Policy is the resolved timeout behaviour for one domain.
type Policy struct {
	Domain          Domain
	Default         time.Duration
	Min             time.Duration
	Max             time.Duration
	RetryOnTimeout  bool
	MaxAttempts     int
	Multiplier      float64
	WarningFraction float64
	TerminateGrace  time.Duration
	ProcessGroup    bool
}

// Request describes one command about to be run.
type Request struct {
	Domain    Domain
	Command   string
	Category  string
	Requested time.Duration // explicit override; clamped but otherwise honoured
}

// Registry resolves per-domain policies. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	policies map[Domain]Policy
}

func NewRegistry() *Registry {
	return &Registry{policies: map[Domain]Policy{
		DomainHostValidation: {
			Domain:          DomainHostValidation,
			Default:         300 * time.Second,
			Min:             30 * time.Second,
			Max:             1800 * time.Second,
			RetryOnTimeout:  true,
			MaxAttempts:     3,
			Multiplier:      2.0,
			WarningFraction: 0.75,
			TerminateGrace:  15 * time.Second,
			ProcessGroup:    true,
		},
		DomainToolShell: {
			Domain:          DomainToolShell,
			Default:         120 * time.Second,
			Min:             1 * time.Second,
			Max:             900 * time.Second,
			MaxAttempts:     1,
			Multiplier:      1.0,
			WarningFraction: 0.8,
			TerminateGrace:  2 * time.Second,
			ProcessGroup:    true,
		},
		DomainGit: {
			Domain:          DomainGit,
			Default:         30 * time.Second,
			Min:             3 * time.Second,
			Max:             300 * time.Second,
			MaxAttempts:     1,
			Multiplier:      1.0,
			WarningFraction: 0.85,
			TerminateGrace:  3 * time.Second,
		},
	}}
}

// Override replaces selected fields of a domain policy. Zero values keep the
// existing setting.
func (r *Registry) Override(d Domain, def, max time.Duration, attempts int) error {
	p, ok := r.policies[d]
	if !ok {
		return fmt.Errorf("unknown timeout domain %q", d)
	}
	if def > 0 {
		p.Default = def
	}
	if max > 0 {
		p.Max = max
	}
	if attempts > 0 {
		p.MaxAttempts = attempts
	}
	if p.Default > p.Max {
		return fmt.Errorf("timeout domain %s: default %s exceeds max %s", d, p.Default, p.Max)
	}
	r.policies[d] = p
	return nil
}

func (r *Registry) Policy(d Domain) Policy {
	if p, ok := r.policies[d]; ok {
		return p
	}
	return r.policies[DomainToolShell]
}

// TimeoutForAttempt resolves the limit for a 1-indexed attempt. A requested
// override wins (clamped). Otherwise the contextual base is raised to the
// history hint and scaled by multiplier^(attempt-1).
func (r *Registry) TimeoutForAttempt(req Request, attempt int, historyHint time.Duration) time.Duration {
	p := r.Policy(req.Domain)
	if req.Requested > 0 {
		return clamp(req.Requested, p.Min, p.Max)
	}
	base := r.contextualBase(p, req)
	if historyHint > base {
		base = historyHint
	}
	if attempt < 1 {
		attempt = 1
	}
	scaled := float64(base) * math.Pow(p.Multiplier, float64(attempt-1))
	return clamp(time.Duration(scaled), p.Min, p.Max)
}

// Long-running toolchains get a higher floor than the domain default.
func (r *Registry) contextualBase(p Policy, req Request) time.Duration {
	base := p.Default
	if req.Domain == DomainHostValidation {
		cmd := strings.ToLower(req.Command)
		switch {
		case strings.Contains(cmd, "cargo clippy"):
			base = maxDur(base, 900*time.Second)
		case strings.Contains(cmd, "cargo"):
			base = maxDur(base, 600*time.Second)
		case req.Category == "type":
			base = maxDur(base, 420*time.Second)
		}
	}
	return clamp(base, p.Min, p.Max)
}

func (r *Registry) ShouldRetryTimeout(d Domain, attempt int) bool {
	p := r.Policy(d)
	return p.RetryOnTimeout && attempt < p.MaxAttempts
}

// WarningAfter returns when to emit an approaching-timeout warning, or 0 when
// the domain has no warning threshold.
func (r *Registry) WarningAfter(d Domain, timeout time.Duration) time.Duration {
	f := r.Policy(d).WarningFraction
	if f <= 0 || f >= 1 {
		return 0
	}
	w := time.Duration(float64(timeout) * f)
	if w <= 0 || w >= timeout {
		return 0
	}
	return w
}

func clamp(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
