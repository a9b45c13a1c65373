// Package engine runs a flight plan: it selects waypoints, drives each
// attempt through build, host validation and verification, and applies the
// orchestrator's decision.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kulesh/waypoints/internal/config"
	"github.com/kulesh/waypoints/internal/fly/budget"
	"github.com/kulesh/waypoints/internal/fly/builder"
	"github.com/kulesh/waypoints/internal/fly/cmdrun"
	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/fly/gitsafe"
	"github.com/kulesh/waypoints/internal/fly/gitutil"
	"github.com/kulesh/waypoints/internal/fly/intervention"
	"github.com/kulesh/waypoints/internal/fly/journey"
	"github.com/kulesh/waypoints/internal/fly/pathpolicy"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/receipt"
	"github.com/kulesh/waypoints/internal/fly/runstate"
	"github.com/kulesh/waypoints/internal/fly/runtime"
	"github.com/kulesh/waypoints/internal/fly/stack"
	"github.com/kulesh/waypoints/internal/fly/validate"
	"github.com/kulesh/waypoints/internal/fly/verifier"
	"github.com/kulesh/waypoints/internal/fly/workspace"
	"github.com/kulesh/waypoints/internal/llm"
	"github.com/kulesh/waypoints/internal/logging"
)

var (
	ErrJourneyState = errors.New("journey cannot fly from its current state")
	ErrPlanMissing  = errors.New("no flight plan found")
)

// Summary is the machine-readable outcome of a run.
type Summary = runtime.Final

// File names under the state dir.
const (
	PlanFile           = runstate.PlanFile
	JourneyFile        = runstate.JourneyFile
	TimeoutHistoryFile = "timeout-history.msgpack"
	RunDir             = runstate.RunDir
	SummaryFile        = runstate.SummaryFile
	ProgressFile       = runstate.ProgressFile
)

type Options struct {
	RunID    string
	Bus      *events.Bus
	Logger   *logging.Logger
	Resolver intervention.Resolver
	// Judge reviews unmapped criteria. When nil and agent.judge is set, an
	// agent-backed judge is built from the same client.
	Judge     verifier.Judge
	Clarifier builder.Clarifier
	Control   *Control
}

type Engine struct {
	cfg      *config.Config
	root     string
	stateDir string
	runID    string

	builder   *builder.Builder
	finalizer *receipt.Finalizer
	verifier  *verifier.Verifier
	git       *gitsafe.Service
	ivm       *intervention.Manager
	paths     *pathpolicy.Policy
	history   *budget.History
	policy    DecisionPolicy
	clarifier builder.Clarifier
	control   *Control

	bus *events.Bus
	log *logging.Logger

	plan    *plan.FlightPlan
	journey *journey.Machine

	lastGood string
	summary  Summary
	seen     map[string]bool
}

// PlanPath picks the plan a run operates on: the persisted state copy once
// it exists, otherwise project.plan, otherwise the state path.
func PlanPath(cfg *config.Config) string {
	state := cfg.StatePath(PlanFile)
	if _, err := os.Stat(state); err == nil {
		return state
	}
	if p := strings.TrimSpace(cfg.Project.Plan); p != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.Project.Root, p)
		}
		return p
	}
	return state
}

// New wires every role from cfg. client drives the builder (and the judge
// when enabled).
func New(cfg *config.Config, client *llm.Client, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	root, err := filepath.Abs(cfg.Project.Root)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	runID := opts.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}
	log = log.WithRun(runID)
	e := &Engine{
		cfg:       cfg,
		root:      root,
		stateDir:  filepath.Join(root, cfg.Project.StateDir),
		runID:     runID,
		bus:       opts.Bus,
		log:       log,
		control:   opts.Control,
		clarifier: opts.Clarifier,
		seen:      map[string]bool{},
		policy: DecisionPolicy{
			MaxReworks:                *cfg.Policy.MaxReworks,
			MaxClarificationRounds:    *cfg.Policy.MaxClarificationRounds,
			ReworkRegressions:         cfg.Policy.ReworkRegressions,
			RetryAdditionalIterations: cfg.Policy.RetryAdditionalIterations,
		},
	}
	if e.bus == nil {
		e.bus = events.NewBus(runID)
	}
	if e.clarifier == nil {
		e.clarifier = NewClarifier(log)
	}

	e.paths, err = pathpolicy.New(cfg.Paths.Allow, cfg.Paths.Deny, cfg.Project.StateDir)
	if err != nil {
		return nil, fmt.Errorf("path policy: %w", err)
	}
	reg := budget.NewRegistry()
	for name, tc := range cfg.Timeouts {
		if err := reg.Override(budget.Domain(name), seconds(tc.DefaultSeconds), seconds(tc.MaxSeconds), tc.MaxAttempts); err != nil {
			return nil, err
		}
	}
	e.history, err = budget.LoadHistory(filepath.Join(e.stateDir, TimeoutHistoryFile), 0)
	if err != nil {
		log.Warn("timeout history unreadable, starting fresh", "error", err)
		e.history = budget.NewHistory(0)
	}
	gitutil.SetTimeouts(reg)
	runner := cmdrun.New(reg, e.history)
	runner.OnEvent = e.onCommandEvent

	ws := workspace.NewOS(root, e.paths)
	e.builder, err = builder.New(client, ws, runner, builder.Config{
		Provider:               cfg.Agent.Provider,
		Model:                  cfg.Agent.Model,
		MaxTokens:              cfg.Agent.MaxTokens,
		MaxDerailmentStreak:    cfg.Builder.MaxDerailmentStreak,
		MaxMalformedCalls:      cfg.Builder.MaxMalformedCalls,
		HistoryTurns:           cfg.Builder.HistoryTurns,
		ShellTimeout:           time.Duration(cfg.Builder.ShellTimeoutMS) * time.Millisecond,
		ToolOutputMaxChars:     cfg.Builder.ToolOutputMaxChars,
		TransientRetries:       cfg.Builder.TransientRetryBudget,
		MaxClarificationRounds: *cfg.Policy.MaxClarificationRounds,
		Dir:                    root,
		StateDir:               cfg.Project.StateDir,
		ShellGuardSkip: []string{
			filepath.ToSlash(filepath.Join(cfg.Project.StateDir, RunDir, ProgressFile)),
			filepath.ToSlash(filepath.Join(cfg.Project.StateDir, RunDir, logging.LogFile)),
		},
	}, log)
	if err != nil {
		return nil, err
	}

	configured := make([]stack.Command, 0, len(cfg.Validation.Commands))
	for _, c := range cfg.Validation.Commands {
		cat := c.Category
		if cat == "" {
			cat = stack.CategoryOf(c.Command)
		}
		configured = append(configured, stack.Command{Name: c.Name, Command: c.Command, Category: cat, Optional: c.Optional})
	}
	e.finalizer = receipt.New(runner, receipt.CommandSource{
		Configured:  configured,
		Overrides:   cfg.Validation.Overrides,
		DetectStack: cfg.DetectStack(),
		Root:        root,
	}, root, nil, log)

	judge := opts.Judge
	if judge == nil && cfg.Agent.Judge {
		judge = &verifier.AgentJudge{Client: client, Provider: cfg.Agent.Provider, Model: cfg.Agent.Model}
	}
	e.verifier = verifier.New(ws.ReadOnly(), judge, runner, verifier.Config{
		Recheck:        cfg.Verifier.Recheck,
		MaxConcurrency: cfg.Verifier.MaxConcurrency,
		Root:           root,
	}, log)

	if cfg.GitEnabled() {
		e.git = gitsafe.New(root, cfg.Project.StateDir, cfg.Git.TagPrefix, log)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = intervention.PolicyResolver{OnEscalation: cfg.Policy.OnEscalation}
	}
	e.ivm = intervention.NewManager(e.stateDir, resolver, e.bus, log)
	return e, nil
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func (e *Engine) RunID() string          { return e.runID }
func (e *Engine) Bus() *events.Bus       { return e.bus }
func (e *Engine) Control() *Control      { return e.control }
func (e *Engine) StateDir() string       { return e.stateDir }
func (e *Engine) Plan() *plan.FlightPlan { return e.plan }

func (e *Engine) onCommandEvent(ev cmdrun.Event) {
	switch ev.Kind {
	case cmdrun.EventWarning, cmdrun.EventTimeout, cmdrun.EventRetry:
		e.bus.Emit(events.Warning, map[string]any{
			"message": fmt.Sprintf("command %s: %s", ev.Kind, ev.Command),
			"domain":  string(ev.Domain),
			"attempt": ev.Attempt,
			"timeout": ev.Timeout.String(),
			"detail":  ev.Detail,
		})
	default:
		e.log.Debug("command event", "kind", string(ev.Kind), "domain", string(ev.Domain), "command", ev.Command, "attempt", ev.Attempt)
	}
}

// Run executes selectable waypoints until the plan is done, nothing is
// selectable, or an intervention halts the run. The returned error is
// reserved for failures that prevent the run from starting or persisting;
// waypoint failures are reported in the summary.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	e.summary = Summary{RunID: e.runID}
	started := time.Now()
	e.log.Info("run started", "root", e.root)

	p, err := plan.LoadAny(PlanPath(e.cfg))
	if errors.Is(err, os.ErrNotExist) {
		return e.summary, ErrPlanMissing
	}
	if err != nil {
		return e.summary, fmt.Errorf("load flight plan: %w", err)
	}
	if err := validate.ValidateOrError(p); err != nil {
		return e.summary, err
	}
	e.plan = p
	digest := plan.Digest(p)
	e.bus.SetCausation(digest)
	e.log.Info("flight plan loaded", "waypoints", len(p.Waypoints), "digest", digest)

	jm, err := journey.Open(filepath.Join(e.stateDir, JourneyFile), filepath.Base(e.root), journey.FlyReady)
	if err != nil {
		return e.summary, err
	}
	jm.OnTransition(func(from, to journey.State, reason string) {
		e.bus.Emit(events.JourneyStateChanged, map[string]any{"from": string(from), "to": string(to), "reason": reason})
		e.log.Info("journey transition", "from", string(from), "to", string(to), "reason", reason)
	})
	e.journey = jm
	if err := e.ensureReady(); err != nil {
		return e.summary, err
	}
	if err := e.prepareGit(ctx); err != nil {
		return e.summary, err
	}
	if err := jm.Transition(journey.FlyExecuting, "run "+e.runID+" started"); err != nil {
		return e.summary, err
	}

	first := true
	for {
		if reason := e.stopReason(ctx); reason != "" {
			e.halt(reason)
			break
		}
		var wp *plan.Waypoint
		if first {
			wp = e.awaitingAnswer()
		}
		if wp == nil {
			wp = plan.SelectNext(e.plan, first)
		}
		first = false
		if wp == nil {
			break
		}
		pending, err := e.pendingIntervention(wp)
		if err != nil {
			return e.finish(started), err
		}
		if e.plan.IsEpic(wp.ID) && len(wp.AcceptanceCriteria) == 0 {
			if err := e.setStatus(wp, plan.StatusComplete, "all children complete"); err != nil {
				return e.finish(started), err
			}
			continue
		}
		halted, err := e.runWaypoint(ctx, wp, pending)
		if err != nil {
			e.log.Error("run aborted", "waypoint_id", wp.ID, "error", err)
			e.halt("error: " + err.Error())
			return e.finish(started), err
		}
		if halted {
			break
		}
	}
	return e.finish(started), nil
}

func (e *Engine) stopReason(ctx context.Context) string {
	if r := e.control.StopReason(); r != "" {
		return r
	}
	if ctx.Err() != nil {
		return "cancelled"
	}
	return ""
}

// awaitingAnswer is the waypoint of the newest unanswered intervention, so
// a restarted run settles it before picking other work.
func (e *Engine) awaitingAnswer() *plan.Waypoint {
	pending, err := intervention.Pending(e.stateDir)
	if err != nil {
		e.log.Warn("read pending interventions failed", "error", err)
		return nil
	}
	for i := len(pending) - 1; i >= 0; i-- {
		wp := e.plan.Get(pending[i].WaypointID)
		if wp != nil && (wp.Status == plan.StatusFailed || wp.Status == plan.StatusInProgress) {
			return wp
		}
	}
	return nil
}

// pendingIntervention returns the unanswered intervention an earlier run
// left on wp, if any.
func (e *Engine) pendingIntervention(wp *plan.Waypoint) (*intervention.Intervention, error) {
	if wp.Status != plan.StatusFailed && wp.Status != plan.StatusInProgress {
		return nil, nil
	}
	iv, ok, err := intervention.PendingFor(e.stateDir, wp.ID)
	if err != nil {
		return nil, fmt.Errorf("read pending interventions: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &iv, nil
}

// ensureReady recovers the journey into fly:ready where that is a legal move.
func (e *Engine) ensureReady() error {
	st := e.journey.State()
	switch st {
	case journey.FlyReady:
		return nil
	case journey.FlyPaused, journey.ChartReview, journey.LandReview:
		return e.journey.Ensure(journey.FlyReady, "resume run")
	}
	return fmt.Errorf("%w: %s", ErrJourneyState, st)
}

func (e *Engine) prepareGit(ctx context.Context) error {
	if e.git == nil {
		return nil
	}
	if !e.git.IsRepo(ctx) {
		if !e.cfg.Git.AutoInit {
			e.log.Warn("project is not a git repository; commits and rollbacks are disabled")
			e.git = nil
			return nil
		}
		if err := e.git.Init(ctx); err != nil {
			return fmt.Errorf("git init: %w", err)
		}
	}
	head, err := e.git.HeadRef(ctx)
	if err != nil {
		e.log.Warn("no HEAD commit yet; rollback has no known-good target", "error", err)
		return nil
	}
	e.lastGood = head
	return nil
}

// halt moves an executing journey to fly:paused.
func (e *Engine) halt(reason string) {
	if e.summary.StoppedReason == "" {
		e.summary.StoppedReason = reason
	}
	if e.journey != nil && e.journey.State() == journey.FlyExecuting {
		if err := e.journey.Transition(journey.FlyPaused, reason); err != nil {
			e.log.Error("pause transition failed", "error", err)
		}
	}
}

func (e *Engine) finish(started time.Time) Summary {
	comp := plan.CompletionStatus(e.plan)
	if e.journey != nil && e.journey.State() == journey.FlyExecuting {
		if comp.AllDone() {
			if err := e.journey.Transition(journey.LandReview, "all waypoints complete"); err != nil {
				e.log.Error("land transition failed", "error", err)
			}
		} else {
			reason := fmt.Sprintf("nothing selectable: %d failed, %d blocked", comp.Failed, comp.Blocked)
			e.halt(reason)
		}
	}
	s := &e.summary
	s.Timestamp = time.Now().UTC()
	s.Blocked = comp.Blocked
	if e.journey != nil {
		s.JourneyState = string(e.journey.State())
	}
	switch {
	case comp.AllDone():
		s.Status = runtime.FinalLanded
	case s.PendingIntervention != "" || e.control.StopRequested() || s.StoppedReason == "rollback":
		s.Status = runtime.FinalPaused
	case comp.Failed > 0:
		s.Status = runtime.FinalFail
	default:
		s.Status = runtime.FinalPaused
	}
	if err := e.history.Save(filepath.Join(e.stateDir, TimeoutHistoryFile)); err != nil {
		e.log.Warn("save timeout history failed", "error", err)
	}
	if err := s.Save(filepath.Join(e.stateDir, RunDir, SummaryFile)); err != nil {
		e.log.Warn("save summary failed", "error", err)
	}
	e.log.Info("run finished", "status", string(s.Status), "final_state", s.JourneyState,
		"completed", s.Completed, "failed", s.Failed, "escalations", s.Escalations,
		"cost_usd", s.TotalCost, "duration", time.Since(started).String())
	return *s
}

func (e *Engine) savePlan() error {
	return e.plan.Save(filepath.Join(e.stateDir, PlanFile))
}

// setStatus is the only place waypoint status changes during a run.
func (e *Engine) setStatus(wp *plan.Waypoint, st plan.Status, reason string) error {
	from := wp.Status
	var err error
	if st == plan.StatusInProgress {
		err = e.plan.MarkInProgress(wp.ID)
	} else {
		err = e.plan.SetStatus(wp.ID, st, time.Now().UTC())
	}
	if err != nil {
		return err
	}
	if err := e.savePlan(); err != nil {
		return fmt.Errorf("save flight plan: %w", err)
	}
	if from != st {
		e.bus.Publish(events.New(events.WaypointStatusChanged, map[string]any{
			"from":   string(from),
			"to":     string(st),
			"reason": reason,
		}).ForWaypoint(wp.ID, 0))
	}
	return nil
}
