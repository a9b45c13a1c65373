// Package builder drives the external agent through one build attempt of a
// waypoint and reports what happened as a protocol.BuildArtifact.
package builder

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kulesh/waypoints/internal/fly/budget"
	"github.com/kulesh/waypoints/internal/fly/cmdrun"
	"github.com/kulesh/waypoints/internal/fly/execlog"
	"github.com/kulesh/waypoints/internal/fly/gitutil"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/fly/workspace"
	"github.com/kulesh/waypoints/internal/llm"
	"github.com/kulesh/waypoints/internal/logging"
)

// Clarifier answers builder clarification requests. ok=false leaves the
// request unresolved.
type Clarifier interface {
	Clarify(ctx context.Context, req protocol.ClarificationRequest) (resp protocol.ClarificationResponse, ok bool)
}

type ClarifierFunc func(ctx context.Context, req protocol.ClarificationRequest) (protocol.ClarificationResponse, bool)

func (f ClarifierFunc) Clarify(ctx context.Context, req protocol.ClarificationRequest) (protocol.ClarificationResponse, bool) {
	return f(ctx, req)
}

type Request struct {
	Waypoint      *plan.Waypoint
	Attempt       int
	Envelope      *Envelope
	MaxIterations int
	Feedback      Feedback
	Clarifier     Clarifier
	// StopCheck is consulted at every iteration boundary.
	StopCheck func() bool
	Log       *execlog.Writer
	// BaseRef, when set, adds files changed since that commit to the
	// touched-file ledger.
	BaseRef string
}

type Config struct {
	Provider               string
	Model                  string
	MaxTokens              int
	MaxDerailmentStreak    int
	MaxMalformedCalls      int
	HistoryTurns           int
	ShellTimeout           time.Duration
	ToolOutputMaxChars     int
	TransientRetries       int
	Backoff                budget.BackoffConfig
	MaxClarificationRounds int
	// Dir is the project root; StateDir is relative to it.
	Dir      string
	StateDir string
	// ShellGuardSkip lists root-relative files under the state dir that the
	// host appends to while a shell command runs.
	ShellGuardSkip []string
	// Sleep is swapped in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c Config) withDefaults() Config {
	if c.MaxDerailmentStreak <= 0 {
		c.MaxDerailmentStreak = 2
	}
	if c.MaxMalformedCalls <= 0 {
		c.MaxMalformedCalls = 3
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 24
	}
	if c.ShellTimeout <= 0 {
		c.ShellTimeout = 120 * time.Second
	}
	if c.TransientRetries < 0 {
		c.TransientRetries = 0
	}
	if c.Backoff == (budget.BackoffConfig{}) {
		c.Backoff = budget.DefaultBackoff()
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

type Builder struct {
	client *llm.Client
	ws     *workspace.Workspace
	runner *cmdrun.Runner
	tools  *ToolRegistry
	cfg    Config
	log    *logging.Logger
}

func New(client *llm.Client, ws *workspace.Workspace, runner *cmdrun.Runner, cfg Config, log *logging.Logger) (*Builder, error) {
	if client == nil {
		return nil, fmt.Errorf("builder: llm client is required")
	}
	if ws == nil {
		return nil, fmt.Errorf("builder: workspace is required")
	}
	if runner == nil {
		runner = cmdrun.New(budget.NewRegistry(), nil)
	}
	if log == nil {
		log = logging.NopLogger()
	}
	cfg = cfg.withDefaults()
	tools, err := NewToolRegistry(cfg.ToolOutputMaxChars)
	if err != nil {
		return nil, err
	}
	return &Builder{client: client, ws: ws, runner: runner, tools: tools, cfg: cfg, log: log.WithPhase("build")}, nil
}

func (b *Builder) Tools() *ToolRegistry { return b.tools }

var aliasRe = regexp.MustCompile(`(?i)\bWAYPOINT[_ ]COMPLETE\b`)

// attemptState is the per-attempt mutable state of the loop.
type attemptState struct {
	art            protocol.BuildArtifact
	history        []llm.Message
	derailStreak   int
	malformedRun   int
	unresolved     int
	validationSeen map[string]bool
}

// Execute runs build iterations until the agent claims completion or a
// budget trips. Agent-side failures end up in the artifact outcome; the
// returned error is reserved for failures of the host itself.
func (b *Builder) Execute(ctx context.Context, req Request) (protocol.BuildArtifact, error) {
	if req.Waypoint == nil {
		return protocol.BuildArtifact{}, fmt.Errorf("builder: waypoint is required")
	}
	wp := req.Waypoint
	log := b.log.WithWaypoint(wp.ID, req.Attempt)
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}

	st := &attemptState{
		art: protocol.BuildArtifact{
			Meta:     protocol.NewMeta(protocol.TypeBuildArtifact, wp.ID, protocol.RoleBuilder),
			Attempt:  req.Attempt,
			Coverage: map[int]string{},
		},
		validationSeen: map[string]bool{},
	}
	if req.Log != nil {
		st.art.SourceRefs = append(st.art.SourceRefs, req.Log.ExecutionID())
	}
	b.ws.Reset()
	st.history = []llm.Message{llm.User(kickoff(wp, req.Envelope, req.Feedback))}
	env := &toolEnv{ws: b.ws, runner: b.runner, dir: b.cfg.Dir, shellTimeout: b.cfg.ShellTimeout,
		guard: newShellGuard(b.cfg.Dir, b.cfg.StateDir, b.cfg.ShellGuardSkip)}

	outcome := protocol.OutcomeIterationBudgetExhausted
loop:
	for iter := 1; iter <= maxIter; iter++ {
		if (req.StopCheck != nil && req.StopCheck()) || ctx.Err() != nil {
			outcome = protocol.OutcomeInterrupted
			break
		}
		st.art.Iterations = iter
		req.logEntry(execlog.IterationStart, iter, map[string]any{"max_iterations": maxIter})

		resp, err := b.complete(ctx, req, st.history, iter)
		if err != nil {
			if ctx.Err() != nil {
				outcome = protocol.OutcomeInterrupted
				break
			}
			st.art.Error = err.Error()
			req.logEntry(execlog.Error, iter, map[string]any{"error": err.Error(), "retryable": llm.IsRetryable(err)})
			log.Warn("agent call failed", "iteration", iter, "err", err)
			outcome = protocol.OutcomeAgentError
			break
		}
		usage := protocol.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens, CostUSD: resp.Usage.CostUSD}
		st.art.Usage.Add(usage)
		if req.Log != nil {
			req.Log.AddCost(usage.CostUSD)
		}
		text := resp.Text()
		if text != "" {
			req.logEntry(execlog.Output, iter, map[string]any{"text": text})
		}
		st.history = append(st.history, resp.Message)

		var problems []string
		problems = append(problems, b.absorbBlocks(req, st, text, iter)...)

		malformed := b.runTools(ctx, req, st, env, resp.ToolCalls(), iter)
		if malformed {
			st.malformedRun++
		} else {
			st.malformedRun = 0
		}

		rounds := b.clarify(ctx, req, st, text, iter)
		if rounds > 0 && st.unresolved > 0 && st.unresolved >= b.cfg.MaxClarificationRounds {
			outcome = protocol.OutcomeClarificationExhausted
			break
		}

		derailed := false
		if blocked := appendUnique(b.ws.TakeBlocked(), env.guard.take()...); len(blocked) > 0 {
			derailed = true
			st.art.BlockedPaths = appendUnique(st.art.BlockedPaths, blocked...)
			req.logEntry(execlog.SecurityViolation, iter, map[string]any{"blocked_paths": blocked})
			log.Warn("blocked path access", "iteration", iter, "paths", blocked)
			problems = append(problems, fmt.Sprintf("access denied for %s; stay inside the allowed paths", strings.Join(blocked, ", ")))
		}

		marker, hasMarker := protocol.CompletionMarker(text)
		claimed := false
		switch {
		case hasMarker && marker == wp.ID:
			claimed = !derailed
		case hasMarker:
			derailed = true
			problems = append(problems, fmt.Sprintf("completion marker names %q, this waypoint is %s", marker, wp.ID))
		case aliasRe.MatchString(text):
			derailed = true
			problems = append(problems, "completion aliases are not accepted; use the exact marker")
		}

		req.logEntry(execlog.IterationEnd, iter, map[string]any{
			"tool_calls": len(resp.ToolCalls()),
			"derailed":   derailed,
			"claimed":    claimed,
			"usage":      usage,
		})

		if claimed {
			st.art.CompletionMarker = marker
			outcome = protocol.OutcomeClaimedComplete
			break loop
		}
		if derailed {
			st.derailStreak++
		} else {
			st.derailStreak = 0
		}
		switch {
		case st.malformedRun >= b.cfg.MaxMalformedCalls:
			st.art.Error = fmt.Sprintf("malformed tool calls in %d consecutive iterations", st.malformedRun)
			outcome = protocol.OutcomeAgentError
			break loop
		case st.derailStreak >= b.cfg.MaxDerailmentStreak:
			st.art.Error = fmt.Sprintf("protocol derailment in %d consecutive iterations", st.derailStreak)
			outcome = protocol.OutcomeProtocolDerailment
			break loop
		}
		if len(resp.ToolCalls()) == 0 || len(problems) > 0 {
			st.history = append(st.history, llm.User(nudge(wp.ID, problems)))
		}
		st.history = trimHistory(st.history, b.cfg.HistoryTurns)
	}

	st.art.Outcome = outcome
	st.art.TouchedFiles = appendUnique(b.touchedFiles(ctx, req.BaseRef), env.guard.touched()...)
	sort.Strings(st.art.TouchedFiles)
	if st.art.Plan != nil {
		for k, v := range st.art.Plan.Coverage {
			if _, ok := st.art.Coverage[k]; !ok {
				st.art.Coverage[k] = v
			}
		}
	}
	req.logEntry(execlog.BuildArtifact, st.art.Iterations, st.art)
	log.Info("build finished", "outcome", outcome, "iterations", st.art.Iterations, "touched", len(st.art.TouchedFiles), "cost_usd", st.art.Usage.CostUSD)
	return st.art, nil
}

func (r Request) logEntry(t execlog.EntryType, iter int, payload any) {
	if r.Log != nil {
		r.Log.Log(t, iter, payload)
	}
}

// complete sends one request, retrying transient failures without spending
// an iteration.
func (b *Builder) complete(ctx context.Context, req Request, history []llm.Message, iter int) (llm.Response, error) {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.System(systemContract))
	msgs = append(msgs, history...)
	lr := llm.Request{
		Provider: b.cfg.Provider,
		Model:    b.cfg.Model,
		Messages: msgs,
		Tools:    b.tools.Definitions(),
		Metadata: map[string]string{"waypoint_id": req.Waypoint.ID, "attempt": fmt.Sprint(req.Attempt), "iteration": fmt.Sprint(iter)},
	}
	if b.cfg.MaxTokens > 0 {
		mt := b.cfg.MaxTokens
		lr.MaxTokens = &mt
	}
	for attempt := 1; ; attempt++ {
		resp, err := b.client.Complete(ctx, lr)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !llm.IsRetryable(err) || attempt > b.cfg.TransientRetries {
			return resp, err
		}
		delay := budget.DelayForAttempt(attempt, b.cfg.Backoff, fmt.Sprintf("%s:%d:%d", req.Waypoint.ID, req.Attempt, iter))
		if ra := llm.RetryAfterOf(err); ra != nil && *ra > delay {
			delay = *ra
		}
		b.log.Warn("transient agent error, retrying", "attempt", attempt, "delay", delay.String(), "err", err)
		req.logEntry(execlog.Error, iter, map[string]any{"error": err.Error(), "retryable": true, "retry_in_ms": delay.Milliseconds()})
		if err := b.cfg.Sleep(ctx, delay); err != nil {
			return llm.Response{}, err
		}
	}
}

// absorbBlocks parses build-plan and stage blocks into the artifact.
// Malformed blocks are reported back to the agent.
func (b *Builder) absorbBlocks(req Request, st *attemptState, text string, iter int) []string {
	var problems []string
	bp, err := protocol.ParseBuildPlan(text, req.Waypoint.ID)
	if err != nil {
		problems = append(problems, err.Error())
	} else if bp != nil {
		st.art.Plan = bp
		for k, v := range bp.Coverage {
			st.art.Coverage[k] = v
		}
		for _, c := range bp.ValidationPlan {
			c = strings.TrimSpace(c)
			if c != "" && !st.validationSeen[c] {
				st.validationSeen[c] = true
				st.art.ValidationCommands = append(st.art.ValidationCommands, c)
			}
		}
		req.logEntry(execlog.StageReport, iter, map[string]any{"build_plan": bp})
	}
	reports, errs := protocol.ParseStageReports(text)
	for _, r := range reports {
		st.art.StageReports = append(st.art.StageReports, r)
		req.logEntry(execlog.StageReport, iter, r)
	}
	for _, e := range errs {
		problems = append(problems, e.Error())
	}
	return problems
}

// clarify forwards clarification requests and feeds resolved answers back.
// It returns the number of requests seen this iteration.
func (b *Builder) clarify(ctx context.Context, req Request, st *attemptState, text string, iter int) int {
	reqs, errs := protocol.ParseClarificationRequests(text, req.Waypoint.ID)
	for _, e := range errs {
		req.logEntry(execlog.Error, iter, map[string]any{"error": e.Error()})
	}
	for _, cr := range reqs {
		st.art.ClarificationIDs = append(st.art.ClarificationIDs, cr.ArtifactID)
		req.logEntry(execlog.Clarification, iter, map[string]any{"request": cr})
		var (
			resp protocol.ClarificationResponse
			ok   bool
		)
		if req.Clarifier != nil {
			resp, ok = req.Clarifier.Clarify(ctx, cr)
		}
		if !ok {
			st.unresolved++
			req.logEntry(execlog.Clarification, iter, map[string]any{"request_id": cr.ArtifactID, "resolved": false, "unresolved_rounds": st.unresolved})
			continue
		}
		req.logEntry(execlog.Clarification, iter, map[string]any{"response": resp, "resolved": true})
		var msg strings.Builder
		fmt.Fprintf(&msg, "Clarification %s answered: %s\nRationale: %s\n", cr.ArtifactID, resp.ChosenOption, resp.Rationale)
		for _, c := range resp.UpdatedConstraints {
			fmt.Fprintf(&msg, "- %s\n", c)
		}
		st.history = append(st.history, llm.User(msg.String()))
	}
	return len(reqs)
}

// runTools executes calls in order and appends one tool-result message.
// It reports whether any call was malformed.
func (b *Builder) runTools(ctx context.Context, req Request, st *attemptState, env *toolEnv, calls []llm.ToolCallData, iter int) bool {
	if len(calls) == 0 {
		return false
	}
	malformed := false
	results := make([]llm.ToolResultData, 0, len(calls))
	for _, c := range calls {
		res := b.tools.Execute(ctx, env, c)
		if res.Malformed {
			malformed = true
		}
		if res.Command != nil {
			res.Command.EvidenceRef = fmt.Sprintf("%s#iter%d/%s", req.logPath(), iter, res.CallID)
			st.art.CommandLedger = append(st.art.CommandLedger, *res.Command)
		}
		req.logEntry(execlog.ToolCall, iter, map[string]any{
			"call_id":   res.CallID,
			"tool":      res.ToolName,
			"arguments": string(c.Arguments),
			"output":    res.FullOutput,
			"is_error":  res.IsError,
			"malformed": res.Malformed,
		})
		results = append(results, llm.ToolResultData{CallID: res.CallID, Content: res.Output, IsError: res.IsError})
	}
	st.history = append(st.history, llm.ToolResults(results...))
	return malformed
}

func (r Request) logPath() string {
	if r.Log == nil {
		return ""
	}
	return r.Log.Path()
}

func (b *Builder) touchedFiles(ctx context.Context, baseRef string) []string {
	files := b.ws.Touched()
	if baseRef != "" && b.cfg.Dir != "" && gitutil.IsRepo(ctx, b.cfg.Dir) {
		var excl []string
		if b.cfg.StateDir != "" {
			excl = append(excl, b.cfg.StateDir)
		}
		diff, err := gitutil.DiffNameOnly(ctx, b.cfg.Dir, baseRef, excl...)
		if err != nil {
			b.log.Warn("diff against base failed", "base", baseRef, "err", err)
		}
		files = appendUnique(files, diff...)
	}
	sort.Strings(files)
	return files
}

// trimHistory keeps the last n messages and never starts on a tool result,
// which would orphan it from its call.
func trimHistory(h []llm.Message, n int) []llm.Message {
	if n <= 0 || len(h) <= n {
		return h
	}
	out := h[len(h)-n:]
	for len(out) > 0 && out[0].Role == llm.RoleTool {
		out = out[1:]
	}
	// Keep the kickoff so the waypoint itself never scrolls away.
	return append([]llm.Message{h[0]}, out...)
}

func appendUnique(dst []string, vals ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range vals {
		if v != "" && !seen[v] {
			seen[v] = true
			dst = append(dst, v)
		}
	}
	return dst
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
