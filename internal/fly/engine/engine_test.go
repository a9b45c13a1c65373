package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kulesh/waypoints/internal/config"
	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/fly/execlog"
	"github.com/kulesh/waypoints/internal/fly/intervention"
	"github.com/kulesh/waypoints/internal/fly/journey"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/runtime"
	"github.com/kulesh/waypoints/internal/llm"
	"github.com/kulesh/waypoints/internal/llm/llmtest"
)

type project struct {
	root   string
	cfg    *config.Config
	script *llmtest.Script

	mu     sync.Mutex
	events []events.Event
}

func newProject(t *testing.T, wps ...plan.Waypoint) *project {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default(root)
	cfg.Agent.Provider = "script"
	cfg.Builder.MaxIterations = 4
	off := false
	cfg.Git.Enabled = &off
	cfg.Validation.Commands = []config.ValidationCommand{{Name: "hello", Command: "test -s hello.txt", Category: "test"}}
	if len(wps) == 0 {
		wps = []plan.Waypoint{{ID: "WP-001", Title: "Greeting", Objective: "write hello.txt", AcceptanceCriteria: []string{"hello.txt exists"}}}
	}
	if err := plan.New(wps...).Save(cfg.StatePath(PlanFile)); err != nil {
		t.Fatalf("save plan: %v", err)
	}
	return &project{root: root, cfg: cfg, script: llmtest.New()}
}

func (p *project) engine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Bus == nil {
		opts.Bus = events.NewBus("run-test", events.SinkFunc(func(ev events.Event) {
			p.mu.Lock()
			p.events = append(p.events, ev)
			p.mu.Unlock()
		}))
	}
	e, err := New(p.cfg, llm.NewClient(p.script), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func (p *project) run(t *testing.T, opts Options) Summary {
	t.Helper()
	s, err := p.engine(t, opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return s
}

func (p *project) plan(t *testing.T) *plan.FlightPlan {
	t.Helper()
	fp, err := plan.Load(p.cfg.StatePath(PlanFile))
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	return fp
}

func (p *project) journeyState(t *testing.T) journey.State {
	t.Helper()
	m, err := journey.Open(p.cfg.StatePath(JourneyFile), "test", journey.FlyReady)
	if err != nil {
		t.Fatalf("journey: %v", err)
	}
	return m.State()
}

func (p *project) sawEvent(typ events.Type) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

// buildTurns writes hello.txt, maps criterion 0 to the host check, and claims.
func buildTurns(wpID string) []llmtest.Turn {
	return []llmtest.Turn{
		{
			Text:  `<build-plan>{"intended_files":["hello.txt"],"validation_plan":["test -s hello.txt"],"criterion_coverage_map":{"0":"hello"}}</build-plan>`,
			Calls: []llm.ToolCallData{llmtest.Call("write_file", map[string]any{"file_path": "hello.txt", "content": "hi\n"})},
			Usage: llm.Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.01},
		},
		llmtest.Complete(wpID),
	}
}

type scriptedResolver struct {
	mu    sync.Mutex
	resps []intervention.Response
	seen  []intervention.Intervention
}

func (r *scriptedResolver) Resolve(_ context.Context, iv intervention.Intervention) (intervention.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, iv)
	if len(r.resps) == 0 {
		return intervention.Response{Action: intervention.ActionAbort, ResolvedBy: "test"}, nil
	}
	resp := r.resps[0]
	r.resps = r.resps[1:]
	return resp, nil
}

func TestRun_AcceptsAndLands(t *testing.T) {
	p := newProject(t)
	p.script.Turns = buildTurns("WP-001")

	s := p.run(t, Options{})
	if s.Status != runtime.FinalLanded || s.Completed != 1 || s.Attempted != 1 || s.Failed != 0 {
		t.Fatalf("summary: %+v", s)
	}
	if s.JourneyState != string(journey.LandReview) {
		t.Fatalf("final state: got %s want %s", s.JourneyState, journey.LandReview)
	}
	if s.TotalCost < 0.0099 {
		t.Fatalf("total cost: got %v", s.TotalCost)
	}
	if st := p.plan(t).Get("WP-001").Status; st != plan.StatusComplete {
		t.Fatalf("status: got %s want complete", st)
	}
	if p.journeyState(t) != journey.LandReview {
		t.Fatalf("persisted journey: got %s", p.journeyState(t))
	}
	saved, err := runtime.LoadFinal(p.cfg.StatePath(RunDir, SummaryFile))
	if err != nil || saved.Status != runtime.FinalLanded {
		t.Fatalf("saved summary: %+v %v", saved, err)
	}
	lg, err := execlog.LoadLatest(p.cfg.StatePath(), "WP-001")
	if err != nil {
		t.Fatalf("execlog: %v", err)
	}
	if n := len(lg.Filter(execlog.Decision)); n != 1 {
		t.Fatalf("decision entries: got %d want 1", n)
	}
	for _, typ := range []events.Type{events.JourneyStateChanged, events.WaypointStatusChanged, events.MetricsUpdated} {
		if !p.sawEvent(typ) {
			t.Fatalf("no %s event published", typ)
		}
	}
	digest := plan.Digest(p.plan(t))
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == events.JourneyStateChanged && ev.CausationID != digest {
			t.Fatalf("journey event causation: got %q want plan digest %q", ev.CausationID, digest)
		}
	}
}

func TestRun_ReworkThenAccept(t *testing.T) {
	p := newProject(t)
	// The first claim writes nothing, so the host check fails.
	p.script.Turns = append([]llmtest.Turn{
		{Text: `<build-plan>{"intended_files":["hello.txt"],"validation_plan":["test -s hello.txt"],"criterion_coverage_map":{"0":"hello"}}</build-plan>
<waypoint-complete>WP-001</waypoint-complete>`},
	}, buildTurns("WP-001")...)

	s := p.run(t, Options{})
	if s.Status != runtime.FinalLanded || s.Completed != 1 || s.Escalations != 0 {
		t.Fatalf("summary: %+v", s)
	}
	attempts, err := execlog.ListAttempts(p.cfg.StatePath(), "WP-001")
	if err != nil || len(attempts) != 2 {
		t.Fatalf("attempts: got %v %v want 2", attempts, err)
	}
	first, err := execlog.Load(execlog.LogPath(p.cfg.StatePath(), "WP-001", attempts[0]))
	if err != nil {
		t.Fatalf("load first attempt: %v", err)
	}
	var dec struct {
		Disposition string `json:"disposition"`
		ReasonCode  string `json:"reason_code"`
	}
	entries := first.Filter(execlog.Decision)
	if len(entries) != 1 {
		t.Fatalf("first attempt decisions: %d", len(entries))
	}
	if err := entries[0].Decode(&dec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Disposition != "rework" || dec.ReasonCode != ReasonReceiptFailedRework {
		t.Fatalf("first decision: got %s/%s", dec.Disposition, dec.ReasonCode)
	}
}

// decisionsOf returns the disposition/reason of every attempt of wpID in
// order.
func decisionsOf(t *testing.T, p *project, wpID string) []string {
	t.Helper()
	attempts, err := execlog.ListAttempts(p.cfg.StatePath(), wpID)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	var out []string
	for _, a := range attempts {
		lg, err := execlog.Load(execlog.LogPath(p.cfg.StatePath(), wpID, a))
		if err != nil {
			t.Fatalf("load attempt %d: %v", a, err)
		}
		for _, en := range lg.Filter(execlog.Decision) {
			var dec struct {
				Disposition string `json:"disposition"`
				ReasonCode  string `json:"reason_code"`
			}
			if err := en.Decode(&dec); err != nil {
				t.Fatalf("decode: %v", err)
			}
			out = append(out, dec.Disposition+"/"+dec.ReasonCode)
		}
	}
	return out
}

func TestRun_LaterWaypointFailingSharedCheckIsReworked(t *testing.T) {
	p := newProject(t,
		plan.Waypoint{ID: "WP-001", Title: "Greeting", Objective: "write hello.txt", AcceptanceCriteria: []string{"hello.txt exists"}},
		plan.Waypoint{ID: "WP-002", Title: "Rewrite", Objective: "rewrite hello.txt", AcceptanceCriteria: []string{"hello.txt exists"}, Dependencies: []string{"WP-001"}},
	)
	// WP-002's first claim empties hello.txt, failing the check WP-001 passed.
	turns := buildTurns("WP-001")
	turns = append(turns, llmtest.Turn{
		Text:  `<build-plan>{"intended_files":["hello.txt"],"validation_plan":["test -s hello.txt"],"criterion_coverage_map":{"0":"hello"}}</build-plan>`,
		Calls: []llm.ToolCallData{llmtest.Call("write_file", map[string]any{"file_path": "hello.txt", "content": ""})},
	}, llmtest.Complete("WP-002"))
	p.script.Turns = append(turns, buildTurns("WP-002")...)

	s := p.run(t, Options{})
	if s.Status != runtime.FinalLanded || s.Completed != 2 || s.Escalations != 0 {
		t.Fatalf("summary: %+v", s)
	}
	got := decisionsOf(t, p, "WP-002")
	want := []string{"rework/" + ReasonReceiptFailedRework, "accept/" + ReasonPassed}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("WP-002 decisions: got %v want %v", got, want)
	}
}

func TestRun_StopPolicyEscalatesAndPauses(t *testing.T) {
	p := newProject(t)
	// An empty script answers with a non-retryable agent error.
	s := p.run(t, Options{})
	if s.Status != runtime.FinalFail || s.Failed != 1 || s.Escalations != 1 {
		t.Fatalf("summary: %+v", s)
	}
	if s.JourneyState != string(journey.FlyPaused) {
		t.Fatalf("final state: got %s want fly:paused", s.JourneyState)
	}
	if st := p.plan(t).Get("WP-001").Status; st != plan.StatusFailed {
		t.Fatalf("status: got %s want failed", st)
	}
	ivs, err := intervention.List(p.cfg.StatePath())
	if err != nil || len(ivs) != 1 {
		t.Fatalf("interventions: %v %v", ivs, err)
	}
	iv := ivs[0]
	if iv.Type != intervention.TypeExecutionError || iv.ReasonCode != "agent_error" {
		t.Fatalf("intervention: got %s/%s", iv.Type, iv.ReasonCode)
	}
	if !iv.Resolved() || iv.Response.Action != intervention.ActionAbort {
		t.Fatalf("response: %+v", iv.Response)
	}
	if !p.sawEvent(events.Warning) {
		t.Fatal("no warning event for the intervention")
	}
}

func TestRun_SkipContinuesWithIndependentWork(t *testing.T) {
	p := newProject(t,
		plan.Waypoint{ID: "WP-001", Title: "Broken", Objective: "fails", AcceptanceCriteria: []string{"never"}},
		plan.Waypoint{ID: "WP-002", Title: "Greeting", Objective: "write hello.txt", AcceptanceCriteria: []string{"hello.txt exists"}},
		plan.Waypoint{ID: "WP-003", Title: "After broken", Objective: "needs WP-001", AcceptanceCriteria: []string{"x"}, Dependencies: []string{"WP-001"}},
	)
	p.cfg.Policy.OnEscalation = "skip"
	p.script.Turns = append([]llmtest.Turn{{Err: llm.NewAgentError("script", "boom", 1, false)}}, buildTurns("WP-002")...)

	s := p.run(t, Options{})
	if s.Skipped != 1 || s.Completed != 1 || s.Escalations != 1 {
		t.Fatalf("summary: %+v", s)
	}
	fp := p.plan(t)
	if fp.Get("WP-001").Status != plan.StatusSkipped || fp.Get("WP-002").Status != plan.StatusComplete {
		t.Fatalf("statuses: %s %s", fp.Get("WP-001").Status, fp.Get("WP-002").Status)
	}
	if fp.Get("WP-003").Status != plan.StatusPending || s.Blocked != 1 {
		t.Fatalf("dependent: got %s blocked=%d", fp.Get("WP-003").Status, s.Blocked)
	}
	if s.Status == runtime.FinalLanded {
		t.Fatal("a blocked plan must not land")
	}
}

func TestRun_RetryGrantsIterationsAndResetsReworks(t *testing.T) {
	p := newProject(t)
	p.script.Turns = append([]llmtest.Turn{{Err: llm.NewAgentError("script", "boom", 1, false)}}, buildTurns("WP-001")...)
	res := &scriptedResolver{resps: []intervention.Response{{Action: intervention.ActionRetry, AdditionalIterations: 2, ResolvedBy: "test"}}}

	s := p.run(t, Options{Resolver: res})
	if s.Status != runtime.FinalLanded || s.Escalations != 1 || s.Completed != 1 {
		t.Fatalf("summary: %+v", s)
	}
	if len(res.seen) != 1 || res.seen[0].SuggestedAction != intervention.ActionRetry {
		t.Fatalf("resolver saw: %+v", res.seen)
	}
}

func TestRun_EditRewritesPlanThenRetries(t *testing.T) {
	p := newProject(t)
	p.script.Turns = append([]llmtest.Turn{{Err: llm.NewAgentError("script", "boom", 1, false)}}, buildTurns("WP-001")...)
	res := &scriptedResolver{resps: []intervention.Response{{Action: intervention.ActionEdit, Objective: "write a friendly hello.txt", ResolvedBy: "test"}}}

	s := p.run(t, Options{Resolver: res})
	if s.Status != runtime.FinalLanded {
		t.Fatalf("summary: %+v", s)
	}
	if got := p.plan(t).Get("WP-001").Objective; got != "write a friendly hello.txt" {
		t.Fatalf("objective: got %q", got)
	}
}

func TestRun_ClarificationRoundsBounded(t *testing.T) {
	p := newProject(t)
	// Claims without mapping evidence leave the criterion inconclusive.
	p.script.Then = func(llm.Request) llmtest.Turn { return llmtest.Complete("WP-001") }

	s := p.run(t, Options{})
	if s.Escalations != 1 || s.Completed != 0 {
		t.Fatalf("summary: %+v", s)
	}
	attempts, _ := execlog.ListAttempts(p.cfg.StatePath(), "WP-001")
	if len(attempts) != *p.cfg.Policy.MaxClarificationRounds {
		t.Fatalf("attempts: got %d want %d", len(attempts), *p.cfg.Policy.MaxClarificationRounds)
	}
	ivs, _ := intervention.List(p.cfg.StatePath())
	if len(ivs) != 1 || ivs[0].ReasonCode != ReasonClarificationExhausted || ivs[0].Type != intervention.TypeClarificationExhausted {
		t.Fatalf("interventions: %+v", ivs)
	}
}

type awayResolver struct{}

func (awayResolver) Resolve(context.Context, intervention.Intervention) (intervention.Response, error) {
	return intervention.Response{}, errors.New("operator away")
}

func TestRun_RestartSettlesPendingInterventionBeforeRetrying(t *testing.T) {
	p := newProject(t)
	p.script.Turns = []llmtest.Turn{{Err: llm.NewAgentError("script", "boom", 1, false)}}
	state := p.cfg.StatePath()

	s := p.run(t, Options{Resolver: awayResolver{}})
	if s.PendingIntervention == "" || s.Escalations != 1 {
		t.Fatalf("first run: %+v", s)
	}
	id := s.PendingIntervention

	// Still unanswered: the waypoint must not get a fresh attempt.
	s = p.run(t, Options{Resolver: awayResolver{}})
	if s.PendingIntervention != id || s.Escalations != 0 {
		t.Fatalf("second run: got pending %q escalations %d want %q 0", s.PendingIntervention, s.Escalations, id)
	}
	if attempts, _ := execlog.ListAttempts(state, "WP-001"); len(attempts) != 1 {
		t.Fatalf("attempts after unanswered restart: got %d want 1", len(attempts))
	}

	if err := intervention.WriteResponse(state, id, intervention.Response{Action: intervention.ActionSkip, ResolvedBy: "cli"}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	s = p.run(t, Options{Resolver: awayResolver{}})
	if s.Skipped != 1 || s.PendingIntervention != "" || s.Escalations != 0 {
		t.Fatalf("third run: %+v", s)
	}
	if st := p.plan(t).Get("WP-001").Status; st != plan.StatusSkipped {
		t.Fatalf("status: got %s want skipped", st)
	}
	if attempts, _ := execlog.ListAttempts(state, "WP-001"); len(attempts) != 1 {
		t.Fatalf("attempts after answered restart: got %d want 1", len(attempts))
	}
	iv, err := intervention.Load(state, id)
	if err != nil || !iv.Resolved() || iv.Response.Action != intervention.ActionSkip || iv.Response.ResolvedBy != "cli" {
		t.Fatalf("intervention: %+v err=%v", iv.Response, err)
	}
}

func TestRun_PauseHaltsAndResumeLands(t *testing.T) {
	p := newProject(t)
	p.script.Turns = buildTurns("WP-001")
	ctl := &Control{}
	ctl.Pause()

	s := p.run(t, Options{Control: ctl})
	if s.Status != runtime.FinalPaused || s.StoppedReason != "paused" || s.Attempted != 0 {
		t.Fatalf("paused summary: %+v", s)
	}
	if p.journeyState(t) != journey.FlyPaused {
		t.Fatalf("journey: got %s want fly:paused", p.journeyState(t))
	}

	ctl.Resume()
	s = p.run(t, Options{Control: ctl})
	if s.Status != runtime.FinalLanded {
		t.Fatalf("resumed summary: %+v", s)
	}
}

func TestRun_PauseMidAttemptLeavesWaypointResumable(t *testing.T) {
	p := newProject(t)
	ctl := &Control{}
	p.script.Then = func(llm.Request) llmtest.Turn {
		ctl.Pause()
		return llmtest.Turn{Text: "thinking"}
	}

	s := p.run(t, Options{Control: ctl})
	if s.Status != runtime.FinalPaused || s.Escalations != 0 {
		t.Fatalf("summary: %+v", s)
	}
	if st := p.plan(t).Get("WP-001").Status; st != plan.StatusInProgress {
		t.Fatalf("status: got %s want in_progress", st)
	}
	if p.journeyState(t) != journey.FlyPaused {
		t.Fatalf("journey: got %s", p.journeyState(t))
	}
}

func TestRun_PanicBecomesFatalEscalation(t *testing.T) {
	p := newProject(t)
	p.script.Then = func(llm.Request) llmtest.Turn { panic("provider exploded") }

	s := p.run(t, Options{})
	if s.Escalations != 1 || s.Failed != 1 {
		t.Fatalf("summary: %+v", s)
	}
	if s.JourneyState != string(journey.FlyPaused) {
		t.Fatalf("final state: got %s want recoverable fly:paused", s.JourneyState)
	}
	ivs, _ := intervention.List(p.cfg.StatePath())
	if len(ivs) != 1 || ivs[0].ReasonCode != ReasonFatal {
		t.Fatalf("interventions: %+v", ivs)
	}
	lg, err := execlog.LoadLatest(p.cfg.StatePath(), "WP-001")
	if err != nil {
		t.Fatalf("execlog: %v", err)
	}
	errs := lg.Filter(execlog.Error)
	if len(errs) == 0 || !strings.Contains(string(errs[0].Data), "provider exploded") {
		t.Fatalf("error entries: %+v", errs)
	}
}

func TestRun_EpicCompletesAfterChildren(t *testing.T) {
	p := newProject(t,
		plan.Waypoint{ID: "WP-001", Title: "Epic", Objective: "group"},
		plan.Waypoint{ID: "WP-002", Title: "Greeting", Objective: "write hello.txt", AcceptanceCriteria: []string{"hello.txt exists"}, ParentID: "WP-001"},
	)
	p.script.Turns = buildTurns("WP-002")

	s := p.run(t, Options{})
	if s.Status != runtime.FinalLanded || s.Completed != 1 {
		t.Fatalf("summary: %+v", s)
	}
	if st := p.plan(t).Get("WP-001").Status; st != plan.StatusComplete {
		t.Fatalf("epic: got %s want complete", st)
	}
}

func TestRun_CommitsAndTagsAcceptedWork(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	p := newProject(t)
	on := true
	p.cfg.Git.Enabled = &on
	p.cfg.Git.AutoInit = true
	p.script.Turns = buildTurns("WP-001")

	s := p.run(t, Options{})
	if s.Status != runtime.FinalLanded || s.LastCommitSHA == "" {
		t.Fatalf("summary: %+v", s)
	}
	out, err := exec.Command("git", "-C", p.root, "tag", "-l").CombinedOutput()
	if err != nil {
		t.Fatalf("git tag: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "waypoints/WP-001") {
		t.Fatalf("tags: %q", out)
	}
}

func TestRun_CommitFailureEscalatesInsteadOfCompleting(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	p := newProject(t)
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"-c", "user.name=t", "-c", "user.email=t@example.com", "commit", "--allow-empty", "-m", "root"},
	} {
		if out, err := exec.Command("git", append([]string{"-C", p.root}, args...)...).CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	hook := filepath.Join(p.root, ".git", "hooks", "pre-commit")
	if err := os.WriteFile(hook, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("hook: %v", err)
	}
	on := true
	p.cfg.Git.Enabled = &on
	p.script.Turns = buildTurns("WP-001")

	s := p.run(t, Options{})
	if s.Completed != 0 || s.Escalations != 1 || s.LastCommitSHA != "" {
		t.Fatalf("summary: %+v", s)
	}
	if st := p.plan(t).Get("WP-001").Status; st == plan.StatusComplete {
		t.Fatalf("waypoint marked complete although its commit failed")
	}
	ivs, err := intervention.List(p.cfg.StatePath())
	if err != nil || len(ivs) != 1 || ivs[0].ReasonCode != ReasonCommitFailed {
		t.Fatalf("interventions: %+v %v", ivs, err)
	}
}

func TestRun_RefusesJourneyOutsideFly(t *testing.T) {
	p := newProject(t)
	if _, err := journey.Open(p.cfg.StatePath(JourneyFile), "test", journey.SparkIdle); err != nil {
		t.Fatal(err)
	}
	_, err := p.engine(t, Options{}).Run(context.Background())
	if !errors.Is(err, ErrJourneyState) {
		t.Fatalf("got %v want ErrJourneyState", err)
	}
}

func TestRun_MissingPlan(t *testing.T) {
	p := newProject(t)
	if err := os.Remove(p.cfg.StatePath(PlanFile)); err != nil {
		t.Fatal(err)
	}
	_, err := p.engine(t, Options{}).Run(context.Background())
	if !errors.Is(err, ErrPlanMissing) {
		t.Fatalf("got %v want ErrPlanMissing", err)
	}
}

func TestPlanPath_PrefersStateCopy(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default(root)
	cfg.Project.Plan = "plan.yaml"
	if got := PlanPath(cfg); got != filepath.Join(root, "plan.yaml") {
		t.Fatalf("got %s", got)
	}
	if err := plan.New().Save(cfg.StatePath(PlanFile)); err != nil {
		t.Fatal(err)
	}
	if got := PlanPath(cfg); got != cfg.StatePath(PlanFile) {
		t.Fatalf("got %s want state copy", got)
	}
}
