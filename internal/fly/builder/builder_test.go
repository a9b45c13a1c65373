package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kulesh/waypoints/internal/fly/budget"
	"github.com/kulesh/waypoints/internal/fly/cmdrun"
	"github.com/kulesh/waypoints/internal/fly/execlog"
	"github.com/kulesh/waypoints/internal/fly/pathpolicy"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/fly/workspace"
	"github.com/kulesh/waypoints/internal/llm"
	"github.com/kulesh/waypoints/internal/llm/llmtest"
)

type harness struct {
	root    string
	state   string
	builder *Builder
	script  *llmtest.Script
	wp      *plan.Waypoint
	log     *execlog.Writer
	slept   []time.Duration
}

func newHarness(t *testing.T, cfg Config, turns ...llmtest.Turn) *harness {
	t.Helper()
	root := t.TempDir()
	pol, err := pathpolicy.New(nil, nil, ".waypoints")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	h := &harness{root: root, state: filepath.Join(root, ".waypoints"), script: llmtest.New(turns...)}
	cfg.Dir = root
	cfg.StateDir = ".waypoints"
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	b, err := New(llm.NewClient(h.script), workspace.NewOS(root, pol), cmdrun.New(budget.NewRegistry(), nil), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.builder = b
	h.wp = &plan.Waypoint{ID: "WP-001", Title: "Greeting", Objective: "write hello.txt", AcceptanceCriteria: []string{"hello.txt says hi"}}
	h.log, err = execlog.Create(h.state, h.wp, "run-1", nil)
	if err != nil {
		t.Fatalf("execlog: %v", err)
	}
	t.Cleanup(func() { _ = h.log.Close() })
	return h
}

func (h *harness) run(t *testing.T, mut func(*Request)) protocol.BuildArtifact {
	t.Helper()
	req := Request{
		Waypoint:      h.wp,
		Attempt:       1,
		Envelope:      NewEnvelope(h.wp.ID, 1000, 0, Section{Name: "layout", Text: "hello.txt"}),
		MaxIterations: 5,
		Log:           h.log,
	}
	if mut != nil {
		mut(&req)
	}
	art, err := h.builder.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return art
}

func TestExecute_ClaimAfterWrite(t *testing.T) {
	h := newHarness(t, Config{MaxClarificationRounds: 2},
		llmtest.Turn{
			Text: `<build-plan>{"intended_files":["hello.txt"],"validation_plan":["cat hello.txt"],"criterion_coverage_map":{"0":"file:hello.txt"}}</build-plan>`,
			Calls: []llm.ToolCallData{
				llmtest.Call("write_file", map[string]any{"file_path": "hello.txt", "content": "hi\n"}),
				llmtest.Call("shell", map[string]any{"command": "cat hello.txt"}),
			},
			Usage: llm.Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.01},
		},
		llmtest.Turn{Text: `<execution-stage>{"stage":"report","success":true}</execution-stage>
<waypoint-complete>WP-001</waypoint-complete>`, Usage: llm.Usage{CostUSD: 0.02}},
	)
	art := h.run(t, nil)
	if art.Outcome != protocol.OutcomeClaimedComplete {
		t.Fatalf("outcome: got %s want claimed_complete (err=%s)", art.Outcome, art.Error)
	}
	if err := art.Validate(); err != nil {
		t.Fatalf("artifact invalid: %v", err)
	}
	if art.Iterations != 2 {
		t.Fatalf("iterations: got %d want 2", art.Iterations)
	}
	if len(art.TouchedFiles) != 1 || art.TouchedFiles[0] != "hello.txt" {
		t.Fatalf("touched: got %v", art.TouchedFiles)
	}
	if len(art.CommandLedger) != 1 || art.CommandLedger[0].Command != "cat hello.txt" || art.CommandLedger[0].ExitCode != 0 {
		t.Fatalf("command ledger: %+v", art.CommandLedger)
	}
	if art.Coverage[0] != "file:hello.txt" || len(art.ValidationCommands) != 1 {
		t.Fatalf("coverage/validation: %v %v", art.Coverage, art.ValidationCommands)
	}
	if len(art.StageReports) != 1 || art.StageReports[0].Stage != protocol.StageReport {
		t.Fatalf("stage reports: %+v", art.StageReports)
	}
	if art.Usage.CostUSD < 0.029 || art.Usage.InputTokens != 10 {
		t.Fatalf("usage: %+v", art.Usage)
	}
	b, err := os.ReadFile(filepath.Join(h.root, "hello.txt"))
	if err != nil || string(b) != "hi\n" {
		t.Fatalf("file: %q %v", b, err)
	}

	_ = h.log.Close()
	lg, err := execlog.Load(h.log.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := len(lg.Filter(execlog.ToolCall)); n != 2 {
		t.Fatalf("tool_call entries: got %d want 2", n)
	}
	if n := len(lg.Filter(execlog.BuildArtifact)); n != 1 {
		t.Fatalf("build_artifact entries: got %d want 1", n)
	}

	// The tool results must directly follow the assistant turn that asked.
	second := h.script.Requests()[1].Messages
	var sawTool bool
	for i, m := range second {
		if m.Role == llm.RoleTool {
			sawTool = true
			if second[i-1].Role != llm.RoleAssistant || len(second[i-1].ToolCalls) != 2 {
				t.Fatalf("tool results not paired with their call: %+v", second[i-1])
			}
		}
	}
	if !sawTool {
		t.Fatalf("second request carried no tool results")
	}
}

func TestExecute_AliasMarkerDerails(t *testing.T) {
	h := newHarness(t, Config{},
		llmtest.Turn{Text: "WAYPOINT_COMPLETE"},
		llmtest.Turn{Text: "waypoint complete!"},
		llmtest.Complete("WP-001"),
	)
	art := h.run(t, nil)
	if art.Outcome != protocol.OutcomeProtocolDerailment {
		t.Fatalf("outcome: got %s want protocol_derailment", art.Outcome)
	}
	if art.Iterations != 2 {
		t.Fatalf("iterations: got %d want 2", art.Iterations)
	}
}

func TestExecute_WrongMarkerThenRecovery(t *testing.T) {
	h := newHarness(t, Config{},
		llmtest.Turn{Text: "<waypoint-complete>WP-999</waypoint-complete>"},
		llmtest.Complete("WP-001"),
	)
	art := h.run(t, nil)
	if art.Outcome != protocol.OutcomeClaimedComplete || art.CompletionMarker != "WP-001" {
		t.Fatalf("got %s %q", art.Outcome, art.CompletionMarker)
	}
	last := h.script.Requests()[1].Messages
	if !strings.Contains(last[len(last)-1].Text, `"WP-999"`) {
		t.Fatalf("nudge should name the wrong marker: %q", last[len(last)-1].Text)
	}
}

func TestExecute_BlockedPathIsSecurityViolation(t *testing.T) {
	h := newHarness(t, Config{MaxDerailmentStreak: 1},
		llmtest.Turn{
			Text:  "<waypoint-complete>WP-001</waypoint-complete>",
			Calls: []llm.ToolCallData{llmtest.Call("write_file", map[string]any{"file_path": ".git/config", "content": "x"})},
		},
	)
	art := h.run(t, nil)
	if art.Outcome != protocol.OutcomeProtocolDerailment {
		t.Fatalf("outcome: got %s want protocol_derailment", art.Outcome)
	}
	if len(art.BlockedPaths) != 1 || art.BlockedPaths[0] != ".git/config" {
		t.Fatalf("blocked: %v", art.BlockedPaths)
	}
	if _, err := os.Stat(filepath.Join(h.root, ".git", "config")); err == nil {
		t.Fatalf("denied write reached disk")
	}
}

func TestExecute_ShellWriteIntoStateDirIsBlocked(t *testing.T) {
	h := newHarness(t, Config{MaxDerailmentStreak: 1},
		llmtest.Turn{
			Text:  "<waypoint-complete>WP-001</waypoint-complete>",
			Calls: []llm.ToolCallData{llmtest.Call("shell", map[string]any{"command": "echo '{}' > .waypoints/journey.json"})},
		},
	)
	art := h.run(t, nil)
	if art.Outcome != protocol.OutcomeProtocolDerailment {
		t.Fatalf("outcome: got %s want protocol_derailment", art.Outcome)
	}
	want := ".waypoints/journey.json"
	if len(art.BlockedPaths) != 1 || art.BlockedPaths[0] != want {
		t.Fatalf("blocked: got %v want [%s]", art.BlockedPaths, want)
	}
	var touched bool
	for _, f := range art.TouchedFiles {
		touched = touched || f == want
	}
	if !touched {
		t.Fatalf("touched files %v do not include %s", art.TouchedFiles, want)
	}

	_ = h.log.Close()
	lg, err := execlog.Load(h.log.Path())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	calls := lg.Filter(execlog.ToolCall)
	if len(calls) != 1 || !strings.Contains(string(calls[0].Data), `"is_error":true`) {
		t.Fatalf("shell result should be an error: %+v", calls)
	}
	if len(lg.Filter(execlog.SecurityViolation)) != 1 {
		t.Fatalf("no security_violation entry")
	}
}

func TestShellGuard_IgnoresSkippedFiles(t *testing.T) {
	root := t.TempDir()
	g := newShellGuard(root, ".waypoints", []string{".waypoints/run/progress.ndjson"})
	if err := os.MkdirAll(filepath.Join(root, ".waypoints", "run"), 0o755); err != nil {
		t.Fatal(err)
	}
	before := g.snapshot()
	if err := os.WriteFile(filepath.Join(root, ".waypoints", "run", "progress.ndjson"), []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "src.go"), []byte("package x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := changed(before, g.snapshot()); len(got) != 0 {
		t.Fatalf("changed: got %v want none", got)
	}
	if err := os.WriteFile(filepath.Join(root, ".waypoints", "journey.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := changed(before, g.snapshot()); len(got) != 1 || got[0] != ".waypoints/journey.json" {
		t.Fatalf("changed: got %v", got)
	}
}

func TestExecute_MalformedCallsStopAgent(t *testing.T) {
	bad := llm.ToolCallData{ID: "x", Name: "write_file", Arguments: []byte(`{"file_path":`)}
	h := newHarness(t, Config{},
		llmtest.Turn{Calls: []llm.ToolCallData{bad}},
		llmtest.Turn{Calls: []llm.ToolCallData{llmtest.Call("write_file", map[string]any{"path": "a"})}},
		llmtest.Turn{Calls: []llm.ToolCallData{llmtest.Call("no_such_tool", map[string]any{})}},
		llmtest.Complete("WP-001"),
	)
	art := h.run(t, nil)
	if art.Outcome != protocol.OutcomeAgentError {
		t.Fatalf("outcome: got %s want agent_error", art.Outcome)
	}
	if art.Iterations != 3 {
		t.Fatalf("iterations: got %d want 3", art.Iterations)
	}
}

func TestExecute_TransientErrorsDoNotSpendIterations(t *testing.T) {
	h := newHarness(t, Config{TransientRetries: 2},
		llmtest.Turn{Err: llm.ErrorFromHTTPStatus("script", 503, "overloaded", nil)},
		llmtest.Turn{Err: llm.ErrorFromHTTPStatus("script", 429, "slow down", nil)},
		llmtest.Complete("WP-001"),
	)
	art := h.run(t, nil)
	if art.Outcome != protocol.OutcomeClaimedComplete || art.Iterations != 1 {
		t.Fatalf("got %s after %d iterations", art.Outcome, art.Iterations)
	}
	if len(h.slept) != 2 {
		t.Fatalf("backoff sleeps: got %d want 2", len(h.slept))
	}
}

func TestExecute_NonRetryableErrorIsAgentError(t *testing.T) {
	h := newHarness(t, Config{TransientRetries: 3},
		llmtest.Turn{Err: llm.ErrorFromHTTPStatus("script", 401, "bad key", nil)},
	)
	art := h.run(t, nil)
	if art.Outcome != protocol.OutcomeAgentError || art.Error == "" {
		t.Fatalf("got %s %q", art.Outcome, art.Error)
	}
	if len(h.slept) != 0 {
		t.Fatalf("non-retryable error was retried")
	}
}

func TestExecute_StopCheckInterrupts(t *testing.T) {
	h := newHarness(t, Config{}, llmtest.Complete("WP-001"))
	art := h.run(t, func(r *Request) { r.StopCheck = func() bool { return true } })
	if art.Outcome != protocol.OutcomeInterrupted || art.Iterations != 0 {
		t.Fatalf("got %s after %d iterations", art.Outcome, art.Iterations)
	}
	if h.script.Calls() != 0 {
		t.Fatalf("agent was called after stop")
	}
}

func TestExecute_IterationBudget(t *testing.T) {
	h := newHarness(t, Config{}, llmtest.Turn{Text: "thinking"}, llmtest.Turn{Text: "still thinking"})
	art := h.run(t, func(r *Request) { r.MaxIterations = 2 })
	if art.Outcome != protocol.OutcomeIterationBudgetExhausted {
		t.Fatalf("outcome: got %s", art.Outcome)
	}
}

func TestExecute_ClarificationRounds(t *testing.T) {
	ask := llmtest.Turn{Text: `<clarification-request>{"blocking_question":"tabs or spaces?","requested_options":["tabs","spaces"]}</clarification-request>`}

	t.Run("unresolved exhausts", func(t *testing.T) {
		h := newHarness(t, Config{MaxClarificationRounds: 2}, ask, ask, llmtest.Complete("WP-001"))
		art := h.run(t, nil)
		if art.Outcome != protocol.OutcomeClarificationExhausted {
			t.Fatalf("outcome: got %s", art.Outcome)
		}
		if len(art.ClarificationIDs) != 2 {
			t.Fatalf("clarification ids: %v", art.ClarificationIDs)
		}
	})

	t.Run("resolved feeds back", func(t *testing.T) {
		h := newHarness(t, Config{MaxClarificationRounds: 2}, ask, ask, llmtest.Complete("WP-001"))
		clar := ClarifierFunc(func(ctx context.Context, req protocol.ClarificationRequest) (protocol.ClarificationResponse, bool) {
			return protocol.DefaultResponse(req), true
		})
		art := h.run(t, func(r *Request) { r.Clarifier = clar })
		if art.Outcome != protocol.OutcomeClaimedComplete {
			t.Fatalf("outcome: got %s", art.Outcome)
		}
		msgs := h.script.Requests()[1].Messages
		var found bool
		for _, m := range msgs {
			if strings.Contains(m.Text, "answered: tabs") {
				found = true
			}
		}
		if !found {
			t.Fatalf("clarification answer not fed back")
		}
	})
}

func TestKickoff_CarriesFeedbackAndRule(t *testing.T) {
	wp := &plan.Waypoint{ID: "WP-7", Title: "t", AcceptanceCriteria: []string{"a", "b"}}
	env := NewEnvelope("WP-7", 100, 0, Section{Name: "notes", Text: "context"})
	got := kickoff(wp, env, Feedback{ReworkReasons: []string{"receipt_failed_rework"}, FailureSummary: "tests: exit 1"})
	for _, want := range []string{"1: b", "receipt_failed_rework", "tests: exit 1", "## notes", "<waypoint-complete>WP-7</waypoint-complete>", "WAYPOINT_COMPLETE"} {
		if !strings.Contains(got, want) {
			t.Fatalf("kickoff missing %q:\n%s", want, got)
		}
	}
}

func TestTrimHistory_KeepsKickoffAndNoLeadingToolResult(t *testing.T) {
	h := []llm.Message{
		llm.User("kickoff"),
		llm.Assistant("a1"),
		llm.ToolResults(llm.ToolResultData{CallID: "1"}),
		llm.Assistant("a2"),
		llm.ToolResults(llm.ToolResultData{CallID: "2"}),
		llm.User("nudge"),
	}
	got := trimHistory(h, 2)
	if got[0].Text != "kickoff" {
		t.Fatalf("kickoff dropped: %+v", got[0])
	}
	if len(got) != 2 || got[1].Text != "nudge" {
		t.Fatalf("trimmed history: got %+v", got)
	}
	if got := trimHistory(h, 10); len(got) != len(h) {
		t.Fatalf("short history trimmed: %d", len(got))
	}
}
