package intervention

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		reason string
		cats   []string
		err    string
		want   Type
	}{
		{"iteration_budget_exhausted", nil, "", TypeIterationLimit},
		{"clarification_budget_exhausted", nil, "", TypeClarificationExhausted},
		{"protocol_derailment", nil, "", TypeParseError},
		{"interrupted", nil, "", TypeUserRequested},
		{"policy_violation_rollback", nil, "", TypePolicyViolation},
		{"regression_rollback", nil, "", TypeRegression},
		{"agent_error", nil, "429 Too Many Requests: rate limit", TypeRateLimited},
		{"agent_error", nil, "provider overloaded", TypeAPIUnavailable},
		{"agent_error", nil, "monthly budget reached", TypeBudgetExceeded},
		{"agent_error", nil, "exec: not found", TypeExecutionError},
		{"retry_budget_exhausted", []string{"lint", "test"}, "", TypeTestFailure},
		{"retry_budget_exhausted", []string{"type"}, "", TypeTypeError},
		{"retry_budget_exhausted", []string{"format"}, "", TypeLintError},
		{"retry_budget_exhausted", nil, "", TypeExecutionError},
		{"fatal_error", nil, "panic: boom", TypeExecutionError},
	}
	for _, tc := range cases {
		if got := Classify(tc.reason, tc.cats, tc.err); got != tc.want {
			t.Fatalf("Classify(%q, %v, %q): got %s want %s", tc.reason, tc.cats, tc.err, got, tc.want)
		}
	}
}

func TestSuggestedAction_CoversEveryType(t *testing.T) {
	for typ := range suggested {
		if !SuggestedAction(typ).Valid() {
			t.Fatalf("%s suggests invalid action", typ)
		}
	}
	if len(suggested) != 13 {
		t.Fatalf("suggested actions: got %d types want 13", len(suggested))
	}
	if got := SuggestedAction(TypePolicyViolation); got != ActionRollback {
		t.Fatalf("policy_violation: got %s want rollback", got)
	}
}

func TestResponse_Validate(t *testing.T) {
	cases := []struct {
		name string
		resp Response
		ok   bool
	}{
		{"retry", Response{Action: ActionRetry, AdditionalIterations: 3}, true},
		{"unknown", Response{Action: "shrug"}, false},
		{"edit empty", Response{Action: ActionEdit}, false},
		{"edit objective", Response{Action: ActionEdit, Objective: "narrower scope"}, true},
		{"edit criteria", Response{Action: ActionEdit, Criteria: []string{"tests pass"}}, true},
		{"rollback default", Response{Action: ActionRollback}, true},
		{"rollback tag", Response{Action: ActionRollback, RollbackRef: "waypoints/WP-001"}, true},
		{"rollback relative", Response{Action: ActionRollback, RollbackRef: "HEAD~1"}, false},
		{"negative iterations", Response{Action: ActionRetry, AdditionalIterations: -1}, false},
	}
	for _, tc := range cases {
		err := tc.resp.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: got err=%v want ok=%v", tc.name, err, tc.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidResponse) {
			t.Fatalf("%s: error not wrapped: %v", tc.name, err)
		}
	}
}

func openOne(t *testing.T, m *Manager) Intervention {
	t.Helper()
	wp := &plan.Waypoint{ID: "WP-001", Title: "Add parser"}
	dec := protocol.OrchestratorDecision{
		Meta:        protocol.NewMeta(protocol.TypeOrchestratorDecision, wp.ID, protocol.RoleOrchestrator),
		Disposition: protocol.DispositionEscalate,
		ReasonCode:  "retry_budget_exhausted",
	}
	iv, err := m.Open(wp, 4, dec, "tests still failing", map[string]any{CtxFailedCategories: []string{"test"}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return iv
}

func TestManager_OpenPersistsAndPublishes(t *testing.T) {
	state := t.TempDir()
	var got []events.Event
	bus := events.NewBus("run-1", events.SinkFunc(func(ev events.Event) { got = append(got, ev) }))
	m := NewManager(state, PolicyResolver{OnEscalation: "stop"}, bus, nil)

	iv := openOne(t, m)
	if iv.Type != TypeTestFailure || iv.SuggestedAction != ActionEdit {
		t.Fatalf("type/action: got %s/%s", iv.Type, iv.SuggestedAction)
	}
	if !strings.HasPrefix(iv.ID, "IV-") {
		t.Fatalf("id: got %q", iv.ID)
	}
	if len(got) != 1 || got[0].Type != events.Warning || got[0].WaypointID != "WP-001" {
		t.Fatalf("events: got %+v", got)
	}
	if got[0].Data["intervention_id"] != iv.ID {
		t.Fatalf("event data: got %v", got[0].Data)
	}

	loaded, err := Load(state, iv.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Summary != "tests still failing" || loaded.Attempt != 4 {
		t.Fatalf("loaded: got %+v", loaded)
	}
	pending, err := Pending(state)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Pending: got %d err=%v", len(pending), err)
	}
}

func TestManager_AwaitPolicyMarksResolved(t *testing.T) {
	state := t.TempDir()
	m := NewManager(state, PolicyResolver{OnEscalation: "skip"}, nil, nil)
	iv := openOne(t, m)

	resp, err := m.Await(context.Background(), iv)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if resp.Action != ActionSkip || resp.ResolvedBy != "policy" {
		t.Fatalf("response: got %+v", resp)
	}
	loaded, err := Load(state, iv.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Resolved() || loaded.ResolvedAt == nil {
		t.Fatalf("record not marked resolved: %+v", loaded)
	}
	pending, _ := Pending(state)
	if len(pending) != 0 {
		t.Fatalf("pending after resolve: got %d want 0", len(pending))
	}
	if err := WriteResponse(state, iv.ID, Response{Action: ActionRetry}); err == nil {
		t.Fatalf("expected error answering a resolved intervention")
	}
}

func TestPolicyResolver_StopAborts(t *testing.T) {
	resp, err := PolicyResolver{OnEscalation: "stop"}.Resolve(context.Background(), Intervention{})
	if err != nil || resp.Action != ActionAbort {
		t.Fatalf("got %+v err=%v want abort", resp, err)
	}
}

func waitParked(t *testing.T, c *ChannelResolver, n int) []Intervention {
	t.Helper()
	for i := 0; i < 100; i++ {
		if p := c.Pending(); len(p) >= n {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d parked interventions, got %d", n, len(c.Pending()))
	return nil
}

func TestChannelResolver_Answer(t *testing.T) {
	c := NewChannelResolver(5 * time.Second)
	done := make(chan Response, 1)
	go func() {
		resp, _ := c.Resolve(context.Background(), Intervention{ID: "IV-1"})
		done <- resp
	}()
	p := waitParked(t, c, 1)
	if p[0].ID != "IV-1" {
		t.Fatalf("parked id: got %s", p[0].ID)
	}
	if err := c.Answer("IV-1", Response{Action: ActionEdit}); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("invalid edit accepted: %v", err)
	}
	if err := c.Answer("IV-1", Response{Action: ActionRetry, AdditionalIterations: 2}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	select {
	case resp := <-done:
		if resp.Action != ActionRetry || resp.AdditionalIterations != 2 {
			t.Fatalf("got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve did not return")
	}
	if err := c.Answer("IV-1", Response{Action: ActionRetry}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second answer: got %v want ErrNotFound", err)
	}
}

func TestChannelResolver_TimeoutAndCancel(t *testing.T) {
	c := NewChannelResolver(30 * time.Millisecond)
	if _, err := c.Resolve(context.Background(), Intervention{ID: "IV-1"}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("timeout: got %v", err)
	}

	c = NewChannelResolver(time.Minute)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Resolve(context.Background(), Intervention{ID: "IV-2"})
		errCh <- err
	}()
	waitParked(t, c, 1)
	c.Cancel()
	c.Cancel()
	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Fatalf("cancel: got %v", err)
	}
}

func TestFileResolver_PicksUpWrittenResponse(t *testing.T) {
	state := t.TempDir()
	m := NewManager(state, NewFileResolver(state), nil, nil)
	iv := openOne(t, m)

	done := make(chan Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := m.Await(context.Background(), iv)
		if err != nil {
			errCh <- err
			return
		}
		done <- resp
	}()
	time.Sleep(50 * time.Millisecond)
	if err := WriteResponse(state, iv.ID, Response{Action: ActionEdit, Objective: "smaller step"}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	select {
	case resp := <-done:
		if resp.Action != ActionEdit || resp.ResolvedBy != "file" {
			t.Fatalf("got %+v", resp)
		}
	case err := <-errCh:
		t.Fatalf("Await: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("file response never observed")
	}
}

func TestFileResolver_ExistingResponse(t *testing.T) {
	state := t.TempDir()
	m := NewManager(state, nil, nil, nil)
	iv := openOne(t, m)
	if err := WriteResponse(state, iv.ID, Response{Action: ActionAbort}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	resp, err := NewFileResolver(state).Resolve(context.Background(), iv)
	if err != nil || resp.Action != ActionAbort {
		t.Fatalf("got %+v err=%v", resp, err)
	}
}

func TestFirstOf_FirstAnswerWins(t *testing.T) {
	c := NewChannelResolver(time.Minute)
	r := FirstOf(c, PolicyResolver{OnEscalation: "skip"})
	resp, err := r.Resolve(context.Background(), Intervention{ID: "IV-9"})
	if err != nil || resp.Action != ActionSkip {
		t.Fatalf("got %+v err=%v", resp, err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(c.Pending()); n != 0 {
		t.Fatalf("channel resolver left parked: %d", n)
	}
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(context.Context, Intervention) (Response, error) {
	return Response{}, f.err
}

func TestManager_ResumeAppliesWrittenResponse(t *testing.T) {
	state := t.TempDir()
	unavailable := errors.New("no operator")
	m := NewManager(state, failingResolver{err: unavailable}, nil, nil)
	iv := openOne(t, m)

	if _, err := m.Resume(context.Background(), iv); !errors.Is(err, unavailable) {
		t.Fatalf("Resume without an answer: got %v want %v", err, unavailable)
	}
	got, ok, err := PendingFor(state, "WP-001")
	if err != nil || !ok || got.ID != iv.ID {
		t.Fatalf("PendingFor: got %s ok=%v err=%v want %s", got.ID, ok, err, iv.ID)
	}

	if err := WriteResponse(state, iv.ID, Response{Action: ActionSkip}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	resp, err := m.Resume(context.Background(), iv)
	if err != nil || resp.Action != ActionSkip || resp.ResolvedBy != "file" {
		t.Fatalf("Resume: got %+v err=%v", resp, err)
	}
	if _, ok, _ := PendingFor(state, "WP-001"); ok {
		t.Fatalf("intervention still pending after resume")
	}
	if _, ok, _ := PendingFor(state, "WP-404"); ok {
		t.Fatalf("PendingFor matched another waypoint")
	}
}
