package verifier

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"

	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/fly/workspace"
	"github.com/kulesh/waypoints/internal/llm"
	"github.com/kulesh/waypoints/internal/llm/llmtest"
)

func item(name, cat, cmd string, st protocol.ItemStatus) protocol.ChecklistItem {
	code := 0
	if st == protocol.ItemFailed {
		code = 1
	}
	return protocol.ChecklistItem{Item: name, Category: cat, Command: cmd, Status: st, ExitCode: &code}
}

func fixture(t *testing.T) (workspace.ReadOnly, *plan.Waypoint) {
	t.Helper()
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "README.md", []byte("# hi\n"), 0o644)
	_ = afero.WriteFile(fs, "empty.txt", nil, 0o644)
	wp := &plan.Waypoint{ID: "WP-1", Title: "t", AcceptanceCriteria: []string{"tests pass", "lint clean", "readme", "docs", "skipped only"}}
	return workspace.New(fs, nil).ReadOnly(), wp
}

func receiptFor(items ...protocol.ChecklistItem) *protocol.ChecklistReceipt {
	return &protocol.ChecklistReceipt{
		Meta:      protocol.NewMeta(protocol.TypeChecklistReceipt, "WP-1", protocol.RoleOrchestrator),
		Checklist: items,
	}
}

func TestVerify_MappedEvidence(t *testing.T) {
	files, wp := fixture(t)
	rc := receiptFor(
		item("tests", "test", "true", protocol.ItemPassed),
		item("lint", "lint", "false", protocol.ItemFailed),
		item("fmt", "format", "x", protocol.ItemSkipped),
	)
	rc.CriteriaEvidence = map[int][]string{0: {"tests"}, 1: {"lint", "tests"}, 4: {"fmt"}}
	art := protocol.BuildArtifact{Meta: protocol.NewMeta(protocol.TypeBuildArtifact, "WP-1", protocol.RoleBuilder), Coverage: map[int]string{2: "file:README.md", 3: "file:empty.txt"}}

	rep, err := New(files, nil, nil, Config{}, nil).Verify(context.Background(), rc, wp, art, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	want := []protocol.Verdict{protocol.VerdictPass, protocol.VerdictFail, protocol.VerdictPass, protocol.VerdictFail, protocol.VerdictInconclusive}
	for i, w := range want {
		if rep.Results[i].Verdict != w {
			t.Fatalf("criterion %d: got %s want %s (%s)", i, rep.Results[i].Verdict, w, rep.Results[i].Note)
		}
	}
	if len(rep.UnresolvedDoubts) != 1 || len(rep.ClarificationRequests) != 1 {
		t.Fatalf("doubts: %v requests: %d", rep.UnresolvedDoubts, len(rep.ClarificationRequests))
	}
	if rep.ClarificationRequests[0].ProducedByRole != protocol.RoleVerifier {
		t.Fatalf("clarification role: %s", rep.ClarificationRequests[0].ProducedByRole)
	}
	if rep.ReceiptID != rc.ArtifactID || rep.AllPassed() {
		t.Fatalf("report: %+v", rep)
	}
}

type fakeJudge struct {
	v   JudgeVerdict
	err error
}

func (f fakeJudge) Judge(ctx context.Context, req JudgeRequest) (JudgeVerdict, error) {
	return f.v, f.err
}

func TestVerify_JudgeMustCiteEvidence(t *testing.T) {
	files, _ := fixture(t)
	wp := &plan.Waypoint{ID: "WP-1", AcceptanceCriteria: []string{"looks right"}}
	rc := receiptFor(item("tests", "test", "true", protocol.ItemPassed))
	art := protocol.BuildArtifact{}

	cases := []struct {
		name  string
		judge Judge
		want  protocol.Verdict
	}{
		{"cites item", fakeJudge{v: JudgeVerdict{Verdict: protocol.VerdictPass, EvidenceRefs: []string{"tests"}}}, protocol.VerdictPass},
		{"cites inspected file", fakeJudge{v: JudgeVerdict{Verdict: protocol.VerdictFail, EvidenceRefs: []string{"README.md"}, Inspected: []string{"README.md"}}}, protocol.VerdictFail},
		{"cites unread file", fakeJudge{v: JudgeVerdict{Verdict: protocol.VerdictPass, EvidenceRefs: []string{"README.md"}}}, protocol.VerdictInconclusive},
		{"cites nothing", fakeJudge{v: JudgeVerdict{Verdict: protocol.VerdictPass}}, protocol.VerdictInconclusive},
		{"errors", fakeJudge{err: errors.New("boom")}, protocol.VerdictInconclusive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep, err := New(files, tc.judge, nil, Config{}, nil).Verify(context.Background(), rc, wp, art, nil)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got := rep.Results[0].Verdict; got != tc.want {
				t.Fatalf("got %s want %s (%s)", got, tc.want, rep.Results[0].Note)
			}
		})
	}
}

func TestVerify_RecheckDowngradesNonReproducible(t *testing.T) {
	files, _ := fixture(t)
	wp := &plan.Waypoint{ID: "WP-1", AcceptanceCriteria: []string{"stable", "flaky"}}
	rc := receiptFor(
		item("stable", "test", "true", protocol.ItemPassed),
		item("flaky", "test", "false", protocol.ItemPassed),
	)
	rc.CriteriaEvidence = map[int][]string{0: {"stable"}, 1: {"flaky"}}
	rep, err := New(files, nil, nil, Config{Recheck: true, Root: t.TempDir()}, nil).Verify(context.Background(), rc, wp, protocol.BuildArtifact{}, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.Results[0].Verdict != protocol.VerdictPass {
		t.Fatalf("stable: %+v", rep.Results[0])
	}
	if rep.Results[1].Verdict != protocol.VerdictInconclusive || rep.Results[1].Note == "" {
		t.Fatalf("flaky: %+v", rep.Results[1])
	}
}

func TestVerify_NilReceipt(t *testing.T) {
	files, wp := fixture(t)
	if _, err := New(files, nil, nil, Config{}, nil).Verify(context.Background(), nil, wp, protocol.BuildArtifact{}, nil); !errors.Is(err, ErrNoReceipt) {
		t.Fatalf("got %v want ErrNoReceipt", err)
	}
}

func TestAgentJudge_TracksInspectedFiles(t *testing.T) {
	files, _ := fixture(t)
	script := llmtest.New(
		llmtest.Turn{Calls: []llm.ToolCallData{llmtest.Call("read_file", map[string]any{"file_path": "README.md"})}},
		llmtest.Turn{Text: `<verdict>{"verdict":"pass","evidence_refs":["README.md"],"note":"heading present"}</verdict>`},
	)
	j := &AgentJudge{Client: llm.NewClient(script)}
	wp := &plan.Waypoint{ID: "WP-1", AcceptanceCriteria: []string{"readme has a heading"}}
	rep, err := New(files, j, nil, Config{}, nil).Verify(context.Background(), receiptFor(), wp, protocol.BuildArtifact{}, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.Results[0].Verdict != protocol.VerdictPass {
		t.Fatalf("got %+v", rep.Results[0])
	}
	last := script.Requests()[1].Messages
	if last[len(last)-1].Role != llm.RoleTool {
		t.Fatalf("tool result not returned to the judge")
	}
}
