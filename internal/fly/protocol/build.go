package protocol

import (
	"fmt"
	"strings"
)

type Stage string

const (
	StageAnalyze Stage = "analyze"
	StagePlan    Stage = "plan"
	StageTest    Stage = "test"
	StageCode    Stage = "code"
	StageRun     Stage = "run"
	StageFix     Stage = "fix"
	StageLint    Stage = "lint"
	StageReport  Stage = "report"
)

func (s Stage) Valid() bool {
	switch s {
	case StageAnalyze, StagePlan, StageTest, StageCode, StageRun, StageFix, StageLint, StageReport:
		return true
	}
	return false
}

// StageReport is a progress note the builder emits inside
// <execution-stage> tags.
type StageReport struct {
	Stage     Stage    `json:"stage"`
	Success   bool     `json:"success"`
	Output    string   `json:"output,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	NextStage Stage    `json:"next_stage,omitempty"`
}

// BuildPlan is the builder's declared approach, including which evidence
// covers which acceptance criterion (keyed by 0-based criterion index).
type BuildPlan struct {
	Meta
	IntendedFiles  []string       `json:"intended_files"`
	ValidationPlan []string       `json:"validation_plan"`
	Coverage       map[int]string `json:"criterion_coverage_map"`
}

type CommandRecord struct {
	Command     string `json:"command"`
	ExitCode    int    `json:"exit_code"`
	DurationMS  int64  `json:"duration_ms"`
	TimedOut    bool   `json:"timed_out,omitempty"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

type BuildOutcome string

const (
	OutcomeClaimedComplete          BuildOutcome = "claimed_complete"
	OutcomeIterationBudgetExhausted BuildOutcome = "iteration_budget_exhausted"
	OutcomeClarificationExhausted   BuildOutcome = "clarification_exhausted"
	OutcomeProtocolDerailment       BuildOutcome = "protocol_derailment"
	OutcomeAgentError               BuildOutcome = "agent_error"
	OutcomeInterrupted              BuildOutcome = "interrupted"
)

type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CostUSD += o.CostUSD
}

// BuildArtifact records what the builder did. A completion claim is only a
// handoff signal and is never trusted on its own.
type BuildArtifact struct {
	Meta
	Attempt            int             `json:"attempt"`
	Outcome            BuildOutcome    `json:"outcome"`
	Iterations         int             `json:"iterations"`
	TouchedFiles       []string        `json:"touched_files"`
	BlockedPaths       []string        `json:"blocked_paths,omitempty"`
	CommandLedger      []CommandRecord `json:"command_ledger"`
	Coverage           map[int]string  `json:"criterion_coverage_claims"`
	ValidationCommands []string        `json:"validation_commands,omitempty"`
	StageReports       []StageReport   `json:"stage_reports,omitempty"`
	ClarificationIDs   []string        `json:"clarification_ids,omitempty"`
	CompletionMarker   string          `json:"completion_marker_payload,omitempty"`
	Usage              Usage           `json:"usage"`
	Error              string          `json:"error,omitempty"`
	Plan               *BuildPlan      `json:"build_plan,omitempty"`
}

func (a BuildArtifact) Claimed() bool { return a.Outcome == OutcomeClaimedComplete }

func (a BuildArtifact) Validate() error {
	if err := a.Meta.Validate(); err != nil {
		return err
	}
	if a.ProducedByRole != RoleBuilder {
		return fmt.Errorf("build artifact produced by %q, want builder", a.ProducedByRole)
	}
	if strings.TrimSpace(string(a.Outcome)) == "" {
		return fmt.Errorf("build artifact %s missing outcome", a.ArtifactID)
	}
	if a.Outcome == OutcomeClaimedComplete && a.CompletionMarker != a.WaypointID {
		return fmt.Errorf("build artifact %s claims completion for %q, want %q", a.ArtifactID, a.CompletionMarker, a.WaypointID)
	}
	return nil
}
