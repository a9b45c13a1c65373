package engine

import (
	"strings"

	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
)

// Reason codes produced by Decide. A build outcome other than
// claimed_complete is passed through as its own reason.
const (
	ReasonClarificationExhausted = "clarification_budget_exhausted"
	ReasonPolicyRollback         = "policy_violation_rollback"
	ReasonPolicyEscalate         = "policy_violation_escalate"
	ReasonRegressionRollback     = "regression_rollback"
	ReasonRegressionEscalate     = "regression_escalate"
	ReasonMissingReport          = "missing_verification_report"
	ReasonRetryExhausted         = "retry_budget_exhausted"
	ReasonPassed                 = "verification_passed"
	ReasonClarificationRework    = "clarification_rework"
	ReasonReceiptFailedRework    = "receipt_failed_rework"
	ReasonVerificationFailed     = "verification_failed_rework"
	ReasonInconclusiveRework     = "verification_inconclusive_rework"
	ReasonMissingArtifact        = "missing_build_artifact"
	ReasonFatal                  = "fatal_error"
	// ReasonCommitFailed is raised after Decide when accepted work cannot be
	// committed.
	ReasonCommitFailed = "commit_failed"
)

// DecisionPolicy is the tunable definition of "fixable".
type DecisionPolicy struct {
	MaxReworks                int
	MaxClarificationRounds    int
	ReworkRegressions         bool
	RetryAdditionalIterations int
}

func DefaultPolicy() DecisionPolicy {
	return DecisionPolicy{MaxReworks: 3, MaxClarificationRounds: 2, RetryAdditionalIterations: 5}
}

// DecisionInput is everything Decide looks at for one attempt.
type DecisionInput struct {
	WaypointID string
	Artifact   *protocol.BuildArtifact
	Receipt    *protocol.ChecklistReceipt
	Report     *protocol.VerificationReport
	// Reworks already spent on this waypoint.
	Reworks int
	// ClarificationRounds counts consecutive attempts, this one included,
	// that ended with an unresolved clarification.
	ClarificationRounds int
	PolicyViolations    []string
	// Baseline is the receipt of this waypoint's previous attempt: the
	// measured state the current attempt started from. Nil on a first
	// attempt, which therefore cannot regress.
	Baseline    *protocol.ChecklistReceipt
	RollbackRef string
}

// Regressions lists checklist items that failed now but passed in the
// baseline.
func Regressions(rc, baseline *protocol.ChecklistReceipt) []string {
	if rc == nil || baseline == nil {
		return nil
	}
	var out []string
	for _, it := range rc.FailedItems() {
		if prev, ok := baseline.Item(it.Item); ok && prev.Status == protocol.ItemPassed {
			out = append(out, it.Item)
		}
	}
	return out
}

func unresolvedClarification(in DecisionInput) bool {
	if in.Artifact != nil && in.Artifact.Outcome == protocol.OutcomeClarificationExhausted {
		return true
	}
	return in.Report != nil && len(in.Report.ClarificationRequests) > 0
}

// Decide evaluates the decision table in order. It is pure: the same input
// always yields the same disposition, reason and status mutation.
func Decide(in DecisionInput, pol DecisionPolicy) protocol.OrchestratorDecision {
	refs := referencedIDs(in)
	dec := protocol.OrchestratorDecision{
		Meta:                  protocol.NewMeta(protocol.TypeOrchestratorDecision, in.WaypointID, protocol.RoleOrchestrator, refs...),
		ReferencedArtifactIDs: refs,
	}
	set := func(d protocol.Disposition, reason string, st plan.Status) protocol.OrchestratorDecision {
		dec.Disposition = d
		dec.ReasonCode = reason
		dec.StatusMutation = string(st)
		return dec
	}
	canRework := in.Reworks < pol.MaxReworks
	hasRef := strings.TrimSpace(in.RollbackRef) != ""

	if in.ClarificationRounds > 0 && in.ClarificationRounds >= pol.MaxClarificationRounds {
		return set(protocol.DispositionEscalate, ReasonClarificationExhausted, "")
	}
	if in.Artifact == nil {
		return set(protocol.DispositionEscalate, ReasonMissingArtifact, "")
	}
	if !in.Artifact.Claimed() {
		return set(protocol.DispositionEscalate, string(in.Artifact.Outcome), "")
	}
	if len(in.PolicyViolations) > 0 {
		if hasRef {
			return set(protocol.DispositionRollback, ReasonPolicyRollback, plan.StatusFailed)
		}
		return set(protocol.DispositionEscalate, ReasonPolicyEscalate, "")
	}
	if !pol.ReworkRegressions && len(Regressions(in.Receipt, in.Baseline)) > 0 {
		if hasRef {
			return set(protocol.DispositionRollback, ReasonRegressionRollback, plan.StatusFailed)
		}
		return set(protocol.DispositionEscalate, ReasonRegressionEscalate, "")
	}
	if !in.Receipt.HasCapturedEvidence() || in.Report == nil {
		if canRework {
			return set(protocol.DispositionRework, ReasonMissingReport, "")
		}
		return set(protocol.DispositionEscalate, ReasonRetryExhausted, "")
	}
	if in.Receipt.Valid() && in.Report.AllPassed() && len(in.Report.UnresolvedDoubts) == 0 && !unresolvedClarification(in) {
		return set(protocol.DispositionAccept, ReasonPassed, plan.StatusComplete)
	}
	if canRework {
		switch {
		case unresolvedClarification(in):
			return set(protocol.DispositionRework, ReasonClarificationRework, "")
		case len(in.Receipt.FailedItems()) > 0:
			return set(protocol.DispositionRework, ReasonReceiptFailedRework, "")
		case in.Report.HasFailures():
			return set(protocol.DispositionRework, ReasonVerificationFailed, "")
		default:
			return set(protocol.DispositionRework, ReasonInconclusiveRework, "")
		}
	}
	return set(protocol.DispositionEscalate, ReasonRetryExhausted, plan.StatusFailed)
}

func referencedIDs(in DecisionInput) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	if in.Artifact != nil {
		add(in.Artifact.ArtifactID)
		for _, id := range in.Artifact.ClarificationIDs {
			add(id)
		}
	}
	if in.Receipt != nil {
		add(in.Receipt.ArtifactID)
	}
	if in.Report != nil {
		add(in.Report.ArtifactID)
		for _, cr := range in.Report.ClarificationRequests {
			add(cr.ArtifactID)
		}
	}
	return out
}
