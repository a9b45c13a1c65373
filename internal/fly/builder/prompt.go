package builder

import (
	"fmt"
	"strings"

	"github.com/kulesh/waypoints/internal/fly/plan"
)

const systemContract = `You are the builder for a single waypoint of a software project.
Work only through the provided tools. Paths are relative to the project root.

Protocol:
- Before editing, emit <build-plan>{"intended_files":[...],"validation_plan":[...],"criterion_coverage_map":{"0":"<check>",...}}</build-plan>.
  Each coverage entry names the validation command, category or "file:<path>" that proves that acceptance criterion.
- Report progress with <execution-stage>{"stage":"code","success":true,"output":"..."}</execution-stage>.
  Stages: analyze, plan, test, code, run, fix, lint, report.
- If you are blocked on a decision, emit <clarification-request>{"blocking_question":"...","decision_context":"...","confidence_level":0.4,"requested_options":["a","b"]}</clarification-request>
  and stop for this turn.
- When the work is done and validated, emit exactly <waypoint-complete>WAYPOINT_ID</waypoint-complete> with the waypoint id.
  Completion is a handoff: the host re-runs validation and decides.
- Never touch .git or the engine state directory.`

// Feedback carries what earlier attempts learned.
type Feedback struct {
	ReworkReasons  []string
	Clarifications []string
	FailureSummary string
}

func (f Feedback) empty() bool {
	return len(f.ReworkReasons) == 0 && len(f.Clarifications) == 0 && strings.TrimSpace(f.FailureSummary) == ""
}

func waypointSection(wp *plan.Waypoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Waypoint %s: %s\n", wp.ID, wp.Title)
	if wp.Objective != "" {
		fmt.Fprintf(&b, "\nObjective:\n%s\n", wp.Objective)
	}
	if len(wp.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria (index: criterion):\n")
		for i, c := range wp.AcceptanceCriteria {
			fmt.Fprintf(&b, "%d: %s\n", i, c)
		}
	}
	return b.String()
}

func feedbackSection(f Feedback) string {
	if f.empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous attempt feedback:\n")
	for _, r := range f.ReworkReasons {
		fmt.Fprintf(&b, "- rework: %s\n", r)
	}
	if s := strings.TrimSpace(f.FailureSummary); s != "" {
		fmt.Fprintf(&b, "- host validation: %s\n", s)
	}
	for _, c := range f.Clarifications {
		fmt.Fprintf(&b, "- clarification: %s\n", c)
	}
	return b.String()
}

// kickoff is the first user message of an attempt.
func kickoff(wp *plan.Waypoint, env *Envelope, fb Feedback) string {
	var b strings.Builder
	b.WriteString(waypointSection(wp))
	if s := feedbackSection(fb); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
	}
	for _, s := range env.Sections() {
		fmt.Fprintf(&b, "\n## %s\n%s\n", s.Name, strings.TrimRight(s.Text, "\n"))
	}
	fmt.Fprintf(&b, "\nCompletion rule (strict): emit exactly <waypoint-complete>%s</waypoint-complete>; no aliases such as WAYPOINT_COMPLETE.\n", wp.ID)
	return b.String()
}

// nudge follows an iteration that ended without a valid claim.
func nudge(wpID string, reasons []string) string {
	var b strings.Builder
	if len(reasons) > 0 {
		b.WriteString("Protocol issues in your last turn:\n")
		for _, r := range reasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Continue. When done, emit <waypoint-complete>%s</waypoint-complete>.", wpID)
	return b.String()
}
