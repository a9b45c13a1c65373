package engine

import (
	"context"
	"fmt"
	rdebug "runtime/debug"
	"sort"
	"strings"

	"github.com/kulesh/waypoints/internal/fly/builder"
	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/fly/execlog"
	"github.com/kulesh/waypoints/internal/fly/intervention"
	"github.com/kulesh/waypoints/internal/fly/journey"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
)

// waypointRun is the mutable state of one waypoint across its attempts.
type waypointRun struct {
	maxIterations int
	reworks       int
	rounds        int
	feedback      builder.Feedback
	// baseline is the latest receipt from this waypoint's own attempts.
	baseline *protocol.ChecklistReceipt
}

// attemptResult is what one build/finalize/verify/decide pass produced.
type attemptResult struct {
	log         *execlog.Writer
	artifact    *protocol.BuildArtifact
	receipt     *protocol.ChecklistReceipt
	report      *protocol.VerificationReport
	decision    protocol.OrchestratorDecision
	rounds      int
	failure     string
	errText     string
	interrupted bool
}

func (r *attemptResult) attempt() int {
	if r.log == nil {
		return 0
	}
	return r.log.Attempt()
}

func (r *attemptResult) close(result string) {
	if r.log == nil {
		return
	}
	_ = r.log.Complete(result)
	_ = r.log.Close()
}

// runWaypoint loops attempts until the waypoint is accepted, skipped or the
// run has to halt. A pending intervention from an earlier run is settled
// before any new attempt.
func (e *Engine) runWaypoint(ctx context.Context, wp *plan.Waypoint, pending *intervention.Intervention) (halted bool, err error) {
	if !e.seen[wp.ID] {
		e.seen[wp.ID] = true
		e.summary.Attempted++
	}
	st := &waypointRun{maxIterations: e.cfg.Builder.MaxIterations}
	if pending != nil {
		resp, ok := e.resume(ctx, wp, *pending)
		if !ok {
			return true, nil
		}
		if resp.Action == intervention.ActionRetry {
			st.feedback = builder.Feedback{FailureSummary: pending.Summary, ReworkReasons: []string{pending.ReasonCode}}
		}
		if again, halted, err := e.apply(wp, st, resp); !again {
			return halted, err
		}
	}
	for {
		if reason := e.stopReason(ctx); reason != "" {
			e.halt(reason)
			return true, nil
		}
		res, err := e.attempt(ctx, wp, st)
		if err != nil {
			return true, err
		}
		if res.interrupted {
			res.close("interrupted")
			e.halt(e.stopReasonOr(ctx, "interrupted"))
			return true, nil
		}
		if res.receipt != nil {
			st.baseline = res.receipt
		}
		// Accepted work is committed before the waypoint is marked complete,
		// so a later rollback to the last good commit never drops it.
		if res.decision.Disposition == protocol.DispositionAccept {
			if err := e.commit(ctx, wp, res); err != nil {
				e.commitFailed(wp, res, err)
			}
		}
		dec := res.decision
		if dec.StatusMutation != "" {
			if err := e.setStatus(wp, plan.Status(dec.StatusMutation), dec.ReasonCode); err != nil {
				res.close(dec.ReasonCode)
				return true, err
			}
		}

		switch dec.Disposition {
		case protocol.DispositionAccept:
			e.summary.Completed++
			res.close("accepted")
			return false, nil
		case protocol.DispositionRework:
			st.reworks++
			st.rounds = res.rounds
			st.feedback = e.feedback(res)
			res.close(dec.ReasonCode)
			continue
		case protocol.DispositionRollback:
			e.rollback(ctx, res.log, "", dec.ReasonCode)
			st.baseline = nil
		}

		resp, ok := e.escalate(ctx, wp, res)
		if ok && resp.Action == intervention.ActionRetry {
			st.feedback = e.feedback(res)
		}
		res.close(dec.ReasonCode)
		if !ok {
			return true, nil
		}
		if again, halted, err := e.apply(wp, st, resp); !again {
			return halted, err
		}
	}
}

// apply carries out a retry, edit or skip answer. again=true means the
// waypoint gets another attempt.
func (e *Engine) apply(wp *plan.Waypoint, st *waypointRun, resp intervention.Response) (again, halted bool, err error) {
	switch resp.Action {
	case intervention.ActionRetry:
		n := resp.AdditionalIterations
		if n <= 0 {
			n = e.policy.RetryAdditionalIterations
		}
		st.maxIterations += n
		st.reworks, st.rounds = 0, 0
	case intervention.ActionEdit:
		if err := e.plan.Edit(wp.ID, resp.Objective, resp.Criteria); err != nil {
			return false, true, err
		}
		if err := e.savePlan(); err != nil {
			return false, true, err
		}
		st.reworks, st.rounds = 0, 0
		reason := "the operator edited this waypoint"
		if note := strings.TrimSpace(resp.Note); note != "" {
			reason += ": " + note
		}
		st.feedback = builder.Feedback{ReworkReasons: []string{reason}}
	case intervention.ActionSkip:
		e.summary.Skipped++
		if err := e.setStatus(wp, plan.StatusSkipped, "skipped by intervention"); err != nil {
			return false, true, err
		}
		return false, false, e.journey.Transition(journey.FlyExecuting, "waypoint "+wp.ID+" skipped")
	default:
		return false, true, nil
	}
	if err := e.journey.Transition(journey.FlyExecuting, fmt.Sprintf("intervention %s on %s", resp.Action, wp.ID)); err != nil {
		return false, true, err
	}
	return true, false, nil
}

func (e *Engine) stopReasonOr(ctx context.Context, fallback string) string {
	if r := e.stopReason(ctx); r != "" {
		return r
	}
	return fallback
}

// attempt runs one pass. Panics and host errors past the point the log is
// open become a fatal_error escalation; the journey stays recoverable.
func (e *Engine) attempt(ctx context.Context, wp *plan.Waypoint, st *waypointRun) (res *attemptResult, err error) {
	if err := e.setStatus(wp, plan.StatusInProgress, "attempt started"); err != nil {
		return nil, err
	}
	lw, err := execlog.Create(e.stateDir, wp, e.runID, e.bus)
	if err != nil {
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	res = &attemptResult{log: lw}
	log := e.log.WithWaypoint(wp.ID, lw.Attempt())
	log.Info("attempt started", "max_iterations", st.maxIterations, "reworks", st.reworks)

	func() {
		defer func() {
			if r := recover(); r != nil {
				msg := fmt.Sprintf("panic: %v", r)
				log.Error("attempt panicked", "panic", msg, "stack", string(rdebug.Stack()))
				lw.Log(execlog.Error, 0, map[string]any{"error": msg, "fatal": true})
				res.fail(wp, msg)
			}
		}()
		if err := e.runAttempt(ctx, wp, st, res); err != nil {
			log.Error("attempt failed", "error", err)
			lw.Log(execlog.Error, 0, map[string]any{"error": err.Error(), "fatal": true})
			res.fail(wp, err.Error())
		}
	}()
	if res.interrupted {
		return res, nil
	}
	lw.Log(execlog.Decision, 0, res.decision)
	log.Info("decision", "disposition", string(res.decision.Disposition), "reason", res.decision.ReasonCode)
	return res, nil
}

func (r *attemptResult) fail(wp *plan.Waypoint, msg string) {
	r.interrupted = false
	r.errText = msg
	r.decision = protocol.OrchestratorDecision{
		Meta:        protocol.NewMeta(protocol.TypeOrchestratorDecision, wp.ID, protocol.RoleOrchestrator),
		Disposition: protocol.DispositionEscalate,
		ReasonCode:  ReasonFatal,
	}
	if r.artifact != nil {
		r.decision.ReferencedArtifactIDs = []string{r.artifact.ArtifactID}
	}
}

func (e *Engine) runAttempt(ctx context.Context, wp *plan.Waypoint, st *waypointRun, res *attemptResult) error {
	baseRef := ""
	if e.git != nil {
		baseRef, _ = e.git.HeadRef(ctx)
	}
	art, err := e.builder.Execute(ctx, builder.Request{
		Waypoint:      wp,
		Attempt:       res.log.Attempt(),
		Envelope:      e.envelope(wp),
		MaxIterations: st.maxIterations,
		Feedback:      st.feedback,
		Clarifier:     e.clarifier,
		StopCheck:     func() bool { return e.stopReason(ctx) != "" },
		Log:           res.log,
		BaseRef:       baseRef,
	})
	if err != nil {
		return err
	}
	res.artifact = &art
	res.log.AddCost(art.Usage.CostUSD)
	e.summary.TotalCost += art.Usage.CostUSD
	e.bus.Publish(events.New(events.MetricsUpdated, map[string]any{
		"cost_usd":       art.Usage.CostUSD,
		"total_cost_usd": e.summary.TotalCost,
		"input_tokens":   art.Usage.InputTokens,
		"output_tokens":  art.Usage.OutputTokens,
		"iterations":     art.Iterations,
	}).ForWaypoint(wp.ID, res.log.Attempt()))
	if art.Outcome == protocol.OutcomeInterrupted {
		res.interrupted = true
		return nil
	}
	res.errText = art.Error

	if art.Claimed() {
		rc, err := e.finalizer.Finalize(ctx, art, wp, res.log)
		if err != nil {
			return fmt.Errorf("finalize: %w", err)
		}
		res.receipt = &rc
		res.failure = e.finalizer.LastFailureSummary()
		if rc.HasCapturedEvidence() {
			rep, err := e.verifier.Verify(ctx, &rc, wp, art, res.log)
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			res.report = &rep
		}
	}

	res.rounds = 0
	if art.Outcome == protocol.OutcomeClarificationExhausted || (res.report != nil && len(res.report.ClarificationRequests) > 0) {
		res.rounds = st.rounds + 1
	}
	violations := e.paths.Violations(art.TouchedFiles)
	if len(violations) > 0 {
		res.log.Log(execlog.SecurityViolation, art.Iterations, map[string]any{"touched_outside_policy": violations})
	}
	res.decision = Decide(DecisionInput{
		WaypointID:          wp.ID,
		Artifact:            res.artifact,
		Receipt:             res.receipt,
		Report:              res.report,
		Reworks:             st.reworks,
		ClarificationRounds: res.rounds,
		PolicyViolations:    violations,
		Baseline:            st.baseline,
		RollbackRef:         e.lastGood,
	}, e.policy)
	return nil
}

// commit records accepted work and advances the known-good ref. It is a
// no-op without git.
func (e *Engine) commit(ctx context.Context, wp *plan.Waypoint, res *attemptResult) error {
	if e.git == nil {
		return nil
	}
	ref, err := e.git.Commit(ctx, wp, res.receipt)
	if err != nil {
		return err
	}
	e.lastGood = ref.SHA
	e.summary.LastCommitSHA = ref.SHA
	res.log.Log(execlog.GitCommit, 0, map[string]any{"sha": ref.SHA, "tag": ref.Tag})
	return nil
}

// commitFailed turns an accept into an escalation: the work passed
// verification but could not be recorded.
func (e *Engine) commitFailed(wp *plan.Waypoint, res *attemptResult, err error) {
	e.log.Error("commit failed", "waypoint_id", wp.ID, "error", err)
	res.errText = "commit: " + err.Error()
	res.log.Log(execlog.Error, 0, map[string]any{"error": res.errText})
	dec := res.decision
	dec.Meta = protocol.NewMeta(protocol.TypeOrchestratorDecision, wp.ID, protocol.RoleOrchestrator, dec.ReferencedArtifactIDs...)
	dec.Disposition = protocol.DispositionEscalate
	dec.ReasonCode = ReasonCommitFailed
	dec.StatusMutation = ""
	res.decision = dec
	res.log.Log(execlog.Decision, 0, dec)
}

// rollback restores ref, or the last known-good commit when ref is empty.
func (e *Engine) rollback(ctx context.Context, lw *execlog.Writer, ref, reason string) {
	if ref == "" {
		ref = e.lastGood
	}
	if e.git == nil || ref == "" {
		e.log.Warn("rollback requested without a git target", "reason", reason)
		return
	}
	entry := map[string]any{"ref": ref, "reason": reason}
	if err := e.git.Rollback(ctx, ref); err != nil {
		e.log.Error("rollback failed", "ref", ref, "error", err)
		entry["error"] = err.Error()
	}
	if lw != nil {
		lw.Log(execlog.Rollback, 0, entry)
	}
}

// escalate opens an intervention and applies the parts of the answer that
// end the waypoint's run here. ok=false means the run halts.
func (e *Engine) escalate(ctx context.Context, wp *plan.Waypoint, res *attemptResult) (intervention.Response, bool) {
	dec := res.decision
	e.summary.Escalations++
	if err := e.journey.Transition(journey.FlyIntervention, dec.ReasonCode); err != nil {
		e.log.Error("intervention transition failed", "error", err)
		e.halt(dec.ReasonCode)
		return intervention.Response{}, false
	}
	iv, err := e.ivm.Open(wp, res.attempt(), dec, e.interventionSummary(res), e.interventionDetails(res))
	if err != nil {
		e.log.Error("open intervention failed", "error", err)
		e.summary.PendingIntervention = ""
		e.pauseFromIntervention(wp, "intervention could not be recorded")
		return intervention.Response{}, false
	}
	res.log.Log(execlog.Intervention, 0, iv)

	resp, err := e.ivm.Await(ctx, iv)
	return e.settle(ctx, wp, res.log, iv, resp, err)
}

// resume settles an intervention a previous run left open on wp: an answer
// written to <id>.response.json meanwhile is applied, otherwise the resolver
// is asked again. The waypoint is not re-attempted until then.
func (e *Engine) resume(ctx context.Context, wp *plan.Waypoint, iv intervention.Intervention) (intervention.Response, bool) {
	e.log.Info("resuming pending intervention", "intervention_id", iv.ID, "waypoint_id", wp.ID)
	if err := e.journey.Transition(journey.FlyIntervention, "resume "+iv.ID); err != nil {
		e.log.Error("intervention transition failed", "error", err)
		e.halt(iv.ReasonCode)
		return intervention.Response{}, false
	}
	resp, err := e.ivm.Resume(ctx, iv)
	return e.settle(ctx, wp, nil, iv, resp, err)
}

// settle records the outcome of waiting on iv and handles the answers that
// stop the waypoint here. ok=false means the run halts.
func (e *Engine) settle(ctx context.Context, wp *plan.Waypoint, lw *execlog.Writer, iv intervention.Intervention, resp intervention.Response, err error) (intervention.Response, bool) {
	if err != nil {
		e.log.Warn("intervention unresolved", "intervention_id", iv.ID, "error", err)
		e.summary.PendingIntervention = iv.ID
		e.pauseFromIntervention(wp, "intervention unresolved: "+err.Error())
		return intervention.Response{}, false
	}
	lw.Log(execlog.InterventionResolved, 0, map[string]any{"intervention_id": iv.ID, "response": resp})

	switch resp.Action {
	case intervention.ActionRollback:
		e.rollback(ctx, lw, resp.RollbackRef, "intervention "+iv.ID)
		if err := e.setStatus(wp, plan.StatusPending, "rolled back by intervention"); err != nil {
			e.log.Error("status update failed", "error", err)
		}
		e.summary.StoppedReason = "rollback"
		if err := e.journey.Walk("rollback by intervention "+iv.ID, journey.FlyPaused, journey.FlyReady); err != nil {
			e.log.Error("rollback transitions failed", "error", err)
		}
		return resp, false
	case intervention.ActionAbort:
		e.pauseFromIntervention(wp, "aborted by intervention "+iv.ID)
		return resp, false
	}
	return resp, true
}

func (e *Engine) pauseFromIntervention(wp *plan.Waypoint, reason string) {
	e.summary.Failed++
	if wp.Status != plan.StatusFailed {
		if err := e.setStatus(wp, plan.StatusFailed, reason); err != nil {
			e.log.Error("status update failed", "error", err)
		}
	}
	if e.summary.StoppedReason == "" {
		e.summary.StoppedReason = reason
	}
	if err := e.journey.Ensure(journey.FlyPaused, reason); err != nil {
		e.log.Error("pause transition failed", "error", err)
	}
}

func (e *Engine) interventionSummary(res *attemptResult) string {
	parts := []string{"decision " + res.decision.ReasonCode}
	if res.errText != "" {
		parts = append(parts, res.errText)
	}
	if res.failure != "" {
		parts = append(parts, res.failure)
	}
	return strings.Join(parts, ": ")
}

func (e *Engine) interventionDetails(res *attemptResult) map[string]any {
	d := map[string]any{"decision_id": res.decision.ArtifactID}
	if res.errText != "" {
		d[intervention.CtxError] = res.errText
	}
	if res.receipt != nil {
		cats := map[string]bool{}
		var failed []string
		for _, it := range res.receipt.FailedItems() {
			if it.Category != "" && !cats[it.Category] {
				cats[it.Category] = true
			}
			failed = append(failed, it.Item)
		}
		list := make([]string, 0, len(cats))
		for c := range cats {
			list = append(list, c)
		}
		sort.Strings(list)
		d[intervention.CtxFailedCategories] = list
		d["failed_items"] = failed
		d["receipt_id"] = res.receipt.ArtifactID
	}
	if res.report != nil {
		d["unresolved_doubts"] = res.report.UnresolvedDoubts
	}
	if res.artifact != nil {
		d["iterations"] = res.artifact.Iterations
		d["touched_files"] = res.artifact.TouchedFiles
	}
	return d
}

// feedback turns an attempt's outcome into guidance for the next one.
func (e *Engine) feedback(res *attemptResult) builder.Feedback {
	fb := builder.Feedback{FailureSummary: res.failure}
	fb.ReworkReasons = append(fb.ReworkReasons, res.decision.ReasonCode)
	if res.report != nil {
		for _, c := range res.report.Results {
			if c.Verdict == protocol.VerdictPass {
				continue
			}
			line := fmt.Sprintf("criterion %d (%s) is %s", c.Index, c.Criterion, c.Verdict)
			if c.Note != "" {
				line += ": " + c.Note
			}
			fb.ReworkReasons = append(fb.ReworkReasons, line)
		}
		for _, cr := range res.report.ClarificationRequests {
			resp := protocol.DefaultResponse(cr)
			res.log.Log(execlog.Clarification, 0, map[string]any{"response": resp, "resolved": true, "source": "verifier"})
			fb.Clarifications = append(fb.Clarifications, fmt.Sprintf("%s -> %s (%s)", cr.BlockingQuestion, resp.ChosenOption, strings.Join(resp.UpdatedConstraints, "; ")))
		}
	}
	if res.errText != "" {
		fb.ReworkReasons = append(fb.ReworkReasons, "last error: "+res.errText)
	}
	return fb
}
