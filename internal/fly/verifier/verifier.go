// Package verifier turns a checklist receipt into per-criterion verdicts.
// It only reads the workspace.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/kulesh/waypoints/internal/fly/budget"
	"github.com/kulesh/waypoints/internal/fly/cmdrun"
	"github.com/kulesh/waypoints/internal/fly/execlog"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/fly/workspace"
	"github.com/kulesh/waypoints/internal/logging"
)

var ErrNoReceipt = errors.New("verifier: receipt is required")

type Config struct {
	// Recheck re-runs test-category commands and distrusts results that do
	// not reproduce.
	Recheck        bool
	MaxConcurrency int
	Root           string
}

type Verifier struct {
	files  workspace.ReadOnly
	judge  Judge
	runner *cmdrun.Runner
	cfg    Config
	log    *logging.Logger
}

// New builds a verifier. judge and runner may be nil.
func New(files workspace.ReadOnly, judge Judge, runner *cmdrun.Runner, cfg Config, log *logging.Logger) *Verifier {
	if runner == nil {
		runner = cmdrun.New(nil, nil)
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &Verifier{files: files, judge: judge, runner: runner, cfg: cfg, log: log.WithPhase("verify")}
}

// Verify produces one verdict per acceptance criterion. Every inconclusive
// verdict also yields a doubt and a clarification request.
func (v *Verifier) Verify(ctx context.Context, rc *protocol.ChecklistReceipt, wp *plan.Waypoint, art protocol.BuildArtifact, lw *execlog.Writer) (protocol.VerificationReport, error) {
	if rc == nil {
		return protocol.VerificationReport{}, ErrNoReceipt
	}
	rep := protocol.VerificationReport{
		Meta:             protocol.NewMeta(protocol.TypeVerificationReport, wp.ID, protocol.RoleVerifier, rc.ArtifactID, art.ArtifactID),
		ReceiptID:        rc.ArtifactID,
		UnresolvedDoubts: []string{},
	}
	log := v.log.WithWaypoint(wp.ID, art.Attempt)

	var flaky map[string]bool
	if v.cfg.Recheck {
		flaky = v.recheck(ctx, rc)
	}

	for i, crit := range wp.AcceptanceCriteria {
		res := v.evaluate(ctx, i, crit, rc, wp, art)
		if res.Verdict != protocol.VerdictInconclusive {
			for _, ref := range res.EvidenceRefs {
				if flaky[ref] {
					res.Verdict = protocol.VerdictInconclusive
					res.Note = fmt.Sprintf("non-reproducible result for %s", ref)
					break
				}
			}
		}
		if res.Verdict == protocol.VerdictInconclusive {
			doubt := fmt.Sprintf("criterion %d (%s): %s", i, crit, res.Note)
			rep.UnresolvedDoubts = append(rep.UnresolvedDoubts, doubt)
			rep.ClarificationRequests = append(rep.ClarificationRequests, protocol.ClarificationRequest{
				Meta:             protocol.NewMeta(protocol.TypeClarificationRequest, wp.ID, protocol.RoleVerifier, rc.ArtifactID),
				BlockingQuestion: fmt.Sprintf("How should criterion %d be evidenced? %s", i, crit),
				DecisionContext:  res.Note,
				ConfidenceLevel:  0.3,
				RequestedOptions: []string{"map_to_validation_command", "add_test", "accept_with_judge"},
			})
		}
		rep.Results = append(rep.Results, res)
	}

	if lw != nil {
		lw.Log(execlog.VerificationReport, art.Iterations, rep)
	}
	log.Info("verification finished", "criteria", len(rep.Results), "all_passed", rep.AllPassed(), "doubts", len(rep.UnresolvedDoubts))
	return rep, nil
}

func (v *Verifier) evaluate(ctx context.Context, idx int, crit string, rc *protocol.ChecklistReceipt, wp *plan.Waypoint, art protocol.BuildArtifact) protocol.CriterionResult {
	res := protocol.CriterionResult{Index: idx, Criterion: crit, EvidenceRefs: []string{}}
	var verdicts []protocol.Verdict
	var notes []string

	for _, name := range rc.CriteriaEvidence[idx] {
		it, ok := rc.Item(name)
		if !ok {
			continue
		}
		res.EvidenceRefs = append(res.EvidenceRefs, name)
		switch it.Status {
		case protocol.ItemPassed:
			verdicts = append(verdicts, protocol.VerdictPass)
		case protocol.ItemFailed:
			verdicts = append(verdicts, protocol.VerdictFail)
			notes = append(notes, fmt.Sprintf("%s failed: %s", name, it.Reason))
		default:
			verdicts = append(verdicts, protocol.VerdictInconclusive)
			notes = append(notes, fmt.Sprintf("%s was skipped", name))
		}
	}
	for _, p := range fileClaims(art.Coverage[idx]) {
		res.EvidenceRefs = append(res.EvidenceRefs, "file:"+p)
		if v.files.Exists(p) {
			verdicts = append(verdicts, protocol.VerdictPass)
		} else {
			verdicts = append(verdicts, protocol.VerdictFail)
			notes = append(notes, fmt.Sprintf("%s is missing or empty", p))
		}
	}

	if len(verdicts) == 0 {
		return v.judgeCriterion(ctx, res, rc, wp)
	}
	res.Verdict = combine(verdicts)
	res.Note = strings.Join(notes, "; ")
	return res
}

func (v *Verifier) judgeCriterion(ctx context.Context, res protocol.CriterionResult, rc *protocol.ChecklistReceipt, wp *plan.Waypoint) protocol.CriterionResult {
	res.Verdict = protocol.VerdictInconclusive
	if v.judge == nil {
		res.Note = "no evidence is mapped to this criterion"
		return res
	}
	jv, err := v.judge.Judge(ctx, JudgeRequest{Waypoint: wp, Index: res.Index, Criterion: res.Criterion, Receipt: rc, Files: v.files})
	if err != nil {
		res.Note = "judge failed: " + err.Error()
		return res
	}
	var cited []string
	for _, ref := range jv.EvidenceRefs {
		if v.evidenceExists(ref, rc, jv.Inspected) {
			cited = append(cited, ref)
		}
	}
	if len(cited) == 0 {
		res.Note = "judge verdict cites no existing evidence"
		if jv.Note != "" {
			res.Note += ": " + jv.Note
		}
		return res
	}
	switch jv.Verdict {
	case protocol.VerdictPass, protocol.VerdictFail:
		res.Verdict = jv.Verdict
	}
	res.EvidenceRefs = cited
	res.Note = strings.TrimSpace("judge: " + jv.Note)
	return res
}

// evidenceExists accepts a checklist item name, or a file the judge read
// that still exists.
func (v *Verifier) evidenceExists(ref string, rc *protocol.ChecklistReceipt, inspected []string) bool {
	if _, ok := rc.Item(ref); ok {
		return true
	}
	p := strings.TrimPrefix(ref, "file:")
	for _, in := range inspected {
		if filepath.ToSlash(filepath.Clean(in)) == filepath.ToSlash(filepath.Clean(p)) {
			return v.files.Exists(p)
		}
	}
	return false
}

// combine: any fail wins, then any inconclusive, else pass.
func combine(vs []protocol.Verdict) protocol.Verdict {
	out := protocol.VerdictPass
	for _, v := range vs {
		switch v {
		case protocol.VerdictFail:
			return protocol.VerdictFail
		case protocol.VerdictInconclusive:
			out = protocol.VerdictInconclusive
		}
	}
	return out
}

func fileClaims(claim string) []string {
	var out []string
	for _, part := range strings.Split(claim, ",") {
		part = strings.TrimSpace(part)
		if p, ok := strings.CutPrefix(part, "file:"); ok && strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

// recheck re-runs test items and returns the names whose pass/fail outcome
// changed.
func (v *Verifier) recheck(ctx context.Context, rc *protocol.ChecklistReceipt) map[string]bool {
	var mu sync.Mutex
	flaky := map[string]bool{}
	p := pool.New().WithMaxGoroutines(v.cfg.MaxConcurrency)
	for _, it := range rc.Checklist {
		if it.Category != "test" || it.Status == protocol.ItemSkipped {
			continue
		}
		p.Go(func() {
			out := v.runner.Run(ctx, cmdrun.Command{
				Domain:   budget.DomainHostValidation,
				Command:  it.Command,
				Category: it.Category,
				Dir:      v.cfg.Root,
			})
			passed := out.ExitCode == 0 && !out.TimedOut
			if passed != (it.Status == protocol.ItemPassed) {
				v.log.Warn("validation result did not reproduce", "item", it.Item, "receipt_status", it.Status, "rerun_exit", out.ExitCode)
				mu.Lock()
				flaky[it.Item] = true
				mu.Unlock()
			}
		})
	}
	p.Wait()
	return flaky
}
