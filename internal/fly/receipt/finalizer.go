// Package receipt runs host validation after a build claim and records the
// captured evidence as a protocol.ChecklistReceipt.
package receipt

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/kulesh/waypoints/internal/fly/budget"
	"github.com/kulesh/waypoints/internal/fly/cmdrun"
	"github.com/kulesh/waypoints/internal/fly/execlog"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/fly/runtime"
	"github.com/kulesh/waypoints/internal/fly/stack"
	"github.com/kulesh/waypoints/internal/logging"
)

const exitCommandNotFound = 127

type failure struct {
	reason  string
	details []string
}

type Finalizer struct {
	runner *cmdrun.Runner
	source CommandSource
	root   string
	env    []string
	log    *logging.Logger

	mu   sync.Mutex
	last *failure
}

// New builds a finalizer that runs commands from src inside root. env, when
// non-nil, replaces the inherited environment of validation commands.
func New(runner *cmdrun.Runner, src CommandSource, root string, env []string, log *logging.Logger) *Finalizer {
	if runner == nil {
		runner = cmdrun.New(nil, nil)
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &Finalizer{runner: runner, source: src, root: root, env: env, log: log.WithPhase("finalize")}
}

// Finalize runs every validation command concurrently and waits for the
// slowest. The receipt is written next to the attempt log when lw is set.
func (f *Finalizer) Finalize(ctx context.Context, art protocol.BuildArtifact, wp *plan.Waypoint, lw *execlog.Writer) (protocol.ChecklistReceipt, error) {
	f.setFailure(nil)
	refs := []string{art.ArtifactID}
	if lw != nil {
		refs = append(refs, lw.ExecutionID())
	}
	rc := protocol.ChecklistReceipt{
		Meta:             protocol.NewMeta(protocol.TypeChecklistReceipt, wp.ID, protocol.RoleOrchestrator, refs...),
		Attempt:          art.Attempt,
		CriteriaEvidence: map[int][]string{},
	}
	log := f.log.WithWaypoint(wp.ID, art.Attempt)

	cmds, src, err := f.source.Commands(art)
	if err != nil {
		return rc, err
	}
	if len(cmds) == 0 {
		f.setFailure(&failure{reason: "no validation commands provided"})
		log.Warn("no validation commands available")
	}
	log.Info("running host validation", "commands", len(cmds), "source", src)

	items := make([]protocol.ChecklistItem, len(cmds))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cmds {
		g.Go(func() error {
			items[i] = f.run(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return rc, err
	}
	rc.Checklist = items
	rc.CompletedAt = time.Now().UTC()
	rc.CriteriaEvidence = MapCriteria(wp, art.Coverage, items)

	if failed := rc.FailedItems(); len(failed) > 0 {
		fl := &failure{reason: fmt.Sprintf("%d of %d validation commands failed", len(failed), len(items))}
		for _, it := range failed {
			fl.details = append(fl.details, itemSummary(it))
		}
		f.setFailure(fl)
	}

	if lw != nil {
		if err := runtime.WriteJSONAtomic(lw.ReceiptPath(), rc); err != nil {
			return rc, fmt.Errorf("save receipt: %w", err)
		}
		lw.Log(execlog.Receipt, art.Iterations, map[string]any{
			"receipt_id": rc.ArtifactID,
			"path":       filepath.Base(lw.ReceiptPath()),
			"source":     src,
			"valid":      rc.Valid(),
			"items":      len(items),
			"failed":     len(rc.FailedItems()),
		})
	}
	log.Info("receipt built", "valid", rc.Valid(), "items", len(items))
	return rc, nil
}

func (f *Finalizer) run(ctx context.Context, c stack.Command) protocol.ChecklistItem {
	dir := f.root
	if c.Dir != "" {
		dir = filepath.Join(f.root, c.Dir)
	}
	started := time.Now().UTC()
	out := f.runner.Run(ctx, cmdrun.Command{
		Domain:   budget.DomainHostValidation,
		Command:  c.Command,
		Category: c.Category,
		Dir:      dir,
		Env:      f.env,
	})
	exit := out.ExitCode
	it := protocol.ChecklistItem{
		Item:       c.Name,
		Category:   c.Category,
		Command:    c.Command,
		ExitCode:   &exit,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		DurationMS: out.Duration.Milliseconds(),
		TimedOut:   out.TimedOut,
		Attempts:   len(out.Attempts),
		CapturedAt: started,
	}
	switch {
	case out.TimedOut:
		it.Status = protocol.ItemFailed
		last := out.Attempts[len(out.Attempts)-1]
		it.Reason = fmt.Sprintf("timed out after %s (attempt %d/%d)", last.Timeout, last.Number, len(out.Attempts))
	case exit == 0:
		it.Status = protocol.ItemPassed
	case out.StartError != nil:
		it.Status = protocol.ItemFailed
		it.Reason = fmt.Sprintf("could not start after %d retries: %v", out.SpawnRetries, out.StartError)
	case exit == exitCommandNotFound && c.Optional:
		it.Status = protocol.ItemSkipped
		it.Reason = "optional command not installed"
	default:
		it.Status = protocol.ItemFailed
		it.Reason = "exit code " + strconv.Itoa(exit)
	}
	it.Digest = Digest(it)
	f.log.Info("validation command finished", "name", c.Name, "category", c.Category, "exit_code", exit, "status", it.Status)
	return it
}

// Digest hashes the evidence fields of an item.
func Digest(it protocol.ChecklistItem) string {
	h := blake3.New()
	exit := "nil"
	if it.ExitCode != nil {
		exit = strconv.Itoa(*it.ExitCode)
	}
	for _, part := range []string{it.Item, it.Command, exit, it.Stdout, it.Stderr} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MapCriteria resolves the builder's coverage claims to checklist item names.
// A claim can name an item, a category, or a command line; several claims
// may be comma separated. file: claims are left to the verifier.
func MapCriteria(wp *plan.Waypoint, coverage map[int]string, items []protocol.ChecklistItem) map[int][]string {
	out := map[int][]string{}
	for idx, claim := range coverage {
		if idx < 0 || idx >= len(wp.AcceptanceCriteria) {
			continue
		}
		seen := map[string]bool{}
		for _, part := range strings.Split(claim, ",") {
			part = strings.TrimSpace(part)
			if part == "" || strings.HasPrefix(part, "file:") {
				continue
			}
			norm := stack.NormalizeCommand(part)
			for _, it := range items {
				if seen[it.Item] {
					continue
				}
				if strings.EqualFold(it.Item, part) || strings.EqualFold(it.Category, part) || stack.NormalizeCommand(it.Command) == norm {
					seen[it.Item] = true
					out[idx] = append(out[idx], it.Item)
				}
			}
		}
	}
	return out
}

func itemSummary(it protocol.ChecklistItem) string {
	tail := strings.TrimSpace(it.Stderr)
	if tail == "" {
		tail = strings.TrimSpace(it.Stdout)
	}
	if len(tail) > 240 {
		i := len(tail) - 237
		for i < len(tail) && !utf8.RuneStart(tail[i]) {
			i++
		}
		tail = "..." + tail[i:]
	}
	s := fmt.Sprintf("%s (`%s`): %s", it.Item, it.Command, it.Reason)
	if tail != "" {
		s += ": " + tail
	}
	return s
}

func (f *Finalizer) setFailure(fl *failure) {
	f.mu.Lock()
	f.last = fl
	f.mu.Unlock()
}

// LastFailureSummary returns a compact reason from the most recent
// Finalize, suitable for rework feedback. Empty when it passed.
func (f *Finalizer) LastFailureSummary() string {
	const maxChars = 1000
	f.mu.Lock()
	fl := f.last
	f.mu.Unlock()
	if fl == nil {
		return ""
	}
	pieces := []string{fl.reason}
	if len(fl.details) > 3 {
		pieces = append(pieces, fl.details[:3]...)
	} else {
		pieces = append(pieces, fl.details...)
	}
	s := strings.Join(pieces, "; ")
	if len(s) > maxChars {
		s = strings.TrimRight(s[:maxChars-3], " ") + "..."
	}
	return s
}

// Load reads a saved receipt.
func Load(path string) (*protocol.ChecklistReceipt, error) {
	var rc protocol.ChecklistReceipt
	if err := runtime.ReadJSON(path, &rc); err != nil {
		return nil, fmt.Errorf("load receipt %s: %w", path, err)
	}
	return &rc, nil
}

// LoadFor reads the receipt of attempt for waypointID under stateDir.
func LoadFor(stateDir, waypointID string, attempt int) (*protocol.ChecklistReceipt, error) {
	return Load(execlog.ReceiptPath(stateDir, waypointID, attempt))
}
