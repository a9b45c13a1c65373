// Package gitsafe commits accepted waypoints and rolls the worktree back to
// known-good commits. Engine state under the state dir is never staged,
// reset or cleaned.
package gitsafe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kulesh/waypoints/internal/fly/gitutil"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/logging"
)

var (
	ErrInvalidReceipt = errors.New("gitsafe: receipt is not valid")
	ErrRelativeRef    = errors.New("gitsafe: relative refs are not allowed")
	ErrNotRepo        = errors.New("gitsafe: not a git repository")
)

// CommitRef identifies the commit and tag recorded for an accepted waypoint.
type CommitRef struct {
	SHA string `json:"sha"`
	Tag string `json:"tag"`
}

type Service struct {
	Dir       string
	StateDir  string // relative to Dir
	TagPrefix string
	Logger    *logging.Logger
}

func New(dir, stateDir, tagPrefix string, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Service{Dir: dir, StateDir: stateDir, TagPrefix: tagPrefix, Logger: log.WithPhase("git")}
}

func (s *Service) excludes() []string {
	if strings.TrimSpace(s.StateDir) == "" {
		return nil
	}
	return []string{s.StateDir}
}

func (s *Service) IsRepo(ctx context.Context) bool { return gitutil.IsRepo(ctx, s.Dir) }

// Init creates a repository with an empty root commit so rollbacks always
// have a target.
func (s *Service) Init(ctx context.Context) error {
	if s.IsRepo(ctx) {
		return nil
	}
	if err := gitutil.Init(ctx, s.Dir); err != nil {
		return err
	}
	if _, err := gitutil.Commit(ctx, s.Dir, "chore: initialize waypoints workspace", true); err != nil {
		return err
	}
	s.Logger.Info("initialized repository", "dir", s.Dir)
	return nil
}

// HeadRef returns the current HEAD commit SHA.
func (s *Service) HeadRef(ctx context.Context) (string, error) {
	if !s.IsRepo(ctx) {
		return "", ErrNotRepo
	}
	return gitutil.HeadSHA(ctx, s.Dir)
}

func CommitMessage(wp *plan.Waypoint, receipt *protocol.ChecklistReceipt) string {
	title := strings.TrimSpace(wp.Title)
	if title == "" {
		title = strings.TrimSpace(wp.Objective)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "feat(%s): %s\n\n", wp.ID, title)
	fmt.Fprintf(&b, "Waypoint-ID: %s\n", wp.ID)
	if receipt != nil {
		fmt.Fprintf(&b, "Receipt-ID: %s\n", receipt.ArtifactID)
	}
	return b.String()
}

// Commit stages everything outside the state dir and records it together
// with an annotated tag. The commit is created even when nothing changed.
func (s *Service) Commit(ctx context.Context, wp *plan.Waypoint, receipt *protocol.ChecklistReceipt) (CommitRef, error) {
	if wp == nil {
		return CommitRef{}, fmt.Errorf("gitsafe: nil waypoint")
	}
	if !receipt.Valid() {
		return CommitRef{}, ErrInvalidReceipt
	}
	if !s.IsRepo(ctx) {
		return CommitRef{}, ErrNotRepo
	}
	if err := gitutil.AddAll(ctx, s.Dir, s.excludes()...); err != nil {
		return CommitRef{}, fmt.Errorf("stage %s: %w", wp.ID, err)
	}
	msg := CommitMessage(wp, receipt)
	sha, err := gitutil.Commit(ctx, s.Dir, msg, false)
	if gitutil.NothingToCommit(err) {
		s.Logger.Info("no changes to commit; recording an empty commit", "waypoint_id", wp.ID)
		sha, err = gitutil.Commit(ctx, s.Dir, msg, true)
	}
	if err != nil {
		return CommitRef{}, fmt.Errorf("commit %s: %w", wp.ID, err)
	}
	tag := s.TagPrefix + wp.ID
	if err := gitutil.Tag(ctx, s.Dir, tag, sha, fmt.Sprintf("waypoint %s accepted", wp.ID), true); err != nil {
		return CommitRef{SHA: sha}, fmt.Errorf("tag %s: %w", tag, err)
	}
	s.Logger.Info("committed waypoint", "waypoint_id", wp.ID, "sha", sha, "tag", tag)
	return CommitRef{SHA: sha, Tag: tag}, nil
}

// IsRelativeRef reports refs that depend on where HEAD currently is.
func IsRelativeRef(ref string) bool {
	return strings.ContainsAny(ref, "~^") || strings.Contains(ref, "@{") || strings.TrimSpace(ref) == "HEAD"
}

// Rollback restores the worktree to ref. Calling it twice is the same as
// calling it once.
func (s *Service) Rollback(ctx context.Context, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("gitsafe: empty rollback ref")
	}
	if IsRelativeRef(ref) {
		return fmt.Errorf("%w: %q", ErrRelativeRef, ref)
	}
	if !s.IsRepo(ctx) {
		return ErrNotRepo
	}
	sha, err := gitutil.ResolveCommit(ctx, s.Dir, ref)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", ref, err)
	}
	head, err := gitutil.HeadSHA(ctx, s.Dir)
	if err != nil {
		return err
	}
	if head == sha {
		clean, err := gitutil.IsClean(ctx, s.Dir, s.excludes()...)
		if err != nil {
			return err
		}
		if clean {
			s.Logger.Debug("rollback is a no-op", "sha", sha)
			return nil
		}
	}
	if err := gitutil.ResetHard(ctx, s.Dir, sha); err != nil {
		return err
	}
	if err := gitutil.Clean(ctx, s.Dir, s.excludes()...); err != nil {
		return err
	}
	s.Logger.Warn("rolled back worktree", "sha", sha, "from", head)
	return nil
}
