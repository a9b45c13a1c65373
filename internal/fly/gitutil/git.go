// Package gitutil wraps the git CLI for the operations the engine needs.
// Every call disables background maintenance so runs stay deterministic.
package gitutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/kulesh/waypoints/internal/fly/budget"
	"github.com/kulesh/waypoints/internal/fly/procutil"
)

// Fallback identity used when the repository has none configured. Repo
// config is never mutated.
const (
	FallbackName  = "waypoints"
	FallbackEmail = "waypoints@local"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ErrTimeout marks a git call stopped for exceeding its limit.
var ErrTimeout = errors.New("git timed out")

var timeouts atomic.Pointer[budget.Registry]

// SetTimeouts installs the registry whose git_operation policy bounds every
// git call. Without one the built-in defaults apply.
func SetTimeouts(reg *budget.Registry) { timeouts.Store(reg) }

func registry() *budget.Registry {
	if reg := timeouts.Load(); reg != nil {
		return reg
	}
	reg := budget.NewRegistry()
	timeouts.CompareAndSwap(nil, reg)
	return timeouts.Load()
}

// run executes git in its own process group under the git_operation limit:
// SIGTERM on expiry, SIGKILL after the grace period.
func run(ctx context.Context, dir string, args ...string) (string, string, error) {
	argv := append([]string{"git", "-C", dir, "-c", "maintenance.auto=0", "-c", "gc.auto=0"}, args...)
	reg := registry()
	pol := reg.Policy(budget.DomainGit)
	timeout := reg.TimeoutForAttempt(budget.Request{Domain: budget.DomainGit, Command: strings.Join(argv, " ")}, 1, 0)
	res := procutil.Run(ctx, procutil.Spec{Args: argv, Timeout: timeout, TerminateGrace: pol.TerminateGrace})

	var err error
	switch {
	case res.StartError != nil:
		err = res.StartError
	case res.TimedOut:
		err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case res.ExitCode != 0:
		err = fmt.Errorf("exit status %d", res.ExitCode)
	}
	if err == nil && res.Canceled {
		err = errors.New("interrupted")
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return res.Stdout, res.Stderr, &CommandError{Args: args, Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
	}
	return res.Stdout, res.Stderr, nil
}

func IsRepo(ctx context.Context, dir string) bool {
	out, _, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

func Init(ctx context.Context, dir string) error {
	_, _, err := run(ctx, dir, "init", "-b", "main")
	return err
}

func HeadSHA(ctx context.Context, dir string) (string, error) {
	return ResolveCommit(ctx, dir, "HEAD")
}

// ResolveCommit returns the full SHA of the commit ref points at. Tags are
// peeled to their commit.
func ResolveCommit(ctx context.Context, dir, ref string) (string, error) {
	out, _, err := run(ctx, dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// StatusPorcelain lists changes, ignoring any paths under excludes.
func StatusPorcelain(ctx context.Context, dir string, excludes ...string) (string, error) {
	args := append([]string{"status", "--porcelain", "--untracked-files=all", "--", "."}, excludeSpecs(excludes)...)
	out, _, err := run(ctx, dir, args...)
	return out, err
}

func IsClean(ctx context.Context, dir string, excludes ...string) (bool, error) {
	out, err := StatusPorcelain(ctx, dir, excludes...)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// AddAll stages everything except excludes.
func AddAll(ctx context.Context, dir string, excludes ...string) error {
	args := append([]string{"add", "-A", "--", "."}, excludeSpecs(excludes)...)
	_, _, err := run(ctx, dir, args...)
	return err
}

// Commit records the index with message. allowEmpty keeps a commit for every
// call even when nothing changed. A missing identity is retried once with the
// fallback committer.
func Commit(ctx context.Context, dir, message string, allowEmpty bool) (string, error) {
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	_, _, err := run(ctx, dir, args...)
	if err != nil && identityMissing(err) {
		_, _, err = run(ctx, dir, append([]string{"-c", "user.name=" + FallbackName, "-c", "user.email=" + FallbackEmail}, args...)...)
	}
	if err != nil {
		return "", err
	}
	return HeadSHA(ctx, dir)
}

func identityMissing(err error) bool {
	s := err.Error()
	return strings.Contains(s, "Author identity unknown") ||
		strings.Contains(s, "Please tell me who you are") ||
		strings.Contains(s, "unable to auto-detect email address")
}

// NothingToCommit reports whether err is git's "nothing to commit" refusal.
func NothingToCommit(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	return strings.Contains(ce.Stdout, "nothing to commit") || strings.Contains(ce.Stderr, "nothing to commit")
}

// Tag creates an annotated tag at sha. With force an existing tag is moved.
func Tag(ctx context.Context, dir, name, sha, message string, force bool) error {
	args := []string{"tag", "-a", name, sha, "-m", message}
	if force {
		args = append([]string{"tag", "-f"}, args[1:]...)
	}
	_, _, err := run(ctx, dir, args...)
	if err != nil && identityMissing(err) {
		_, _, err = run(ctx, dir, append([]string{"-c", "user.name=" + FallbackName, "-c", "user.email=" + FallbackEmail}, args...)...)
	}
	return err
}

func ResetHard(ctx context.Context, dir, sha string) error {
	_, _, err := run(ctx, dir, "reset", "--hard", sha)
	return err
}

// Clean removes untracked files and directories, sparing excludes.
func Clean(ctx context.Context, dir string, excludes ...string) error {
	args := []string{"clean", "-fd"}
	for _, e := range excludes {
		args = append(args, "-e", e)
	}
	_, _, err := run(ctx, dir, args...)
	return err
}

// DiffNameOnly lists paths changed in the working tree relative to baseRef,
// plus untracked files.
func DiffNameOnly(ctx context.Context, dir, baseRef string, excludes ...string) ([]string, error) {
	args := append([]string{"diff", "--name-only", baseRef, "--", "."}, excludeSpecs(excludes)...)
	out, _, err := run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	files := splitLines(out)
	uargs := append([]string{"ls-files", "--others", "--exclude-standard", "--", "."}, excludeSpecs(excludes)...)
	untracked, _, err := run(ctx, dir, uargs...)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, f := range files {
		seen[f] = true
	}
	for _, f := range splitLines(untracked) {
		if !seen[f] {
			files = append(files, f)
		}
	}
	return files, nil
}

func excludeSpecs(excludes []string) []string {
	var out []string
	for _, e := range excludes {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, ":(exclude)"+e)
		}
	}
	return out
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}
