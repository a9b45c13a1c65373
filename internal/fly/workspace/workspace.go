// Package workspace is the builder's view of the project tree. All access
// goes through an afero filesystem rooted at the project and is checked
// against a path policy. Writes and edits are recorded in a ledger.
package workspace

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/kulesh/waypoints/internal/fly/pathpolicy"
)

const maxReadBytes = 8 << 20

type Workspace struct {
	fs     afero.Fs
	policy *pathpolicy.Policy

	mu      sync.Mutex
	touched map[string]struct{}
	blocked []string
}

// NewOS roots the workspace at dir on the real filesystem.
func NewOS(dir string, policy *pathpolicy.Policy) *Workspace {
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir), policy)
}

func New(fsys afero.Fs, policy *pathpolicy.Policy) *Workspace {
	if policy == nil {
		policy, _ = pathpolicy.New(nil, nil, "")
	}
	return &Workspace{fs: fsys, policy: policy, touched: map[string]struct{}{}}
}

func (w *Workspace) Fs() afero.Fs { return w.fs }

// check applies the policy and remembers denied paths.
func (w *Workspace) check(p string) (string, error) {
	c, err := w.policy.Check(p)
	if err != nil {
		w.mu.Lock()
		w.blocked = append(w.blocked, p)
		w.mu.Unlock()
		return "", err
	}
	return c, nil
}

func (w *Workspace) readable(p string) (string, error) {
	return w.policy.CheckRead(p)
}

func (w *Workspace) record(c string) {
	w.mu.Lock()
	w.touched[c] = struct{}{}
	w.mu.Unlock()
}

// ReadFile returns line-numbered content. offset is 1-based; limit <= 0
// reads to the end.
func (w *Workspace) ReadFile(p string, offset, limit int) (string, error) {
	c, err := w.readable(p)
	if err != nil {
		return "", err
	}
	b, err := w.readRaw(c)
	if err != nil {
		return "", err
	}
	if offset < 1 {
		offset = 1
	}
	var out strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), maxReadBytes)
	n, shown := 0, 0
	for sc.Scan() {
		n++
		if n < offset {
			continue
		}
		if limit > 0 && shown >= limit {
			break
		}
		fmt.Fprintf(&out, "%6d\t%s\n", n, sc.Text())
		shown++
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", c, err)
	}
	if n == 0 {
		return "(empty file)\n", nil
	}
	return out.String(), nil
}

func (w *Workspace) readRaw(c string) ([]byte, error) {
	st, err := w.fs.Stat(c)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("read %s: is a directory", c)
	}
	if st.Size() > maxReadBytes {
		return nil, fmt.Errorf("read %s: file is %d bytes, limit is %d", c, st.Size(), maxReadBytes)
	}
	return afero.ReadFile(w.fs, c)
}

// Exists reports whether p is a non-empty regular file.
func (w *Workspace) Exists(p string) bool {
	c, err := w.readable(p)
	if err != nil {
		return false
	}
	st, err := w.fs.Stat(c)
	return err == nil && !st.IsDir() && st.Size() > 0
}

func (w *Workspace) WriteFile(p, content string) (string, error) {
	c, err := w.check(p)
	if err != nil {
		return "", err
	}
	if dir := path.Dir(c); dir != "." {
		if err := w.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("write %s: %w", c, err)
		}
	}
	if err := afero.WriteFile(w.fs, c, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", c, err)
	}
	w.record(c)
	return fmt.Sprintf("wrote %d bytes to %s", len(content), c), nil
}

// EditFile replaces old with new. Without replaceAll the match must be
// unique.
func (w *Workspace) EditFile(p, old, new string, replaceAll bool) (string, error) {
	c, err := w.check(p)
	if err != nil {
		return "", err
	}
	if old == "" {
		return "", errors.New("old_string must not be empty")
	}
	b, err := w.readRaw(c)
	if err != nil {
		return "", err
	}
	src := string(b)
	count := strings.Count(src, old)
	switch {
	case count == 0:
		return "", fmt.Errorf("old_string not found in %s", c)
	case count > 1 && !replaceAll:
		return "", fmt.Errorf("old_string matches %d times in %s; add context or set replace_all", count, c)
	}
	if replaceAll {
		src = strings.ReplaceAll(src, old, new)
	} else {
		src = strings.Replace(src, old, new, 1)
	}
	st, _ := w.fs.Stat(c)
	mode := os.FileMode(0o644)
	if st != nil {
		mode = st.Mode().Perm()
	}
	if err := afero.WriteFile(w.fs, c, []byte(src), mode); err != nil {
		return "", fmt.Errorf("edit %s: %w", c, err)
	}
	w.record(c)
	return fmt.Sprintf("replaced %d occurrence(s) in %s", count, c), nil
}

// Glob lists files matching a doublestar pattern, relative to dir.
func (w *Workspace) Glob(pattern, dir string) ([]string, error) {
	base := "."
	if strings.TrimSpace(dir) != "" {
		c, err := w.readable(dir)
		if err != nil {
			return nil, err
		}
		base = c
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob %q", pattern)
	}
	full := pattern
	if base != "." {
		full = base + "/" + pattern
	}
	matches, err := doublestar.Glob(afero.NewIOFS(w.fs), full, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		if !hidden(m) {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func hidden(p string) bool {
	return p == ".git" || strings.HasPrefix(p, ".git/")
}

type GrepMatch struct {
	Path string
	Line int
	Text string
}

func (m GrepMatch) String() string { return fmt.Sprintf("%s:%d:%s", m.Path, m.Line, m.Text) }

// Grep searches file contents under dir. globFilter restricts file names.
func (w *Workspace) Grep(pattern, dir, globFilter string, caseInsensitive bool, maxResults int) ([]GrepMatch, error) {
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	root := "."
	if strings.TrimSpace(dir) != "" {
		if root, err = w.readable(dir); err != nil {
			return nil, err
		}
	}
	if maxResults <= 0 {
		maxResults = 100
	}
	var out []GrepMatch
	errStop := errors.New("stop")
	walkErr := afero.Walk(w.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		p = path.Clean(strings.TrimPrefix(p, "/"))
		if info.IsDir() {
			if hidden(p) {
				return fs.SkipDir
			}
			return nil
		}
		if info.Size() > maxReadBytes {
			return nil
		}
		if globFilter != "" {
			ok, _ := doublestar.Match(globFilter, path.Base(p))
			full, _ := doublestar.Match(globFilter, p)
			if !ok && !full {
				return nil
			}
		}
		b, err := afero.ReadFile(w.fs, p)
		if err != nil || bytes.IndexByte(b, 0) >= 0 {
			return nil
		}
		sc := bufio.NewScanner(bytes.NewReader(b))
		sc.Buffer(make([]byte, 0, 64*1024), maxReadBytes)
		for n := 1; sc.Scan(); n++ {
			if re.MatchString(sc.Text()) {
				out = append(out, GrepMatch{Path: p, Line: n, Text: sc.Text()})
				if len(out) >= maxResults {
					return errStop
				}
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errStop) {
		return out, walkErr
	}
	return out, nil
}

// Touched returns the sorted write/edit ledger.
func (w *Workspace) Touched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.touched))
	for p := range w.touched {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Blocked returns paths the policy refused since the last Reset.
func (w *Workspace) Blocked() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.blocked...)
}

// Reset clears the touched and blocked ledgers at the start of an attempt.
func (w *Workspace) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touched = map[string]struct{}{}
	w.blocked = nil
}

// TakeBlocked returns and clears the blocked list.
func (w *Workspace) TakeBlocked() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.blocked
	w.blocked = nil
	return out
}

func (w *Workspace) Policy() *pathpolicy.Policy { return w.policy }

// ReadOnly exposes only the inspection half of a workspace.
type ReadOnly struct {
	ws *Workspace
}

func (w *Workspace) ReadOnly() ReadOnly { return ReadOnly{ws: w} }

// NewReadOnlyOS is a read-only view rooted at dir.
func NewReadOnlyOS(dir string) ReadOnly {
	return ReadOnly{ws: New(afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil)}
}

func (r ReadOnly) ReadFile(p string, offset, limit int) (string, error) {
	return r.ws.ReadFile(p, offset, limit)
}

func (r ReadOnly) Exists(p string) bool { return r.ws.Exists(p) }

func (r ReadOnly) Glob(pattern, dir string) ([]string, error) { return r.ws.Glob(pattern, dir) }

func (r ReadOnly) Grep(pattern, dir, globFilter string, caseInsensitive bool, maxResults int) ([]GrepMatch, error) {
	return r.ws.Grep(pattern, dir, globFilter, caseInsensitive, maxResults)
}
