package builder

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// shellGuard fingerprints paths a shell command must never change. The
// path policy only sees writes made through the workspace tools; anything
// a shell command does is caught here instead.
type shellGuard struct {
	fsys  fs.FS
	globs []string
	skip  map[string]bool
	hits  []string
	all   []string
}

// newShellGuard watches the refs, config and hooks under .git and the whole
// state dir. skip names root-relative files the host appends to while a
// command runs.
func newShellGuard(root, stateDir string, skip []string) *shellGuard {
	if root == "" {
		return nil
	}
	g := &shellGuard{
		fsys:  os.DirFS(root),
		globs: []string{".git/HEAD", ".git/config", ".git/packed-refs", ".git/refs/**", ".git/hooks/**"},
		skip:  map[string]bool{},
	}
	if sd := strings.Trim(path.Clean("/"+strings.ReplaceAll(stateDir, "\\", "/")), "/"); sd != "" {
		g.globs = append(g.globs, sd+"/**")
	}
	for _, s := range skip {
		g.skip[path.Clean(strings.ReplaceAll(s, "\\", "/"))] = true
	}
	return g
}

type fingerprint map[string]string

func (g *shellGuard) snapshot() fingerprint {
	fp := fingerprint{}
	for _, pat := range g.globs {
		matches, _ := doublestar.Glob(g.fsys, pat, doublestar.WithFilesOnly())
		for _, m := range matches {
			if g.skip[m] {
				continue
			}
			info, err := fs.Stat(g.fsys, m)
			if err != nil {
				continue
			}
			fp[m] = fmt.Sprintf("%d:%d:%s", info.Size(), info.ModTime().UnixNano(), info.Mode())
		}
	}
	return fp
}

// changed lists paths created, modified or removed between before and after.
func changed(before, after fingerprint) []string {
	var out []string
	for p, v := range after {
		if before[p] != v {
			out = append(out, p)
		}
	}
	for p := range before {
		if _, ok := after[p]; !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (g *shellGuard) record(paths []string) {
	g.hits = appendUnique(g.hits, paths...)
	g.all = appendUnique(g.all, paths...)
}

// take returns and clears the protected paths changed since the last call.
func (g *shellGuard) take() []string {
	if g == nil {
		return nil
	}
	out := g.hits
	g.hits = nil
	return out
}

// touched is every protected path changed during the attempt.
func (g *shellGuard) touched() []string {
	if g == nil {
		return nil
	}
	return g.all
}
