// Package pathpolicy decides which workspace paths the builder may touch.
// Paths are matched as slash-separated, root-relative globs.
package pathpolicy

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ViolationError is returned for a path outside the workspace or policy.
type ViolationError struct {
	Path string
	Rule string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("path %q denied: %s", e.Path, e.Rule)
}

type Policy struct {
	allow []string
	deny  []string
}

// New builds a policy. .git and the state dir are always denied, and an
// empty allow list allows everything else.
func New(allow, deny []string, stateDir string) (*Policy, error) {
	p := &Policy{}
	for _, g := range allow {
		g = normalizeGlob(g)
		if g == "" {
			continue
		}
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("paths.allow: invalid glob %q", g)
		}
		p.allow = append(p.allow, g)
	}
	if len(p.allow) == 0 {
		p.allow = []string{"**"}
	}
	always := []string{".git", ".git/**"}
	if sd := normalizeGlob(stateDir); sd != "" {
		always = append(always, sd, sd+"/**")
	}
	for _, g := range append(always, deny...) {
		g = normalizeGlob(g)
		if g == "" {
			continue
		}
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("paths.deny: invalid glob %q", g)
		}
		p.deny = append(p.deny, g)
	}
	return p, nil
}

func normalizeGlob(g string) string {
	g = strings.TrimSpace(filepath.ToSlash(g))
	g = strings.TrimPrefix(g, "./")
	return strings.TrimSuffix(g, "/")
}

// Clean turns p into a root-relative slash path, rejecting anything that
// escapes the root.
func Clean(p string) (string, error) {
	raw := strings.TrimSpace(filepath.ToSlash(p))
	if raw == "" {
		return "", &ViolationError{Path: p, Rule: "empty path"}
	}
	if path.IsAbs(raw) || filepath.IsAbs(p) {
		return "", &ViolationError{Path: p, Rule: "absolute paths are not allowed"}
	}
	c := path.Clean(raw)
	if c == ".." || strings.HasPrefix(c, "../") {
		return "", &ViolationError{Path: p, Rule: "escapes the workspace"}
	}
	return c, nil
}

// Check returns the cleaned path or a *ViolationError.
func (p *Policy) Check(rel string) (string, error) {
	c, err := Clean(rel)
	if err != nil {
		return "", err
	}
	if c == "." {
		return c, nil
	}
	for _, g := range p.deny {
		if doublestar.MatchUnvalidated(g, c) {
			return "", &ViolationError{Path: rel, Rule: "matches deny " + g}
		}
	}
	for _, g := range p.allow {
		if doublestar.MatchUnvalidated(g, c) {
			return c, nil
		}
	}
	return "", &ViolationError{Path: rel, Rule: "not in allow list"}
}

// CheckRead applies only the deny list. Reads outside the allow list are
// permitted so the builder can inspect context it may not modify.
func (p *Policy) CheckRead(rel string) (string, error) {
	c, err := Clean(rel)
	if err != nil {
		return "", err
	}
	for _, g := range p.deny {
		if c != "." && doublestar.MatchUnvalidated(g, c) {
			return "", &ViolationError{Path: rel, Rule: "matches deny " + g}
		}
	}
	return c, nil
}

func (p *Policy) Allowed(rel string) bool {
	_, err := p.Check(rel)
	return err == nil
}

// Violations returns the subset of paths the policy rejects.
func (p *Policy) Violations(paths []string) []string {
	var out []string
	for _, rel := range paths {
		if !p.Allowed(rel) {
			out = append(out, rel)
		}
	}
	return out
}
