// Package stack detects a project's technology stack from manifest files and
// maps it to host validation commands.
package stack

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type Type string

const (
	Python     Type = "python"
	TypeScript Type = "typescript"
	JavaScript Type = "javascript"
	Go         Type = "go"
	Rust       Type = "rust"
	Swift      Type = "swift"
)

// Command is one host validation command. Dir is relative to the project
// root; empty means the root.
type Command struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	Category string `json:"category"`
	Optional bool   `json:"optional,omitempty"`
	Dir      string `json:"dir,omitempty"`
}

type Config struct {
	Type     Type
	Dir      string
	Commands []Command
}

var defaultCommands = map[Type][]Command{
	Python: {
		{Name: "linting", Command: "ruff check .", Category: "lint"},
		{Name: "tests", Command: "pytest -v", Category: "test"},
		{Name: "type checking", Command: "mypy .", Category: "type"},
		{Name: "formatting", Command: "ruff format --check .", Category: "format"},
	},
	TypeScript: {
		{Name: "linting", Command: "npm run lint", Category: "lint"},
		{Name: "tests", Command: "npm test", Category: "test"},
		{Name: "type checking", Command: "npx tsc --noEmit", Category: "type"},
	},
	JavaScript: {
		{Name: "linting", Command: "npm run lint", Category: "lint"},
		{Name: "tests", Command: "npm test", Category: "test"},
	},
	Go: {
		{Name: "tests", Command: "go test ./...", Category: "test"},
		{Name: "vetting", Command: "go vet ./...", Category: "lint"},
	},
	Rust: {
		{Name: "tests", Command: "cargo test", Category: "test"},
		{Name: "linting", Command: "cargo clippy -- -D warnings", Category: "lint"},
		{Name: "formatting", Command: "cargo fmt --check", Category: "format"},
	},
	Swift: {
		{Name: "build", Command: "swift build", Category: "build"},
		{Name: "tests", Command: "swift test", Category: "test"},
	},
}

// DefaultCommands returns a copy of the built-in command set for t.
func DefaultCommands(t Type) []Command {
	return append([]Command(nil), defaultCommands[t]...)
}

const markerGlob = "{pyproject.toml,setup.py,requirements.txt,package.json,tsconfig.json,go.mod,Cargo.toml,Package.swift}"

// DetectDir is Detect over the real filesystem at root.
func DetectDir(root string) ([]Config, error) {
	return Detect(os.DirFS(root))
}

// Detect looks for manifests at the root. When the root has none, immediate
// non-hidden subdirectories are searched, which covers agents that nest the
// project one level down.
func Detect(fsys fs.FS) ([]Config, error) {
	rootHits, err := doublestar.Glob(fsys, markerGlob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("detect stack: %w", err)
	}
	if len(rootHits) > 0 {
		return detectAt(".", rootHits), nil
	}
	hits, err := doublestar.Glob(fsys, "*/"+markerGlob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("detect stack: %w", err)
	}
	byDir := map[string][]string{}
	for _, h := range hits {
		dir := path.Dir(h)
		if strings.HasPrefix(dir, ".") {
			continue
		}
		byDir[dir] = append(byDir[dir], path.Base(h))
	}
	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	var out []Config
	for _, d := range dirs {
		out = append(out, detectAt(d, byDir[d])...)
	}
	return out, nil
}

func detectAt(dir string, markers []string) []Config {
	has := map[string]bool{}
	for _, m := range markers {
		has[path.Base(m)] = true
	}
	var types []Type
	if has["pyproject.toml"] || has["setup.py"] || has["requirements.txt"] {
		types = append(types, Python)
	}
	if has["package.json"] {
		if has["tsconfig.json"] {
			types = append(types, TypeScript)
		} else {
			types = append(types, JavaScript)
		}
	}
	if has["go.mod"] {
		types = append(types, Go)
	}
	if has["Cargo.toml"] {
		types = append(types, Rust)
	}
	if has["Package.swift"] {
		types = append(types, Swift)
	}
	if dir == "." {
		dir = ""
	}
	out := make([]Config, 0, len(types))
	for _, t := range types {
		cmds := DefaultCommands(t)
		for i := range cmds {
			cmds[i].Dir = dir
		}
		out = append(out, Config{Type: t, Dir: dir, Commands: cmds})
	}
	return out
}

// Resolve flattens configs into a command list, applying per-category
// overrides and dropping repeats of the same name and command.
func Resolve(configs []Config, overrides map[string]string) []Command {
	var out []Command
	seen := map[string]bool{}
	for _, c := range configs {
		for _, cmd := range c.Commands {
			if o, ok := overrides[cmd.Category]; ok && strings.TrimSpace(o) != "" {
				cmd.Command = o
			}
			key := cmd.Name + "\x00" + cmd.Command
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, cmd)
		}
	}
	return out
}

// FromReported turns agent-reported commands into validation commands. It is
// the last-resort source when nothing is configured or detected.
func FromReported(reported []string) []Command {
	var out []Command
	seen := map[string]bool{}
	names := map[string]int{}
	for _, r := range reported {
		c := NormalizeCommand(r)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		cat := CategoryOf(c)
		name := cat
		if cat == "" {
			cat, name = "build", "validation"
		}
		names[name]++
		if n := names[name]; n > 1 {
			name = fmt.Sprintf("%s-%d", name, n)
		}
		out = append(out, Command{Name: name, Command: c, Category: cat})
	}
	return out
}

func NormalizeCommand(c string) string {
	return strings.Join(strings.Fields(c), " ")
}

// CategoryOf guesses a validation category from a command line. "" means
// unrecognised.
func CategoryOf(command string) string {
	lower := strings.ToLower(command)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
	switch {
	case has("test", "pytest", "jest", "mocha"):
		return "test"
	case has("ruff format", "ruff fmt"):
		return "format"
	case has("clippy", "ruff", "eslint", "lint", "pylint", "flake8", "go vet"):
		return "lint"
	case has("fmt", "format", "prettier", "rustfmt"):
		return "format"
	case has("mypy", "tsc", "typecheck", "pyright"):
		return "type"
	}
	return ""
}

// Section renders the detected commands for the builder's context envelope.
func Section(configs []Config, overrides map[string]string) string {
	if len(configs) == 0 {
		return "No stack manifest detected. Pick validation commands that fit the project and report them in your build plan."
	}
	var b strings.Builder
	b.WriteString("The host runs these validation commands after you claim completion:\n")
	for _, c := range configs {
		where := c.Dir
		if where == "" {
			where = "."
		}
		fmt.Fprintf(&b, "\n%s (%s):\n", c.Type, where)
		for _, cmd := range c.Commands {
			if o, ok := overrides[cmd.Category]; ok && strings.TrimSpace(o) != "" {
				cmd.Command = o
			}
			opt := ""
			if cmd.Optional {
				opt = " (optional)"
			}
			fmt.Fprintf(&b, "- %s [%s]: `%s`%s\n", cmd.Name, cmd.Category, cmd.Command, opt)
		}
	}
	return b.String()
}
