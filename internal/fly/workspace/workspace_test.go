package workspace

import (
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/kulesh/waypoints/internal/fly/pathpolicy"
)

func newMem(t *testing.T, allow, deny []string) (*Workspace, afero.Fs) {
	t.Helper()
	pol, err := pathpolicy.New(allow, deny, ".waypoints")
	if err != nil {
		t.Fatal(err)
	}
	fsys := afero.NewMemMapFs()
	return New(fsys, pol), fsys
}

func TestWriteEditRead(t *testing.T) {
	ws, fsys := newMem(t, nil, nil)
	if _, err := ws.WriteFile("src/app/main.go", "package main\n\nfunc main() {}\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ws.EditFile("src/app/main.go", "func main() {}", "func main() { run() }", false); err != nil {
		t.Fatalf("EditFile: %v", err)
	}
	b, _ := afero.ReadFile(fsys, "src/app/main.go")
	if !strings.Contains(string(b), "run()") {
		t.Fatalf("edit not applied: %q", b)
	}
	out, err := ws.ReadFile("src/app/main.go", 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if out != "     3\tfunc main() { run() }\n" {
		t.Fatalf("ReadFile window: %q", out)
	}
	if got := ws.Touched(); len(got) != 1 || got[0] != "src/app/main.go" {
		t.Fatalf("Touched: %v", got)
	}
}

func TestEditFile_Ambiguous(t *testing.T) {
	ws, _ := newMem(t, nil, nil)
	_, _ = ws.WriteFile("a.txt", "x x x")
	if _, err := ws.EditFile("a.txt", "x", "y", false); err == nil || !strings.Contains(err.Error(), "3 times") {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
	if _, err := ws.EditFile("a.txt", "x", "y", true); err != nil {
		t.Fatalf("replace_all: %v", err)
	}
	if _, err := ws.EditFile("a.txt", "zzz", "y", false); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestPolicyBlocksWrites(t *testing.T) {
	ws, _ := newMem(t, []string{"src/**"}, nil)
	for _, p := range []string{"README.md", ".git/config", ".waypoints/journey.json", "../escape"} {
		if _, err := ws.WriteFile(p, "x"); err == nil {
			t.Fatalf("write %s should be denied", p)
		}
	}
	if got := ws.TakeBlocked(); len(got) != 4 {
		t.Fatalf("blocked: %v", got)
	}
	if len(ws.Blocked()) != 0 {
		t.Fatalf("TakeBlocked should clear")
	}
	if len(ws.Touched()) != 0 {
		t.Fatalf("denied writes must not be recorded")
	}
}

func TestGlobAndGrep(t *testing.T) {
	ws, _ := newMem(t, nil, nil)
	_, _ = ws.WriteFile("pkg/a.go", "package pkg\n// TODO: tidy\n")
	_, _ = ws.WriteFile("pkg/sub/b.go", "package sub\n")
	_, _ = ws.WriteFile("notes.md", "todo list\n")

	got, err := ws.Glob("**/*.go", "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "pkg/a.go,pkg/sub/b.go" {
		t.Fatalf("Glob: %v", got)
	}
	matches, err := ws.Grep("todo", "", "", true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("Grep case-insensitive: %v", matches)
	}
	matches, _ = ws.Grep("TODO", "pkg", "*.go", false, 10)
	if len(matches) != 1 || matches[0].Line != 2 || matches[0].Path != "pkg/a.go" {
		t.Fatalf("Grep filtered: %+v", matches)
	}
	if _, err := ws.Grep("(", "", "", false, 1); err == nil {
		t.Fatalf("expected regexp error")
	}
}

func TestReadOnly(t *testing.T) {
	ws, _ := newMem(t, nil, nil)
	_, _ = ws.WriteFile("out/report.txt", "ok")
	_, _ = ws.WriteFile("out/empty.txt", "")
	ro := ws.ReadOnly()
	if !ro.Exists("out/report.txt") || ro.Exists("out/empty.txt") || ro.Exists("missing") {
		t.Fatalf("Exists semantics wrong")
	}
	if _, err := ro.ReadFile(".waypoints/journey.json", 0, 0); err == nil {
		t.Fatalf("state dir must not be readable")
	}
}
