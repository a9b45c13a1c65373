package stack

import (
	"testing"
	"testing/fstest"
)

func names(cfgs []Config) []Type {
	var out []Type
	for _, c := range cfgs {
		out = append(out, c.Type)
	}
	return out
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name  string
		files []string
		want  []Type
		dir   string
	}{
		{"go", []string{"go.mod"}, []Type{Go}, ""},
		{"typescript", []string{"package.json", "tsconfig.json"}, []Type{TypeScript}, ""},
		{"javascript", []string{"package.json"}, []Type{JavaScript}, ""},
		{"polyglot", []string{"pyproject.toml", "Cargo.toml"}, []Type{Python, Rust}, ""},
		{"nested", []string{"app/Package.swift", ".hidden/go.mod"}, []Type{Swift}, "app"},
		{"root wins", []string{"go.mod", "sub/Cargo.toml"}, []Type{Go}, ""},
		{"none", []string{"README.md"}, nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fsys := fstest.MapFS{}
			for _, f := range tc.files {
				fsys[f] = &fstest.MapFile{Data: []byte("x")}
			}
			got, err := Detect(fsys)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			gotTypes := names(got)
			if len(gotTypes) != len(tc.want) {
				t.Fatalf("got %v want %v", gotTypes, tc.want)
			}
			for i := range gotTypes {
				if gotTypes[i] != tc.want[i] {
					t.Fatalf("got %v want %v", gotTypes, tc.want)
				}
			}
			if len(got) > 0 && got[0].Commands[0].Dir != tc.dir {
				t.Fatalf("dir: got %q want %q", got[0].Commands[0].Dir, tc.dir)
			}
		})
	}
}

func TestResolve_OverridesAndDedup(t *testing.T) {
	cfgs := []Config{
		{Type: TypeScript, Commands: DefaultCommands(TypeScript)},
		{Type: JavaScript, Commands: DefaultCommands(JavaScript)},
	}
	got := Resolve(cfgs, map[string]string{"test": "npm run test:ci"})
	if len(got) != 3 {
		t.Fatalf("resolved: got %d commands want 3: %+v", len(got), got)
	}
	for _, c := range got {
		if c.Category == "test" && c.Command != "npm run test:ci" {
			t.Fatalf("override not applied: %+v", c)
		}
	}
}

func TestFromReported(t *testing.T) {
	got := FromReported([]string{"go  test ./...", "go test ./...", "make check", "pytest -q", ""})
	if len(got) != 3 {
		t.Fatalf("got %+v", got)
	}
	if got[0].Name != "test" || got[0].Command != "go test ./..." {
		t.Fatalf("first: %+v", got[0])
	}
	if got[1].Name != "validation" || got[1].Category != "build" {
		t.Fatalf("unrecognised: %+v", got[1])
	}
	if got[2].Name != "test-2" {
		t.Fatalf("name collision: %+v", got[2])
	}
}

func TestCategoryOf(t *testing.T) {
	cases := map[string]string{
		"cargo test":            "test",
		"ruff format --check .": "format",
		"cargo clippy":          "lint",
		"go vet ./...":          "lint",
		"prettier --check .":    "format",
		"npx tsc --noEmit":      "type",
		"echo hi":               "",
	}
	for in, want := range cases {
		if got := CategoryOf(in); got != want {
			t.Fatalf("CategoryOf(%q): got %q want %q", in, got, want)
		}
	}
}
