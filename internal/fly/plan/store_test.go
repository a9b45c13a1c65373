package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveLoad_RoundTripPreservesOrderAndStatus(t *testing.T) {
	p := New(wp("WP-001"), wp("WP-002", "WP-001"))
	p.Get("WP-001").Status = StatusComplete
	path := filepath.Join(t.TempDir(), "flight-plan.jsonl")
	if err := p.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, _ := os.ReadFile(path)
	first := strings.SplitN(string(b), "\n", 2)[0]
	if !strings.Contains(first, `"_schema":"flight_plan"`) {
		t.Fatalf("header line: %s", first)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Waypoints) != 2 || got.Waypoints[0].ID != "WP-001" || got.Waypoints[1].Dependencies[0] != "WP-001" {
		t.Fatalf("round trip: %+v", got.Waypoints)
	}
	if got.Get("WP-001").Status != StatusComplete {
		t.Fatalf("status lost")
	}
	if Digest(got) != Digest(p) {
		t.Fatalf("digest changed across round trip")
	}
}

func TestDecode_HeaderlessLegacyAndBadStatus(t *testing.T) {
	got, err := Decode(strings.NewReader(`{"id":"A","title":"a","objective":"o"}` + "\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Waypoints[0].Status != StatusPending || got.Waypoints[0].Dependencies == nil {
		t.Fatalf("normalize: %+v", got.Waypoints[0])
	}
	if _, err := Decode(strings.NewReader(`{"id":"A","status":"exploded"}`)); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestDigest_IgnoresStatus(t *testing.T) {
	p := New(wp("A"), wp("B", "A"))
	before := Digest(p)
	p.Get("A").Status = StatusComplete
	if Digest(p) != before {
		t.Fatalf("status should not affect digest")
	}
	p.Get("B").Objective = "changed"
	if Digest(p) == before {
		t.Fatalf("objective change should affect digest")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	body := `
waypoints:
  - id: WP-001
    title: Scaffold
    objective: Create the module
    acceptance_criteria: ["go build passes"]
  - id: WP-002
    title: Feature
    objective: Add the feature
    dependencies: [WP-001]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadAny(path)
	if err != nil {
		t.Fatalf("LoadAny: %v", err)
	}
	if len(p.Waypoints) != 2 || p.Get("WP-002").Status != StatusPending {
		t.Fatalf("yaml import: %+v", p.Waypoints)
	}
	if err := os.WriteFile(path, []byte("waypoints: []\nextra: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadYAML(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}
