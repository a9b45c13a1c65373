package validate

import (
	"strings"
	"testing"

	"github.com/kulesh/waypoints/internal/fly/plan"
)

func wp(id string, deps ...string) plan.Waypoint {
	return plan.Waypoint{ID: id, Title: id, Objective: id, AcceptanceCriteria: []string{"ok"}, Dependencies: deps}
}

func assertHasRule(t *testing.T, diags []Diagnostic, rule string, sev Severity) {
	t.Helper()
	for _, d := range diags {
		if d.Rule == rule && d.Severity == sev {
			return
		}
	}
	var got []string
	for _, d := range diags {
		got = append(got, string(d.Severity)+":"+d.Rule)
	}
	t.Fatalf("expected %s:%s; got %s", sev, rule, strings.Join(got, ", "))
}

func TestValidate_CleanPlanHasNoErrors(t *testing.T) {
	p := plan.New(wp("A"), wp("B", "A"), wp("C", "A", "B"))
	if err := ValidateOrError(p); err != nil {
		t.Fatalf("ValidateOrError: %v", err)
	}
}

func TestValidate_DependencyCycleReportedOnce(t *testing.T) {
	p := plan.New(wp("A", "C"), wp("B", "A"), wp("C", "B"), wp("D", "A"))
	diags := Validate(p)
	n := 0
	for _, d := range diags {
		if d.Rule == "dependency_cycle" {
			n++
			if !strings.Contains(d.Message, "->") {
				t.Fatalf("cycle message lacks path: %q", d.Message)
			}
		}
	}
	if n != 1 {
		t.Fatalf("dependency_cycle count: got %d want 1 (%v)", n, diags)
	}
	if err := ValidateOrError(p); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidate_ReferenceRules(t *testing.T) {
	child := wp("K")
	child.ParentID = "NOPE"
	p := plan.New(wp("A", "A"), wp("B", "GHOST"), wp("A"), child, plan.Waypoint{Title: "anon"})
	diags := Validate(p)
	assertHasRule(t, diags, "self_dependency", SeverityError)
	assertHasRule(t, diags, "missing_dependency", SeverityError)
	assertHasRule(t, diags, "duplicate_id", SeverityError)
	assertHasRule(t, diags, "missing_parent", SeverityError)
	assertHasRule(t, diags, "empty_id", SeverityError)
}

func TestValidate_ParentCycle(t *testing.T) {
	a := wp("A")
	a.ParentID = "B"
	b := wp("B")
	b.ParentID = "A"
	assertHasRule(t, Validate(plan.New(a, b)), "parent_cycle", SeverityError)
}

func TestValidate_Warnings(t *testing.T) {
	epic := plan.Waypoint{ID: "E", Title: "E", Objective: "E", Dependencies: []string{"E.1"}}
	child := plan.Waypoint{ID: "E.1", Title: "c", Objective: "c", ParentID: "E"}
	diags := Validate(plan.New(epic, child))
	assertHasRule(t, diags, "epic_depends_on_child", SeverityWarning)
	assertHasRule(t, diags, "no_acceptance_criteria", SeverityWarning)
	for _, d := range diags {
		if d.Rule == "no_acceptance_criteria" && d.WaypointID == "E" {
			t.Fatalf("epic without criteria should not warn")
		}
	}
}
