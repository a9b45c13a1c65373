// Package validate lints a flight plan before execution. The graph must be
// acyclic and every reference must resolve; execution refuses to start
// otherwise.
package validate

import (
	"fmt"
	"strings"

	"github.com/kulesh/waypoints/internal/fly/plan"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule       string   `json:"rule"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	WaypointID string   `json:"waypoint_id,omitempty"`
	Fix        string   `json:"fix,omitempty"`
}

func Validate(p *plan.FlightPlan) []Diagnostic {
	if p == nil {
		return []Diagnostic{{Rule: "plan_nil", Severity: SeverityError, Message: "flight plan is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintIDs(p)...)
	diags = append(diags, lintReferences(p)...)
	diags = append(diags, lintDependencyCycles(p)...)
	diags = append(diags, lintParentCycles(p)...)
	diags = append(diags, lintCriteria(p)...)
	diags = append(diags, lintEpicDependsOnChild(p)...)
	return diags
}

// ValidateOrError folds error-severity diagnostics into a single error.
func ValidateOrError(p *plan.FlightPlan) error {
	var errs []string
	for _, d := range Validate(p) {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("flight plan validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintIDs(p *plan.FlightPlan) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for i, w := range p.Waypoints {
		if w.ID == "" {
			diags = append(diags, Diagnostic{
				Rule:     "empty_id",
				Severity: SeverityError,
				Message:  fmt.Sprintf("waypoint at position %d has no id", i+1),
			})
			continue
		}
		if seen[w.ID] {
			diags = append(diags, Diagnostic{
				Rule:       "duplicate_id",
				Severity:   SeverityError,
				Message:    fmt.Sprintf("waypoint id %s appears more than once", w.ID),
				WaypointID: w.ID,
			})
		}
		seen[w.ID] = true
	}
	return diags
}

func lintReferences(p *plan.FlightPlan) []Diagnostic {
	var diags []Diagnostic
	for _, w := range p.Waypoints {
		for _, d := range w.Dependencies {
			switch {
			case d == w.ID:
				diags = append(diags, Diagnostic{
					Rule:       "self_dependency",
					Severity:   SeverityError,
					Message:    fmt.Sprintf("%s depends on itself", w.ID),
					WaypointID: w.ID,
				})
			case p.Get(d) == nil:
				diags = append(diags, Diagnostic{
					Rule:       "missing_dependency",
					Severity:   SeverityError,
					Message:    fmt.Sprintf("%s depends on unknown waypoint %s", w.ID, d),
					WaypointID: w.ID,
					Fix:        "remove the dependency or add the missing waypoint",
				})
			}
		}
		if w.ParentID != "" && p.Get(w.ParentID) == nil {
			diags = append(diags, Diagnostic{
				Rule:       "missing_parent",
				Severity:   SeverityError,
				Message:    fmt.Sprintf("%s names unknown parent %s", w.ID, w.ParentID),
				WaypointID: w.ID,
			})
		}
	}
	return diags
}

// lintDependencyCycles runs a three-colour DFS over dependency edges and
// reports one diagnostic per distinct back edge, with the cycle path.
func lintDependencyCycles(p *plan.FlightPlan) []Diagnostic {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack []string
	var diags []Diagnostic
	reported := map[string]bool{}

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		w := p.Get(id)
		for _, d := range w.Dependencies {
			if d == id || p.Get(d) == nil {
				continue
			}
			switch color[d] {
			case white:
				visit(d)
			case grey:
				cycle := cyclePath(stack, d)
				key := canonicalCycle(cycle)
				if !reported[key] {
					reported[key] = true
					diags = append(diags, Diagnostic{
						Rule:       "dependency_cycle",
						Severity:   SeverityError,
						Message:    "dependency cycle: " + strings.Join(cycle, " -> "),
						WaypointID: d,
					})
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}
	for _, w := range p.Waypoints {
		if w.ID != "" && color[w.ID] == white {
			visit(w.ID)
		}
	}
	return diags
}

func cyclePath(stack []string, back string) []string {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == back {
			out := append([]string{}, stack[i:]...)
			return append(out, back)
		}
	}
	return []string{back, back}
}

// canonicalCycle rotates the cycle to start at its smallest id so the same
// loop discovered from different entry points is reported once.
func canonicalCycle(cycle []string) string {
	nodes := cycle[:len(cycle)-1]
	if len(nodes) == 0 {
		return ""
	}
	minIdx := 0
	for i, n := range nodes {
		if n < nodes[minIdx] {
			minIdx = i
		}
	}
	rot := append(append([]string{}, nodes[minIdx:]...), nodes[:minIdx]...)
	return strings.Join(rot, ">")
}

func lintParentCycles(p *plan.FlightPlan) []Diagnostic {
	var diags []Diagnostic
	for _, w := range p.Waypoints {
		seen := map[string]bool{w.ID: true}
		cur := w.ParentID
		for cur != "" {
			if seen[cur] {
				if cur == w.ID {
					diags = append(diags, Diagnostic{
						Rule:       "parent_cycle",
						Severity:   SeverityError,
						Message:    fmt.Sprintf("%s is its own ancestor", w.ID),
						WaypointID: w.ID,
					})
				}
				break
			}
			seen[cur] = true
			parent := p.Get(cur)
			if parent == nil {
				break
			}
			cur = parent.ParentID
		}
	}
	return diags
}

func lintCriteria(p *plan.FlightPlan) []Diagnostic {
	var diags []Diagnostic
	for _, w := range p.Waypoints {
		if len(w.AcceptanceCriteria) == 0 && !p.IsEpic(w.ID) {
			diags = append(diags, Diagnostic{
				Rule:       "no_acceptance_criteria",
				Severity:   SeverityWarning,
				Message:    fmt.Sprintf("%s has no acceptance criteria; verification will be inconclusive", w.ID),
				WaypointID: w.ID,
			})
		}
	}
	return diags
}

func lintEpicDependsOnChild(p *plan.FlightPlan) []Diagnostic {
	var diags []Diagnostic
	for _, w := range p.Waypoints {
		for _, d := range w.Dependencies {
			if dep := p.Get(d); dep != nil && dep.ParentID == w.ID {
				diags = append(diags, Diagnostic{
					Rule:       "epic_depends_on_child",
					Severity:   SeverityWarning,
					Message:    fmt.Sprintf("epic %s lists its child %s as a dependency; children already gate the epic", w.ID, d),
					WaypointID: w.ID,
				})
			}
		}
	}
	return diags
}
