// Package intervention hands a waypoint the engine could not finish to a
// human (or a headless policy) and brings back a validated action.
package intervention

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kulesh/waypoints/internal/fly/gitsafe"
)

type Type string

const (
	TypeIterationLimit         Type = "iteration_limit"
	TypeTestFailure            Type = "test_failure"
	TypeLintError              Type = "lint_error"
	TypeTypeError              Type = "type_error"
	TypeParseError             Type = "parse_error"
	TypeUserRequested          Type = "user_requested"
	TypeExecutionError         Type = "execution_error"
	TypeRateLimited            Type = "rate_limited"
	TypeAPIUnavailable         Type = "api_unavailable"
	TypeBudgetExceeded         Type = "budget_exceeded"
	TypeClarificationExhausted Type = "clarification_exhausted"
	TypePolicyViolation        Type = "policy_violation"
	TypeRegression             Type = "regression"
)

type Action string

const (
	ActionRetry    Action = "retry"
	ActionSkip     Action = "skip"
	ActionEdit     Action = "edit"
	ActionRollback Action = "rollback"
	ActionAbort    Action = "abort"
)

// Actions is the closed set an operator may choose from.
var Actions = []Action{ActionRetry, ActionSkip, ActionEdit, ActionRollback, ActionAbort}

func (a Action) Valid() bool {
	for _, v := range Actions {
		if a == v {
			return true
		}
	}
	return false
}

var suggested = map[Type]Action{
	TypeIterationLimit:         ActionRetry,
	TypeTestFailure:            ActionEdit,
	TypeLintError:              ActionRetry,
	TypeTypeError:              ActionRetry,
	TypeParseError:             ActionRetry,
	TypeUserRequested:          ActionAbort,
	TypeExecutionError:         ActionRetry,
	TypeRateLimited:            ActionRetry,
	TypeAPIUnavailable:         ActionRetry,
	TypeBudgetExceeded:         ActionAbort,
	TypeClarificationExhausted: ActionEdit,
	TypePolicyViolation:        ActionRollback,
	TypeRegression:             ActionRollback,
}

// SuggestedAction is the default a UI should preselect for t.
func SuggestedAction(t Type) Action {
	if a, ok := suggested[t]; ok {
		return a
	}
	return ActionRetry
}

// Context keys read by Classify when Open derives the type.
const (
	CtxFailedCategories = "failed_categories"
	CtxError            = "error"
)

// Classify derives the intervention type from a decision reason code, the
// categories of failed checklist items and the last agent error text.
func Classify(reasonCode string, failedCategories []string, errText string) Type {
	rc := strings.ToLower(reasonCode)
	switch {
	case strings.HasPrefix(rc, "policy_violation"):
		return TypePolicyViolation
	case strings.HasPrefix(rc, "regression"):
		return TypeRegression
	case strings.HasPrefix(rc, "clarification"):
		return TypeClarificationExhausted
	case rc == "iteration_budget_exhausted":
		return TypeIterationLimit
	case rc == "protocol_derailment" || rc == "malformed_tool_calls":
		return TypeParseError
	case rc == "interrupted" || rc == "user_requested":
		return TypeUserRequested
	case rc == "agent_error" || rc == "fatal_error":
		if t, ok := classifyError(errText); ok {
			return t
		}
		return TypeExecutionError
	}
	has := map[string]bool{}
	for _, c := range failedCategories {
		has[strings.ToLower(c)] = true
	}
	switch {
	case has["test"]:
		return TypeTestFailure
	case has["type"]:
		return TypeTypeError
	case has["lint"] || has["format"]:
		return TypeLintError
	}
	if t, ok := classifyError(errText); ok {
		return t
	}
	return TypeExecutionError
}

func classifyError(s string) (Type, bool) {
	s = strings.ToLower(s)
	if s == "" {
		return "", false
	}
	switch {
	case strings.Contains(s, "rate limit") || strings.Contains(s, "rate_limit") || strings.Contains(s, "429"):
		return TypeRateLimited, true
	case strings.Contains(s, "budget") || strings.Contains(s, "quota") || strings.Contains(s, "billing"):
		return TypeBudgetExceeded, true
	case strings.Contains(s, "unavailable") || strings.Contains(s, "overloaded") ||
		strings.Contains(s, "503") || strings.Contains(s, "502"):
		return TypeAPIUnavailable, true
	}
	return "", false
}

type Intervention struct {
	ID              string         `json:"id"`
	Type            Type           `json:"type"`
	WaypointID      string         `json:"waypoint_id"`
	WaypointTitle   string         `json:"waypoint_title,omitempty"`
	Attempt         int            `json:"attempt"`
	DecisionID      string         `json:"decision_id,omitempty"`
	ReasonCode      string         `json:"reason_code"`
	Summary         string         `json:"summary"`
	Context         map[string]any `json:"context,omitempty"`
	SuggestedAction Action         `json:"suggested_action"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	Response        *Response      `json:"response,omitempty"`
}

func (iv Intervention) Resolved() bool { return iv.Response != nil }

// Response is the operator's answer.
type Response struct {
	Action               Action   `json:"action"`
	AdditionalIterations int      `json:"additional_iterations,omitempty"`
	Objective            string   `json:"objective,omitempty"`
	Criteria             []string `json:"criteria,omitempty"`
	RollbackRef          string   `json:"rollback_ref,omitempty"`
	Note                 string   `json:"note,omitempty"`
	ResolvedBy           string   `json:"resolved_by,omitempty"`
}

var ErrInvalidResponse = errors.New("invalid intervention response")

func (r Response) Validate() error {
	if !r.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidResponse, r.Action)
	}
	if r.AdditionalIterations < 0 {
		return fmt.Errorf("%w: additional_iterations must be >= 0", ErrInvalidResponse)
	}
	switch r.Action {
	case ActionEdit:
		if strings.TrimSpace(r.Objective) == "" && len(r.Criteria) == 0 {
			return fmt.Errorf("%w: edit needs a new objective or criteria", ErrInvalidResponse)
		}
	case ActionRollback:
		if r.RollbackRef != "" {
			if gitsafe.IsRelativeRef(r.RollbackRef) {
				return fmt.Errorf("%w: rollback ref %q is relative", ErrInvalidResponse, r.RollbackRef)
			}
		}
	}
	return nil
}
