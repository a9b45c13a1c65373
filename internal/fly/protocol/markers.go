package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	completionRe    = regexp.MustCompile(`(?s)<waypoint-complete>\s*(.*?)\s*</waypoint-complete>`)
	stageRe         = regexp.MustCompile(`(?s)<execution-stage>\s*(.*?)\s*</execution-stage>`)
	clarificationRe = regexp.MustCompile(`(?s)<clarification-request>\s*(.*?)\s*</clarification-request>`)
	buildPlanRe     = regexp.MustCompile(`(?s)<build-plan>\s*(.*?)\s*</build-plan>`)
)

// CompletionMarker returns the id inside the last <waypoint-complete> tag.
func CompletionMarker(text string) (string, bool) {
	m := completionRe.FindAllStringSubmatch(text, -1)
	if len(m) == 0 {
		return "", false
	}
	return strings.TrimSpace(m[len(m)-1][1]), true
}

// ParseStageReports decodes every <execution-stage> block. Blocks that fail
// to decode or name an unknown stage are returned as errors, not dropped.
func ParseStageReports(text string) ([]StageReport, []error) {
	var out []StageReport
	var errs []error
	for _, m := range stageRe.FindAllStringSubmatch(text, -1) {
		var sr StageReport
		if err := json.Unmarshal([]byte(m[1]), &sr); err != nil {
			errs = append(errs, fmt.Errorf("execution-stage: %w", err))
			continue
		}
		if !sr.Stage.Valid() {
			errs = append(errs, fmt.Errorf("execution-stage: unknown stage %q", sr.Stage))
			continue
		}
		if sr.NextStage != "" && !sr.NextStage.Valid() {
			errs = append(errs, fmt.Errorf("execution-stage: unknown next_stage %q", sr.NextStage))
			continue
		}
		out = append(out, sr)
	}
	return out, errs
}

type clarificationPayload struct {
	BlockingQuestion string   `json:"blocking_question"`
	DecisionContext  string   `json:"decision_context"`
	ConfidenceLevel  *float64 `json:"confidence_level"`
	RequestedOptions []string `json:"requested_options"`
}

// ParseClarificationRequests builds builder-authored requests for waypointID.
func ParseClarificationRequests(text, waypointID string) ([]ClarificationRequest, []error) {
	var out []ClarificationRequest
	var errs []error
	for _, m := range clarificationRe.FindAllStringSubmatch(text, -1) {
		var p clarificationPayload
		if err := json.Unmarshal([]byte(m[1]), &p); err != nil {
			errs = append(errs, fmt.Errorf("clarification-request: %w", err))
			continue
		}
		if strings.TrimSpace(p.BlockingQuestion) == "" {
			errs = append(errs, fmt.Errorf("clarification-request: blocking_question is required"))
			continue
		}
		conf := 0.5
		if p.ConfidenceLevel != nil {
			conf = min(max(*p.ConfidenceLevel, 0), 1)
		}
		out = append(out, ClarificationRequest{
			Meta:             NewMeta(TypeClarificationRequest, waypointID, RoleBuilder),
			BlockingQuestion: strings.TrimSpace(p.BlockingQuestion),
			DecisionContext:  strings.TrimSpace(p.DecisionContext),
			ConfidenceLevel:  conf,
			RequestedOptions: p.RequestedOptions,
		})
	}
	return out, errs
}

type buildPlanPayload struct {
	IntendedFiles  []string          `json:"intended_files"`
	ValidationPlan []string          `json:"validation_plan"`
	Coverage       map[string]string `json:"criterion_coverage_map"`
}

// ParseBuildPlan decodes the last <build-plan> block. Coverage keys are
// criterion indexes written as JSON object keys.
func ParseBuildPlan(text, waypointID string) (*BuildPlan, error) {
	m := buildPlanRe.FindAllStringSubmatch(text, -1)
	if len(m) == 0 {
		return nil, nil
	}
	var p buildPlanPayload
	if err := json.Unmarshal([]byte(m[len(m)-1][1]), &p); err != nil {
		return nil, fmt.Errorf("build-plan: %w", err)
	}
	cov := make(map[int]string, len(p.Coverage))
	for k, v := range p.Coverage {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("build-plan: criterion key %q is not an index", k)
		}
		cov[idx] = strings.TrimSpace(v)
	}
	return &BuildPlan{
		Meta:           NewMeta(TypeBuildPlan, waypointID, RoleBuilder),
		IntendedFiles:  p.IntendedFiles,
		ValidationPlan: p.ValidationPlan,
		Coverage:       cov,
	}, nil
}
