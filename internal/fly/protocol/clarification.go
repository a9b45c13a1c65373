package protocol

import "fmt"

// ClarificationRequest is a role asking the orchestrator to resolve an
// ambiguity it cannot settle from evidence.
type ClarificationRequest struct {
	Meta
	BlockingQuestion string   `json:"blocking_question"`
	DecisionContext  string   `json:"decision_context,omitempty"`
	ConfidenceLevel  float64  `json:"confidence_level"`
	RequestedOptions []string `json:"requested_options,omitempty"`
}

type ClarificationResponse struct {
	Meta
	RequestArtifactID  string   `json:"request_artifact_id"`
	ChosenOption       string   `json:"chosen_option"`
	Rationale          string   `json:"rationale"`
	UpdatedConstraints []string `json:"updated_constraints,omitempty"`
}

// DefaultResponse answers deterministically: the first requested option, or
// a directive to gather evidence when none were offered.
func DefaultResponse(req ClarificationRequest) ClarificationResponse {
	resp := ClarificationResponse{
		Meta:              NewMeta(TypeClarificationResponse, req.WaypointID, RoleOrchestrator, req.ArtifactID),
		RequestArtifactID: req.ArtifactID,
	}
	if len(req.RequestedOptions) > 0 {
		resp.ChosenOption = req.RequestedOptions[0]
		resp.Rationale = "Selected the first offered option to keep execution deterministic."
	} else {
		resp.ChosenOption = "collect_more_evidence"
		resp.Rationale = "No options were offered; gather explicit evidence for the open question."
	}
	resp.UpdatedConstraints = []string{
		fmt.Sprintf("Resolve clarification %s: %s", req.ArtifactID, req.BlockingQuestion),
		"Every acceptance criterion must be backed by host-captured command evidence.",
	}
	return resp
}
