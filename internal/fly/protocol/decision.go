package protocol

type Disposition string

const (
	DispositionAccept   Disposition = "accept"
	DispositionRework   Disposition = "rework"
	DispositionRollback Disposition = "rollback"
	DispositionEscalate Disposition = "escalate"
)

// OrchestratorDecision is the single authoritative outcome of an attempt.
type OrchestratorDecision struct {
	Meta
	Disposition           Disposition `json:"disposition"`
	ReasonCode            string      `json:"reason_code"`
	ReferencedArtifactIDs []string    `json:"referenced_artifact_ids"`
	// StatusMutation is the waypoint status the engine will write, if any.
	StatusMutation string `json:"status_mutation,omitempty"`
}
