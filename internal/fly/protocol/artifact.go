// Package protocol defines the immutable artifacts exchanged between the
// builder, the host finalizer, the verifier and the orchestrator. Every
// artifact carries the same metadata envelope so it can be logged,
// referenced by id, and replayed.
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const SchemaVersion = "1.0"

type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleBuilder      Role = "builder"
	RoleVerifier     Role = "verifier"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOrchestrator, RoleBuilder, RoleVerifier:
		return true
	}
	return false
}

type ArtifactType string

const (
	TypeBuildPlan             ArtifactType = "build_plan"
	TypeBuildArtifact         ArtifactType = "build_artifact"
	TypeChecklistReceipt      ArtifactType = "checklist_receipt"
	TypeVerificationReport    ArtifactType = "verification_report"
	TypeClarificationRequest  ArtifactType = "clarification_request"
	TypeClarificationResponse ArtifactType = "clarification_response"
	TypeOrchestratorDecision  ArtifactType = "orchestrator_decision"
)

// Meta is embedded in every artifact.
type Meta struct {
	SchemaVersion  string       `json:"schema_version"`
	ArtifactID     string       `json:"artifact_id"`
	ArtifactType   ArtifactType `json:"artifact_type"`
	WaypointID     string       `json:"waypoint_id"`
	ProducedByRole Role         `json:"produced_by_role"`
	ProducedAt     time.Time    `json:"produced_at"`
	SourceRefs     []string     `json:"source_refs"`
}

// NewMeta stamps a fresh ULID and the current time.
func NewMeta(t ArtifactType, waypointID string, role Role, sourceRefs ...string) Meta {
	refs := make([]string, 0, len(sourceRefs))
	for _, r := range sourceRefs {
		if strings.TrimSpace(r) != "" {
			refs = append(refs, r)
		}
	}
	return Meta{
		SchemaVersion:  SchemaVersion,
		ArtifactID:     ulid.Make().String(),
		ArtifactType:   t,
		WaypointID:     waypointID,
		ProducedByRole: role,
		ProducedAt:     time.Now().UTC(),
		SourceRefs:     refs,
	}
}

// Validate checks the envelope fields every consumer relies on.
func (m Meta) Validate() error {
	switch {
	case strings.TrimSpace(m.SchemaVersion) == "":
		return fmt.Errorf("artifact missing schema_version")
	case strings.TrimSpace(m.ArtifactID) == "":
		return fmt.Errorf("artifact missing artifact_id")
	case strings.TrimSpace(m.WaypointID) == "":
		return fmt.Errorf("artifact %s missing waypoint_id", m.ArtifactID)
	case !m.ProducedByRole.Valid():
		return fmt.Errorf("artifact %s has invalid produced_by_role %q", m.ArtifactID, m.ProducedByRole)
	case m.ProducedAt.IsZero():
		return fmt.Errorf("artifact %s missing produced_at", m.ArtifactID)
	}
	if _, err := ulid.Parse(m.ArtifactID); err != nil {
		return fmt.Errorf("artifact id %q is not a ULID: %w", m.ArtifactID, err)
	}
	return nil
}

func (m Meta) ID() string { return m.ArtifactID }
