package runtime

import (
	"fmt"
	"time"
)

type FinalStatus string

const (
	// FinalLanded means every waypoint reached a terminal done state.
	FinalLanded FinalStatus = "landed"
	FinalPaused FinalStatus = "paused"
	FinalFail   FinalStatus = "fail"
)

// Final is the machine-readable record a headless run leaves behind in
// run/final.json. It doubles as the run summary printed by `waypoints fly`.
type Final struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`
	RunID     string      `json:"run_id"`

	Attempted   int     `json:"attempted"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Blocked     int     `json:"blocked"`
	Escalations int     `json:"escalations"`
	TotalCost   float64 `json:"total_cost_usd"`

	JourneyState        string `json:"final_state"`
	StoppedReason       string `json:"stopped_reason,omitempty"`
	LastCommitSHA       string `json:"last_commit_sha,omitempty"`
	PendingIntervention string `json:"pending_intervention,omitempty"`
}

func (f *Final) Save(path string) error {
	if f == nil {
		return fmt.Errorf("final outcome is nil")
	}
	return WriteJSONAtomic(path, f)
}

func LoadFinal(path string) (*Final, error) {
	var f Final
	if err := ReadJSON(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
