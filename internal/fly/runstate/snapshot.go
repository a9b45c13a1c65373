// Package runstate reads the durable files of a project's state directory
// into a compact snapshot for `waypoints status` and the HTTP surface.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/fly/intervention"
	"github.com/kulesh/waypoints/internal/fly/journey"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/procutil"
	"github.com/kulesh/waypoints/internal/fly/runtime"
)

// File names shared with the engine.
const (
	PlanFile     = "flight-plan.jsonl"
	JourneyFile  = "journey.json"
	RunDir       = "run"
	PIDFile      = "run.pid"
	SummaryFile  = "summary.json"
	ProgressFile = "progress.ndjson"
)

type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	StateLanded  State = "landed"
	StatePaused  State = "paused"
	StateFail    State = "fail"
)

type Snapshot struct {
	StateDir string `json:"state_dir"`
	State    State  `json:"state"`
	RunID    string `json:"run_id,omitempty"`

	JourneyState string           `json:"journey_state,omitempty"`
	Plan         *plan.Completion `json:"plan,omitempty"`

	CurrentWaypoint string    `json:"current_waypoint,omitempty"`
	LastEvent       string    `json:"last_event,omitempty"`
	LastEventAt     time.Time `json:"last_event_at,omitempty"`

	PID      int  `json:"pid,omitempty"`
	PIDAlive bool `json:"pid_alive"`

	Summary              *runtime.Final `json:"summary,omitempty"`
	PendingInterventions []string       `json:"pending_interventions,omitempty"`
}

func RunPath(stateDir string, elems ...string) string {
	return filepath.Join(append([]string{stateDir, RunDir}, elems...)...)
}

// Load reads every state file that exists. Missing files leave their fields
// empty; unreadable ones are errors.
func Load(stateDir string) (*Snapshot, error) {
	dir := strings.TrimSpace(stateDir)
	if dir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	s := &Snapshot{StateDir: dir, State: StateUnknown}

	if err := applyPIDFile(s); err != nil {
		return nil, err
	}
	if err := applySummary(s); err != nil {
		return nil, err
	}
	if err := applyJourney(s); err != nil {
		return nil, err
	}
	if err := applyPlan(s); err != nil {
		return nil, err
	}
	if err := applyLastEvent(s); err != nil {
		return nil, err
	}
	pending, err := intervention.Pending(dir)
	if err != nil {
		return nil, err
	}
	for _, iv := range pending {
		s.PendingInterventions = append(s.PendingInterventions, iv.ID)
	}

	// A live pid wins over a summary left behind by an earlier run.
	if s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

func applySummary(s *Snapshot) error {
	f, err := runtime.LoadFinal(RunPath(s.StateDir, SummaryFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	s.Summary = f
	s.RunID = f.RunID
	switch f.Status {
	case runtime.FinalLanded:
		s.State = StateLanded
	case runtime.FinalPaused:
		s.State = StatePaused
	case runtime.FinalFail:
		s.State = StateFail
	}
	return nil
}

func applyJourney(s *Snapshot) error {
	var j journey.Journey
	err := runtime.ReadJSON(filepath.Join(s.StateDir, JourneyFile), &j)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	s.JourneyState = string(j.State)
	return nil
}

func applyPlan(s *Snapshot) error {
	p, err := plan.Load(filepath.Join(s.StateDir, PlanFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	c := plan.CompletionStatus(p)
	s.Plan = &c
	for _, w := range p.Waypoints {
		if w.Status == plan.StatusInProgress {
			s.CurrentWaypoint = w.ID
			break
		}
	}
	return nil
}

func applyLastEvent(s *Snapshot) error {
	ev, found, err := readLastEvent(RunPath(s.StateDir, ProgressFile))
	if err != nil || !found {
		return err
	}
	s.LastEvent = string(ev.Type)
	s.LastEventAt = ev.TS
	if s.RunID == "" {
		s.RunID = ev.RunID
	}
	if s.CurrentWaypoint == "" {
		s.CurrentWaypoint = ev.WaypointID
	}
	return nil
}

func applyPIDFile(s *Snapshot) error {
	path := RunPath(s.StateDir, PIDFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = procutil.PIDAlive(pid)
	return nil
}

// readLastEvent returns the last decodable event. A torn trailing line from
// a live writer is skipped.
func readLastEvent(path string) (events.Event, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return events.Event{}, false, nil
		}
		return events.Event{}, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	var last events.Event
	found := false
	for sc.Scan() {
		var ev events.Event
		if json.Unmarshal(sc.Bytes(), &ev) == nil && ev.ID != "" {
			last, found = ev, true
		}
	}
	if err := sc.Err(); err != nil {
		return events.Event{}, false, err
	}
	return last, found, nil
}

// WritePID records the current process as the owner of the state dir. It
// refuses when another live process already holds it.
func WritePID(stateDir string) error {
	path := RunPath(stateDir, PIDFile)
	if b, err := os.ReadFile(path); err == nil {
		if pid, _ := strconv.Atoi(strings.TrimSpace(string(b))); pid > 0 && pid != os.Getpid() && procutil.PIDAlive(pid) {
			return fmt.Errorf("another run (pid %d) owns %s", pid, stateDir)
		}
	}
	return runtime.WriteFileAtomic(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// RemovePID deletes the pid file if it still names this process.
func RemovePID(stateDir string) error {
	path := RunPath(stateDir, PIDFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid, _ := strconv.Atoi(strings.TrimSpace(string(b))); pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}
