package intervention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/fly/runtime"
	"github.com/kulesh/waypoints/internal/logging"
)

var ErrNotFound = errors.New("intervention not found")

const responseSuffix = ".response.json"

// Dir is where interventions and their responses live.
func Dir(stateDir string) string { return filepath.Join(stateDir, "interventions") }

func recordPath(dir, id string) string   { return filepath.Join(dir, id+".json") }
func responsePath(dir, id string) string { return filepath.Join(dir, id+responseSuffix) }

// Manager opens interventions and waits for their resolution.
type Manager struct {
	dir      string
	resolver Resolver
	bus      *events.Bus
	log      *logging.Logger
	now      func() time.Time
}

func NewManager(stateDir string, r Resolver, bus *events.Bus, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NopLogger()
	}
	if r == nil {
		r = PolicyResolver{OnEscalation: "stop"}
	}
	return &Manager{dir: Dir(stateDir), resolver: r, bus: bus, log: log.WithPhase("intervention"), now: time.Now}
}

func (m *Manager) Dir() string { return m.dir }

// Open records a new intervention for the escalated decision and announces it.
func (m *Manager) Open(wp *plan.Waypoint, attempt int, dec protocol.OrchestratorDecision, summary string, details map[string]any) (Intervention, error) {
	cats, _ := details[CtxFailedCategories].([]string)
	errText, _ := details[CtxError].(string)
	t := Classify(dec.ReasonCode, cats, errText)
	iv := Intervention{
		ID:              "IV-" + ulid.Make().String(),
		Type:            t,
		WaypointID:      wp.ID,
		WaypointTitle:   wp.Title,
		Attempt:         attempt,
		DecisionID:      dec.ArtifactID,
		ReasonCode:      dec.ReasonCode,
		Summary:         strings.TrimSpace(summary),
		Context:         details,
		SuggestedAction: SuggestedAction(t),
		CreatedAt:       m.now().UTC(),
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return iv, fmt.Errorf("create interventions dir: %w", err)
	}
	if err := runtime.WriteJSONAtomic(recordPath(m.dir, iv.ID), iv); err != nil {
		return iv, fmt.Errorf("persist intervention: %w", err)
	}
	m.log.Warn("intervention opened", "intervention_id", iv.ID, "type", string(t), "waypoint_id", wp.ID, "reason", dec.ReasonCode)
	m.bus.Publish(events.New(events.Warning, map[string]any{
		"message":          fmt.Sprintf("waypoint %s needs intervention: %s", wp.ID, t),
		"intervention_id":  iv.ID,
		"intervention":     string(t),
		"reason_code":      dec.ReasonCode,
		"suggested_action": string(iv.SuggestedAction),
	}).ForWaypoint(wp.ID, attempt).CausedBy(dec.ArtifactID))
	return iv, nil
}

// Await blocks until the resolver answers with a valid response or ctx ends.
// The resolved record is written back next to the original.
func (m *Manager) Await(ctx context.Context, iv Intervention) (Response, error) {
	resp, err := m.resolver.Resolve(ctx, iv)
	if err != nil {
		return Response{}, err
	}
	if err := resp.Validate(); err != nil {
		return Response{}, err
	}
	m.settle(iv, resp)
	return resp, nil
}

// Resume settles an intervention left pending by an earlier run. An answer
// already written next to it wins; otherwise the resolver is asked again.
func (m *Manager) Resume(ctx context.Context, iv Intervention) (Response, error) {
	var resp Response
	err := runtime.ReadJSON(responsePath(m.dir, iv.ID), &resp)
	if errors.Is(err, os.ErrNotExist) {
		return m.Await(ctx, iv)
	}
	if err != nil {
		return Response{}, fmt.Errorf("read response for %s: %w", iv.ID, err)
	}
	if err := resp.Validate(); err != nil {
		return Response{}, err
	}
	if resp.ResolvedBy == "" {
		resp.ResolvedBy = "file"
	}
	m.settle(iv, resp)
	return resp, nil
}

func (m *Manager) settle(iv Intervention, resp Response) {
	at := m.now().UTC()
	iv.ResolvedAt = &at
	iv.Response = &resp
	if err := runtime.WriteJSONAtomic(recordPath(m.dir, iv.ID), iv); err != nil {
		m.log.Warn("persist resolved intervention failed", "intervention_id", iv.ID, "error", err)
	}
	m.log.Info("intervention resolved", "intervention_id", iv.ID, "action", string(resp.Action), "by", resp.ResolvedBy)
}

// Load reads one intervention record.
func Load(stateDir, id string) (Intervention, error) {
	var iv Intervention
	err := runtime.ReadJSON(recordPath(Dir(stateDir), id), &iv)
	if errors.Is(err, os.ErrNotExist) {
		return iv, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return iv, err
}

// List returns all recorded interventions, oldest first.
func List(stateDir string) ([]Intervention, error) {
	dir := Dir(stateDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Intervention
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, responseSuffix) {
			continue
		}
		var iv Intervention
		if err := runtime.ReadJSON(filepath.Join(dir, name), &iv); err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Pending filters List to unresolved interventions.
func Pending(stateDir string) ([]Intervention, error) {
	all, err := List(stateDir)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, iv := range all {
		if !iv.Resolved() {
			out = append(out, iv)
		}
	}
	return out, nil
}

// PendingFor returns the newest unresolved intervention for a waypoint.
func PendingFor(stateDir, waypointID string) (Intervention, bool, error) {
	pending, err := Pending(stateDir)
	if err != nil {
		return Intervention{}, false, err
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if pending[i].WaypointID == waypointID {
			return pending[i], true, nil
		}
	}
	return Intervention{}, false, nil
}

// WriteResponse answers a pending intervention out of process. A running
// engine with a FileResolver picks it up.
func WriteResponse(stateDir, id string, resp Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	iv, err := Load(stateDir, id)
	if err != nil {
		return err
	}
	if iv.Resolved() {
		return fmt.Errorf("intervention %s already resolved with %s", id, iv.Response.Action)
	}
	return runtime.WriteJSONAtomic(responsePath(Dir(stateDir), id), resp)
}
