// Package execlog records one append-only JSONL file per waypoint attempt
// under <state_dir>/attempts/<WP-ID>/<NNN>.jsonl. Existing files are never
// reopened for writing.
package execlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/fly/plan"
)

const Schema = "execution_log"
const SchemaVersion = "1.0"

type EntryType string

const (
	IterationStart       EntryType = "iteration_start"
	Output               EntryType = "output"
	ToolCall             EntryType = "tool_call"
	IterationEnd         EntryType = "iteration_end"
	StageReport          EntryType = "stage_report"
	Clarification        EntryType = "clarification"
	BuildArtifact        EntryType = "build_artifact"
	Receipt              EntryType = "receipt"
	VerificationReport   EntryType = "verification_report"
	Decision             EntryType = "decision"
	Intervention         EntryType = "intervention"
	InterventionResolved EntryType = "intervention_resolved"
	GitCommit            EntryType = "git_commit"
	Rollback             EntryType = "rollback"
	StateTransition      EntryType = "state_transition"
	SecurityViolation    EntryType = "security_violation"
	Error                EntryType = "error"
	Completion           EntryType = "completion"
)

type Header struct {
	Type               string    `json:"type"`
	Schema             string    `json:"_schema"`
	Version            string    `json:"_version"`
	ExecutionID        string    `json:"execution_id"`
	WaypointID         string    `json:"waypoint_id"`
	WaypointTitle      string    `json:"waypoint_title"`
	WaypointObjective  string    `json:"waypoint_objective"`
	AcceptanceCriteria []string  `json:"acceptance_criteria"`
	Attempt            int       `json:"attempt"`
	RunID              string    `json:"run_id,omitempty"`
	StartedAt          time.Time `json:"started_at"`
}

type Entry struct {
	Seq       int             `json:"seq"`
	ID        string          `json:"id"`
	TS        time.Time       `json:"ts"`
	Type      EntryType       `json:"type"`
	Iteration int             `json:"iteration,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("entry %d (%s) has no data", e.Seq, e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// CompletionData is the payload of the final completion line.
type CompletionData struct {
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

func AttemptsDir(stateDir, waypointID string) string {
	return filepath.Join(stateDir, "attempts", waypointID)
}

func LogPath(stateDir, waypointID string, attempt int) string {
	return filepath.Join(AttemptsDir(stateDir, waypointID), fmt.Sprintf("%03d.jsonl", attempt))
}

func ReceiptPath(stateDir, waypointID string, attempt int) string {
	return filepath.Join(AttemptsDir(stateDir, waypointID), fmt.Sprintf("%03d.receipt.json", attempt))
}

// Writer is the single writer for one attempt file.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	header  Header
	seq     int
	cost    float64
	bus     *events.Bus
	closed  bool
	lastErr error
}

// Create opens the next attempt file for wp. When another writer claims the
// same ordinal first, the next one is tried.
func Create(stateDir string, wp *plan.Waypoint, runID string, bus *events.Bus) (*Writer, error) {
	if wp == nil {
		return nil, errors.New("execlog: nil waypoint")
	}
	dir := AttemptsDir(stateDir, wp.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attempts dir: %w", err)
	}
	attempt, err := NextAttempt(stateDir, wp.ID)
	if err != nil {
		return nil, err
	}
	for tries := 0; tries < 100; tries++ {
		path := LogPath(stateDir, wp.ID, attempt)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			attempt++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
		w := &Writer{f: f, path: path, bus: bus}
		w.header = Header{
			Type:               "header",
			Schema:             Schema,
			Version:            SchemaVersion,
			ExecutionID:        ulid.Make().String(),
			WaypointID:         wp.ID,
			WaypointTitle:      wp.Title,
			WaypointObjective:  wp.Objective,
			AcceptanceCriteria: append([]string(nil), wp.AcceptanceCriteria...),
			Attempt:            attempt,
			RunID:              runID,
			StartedAt:          time.Now().UTC(),
		}
		if err := w.writeLine(w.header); err != nil {
			_ = f.Close()
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("execlog: could not claim an attempt file for %s", wp.ID)
}

func (w *Writer) Path() string       { return w.path }
func (w *Writer) Attempt() int       { return w.header.Attempt }
func (w *Writer) WaypointID() string { return w.header.WaypointID }
func (w *Writer) ExecutionID() string {
	return w.header.ExecutionID
}

// ReceiptPath is where this attempt's receipt lives.
func (w *Writer) ReceiptPath() string {
	return strings.TrimSuffix(w.path, ".jsonl") + ".receipt.json"
}

func (w *Writer) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := w.f.Write(b); err != nil {
		return fmt.Errorf("append %s: %w", w.path, err)
	}
	return nil
}

// Append writes one typed entry. Payloads must marshal to JSON.
func (w *Writer) Append(t EntryType, iteration int, payload any) (Entry, error) {
	if w == nil {
		return Entry{}, nil
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Entry{}, fmt.Errorf("encode %s entry: %w", t, err)
		}
		raw = b
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return Entry{}, fmt.Errorf("execlog: %s is closed", w.path)
	}
	w.seq++
	e := Entry{Seq: w.seq, ID: ulid.Make().String(), TS: time.Now().UTC(), Type: t, Iteration: iteration, Data: raw}
	err := w.writeLine(e)
	if err != nil {
		w.lastErr = err
	}
	w.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}
	w.publish(e)
	return e, nil
}

func (w *Writer) publish(e Entry) {
	if w.bus == nil {
		return
	}
	data := map[string]any{"entry_type": string(e.Type), "seq": e.Seq, "entry_id": e.ID, "path": w.path}
	if e.Iteration > 0 {
		data["iteration"] = e.Iteration
	}
	if len(e.Data) > 0 {
		data["payload"] = e.Data
	}
	w.bus.Publish(events.New(events.ExecutionLogEntry, data).ForWaypoint(w.header.WaypointID, w.header.Attempt))
}

// Log is a convenience wrapper that drops the error; failures are kept and
// surfaced by Close.
func (w *Writer) Log(t EntryType, iteration int, payload any) {
	_, _ = w.Append(t, iteration, payload)
}

func (w *Writer) AddCost(usd float64) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.cost += usd
	w.mu.Unlock()
}

// Complete writes the completion line with the accumulated cost.
func (w *Writer) Complete(result string) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	cost := w.cost
	w.mu.Unlock()
	_, err := w.Append(Completion, 0, CompletionData{Result: result, TotalCostUSD: cost})
	return err
}

func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Sync(); err != nil && w.lastErr == nil {
		w.lastErr = err
	}
	if err := w.f.Close(); err != nil && w.lastErr == nil {
		w.lastErr = err
	}
	return w.lastErr
}

// Log is a replayed attempt file.
type Log struct {
	Path         string
	Header       Header
	Entries      []Entry
	Result       string
	TotalCostUSD float64
	CompletedAt  time.Time
}

func (l *Log) Completed() bool { return !l.CompletedAt.IsZero() }

func (l *Log) Filter(t EntryType) []Entry {
	var out []Entry
	for _, e := range l.Entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Load replays an attempt file. A torn final line from a crash is ignored;
// corruption elsewhere is an error.
func Load(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, []byte(line))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("execlog: %s is empty", path)
	}
	log := &Log{Path: path}
	if err := json.Unmarshal(lines[0], &log.Header); err != nil || log.Header.Type != "header" {
		return nil, fmt.Errorf("execlog: %s has no header", path)
	}
	for i, line := range lines[1:] {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			if i == len(lines)-2 {
				break
			}
			return nil, fmt.Errorf("execlog: %s line %d: %w", path, i+2, err)
		}
		if e.Type == Completion {
			var c CompletionData
			if err := e.Decode(&c); err == nil {
				log.Result = c.Result
				log.TotalCostUSD = c.TotalCostUSD
				log.CompletedAt = e.TS
			}
		}
		log.Entries = append(log.Entries, e)
	}
	return log, nil
}

// ListAttempts returns the attempt ordinals present for a waypoint, ascending.
func ListAttempts(stateDir, waypointID string) ([]int, error) {
	ents, err := os.ReadDir(AttemptsDir(stateDir, waypointID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".jsonl"))
		if err == nil && n > 0 {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

func NextAttempt(stateDir, waypointID string) (int, error) {
	all, err := ListAttempts(stateDir, waypointID)
	if err != nil {
		return 0, err
	}
	if len(all) == 0 {
		return 1, nil
	}
	return all[len(all)-1] + 1, nil
}

// LoadLatest returns nil, nil when the waypoint has no attempts.
func LoadLatest(stateDir, waypointID string) (*Log, error) {
	all, err := ListAttempts(stateDir, waypointID)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return Load(LogPath(stateDir, waypointID, all[len(all)-1]))
}
