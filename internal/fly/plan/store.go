package plan

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/kulesh/waypoints/internal/fly/runtime"
)

const (
	schemaName    = "flight_plan"
	schemaVersion = "1.0"
)

type header struct {
	Schema    string    `json:"_schema"`
	Version   string    `json:"_version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Load reads a flight-plan.jsonl file: an optional header line followed by
// one waypoint object per line.
func Load(path string) (*FlightPlan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

func Decode(r io.Reader) (*FlightPlan, error) {
	p := &FlightPlan{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, fmt.Errorf("flight plan line %d: %w", lineNo, err)
		}
		if _, hasID := probe["id"]; !hasID {
			if _, hasCreated := probe["created_at"]; hasCreated && len(p.Waypoints) == 0 {
				var h header
				if err := json.Unmarshal(line, &h); err != nil {
					return nil, fmt.Errorf("flight plan header: %w", err)
				}
				if h.Schema != "" && h.Schema != schemaName {
					return nil, fmt.Errorf("flight plan header: unexpected schema %q", h.Schema)
				}
				p.CreatedAt, p.UpdatedAt = h.CreatedAt, h.UpdatedAt
				continue
			}
			return nil, fmt.Errorf("flight plan line %d: waypoint has no id", lineNo)
		}
		var w Waypoint
		if err := json.Unmarshal(line, &w); err != nil {
			return nil, fmt.Errorf("flight plan line %d: %w", lineNo, err)
		}
		if err := w.normalize(); err != nil {
			return nil, fmt.Errorf("flight plan line %d: %w", lineNo, err)
		}
		p.Waypoints = append(p.Waypoints, &w)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode writes the header and waypoint lines.
func (p *FlightPlan) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(header{Schema: schemaName, Version: schemaVersion, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt}); err != nil {
		return err
	}
	for _, wp := range p.Waypoints {
		if err := enc.Encode(wp); err != nil {
			return err
		}
	}
	return nil
}

// Save rewrites path atomically.
func (p *FlightPlan) Save(path string) error {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return err
	}
	return runtime.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

type yamlPlan struct {
	Waypoints []Waypoint `yaml:"waypoints"`
}

// LoadYAML imports a hand-authored plan. Unknown keys are rejected.
func LoadYAML(path string) (*FlightPlan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var yp yamlPlan
	if err := dec.Decode(&yp); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range yp.Waypoints {
		if err := yp.Waypoints[i].normalize(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return New(yp.Waypoints...), nil
}

// LoadAny dispatches on extension: .yaml/.yml import, anything else JSONL.
func LoadAny(path string) (*FlightPlan, error) {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return LoadYAML(path)
	}
	return Load(path)
}

// Digest is a blake3 hash over the plan's structure (ids, dependencies,
// parents, objectives and criteria). Status and timestamps are excluded so
// the digest is stable across a run.
func Digest(p *FlightPlan) string {
	h := blake3.New()
	for _, w := range p.Waypoints {
		_, _ = fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", w.ID, w.ParentID, w.Title, w.Objective)
		for _, d := range w.Dependencies {
			_, _ = fmt.Fprintf(h, "d:%s\x00", d)
		}
		for _, c := range w.AcceptanceCriteria {
			_, _ = fmt.Fprintf(h, "c:%s\x00", c)
		}
		_, _ = h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
