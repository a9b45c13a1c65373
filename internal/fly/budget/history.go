package budget

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const DefaultMaxSamples = 20

// keyStats is the persisted form of one command's history.
type keyStats struct {
	Durations []float64 `msgpack:"d"`
	Runs      int       `msgpack:"r"`
	Timeouts  int       `msgpack:"t"`
}

// Stats is a read-only view of one key.
type Stats struct {
	Key         string
	Runs        int
	Timeouts    int
	Successes   int
	MaxDuration time.Duration
	P90         time.Duration
}

// History records command durations and timeouts so later runs of the same
// command can be given a budget that fits. Safe for concurrent use.
type History struct {
	mu         sync.Mutex
	maxSamples int
	keys       map[string]*keyStats
}

func NewHistory(maxSamples int) *History {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &History{maxSamples: maxSamples, keys: map[string]*keyStats{}}
}

// CommandKey normalizes whitespace so cosmetic differences share history.
func CommandKey(d Domain, category, cwd, command string) string {
	if category == "" {
		category = "-"
	}
	if cwd == "" {
		cwd = "-"
	}
	return fmt.Sprintf("%s|%s|%s|%s", d, category, cwd, strings.Join(strings.Fields(command), " "))
}

func (h *History) Record(key string, dur time.Duration, timedOut bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.keys[key]
	if s == nil {
		s = &keyStats{}
		h.keys[key] = s
	}
	s.Runs++
	if dur < 0 {
		dur = 0
	}
	s.Durations = append(s.Durations, dur.Seconds())
	if over := len(s.Durations) - h.maxSamples; over > 0 {
		s.Durations = append([]float64(nil), s.Durations[over:]...)
	}
	if timedOut {
		s.Timeouts++
	}
}

// Recommended keeps headroom above the slowest observed run, widening it as
// the timeout rate grows: max(fallback, min(max*(1.5+min(rate,0.5)), ceiling)).
func (h *History) Recommended(key string, fallback, ceiling time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.keys[key]
	if s == nil || len(s.Durations) == 0 {
		return fallback
	}
	observed := 0.0
	for _, d := range s.Durations {
		if d > observed {
			observed = d
		}
	}
	rate := 0.0
	if s.Runs > 0 {
		rate = float64(s.Timeouts) / float64(s.Runs)
	}
	if rate > 0.5 {
		rate = 0.5
	}
	rec := time.Duration(observed * (1.5 + rate) * float64(time.Second))
	if ceiling > 0 && rec > ceiling {
		rec = ceiling
	}
	if rec < fallback {
		return fallback
	}
	return rec
}

func (h *History) Snapshot(key string) Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{Key: key}
	s := h.keys[key]
	if s == nil {
		return st
	}
	st.Runs, st.Timeouts = s.Runs, s.Timeouts
	st.Successes = s.Runs - s.Timeouts
	if st.Successes < 0 {
		st.Successes = 0
	}
	if len(s.Durations) == 0 {
		return st
	}
	sorted := append([]float64(nil), s.Durations...)
	sort.Float64s(sorted)
	st.MaxDuration = time.Duration(sorted[len(sorted)-1] * float64(time.Second))
	st.P90 = time.Duration(sorted[int(float64(len(sorted)-1)*0.9)] * float64(time.Second))
	return st
}

// Save writes the history as msgpack. Used to carry adaptive budgets across
// runs of the same project.
func (h *History) Save(path string) error {
	h.mu.Lock()
	b, err := msgpack.Marshal(h.keys)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadHistory reads a saved history. A missing file yields an empty one.
func LoadHistory(path string, maxSamples int) (*History, error) {
	h := NewHistory(maxSamples)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(b, &h.keys); err != nil {
		return nil, fmt.Errorf("decode timeout history %s: %w", path, err)
	}
	if h.keys == nil {
		h.keys = map[string]*keyStats{}
	}
	for _, s := range h.keys {
		if over := len(s.Durations) - h.maxSamples; over > 0 {
			s.Durations = s.Durations[over:]
		}
	}
	return h, nil
}
