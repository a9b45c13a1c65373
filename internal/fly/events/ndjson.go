package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// NDJSONSink appends one JSON event per line to a file.
type NDJSONSink struct {
	mu   sync.Mutex
	f    *os.File
	err  error
	path string
}

func OpenNDJSON(path string) (*NDJSONSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &NDJSONSink{f: f, path: path}, nil
}

func (s *NDJSONSink) Path() string { return s.path }

// Send never returns an error to the publisher; the first write failure is
// kept and reported by Err and Close.
func (s *NDJSONSink) Send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil || s.err != nil {
		return
	}
	line := append(ev.JSON(), '\n')
	if _, err := s.f.Write(line); err != nil {
		s.err = err
	}
}

func (s *NDJSONSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return s.err
	}
	err := s.f.Close()
	s.f = nil
	if s.err != nil {
		return s.err
	}
	return err
}

// ReadNDJSON loads every decodable event from path. Torn trailing lines are
// skipped.
func ReadNDJSON(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var ev Event
		if json.Unmarshal(sc.Bytes(), &ev) == nil && ev.ID != "" {
			out = append(out, ev)
		}
	}
	return out, sc.Err()
}
