// Package llmtest provides a scripted llm.ProviderAdapter for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kulesh/waypoints/internal/llm"
)

// Turn is one scripted agent reply. A non-nil Err is returned from Stream
// instead of a reply.
type Turn struct {
	Text  string
	Calls []llm.ToolCallData
	Usage llm.Usage
	Err   error
}

// Script replays turns in order. Once exhausted it answers with a
// non-retryable agent error, or with Then when set.
type Script struct {
	Provider string
	Turns    []Turn
	Then     func(req llm.Request) Turn

	mu       sync.Mutex
	next     int
	requests []llm.Request
}

func New(turns ...Turn) *Script { return &Script{Provider: "script", Turns: turns} }

func (s *Script) Name() string {
	if s.Provider == "" {
		return "script"
	}
	return s.Provider
}

func (s *Script) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var turn Turn
	switch {
	case s.next < len(s.Turns):
		turn = s.Turns[s.next]
		s.next++
	case s.Then != nil:
		s.mu.Unlock()
		turn = s.Then(req)
		s.mu.Lock()
	default:
		s.mu.Unlock()
		return nil, llm.NewAgentError(s.Name(), "script exhausted", 1, false)
	}
	s.mu.Unlock()
	if turn.Err != nil {
		return nil, turn.Err
	}

	_, cancel := context.WithCancel(ctx)
	st := llm.NewChanStream(cancel)
	go func() {
		defer st.CloseSend()
		if turn.Text != "" {
			st.Send(llm.StreamEvent{Type: llm.StreamEventTextDelta, Delta: turn.Text})
		}
		for i := range turn.Calls {
			c := turn.Calls[i]
			st.Send(llm.StreamEvent{Type: llm.StreamEventToolCall, ToolCall: &c})
		}
		u := turn.Usage
		st.Send(llm.StreamEvent{Type: llm.StreamEventUsage, Usage: &u})
		st.Send(llm.StreamEvent{Type: llm.StreamEventFinish, Finish: &llm.FinishReason{Reason: "stop"}})
	}()
	return st, nil
}

// Requests returns every request seen so far.
func (s *Script) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// Calls reports how many requests were served.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

var callSeq struct {
	sync.Mutex
	n int
}

// Call builds a tool call with JSON-encoded args.
func Call(name string, args any) llm.ToolCallData {
	b, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	callSeq.Lock()
	callSeq.n++
	id := fmt.Sprintf("call_%d", callSeq.n)
	callSeq.Unlock()
	return llm.ToolCallData{ID: id, Name: name, Arguments: b}
}

// Complete is a claim turn for waypointID.
func Complete(waypointID string) Turn {
	return Turn{Text: fmt.Sprintf("done\n<waypoint-complete>%s</waypoint-complete>", waypointID)}
}
