package llm

import (
	"context"
	"strings"
	"sync"
)

type StreamEventType string

const (
	StreamEventTextDelta StreamEventType = "text_delta"
	StreamEventToolCall  StreamEventType = "tool_call"
	StreamEventUsage     StreamEventType = "usage"
	StreamEventFinish    StreamEventType = "finish"
	StreamEventError     StreamEventType = "error"
)

type StreamEvent struct {
	Type     StreamEventType
	Delta    string
	ToolCall *ToolCallData
	Usage    *Usage
	Finish   *FinishReason
	Err      error
}

type Stream interface {
	Events() <-chan StreamEvent
	Close() error
}

// ChanStream is a Stream fed by a producer goroutine.
type ChanStream struct {
	ch     chan StreamEvent
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func NewChanStream(cancel context.CancelFunc) *ChanStream {
	return &ChanStream{ch: make(chan StreamEvent, 64), cancel: cancel, done: make(chan struct{})}
}

// Send delivers ev unless the consumer already closed the stream.
func (s *ChanStream) Send(ev StreamEvent) bool {
	select {
	case <-s.done:
		return false
	case s.ch <- ev:
		return true
	}
}

// CloseSend is called by the producer when it has nothing more to send.
func (s *ChanStream) CloseSend() { close(s.ch) }

func (s *ChanStream) Events() <-chan StreamEvent { return s.ch }

func (s *ChanStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

// Collect drains a stream into a Response. onDelta, if set, sees text as it
// arrives. The first error event ends collection.
func Collect(ctx context.Context, st Stream, onDelta func(string)) (Response, error) {
	defer st.Close()
	var text strings.Builder
	resp := Response{Message: Message{Role: RoleAssistant}}
	for {
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case ev, ok := <-st.Events():
			if !ok {
				resp.Message.Text = text.String()
				return resp, nil
			}
			switch ev.Type {
			case StreamEventTextDelta:
				text.WriteString(ev.Delta)
				if onDelta != nil {
					onDelta(ev.Delta)
				}
			case StreamEventToolCall:
				if ev.ToolCall != nil {
					resp.Message.ToolCalls = append(resp.Message.ToolCalls, *ev.ToolCall)
				}
			case StreamEventUsage:
				if ev.Usage != nil {
					resp.Usage.Add(*ev.Usage)
				}
			case StreamEventFinish:
				if ev.Finish != nil {
					resp.Finish = *ev.Finish
				}
			case StreamEventError:
				resp.Message.Text = text.String()
				return resp, ev.Err
			}
		}
	}
}
