package llm

import (
	"context"
	"errors"
	"testing"
)

type scriptedAdapter struct {
	name   string
	events []StreamEvent
	got    []Request
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	a.got = append(a.got, req)
	_, cancel := context.WithCancel(ctx)
	s := NewChanStream(cancel)
	go func() {
		defer s.CloseSend()
		for _, ev := range a.events {
			s.Send(ev)
		}
	}()
	return s, nil
}

func TestClient_RoutesAndCollects(t *testing.T) {
	a := &scriptedAdapter{name: "Fake", events: []StreamEvent{
		{Type: StreamEventTextDelta, Delta: "hel"},
		{Type: StreamEventTextDelta, Delta: "lo"},
		{Type: StreamEventUsage, Usage: &Usage{InputTokens: 3, CostUSD: 0.5}},
		{Type: StreamEventUsage, Usage: &Usage{OutputTokens: 4, CostUSD: 0.25}},
		{Type: StreamEventFinish, Finish: &FinishReason{Reason: "stop"}},
	}}
	c := NewClient(a)
	resp, err := c.Complete(context.Background(), Request{Model: "m", Messages: []Message{User("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "hello" || resp.Usage.CostUSD != 0.75 || resp.Usage.OutputTokens != 4 {
		t.Fatalf("resp: %+v", resp)
	}
	if resp.Provider != "fake" || a.got[0].Provider != "fake" {
		t.Fatalf("provider routing: %q %q", resp.Provider, a.got[0].Provider)
	}
}

func TestClient_Errors(t *testing.T) {
	c := NewClient()
	if _, err := c.Stream(context.Background(), Request{Messages: []Message{User("x")}}); err == nil {
		t.Fatalf("expected no-provider error")
	}
	c.Register(&scriptedAdapter{name: "a"})
	if _, err := c.Stream(context.Background(), Request{Provider: "b", Messages: []Message{User("x")}}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	if _, err := c.Stream(context.Background(), Request{}); err == nil {
		t.Fatalf("expected empty request error")
	}
	bad := Request{Messages: []Message{User("x")}, Tools: []ToolDefinition{{Name: "9bad"}}}
	var ce *ConfigurationError
	if _, err := c.Stream(context.Background(), bad); !errors.As(err, &ce) {
		t.Fatalf("expected configuration error for tool name, got %v", err)
	}
}

func TestCollect_StopsOnError(t *testing.T) {
	boom := NewAgentError("fake", "boom", 1, false)
	a := &scriptedAdapter{name: "fake", events: []StreamEvent{
		{Type: StreamEventTextDelta, Delta: "partial"},
		{Type: StreamEventError, Err: boom},
		{Type: StreamEventTextDelta, Delta: "never"},
	}}
	resp, err := NewClient(a).Complete(context.Background(), Request{Messages: []Message{User("x")}})
	if !errors.Is(err, boom) {
		t.Fatalf("err: %v", err)
	}
	if resp.Text() != "partial" {
		t.Fatalf("partial text: %q", resp.Text())
	}
}
