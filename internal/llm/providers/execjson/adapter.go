// Package execjson drives an external agent binary. The request is written
// to the agent's stdin as one JSON document; the agent answers with NDJSON
// events on stdout:
//
//	{"type":"text","text":"..."}
//	{"type":"tool_call","id":"c1","name":"shell","arguments":{...}}
//	{"type":"usage","input_tokens":1,"output_tokens":2,"cost_usd":0.01}
//	{"type":"error","message":"...","status":429,"retry_after_s":5}
//	{"type":"finish","reason":"stop"}
//
// Lines that are not JSON objects are treated as agent chatter and skipped.
package execjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kulesh/waypoints/internal/fly/procutil"
	"github.com/kulesh/waypoints/internal/llm"
)

const ProviderName = "execjson"

type Config struct {
	Command        []string
	Dir            string
	Env            map[string]string
	Timeout        time.Duration
	TerminateGrace time.Duration
}

type Adapter struct {
	cfg Config
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 5 * time.Second
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return ProviderName }

type wireEvent struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      float64         `json:"cost_usd"`
	Message      string          `json:"message"`
	Status       int             `json:"status"`
	Retryable    *bool           `json:"retryable"`
	RetryAfterS  *float64        `json:"retry_after_s"`
	Reason       string          `json:"reason"`
}

func (a *Adapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	if len(a.cfg.Command) == 0 {
		return nil, &llm.ConfigurationError{Message: "execjson: agent.command is empty"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &llm.ConfigurationError{Message: fmt.Sprintf("execjson: encode request: %v", err)}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := llm.NewChanStream(cancel)
	pr, pw := io.Pipe()
	results := make(chan procutil.Result, 1)

	go func() {
		res := procutil.Run(sctx, procutil.Spec{
			Command:        ShellJoin(a.cfg.Command),
			Dir:            a.cfg.Dir,
			Env:            envList(a.cfg.Env),
			Stdin:          body,
			Timeout:        a.cfg.Timeout,
			TerminateGrace: a.cfg.TerminateGrace,
			StdoutTee:      pw,
		})
		_ = pw.Close()
		results <- res
	}()

	go func() {
		defer s.CloseSend()
		sawError := false
		stopped := false
		send := func(ev llm.StreamEvent) {
			if !stopped && !s.Send(ev) {
				stopped = true
			}
		}
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
		// The pipe is always drained so the agent never blocks on a full
		// stdout, even after the consumer went away.
		for sc.Scan() {
			if stopped || sawError {
				continue
			}
			line := strings.TrimSpace(sc.Text())
			if !strings.HasPrefix(line, "{") {
				continue
			}
			var we wireEvent
			if json.Unmarshal([]byte(line), &we) != nil {
				continue
			}
			switch we.Type {
			case "text":
				send(llm.StreamEvent{Type: llm.StreamEventTextDelta, Delta: we.Text})
			case "tool_call":
				args := we.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				send(llm.StreamEvent{Type: llm.StreamEventToolCall, ToolCall: &llm.ToolCallData{ID: we.ID, Name: we.Name, Arguments: args}})
			case "usage":
				send(llm.StreamEvent{Type: llm.StreamEventUsage, Usage: &llm.Usage{InputTokens: we.InputTokens, OutputTokens: we.OutputTokens, CostUSD: we.CostUSD}})
			case "finish":
				send(llm.StreamEvent{Type: llm.StreamEventFinish, Finish: &llm.FinishReason{Reason: we.Reason}})
			case "error":
				sawError = true
				send(llm.StreamEvent{Type: llm.StreamEventError, Err: wireError(we)})
			}
		}
		if err := sc.Err(); err != nil {
			_, _ = io.Copy(io.Discard, pr)
		}
		res := <-results
		if sawError {
			return
		}
		if err := resultError(res); err != nil {
			send(llm.StreamEvent{Type: llm.StreamEventError, Err: err})
		}
	}()
	return s, nil
}

func wireError(we wireEvent) error {
	msg := strings.TrimSpace(we.Message)
	if msg == "" {
		msg = "agent reported an error"
	}
	var retryAfter *time.Duration
	if we.RetryAfterS != nil && *we.RetryAfterS >= 0 {
		d := time.Duration(*we.RetryAfterS * float64(time.Second))
		retryAfter = &d
	}
	if we.Status > 0 {
		return llm.ErrorFromHTTPStatus(ProviderName, we.Status, msg, retryAfter)
	}
	retryable := false
	if we.Retryable != nil {
		retryable = *we.Retryable
	}
	return llm.NewAgentError(ProviderName, msg, 0, retryable)
}

func resultError(res procutil.Result) error {
	switch {
	case res.Canceled:
		return llm.NewAgentError(ProviderName, "agent interrupted", res.ExitCode, false)
	case res.TimedOut:
		return llm.NewRequestTimeoutError(ProviderName, fmt.Sprintf("agent exceeded %s", res.Duration.Round(time.Millisecond)))
	case res.StartError != nil:
		return llm.NewAgentError(ProviderName, "spawn failed: "+res.StartError.Error(), res.ExitCode, true)
	case res.ExitCode == 127:
		return llm.NewAgentError(ProviderName, "agent binary not found: "+tail(res.Stderr, 400), res.ExitCode, true)
	case res.ExitCode != 0:
		return llm.NewAgentError(ProviderName, tail(res.Stderr, 2000), res.ExitCode, false)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func envList(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

// ShellJoin quotes argv for `sh -c`.
func ShellJoin(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
