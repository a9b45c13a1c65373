// Package llm is the provider-neutral request/stream surface the builder and
// verifier judge talk to. Adapters translate it to a concrete agent.
package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolResultData struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

type Message struct {
	Role        Role             `json:"role"`
	Text        string           `json:"text,omitempty"`
	ToolCalls   []ToolCallData   `json:"tool_calls,omitempty"`
	ToolResults []ToolResultData `json:"tool_results,omitempty"`
}

func System(text string) Message    { return Message{Role: RoleSystem, Text: text} }
func User(text string) Message      { return Message{Role: RoleUser, Text: text} }
func Assistant(text string) Message { return Message{Role: RoleAssistant, Text: text} }

func ToolResults(results ...ToolResultData) Message {
	return Message{Role: RoleTool, ToolResults: results}
}

// Chars is a rough size used for prompt budgeting.
func (m Message) Chars() int {
	n := len(m.Text)
	for _, c := range m.ToolCalls {
		n += len(c.Name) + len(c.Arguments)
	}
	for _, r := range m.ToolResults {
		n += len(r.Content)
	}
	return n
}

type Request struct {
	Provider  string            `json:"provider,omitempty"`
	Model     string            `json:"model,omitempty"`
	Messages  []Message         `json:"messages"`
	Tools     []ToolDefinition  `json:"tools,omitempty"`
	MaxTokens *int              `json:"max_tokens,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request has no messages"}
	}
	for _, t := range r.Tools {
		if err := ValidateToolName(t.Name); err != nil {
			return err
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return &ConfigurationError{Message: "max_tokens must be positive"}
	}
	return nil
}

var toolNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

func ValidateToolName(name string) error {
	if !toolNameRe.MatchString(strings.TrimSpace(name)) {
		return &ConfigurationError{Message: fmt.Sprintf("invalid tool name %q", name)}
	}
	return nil
}

type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CostUSD += o.CostUSD
}

type FinishReason struct {
	Reason string `json:"reason"`
}

type Response struct {
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Message  Message      `json:"message"`
	Finish   FinishReason `json:"finish"`
	Usage    Usage        `json:"usage"`
}

func (r Response) Text() string { return r.Message.Text }

func (r Response) ToolCalls() []ToolCallData { return r.Message.ToolCalls }
