package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kulesh/waypoints/internal/fly/budget"
	"github.com/kulesh/waypoints/internal/fly/cmdrun"
	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/fly/workspace"
	"github.com/kulesh/waypoints/internal/llm"
)

type TruncationStrategy string

const (
	TruncHeadTail TruncationStrategy = "head_tail"
	TruncTail     TruncationStrategy = "tail"
)

type OutputLimit struct {
	MaxChars int
	Strategy TruncationStrategy
}

// ToolResult is one executed call. Output is what the agent sees;
// FullOutput goes to the execution log.
type ToolResult struct {
	ToolName   string
	CallID     string
	Output     string
	FullOutput string
	IsError    bool
	// Malformed is set for unknown tools and argument decode or schema
	// failures.
	Malformed bool
	Command   *protocol.CommandRecord
}

// toolEnv is what a tool executes against during one build attempt.
type toolEnv struct {
	ws           *workspace.Workspace
	runner       *cmdrun.Runner
	dir          string
	shellTimeout time.Duration
	guard        *shellGuard
}

type Tool struct {
	Definition llm.ToolDefinition
	Schema     *jsonschema.Schema
	Exec       func(ctx context.Context, env *toolEnv, args map[string]any) (string, *protocol.CommandRecord, error)
	Limit      OutputLimit
}

type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	maxChars int
}

// NewToolRegistry registers the builder tool set. maxChars > 0 overrides
// every per-tool output cap.
func NewToolRegistry(maxChars int) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: map[string]Tool{}, maxChars: maxChars}
	for _, t := range coreTools() {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ToolRegistry) Register(t Tool) error {
	if err := llm.ValidateToolName(t.Definition.Name); err != nil {
		return err
	}
	if t.Exec == nil {
		return fmt.Errorf("tool %s missing executor", t.Definition.Name)
	}
	if t.Limit.MaxChars == 0 {
		t.Limit = defaultLimit(t.Definition.Name)
	}
	if r.maxChars > 0 {
		t.Limit.MaxChars = r.maxChars
	}
	if t.Schema == nil {
		s, err := compileSchema(t.Definition.Name, t.Definition.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s schema: %w", t.Definition.Name, err)
		}
		t.Schema = s
	}
	r.mu.Lock()
	r.tools[t.Definition.Name] = t
	r.mu.Unlock()
	return nil
}

// Definitions are sorted so prompts are stable across runs.
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *ToolRegistry) Execute(ctx context.Context, env *toolEnv, call llm.ToolCallData) ToolResult {
	callID := call.ID
	if strings.TrimSpace(callID) == "" {
		callID = "call_" + shortHash(call.Arguments)
	}
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		res := truncate(call.Name, callID, fmt.Sprintf("unknown tool: %s", call.Name), true, defaultLimit(call.Name))
		res.Malformed = true
		return res
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			res := truncate(call.Name, callID, fmt.Sprintf("invalid tool arguments JSON: %v", err), true, t.Limit)
			res.Malformed = true
			return res
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.Schema.Validate(args); err != nil {
		res := truncate(call.Name, callID, fmt.Sprintf("tool arguments do not match schema: %v", err), true, t.Limit)
		res.Malformed = true
		return res
	}

	out, rec, err := t.Exec(ctx, env, args)
	if err != nil {
		if strings.TrimSpace(out) == "" {
			out = err.Error()
		}
		res := truncate(call.Name, callID, out, true, t.Limit)
		res.Command = rec
		return res
	}
	res := truncate(call.Name, callID, out, false, t.Limit)
	res.Command = rec
	return res
}

func truncate(name, callID, full string, isErr bool, lim OutputLimit) ToolResult {
	return ToolResult{
		ToolName:   name,
		CallID:     callID,
		Output:     TruncateChars(full, lim.MaxChars, lim.Strategy),
		FullOutput: full,
		IsError:    isErr,
	}
}

// TruncateChars caps s at max characters. head_tail keeps both ends and
// marks the omitted middle; tail keeps the end.
func TruncateChars(s string, max int, strat TruncationStrategy) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if strat == TruncTail {
		tail := runeFloor(s, len(s)-max)
		return fmt.Sprintf("[output truncated: first %d characters omitted; full output is in the execution log]\n", utf8.RuneCountInString(s[:tail])) + s[tail:]
	}
	head := runeFloor(s, max/2)
	tail := runeCeil(s, len(s)-(max-max/2))
	return s[:head] +
		fmt.Sprintf("\n\n[... %d characters omitted; full output is in the execution log. Re-run with narrower parameters to see more ...]\n\n", utf8.RuneCountInString(s[head:tail])) +
		s[tail:]
}

// runeFloor moves i back to the start of the rune it falls in.
func runeFloor(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil moves i forward to the next rune start.
func runeCeil(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

func defaultLimit(name string) OutputLimit {
	switch name {
	case "read_file":
		return OutputLimit{MaxChars: 40_000, Strategy: TruncHeadTail}
	case "shell":
		return OutputLimit{MaxChars: 24_000, Strategy: TruncHeadTail}
	case "grep", "glob":
		return OutputLimit{MaxChars: 16_000, Strategy: TruncTail}
	case "edit_file", "write_file":
		return OutputLimit{MaxChars: 2_000, Strategy: TruncTail}
	default:
		return OutputLimit{MaxChars: 16_000, Strategy: TruncHeadTail}
	}
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func shortHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func intArg(args map[string]any, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

func strArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func object(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             required,
	}
}

func coreTools() []Tool {
	str := map[string]any{"type": "string"}
	integer := map[string]any{"type": "integer"}
	boolean := map[string]any{"type": "boolean"}
	return []Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "read_file",
				Description: "Read a workspace file. Returns line-numbered content; offset is 1-based.",
				Parameters:  object([]string{"file_path"}, map[string]any{"file_path": str, "offset": integer, "limit": integer}),
			},
			Exec: func(ctx context.Context, env *toolEnv, args map[string]any) (string, *protocol.CommandRecord, error) {
				out, err := env.ws.ReadFile(strArg(args, "file_path"), intArg(args, "offset"), intArg(args, "limit"))
				return out, nil, err
			},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "write_file",
				Description: "Create or overwrite a workspace file, creating parent directories.",
				Parameters:  object([]string{"file_path", "content"}, map[string]any{"file_path": str, "content": str}),
			},
			Exec: func(ctx context.Context, env *toolEnv, args map[string]any) (string, *protocol.CommandRecord, error) {
				out, err := env.ws.WriteFile(strArg(args, "file_path"), strArg(args, "content"))
				return out, nil, err
			},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "edit_file",
				Description: "Replace an exact string in a workspace file. old_string must be unique unless replace_all is set.",
				Parameters: object([]string{"file_path", "old_string", "new_string"}, map[string]any{
					"file_path": str, "old_string": str, "new_string": str, "replace_all": boolean,
				}),
			},
			Exec: func(ctx context.Context, env *toolEnv, args map[string]any) (string, *protocol.CommandRecord, error) {
				out, err := env.ws.EditFile(strArg(args, "file_path"), strArg(args, "old_string"), strArg(args, "new_string"), boolArg(args, "replace_all"))
				return out, nil, err
			},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "shell",
				Description: "Run a shell command in the project root. Returns stdout, stderr and exit code.",
				Parameters:  object([]string{"command"}, map[string]any{"command": str, "timeout_ms": integer, "description": str}),
			},
			Exec: execShell,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "grep",
				Description: "Search file contents with a regular expression.",
				Parameters: object([]string{"pattern"}, map[string]any{
					"pattern": str, "path": str, "glob_filter": str, "case_insensitive": boolean, "max_results": integer,
				}),
			},
			Exec: func(ctx context.Context, env *toolEnv, args map[string]any) (string, *protocol.CommandRecord, error) {
				matches, err := env.ws.Grep(strArg(args, "pattern"), strArg(args, "path"), strArg(args, "glob_filter"), boolArg(args, "case_insensitive"), intArg(args, "max_results"))
				if err != nil {
					return "", nil, err
				}
				if len(matches) == 0 {
					return "no matches", nil, nil
				}
				var b strings.Builder
				for _, m := range matches {
					b.WriteString(m.String())
					b.WriteByte('\n')
				}
				return b.String(), nil, nil
			},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "glob",
				Description: "List files matching a glob pattern (supports **).",
				Parameters:  object([]string{"pattern"}, map[string]any{"pattern": str, "path": str}),
			},
			Exec: func(ctx context.Context, env *toolEnv, args map[string]any) (string, *protocol.CommandRecord, error) {
				files, err := env.ws.Glob(strArg(args, "pattern"), strArg(args, "path"))
				if err != nil {
					return "", nil, err
				}
				if len(files) == 0 {
					return "no files matched", nil, nil
				}
				return strings.Join(files, "\n") + "\n", nil, nil
			},
		},
	}
}

func execShell(ctx context.Context, env *toolEnv, args map[string]any) (string, *protocol.CommandRecord, error) {
	command := strArg(args, "command")
	if strings.TrimSpace(command) == "" {
		return "", nil, fmt.Errorf("command must not be empty")
	}
	requested := env.shellTimeout
	if ms := intArg(args, "timeout_ms"); ms > 0 {
		requested = time.Duration(ms) * time.Millisecond
	}
	var before fingerprint
	if env.guard != nil {
		before = env.guard.snapshot()
	}
	out := env.runner.Run(ctx, cmdrun.Command{
		Domain:    budget.DomainToolShell,
		Command:   command,
		Dir:       env.dir,
		Requested: requested,
	})
	var protected []string
	if env.guard != nil {
		protected = changed(before, env.guard.snapshot())
		env.guard.record(protected)
	}
	rec := &protocol.CommandRecord{
		Command:    command,
		ExitCode:   out.ExitCode,
		DurationMS: out.Duration.Milliseconds(),
		TimedOut:   out.TimedOut,
	}
	var b strings.Builder
	for _, s := range []string{out.Stdout, out.Stderr} {
		if strings.TrimSpace(s) == "" {
			continue
		}
		b.WriteString(s)
		if !strings.HasSuffix(s, "\n") {
			b.WriteByte('\n')
		}
	}
	if out.TimedOut {
		fmt.Fprintf(&b, "[command timed out; partial output above. Set timeout_ms for a longer limit]\n")
	}
	fmt.Fprintf(&b, "exit_code=%d duration_ms=%d timed_out=%t\n", out.ExitCode, out.Duration.Milliseconds(), out.TimedOut)
	if len(protected) > 0 {
		fmt.Fprintf(&b, "[denied: the command changed protected paths %s]\n", strings.Join(protected, ", "))
		return b.String(), rec, fmt.Errorf("command changed protected paths: %s", strings.Join(protected, ", "))
	}
	if out.ExitCode != 0 {
		return b.String(), rec, fmt.Errorf("command exited %d", out.ExitCode)
	}
	return b.String(), rec, nil
}
