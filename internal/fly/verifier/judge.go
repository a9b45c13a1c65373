package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/fly/workspace"
	"github.com/kulesh/waypoints/internal/llm"
)

type JudgeRequest struct {
	Waypoint  *plan.Waypoint
	Index     int
	Criterion string
	Receipt   *protocol.ChecklistReceipt
	Files     workspace.ReadOnly
}

// JudgeVerdict is a reviewer opinion. Inspected lists files the judge
// actually read; only those count as file evidence.
type JudgeVerdict struct {
	Verdict      protocol.Verdict `json:"verdict"`
	EvidenceRefs []string         `json:"evidence_refs"`
	Note         string           `json:"note"`
	Inspected    []string         `json:"-"`
}

// Judge reviews a criterion that no host evidence maps to.
type Judge interface {
	Judge(ctx context.Context, req JudgeRequest) (JudgeVerdict, error)
}

var verdictRe = regexp.MustCompile(`(?s)<verdict>\s*(.*?)\s*</verdict>`)

const judgeContract = `You review one acceptance criterion of a finished waypoint. You cannot change files.
Use read_file, glob and grep to inspect the project. Then answer with
<verdict>{"verdict":"pass|fail|inconclusive","evidence_refs":["<checklist item or file path you read>"],"note":"..."}</verdict>.
A verdict without evidence you actually inspected is ignored.`

// AgentJudge asks an agent through llm.Client, serving read-only tools for a
// bounded number of turns.
type AgentJudge struct {
	Client   *llm.Client
	Provider string
	Model    string
	MaxTurns int
}

func (j *AgentJudge) Judge(ctx context.Context, req JudgeRequest) (JudgeVerdict, error) {
	turns := j.MaxTurns
	if turns <= 0 {
		turns = 4
	}
	msgs := []llm.Message{llm.System(judgeContract), llm.User(judgePrompt(req))}
	var inspected []string
	for turn := 0; turn < turns; turn++ {
		resp, err := j.Client.Complete(ctx, llm.Request{Provider: j.Provider, Model: j.Model, Messages: msgs, Tools: readOnlyTools()})
		if err != nil {
			return JudgeVerdict{}, err
		}
		msgs = append(msgs, resp.Message)
		if m := verdictRe.FindAllStringSubmatch(resp.Text(), -1); len(m) > 0 {
			var jv JudgeVerdict
			if err := json.Unmarshal([]byte(m[len(m)-1][1]), &jv); err != nil {
				return JudgeVerdict{}, fmt.Errorf("judge verdict: %w", err)
			}
			jv.Inspected = inspected
			return jv, nil
		}
		calls := resp.ToolCalls()
		if len(calls) == 0 {
			msgs = append(msgs, llm.User("Answer with a <verdict> block."))
			continue
		}
		results := make([]llm.ToolResultData, 0, len(calls))
		for _, c := range calls {
			out, path, err := runReadOnly(req.Files, c)
			if err != nil {
				results = append(results, llm.ToolResultData{CallID: c.ID, Content: err.Error(), IsError: true})
				continue
			}
			if path != "" {
				inspected = append(inspected, path)
			}
			results = append(results, llm.ToolResultData{CallID: c.ID, Content: out})
		}
		msgs = append(msgs, llm.ToolResults(results...))
	}
	return JudgeVerdict{Verdict: protocol.VerdictInconclusive, Note: "judge gave no verdict", Inspected: inspected}, nil
}

func judgePrompt(req JudgeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Waypoint %s: %s\n%s\n\nCriterion %d: %s\n\nHost checklist:\n", req.Waypoint.ID, req.Waypoint.Title, req.Waypoint.Objective, req.Index, req.Criterion)
	if req.Receipt != nil {
		for _, it := range req.Receipt.Checklist {
			fmt.Fprintf(&b, "- %s [%s] `%s`: %s\n", it.Item, it.Category, it.Command, it.Status)
		}
	}
	return b.String()
}

func readOnlyTools() []llm.ToolDefinition {
	str := map[string]any{"type": "string"}
	obj := func(req string, props map[string]any) map[string]any {
		return map[string]any{"type": "object", "properties": props, "required": []string{req}, "additionalProperties": false}
	}
	return []llm.ToolDefinition{
		{Name: "read_file", Description: "Read a project file.", Parameters: obj("file_path", map[string]any{"file_path": str})},
		{Name: "glob", Description: "List files matching a glob.", Parameters: obj("pattern", map[string]any{"pattern": str})},
		{Name: "grep", Description: "Search file contents.", Parameters: obj("pattern", map[string]any{"pattern": str})},
	}
}

// runReadOnly executes a judge tool call. The returned path is set for reads.
func runReadOnly(files workspace.ReadOnly, c llm.ToolCallData) (string, string, error) {
	var args map[string]string
	if err := json.Unmarshal(c.Arguments, &args); err != nil {
		return "", "", fmt.Errorf("invalid tool arguments JSON: %v", err)
	}
	switch c.Name {
	case "read_file":
		out, err := files.ReadFile(args["file_path"], 0, 400)
		if err != nil {
			return "", "", err
		}
		return out, args["file_path"], nil
	case "glob":
		hits, err := files.Glob(args["pattern"], "")
		return strings.Join(hits, "\n"), "", err
	case "grep":
		ms, err := files.Grep(args["pattern"], "", "", false, 100)
		if err != nil {
			return "", "", err
		}
		lines := make([]string, 0, len(ms))
		for _, m := range ms {
			lines = append(lines, m.String())
		}
		return strings.Join(lines, "\n"), "", nil
	}
	return "", "", fmt.Errorf("unknown tool: %s", c.Name)
}
