package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/kulesh/waypoints/internal/fly/builder"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/fly/stack"
	"github.com/kulesh/waypoints/internal/logging"
)

// NewClarifier answers builder clarification requests without a human: the
// first offered option, or a directive to gather evidence.
func NewClarifier(log *logging.Logger) builder.Clarifier {
	return builder.ClarifierFunc(func(ctx context.Context, req protocol.ClarificationRequest) (protocol.ClarificationResponse, bool) {
		if ctx.Err() != nil {
			return protocol.ClarificationResponse{}, false
		}
		resp := protocol.DefaultResponse(req)
		log.Info("clarification answered", "waypoint_id", req.WaypointID, "request_id", req.ArtifactID, "chosen", resp.ChosenOption)
		return resp, true
	})
}

// envelope assembles the read-only context for an attempt. Earlier sections
// survive budget clipping first.
func (e *Engine) envelope(wp *plan.Waypoint) *builder.Envelope {
	var sections []builder.Section
	sections = append(sections, builder.Section{Name: "validation", SourceRef: "host", Text: e.validationSection()})
	if wp.ParentID != "" {
		if parent := e.plan.Get(wp.ParentID); parent != nil {
			sections = append(sections, builder.Section{
				Name:      "parent",
				SourceRef: parent.ID,
				Text:      fmt.Sprintf("%s %s\n%s", parent.ID, parent.Title, parent.Objective),
			})
		}
	}
	var done []string
	for _, id := range wp.Dependencies {
		if dep := e.plan.Get(id); dep != nil && dep.Status == plan.StatusComplete {
			done = append(done, fmt.Sprintf("- %s %s: %s", dep.ID, dep.Title, dep.Objective))
		}
	}
	if len(done) > 0 {
		sections = append(sections, builder.Section{
			Name:      "dependencies",
			SourceRef: strings.Join(wp.Dependencies, ","),
			Text:      "Already completed and committed:\n" + strings.Join(done, "\n"),
		})
	}
	return builder.NewEnvelope(wp.ID, e.cfg.Builder.PromptBudgetChars, e.cfg.Builder.ToolOutputMaxChars, sections...)
}

func (e *Engine) validationSection() string {
	if len(e.cfg.Validation.Commands) > 0 {
		var b strings.Builder
		b.WriteString("The host runs these validation commands after you claim completion:\n")
		for _, c := range e.cfg.Validation.Commands {
			opt := ""
			if c.Optional {
				opt = " (optional)"
			}
			fmt.Fprintf(&b, "- %s: `%s`%s\n", c.Name, c.Command, opt)
		}
		return b.String()
	}
	if !e.cfg.DetectStack() {
		return stack.Section(nil, nil)
	}
	configs, err := stack.DetectDir(e.root)
	if err != nil {
		e.log.Warn("stack detection failed", "error", err)
	}
	return stack.Section(configs, e.cfg.Validation.Overrides)
}
