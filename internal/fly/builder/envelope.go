package builder

// Section is one named piece of context offered to the builder, in priority
// order.
type Section struct {
	Name      string
	SourceRef string
	Text      string
}

// Slice records how much of a section made it into the prompt.
type Slice struct {
	Name          string `json:"name"`
	SourceRef     string `json:"source_ref,omitempty"`
	OriginalChars int    `json:"original_chars"`
	UsedChars     int    `json:"used_chars"`
	Truncated     bool   `json:"truncated"`
}

// Envelope is the read-only context handed to a build attempt. Sections are
// clipped in order against the prompt budget, so earlier sections win.
type Envelope struct {
	WaypointID            string  `json:"waypoint_id"`
	PromptBudgetChars     int     `json:"prompt_budget_chars"`
	ToolOutputBudgetChars int     `json:"tool_output_budget_chars"`
	Slices                []Slice `json:"slices"`
	Overflowed            bool    `json:"overflowed"`

	texts []string
}

const clipMarker = "\n[... context truncated ...]\n"

func NewEnvelope(waypointID string, promptBudget, toolBudget int, sections ...Section) *Envelope {
	env := &Envelope{WaypointID: waypointID, PromptBudgetChars: promptBudget, ToolOutputBudgetChars: toolBudget}
	remaining := promptBudget
	for _, s := range sections {
		text := s.Text
		sl := Slice{Name: s.Name, SourceRef: s.SourceRef, OriginalChars: len(text)}
		if promptBudget > 0 && len(text) > remaining {
			keep := remaining - len(clipMarker)
			if keep < 0 {
				keep = 0
			}
			if keep == 0 {
				text = ""
			} else {
				text = text[:keep] + clipMarker
			}
			sl.Truncated = true
			env.Overflowed = true
		}
		sl.UsedChars = len(text)
		if promptBudget > 0 {
			remaining -= len(text)
			if remaining < 0 {
				remaining = 0
			}
		}
		env.Slices = append(env.Slices, sl)
		env.texts = append(env.texts, text)
	}
	return env
}

// Sections returns the included text keyed by section name, in order.
func (e *Envelope) Sections() []Section {
	if e == nil {
		return nil
	}
	out := make([]Section, 0, len(e.Slices))
	for i, sl := range e.Slices {
		if e.texts[i] == "" {
			continue
		}
		out = append(out, Section{Name: sl.Name, SourceRef: sl.SourceRef, Text: e.texts[i]})
	}
	return out
}

func (e *Envelope) UsedChars() int {
	if e == nil {
		return 0
	}
	n := 0
	for _, s := range e.Slices {
		n += s.UsedChars
	}
	return n
}
