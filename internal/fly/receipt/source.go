package receipt

import (
	"strings"

	"github.com/kulesh/waypoints/internal/fly/protocol"
	"github.com/kulesh/waypoints/internal/fly/stack"
)

// Source names where the validation commands came from.
type Source string

const (
	SourceConfigured Source = "configured"
	SourceDetected   Source = "detected"
	SourceReported   Source = "reported"
	SourceNone       Source = "none"
)

// CommandSource resolves the commands a receipt is built from. Configured
// commands win, then stack detection under Root, then whatever the agent
// reported in its artifact.
type CommandSource struct {
	Configured  []stack.Command
	Overrides   map[string]string
	DetectStack bool
	Root        string
}

func (s CommandSource) Commands(art protocol.BuildArtifact) ([]stack.Command, Source, error) {
	if len(s.Configured) > 0 {
		out := make([]stack.Command, 0, len(s.Configured))
		for _, c := range s.Configured {
			if o, ok := s.Overrides[c.Category]; ok && strings.TrimSpace(o) != "" {
				c.Command = o
			}
			out = append(out, c)
		}
		return out, SourceConfigured, nil
	}
	if s.DetectStack && s.Root != "" {
		cfgs, err := stack.DetectDir(s.Root)
		if err != nil {
			return nil, SourceNone, err
		}
		if cmds := stack.Resolve(cfgs, s.Overrides); len(cmds) > 0 {
			return cmds, SourceDetected, nil
		}
	}
	if cmds := stack.FromReported(art.ValidationCommands); len(cmds) > 0 {
		return cmds, SourceReported, nil
	}
	return nil, SourceNone, nil
}
