package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kulesh/waypoints/internal/fly/engine"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/runstate"
)

var (
	labelStyle = lipgloss.NewStyle().Width(10).Foreground(lipgloss.Color("8"))
	titleStyle = lipgloss.NewStyle().Bold(true)
	idStyle    = lipgloss.NewStyle().Width(10)

	stateColors = map[string]lipgloss.Color{
		string(runstate.StateRunning): lipgloss.Color("12"),
		string(runstate.StateLanded):  lipgloss.Color("10"),
		string(runstate.StatePaused):  lipgloss.Color("11"),
		string(runstate.StateFail):    lipgloss.Color("9"),
		string(plan.StatusComplete):   lipgloss.Color("10"),
		string(plan.StatusInProgress): lipgloss.Color("12"),
		string(plan.StatusFailed):     lipgloss.Color("9"),
		string(plan.StatusSkipped):    lipgloss.Color("8"),
	}
)

func badge(s string) string {
	st := lipgloss.NewStyle().Bold(true)
	if c, ok := stateColors[s]; ok {
		st = st.Foreground(c)
	}
	return st.Render(s)
}

func newStatusCmd(g *globalOpts) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the project's run snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			snap, err := runstate.Load(cfg.StatePath())
			if err != nil {
				return wrapError(EInternal, "read run state", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			var wps []*plan.Waypoint
			if p, err := plan.LoadAny(engine.PlanPath(cfg)); err == nil {
				wps = p.Waypoints
			} else if !errors.Is(err, os.ErrNotExist) {
				return wrapError(EPlan, "load flight plan", err)
			}
			_, err = io.WriteString(out, renderStatus(snap, wps, time.Now())+"\n")
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func renderStatus(s *runstate.Snapshot, wps []*plan.Waypoint, now time.Time) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}
	lines := []string{row("state", badge(string(s.State)))}
	if s.RunID != "" {
		lines = append(lines, row("run", s.RunID))
	}
	if s.PID > 0 {
		alive := "exited"
		if s.PIDAlive {
			alive = "alive"
		}
		lines = append(lines, row("pid", fmt.Sprintf("%d (%s)", s.PID, alive)))
	}
	if s.JourneyState != "" {
		lines = append(lines, row("journey", s.JourneyState))
	}
	if c := s.Plan; c != nil {
		v := fmt.Sprintf("%d/%d done", c.Complete+c.Skipped, c.Total)
		if c.Failed > 0 {
			v += fmt.Sprintf(", %d failed", c.Failed)
		}
		if c.Blocked > 0 {
			v += fmt.Sprintf(", %d blocked", c.Blocked)
		}
		lines = append(lines, row("plan", v))
	}
	if s.CurrentWaypoint != "" {
		lines = append(lines, row("current", s.CurrentWaypoint))
	}
	if s.LastEvent != "" {
		v := s.LastEvent
		if !s.LastEventAt.IsZero() {
			v += fmt.Sprintf(" (%s ago)", now.Sub(s.LastEventAt).Round(time.Second))
		}
		lines = append(lines, row("event", v))
	}
	if sum := s.Summary; sum != nil {
		lines = append(lines, row("summary", fmt.Sprintf("%s, %d completed, %d escalations, $%.4f",
			sum.Status, sum.Completed, sum.Escalations, sum.TotalCost)))
		if sum.StoppedReason != "" {
			lines = append(lines, row("stopped", sum.StoppedReason))
		}
	}
	for _, id := range s.PendingInterventions {
		lines = append(lines, row("pending", id+"  (waypoints resolve "+id+" --action ...)"))
	}
	if len(wps) > 0 {
		lines = append(lines, "", titleStyle.Render("waypoints"))
		for _, wp := range wps {
			title := wp.Title
			if wp.ParentID != "" {
				title = "  " + title
			}
			lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
				idStyle.Render(wp.ID), lipgloss.NewStyle().Width(13).Render(badge(string(wp.Status))), title))
		}
	}
	return strings.Join(lines, "\n")
}
