package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kulesh/waypoints/internal/fly/execlog"
)

const logDataWidth = 160

func newLogsCmd(g *globalOpts) *cobra.Command {
	var attempt int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "logs WP-ID",
		Short: "Replay the execution log of a waypoint attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			stateDir := cfg.StatePath()
			var log *execlog.Log
			if attempt > 0 {
				log, err = execlog.Load(execlog.LogPath(stateDir, args[0], attempt))
				if errors.Is(err, os.ErrNotExist) {
					return newError(EUsage, fmt.Sprintf("%s has no attempt %d", args[0], attempt))
				}
			} else {
				log, err = execlog.LoadLatest(stateDir, args[0])
				if err == nil && log == nil {
					return newError(EUsage, args[0]+" has no recorded attempts")
				}
			}
			if err != nil {
				return wrapError(EInternal, "read execution log", err)
			}
			if asJSON {
				return writeLogJSON(cmd.OutOrStdout(), log)
			}
			return writeLogText(cmd.OutOrStdout(), log)
		},
	}
	cmd.Flags().IntVar(&attempt, "attempt", 0, "attempt number (default: latest)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print header and entries as JSON lines")
	return cmd
}

func writeLogJSON(w io.Writer, log *execlog.Log) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(log.Header); err != nil {
		return err
	}
	for _, e := range log.Entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func writeLogText(w io.Writer, log *execlog.Log) error {
	h := log.Header
	writeKV(w, "waypoint", h.WaypointID, "attempt", h.Attempt, "execution_id", h.ExecutionID, "started", h.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	for _, e := range log.Entries {
		data := strings.Join(strings.Fields(string(e.Data)), " ")
		if len(data) > logDataWidth {
			data = data[:logDataWidth-3] + "..."
		}
		iter := "-"
		if e.Iteration > 0 {
			iter = fmt.Sprint(e.Iteration)
		}
		if _, err := fmt.Fprintf(w, "%4d %s %-3s %-22s %s\n", e.Seq, e.TS.Format("15:04:05"), iter, e.Type, data); err != nil {
			return err
		}
	}
	if log.Completed() {
		writeKV(w, "result", log.Result, "cost_usd", fmt.Sprintf("%.4f", log.TotalCostUSD))
	} else {
		writeKV(w, "result", "incomplete")
	}
	return nil
}
