package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/kulesh/waypoints/internal/fly/intervention"
)

func newResolveCmd(g *globalOpts) *cobra.Command {
	var resp intervention.Response
	var action string
	cmd := &cobra.Command{
		Use:   "resolve INTERVENTION-ID --action retry|skip|edit|rollback|abort",
		Short: "Answer a pending intervention",
		Long: `Answer a pending intervention. The response is written next to the
intervention record, where a run waiting under on_escalation=wait picks it up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			resp.Action = intervention.Action(action)
			if resp.ResolvedBy == "" {
				resp.ResolvedBy = "cli"
			}
			if err := resp.Validate(); err != nil {
				return wrapError(EUsage, "invalid response", err)
			}
			err = intervention.WriteResponse(cfg.StatePath(), args[0], resp)
			switch {
			case errors.Is(err, intervention.ErrNotFound):
				return wrapError(EUsage, "unknown intervention", err)
			case err != nil:
				return wrapError(ERun, "record response", err)
			}
			writeKV(cmd.OutOrStdout(), "intervention", args[0], "action", resp.Action, "status", "recorded")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&action, "action", "", "retry, skip, edit, rollback or abort")
	f.IntVar(&resp.AdditionalIterations, "iterations", 0, "extra builder iterations granted by retry")
	f.StringVar(&resp.Objective, "objective", "", "replacement objective for edit")
	f.StringArrayVar(&resp.Criteria, "criterion", nil, "replacement acceptance criterion for edit (repeatable)")
	f.StringVar(&resp.RollbackRef, "ref", "", "git ref to roll back to")
	f.StringVar(&resp.Note, "note", "", "note passed to the builder")
	f.StringVar(&resp.ResolvedBy, "by", "", "who resolved it (default: cli)")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}
