package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kulesh/waypoints/internal/fly/engine"
	"github.com/kulesh/waypoints/internal/fly/plan"
	"github.com/kulesh/waypoints/internal/fly/validate"
)

func newValidateCmd(g *globalOpts) *cobra.Command {
	var planPath string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Lint a flight plan (ids, references, cycles, criteria)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if planPath == "" {
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}
				planPath = engine.PlanPath(cfg)
			}
			p, err := plan.LoadAny(planPath)
			if err != nil {
				return wrapError(EPlan, "load "+planPath, err)
			}
			diags := validate.Validate(p)
			if err := printDiagnostics(cmd.OutOrStdout(), diags, asJSON); err != nil {
				return wrapError(EInternal, "write diagnostics", err)
			}
			if err := validate.ValidateOrError(p); err != nil {
				return wrapError(EPlan, planPath, err)
			}
			if !asJSON {
				writeKV(cmd.OutOrStdout(), "ok", true, "waypoints", len(p.Waypoints), "digest", plan.Digest(p))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "plan file, .jsonl or .yaml (default: the project's plan)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print diagnostics as JSON")
	return cmd
}

func printDiagnostics(w io.Writer, diags []validate.Diagnostic, asJSON bool) error {
	if asJSON {
		if diags == nil {
			diags = []validate.Diagnostic{}
		}
		return json.NewEncoder(w).Encode(diags)
	}
	for _, d := range diags {
		line := fmt.Sprintf("%s %s", d.Severity, d.Rule)
		if d.WaypointID != "" {
			line += " " + d.WaypointID
		}
		line += ": " + d.Message
		if d.Fix != "" {
			line += " (fix: " + d.Fix + ")"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func newImportCmd(g *globalOpts) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "import PLAN.yaml",
		Short: "Import a hand-authored YAML plan as the project's flight plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			p, err := plan.LoadYAML(args[0])
			if err != nil {
				return wrapError(EPlan, "read "+args[0], err)
			}
			if err := validate.ValidateOrError(p); err != nil {
				_ = printDiagnostics(cmd.ErrOrStderr(), validate.Validate(p), false)
				return wrapError(EPlan, args[0], err)
			}
			dest := cfg.StatePath(engine.PlanFile)
			if _, err := os.Stat(dest); err == nil && !force {
				return newError(EUsage, dest+" already exists; pass --force to replace it")
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return wrapError(EInternal, "stat "+dest, err)
			}
			if err := p.Save(dest); err != nil {
				return wrapError(EInternal, "write "+dest, err)
			}
			writeKV(cmd.OutOrStdout(), "imported", len(p.Waypoints), "path", dest, "digest", plan.Digest(p))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing flight plan, discarding its statuses")
	return cmd
}
