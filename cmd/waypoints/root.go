package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kulesh/waypoints/internal/config"
	"github.com/kulesh/waypoints/internal/fly/runstate"
	"github.com/kulesh/waypoints/internal/logging"
)

type globalOpts struct {
	projectDir string
	configPath string
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:   "waypoints",
		Short: "Fly a flight plan of waypoints through a coding agent",
		Long: `waypoints executes a flight plan one waypoint at a time. Each attempt is
built by an external agent, proven by host validation, checked by the
verifier and either committed, reworked, rolled back or escalated to an
operator.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&g.projectDir, "project", "C", ".", "project root")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default: waypoints.{yaml,yml,toml,json} in the project root)")
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return wrapError(EUsage, "invalid flags", err)
	})

	root.AddCommand(
		newFlyCmd(g),
		newValidateCmd(g),
		newImportCmd(g),
		newStatusCmd(g),
		newLogsCmd(g),
		newResolveCmd(g),
		newServeCmd(g),
	)
	return root
}

// execute runs the command tree. Errors cobra raises itself (unknown
// commands, wrong argument counts) come back uncoded and are usage errors.
func execute(args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err != nil && codeOf(err) == "" {
		return wrapError(EUsage, "invalid usage", err)
	}
	return err
}

// loadConfig resolves the config file for the project: --config when given,
// otherwise a discovered file, otherwise defaults rooted at the project.
func (g *globalOpts) loadConfig() (*config.Config, error) {
	root, err := filepath.Abs(g.projectDir)
	if err != nil {
		return nil, wrapError(EConfig, "resolve project root", err)
	}
	path := strings.TrimSpace(g.configPath)
	if path == "" {
		path = config.Discover(root)
	}
	if path == "" {
		path = filepath.Join(root, "waypoints.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, wrapError(EConfig, "load config", err)
	}
	return cfg, nil
}

// openLogger writes to <state_dir>/run/debug.log unless logging.file is off.
func openLogger(cfg *config.Config) (*logging.Logger, error) {
	dir := ""
	if cfg.Logging.File == nil || *cfg.Logging.File {
		dir = runstate.RunPath(cfg.StatePath())
	}
	log, err := logging.New(dir, cfg.Logging.Level)
	if err != nil {
		return nil, wrapError(EInternal, "open debug log", err)
	}
	return log, nil
}

func writeKV(w io.Writer, pairs ...any) {
	if len(pairs)%2 != 0 {
		panic(errors.New("writeKV: odd number of arguments"))
	}
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%v=%v", pairs[i], pairs[i+1]))
	}
	fmt.Fprintln(w, strings.Join(parts, " "))
}
