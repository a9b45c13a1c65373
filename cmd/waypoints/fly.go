package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/kulesh/waypoints/internal/config"
	"github.com/kulesh/waypoints/internal/fly/engine"
	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/fly/intervention"
	"github.com/kulesh/waypoints/internal/fly/runstate"
	"github.com/kulesh/waypoints/internal/fly/runtime"
	"github.com/kulesh/waypoints/internal/llm"
	"github.com/kulesh/waypoints/internal/llm/providers/execjson"
)

// newAgentClient builds the client the builder and judge talk through.
// Tests replace it with a scripted adapter.
var newAgentClient = func(cfg *config.Config) (*llm.Client, error) {
	if cfg.Agent.Provider != execjson.ProviderName {
		return nil, newError(EConfig, fmt.Sprintf("agent.provider %q has no adapter in this build", cfg.Agent.Provider))
	}
	if len(cfg.Agent.Command) == 0 {
		return nil, newError(EConfig, "agent.command is required for the execjson provider")
	}
	adapter := execjson.NewAdapter(execjson.Config{
		Command: cfg.Agent.Command,
		Dir:     cfg.Project.Root,
		Env:     cfg.Agent.Env,
		Timeout: time.Duration(cfg.Agent.TimeoutMS) * time.Millisecond,
	})
	return llm.NewClient(adapter), nil
}

type flyOpts struct {
	onEscalation  string
	maxIterations int
	json          bool
}

// runOpts carries what a caller other than the CLI (the HTTP server) hands
// to a run.
type runOpts struct {
	runID    string
	control  *engine.Control
	resolver intervention.Resolver
	sinks    []events.Sink
}

func newFlyCmd(g *globalOpts) *cobra.Command {
	var o flyOpts
	cmd := &cobra.Command{
		Use:   "fly",
		Short: "Run the flight plan headlessly and print the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := applyFlyFlags(cfg, o); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sum, err := runFly(ctx, cfg, runOpts{})
			if err != nil {
				return err
			}
			if err := printSummary(cmd.OutOrStdout(), sum, o.json); err != nil {
				return wrapError(EInternal, "write summary", err)
			}
			switch sum.Status {
			case runtime.FinalLanded:
				return nil
			case runtime.FinalPaused:
				return newError(ERun, "run paused: "+sum.StoppedReason)
			}
			return newError(ERun, "run failed: "+sum.StoppedReason)
		},
	}
	cmd.Flags().StringVar(&o.onEscalation, "on-escalation", "", "escalation policy: stop, skip or wait (default from config)")
	cmd.Flags().IntVar(&o.maxIterations, "max-iterations", 0, "builder iterations per attempt (default from config)")
	cmd.Flags().BoolVar(&o.json, "json", false, "print the summary as JSON")
	return cmd
}

func applyFlyFlags(cfg *config.Config, o flyOpts) error {
	if v := strings.ToLower(strings.TrimSpace(o.onEscalation)); v != "" {
		cfg.Policy.OnEscalation = v
	}
	if o.maxIterations < 0 {
		return newError(EUsage, "--max-iterations must be positive")
	}
	if o.maxIterations > 0 {
		cfg.Builder.MaxIterations = o.maxIterations
	}
	if err := config.Validate(cfg); err != nil {
		return wrapError(EUsage, "invalid flags", err)
	}
	return nil
}

// runFly owns one engine run: pid file, debug log, progress.ndjson and the
// escalation resolver.
func runFly(ctx context.Context, cfg *config.Config, o runOpts) (engine.Summary, error) {
	stateDir := cfg.StatePath()
	if err := runstate.WritePID(stateDir); err != nil {
		return engine.Summary{}, wrapError(ERun, "claim state dir", err)
	}
	defer func() { _ = runstate.RemovePID(stateDir) }()

	log, err := openLogger(cfg)
	if err != nil {
		return engine.Summary{}, err
	}
	defer log.Close()

	progress, err := events.OpenNDJSON(runstate.RunPath(stateDir, runstate.ProgressFile))
	if err != nil {
		return engine.Summary{}, wrapError(EInternal, "open progress stream", err)
	}
	defer func() {
		if err := progress.Close(); err != nil {
			log.Warn("progress stream", "error", err)
		}
	}()

	runID := o.runID
	if runID == "" {
		runID = ulid.Make().String()
	}
	sinks := append([]events.Sink{progress, events.LogSink(log)}, o.sinks...)
	bus := events.NewBus(runID, sinks...)

	client, err := newAgentClient(cfg)
	if err != nil {
		return engine.Summary{}, err
	}
	eng, err := engine.New(cfg, client, engine.Options{
		RunID:    runID,
		Bus:      bus,
		Logger:   log,
		Resolver: escalationResolver(cfg, o.resolver),
		Control:  o.control,
	})
	if err != nil {
		return engine.Summary{}, wrapError(EConfig, "build engine", err)
	}

	sum, err := eng.Run(ctx)
	switch {
	case errors.Is(err, engine.ErrPlanMissing):
		return sum, wrapError(EPlan, "no flight plan; run `waypoints import PLAN.yaml` first", err)
	case errors.Is(err, engine.ErrJourneyState):
		return sum, wrapError(ERun, "journey is not in a flyable state", err)
	case err != nil && sum.Status == "":
		return sum, wrapError(EPlan, "start run", err)
	case err != nil:
		return sum, wrapError(ERun, "run aborted", err)
	}
	return sum, nil
}

// escalationResolver answers interventions per policy. "wait" parks them for
// an operator, through the response file and, when the run is served over
// HTTP, through the API as well.
func escalationResolver(cfg *config.Config, extra intervention.Resolver) intervention.Resolver {
	if cfg.Policy.OnEscalation != "wait" {
		return intervention.PolicyResolver{OnEscalation: cfg.Policy.OnEscalation}
	}
	file := intervention.NewFileResolver(cfg.StatePath())
	if extra == nil {
		return file
	}
	return intervention.FirstOf(extra, file)
}

func printSummary(w io.Writer, s engine.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	writeKV(w,
		"status", s.Status,
		"run_id", s.RunID,
		"attempted", s.Attempted,
		"completed", s.Completed,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"blocked", s.Blocked,
		"escalations", s.Escalations,
		"cost_usd", fmt.Sprintf("%.4f", s.TotalCost),
		"final_state", s.JourneyState,
	)
	if s.StoppedReason != "" {
		writeKV(w, "stopped_reason", fmt.Sprintf("%q", s.StoppedReason))
	}
	if s.PendingIntervention != "" {
		writeKV(w, "pending_intervention", s.PendingIntervention)
	}
	return nil
}
