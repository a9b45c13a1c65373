package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/kulesh/waypoints/internal/fly/engine"
	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/server"
)

func newServeCmd(g *globalOpts) *cobra.Command {
	var addr string
	var startNow bool
	o := flyOpts{onEscalation: "wait"}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control surface (status, SSE events, interventions)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := applyFlyFlags(cfg, o); err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			log, err := openLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			launch := func(ctx context.Context, rs *server.RunState, sink events.Sink) (engine.Summary, error) {
				return runFly(ctx, cfg, runOpts{
					runID:    rs.RunID,
					control:  rs.Control,
					resolver: rs.Resolver,
					sinks:    []events.Sink{sink},
				})
			}
			srv := server.New(server.Config{
				Addr:                addr,
				StateDir:            cfg.StatePath(),
				InterventionTimeout: time.Duration(cfg.Policy.InterventionTimeoutMS) * time.Millisecond,
			}, launch, log)
			if startNow {
				rs, err := srv.Start()
				if err != nil {
					return wrapError(ERun, "start run", err)
				}
				writeKV(cmd.OutOrStdout(), "run_id", rs.RunID, "status", "started")
			}
			writeKV(cmd.OutOrStdout(), "listening", "http://"+addr)
			if err := srv.ListenAndServe(); err != nil {
				return wrapError(ERun, "serve", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config server.addr)")
	cmd.Flags().BoolVar(&startNow, "start", false, "start a run immediately instead of waiting for POST /resume")
	cmd.Flags().StringVar(&o.onEscalation, "on-escalation", "wait", "escalation policy for served runs: stop, skip or wait")
	cmd.Flags().IntVar(&o.maxIterations, "max-iterations", 0, "builder iterations per attempt (default from config)")
	return cmd
}
