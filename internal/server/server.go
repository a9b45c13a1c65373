// Package server is the HTTP control surface for a project: run status, the
// event stream over SSE, intervention resolution and pause/resume/cancel.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kulesh/waypoints/internal/fly/engine"
	"github.com/kulesh/waypoints/internal/fly/events"
	"github.com/kulesh/waypoints/internal/logging"
)

// Launcher runs the engine for rs until it returns. The server owns rs's
// control surfaces; the launcher must wire them into the engine and publish
// every event to sink.
type Launcher func(ctx context.Context, rs *RunState, sink events.Sink) (engine.Summary, error)

type Config struct {
	Addr     string // listen address, e.g. "127.0.0.1:8787"
	StateDir string
	// InterventionTimeout bounds how long an HTTP-resolved intervention
	// stays parked. Zero means the resolver default.
	InterventionTimeout time.Duration
}

type Server struct {
	config      Config
	registry    *RunRegistry
	broadcaster *events.Broadcaster
	launch      Launcher
	newRunID    func() string
	baseCtx     context.Context
	cancel      context.CancelFunc
	httpSrv     *http.Server
	log         *logging.Logger
}

// New builds a server. launch may be nil for a read-only surface.
func New(cfg Config, launch Launcher, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      cfg,
		registry:    NewRunRegistry(),
		broadcaster: events.NewBroadcaster(),
		launch:      launch,
		newRunID:    newRunID,
		baseCtx:     ctx,
		cancel:      cancel,
		log:         log.WithPhase("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /interventions", s.handleListInterventions)
	mux.HandleFunc("POST /interventions/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /cancel", s.handleCancel)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Broadcaster is the sink the server streams from. Runs started outside the
// server can attach it to their bus.
func (s *Server) Broadcaster() *events.Broadcaster { return s.broadcaster }

// Start launches a new run in the background.
func (s *Server) Start() (*RunState, error) {
	if s.launch == nil {
		return nil, errors.New("this server cannot start runs")
	}
	rs := NewRunState(s.newRunID(), s.config.InterventionTimeout)
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	rs.Cancel = cancel
	if err := s.registry.Register(rs); err != nil {
		cancel(nil)
		return nil, err
	}
	s.log.Info("run starting", "run_id", rs.RunID)
	go func() {
		defer cancel(nil)
		sum, err := s.launch(ctx, rs, s.broadcaster)
		rs.SetResult(sum, err)
		if err != nil {
			s.log.Error("run failed", "run_id", rs.RunID, "error", err)
			return
		}
		s.log.Info("run finished", "run_id", rs.RunID, "status", string(sum.Status))
	}()
	return rs, nil
}

// ListenAndServe blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.log.Info("shutting down", "signal", sig.String())
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	s.log.Info("listening", "addr", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests from non-local pages.
// CLI callers either omit Origin or use a localhost one.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if origin := r.Header.Get("Origin"); origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops active runs, drains connections and ends SSE streams.
func (s *Server) Shutdown() {
	s.registry.StopAll("server shutting down")
	s.broadcaster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
	s.cancel()
}
