package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/oklog/ulid/v2"

	"github.com/kulesh/waypoints/internal/fly/intervention"
	"github.com/kulesh/waypoints/internal/fly/runstate"
)

// validID matches intervention and run ids.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func newRunID() string { return ulid.Make().String() }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := s.registry.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": active,
		"runs":    len(s.registry.List()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	if rs, ok := s.registry.Latest(); ok {
		st := rs.Status(s.broadcaster.History())
		resp.Run = &st
	}
	if s.config.StateDir != "" {
		snap, err := runstate.Load(s.config.StateDir)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("read state: %v", err))
			return
		}
		resp.Snapshot = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	WriteSSE(w, r, s.broadcaster)
}

func (s *Server) handleListInterventions(w http.ResponseWriter, r *http.Request) {
	pending, err := s.pendingInterventions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// pendingInterventions merges the durable records with anything parked in
// the active run that has not reached disk yet.
func (s *Server) pendingInterventions() ([]intervention.Intervention, error) {
	out := []intervention.Intervention{}
	seen := map[string]bool{}
	if s.config.StateDir != "" {
		disk, err := intervention.Pending(s.config.StateDir)
		if err != nil {
			return nil, err
		}
		for _, iv := range disk {
			seen[iv.ID] = true
			out = append(out, iv)
		}
	}
	if rs, ok := s.registry.Active(); ok {
		for _, iv := range rs.Resolver.Pending() {
			if !seen[iv.ID] {
				out = append(out, iv)
			}
		}
	}
	return out, nil
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid intervention id")
		return
	}
	var resp intervention.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if resp.ResolvedBy == "" {
		resp.ResolvedBy = "http"
	}
	if err := resp.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if rs, ok := s.registry.Active(); ok {
		err := rs.Resolver.Answer(id, resp)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "intervention_id": id})
			return
		}
		if !errors.Is(err, intervention.ErrNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	// Not parked here: leave a response file for whichever run awaits it.
	if s.config.StateDir == "" {
		writeError(w, http.StatusNotFound, "intervention not found")
		return
	}
	err := intervention.WriteResponse(s.config.StateDir, id, resp)
	switch {
	case errors.Is(err, intervention.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("intervention %s not found", id))
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded", "intervention_id": id})
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.registry.Active()
	if !ok {
		writeError(w, http.StatusConflict, "no active run")
		return
	}
	rs.Control.Pause()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pausing", "run_id": rs.RunID})
}

// handleResume clears a pause that the active run has not acted on yet, or
// starts a new run that picks up where the last one stopped.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if rs, ok := s.registry.Active(); ok {
		if rs.Control.Cancelled() {
			writeError(w, http.StatusConflict, "active run is cancelling")
			return
		}
		rs.Control.Resume()
		writeJSON(w, http.StatusOK, map[string]string{"status": "running", "run_id": rs.RunID})
		return
	}
	rs, err := s.Start()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "run_id": rs.RunID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.registry.Active()
	if !ok {
		writeError(w, http.StatusConflict, "no active run")
		return
	}
	rs.Stop("cancelled via HTTP API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "run_id": rs.RunID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
