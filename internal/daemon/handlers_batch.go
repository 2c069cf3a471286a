package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"loom/internal/api"
	"loom/internal/dispatch"
	"loom/internal/provider"
)

// handleBatch serves the asynchronous fan-out surface: POST starts a batch
// and returns immediately, GET reports status, DELETE cancels.
func (s *apiServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleBatchCreate(w, r)
	case http.MethodGet:
		s.handleBatchStatus(w, r)
	case http.MethodDelete:
		s.handleBatchCancel(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req api.BatchCreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NodeID) == "" {
		s.writeError(w, http.StatusBadRequest, "nodeId is required")
		return
	}
	settings := req.Settings
	if settings.Count < 1 {
		s.writeError(w, http.StatusBadRequest, "settings.count must be at least 1")
		return
	}
	if strings.TrimSpace(settings.Model) == "" {
		s.writeError(w, http.StatusBadRequest, "settings.model is required")
		return
	}
	kind, ok := s.daemon.providers.KindFor(settings.Model)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown or disabled model %q", settings.Model))
		return
	}
	inputs, err := s.resolveInputs(settings.Inputs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	batch, err := s.daemon.dispatcher.SubmitBatch(req.NodeID, req.ProjectID, provider.Request{
		Kind:   kind,
		Model:  settings.Model,
		Prompt: settings.Prompt,
		Params: buildParams(settings.Params, map[string]any{
			"aspectRatio": settings.AspectRatio,
			"resolution":  settings.Resolution,
			"duration":    settings.Duration,
		}),
		Inputs:          inputs,
		PixelDimensions: settings.PixelDimensions,
	}, settings.Count, settings.MaxConcurrency)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BatchCreateResponse{Success: true, JobID: batch.ID})
}

func (s *apiServer) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if id := strings.TrimSpace(query.Get("jobId")); id != "" {
		snap, err := s.daemon.dispatcher.QueryBatch(id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.FromBatchSnapshot(snap, s.pathFor))
		return
	}
	if nodeID := strings.TrimSpace(query.Get("nodeId")); nodeID != "" {
		snaps := s.daemon.dispatcher.BatchesFor(nodeID)
		batches := make([]api.BatchStatus, len(snaps))
		for i, snap := range snaps {
			batches[i] = api.FromBatchSnapshot(snap, s.pathFor)
		}
		s.writeJSON(w, http.StatusOK, api.BatchListResponse{Batches: batches})
		return
	}
	s.writeError(w, http.StatusBadRequest, "jobId or nodeId query parameter required")
}

func (s *apiServer) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("jobId"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "jobId query parameter required")
		return
	}
	if err := s.daemon.dispatcher.Cancel(id); err != nil {
		if errors.Is(err, dispatch.ErrAlreadyTerminal) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleJob reports or cancels individual jobs, including batch children.
func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		if id := strings.TrimSpace(query.Get("jobId")); id != "" {
			snap, err := s.daemon.dispatcher.QueryJob(id)
			if err != nil {
				s.writeServiceError(w, err)
				return
			}
			s.writeJSON(w, http.StatusOK, api.FromJobSnapshot(snap, s.pathFor))
			return
		}
		if nodeID := strings.TrimSpace(query.Get("nodeId")); nodeID != "" {
			snaps := s.daemon.dispatcher.JobsFor(nodeID)
			jobs := make([]api.JobStatus, len(snaps))
			for i, snap := range snaps {
				jobs[i] = api.FromJobSnapshot(snap, s.pathFor)
			}
			s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: jobs})
			return
		}
		s.writeError(w, http.StatusBadRequest, "jobId or nodeId query parameter required")
	case http.MethodDelete:
		id := strings.TrimSpace(r.URL.Query().Get("jobId"))
		if id == "" {
			s.writeError(w, http.StatusBadRequest, "jobId query parameter required")
			return
		}
		if err := s.daemon.dispatcher.Cancel(id); err != nil {
			if errors.Is(err, dispatch.ErrAlreadyTerminal) {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
