package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"loom/internal/api"
	"loom/internal/dispatch"
	"loom/internal/provider"
	"loom/internal/services"
)

// pathFor maps artifact hashes to public storage paths for response
// payloads. Unknown hashes pass through unchanged so callers still see
// something actionable.
func (s *apiServer) pathFor(hash string) string {
	if p, err := s.daemon.store.StoragePath(hash); err == nil {
		return p
	}
	return hash
}

// resolveInput normalizes one caller-supplied input reference to an artifact
// hash or an external URL. Storage paths and slug filenames resolve through
// the store index.
func (s *apiServer) resolveInput(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", services.Wrap(services.ErrValidation, "api", "inputs", "empty input reference", nil)
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed, nil
	}
	if s.daemon.store.Exists(trimmed) {
		return trimmed, nil
	}
	if hash, ok := s.daemon.store.HashForFilename(path.Base(trimmed)); ok {
		return hash, nil
	}
	return "", services.Wrap(services.ErrValidation, "api", "inputs",
		fmt.Sprintf("unknown input %q", ref), nil)
}

func (s *apiServer) resolveInputs(refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		resolved, err := s.resolveInput(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

// buildParams merges the free-form parameter bag with the named fields.
// Named fields win.
func buildParams(extra map[string]any, named map[string]any) provider.Params {
	params := provider.Params{}
	for k, v := range extra {
		params[k] = v
	}
	for k, v := range named {
		switch value := v.(type) {
		case string:
			if value != "" {
				params[k] = value
			}
		case float64:
			if value != 0 {
				params[k] = value
			}
		default:
			if v != nil {
				params[k] = v
			}
		}
	}
	return params
}

// waitBounded waits for the job to reach terminal, giving up after the
// configured request timeout. The job keeps running after a timeout; the
// caller can poll it by id.
func (s *apiServer) waitBounded(r *http.Request, jobID string) (dispatch.JobSnapshot, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.daemon.cfg.RequestTimeout())
	defer cancel()
	snap, err := s.daemon.dispatcher.WaitJob(ctx, jobID)
	if err != nil {
		return dispatch.JobSnapshot{}, false
	}
	return snap, true
}

func (s *apiServer) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.GenerateImageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NodeID) == "" || strings.TrimSpace(req.Model) == "" {
		s.writeError(w, http.StatusBadRequest, "nodeId and model are required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" && len(req.Inputs) == 0 {
		s.writeError(w, http.StatusBadRequest, "prompt or inputs required")
		return
	}
	kind, ok := s.daemon.providers.KindFor(req.Model)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown or disabled model %q", req.Model))
		return
	}
	switch kind {
	case provider.KindTextToImage, provider.KindImageEdit, provider.KindUpscale:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("model %q does not generate images", req.Model))
		return
	}
	inputs, err := s.resolveInputs(req.Inputs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	job, err := s.daemon.dispatcher.SubmitJob(req.NodeID, req.ProjectID, provider.Request{
		Kind:   kind,
		Model:  req.Model,
		Prompt: req.Prompt,
		Params: buildParams(req.Params, map[string]any{
			"aspectRatio": req.AspectRatio,
			"resolution":  req.Resolution,
			"numImages":   float64(req.NumImages),
		}),
		Inputs:          inputs,
		NumOutputs:      req.NumImages,
		PixelDimensions: req.PixelDimensions,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	snap, done := s.waitBounded(r, job.ID)
	if !done {
		s.writeJSON(w, http.StatusOK, api.GenerateResponse{
			JobID: job.ID,
			Error: "generation still running; poll /job?jobId=" + job.ID,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, api.GenerateResponse{
		Success: snap.State == dispatch.StateCompleted,
		JobID:   snap.ID,
		Outputs: resolvePaths(snap.Outputs, s.pathFor),
		Cost:    snap.Cost,
		Error:   snap.Error,
	})
}

func (s *apiServer) handleGenerateVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.GenerateVideoRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NodeID) == "" || strings.TrimSpace(req.Model) == "" {
		s.writeError(w, http.StatusBadRequest, "nodeId and model are required")
		return
	}
	kind, ok := s.daemon.providers.KindFor(req.Model)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown or disabled model %q", req.Model))
		return
	}
	switch kind {
	case provider.KindImageToVideo, provider.KindTextToVideo:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("model %q does not generate video", req.Model))
		return
	}
	if kind == provider.KindImageToVideo && len(req.Inputs) == 0 {
		s.writeError(w, http.StatusBadRequest, "image-to-video requires at least one input")
		return
	}
	inputs, err := s.resolveInputs(req.Inputs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	copies := req.Copies
	if copies < 1 {
		copies = 1
	}
	// A single copy still goes through the batch path so the response shape
	// is uniform and result order is by submission index.
	batch, err := s.daemon.dispatcher.SubmitBatch(req.NodeID, req.ProjectID, provider.Request{
		Kind:   kind,
		Model:  req.Model,
		Prompt: req.Prompt,
		Params: buildParams(req.Params, map[string]any{
			"aspectRatio": req.AspectRatio,
			"resolution":  req.Resolution,
			"duration":    req.Duration,
		}),
		Inputs: inputs,
	}, copies, copies)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.daemon.cfg.RequestTimeout())
	defer cancel()
	snap, err := s.daemon.dispatcher.WaitBatch(ctx, batch.ID)
	if err != nil {
		s.writeJSON(w, http.StatusOK, api.GenerateVideoResponse{
			JobID:   batch.ID,
			Results: nil,
		})
		return
	}

	results := make([]api.VideoResult, len(snap.Results))
	var cost float64
	for i, res := range snap.Results {
		results[i] = api.VideoResult{
			Index:   res.Index,
			Status:  string(res.Status),
			Outputs: resolvePaths(res.Outputs, s.pathFor),
			Error:   res.Error,
		}
	}
	for _, jobSnap := range s.daemon.dispatcher.JobsFor(req.NodeID) {
		if jobSnap.BatchID == batch.ID {
			cost += jobSnap.Cost
		}
	}
	s.writeJSON(w, http.StatusOK, api.GenerateVideoResponse{
		Success: snap.Status == dispatch.StateCompleted,
		JobID:   snap.ID,
		Results: results,
		Cost:    cost,
	})
}

func (s *apiServer) handleGenerateSpeech(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.GenerateSpeechRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NodeID) == "" || strings.TrimSpace(req.Model) == "" {
		s.writeError(w, http.StatusBadRequest, "nodeId and model are required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	kind, ok := s.daemon.providers.KindFor(req.Model)
	if !ok || kind != provider.KindTextToSpeech {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown or disabled speech model %q", req.Model))
		return
	}

	job, err := s.daemon.dispatcher.SubmitJob(req.NodeID, req.ProjectID, provider.Request{
		Kind:  kind,
		Model: req.Model,
		Text:  req.Text,
		Params: buildParams(nil, map[string]any{
			"voice":        req.Voice,
			"instructions": req.Instructions,
			"speed":        req.Speed,
		}),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	snap, done := s.waitBounded(r, job.ID)
	if !done {
		s.writeJSON(w, http.StatusOK, api.GenerateResponse{
			JobID: job.ID,
			Error: "generation still running; poll /job?jobId=" + job.ID,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, api.GenerateResponse{
		Success: snap.State == dispatch.StateCompleted,
		JobID:   snap.ID,
		Outputs: resolvePaths(snap.Outputs, s.pathFor),
		Cost:    snap.Cost,
		Error:   snap.Error,
	})
}

// handleStoryboard relays a streaming text job to the caller as
// server-sent events, one data event per delta, closing with [DONE].
func (s *apiServer) handleStoryboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.StoryboardRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NodeID) == "" || strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "nodeId and prompt are required")
		return
	}
	model := req.Model
	if model == "" {
		model = defaultStoryboardModel
	}
	kind, ok := s.daemon.providers.KindFor(model)
	if !ok || kind != provider.KindText {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown or disabled text model %q", model))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	deltas := make(chan string, 64)
	job, err := s.daemon.dispatcher.SubmitStream(req.NodeID, req.ProjectID, provider.Request{
		Kind:   kind,
		Model:  model,
		Prompt: req.Prompt,
	}, func(delta string) {
		select {
		case deltas <- delta:
		case <-r.Context().Done():
		}
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan dispatch.JobSnapshot, 1)
	go func() {
		snap, waitErr := s.daemon.dispatcher.WaitJob(context.Background(), job.ID)
		if waitErr != nil {
			snap = dispatch.JobSnapshot{State: dispatch.StateFailed, Error: waitErr.Error()}
		}
		close(deltas)
		done <- snap
	}()

	clientGone := r.Context().Done()
relay:
	for {
		select {
		case delta, ok := <-deltas:
			if !ok {
				break relay
			}
			writeSSE(w, delta)
			flusher.Flush()
		case <-clientGone:
			// Cancel right away even if the provider stream has stalled,
			// then drain until the job goes terminal.
			_ = s.daemon.dispatcher.Cancel(job.ID)
			clientGone = nil
		}
	}
	snap := <-done
	if snap.State != dispatch.StateCompleted && snap.Error != "" {
		if encoded, err := json.Marshal(map[string]string{"error": snap.Error}); err == nil {
			writeSSE(w, string(encoded))
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

const defaultStoryboardModel = "openai/gpt-4o-mini"

func writeSSE(w http.ResponseWriter, data string) {
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func resolvePaths(hashes []string, resolve func(string) string) []string {
	if len(hashes) == 0 {
		return nil
	}
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = resolve(h)
	}
	return out
}
