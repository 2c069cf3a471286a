package daemon

import (
	"errors"
	"net/http"
	"strings"

	"loom/internal/api"
	"loom/internal/artifact"
)

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status()
	jobs := make(map[string]int, len(status.Dispatch.Jobs))
	for state, n := range status.Dispatch.Jobs {
		jobs[string(state)] = n
	}
	batches := make(map[string]int, len(status.Dispatch.Batches))
	for state, n := range status.Dispatch.Batches {
		batches[string(state)] = n
	}
	models := make(map[string][]string)
	for kind, list := range s.daemon.providers.Models() {
		models[string(kind)] = list
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		StorageDir:   status.StorageDir,
		LockFilePath: status.LockFilePath,
		Jobs:         jobs,
		Batches:      batches,
		InFlight:     status.Dispatch.InFlight,
		Providers:    s.daemon.providers.Providers(),
		Models:       models,
	})
}

// handleArtifacts lists the store (GET) or stages one artifact for deletion
// (DELETE ?hash=). Deletion refuses while any project still references the
// artifact.
func (s *apiServer) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		infos := s.daemon.store.List()
		artifacts := make([]api.ArtifactInfo, len(infos))
		for i, info := range infos {
			path, _ := s.daemon.store.StoragePath(info.Hash)
			artifacts[i] = api.FromArtifactInfo(info, path)
		}
		s.writeJSON(w, http.StatusOK, api.ArtifactListResponse{Artifacts: artifacts})
	case http.MethodDelete:
		hash := strings.TrimSpace(r.URL.Query().Get("hash"))
		if hash == "" {
			s.writeError(w, http.StatusBadRequest, "hash query parameter required")
			return
		}
		if err := s.daemon.store.Delete(r.Context(), hash); err != nil {
			if errors.Is(err, artifact.ErrStillReferenced) {
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

func (s *apiServer) handleArtifactRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.RenameRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Hash) == "" || strings.TrimSpace(req.NewName) == "" {
		s.writeError(w, http.StatusBadRequest, "hash and newName are required")
		return
	}
	filename, err := s.daemon.store.Rename(req.Hash, req.NewName)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	path, _ := s.daemon.store.StoragePath(req.Hash)
	s.writeJSON(w, http.StatusOK, api.RenameResponse{Success: true, Path: path, Filename: filename})
}

func (s *apiServer) handleScavenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	collected, err := s.daemon.store.Scavenge(r.Context(), s.daemon.cfg.TrashGrace())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ScavengeResponse{Success: true, Collected: collected})
}
