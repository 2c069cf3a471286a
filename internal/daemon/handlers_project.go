package daemon

import (
	"net/http"
	"strings"

	"loom/internal/api"
	"loom/internal/logging"
	"loom/internal/project"
	"loom/internal/refs"
)

// handleProjects lists saved projects (GET) or saves a graph (POST). Saving
// syncs the reference registry against the artifacts the graph mentions, so
// the scavenger never collects anything a saved graph still uses.
func (s *apiServer) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snaps := s.daemon.projects.List()
		projects := make([]api.ProjectInfo, len(snaps))
		for i, snap := range snaps {
			projects[i] = api.FromProjectSnapshot(snap)
		}
		s.writeJSON(w, http.StatusOK, api.ProjectListResponse{Projects: projects})
	case http.MethodPost:
		var req api.ProjectSaveRequest
		if !s.decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ID) == "" {
			s.writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		if len(req.Graph) == 0 {
			s.writeError(w, http.StatusBadRequest, "graph is required")
			return
		}

		hashes, err := refs.HashesFromGraph(req.Graph, s.daemon.store.HashForFilename)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unparsable graph: "+err.Error())
			return
		}
		if s.daemon.registry != nil {
			if err := s.daemon.registry.SyncProject(r.Context(), req.ID, hashes); err != nil {
				s.writeServiceError(w, err)
				return
			}
		}
		if err := s.daemon.projects.Save(project.Snapshot{ID: req.ID, Name: req.Name, Graph: req.Graph}); err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.log().Info("project saved",
			logging.String("project", req.ID),
			logging.Int("references", len(hashes)),
		)
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleProjectItem serves /api/projects/{id}: GET returns the graph,
// DELETE drops the project, releases its references, and stages any now
// fully unreferenced artifacts for collection.
func (s *apiServer) handleProjectItem(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		snap, ok := s.daemon.projects.Get(id)
		if !ok {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.writeJSON(w, http.StatusOK, api.ProjectResponse{
			ID:        snap.ID,
			Name:      snap.Name,
			Graph:     snap.Graph,
			CreatedAt: snap.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			UpdatedAt: snap.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	case http.MethodDelete:
		snap, ok, err := s.daemon.projects.Delete(id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}

		if s.daemon.registry != nil {
			held, err := s.daemon.registry.HashesFor(r.Context(), id)
			if err != nil {
				s.writeServiceError(w, err)
				return
			}
			if err := s.daemon.registry.SyncProject(r.Context(), id, nil); err != nil {
				s.writeServiceError(w, err)
				return
			}
			staged := 0
			for _, hash := range held {
				count, err := s.daemon.registry.CountFor(r.Context(), hash)
				if err != nil || count > 0 {
					continue
				}
				if err := s.daemon.store.Delete(r.Context(), hash); err == nil {
					staged++
				}
			}
			s.log().Info("project deleted",
				logging.String("project", snap.ID),
				logging.Int("staged", staged),
			)
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
