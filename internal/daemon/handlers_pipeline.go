package daemon

import (
	"net/http"

	"loom/internal/api"
	"loom/internal/logging"
	"loom/internal/pipeline"
)

// handlePipelineRun executes a storyboard plan through the phase graph and
// returns the aggregated artifacts. The run blocks until every phase is
// terminal; the caller's context cancels in-flight phases.
func (s *apiServer) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var plan pipeline.Plan
	if !s.decode(w, r, &plan) {
		return
	}

	orchestrator := pipeline.New(s.daemon.cfg, s.daemon.dispatcher, nil, s.logger)
	result, err := orchestrator.Run(r.Context(), plan)
	if err != nil {
		s.log().Warn("pipeline run failed",
			logging.String("project", plan.ProjectID),
			logging.Error(err),
		)
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]map[string][]string{
		"characterImages": resolveCollections(result.CharacterImages, s.pathFor),
		"locationImages":  resolveCollections(result.LocationImages, s.pathFor),
		"shotVideos":      resolveCollections(result.ShotVideos, s.pathFor),
	})
}

func resolveCollections(collections map[string][]string, resolve api.PathResolver) map[string][]string {
	out := make(map[string][]string, len(collections))
	for key, hashes := range collections {
		out[key] = resolvePaths(hashes, resolve)
	}
	return out
}
