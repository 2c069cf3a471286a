package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/services"
)

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	srv := &apiServer{
		bind:   bind,
		token:  strings.TrimSpace(cfg.Paths.APIToken),
		logger: logger,
		daemon: d,
	}

	mux.HandleFunc("/generate/image", srv.handleGenerateImage)
	mux.HandleFunc("/generate/video", srv.handleGenerateVideo)
	mux.HandleFunc("/generate/speech", srv.handleGenerateSpeech)
	mux.HandleFunc("/generate/storyboard", srv.handleStoryboard)
	mux.HandleFunc("/pipeline/run", srv.handlePipelineRun)
	mux.HandleFunc("/batch", srv.handleBatch)
	mux.HandleFunc("/job", srv.handleJob)
	mux.HandleFunc("/upload", srv.handleUpload)
	mux.HandleFunc("/storage/", srv.handleStorage)
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/artifacts", srv.handleArtifacts)
	mux.HandleFunc("/api/artifacts/rename", srv.handleArtifactRename)
	mux.HandleFunc("/api/artifacts/scavenge", srv.handleScavenge)
	mux.HandleFunc("/api/projects", srv.handleProjects)
	mux.HandleFunc("/api/projects/", srv.handleProjectItem)

	// Generation endpoints hold the response open up to the request
	// timeout, so the write window must outlast it.
	srv.server = &http.Server{
		Handler:           srv.authenticate(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout() + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", slog.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// authenticate gates mutating routes behind the configured API token. Reads
// stay open so artifact URLs keep working in plain <img> tags. An empty
// token leaves the whole surface open for local use.
func (s *apiServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Method != http.MethodGet && r.Method != http.MethodHead {
			presented := r.Header.Get("X-API-Token")
			if presented == "" {
				presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if presented != s.token {
				s.writeError(w, http.StatusForbidden, "invalid or missing API token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// decode reads a JSON request body into dst, rejecting unparsable payloads.
func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps the error taxonomy onto HTTP statuses: validation
// is the caller's fault, not-found means the resource is gone, everything
// else is a server-side failure.
func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String("component", "api-server"))
	}
	return logging.NewNop()
}
