package daemon

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/api"
	"loom/internal/services"
)

// maxUploadBytes caps inline and fetched upload payloads.
const maxUploadBytes = 256 << 20

// handleStorage serves artifact bytes at /storage/{kind}/{filename}.
func (s *apiServer) handleStorage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/storage/")
	kindDir, filename, ok := strings.Cut(rest, "/")
	if !ok || filename == "" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	path, mime, err := s.daemon.store.ServeFile(kindDir, filename)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", mime)
	http.ServeFile(w, r, path)
}

// handleUpload ingests a caller-supplied file, inline base64 or fetched
// from a URL, and files it under a slug-based name.
func (s *apiServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.UploadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		s.writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if (req.Base64 == "") == (req.SourceURL == "") {
		s.writeError(w, http.StatusBadRequest, "exactly one of base64 and sourceUrl must be set")
		return
	}

	var data []byte
	mime := req.MIME
	if req.Base64 != "" {
		payload := req.Base64
		// Data URLs carry their own MIME prefix.
		if strings.HasPrefix(payload, "data:") {
			meta, rest, ok := strings.Cut(payload, ",")
			if !ok {
				s.writeError(w, http.StatusBadRequest, "malformed data URL")
				return
			}
			payload = rest
			if mime == "" {
				mime = strings.TrimSuffix(strings.TrimPrefix(meta, "data:"), ";base64")
			}
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid base64 payload: "+err.Error())
			return
		}
		if len(decoded) > maxUploadBytes {
			s.writeError(w, http.StatusBadRequest, "payload exceeds upload limit")
			return
		}
		data = decoded
	} else {
		fetched, fetchedMIME, err := fetchUpload(r, req.SourceURL)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		data = fetched
		if mime == "" {
			mime = fetchedMIME
		}
	}

	res, err := s.daemon.store.Ingest(r.Context(), req.Filename, data, mime)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	url, _ := s.daemon.store.PublicURL(res.Hash)
	s.writeJSON(w, http.StatusOK, api.UploadResponse{
		Success:  true,
		URL:      url,
		Path:     fmt.Sprintf("/storage/%s/%s", res.Kind.Dir(), res.Filename),
		Filename: res.Filename,
		Hash:     res.Hash,
	})
}

func fetchUpload(r *http.Request, url string) ([]byte, string, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, "", services.Wrap(services.ErrValidation, "api", "upload",
			fmt.Sprintf("unsupported source URL %q", url), nil)
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, "", services.Wrap(services.ErrValidation, "api", "upload", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", services.Wrap(services.ErrIO, "api", "upload", "fetch source", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", services.Wrap(services.ErrIO, "api", "upload",
			fmt.Sprintf("HTTP %d fetching %s", resp.StatusCode, url), nil)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUploadBytes+1))
	if err != nil {
		return nil, "", services.Wrap(services.ErrIO, "api", "upload", "read source", err)
	}
	if len(data) > maxUploadBytes {
		return nil, "", services.Wrap(services.ErrValidation, "api", "upload", "source exceeds upload limit", nil)
	}
	mime := resp.Header.Get("Content-Type")
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	return data, strings.TrimSpace(mime), nil
}
