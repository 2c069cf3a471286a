package testsupport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// ReplicateStub emulates the Replicate predictions wire for dispatcher and
// API tests: submit, poll, cancel, and artifact file serving.
type ReplicateStub struct {
	Server *httptest.Server

	// SyncMode makes submissions return succeeded inline. Otherwise each
	// submit opens a task that completes after PollsUntilDone probes.
	SyncMode       bool
	PollsUntilDone int

	// FailSubmit, when set, is consulted per submission (1-based). A
	// non-zero status makes that submission fail with the given body.
	FailSubmit func(n int) (status int, body string)

	// RetryAfterSeconds is attached as a Retry-After header on injected
	// 429 responses.
	RetryAfterSeconds int

	// Payload is the artifact bytes served from the output URL.
	Payload     []byte
	PayloadName string

	mu          sync.Mutex
	submitCount int
	pollCounts  map[string]int
	cancelCount int
}

// NewReplicateStub starts a stub with a 1 KiB PNG-ish payload. Callers
// adjust the knobs before submitting traffic.
func NewReplicateStub(t testing.TB) *ReplicateStub {
	t.Helper()
	payload := make([]byte, 1024)
	copy(payload, []byte("\x89PNG\r\n\x1a\n"))
	s := &ReplicateStub{
		SyncMode:       true,
		PollsUntilDone: 3,
		Payload:        payload,
		PayloadName:    "out.png",
		pollCounts:     make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/models/", s.handleSubmit)
	mux.HandleFunc("GET /v1/predictions/{id}", s.handlePoll)
	mux.HandleFunc("POST /v1/predictions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /files/{name}", s.handleFile)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

// URL returns the stub's base URL for provider configuration.
func (s *ReplicateStub) URL() string { return s.Server.URL }

// SubmitCount reports how many submissions arrived.
func (s *ReplicateStub) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCount
}

// PollCount reports how many polls arrived for a task id.
func (s *ReplicateStub) PollCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCounts[id]
}

// TotalPolls reports polls across all tasks.
func (s *ReplicateStub) TotalPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.pollCounts {
		total += n
	}
	return total
}

// CancelCount reports provider-side cancel calls.
func (s *ReplicateStub) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCount
}

func (s *ReplicateStub) outputURL() string {
	return s.Server.URL + "/files/" + s.PayloadName
}

func (s *ReplicateStub) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.submitCount++
	n := s.submitCount
	s.mu.Unlock()

	if s.FailSubmit != nil {
		if status, body := s.FailSubmit(n); status != 0 {
			if status == http.StatusTooManyRequests && s.RetryAfterSeconds > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", s.RetryAfterSeconds))
			}
			w.WriteHeader(status)
			fmt.Fprint(w, body)
			return
		}
	}

	if s.SyncMode && strings.Contains(r.Header.Get("Prefer"), "wait") {
		fmt.Fprintf(w, `{"id":"p%d","status":"succeeded","output":[%q]}`, n, s.outputURL())
		return
	}
	id := fmt.Sprintf("p%d", n)
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"id":%q,"status":"starting","urls":{"get":%q,"cancel":%q}}`,
		id,
		s.Server.URL+"/v1/predictions/"+id,
		s.Server.URL+"/v1/predictions/"+id+"/cancel")
}

func (s *ReplicateStub) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	s.pollCounts[id]++
	count := s.pollCounts[id]
	s.mu.Unlock()

	if count < s.PollsUntilDone {
		fmt.Fprintf(w, `{"id":%q,"status":"processing"}`, id)
		return
	}
	fmt.Fprintf(w, `{"id":%q,"status":"succeeded","output":%q}`, id, s.outputURL())
}

func (s *ReplicateStub) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.cancelCount++
	s.mu.Unlock()
	fmt.Fprintf(w, `{"id":%q,"status":"canceled"}`, r.PathValue("id"))
}

func (s *ReplicateStub) handleFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	switch {
	case strings.HasSuffix(name, ".png"):
		w.Header().Set("Content-Type", "image/png")
	case strings.HasSuffix(name, ".mp4"):
		w.Header().Set("Content-Type", "video/mp4")
	case strings.HasSuffix(name, ".mp3"):
		w.Header().Set("Content-Type", "audio/mpeg")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	_, _ = w.Write(s.Payload)
}
