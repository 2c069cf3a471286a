package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/internal/dispatch"
	"loom/internal/logging"
	"loom/internal/provider"
	"loom/internal/services"
	"loom/internal/testsupport"
)

// fakeRunner scripts batch and job outcomes by node id and records the
// order of submissions and waits.
type fakeRunner struct {
	mu sync.Mutex

	// failNodes lists node ids whose child jobs fail.
	failNodes map[string]bool

	events      []string
	jobRequests map[string]provider.Request
	waited      map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		failNodes:   make(map[string]bool),
		jobRequests: make(map[string]provider.Request),
		waited:      make(map[string]bool),
	}
}

func (r *fakeRunner) record(event string) {
	r.events = append(r.events, event)
}

func (r *fakeRunner) SubmitBatch(nodeID, projectID string, req provider.Request, count, windowSize int) (*dispatch.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("submit-batch:" + nodeID)
	return &dispatch.Batch{ID: nodeID, NodeID: nodeID, ProjectID: projectID}, nil
}

func (r *fakeRunner) SubmitJob(nodeID, projectID string, req provider.Request) (*dispatch.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("submit-job:" + nodeID)
	r.jobRequests[nodeID] = req
	return &dispatch.Job{ID: nodeID, NodeID: nodeID, ProjectID: projectID}, nil
}

func (r *fakeRunner) WaitBatch(ctx context.Context, id string) (dispatch.BatchSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("wait-batch:" + id)
	r.waited[id] = true
	if r.failNodes[id] {
		return dispatch.BatchSnapshot{
			ID:          id,
			Status:      dispatch.StateFailed,
			TotalCount:  1,
			FailedCount: 1,
			Results:     []dispatch.BatchResult{{Index: 0, Status: dispatch.StateFailed, Error: "provider said no"}},
		}, nil
	}
	return dispatch.BatchSnapshot{
		ID:             id,
		Status:         dispatch.StateCompleted,
		TotalCount:     1,
		CompletedCount: 1,
		Results:        []dispatch.BatchResult{{Index: 0, Status: dispatch.StateCompleted, Outputs: []string{"img-" + id}}},
	}, nil
}

func (r *fakeRunner) WaitJob(ctx context.Context, id string) (dispatch.JobSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("wait-job:" + id)
	if r.failNodes[id] {
		return dispatch.JobSnapshot{ID: id, State: dispatch.StateFailed, Error: "provider said no"}, nil
	}
	return dispatch.JobSnapshot{ID: id, State: dispatch.StateCompleted, Outputs: []string{"vid-" + id}}, nil
}

func (r *fakeRunner) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("cancel:" + id)
	return nil
}

func tinyPlan() Plan {
	return Plan{
		ProjectID: "proj-1",
		Characters: []Character{{
			ID:     "c1",
			Name:   "Hero",
			Prompt: "a weathered astronaut",
			Angles: []string{"front", "left", "right", "back"},
			Model:  "google/nano-banana/text-to-image",
		}},
		Locations: []Location{{
			ID:     "l1",
			Name:   "Cafe",
			Prompt: "a rainy cafe exterior",
			Model:  "google/nano-banana/text-to-image",
		}},
		Shots: []Shot{
			{ID: "s1", Prompt: "hero enters", CharacterIDs: []string{"c1"}, LocationID: "l1", DurationSeconds: 5, Model: "kwaivgi/kling-v2.5-turbo-pro-image-to-video"},
			{ID: "s2", Prompt: "hero exits", CharacterIDs: []string{"c1"}, LocationID: "l1", DurationSeconds: 5, Model: "kwaivgi/kling-v2.5-turbo-pro-image-to-video"},
		},
	}
}

func newTestOrchestrator(t *testing.T, runner JobRunner) *Orchestrator {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	o := New(cfg, runner, nil, logging.NewNop())
	o.artifactPollInterval = time.Millisecond
	return o
}

func TestPipelinePhaseOrderAndPartialSuccess(t *testing.T) {
	runner := newFakeRunner()
	runner.failNodes["character:c1:left"] = true
	o := newTestOrchestrator(t, runner)

	result, err := o.Run(context.Background(), tinyPlan())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// One failed angle still leaves three character references.
	if got := len(result.CharacterImages["c1"]); got != 3 {
		t.Fatalf("character images = %d, want 3", got)
	}
	if got := len(result.LocationImages["l1"]); got != 1 {
		t.Fatalf("location images = %d, want 1", got)
	}
	for _, shotID := range []string{"s1", "s2"} {
		if got := len(result.ShotVideos[shotID]); got != 1 {
			t.Fatalf("videos for %s = %d, want 1", shotID, got)
		}
		req := runner.jobRequests["shot:"+shotID]
		if len(req.Inputs) != 4 {
			t.Fatalf("shot %s received %d inputs, want 3 character + 1 location", shotID, len(req.Inputs))
		}
	}

	// Phase gate: every character wait precedes the first location submit,
	// and every location wait precedes the first shot submit.
	firstLocationSubmit := indexOf(runner.events, "submit-batch:location:l1")
	firstShotSubmit := indexOf(runner.events, "submit-job:shot:s1")
	for i, event := range runner.events {
		if strings.HasPrefix(event, "wait-batch:character:") && i > firstLocationSubmit {
			t.Fatalf("location phase started before character phase finished: %v", runner.events)
		}
		if strings.HasPrefix(event, "wait-batch:location:") && i > firstShotSubmit {
			t.Fatalf("shot phase started before location phase finished: %v", runner.events)
		}
	}
}

func indexOf(events []string, target string) int {
	for i, e := range events {
		if e == target {
			return i
		}
	}
	return len(events)
}

func TestPipelineAbortsWhenCharacterHasNoImages(t *testing.T) {
	runner := newFakeRunner()
	for _, angle := range []string{"front", "left", "right", "back"} {
		runner.failNodes["character:c1:"+angle] = true
	}
	o := newTestOrchestrator(t, runner)

	_, err := o.Run(context.Background(), tinyPlan())
	if !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("err = %v, want ErrNoArtifact", err)
	}
	if !errors.Is(err, services.ErrFatal) {
		t.Fatalf("err = %v, want fatal kind", err)
	}
	for _, event := range runner.events {
		if strings.HasPrefix(event, "submit-batch:location:") || strings.HasPrefix(event, "submit-job:shot:") {
			t.Fatalf("downstream phase ran after fatal abort: %v", runner.events)
		}
	}
}

func TestPipelineValidatesPlan(t *testing.T) {
	o := newTestOrchestrator(t, newFakeRunner())

	bad := tinyPlan()
	bad.Shots[0].CharacterIDs = []string{"ghost"}
	if _, err := o.Run(context.Background(), bad); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}

	empty := Plan{ProjectID: "p"}
	if _, err := o.Run(context.Background(), empty); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

type recordingExporter struct {
	mu      sync.Mutex
	exports []string
}

func (e *recordingExporter) Export(_ context.Context, shotID, hash string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exports = append(e.exports, shotID+"="+hash)
	return nil
}

func TestPipelineExportsShotVideos(t *testing.T) {
	runner := newFakeRunner()
	cfg := testsupport.NewConfig(t)
	exporter := &recordingExporter{}
	o := New(cfg, runner, exporter, logging.NewNop())
	o.artifactPollInterval = time.Millisecond

	if _, err := o.Run(context.Background(), tinyPlan()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(exporter.exports) != 2 {
		t.Fatalf("exports = %v, want one per shot", exporter.exports)
	}
}
