package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/internal/config"
	"loom/internal/dispatch"
	"loom/internal/logging"
	"loom/internal/provider"
	"loom/internal/services"
)

// ErrNoArtifact aborts a run when a downstream consumer is left with zero
// usable inputs.
var ErrNoArtifact = fmt.Errorf("no artifact produced for a required input")

// JobRunner is the slice of the dispatcher the orchestrator drives.
type JobRunner interface {
	SubmitBatch(nodeID, projectID string, req provider.Request, count, windowSize int) (*dispatch.Batch, error)
	SubmitJob(nodeID, projectID string, req provider.Request) (*dispatch.Job, error)
	WaitBatch(ctx context.Context, id string) (dispatch.BatchSnapshot, error)
	WaitJob(ctx context.Context, id string) (dispatch.JobSnapshot, error)
	Cancel(id string) error
}

// Exporter hands finished artifacts to the editing collaborator.
type Exporter interface {
	Export(ctx context.Context, shotID, hash string) error
}

// Result aggregates the artifacts a run produced.
type Result struct {
	CharacterImages map[string][]string `json:"characterImages"`
	LocationImages  map[string][]string `json:"locationImages"`
	ShotVideos      map[string][]string `json:"shotVideos"`
}

// Orchestrator drives a plan through the phase graph.
type Orchestrator struct {
	runner   JobRunner
	exporter Exporter
	cfg      *config.Config
	logger   *slog.Logger

	// artifactPollInterval is the cadence for re-checking collections while
	// waiting on a downstream input.
	artifactPollInterval time.Duration
}

const defaultArtifactPoll = 500 * time.Millisecond

// New builds an orchestrator. exporter may be nil to skip the export phase.
func New(cfg *config.Config, runner JobRunner, exporter Exporter, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		runner:               runner,
		exporter:             exporter,
		cfg:                  cfg,
		logger:               logging.NewComponentLogger(logger, "pipeline"),
		artifactPollInterval: defaultArtifactPoll,
	}
}

// Run executes the plan's phases in order. Cancelling ctx cancels all
// in-flight jobs of the current phase and skips the rest.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (Result, error) {
	result := Result{
		CharacterImages: make(map[string][]string),
		LocationImages:  make(map[string][]string),
		ShotVideos:      make(map[string][]string),
	}
	if err := plan.Validate(); err != nil {
		return result, err
	}

	// Phase 1+2: character reference images, then collection population.
	characterImages, err := o.runReferencePhase(ctx, plan.ProjectID, "character", characterRequests(plan))
	if err != nil {
		return result, err
	}
	result.CharacterImages = characterImages
	for _, c := range plan.Characters {
		if len(characterImages[c.ID]) == 0 {
			return result, services.Wrap(services.ErrFatal, "pipeline", "characters",
				"character "+c.ID+" produced no reference image", ErrNoArtifact)
		}
	}

	// Phase 3+4: location reference images.
	locationImages, err := o.runReferencePhase(ctx, plan.ProjectID, "location", locationRequests(plan))
	if err != nil {
		return result, err
	}
	result.LocationImages = locationImages
	for _, l := range plan.Locations {
		if len(locationImages[l.ID]) == 0 {
			return result, services.Wrap(services.ErrFatal, "pipeline", "locations",
				"location "+l.ID+" produced no reference image", ErrNoArtifact)
		}
	}

	// Phase 5: shot videos.
	videos, err := o.runShotPhase(ctx, plan, characterImages, locationImages)
	if err != nil {
		return result, err
	}
	result.ShotVideos = videos

	// Phase 6: export.
	if o.exporter != nil {
		for _, shot := range plan.Shots {
			for _, hash := range videos[shot.ID] {
				if err := o.exporter.Export(ctx, shot.ID, hash); err != nil {
					return result, services.Wrap(services.ErrIO, "pipeline", "export", shot.ID, err)
				}
			}
		}
	}
	return result, nil
}

// referenceRequest pairs a collection key with one image batch to run.
type referenceRequest struct {
	key     string
	nodeID  string
	request provider.Request
	count   int
}

func characterRequests(plan Plan) []referenceRequest {
	var out []referenceRequest
	for _, c := range plan.Characters {
		for _, angle := range c.Angles {
			out = append(out, referenceRequest{
				key:    c.ID,
				nodeID: "character:" + c.ID + ":" + angle,
				request: provider.Request{
					Kind:   provider.KindTextToImage,
					Model:  c.Model,
					Prompt: c.Prompt + ", " + angle + " view",
					Params: provider.Params{"aspectRatio": "1:1"},
				},
				count: 1,
			})
		}
	}
	return out
}

func locationRequests(plan Plan) []referenceRequest {
	var out []referenceRequest
	for _, l := range plan.Locations {
		out = append(out, referenceRequest{
			key:    l.ID,
			nodeID: "location:" + l.ID,
			request: provider.Request{
				Kind:   provider.KindTextToImage,
				Model:  l.Model,
				Prompt: l.Prompt,
				Params: provider.Params{"aspectRatio": "16:9"},
			},
			count: 1,
		})
	}
	return out
}

// runReferencePhase submits one batch per request, waits for every batch to
// reach terminal, and aggregates completed outputs by collection key. The
// phase gate is the wait: nothing downstream starts while any batch here is
// non-terminal. Individual failures are tolerated; the caller decides
// whether an empty collection is fatal.
func (o *Orchestrator) runReferencePhase(ctx context.Context, projectID, phase string, requests []referenceRequest) (map[string][]string, error) {
	collections := make(map[string][]string)
	if len(requests) == 0 {
		return collections, nil
	}

	type flight struct {
		key     string
		batchID string
	}
	flights := make([]flight, 0, len(requests))
	cancelAll := func() {
		for _, f := range flights {
			_ = o.runner.Cancel(f.batchID)
		}
	}
	for _, req := range requests {
		batch, err := o.runner.SubmitBatch(req.nodeID, projectID, req.request, req.count, req.count)
		if err != nil {
			cancelAll()
			return collections, err
		}
		flights = append(flights, flight{key: req.key, batchID: batch.ID})
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	failures := 0
	for _, f := range flights {
		wg.Add(1)
		go func(f flight) {
			defer wg.Done()
			snap, err := o.runner.WaitBatch(ctx, f.batchID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || snap.Status != dispatch.StateCompleted {
				failures++
				o.logger.Warn("reference batch did not complete",
					logging.String(logging.FieldPhase, phase),
					logging.String(logging.FieldBatchID, f.batchID),
					logging.String("status", string(snap.Status)),
				)
			}
			for _, r := range snap.Results {
				if r.Status == dispatch.StateCompleted {
					collections[f.key] = append(collections[f.key], r.Outputs...)
				}
			}
		}(f)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		cancelAll()
		return collections, services.Wrap(services.ErrCancelled, "pipeline", phase, "", err)
	}
	o.logger.Info("reference phase complete",
		logging.String(logging.FieldPhase, phase),
		logging.Int("batches", len(flights)),
		logging.Int("failures", failures),
	)
	return collections, nil
}

// runShotPhase submits one video job per shot, each drawing its reference
// images from the character and location collections, and waits for all.
func (o *Orchestrator) runShotPhase(ctx context.Context, plan Plan, characters, locations map[string][]string) (map[string][]string, error) {
	videos := make(map[string][]string)

	type flight struct {
		shotID string
		jobID  string
	}
	var flights []flight
	for _, shot := range plan.Shots {
		inputs, err := o.collectShotInputs(ctx, shot, characters, locations)
		if err != nil {
			for _, f := range flights {
				_ = o.runner.Cancel(f.jobID)
			}
			return videos, err
		}
		params := provider.Params{}
		if shot.DurationSeconds > 0 {
			params["duration"] = shot.DurationSeconds
		}
		if shot.AspectRatio != "" {
			params["aspectRatio"] = shot.AspectRatio
		}
		job, err := o.runner.SubmitJob("shot:"+shot.ID, plan.ProjectID, provider.Request{
			Kind:   provider.KindImageToVideo,
			Model:  shot.Model,
			Prompt: shot.Prompt,
			Params: params,
			Inputs: inputs,
		})
		if err != nil {
			for _, f := range flights {
				_ = o.runner.Cancel(f.jobID)
			}
			return videos, err
		}
		flights = append(flights, flight{shotID: shot.ID, jobID: job.ID})
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, f := range flights {
		wg.Add(1)
		go func(f flight) {
			defer wg.Done()
			snap, err := o.runner.WaitJob(ctx, f.jobID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && snap.State == dispatch.StateCompleted {
				videos[f.shotID] = append(videos[f.shotID], snap.Outputs...)
			} else {
				o.logger.Warn("shot video failed",
					logging.String(logging.FieldPhase, "shots"),
					logging.String("shot", f.shotID),
					logging.String("error", snap.Error),
				)
			}
		}(f)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		for _, f := range flights {
			_ = o.runner.Cancel(f.jobID)
		}
		return videos, services.Wrap(services.ErrCancelled, "pipeline", "shots", "", err)
	}
	return videos, nil
}

// collectShotInputs gathers a shot's reference images, polling the
// collections on a fixed cadence up to the per-medium ceiling before
// declaring an input unavailable.
func (o *Orchestrator) collectShotInputs(ctx context.Context, shot Shot, characters, locations map[string][]string) ([]string, error) {
	var inputs []string
	for _, cid := range shot.CharacterIDs {
		images, err := o.waitForArtifacts(ctx, o.cfg.ImageWait(), func() []string { return characters[cid] })
		if err != nil {
			return nil, services.Wrap(services.ErrFatal, "pipeline", "shot-inputs",
				"shot "+shot.ID+" has no reference for character "+cid, ErrNoArtifact)
		}
		inputs = append(inputs, images...)
	}
	if shot.LocationID != "" {
		images, err := o.waitForArtifacts(ctx, o.cfg.ImageWait(), func() []string { return locations[shot.LocationID] })
		if err != nil {
			return nil, services.Wrap(services.ErrFatal, "pipeline", "shot-inputs",
				"shot "+shot.ID+" has no reference for location "+shot.LocationID, ErrNoArtifact)
		}
		inputs = append(inputs, images...)
	}
	return inputs, nil
}

// waitForArtifacts polls get on the orchestrator's cadence until it yields
// at least one artifact or the ceiling passes.
func (o *Orchestrator) waitForArtifacts(ctx context.Context, ceiling time.Duration, get func() []string) ([]string, error) {
	deadline := time.Now().Add(ceiling)
	for {
		if artifacts := get(); len(artifacts) > 0 {
			return artifacts, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoArtifact
		}
		if err := services.SleepWithContext(ctx, o.artifactPollInterval); err != nil {
			return nil, err
		}
	}
}
