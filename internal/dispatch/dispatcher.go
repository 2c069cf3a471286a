package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/provider"
	"loom/internal/services"
)

// ErrAlreadyTerminal is returned by Cancel when the target already finished.
var ErrAlreadyTerminal = errors.New("already terminal")

// RefAdder records that a project references a produced artifact.
type RefAdder interface {
	Add(ctx context.Context, hash, projectID string) error
}

// Dispatcher owns the job and batch maps and runs every generation to its
// terminal state. State is in-memory only; a restart loses in-flight jobs,
// which is acceptable because the cost meter debits on provider-reported
// success.
type Dispatcher struct {
	cfg       *config.Config
	logger    *slog.Logger
	providers *provider.Registry
	sink      ArtifactSink
	refs      RefAdder
	download  *downloader

	global      *semaphore.Weighted
	perProvider map[string]*semaphore.Weighted

	mu            sync.RWMutex
	jobs          map[string]*Job
	batches       map[string]*Batch
	jobsByNode    map[string][]string
	batchesByNode map[string][]string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// Overridable in tests to compress the schedules.
	pollStart  time.Duration
	retryDelay func(attempt int, retryAfter time.Duration) time.Duration
}

// New builds a dispatcher. Start must be called before submitting.
func New(cfg *config.Config, providers *provider.Registry, sink ArtifactSink, refs RefAdder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Dispatcher{
		cfg:           cfg,
		logger:        logging.NewComponentLogger(logger, "dispatcher"),
		providers:     providers,
		sink:          sink,
		refs:          refs,
		download:      newDownloader(),
		global:        semaphore.NewWeighted(int64(cfg.Dispatch.MaxConcurrency)),
		perProvider:   make(map[string]*semaphore.Weighted),
		jobs:          make(map[string]*Job),
		batches:       make(map[string]*Batch),
		jobsByNode:    make(map[string][]string),
		batchesByNode: make(map[string][]string),
		pollStart:     pollInitialInterval,
		retryDelay:    retryDelay,
	}
	for _, p := range providers.Providers() {
		limit := providers.ConcurrencyFor(p, cfg.Dispatch.MaxConcurrency)
		d.perProvider[p] = semaphore.NewWeighted(int64(limit))
	}
	return d
}

// Start anchors the dispatcher's run context. Jobs outlive the HTTP request
// that submitted them but not this context.
func (d *Dispatcher) Start(ctx context.Context) {
	d.baseCtx, d.baseCancel = context.WithCancel(ctx)
}

// Close cancels all in-flight work and waits for runners to drain.
func (d *Dispatcher) Close() {
	if d.baseCancel != nil {
		d.baseCancel()
	}
	d.wg.Wait()
}

// SubmitJob creates and starts one job. It returns immediately; callers
// observe progress via QueryJob or WaitJob.
func (d *Dispatcher) SubmitJob(nodeID, projectID string, req provider.Request) (*Job, error) {
	adapter, err := d.providers.AdapterFor(req.Kind, req.Model)
	if err != nil {
		return nil, err
	}
	job := newJob(nodeID, projectID, -1, req)
	d.register(job)
	job.transition(StateQueued)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runJob(job, adapter, nil)
	}()
	return job, nil
}

// SubmitStream creates and starts one streaming job whose text deltas are
// forwarded to onDelta in arrival order. onDelta is called from the job
// goroutine and must not block indefinitely.
func (d *Dispatcher) SubmitStream(nodeID, projectID string, req provider.Request, onDelta func(string)) (*Job, error) {
	adapter, err := d.providers.AdapterFor(req.Kind, req.Model)
	if err != nil {
		return nil, err
	}
	job := newJob(nodeID, projectID, -1, req)
	job.onDelta = onDelta
	d.register(job)
	job.transition(StateQueued)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runJob(job, adapter, nil)
	}()
	return job, nil
}

// SubmitBatch fans req out into count jobs, at most windowSize of them
// pending at once. Child results land in submission order.
func (d *Dispatcher) SubmitBatch(nodeID, projectID string, req provider.Request, count, windowSize int) (*Batch, error) {
	if count < 1 {
		return nil, services.Wrap(services.ErrValidation, "dispatcher", "submit-batch", "count must be at least 1", nil)
	}
	adapter, err := d.providers.AdapterFor(req.Kind, req.Model)
	if err != nil {
		return nil, err
	}

	fingerprint := BatchFingerprint(req.Kind, req.Model, req.Params, req.Inputs, 0)
	batch := newBatch(nodeID, projectID, count, windowSize, fingerprint)

	jobs := make([]*Job, count)
	for i := range count {
		job := newJob(nodeID, projectID, i, req)
		job.BatchID = batch.ID
		jobs[i] = job
		d.register(job)
		batch.addJob(job.ID, i)
		job.transition(StateQueued)
	}
	d.registerBatch(batch)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runBatch(batch, jobs, adapter)
	}()

	d.logger.Info("batch submitted",
		logging.String(logging.FieldBatchID, batch.ID),
		logging.String(logging.FieldNodeID, nodeID),
		logging.String(logging.FieldModel, req.Model),
		logging.Int("count", count),
		logging.Int("window", batch.maxConcurrency),
	)
	return batch, nil
}

// runBatch feeds child jobs through the batch's concurrency window.
func (d *Dispatcher) runBatch(batch *Batch, jobs []*Job, adapter provider.Adapter) {
	window := make(chan struct{}, batch.maxConcurrency)
	var childWG sync.WaitGroup
	for _, job := range jobs {
		select {
		case window <- struct{}{}:
		case <-d.baseCtx.Done():
			job.cancel()
			batch.onChildTerminal(job.Snapshot())
			continue
		case <-batch.Done():
			// Batch cancelled; flush remaining children without running.
			job.cancel()
			batch.onChildTerminal(job.Snapshot())
			continue
		}
		childWG.Add(1)
		go func(job *Job) {
			defer childWG.Done()
			defer func() { <-window }()
			d.runJob(job, adapter, batch.onChildTerminal)
		}(job)
	}
	childWG.Wait()
}

func (d *Dispatcher) register(job *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs[job.ID] = job
	if job.NodeID != "" {
		d.jobsByNode[job.NodeID] = append(d.jobsByNode[job.NodeID], job.ID)
	}
}

func (d *Dispatcher) registerBatch(batch *Batch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches[batch.ID] = batch
	if batch.NodeID != "" {
		d.batchesByNode[batch.NodeID] = append(d.batchesByNode[batch.NodeID], batch.ID)
	}
}

// runJob drives one job to a terminal state: acquire admission slots, submit
// with retries, then finish per wire mode. Slots release on return, which is
// always a terminal transition.
func (d *Dispatcher) runJob(job *Job, adapter provider.Adapter, onTerminal func(JobSnapshot)) {
	defer func() {
		if onTerminal != nil {
			onTerminal(job.Snapshot())
		}
	}()

	runCtx, cancelRun := context.WithCancel(d.baseCtx)
	defer cancelRun()
	job.setCancelFunc(cancelRun)

	desc := adapter.Descriptor()

	if err := d.global.Acquire(runCtx, 1); err != nil {
		job.fail(services.Wrap(services.ErrCancelled, "dispatcher", "admit", "", err))
		return
	}
	defer d.global.Release(1)

	if sem := d.perProvider[desc.Provider]; sem != nil {
		if err := sem.Acquire(runCtx, 1); err != nil {
			job.fail(services.Wrap(services.ErrCancelled, "dispatcher", "admit", "", err))
			return
		}
		defer sem.Release(1)
	}

	if !job.transition(StateSubmitted) {
		// Cancelled while queued; no provider call.
		return
	}

	handle, err := d.submitWithRetry(runCtx, adapter, job)
	if err != nil {
		d.failOrKeepCancelled(job, err)
		return
	}

	switch h := handle.(type) {
	case provider.SyncResult:
		d.finalize(runCtx, job, h.Outputs, h.Cost)
	case *provider.PollHandle:
		job.transition(StateRunning)
		status, err := d.pollUntilTerminal(runCtx, adapter, job, h)
		if err != nil {
			if job.State() == StateCancelled {
				d.cancelRemoteBestEffort(adapter, h)
				return
			}
			d.failOrKeepCancelled(job, err)
			return
		}
		d.finalize(runCtx, job, status.Outputs, adapter.Cost(job.Request))
	case *provider.StreamHandle:
		job.transition(StateRunning)
		text, err := adapter.Consume(runCtx, h, job.onDelta)
		if err != nil {
			d.failOrKeepCancelled(job, err)
			return
		}
		job.complete(nil, text, adapter.Cost(job.Request))
	default:
		job.fail(services.Wrap(services.ErrFatal, "dispatcher", "run",
			fmt.Sprintf("adapter returned unknown handle %T", handle), nil))
	}
}

// failOrKeepCancelled fails the job unless a caller cancel already made it
// terminal.
func (d *Dispatcher) failOrKeepCancelled(job *Job, err error) {
	if job.State() == StateCancelled {
		return
	}
	if job.fail(err) {
		d.logger.Warn("job failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldModel, job.Request.Model),
			logging.String("error_kind", services.Kind(err)),
			logging.Error(err),
		)
	}
}

// submitWithRetry retries transient submit failures on the 1s/4s/10s
// schedule, honoring Retry-After. Client, auth, and provider errors return
// immediately.
func (d *Dispatcher) submitWithRetry(ctx context.Context, adapter provider.Adapter, job *Job) (provider.Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		handle, err := adapter.Submit(ctx, job.Request)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if !services.Retryable(err) || attempt == maxSubmitAttempts {
			return nil, err
		}

		var rateLimit *provider.RateLimitError
		var retryAfter time.Duration
		if errors.As(err, &rateLimit) {
			retryAfter = rateLimit.RetryAfter
		}
		delay := d.retryDelay(attempt, retryAfter)
		d.logger.Debug("transient submit failure, retrying",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if err := services.SleepWithContext(ctx, delay); err != nil {
			return nil, services.Wrap(services.ErrCancelled, "dispatcher", "retry", "", err)
		}
	}
	return nil, lastErr
}

// pollUntilTerminal probes the remote task on the 2s-start, 1.5x, 10s-cap
// schedule until the provider reports terminal or the descriptor's attempt
// cap is spent.
func (d *Dispatcher) pollUntilTerminal(ctx context.Context, adapter provider.Adapter, job *Job, h *provider.PollHandle) (provider.PollStatus, error) {
	interval := d.pollStart
	maxPolls := adapter.Descriptor().PollCap
	for attempt := 1; attempt <= maxPolls; attempt++ {
		if err := services.SleepWithContext(ctx, interval); err != nil {
			return provider.PollStatus{}, services.Wrap(services.ErrCancelled, "dispatcher", "poll", "", err)
		}
		status, err := adapter.Poll(ctx, h)
		if err != nil {
			if services.Retryable(err) {
				// A flaky probe consumes an attempt but not the job.
				interval = nextPollInterval(interval)
				continue
			}
			return provider.PollStatus{}, err
		}
		switch status.State {
		case provider.PollCompleted:
			return status, nil
		case provider.PollFailed:
			return provider.PollStatus{}, services.Wrap(services.ErrProvider, "dispatcher", "poll", status.Message, nil)
		}
		interval = nextPollInterval(interval)
	}
	return provider.PollStatus{}, services.Wrap(services.ErrTimeout, "dispatcher", "poll",
		fmt.Sprintf("task %s still pending after %d polls", h.ID, maxPolls), nil)
}

// finalize stores each output and flips the job to Completed. A cancel
// observed at any point discards the work.
func (d *Dispatcher) finalize(ctx context.Context, job *Job, outputs []provider.Output, cost float64) {
	if job.State() == StateCancelled {
		return
	}
	hashes, err := d.storeOutputs(ctx, job, outputs)
	if err != nil {
		d.failOrKeepCancelled(job, err)
		return
	}
	if job.complete(hashes, "", cost) {
		d.logger.Info("job completed",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldModel, job.Request.Model),
			logging.Int("outputs", len(hashes)),
		)
	}
}
