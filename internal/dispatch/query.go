package dispatch

import (
	"context"
	"time"

	"loom/internal/logging"
	"loom/internal/provider"
	"loom/internal/services"
)

// QueryJob returns a snapshot of one job.
func (d *Dispatcher) QueryJob(id string) (JobSnapshot, error) {
	d.mu.RLock()
	job, ok := d.jobs[id]
	d.mu.RUnlock()
	if !ok {
		return JobSnapshot{}, services.Wrap(services.ErrNotFound, "dispatcher", "query-job", id, nil)
	}
	return job.Snapshot(), nil
}

// QueryBatch returns a snapshot of one batch.
func (d *Dispatcher) QueryBatch(id string) (BatchSnapshot, error) {
	d.mu.RLock()
	batch, ok := d.batches[id]
	d.mu.RUnlock()
	if !ok {
		return BatchSnapshot{}, services.Wrap(services.ErrNotFound, "dispatcher", "query-batch", id, nil)
	}
	return batch.Snapshot(), nil
}

// JobsFor lists snapshots of every job submitted under a node id, in
// submission order.
func (d *Dispatcher) JobsFor(nodeID string) []JobSnapshot {
	d.mu.RLock()
	ids := d.jobsByNode[nodeID]
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := d.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	d.mu.RUnlock()

	out := make([]JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Snapshot())
	}
	return out
}

// BatchesFor lists snapshots of every batch submitted under a node id.
func (d *Dispatcher) BatchesFor(nodeID string) []BatchSnapshot {
	d.mu.RLock()
	ids := d.batchesByNode[nodeID]
	batches := make([]*Batch, 0, len(ids))
	for _, id := range ids {
		if batch, ok := d.batches[id]; ok {
			batches = append(batches, batch)
		}
	}
	d.mu.RUnlock()

	out := make([]BatchSnapshot, 0, len(batches))
	for _, batch := range batches {
		out = append(out, batch.Snapshot())
	}
	return out
}

// Cancel cancels a job or batch by id. A batch cancel cascades to every
// non-terminal child.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.RLock()
	job, isJob := d.jobs[id]
	batch, isBatch := d.batches[id]
	d.mu.RUnlock()

	switch {
	case isJob:
		if !job.cancel() {
			return services.Wrap(services.ErrValidation, "dispatcher", "cancel", id, ErrAlreadyTerminal)
		}
		return nil
	case isBatch:
		if !batch.markCancelled() {
			return services.Wrap(services.ErrValidation, "dispatcher", "cancel", id, ErrAlreadyTerminal)
		}
		for _, jobID := range batch.JobIDs() {
			d.mu.RLock()
			child, ok := d.jobs[jobID]
			d.mu.RUnlock()
			if !ok {
				continue
			}
			if child.cancel() {
				batch.onChildTerminal(child.Snapshot())
			}
		}
		return nil
	default:
		return services.Wrap(services.ErrNotFound, "dispatcher", "cancel", id, nil)
	}
}

// WaitJob blocks until the job is terminal or ctx expires, returning the
// final snapshot either way.
func (d *Dispatcher) WaitJob(ctx context.Context, id string) (JobSnapshot, error) {
	d.mu.RLock()
	job, ok := d.jobs[id]
	d.mu.RUnlock()
	if !ok {
		return JobSnapshot{}, services.Wrap(services.ErrNotFound, "dispatcher", "wait-job", id, nil)
	}
	select {
	case <-job.Done():
		return job.Snapshot(), nil
	case <-ctx.Done():
		return job.Snapshot(), services.Wrap(services.ErrTimeout, "dispatcher", "wait-job", id, ctx.Err())
	}
}

// WaitBatch blocks until the batch is terminal or ctx expires.
func (d *Dispatcher) WaitBatch(ctx context.Context, id string) (BatchSnapshot, error) {
	d.mu.RLock()
	batch, ok := d.batches[id]
	d.mu.RUnlock()
	if !ok {
		return BatchSnapshot{}, services.Wrap(services.ErrNotFound, "dispatcher", "wait-batch", id, nil)
	}
	select {
	case <-batch.Done():
		return batch.Snapshot(), nil
	case <-ctx.Done():
		return batch.Snapshot(), services.Wrap(services.ErrTimeout, "dispatcher", "wait-batch", id, ctx.Err())
	}
}

// Stats summarizes dispatcher load for the status surface.
type Stats struct {
	Jobs     map[State]int `json:"jobs"`
	Batches  map[State]int `json:"batches"`
	InFlight int           `json:"inFlight"`
}

// Stats counts jobs and batches by state.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := Stats{Jobs: make(map[State]int), Batches: make(map[State]int)}
	for _, job := range d.jobs {
		state := job.State()
		stats.Jobs[state]++
		if state == StateSubmitted || state == StateRunning {
			stats.InFlight++
		}
	}
	for _, batch := range d.batches {
		stats.Batches[batch.Status()]++
	}
	return stats
}

// cancelRemoteBestEffort issues a provider-side cancel with a short
// deadline, off the job's own context since that one is already gone.
func (d *Dispatcher) cancelRemoteBestEffort(adapter provider.Adapter, h *provider.PollHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.CancelRemote(ctx, h); err != nil {
		d.logger.Debug("provider-side cancel failed", logging.Error(err))
	}
}
