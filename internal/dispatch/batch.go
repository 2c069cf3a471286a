package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/provider"
)

// BatchResult is one child job's slot in the batch's result slice, held in
// submission order regardless of completion order.
type BatchResult struct {
	Index   int      `json:"index"`
	JobID   string   `json:"jobId"`
	Status  State    `json:"status"`
	Outputs []string `json:"outputs,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Batch fans one request out into count jobs with a bounded concurrency
// window.
type Batch struct {
	ID          string
	NodeID      string
	ProjectID   string
	Fingerprint string

	mu             sync.Mutex
	jobIDs         []string
	results        []BatchResult
	total          int
	completed      int
	failed         int
	status         State
	maxConcurrency int
	createdAt      time.Time
	endedAt        time.Time
	done           chan struct{}
}

// BatchSnapshot is an immutable view of a batch.
type BatchSnapshot struct {
	ID             string        `json:"id"`
	NodeID         string        `json:"nodeId"`
	Fingerprint    string        `json:"fingerprint"`
	Status         State         `json:"status"`
	TotalCount     int           `json:"totalCount"`
	CompletedCount int           `json:"completedCount"`
	FailedCount    int           `json:"failedCount"`
	Results        []BatchResult `json:"results"`
	CreatedAt      time.Time     `json:"createdAt"`
	EndedAt        time.Time     `json:"endedAt,omitzero"`
}

func newBatch(nodeID, projectID string, total, maxConcurrency int, fingerprint string) *Batch {
	if maxConcurrency <= 0 || maxConcurrency > total {
		maxConcurrency = total
	}
	return &Batch{
		ID:             uuid.NewString(),
		NodeID:         nodeID,
		ProjectID:      projectID,
		Fingerprint:    fingerprint,
		results:        make([]BatchResult, total),
		total:          total,
		status:         StateRunning,
		maxConcurrency: maxConcurrency,
		createdAt:      time.Now().UTC(),
		done:           make(chan struct{}),
	}
}

// Done is closed when the batch reaches a terminal status.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Snapshot returns a consistent copy of the batch's observable fields.
func (b *Batch) Snapshot() BatchSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	results := make([]BatchResult, len(b.results))
	copy(results, b.results)
	return BatchSnapshot{
		ID:             b.ID,
		NodeID:         b.NodeID,
		Fingerprint:    b.Fingerprint,
		Status:         b.status,
		TotalCount:     b.total,
		CompletedCount: b.completed,
		FailedCount:    b.failed,
		Results:        results,
		CreatedAt:      b.createdAt,
		EndedAt:        b.endedAt,
	}
}

// Status returns the batch status.
func (b *Batch) Status() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// JobIDs lists the child job ids in submission order.
func (b *Batch) JobIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.jobIDs))
	copy(out, b.jobIDs)
	return out
}

func (b *Batch) addJob(jobID string, index int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobIDs = append(b.jobIDs, jobID)
	b.results[index] = BatchResult{Index: index, JobID: jobID, Status: StateQueued}
}

// onChildTerminal records a child's terminal snapshot. Counts update
// atomically with the result slot; when every child is terminal the batch
// status is derived: Completed when at least one child succeeded, Failed
// when none did. An explicit cancel wins over both.
func (b *Batch) onChildTerminal(snap JobSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if snap.Index() < 0 || snap.Index() >= len(b.results) {
		return
	}
	slot := &b.results[snap.Index()]
	if slot.Status.Terminal() {
		return
	}
	slot.Status = snap.State
	slot.Outputs = snap.Outputs
	slot.Error = snap.Error

	switch snap.State {
	case StateCompleted:
		b.completed++
	case StateFailed:
		b.failed++
	}

	if b.status.Terminal() {
		return
	}
	terminal := 0
	succeeded := false
	for i := range b.results {
		if b.results[i].Status.Terminal() {
			terminal++
			if b.results[i].Status == StateCompleted {
				succeeded = true
			}
		}
	}
	if terminal == b.total {
		if succeeded {
			b.status = StateCompleted
		} else {
			b.status = StateFailed
		}
		b.endedAt = time.Now().UTC()
		close(b.done)
	}
}

// markCancelled flips the batch to Cancelled unless already terminal.
func (b *Batch) markCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return false
	}
	b.status = StateCancelled
	b.endedAt = time.Now().UTC()
	close(b.done)
	return true
}

// Index recovers the child's position within its batch from the snapshot.
// Jobs outside a batch report -1.
func (s JobSnapshot) Index() int {
	return s.index
}

// fingerprintInput is the canonical identity of one generation attempt.
type fingerprintInput struct {
	Kind   string          `json:"kind"`
	Model  string          `json:"model"`
	Params provider.Params `json:"params"`
	Inputs []string        `json:"inputs"`
	Index  int             `json:"index"`
}

// BatchFingerprint hashes the canonical JSON of kind, model, params, inputs
// and the replication index. Two batches with identical settings share a
// fingerprint, which the UI uses to recognize re-runs.
func BatchFingerprint(kind provider.Kind, model string, params provider.Params, inputs []string, index int) string {
	payload, _ := json.Marshal(fingerprintInput{
		Kind:   string(kind),
		Model:  model,
		Params: params,
		Inputs: inputs,
		Index:  index,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
