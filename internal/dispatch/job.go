package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/provider"
	"loom/internal/services"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateCreated   State = "created"
	StateQueued    State = "queued"
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Job is one generation request in flight. All mutation goes through the
// per-job mutex; a terminal job never changes state, outputs, or error
// fields again.
type Job struct {
	ID        string
	NodeID    string
	BatchID   string
	ProjectID string
	Index     int
	Request   provider.Request

	mu         sync.Mutex
	state      State
	outputs    []string
	text       string
	errKind    string
	errMessage string
	cost       float64
	createdAt  time.Time
	startedAt  time.Time
	endedAt    time.Time

	cancelRun context.CancelFunc
	done      chan struct{}

	// onDelta, when set, receives streamed text deltas in arrival order.
	onDelta func(string)
}

// JobSnapshot is an immutable view of a job for callers.
type JobSnapshot struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"nodeId"`
	BatchID    string    `json:"batchId,omitempty"`
	State      State     `json:"status"`
	Outputs    []string  `json:"outputs,omitempty"`
	Text       string    `json:"text,omitempty"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Cost       float64   `json:"cost,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	EndedAt    time.Time `json:"endedAt,omitzero"`
	Model      string    `json:"model"`
	Kind       string    `json:"kind"`

	index int
}

func newJob(nodeID, projectID string, index int, req provider.Request) *Job {
	return &Job{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		ProjectID: projectID,
		Index:     index,
		Request:   req,
		state:     StateCreated,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Snapshot returns a consistent copy of the job's observable fields.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	outputs := make([]string, len(j.outputs))
	copy(outputs, j.outputs)
	return JobSnapshot{
		ID:        j.ID,
		NodeID:    j.NodeID,
		BatchID:   j.BatchID,
		State:     j.state,
		Outputs:   outputs,
		Text:      j.text,
		ErrorKind: j.errKind,
		Error:     j.errMessage,
		Cost:      j.cost,
		CreatedAt: j.createdAt,
		StartedAt: j.startedAt,
		EndedAt:   j.endedAt,
		Model:     j.Request.Model,
		Kind:      string(j.Request.Kind),
		index:     j.Index,
	}
}

// transition moves the job to a non-terminal state. Returns false when the
// job is already terminal.
func (j *Job) transition(to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = to
	if to == StateSubmitted && j.startedAt.IsZero() {
		j.startedAt = time.Now().UTC()
	}
	return true
}

// complete finalizes the job with its output artifact hashes. No-op when
// already terminal.
func (j *Job) complete(outputs []string, text string, cost float64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = StateCompleted
	j.outputs = outputs
	j.text = text
	j.cost = cost
	j.endedAt = time.Now().UTC()
	close(j.done)
	return true
}

// fail finalizes the job with the taxonomy kind and message of err.
func (j *Job) fail(err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = StateFailed
	j.errKind = services.Kind(err)
	if err != nil {
		j.errMessage = err.Error()
	}
	j.endedAt = time.Now().UTC()
	close(j.done)
	return true
}

// cancel flips the job to Cancelled and aborts its runner. No-op when
// already terminal.
func (j *Job) cancel() bool {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.state = StateCancelled
	j.errKind = services.Kind(services.ErrCancelled)
	j.endedAt = time.Now().UTC()
	cancelRun := j.cancelRun
	close(j.done)
	j.mu.Unlock()
	if cancelRun != nil {
		cancelRun()
	}
	return true
}

func (j *Job) setCancelFunc(cancel context.CancelFunc) {
	j.mu.Lock()
	j.cancelRun = cancel
	j.mu.Unlock()
}
