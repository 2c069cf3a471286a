package provider

// Output is one produced artifact, either a URL to fetch or inline bytes.
type Output struct {
	URL  string
	Data []byte
	MIME string
	Text string
}

// Handle is the sum type returned by Submit. Exactly one variant is used per
// wire mode: SyncResult for sync providers, PollHandle for submit-poll, and
// StreamHandle for SSE streams.
type Handle interface {
	isHandle()
}

// SyncResult carries outputs that arrived inline in the submit response.
type SyncResult struct {
	Outputs []Output
	Cost    float64
}

// PollHandle references a remote task to probe until terminal.
type PollHandle struct {
	ID        string
	PollURL   string
	CancelURL string
}

// StreamHandle owns a line-delimited SSE event reader.
type StreamHandle struct {
	stream *sseStream
}

func (SyncResult) isHandle()    {}
func (*PollHandle) isHandle()   {}
func (*StreamHandle) isHandle() {}

// PollState is the uniform remote task status.
type PollState string

const (
	PollRunning   PollState = "running"
	PollCompleted PollState = "completed"
	PollFailed    PollState = "failed"
)

// PollStatus is one probe's result.
type PollStatus struct {
	State   PollState
	Outputs []Output
	Message string
	Cost    float64
}
