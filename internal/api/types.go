package api

import "encoding/json"

// GenerateImageRequest asks for one or more images from a text or image
// prompt. Inputs carry reference images as storage paths, hashes, or URLs.
type GenerateImageRequest struct {
	NodeID          string         `json:"nodeId"`
	ProjectID       string         `json:"projectId,omitempty"`
	Prompt          string         `json:"prompt"`
	Model           string         `json:"model"`
	AspectRatio     string         `json:"aspectRatio,omitempty"`
	Resolution      string         `json:"resolution,omitempty"`
	Inputs          []string       `json:"inputs,omitempty"`
	NumImages       int            `json:"numImages,omitempty"`
	PixelDimensions bool           `json:"pixelDimensions,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
}

// GenerateVideoRequest asks for one or more video clips. Copies > 1 fans the
// request out as a batch and returns every result.
type GenerateVideoRequest struct {
	NodeID      string         `json:"nodeId"`
	ProjectID   string         `json:"projectId,omitempty"`
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Inputs      []string       `json:"inputs,omitempty"`
	Duration    float64        `json:"duration,omitempty"`
	AspectRatio string         `json:"aspectRatio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
	Copies      int            `json:"copies,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// GenerateSpeechRequest asks for synthesized speech audio.
type GenerateSpeechRequest struct {
	NodeID       string  `json:"nodeId"`
	ProjectID    string  `json:"projectId,omitempty"`
	Text         string  `json:"text"`
	Model        string  `json:"model"`
	Voice        string  `json:"voice,omitempty"`
	Instructions string  `json:"instructions,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
}

// StoryboardRequest asks for streamed storyboard text. The response is
// text/event-stream; each event carries one text delta.
type StoryboardRequest struct {
	NodeID    string `json:"nodeId"`
	ProjectID string `json:"projectId,omitempty"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
}

// GenerateResponse is the terminal result of a synchronous generation call.
// Outputs are public storage paths in submission order.
type GenerateResponse struct {
	Success bool     `json:"success"`
	JobID   string   `json:"jobId"`
	Outputs []string `json:"outputs,omitempty"`
	Text    string   `json:"text,omitempty"`
	Cost    float64  `json:"cost,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// VideoResult is one copy's outcome within a video generation call.
type VideoResult struct {
	Index   int      `json:"index"`
	Status  string   `json:"status"`
	Outputs []string `json:"outputs,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// GenerateVideoResponse aggregates all copies of a video call.
type GenerateVideoResponse struct {
	Success bool          `json:"success"`
	JobID   string        `json:"jobId"`
	Results []VideoResult `json:"results"`
	Cost    float64       `json:"cost,omitempty"`
}

// BatchCreateRequest starts an asynchronous batch and returns immediately.
type BatchCreateRequest struct {
	NodeID    string        `json:"nodeId"`
	ProjectID string        `json:"projectId,omitempty"`
	Type      string        `json:"type"`
	Settings  BatchSettings `json:"settings"`
}

// BatchSettings carries the generation parameters shared by every child of
// a batch.
type BatchSettings struct {
	Count           int            `json:"count"`
	MaxConcurrency  int            `json:"maxConcurrency,omitempty"`
	Prompt          string         `json:"prompt"`
	Model           string         `json:"model"`
	AspectRatio     string         `json:"aspectRatio,omitempty"`
	Resolution      string         `json:"resolution,omitempty"`
	Duration        float64        `json:"duration,omitempty"`
	Inputs          []string       `json:"inputs,omitempty"`
	PixelDimensions bool           `json:"pixelDimensions,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
}

// BatchCreateResponse acknowledges batch acceptance.
type BatchCreateResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

// BatchResult is one child job's outcome in a batch status payload.
type BatchResult struct {
	Index   int      `json:"index"`
	JobID   string   `json:"jobId"`
	Status  string   `json:"status"`
	Outputs []string `json:"outputs,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// BatchStatus is the transport representation of a batch.
type BatchStatus struct {
	ID             string        `json:"id"`
	NodeID         string        `json:"nodeId"`
	Fingerprint    string        `json:"fingerprint"`
	Status         string        `json:"status"`
	TotalCount     int           `json:"totalCount"`
	CompletedCount int           `json:"completedCount"`
	FailedCount    int           `json:"failedCount"`
	Results        []BatchResult `json:"results"`
	CreatedAt      string        `json:"createdAt,omitempty"`
	EndedAt        string        `json:"endedAt,omitempty"`
}

// BatchListResponse wraps the batches attached to a node.
type BatchListResponse struct {
	Batches []BatchStatus `json:"batches"`
}

// JobStatus is the transport representation of a single job.
type JobStatus struct {
	ID        string   `json:"id"`
	NodeID    string   `json:"nodeId"`
	BatchID   string   `json:"batchId,omitempty"`
	Status    string   `json:"status"`
	Outputs   []string `json:"outputs,omitempty"`
	Text      string   `json:"text,omitempty"`
	ErrorKind string   `json:"errorKind,omitempty"`
	Error     string   `json:"error,omitempty"`
	Cost      float64  `json:"cost,omitempty"`
	Model     string   `json:"model"`
	Kind      string   `json:"kind"`
	CreatedAt string   `json:"createdAt,omitempty"`
	EndedAt   string   `json:"endedAt,omitempty"`
}

// JobListResponse wraps the jobs attached to a node.
type JobListResponse struct {
	Jobs []JobStatus `json:"jobs"`
}

// UploadRequest ingests a caller-supplied file, either inline base64 or
// fetched from a URL. Exactly one of Base64 and SourceURL must be set.
type UploadRequest struct {
	Filename  string `json:"filename"`
	Base64    string `json:"base64,omitempty"`
	SourceURL string `json:"sourceUrl,omitempty"`
	MIME      string `json:"mime,omitempty"`
}

// UploadResponse reports where the ingested file landed.
type UploadResponse struct {
	Success  bool   `json:"success"`
	URL      string `json:"url"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
}

// RenameRequest changes the display slug of an uploaded artifact.
type RenameRequest struct {
	Hash    string `json:"hash"`
	NewName string `json:"newName"`
}

// RenameResponse reports the artifact's new storage path.
type RenameResponse struct {
	Success  bool   `json:"success"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// ArtifactInfo describes one stored artifact for listings.
type ArtifactInfo struct {
	Hash      string `json:"hash"`
	Kind      string `json:"kind"`
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
	ModTime   string `json:"modTime,omitempty"`
}

// ArtifactListResponse wraps the store listing.
type ArtifactListResponse struct {
	Artifacts []ArtifactInfo `json:"artifacts"`
}

// ScavengeResponse reports how many unreferenced artifacts were collected.
type ScavengeResponse struct {
	Success   bool `json:"success"`
	Collected int  `json:"collected"`
}

// ProjectSaveRequest persists a node graph. The reference registry is synced
// against the artifacts the graph mentions.
type ProjectSaveRequest struct {
	ID    string          `json:"id"`
	Name  string          `json:"name,omitempty"`
	Graph json.RawMessage `json:"graph"`
}

// ProjectInfo is one saved project in a listing.
type ProjectInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// ProjectResponse wraps one saved project with its graph.
type ProjectResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Graph     json.RawMessage `json:"graph,omitempty"`
	CreatedAt string          `json:"createdAt,omitempty"`
	UpdatedAt string          `json:"updatedAt,omitempty"`
}

// ProjectListResponse wraps the saved project listing.
type ProjectListResponse struct {
	Projects []ProjectInfo `json:"projects"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool                `json:"running"`
	PID          int                 `json:"pid"`
	StorageDir   string              `json:"storageDir"`
	LockFilePath string              `json:"lockFilePath"`
	Jobs         map[string]int      `json:"jobs"`
	Batches      map[string]int      `json:"batches"`
	InFlight     int                 `json:"inFlight"`
	Providers    []string            `json:"providers"`
	Models       map[string][]string `json:"models"`
}

// ErrorResponse is the uniform error envelope for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
