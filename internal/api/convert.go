package api

import (
	"time"

	"loom/internal/artifact"
	"loom/internal/dispatch"
	"loom/internal/project"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateTimeFormat)
}

// PathResolver maps an artifact hash to its public storage path. A resolver
// that cannot place the hash returns it unchanged.
type PathResolver func(hash string) string

func resolveAll(hashes []string, resolve PathResolver) []string {
	if len(hashes) == 0 {
		return nil
	}
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = resolve(h)
	}
	return out
}

// FromJobSnapshot converts a dispatch job snapshot, mapping output hashes to
// storage paths.
func FromJobSnapshot(snap dispatch.JobSnapshot, resolve PathResolver) JobStatus {
	return JobStatus{
		ID:        snap.ID,
		NodeID:    snap.NodeID,
		BatchID:   snap.BatchID,
		Status:    string(snap.State),
		Outputs:   resolveAll(snap.Outputs, resolve),
		Text:      snap.Text,
		ErrorKind: snap.ErrorKind,
		Error:     snap.Error,
		Cost:      snap.Cost,
		Model:     snap.Model,
		Kind:      snap.Kind,
		CreatedAt: formatTime(snap.CreatedAt),
		EndedAt:   formatTime(snap.EndedAt),
	}
}

// FromBatchSnapshot converts a dispatch batch snapshot. Results keep
// submission order.
func FromBatchSnapshot(snap dispatch.BatchSnapshot, resolve PathResolver) BatchStatus {
	results := make([]BatchResult, len(snap.Results))
	for i, r := range snap.Results {
		results[i] = BatchResult{
			Index:   r.Index,
			JobID:   r.JobID,
			Status:  string(r.Status),
			Outputs: resolveAll(r.Outputs, resolve),
			Error:   r.Error,
		}
	}
	return BatchStatus{
		ID:             snap.ID,
		NodeID:         snap.NodeID,
		Fingerprint:    snap.Fingerprint,
		Status:         string(snap.Status),
		TotalCount:     snap.TotalCount,
		CompletedCount: snap.CompletedCount,
		FailedCount:    snap.FailedCount,
		Results:        results,
		CreatedAt:      formatTime(snap.CreatedAt),
		EndedAt:        formatTime(snap.EndedAt),
	}
}

// FromArtifactInfo converts a store listing entry.
func FromArtifactInfo(info artifact.Info, path string) ArtifactInfo {
	return ArtifactInfo{
		Hash:      info.Hash,
		Kind:      string(info.Kind),
		Filename:  info.Filename,
		Path:      path,
		SizeBytes: info.SizeBytes,
		ModTime:   formatTime(info.ModTime),
	}
}

// FromProjectSnapshot converts a saved project without its graph body.
func FromProjectSnapshot(snap project.Snapshot) ProjectInfo {
	return ProjectInfo{
		ID:        snap.ID,
		Name:      snap.Name,
		CreatedAt: formatTime(snap.CreatedAt),
		UpdatedAt: formatTime(snap.UpdatedAt),
	}
}
