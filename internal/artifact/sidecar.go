package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"loom/internal/fileutil"
)

// Sidecar carries generation provenance next to the artifact bytes as
// <file>.meta.json, so external tools can discover metadata without the
// daemon.
type Sidecar struct {
	Hash        string    `json:"hash,omitempty"`
	Model       string    `json:"model,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	AspectRatio string    `json:"aspectRatio,omitempty"`
	Resolution  string    `json:"resolution,omitempty"`
	Seed        *int64    `json:"seed,omitempty"`
	Inputs      []string  `json:"inputs,omitempty"`
	Cost        float64   `json:"cost,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	MIME        string    `json:"mime,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	DurationSec float64   `json:"durationSeconds,omitempty"`
	SizeBytes   int64     `json:"sizeBytes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// merge applies field-level last-write-wins: non-zero fields of other replace
// the receiver's. CreatedAt is preserved once set.
func (s *Sidecar) merge(other Sidecar) {
	if other.Hash != "" {
		s.Hash = other.Hash
	}
	if other.Model != "" {
		s.Model = other.Model
	}
	if other.Prompt != "" {
		s.Prompt = other.Prompt
	}
	if other.AspectRatio != "" {
		s.AspectRatio = other.AspectRatio
	}
	if other.Resolution != "" {
		s.Resolution = other.Resolution
	}
	if other.Seed != nil {
		s.Seed = other.Seed
	}
	if len(other.Inputs) > 0 {
		s.Inputs = other.Inputs
	}
	if other.Cost != 0 {
		s.Cost = other.Cost
	}
	if len(other.Tags) > 0 {
		s.Tags = other.Tags
	}
	if other.MIME != "" {
		s.MIME = other.MIME
	}
	if other.Width != 0 {
		s.Width = other.Width
	}
	if other.Height != 0 {
		s.Height = other.Height
	}
	if other.DurationSec != 0 {
		s.DurationSec = other.DurationSec
	}
	if other.SizeBytes != 0 {
		s.SizeBytes = other.SizeBytes
	}
	if s.CreatedAt.IsZero() {
		if other.CreatedAt.IsZero() {
			s.CreatedAt = time.Now().UTC()
		} else {
			s.CreatedAt = other.CreatedAt
		}
	}
}

func sidecarPath(artifactPath string) string {
	return artifactPath + ".meta.json"
}

func readSidecar(artifactPath string) (Sidecar, bool, error) {
	var sc Sidecar
	data, err := os.ReadFile(sidecarPath(artifactPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sc, false, nil
		}
		return sc, false, fmt.Errorf("read sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, false, fmt.Errorf("parse sidecar: %w", err)
	}
	return sc, true, nil
}

func writeSidecar(artifactPath string, sc Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	return fileutil.WriteFileAtomic(sidecarPath(artifactPath), data, 0o644)
}
