package pipeline

import (
	"strings"

	"loom/internal/services"
)

// Character is one storyboard character with the reference angles to render.
type Character struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Prompt string   `json:"prompt"`
	Angles []string `json:"angles"`
	Model  string   `json:"model"`
}

// Location is one storyboard location.
type Location struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// Shot is one video to generate, drawing reference images from its
// characters and location.
type Shot struct {
	ID              string   `json:"id"`
	Prompt          string   `json:"prompt"`
	CharacterIDs    []string `json:"characterIds"`
	LocationID      string   `json:"locationId"`
	DurationSeconds float64  `json:"durationSeconds"`
	AspectRatio     string   `json:"aspectRatio"`
	Model           string   `json:"model"`
}

// Plan is a full storyboard run.
type Plan struct {
	ProjectID  string      `json:"projectId"`
	Characters []Character `json:"characters"`
	Locations  []Location  `json:"locations"`
	Shots      []Shot      `json:"shots"`
}

// Validate checks structural integrity before any provider call: required
// fields present, shot references resolvable.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.ProjectID) == "" {
		return services.Wrap(services.ErrValidation, "pipeline", "validate", "projectId is required", nil)
	}
	if len(p.Shots) == 0 {
		return services.Wrap(services.ErrValidation, "pipeline", "validate", "plan has no shots", nil)
	}
	characters := make(map[string]struct{}, len(p.Characters))
	for _, c := range p.Characters {
		if c.ID == "" || c.Prompt == "" {
			return services.Wrap(services.ErrValidation, "pipeline", "validate", "character missing id or prompt", nil)
		}
		if len(c.Angles) == 0 {
			return services.Wrap(services.ErrValidation, "pipeline", "validate",
				"character "+c.ID+" has no angles", nil)
		}
		characters[c.ID] = struct{}{}
	}
	locations := make(map[string]struct{}, len(p.Locations))
	for _, l := range p.Locations {
		if l.ID == "" || l.Prompt == "" {
			return services.Wrap(services.ErrValidation, "pipeline", "validate", "location missing id or prompt", nil)
		}
		locations[l.ID] = struct{}{}
	}
	for _, s := range p.Shots {
		if s.ID == "" || s.Prompt == "" {
			return services.Wrap(services.ErrValidation, "pipeline", "validate", "shot missing id or prompt", nil)
		}
		for _, cid := range s.CharacterIDs {
			if _, ok := characters[cid]; !ok {
				return services.Wrap(services.ErrValidation, "pipeline", "validate",
					"shot "+s.ID+" references unknown character "+cid, nil)
			}
		}
		if s.LocationID != "" {
			if _, ok := locations[s.LocationID]; !ok {
				return services.Wrap(services.ErrValidation, "pipeline", "validate",
					"shot "+s.ID+" references unknown location "+s.LocationID, nil)
			}
		}
	}
	return nil
}
