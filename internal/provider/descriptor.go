package provider

import (
	"fmt"
	"log/slog"
	"slices"

	"loom/internal/logging"
	"loom/internal/services"
)

// Kind classifies what a request generates.
type Kind string

const (
	KindTextToImage  Kind = "t2i"
	KindImageEdit    Kind = "i2i"
	KindImageToVideo Kind = "i2v"
	KindTextToVideo  Kind = "t2v"
	KindTextToSpeech Kind = "t2s"
	KindUpscale      Kind = "upscale"
	KindText         Kind = "text"
)

// Mode is the wire style an adapter speaks.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModePoll   Mode = "submit-poll"
	ModeStream Mode = "sse-stream"
)

// Descriptor is the static contract for one model on one provider: endpoint,
// accepted parameters, defaults, limits, and cost shape. Loaded at init from
// the catalog.
type Descriptor struct {
	Model    string
	Provider string
	Kind     Kind
	Mode     Mode
	Path     string

	// Whitelist names the caller-facing parameters the provider accepts.
	// Everything else is silently dropped. PixelWhitelist, when present, is
	// the alternative table used when the caller asks for pixel dimensions
	// instead of aspect ratio plus resolution.
	Whitelist      []string
	PixelWhitelist []string
	Defaults       Params
	WireNames      map[string]string

	AspectRatios   []string
	Resolutions    []string
	MaxImageInputs int
	FirstLastOnly  bool
	SupportsCancel bool

	Concurrency int
	PollCap     int

	BaseCost      float64
	CostPerSecond float64
	CostPerImage  float64
}

// Default translations from caller-facing names to wire names. Descriptors
// may override individual entries.
var defaultWireNames = map[string]string{
	"aspectRatio":       "aspect_ratio",
	"resolution":        "resolution",
	"seed":              "seed",
	"guidanceScale":     "guidance_scale",
	"numInferenceSteps": "num_inference_steps",
	"negativePrompt":    "negative_prompt",
	"duration":          "duration",
	"numImages":         "num_outputs",
	"width":             "width",
	"height":            "height",
}

// wireName maps a caller-facing parameter to its provider wire name.
func (d Descriptor) wireName(key string) string {
	if d.WireNames != nil {
		if name, ok := d.WireNames[key]; ok {
			return name
		}
	}
	if name, ok := defaultWireNames[key]; ok {
		return name
	}
	return key
}

// pixelTable maps (aspectRatio, resolution) to explicit width and height for
// providers that take pixel dimensions instead of a ratio.
var pixelTable = map[string][2]int{
	"1:1/720p":   {720, 720},
	"1:1/1080p":  {1080, 1080},
	"16:9/720p":  {1280, 720},
	"16:9/1080p": {1920, 1080},
	"9:16/720p":  {720, 1280},
	"9:16/1080p": {1080, 1920},
	"4:3/720p":   {960, 720},
	"4:3/1080p":  {1440, 1080},
	"3:4/720p":   {720, 960},
	"3:4/1080p":  {1080, 1440},
}

// Normalize filters the caller's parameter bag against the whitelist, applies
// defaults for anything missing, and validates aspect ratio and resolution
// against the descriptor's allowed sets. Unsupported parameters are dropped
// with a debug log, never forwarded.
//
// When pixelDimensions is set and the descriptor carries a pixel whitelist,
// aspectRatio and resolution are translated into explicit width and height
// before filtering.
func (d Descriptor) Normalize(params Params, pixelDimensions bool, logger *slog.Logger) (Params, error) {
	if params == nil {
		params = Params{}
	} else {
		params = params.Clone()
	}

	if ratio, ok := params.String("aspectRatio"); ok && len(d.AspectRatios) > 0 {
		if !slices.Contains(d.AspectRatios, ratio) {
			return nil, services.Wrap(services.ErrValidation, "provider", "normalize",
				fmt.Sprintf("aspect ratio %q not supported by %s", ratio, d.Model), nil)
		}
	}
	if res, ok := params.String("resolution"); ok && len(d.Resolutions) > 0 {
		if !slices.Contains(d.Resolutions, res) {
			return nil, services.Wrap(services.ErrValidation, "provider", "normalize",
				fmt.Sprintf("resolution %q not supported by %s", res, d.Model), nil)
		}
	}

	whitelist := d.Whitelist
	if pixelDimensions && len(d.PixelWhitelist) > 0 {
		whitelist = d.PixelWhitelist
		ratio, _ := params.String("aspectRatio")
		res, ok := params.String("resolution")
		if !ok {
			res = "1080p"
		}
		if dims, found := pixelTable[ratio+"/"+res]; found {
			params["width"] = dims[0]
			params["height"] = dims[1]
		}
		delete(params, "aspectRatio")
		delete(params, "resolution")
	}

	out := Params{}
	for k, v := range d.Defaults {
		out[k] = v
	}
	for _, key := range params.Keys() {
		if !slices.Contains(whitelist, key) {
			if logger != nil {
				logger.Debug("dropping unsupported parameter",
					logging.String(logging.FieldModel, d.Model),
					logging.String("param", key),
				)
			}
			continue
		}
		out[key] = params[key]
	}
	return out, nil
}

// WireParams renders a normalized bag with provider wire names, ready to
// embed in the request body.
func (d Descriptor) WireParams(params Params) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[d.wireName(k)] = v
	}
	return out
}

// Cost estimates the credit cost of one job with these parameters.
func (d Descriptor) Cost(params Params, numOutputs int) float64 {
	cost := d.BaseCost
	if d.CostPerSecond > 0 {
		if dur, ok := params.Float("duration"); ok {
			cost += d.CostPerSecond * dur
		}
	}
	if numOutputs > 1 && d.CostPerImage > 0 {
		cost += d.CostPerImage * float64(numOutputs-1)
	}
	return cost
}
