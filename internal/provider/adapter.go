package provider

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"loom/internal/logging"
	"loom/internal/services"
)

// Request is the normalized generation request handed to an adapter. Inputs
// reference artifacts as content hashes, /storage paths, or absolute URLs.
type Request struct {
	Kind            Kind
	Model           string
	Prompt          string
	Text            string
	Params          Params
	Inputs          []string
	NumOutputs      int
	PixelDimensions bool
}

// Adapter speaks one provider's wire contract.
type Adapter interface {
	Descriptor() Descriptor

	// Submit issues the call. Sync adapters return SyncResult with outputs
	// inline; submit-poll adapters return a PollHandle; streaming adapters
	// return a StreamHandle.
	Submit(ctx context.Context, req Request) (Handle, error)

	// Poll probes a remote task once. Idempotent and safe to repeat.
	Poll(ctx context.Context, h *PollHandle) (PollStatus, error)

	// Consume drains a stream handle, invoking onDelta per content delta in
	// arrival order, and returns the full concatenation.
	Consume(ctx context.Context, h *StreamHandle, onDelta func(string)) (string, error)

	// CancelRemote makes a best-effort provider-side cancel.
	CancelRemote(ctx context.Context, h *PollHandle) error

	// Cost estimates credits for the request.
	Cost(req Request) float64
}

// ResolveRef turns one artifact reference into a URL the provider can fetch.
type ResolveRef func(ref string) (string, error)

var hashRefPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Providers triple the payload when given base64; anything past 4 MiB of
// encoded data is rejected rather than inlined.
const maxInlineBase64 = 4 << 20

// resolveInputs maps the request's input references to provider-fetchable
// URLs, applying the descriptor's input cap and first/last selection. Order
// is the caller's; truncation logs once.
func resolveInputs(d Descriptor, inputs []string, resolve ResolveRef, logger *slog.Logger) ([]string, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	selected := inputs
	switch {
	case d.FirstLastOnly && len(inputs) > 2:
		selected = []string{inputs[0], inputs[len(inputs)-1]}
		if logger != nil {
			logger.Warn("provider accepts first and last frames only; dropping middle inputs",
				logging.String(logging.FieldModel, d.Model),
				logging.Int("dropped", len(inputs)-2),
			)
		}
	case d.MaxImageInputs > 0 && len(inputs) > d.MaxImageInputs:
		selected = inputs[:d.MaxImageInputs]
		if logger != nil {
			logger.Warn("input count exceeds provider cap; truncating",
				logging.String(logging.FieldModel, d.Model),
				logging.Int("cap", d.MaxImageInputs),
				logging.Int("dropped", len(inputs)-d.MaxImageInputs),
			)
		}
	}

	urls := make([]string, 0, len(selected))
	for _, ref := range selected {
		url, err := resolveOne(ref, resolve)
		if err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}

func resolveOne(ref string, resolve ResolveRef) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", services.Wrap(services.ErrValidation, "provider", "resolve-input", "empty input reference", nil)
	case strings.HasPrefix(ref, "data:"):
		if len(ref) > maxInlineBase64 {
			return "", services.Wrap(services.ErrValidation, "provider", "resolve-input",
				fmt.Sprintf("inline input of %d bytes exceeds the base64 limit", len(ref)), nil)
		}
		return ref, nil
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		return ref, nil
	}
	if resolve == nil {
		return "", services.Wrap(services.ErrFatal, "provider", "resolve-input", "no artifact resolver configured", nil)
	}
	url, err := resolve(ref)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "provider", "resolve-input",
			fmt.Sprintf("unknown input artifact %q", ref), err)
	}
	return url, nil
}
