package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"loom/internal/logging"
	"loom/internal/services"
)

// elevenlabsAdapter speaks the ElevenLabs text-to-speech wire: one POST per
// request, raw MP3 bytes back.
type elevenlabsAdapter struct {
	desc    Descriptor
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func newElevenLabsAdapter(desc Descriptor, baseURL, token string, client *http.Client, logger *slog.Logger) *elevenlabsAdapter {
	return &elevenlabsAdapter{
		desc:    desc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  logging.NewComponentLogger(logger, "adapter-elevenlabs"),
	}
}

func (a *elevenlabsAdapter) Descriptor() Descriptor { return a.desc }

func (a *elevenlabsAdapter) Cost(req Request) float64 {
	return a.desc.Cost(req.Params, req.NumOutputs)
}

func (a *elevenlabsAdapter) Submit(ctx context.Context, req Request) (Handle, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, services.Wrap(services.ErrValidation, "elevenlabs", "speech", "text is required", nil)
	}
	params, err := a.desc.Normalize(req.Params, false, a.logger)
	if err != nil {
		return nil, err
	}
	voice, _ := params.String("voice")

	payload := map[string]any{
		"text":     req.Text,
		"model_id": "eleven_multilingual_v2",
	}
	settings := map[string]any{}
	if stability, ok := params.Float("stability"); ok {
		settings["stability"] = stability
	}
	if boost, ok := params.Float("similarityBoost"); ok {
		settings["similarity_boost"] = boost
	}
	if len(settings) > 0 {
		payload["voice_settings"] = settings
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, services.Wrap(services.ErrFatal, "elevenlabs", "speech", "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+a.desc.Path+"/"+voice, bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrFatal, "elevenlabs", "speech", "", err)
	}
	httpReq.Header.Set("xi-api-key", a.token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, services.Wrap(services.ErrCancelled, "elevenlabs", "speech", "", ctx.Err())
		}
		return nil, services.Wrap(services.ErrTransient, "elevenlabs", "speech", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, httpStatusError("elevenlabs", "speech", resp.StatusCode, errBody, resp.Header)
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "elevenlabs", "speech", "read audio", err)
	}
	return SyncResult{
		Outputs: []Output{{Data: audio, MIME: "audio/mpeg"}},
		Cost:    a.desc.Cost(req.Params, req.NumOutputs),
	}, nil
}

func (a *elevenlabsAdapter) Poll(ctx context.Context, h *PollHandle) (PollStatus, error) {
	return PollStatus{}, services.Wrap(services.ErrFatal, "elevenlabs", "poll", "adapter does not poll", nil)
}

func (a *elevenlabsAdapter) Consume(ctx context.Context, h *StreamHandle, onDelta func(string)) (string, error) {
	return "", services.Wrap(services.ErrFatal, "elevenlabs", "consume", "adapter does not stream", nil)
}

func (a *elevenlabsAdapter) CancelRemote(ctx context.Context, h *PollHandle) error {
	return nil
}
