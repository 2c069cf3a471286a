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

// openaiAdapter covers two OpenAI surfaces: the speech endpoint (sync, raw
// audio bytes back) and streaming chat completions (SSE deltas).
type openaiAdapter struct {
	desc    Descriptor
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func newOpenAIAdapter(desc Descriptor, baseURL, token string, client *http.Client, logger *slog.Logger) *openaiAdapter {
	return &openaiAdapter{
		desc:    desc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  logging.NewComponentLogger(logger, "adapter-openai"),
	}
}

func (a *openaiAdapter) Descriptor() Descriptor { return a.desc }

func (a *openaiAdapter) Cost(req Request) float64 {
	return a.desc.Cost(req.Params, req.NumOutputs)
}

func (a *openaiAdapter) Submit(ctx context.Context, req Request) (Handle, error) {
	switch a.desc.Mode {
	case ModeSync:
		return a.submitSpeech(ctx, req)
	case ModeStream:
		return a.submitStream(ctx, req)
	default:
		return nil, services.Wrap(services.ErrFatal, "openai", "submit",
			"descriptor mode not supported by this adapter", nil)
	}
}

func (a *openaiAdapter) submitSpeech(ctx context.Context, req Request) (Handle, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, services.Wrap(services.ErrValidation, "openai", "speech", "text is required", nil)
	}
	params, err := a.desc.Normalize(req.Params, false, a.logger)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"model": strings.TrimPrefix(a.desc.Model, "openai/"),
		"input": req.Text,
	}
	if voice, ok := params.String("voice"); ok {
		payload["voice"] = voice
	}
	if instructions, ok := params.String("instructions"); ok {
		payload["instructions"] = instructions
	}
	if speed, ok := params.Float("speed"); ok {
		payload["speed"] = speed
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, services.Wrap(services.ErrFatal, "openai", "speech", "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+a.desc.Path, bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrFatal, "openai", "speech", "", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, services.Wrap(services.ErrCancelled, "openai", "speech", "", ctx.Err())
		}
		return nil, services.Wrap(services.ErrTransient, "openai", "speech", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, httpStatusError("openai", "speech", resp.StatusCode, errBody, resp.Header)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "openai", "speech", "read audio", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = "audio/mpeg"
	}
	return SyncResult{
		Outputs: []Output{{Data: audio, MIME: mime}},
		Cost:    a.desc.Cost(req.Params, req.NumOutputs),
	}, nil
}

func (a *openaiAdapter) submitStream(ctx context.Context, req Request) (Handle, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, services.Wrap(services.ErrValidation, "openai", "stream", "prompt is required", nil)
	}
	params, err := a.desc.Normalize(req.Params, false, a.logger)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"model":  strings.TrimPrefix(a.desc.Model, "openai/"),
		"stream": true,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	for k, v := range a.desc.WireParams(params) {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, services.Wrap(services.ErrFatal, "openai", "stream", "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+a.desc.Path, bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrFatal, "openai", "stream", "", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, services.Wrap(services.ErrCancelled, "openai", "stream", "", ctx.Err())
		}
		return nil, services.Wrap(services.ErrTransient, "openai", "stream", "", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, httpStatusError("openai", "stream", resp.StatusCode, errBody, resp.Header)
	}
	return &StreamHandle{stream: newSSEStream(resp.Body)}, nil
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Consume drains the SSE stream, invoking onDelta per content delta in
// arrival order, and returns the concatenation.
func (a *openaiAdapter) Consume(ctx context.Context, h *StreamHandle, onDelta func(string)) (string, error) {
	if h == nil || h.stream == nil {
		return "", services.Wrap(services.ErrFatal, "openai", "consume", "nil stream handle", nil)
	}
	defer h.stream.Close()

	var builder strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return builder.String(), services.Wrap(services.ErrCancelled, "openai", "consume", "", err)
		}
		payload, done, err := h.stream.next()
		if err != nil {
			return builder.String(), services.Wrap(services.ErrTransient, "openai", "consume", "stream read", err)
		}
		if done {
			return builder.String(), nil
		}
		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			a.logger.Debug("skipping malformed stream chunk", logging.Error(err))
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			builder.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
	}
}

func (a *openaiAdapter) Poll(ctx context.Context, h *PollHandle) (PollStatus, error) {
	return PollStatus{}, services.Wrap(services.ErrFatal, "openai", "poll", "adapter does not poll", nil)
}

func (a *openaiAdapter) CancelRemote(ctx context.Context, h *PollHandle) error {
	return nil
}
