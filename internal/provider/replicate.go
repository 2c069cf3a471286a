package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"loom/internal/logging"
	"loom/internal/services"
)

// replicateAdapter speaks the Replicate predictions wire: POST creates a
// prediction, sync requests block with Prefer: wait, async ones return a
// polling URL under urls.get.
type replicateAdapter struct {
	desc    Descriptor
	baseURL string
	token   string
	client  *http.Client
	resolve ResolveRef
	logger  *slog.Logger
}

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
	URLs   struct {
		Get    string `json:"get"`
		Cancel string `json:"cancel"`
	} `json:"urls"`
	Metrics struct {
		PredictTime float64 `json:"predict_time"`
	} `json:"metrics"`
}

func newReplicateAdapter(desc Descriptor, baseURL, token string, client *http.Client, resolve ResolveRef, logger *slog.Logger) *replicateAdapter {
	return &replicateAdapter{
		desc:    desc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		resolve: resolve,
		logger:  logging.NewComponentLogger(logger, "adapter-replicate"),
	}
}

func (a *replicateAdapter) Descriptor() Descriptor { return a.desc }

func (a *replicateAdapter) Cost(req Request) float64 {
	return a.desc.Cost(req.Params, req.NumOutputs)
}

func (a *replicateAdapter) buildInput(ctx context.Context, req Request) (map[string]any, error) {
	params, err := a.desc.Normalize(req.Params, req.PixelDimensions, a.logger)
	if err != nil {
		return nil, err
	}
	input := a.desc.WireParams(params)
	if req.Prompt != "" {
		input["prompt"] = req.Prompt
	}

	urls, err := resolveInputs(a.desc, req.Inputs, a.resolve, a.logger)
	if err != nil {
		return nil, err
	}
	switch {
	case len(urls) == 0:
	case a.desc.FirstLastOnly:
		input["first_frame_image"] = urls[0]
		if len(urls) > 1 {
			input["last_frame_image"] = urls[len(urls)-1]
		}
	case a.desc.Kind == KindImageToVideo || a.desc.Kind == KindUpscale:
		input["image"] = urls[0]
	default:
		input["image_input"] = urls
	}
	return input, nil
}

func (a *replicateAdapter) Submit(ctx context.Context, req Request) (Handle, error) {
	input, err := a.buildInput(ctx, req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, services.Wrap(services.ErrFatal, "replicate", "submit", "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+a.desc.Path, bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrFatal, "replicate", "submit", "", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.token)
	httpReq.Header.Set("Content-Type", "application/json")
	if a.desc.Mode == ModeSync {
		httpReq.Header.Set("Prefer", "wait")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, services.Wrap(services.ErrCancelled, "replicate", "submit", "", ctx.Err())
		}
		return nil, services.Wrap(services.ErrTransient, "replicate", "submit", "", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "replicate", "submit", "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpStatusError("replicate", "submit", resp.StatusCode, payload, resp.Header)
	}

	var pred replicatePrediction
	if err := json.Unmarshal(payload, &pred); err != nil {
		return nil, services.Wrap(services.ErrProvider, "replicate", "submit", "malformed prediction response", err)
	}

	if a.desc.Mode == ModeSync {
		switch pred.Status {
		case "succeeded":
			outputs, err := replicateOutputs(pred.Output)
			if err != nil {
				return nil, err
			}
			return SyncResult{Outputs: outputs, Cost: a.desc.Cost(req.Params, req.NumOutputs)}, nil
		case "failed", "canceled":
			return nil, services.Wrap(services.ErrProvider, "replicate", "submit", pred.Error, nil)
		default:
			// Prefer: wait can still come back unfinished; fall through to
			// polling on the returned task.
		}
	}

	if pred.URLs.Get == "" {
		return nil, services.Wrap(services.ErrProvider, "replicate", "submit", "prediction response missing poll url", nil)
	}
	return &PollHandle{ID: pred.ID, PollURL: pred.URLs.Get, CancelURL: pred.URLs.Cancel}, nil
}

func (a *replicateAdapter) Poll(ctx context.Context, h *PollHandle) (PollStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.PollURL, nil)
	if err != nil {
		return PollStatus{}, services.Wrap(services.ErrFatal, "replicate", "poll", "", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return PollStatus{}, services.Wrap(services.ErrCancelled, "replicate", "poll", "", ctx.Err())
		}
		return PollStatus{}, services.Wrap(services.ErrTransient, "replicate", "poll", "", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return PollStatus{}, services.Wrap(services.ErrTransient, "replicate", "poll", "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PollStatus{}, httpStatusError("replicate", "poll", resp.StatusCode, payload, resp.Header)
	}

	var pred replicatePrediction
	if err := json.Unmarshal(payload, &pred); err != nil {
		return PollStatus{}, services.Wrap(services.ErrProvider, "replicate", "poll", "malformed prediction response", err)
	}

	switch pred.Status {
	case "succeeded", "completed":
		outputs, err := replicateOutputs(pred.Output)
		if err != nil {
			return PollStatus{}, err
		}
		return PollStatus{State: PollCompleted, Outputs: outputs}, nil
	case "failed":
		return PollStatus{State: PollFailed, Message: pred.Error}, nil
	case "canceled", "cancelled":
		return PollStatus{State: PollFailed, Message: "canceled by provider"}, nil
	default:
		return PollStatus{State: PollRunning}, nil
	}
}

func (a *replicateAdapter) Consume(ctx context.Context, h *StreamHandle, onDelta func(string)) (string, error) {
	return "", services.Wrap(services.ErrFatal, "replicate", "consume", "adapter does not stream", nil)
}

func (a *replicateAdapter) CancelRemote(ctx context.Context, h *PollHandle) error {
	if !a.desc.SupportsCancel || h.CancelURL == "" {
		return nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.CancelURL, nil)
	if err != nil {
		return services.Wrap(services.ErrFatal, "replicate", "cancel", "", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return services.Wrap(services.ErrTransient, "replicate", "cancel", "", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return httpStatusError("replicate", "cancel", resp.StatusCode, nil, resp.Header)
	}
	return nil
}

// replicateOutputs flattens a prediction output, which arrives as a single
// URL string or a list of them.
func replicateOutputs(raw json.RawMessage) ([]Output, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []Output{{URL: single}}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		outputs := make([]Output, 0, len(many))
		for _, url := range many {
			outputs = append(outputs, Output{URL: url})
		}
		return outputs, nil
	}
	return nil, services.Wrap(services.ErrProvider, "replicate", "outputs",
		fmt.Sprintf("unrecognized output shape: %.120s", string(raw)), nil)
}
