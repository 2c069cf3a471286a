package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/testsupport"
)

func replicateDescriptor(mode Mode) Descriptor {
	return Descriptor{
		Model:          "test/model",
		Provider:       ProviderReplicate,
		Kind:           KindTextToImage,
		Mode:           mode,
		Path:           "/v1/models/test/model/predictions",
		Whitelist:      []string{"aspectRatio", "seed"},
		AspectRatios:   []string{"1:1"},
		SupportsCancel: true,
		PollCap:        pollCapLight,
	}
}

func TestReplicateSyncSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Prefer") != "wait" {
			t.Errorf("missing Prefer: wait header")
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("bad auth header %q", r.Header.Get("Authorization"))
		}
		var body struct {
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Input["prompt"] != "a cat" {
			t.Errorf("prompt = %v", body.Input["prompt"])
		}
		if body.Input["aspect_ratio"] != "1:1" {
			t.Errorf("aspect_ratio = %v", body.Input["aspect_ratio"])
		}
		fmt.Fprint(w, `{"id":"p1","status":"succeeded","output":["https://cdn.example/out.png"]}`)
	}))
	defer server.Close()

	a := newReplicateAdapter(replicateDescriptor(ModeSync), server.URL, "test-token", server.Client(), nil, logging.NewNop())
	handle, err := a.Submit(context.Background(), Request{
		Kind:   KindTextToImage,
		Model:  "test/model",
		Prompt: "a cat",
		Params: Params{"aspectRatio": "1:1"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, ok := handle.(SyncResult)
	if !ok {
		t.Fatalf("handle = %T, want SyncResult", handle)
	}
	if len(result.Outputs) != 1 || result.Outputs[0].URL != "https://cdn.example/out.png" {
		t.Fatalf("outputs = %+v", result.Outputs)
	}
}

func TestReplicatePollFlow(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /v1/models/test/model/predictions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"id":"p2","status":"starting","urls":{"get":%q,"cancel":%q}}`,
			server.URL+"/v1/predictions/p2", server.URL+"/v1/predictions/p2/cancel")
	})
	mux.HandleFunc("GET /v1/predictions/p2", func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1, 2:
			fmt.Fprint(w, `{"id":"p2","status":"processing"}`)
		default:
			fmt.Fprint(w, `{"id":"p2","status":"succeeded","output":"https://cdn.example/clip.mp4"}`)
		}
	})

	a := newReplicateAdapter(replicateDescriptor(ModePoll), server.URL, "test-token", server.Client(), nil, logging.NewNop())
	handle, err := a.Submit(context.Background(), Request{Kind: KindTextToImage, Model: "test/model", Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ph, ok := handle.(*PollHandle)
	if !ok {
		t.Fatalf("handle = %T, want *PollHandle", handle)
	}

	ctx := context.Background()
	for i := range 3 {
		status, err := a.Poll(ctx, ph)
		if err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
		if i < 2 {
			if status.State != PollRunning {
				t.Fatalf("poll %d state = %s", i+1, status.State)
			}
			continue
		}
		if status.State != PollCompleted {
			t.Fatalf("final state = %s", status.State)
		}
		if len(status.Outputs) != 1 || status.Outputs[0].URL != "https://cdn.example/clip.mp4" {
			t.Fatalf("outputs = %+v", status.Outputs)
		}
	}
}

func TestReplicateErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		headers map[string]string
		marker  error
	}{
		{name: "unauthorized", status: 401, marker: services.ErrAuth},
		{name: "bad request", status: 400, marker: services.ErrClient},
		{name: "rate limited", status: 429, headers: map[string]string{"Retry-After": "2"}, marker: services.ErrTransient},
		{name: "server error", status: 500, marker: services.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"detail":"upstream says no"}`)
			}))
			defer server.Close()

			a := newReplicateAdapter(replicateDescriptor(ModeSync), server.URL, "t", server.Client(), nil, logging.NewNop())
			_, err := a.Submit(context.Background(), Request{Kind: KindTextToImage, Model: "test/model", Prompt: "x"})
			if !errors.Is(err, tc.marker) {
				t.Fatalf("err = %v, want %v", err, tc.marker)
			}
			if !strings.Contains(err.Error(), "upstream says no") {
				t.Fatalf("provider message not surfaced verbatim: %v", err)
			}
			if tc.status == 429 {
				var rl *RateLimitError
				if !errors.As(err, &rl) || rl.RetryAfter.Seconds() != 2 {
					t.Fatalf("retry-after not carried: %v", err)
				}
			}
		})
	}
}

func TestReplicateProviderFailureIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"p3","status":"failed","error":"NSFW content detected"}`)
	}))
	defer server.Close()

	a := newReplicateAdapter(replicateDescriptor(ModeSync), server.URL, "t", server.Client(), nil, logging.NewNop())
	_, err := a.Submit(context.Background(), Request{Kind: KindTextToImage, Model: "test/model", Prompt: "x"})
	if !errors.Is(err, services.ErrProvider) {
		t.Fatalf("err = %v, want provider error", err)
	}
	if !strings.Contains(err.Error(), "NSFW content detected") {
		t.Fatalf("provider text not surfaced: %v", err)
	}
}

func TestResolveInputsTruncatesToCap(t *testing.T) {
	d := Descriptor{Model: "m", MaxImageInputs: 2}
	inputs := []string{"https://a", "https://b", "https://c"}
	got, err := resolveInputs(d, inputs, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0] != "https://a" || got[1] != "https://b" {
		t.Fatalf("inputs = %v", got)
	}
}

func TestResolveInputsFirstLast(t *testing.T) {
	d := Descriptor{Model: "m", FirstLastOnly: true}
	inputs := []string{"https://a", "https://b", "https://c", "https://d"}
	got, err := resolveInputs(d, inputs, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0] != "https://a" || got[1] != "https://d" {
		t.Fatalf("inputs = %v", got)
	}
}

func TestResolveInputsUsesResolver(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	resolve := func(ref string) (string, error) {
		if ref == hash {
			return "http://127.0.0.1:7711/storage/images/" + hash + ".png", nil
		}
		return "", errors.New("unknown")
	}
	got, err := resolveInputs(Descriptor{Model: "m"}, []string{hash}, resolve, logging.NewNop())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasSuffix(got[0], hash+".png") {
		t.Fatalf("resolved = %v", got)
	}

	_, err = resolveInputs(Descriptor{Model: "m"}, []string{"missing-ref"}, resolve, logging.NewNop())
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestOpenAIStreamConsume(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{"Once", " upon", " a time"}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	desc := Descriptor{
		Model:    "openai/gpt-4o-mini",
		Provider: ProviderOpenAI,
		Kind:     KindText,
		Mode:     ModeStream,
		Path:     "/v1/chat/completions",
		PollCap:  pollCapLight,
	}
	a := newOpenAIAdapter(desc, server.URL, "t", server.Client(), logging.NewNop())
	handle, err := a.Submit(context.Background(), Request{Kind: KindText, Model: desc.Model, Prompt: "tell a story"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sh, ok := handle.(*StreamHandle)
	if !ok {
		t.Fatalf("handle = %T, want *StreamHandle", handle)
	}

	var deltas []string
	full, err := a.Consume(context.Background(), sh, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if full != "Once upon a time" {
		t.Fatalf("concatenation = %q", full)
	}
	if len(deltas) != 3 || deltas[0] != "Once" {
		t.Fatalf("deltas = %v", deltas)
	}
}

func TestOpenAISpeechSync(t *testing.T) {
	audio := []byte("fake mp3 bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["input"] != "hello world" {
			t.Errorf("input = %v", body["input"])
		}
		if body["voice"] != "alloy" {
			t.Errorf("voice default not applied: %v", body["voice"])
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	}))
	defer server.Close()

	desc := Descriptor{
		Model:     "openai/gpt-4o-mini-tts",
		Provider:  ProviderOpenAI,
		Kind:      KindTextToSpeech,
		Mode:      ModeSync,
		Path:      "/v1/audio/speech",
		Whitelist: []string{"voice", "instructions"},
		Defaults:  Params{"voice": "alloy"},
		PollCap:   pollCapLight,
	}
	a := newOpenAIAdapter(desc, server.URL, "t", server.Client(), logging.NewNop())
	handle, err := a.Submit(context.Background(), Request{Kind: KindTextToSpeech, Model: desc.Model, Text: "hello world"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, ok := handle.(SyncResult)
	if !ok {
		t.Fatalf("handle = %T", handle)
	}
	if string(result.Outputs[0].Data) != string(audio) || result.Outputs[0].MIME != "audio/mpeg" {
		t.Fatalf("output = %+v", result.Outputs[0])
	}
}

func TestRegistryDisablesProviderWithoutKey(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithoutProvider("openai"))

	reg := NewRegistry(cfg, nil, logging.NewNop())
	if _, err := reg.AdapterFor(KindTextToImage, "google/nano-banana/text-to-image"); err != nil {
		t.Fatalf("replicate adapter missing: %v", err)
	}
	_, err := reg.AdapterFor(KindTextToSpeech, "openai/gpt-4o-mini-tts")
	if !errors.Is(err, services.ErrFatal) {
		t.Fatalf("err = %v, want fatal", err)
	}
	_, err = reg.AdapterFor(KindTextToImage, "nonexistent/model")
	if !errors.Is(err, services.ErrFatal) {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestRegistryConcurrencyIsSmallestDeclaredCap(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg := NewRegistry(cfg, nil, logging.NewNop())

	// The replicate catalog declares both 5 (image) and 3 (video/upscale);
	// the shared semaphore must size to the smallest regardless of which
	// descriptor a map walk visits first.
	for i := 0; i < 10; i++ {
		if got := reg.ConcurrencyFor(ProviderReplicate, 8); got != 3 {
			t.Fatalf("replicate cap = %d, want 3", got)
		}
	}
	if got := reg.ConcurrencyFor("nonexistent", 8); got != 8 {
		t.Fatalf("fallback cap = %d, want 8", got)
	}
}
