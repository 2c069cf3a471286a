package dispatch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"loom/internal/artifact"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/provider"
	"loom/internal/refs"
	"loom/internal/services"
	"loom/internal/testsupport"
)

const (
	syncModel = "google/nano-banana/text-to-image"
	pollModel = "kwaivgi/kling-v2.5-turbo-pro-image-to-video"
)

type testHarness struct {
	dispatcher *Dispatcher
	store      *artifact.Store
	registry   *refs.Registry
	stub       *testsupport.ReplicateStub
	cfg        *config.Config
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	stub := testsupport.NewReplicateStub(t)
	cfg := testsupport.NewConfig(t, testsupport.WithProviderBaseURL("replicate", stub.URL()))

	registry, err := refs.Open(cfg)
	if err != nil {
		t.Fatalf("open refs: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close() })

	store, err := artifact.NewStore(cfg, registry, logging.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	providers := provider.NewRegistry(cfg, store.PublicURL, logging.NewNop())
	d := New(cfg, providers, store, registry, logging.NewNop())
	d.pollStart = time.Millisecond
	d.retryDelay = func(int, time.Duration) time.Duration { return time.Millisecond }
	d.Start(context.Background())
	t.Cleanup(d.Close)

	return &testHarness{dispatcher: d, store: store, registry: registry, stub: stub, cfg: cfg}
}

func imageRequest(prompt string) provider.Request {
	return provider.Request{
		Kind:   provider.KindTextToImage,
		Model:  syncModel,
		Prompt: prompt,
		Params: provider.Params{"aspectRatio": "1:1"},
	}
}

func TestSyncJobCompletes(t *testing.T) {
	h := newHarness(t)

	job, err := h.dispatcher.SubmitJob("node-1", "proj-1", imageRequest("a cat"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := h.dispatcher.WaitJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if snap.State != StateCompleted {
		t.Fatalf("state = %s, error = %s", snap.State, snap.Error)
	}
	if len(snap.Outputs) != 1 {
		t.Fatalf("outputs = %v", snap.Outputs)
	}
	if h.stub.SubmitCount() != 1 {
		t.Fatalf("submits = %d, want 1 (no retries)", h.stub.SubmitCount())
	}

	hash := snap.Outputs[0]
	if !h.store.Exists(hash) {
		t.Fatal("output artifact missing from store")
	}
	sc, err := h.store.Metadata(hash)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if sc.Model != syncModel || sc.Prompt != "a cat" || sc.AspectRatio != "1:1" {
		t.Fatalf("sidecar = %+v", sc)
	}
	count, err := h.registry.CountFor(ctx, hash)
	if err != nil || count != 1 {
		t.Fatalf("ref count = %d, err = %v", count, err)
	}
}

func TestPollJobCompletes(t *testing.T) {
	h := newHarness(t)
	h.stub.SyncMode = false
	h.stub.PollsUntilDone = 3
	h.stub.PayloadName = "clip.mp4"

	job, err := h.dispatcher.SubmitJob("node-1", "proj-1", provider.Request{
		Kind:   provider.KindImageToVideo,
		Model:  pollModel,
		Prompt: "pan across",
		Params: provider.Params{"aspectRatio": "16:9", "duration": 5},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := h.dispatcher.WaitJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if snap.State != StateCompleted {
		t.Fatalf("state = %s, error = %s", snap.State, snap.Error)
	}
	if h.stub.TotalPolls() != 3 {
		t.Fatalf("polls = %d, want 3", h.stub.TotalPolls())
	}
	kind, _, err := h.store.Locate(snap.Outputs[0])
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if kind != artifact.KindVideo {
		t.Fatalf("kind = %s, want video", kind)
	}
}

func TestBatchPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.stub.FailSubmit = func(n int) (int, string) {
		if n == 1 || n == 3 {
			return http.StatusBadRequest, `{"detail":"bad parameter"}`
		}
		return 0, ""
	}

	batch, err := h.dispatcher.SubmitBatch("node-1", "proj-1", imageRequest("p"), 4, 1)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	snap, err := h.dispatcher.WaitBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if snap.Status != StateCompleted {
		t.Fatalf("batch status = %s", snap.Status)
	}
	if snap.CompletedCount != 2 || snap.FailedCount != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", snap.CompletedCount, snap.FailedCount)
	}
	if snap.CompletedCount+snap.FailedCount > snap.TotalCount {
		t.Fatal("count invariant violated")
	}
	// Window of 1 serializes submission, so indices map to submit order.
	for i, result := range snap.Results {
		if result.Index != i {
			t.Fatalf("result %d carries index %d", i, result.Index)
		}
		wantFail := i == 0 || i == 2
		if wantFail && result.Status != StateFailed {
			t.Fatalf("result %d = %s, want failed", i, result.Status)
		}
		if !wantFail && result.Status != StateCompleted {
			t.Fatalf("result %d = %s, want completed", i, result.Status)
		}
		if wantFail && result.Error == "" {
			t.Fatalf("result %d missing provider error text", i)
		}
	}
	// 400s are not retried.
	if h.stub.SubmitCount() != 4 {
		t.Fatalf("submits = %d, want 4", h.stub.SubmitCount())
	}
}

func TestCancelMidPoll(t *testing.T) {
	h := newHarness(t)
	h.stub.SyncMode = false
	h.stub.PollsUntilDone = 1000

	job, err := h.dispatcher.SubmitJob("node-1", "proj-1", provider.Request{
		Kind:  provider.KindImageToVideo,
		Model: pollModel,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.stub.TotalPolls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stub never polled")
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.dispatcher.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snap, _ := h.dispatcher.QueryJob(job.ID)
	if snap.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", snap.State)
	}

	time.Sleep(100 * time.Millisecond)
	pollsAfterCancel := h.stub.TotalPolls()
	time.Sleep(200 * time.Millisecond)
	if got := h.stub.TotalPolls(); got != pollsAfterCancel {
		t.Fatalf("polls continued after cancel: %d -> %d", pollsAfterCancel, got)
	}
	if len(h.store.List()) != 0 {
		t.Fatal("artifact written for cancelled job")
	}
}

func TestDedupAcrossJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.dispatcher.SubmitJob("node-1", "proj-1", imageRequest("same prompt"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := h.dispatcher.SubmitJob("node-2", "proj-2", imageRequest("same prompt"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	snapA, err := h.dispatcher.WaitJob(waitCtx, first.ID)
	if err != nil {
		t.Fatalf("wait first: %v", err)
	}
	snapB, err := h.dispatcher.WaitJob(waitCtx, second.ID)
	if err != nil {
		t.Fatalf("wait second: %v", err)
	}
	if snapA.State != StateCompleted || snapB.State != StateCompleted {
		t.Fatalf("states = %s/%s", snapA.State, snapB.State)
	}
	if snapA.Outputs[0] != snapB.Outputs[0] {
		t.Fatalf("identical bytes produced different hashes: %s vs %s", snapA.Outputs[0], snapB.Outputs[0])
	}
	if len(h.store.List()) != 1 {
		t.Fatalf("store holds %d files, want 1", len(h.store.List()))
	}

	hash := snapA.Outputs[0]
	count, err := h.registry.CountFor(ctx, hash)
	if err != nil || count != 2 {
		t.Fatalf("ref count = %d, err = %v", count, err)
	}
	if _, err := h.registry.Remove(ctx, hash, "proj-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	used, err := h.registry.IsUsedElsewhere(ctx, hash, "proj-1")
	if err != nil || !used {
		t.Fatalf("used elsewhere = %v, err = %v", used, err)
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.retryDelay = retryDelay
	h.stub.RetryAfterSeconds = 1
	h.stub.FailSubmit = func(n int) (int, string) {
		if n == 1 {
			return http.StatusTooManyRequests, `{"detail":"slow down"}`
		}
		return 0, ""
	}

	start := time.Now()
	job, err := h.dispatcher.SubmitJob("node-1", "proj-1", imageRequest("p"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	snap, err := h.dispatcher.WaitJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if snap.State != StateCompleted {
		t.Fatalf("state = %s, error = %s", snap.State, snap.Error)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("retried after %v, want at least the Retry-After second", elapsed)
	}
	if h.stub.SubmitCount() != 2 {
		t.Fatalf("submits = %d, want 2", h.stub.SubmitCount())
	}
}

func TestCancelAlreadyTerminal(t *testing.T) {
	h := newHarness(t)

	job, err := h.dispatcher.SubmitJob("node-1", "proj-1", imageRequest("p"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	before, err := h.dispatcher.WaitJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	err = h.dispatcher.Cancel(job.ID)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("err = %v, want ErrAlreadyTerminal", err)
	}
	after, _ := h.dispatcher.QueryJob(job.ID)
	if after.State != before.State || len(after.Outputs) != len(before.Outputs) {
		t.Fatal("terminal job changed after cancel attempt")
	}
}

func TestCancelUnknownID(t *testing.T) {
	h := newHarness(t)
	if err := h.dispatcher.Cancel("nope"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestSingleChildBatchMatchesJob(t *testing.T) {
	h := newHarness(t)

	batch, err := h.dispatcher.SubmitBatch("node-1", "proj-1", imageRequest("p"), 1, 1)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := h.dispatcher.WaitBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if snap.Status != StateCompleted || snap.CompletedCount != 1 || snap.FailedCount != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Results) != 1 || len(snap.Results[0].Outputs) != 1 {
		t.Fatalf("results = %+v", snap.Results)
	}
	jobSnap, err := h.dispatcher.QueryJob(snap.Results[0].JobID)
	if err != nil {
		t.Fatalf("query child: %v", err)
	}
	if jobSnap.Outputs[0] != snap.Results[0].Outputs[0] {
		t.Fatal("batch result diverges from child job output")
	}
}

func TestJobsForNode(t *testing.T) {
	h := newHarness(t)

	a, _ := h.dispatcher.SubmitJob("node-1", "proj-1", imageRequest("one"))
	b, _ := h.dispatcher.SubmitJob("node-1", "proj-1", imageRequest("two"))
	_, _ = h.dispatcher.SubmitJob("node-2", "proj-1", imageRequest("three"))

	snaps := h.dispatcher.JobsFor("node-1")
	if len(snaps) != 2 {
		t.Fatalf("jobs for node-1 = %d, want 2", len(snaps))
	}
	if snaps[0].ID != a.ID || snaps[1].ID != b.ID {
		t.Fatal("submission order not preserved")
	}
}

type timeoutAdapter struct {
	desc  provider.Descriptor
	polls int
}

func (a *timeoutAdapter) Descriptor() provider.Descriptor { return a.desc }
func (a *timeoutAdapter) Submit(context.Context, provider.Request) (provider.Handle, error) {
	return &provider.PollHandle{ID: "t1", PollURL: "http://stub/poll"}, nil
}
func (a *timeoutAdapter) Poll(context.Context, *provider.PollHandle) (provider.PollStatus, error) {
	a.polls++
	return provider.PollStatus{State: provider.PollRunning}, nil
}
func (a *timeoutAdapter) Consume(context.Context, *provider.StreamHandle, func(string)) (string, error) {
	return "", nil
}
func (a *timeoutAdapter) CancelRemote(context.Context, *provider.PollHandle) error { return nil }
func (a *timeoutAdapter) Cost(provider.Request) float64                            { return 0 }

func TestPollCapYieldsTimeout(t *testing.T) {
	h := newHarness(t)
	adapter := &timeoutAdapter{desc: provider.Descriptor{Model: "m", Provider: "replicate", PollCap: 3}}

	job := newJob("node-1", "proj-1", -1, provider.Request{Kind: provider.KindImageToVideo, Model: "m"})
	_, err := h.dispatcher.pollUntilTerminal(context.Background(), adapter, job, &provider.PollHandle{ID: "t1"})
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if adapter.polls != 3 {
		t.Fatalf("polls = %d, want 3", adapter.polls)
	}
}

func TestNextPollInterval(t *testing.T) {
	if got := nextPollInterval(2 * time.Second); got != 3*time.Second {
		t.Fatalf("next(2s) = %v", got)
	}
	if got := nextPollInterval(9 * time.Second); got != 10*time.Second {
		t.Fatalf("next(9s) = %v, want capped at 10s", got)
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	if got := retryDelay(1, 0); got != time.Second {
		t.Fatalf("delay 1 = %v", got)
	}
	if got := retryDelay(2, 0); got != 4*time.Second {
		t.Fatalf("delay 2 = %v", got)
	}
	if got := retryDelay(1, 2*time.Second); got != 2*time.Second {
		t.Fatalf("retry-after not honored: %v", got)
	}
	if got := retryDelay(1, 12*time.Second); got != 12*time.Second {
		t.Fatalf("retry-after within budget shortened: %v", got)
	}
	if got := retryDelay(1, time.Minute); got != 15*time.Second {
		t.Fatalf("retry-after not clamped to remaining budget: %v", got)
	}
	if got := retryDelay(3, time.Minute); got != 10*time.Second {
		t.Fatalf("final-retry budget = %v, want 10s", got)
	}
}

func TestBatchFingerprintStable(t *testing.T) {
	params := provider.Params{"aspectRatio": "1:1", "seed": 7}
	a := BatchFingerprint(provider.KindTextToImage, "m", params, []string{"x"}, 0)
	b := BatchFingerprint(provider.KindTextToImage, "m", provider.Params{"seed": 7, "aspectRatio": "1:1"}, []string{"x"}, 0)
	if a != b {
		t.Fatal("fingerprint not canonical over param order")
	}
	c := BatchFingerprint(provider.KindTextToImage, "m", params, []string{"x"}, 1)
	if a == c {
		t.Fatal("replication index not part of fingerprint")
	}
}
