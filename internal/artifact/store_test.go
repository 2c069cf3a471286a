package artifact_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loom/internal/artifact"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/testsupport"
)

type stubRefs struct {
	counts map[string]int
}

func (s *stubRefs) CountFor(_ context.Context, hash string) (int, error) {
	return s.counts[hash], nil
}

func newTestStore(t *testing.T) (*artifact.Store, *stubRefs) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	refs := &stubRefs{counts: map[string]int{}}
	store, err := artifact.NewStore(cfg, refs, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, refs
}

func TestPutDeduplicatesIdenticalBytes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	payload := []byte("identical png payload")

	first, err := store.Put(ctx, payload, "image/png")
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if !first.IsNew {
		t.Fatal("first put should be new")
	}
	if !strings.HasSuffix(first.Filename, ".png") {
		t.Fatalf("filename = %q, want .png suffix", first.Filename)
	}
	if got, ok := artifact.HashFromFilename(first.Filename); !ok || got != first.Hash {
		t.Fatalf("filename %q does not encode hash %q", first.Filename, first.Hash)
	}

	path, err := store.Path(first.Hash)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	second, err := store.Put(ctx, payload, "image/png")
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if second.IsNew {
		t.Fatal("duplicate put must not report new")
	}
	if second.Hash != first.Hash || second.Filename != first.Filename {
		t.Fatalf("duplicate resolved differently: %+v vs %+v", second, first)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatal("existing artifact bytes were rewritten")
	}
}

func TestPutRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	payload := []byte("video bytes")

	res, err := store.Put(ctx, payload, "video/mp4")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if res.Kind != artifact.KindVideo {
		t.Fatalf("kind = %q, want video", res.Kind)
	}
	got, err := store.Get(res.Hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round trip mismatch: %q", got)
	}
	url, err := store.PublicURL(res.Hash)
	if err != nil {
		t.Fatalf("public url: %v", err)
	}
	if !strings.Contains(url, "/storage/videos/"+res.Filename) {
		t.Fatalf("url = %q", url)
	}
}

func TestPutRejectsUnknownMIME(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Put(context.Background(), []byte("x"), "application/json")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestMetadataMergePreservesCreatedAt(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	res, err := store.Put(ctx, []byte("img"), "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutMetadata(res.Hash, artifact.Sidecar{Model: "test/model", Prompt: "a cat"}); err != nil {
		t.Fatalf("first metadata: %v", err)
	}
	first, err := store.Metadata(res.Hash)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if first.CreatedAt.IsZero() {
		t.Fatal("createdAt not set")
	}

	if err := store.PutMetadata(res.Hash, artifact.Sidecar{Prompt: "a dog", Cost: 0.25}); err != nil {
		t.Fatalf("second metadata: %v", err)
	}
	second, err := store.Metadata(res.Hash)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if second.Prompt != "a dog" || second.Model != "test/model" || second.Cost != 0.25 {
		t.Fatalf("merge result: %+v", second)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("createdAt changed on merge")
	}
	if second.Hash != res.Hash {
		t.Fatalf("sidecar hash = %q, want %q", second.Hash, res.Hash)
	}
}

func TestIngestAndRename(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	res, err := store.Ingest(ctx, "Café Exterior.png", []byte("uploaded bytes"), "image/png")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !strings.HasPrefix(res.Filename, "cafe-exterior-") {
		t.Fatalf("filename = %q", res.Filename)
	}
	sc, err := store.Metadata(res.Hash)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if sc.Hash != res.Hash {
		t.Fatalf("sidecar hash = %q, want %q", sc.Hash, res.Hash)
	}

	renamed, err := store.Rename(res.Hash, "Night Shot")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if !strings.HasPrefix(renamed, "night-shot-") {
		t.Fatalf("renamed = %q", renamed)
	}
	oldSuffix := strings.TrimPrefix(res.Filename, "cafe-exterior-")
	newSuffix := strings.TrimPrefix(renamed, "night-shot-")
	if oldSuffix != newSuffix {
		t.Fatalf("rename changed suffix: %q -> %q", oldSuffix, newSuffix)
	}
	path, err := store.Path(res.Hash)
	if err != nil {
		t.Fatalf("path after rename: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}
	if _, err := os.Stat(path + ".meta.json"); err != nil {
		t.Fatalf("sidecar did not follow rename: %v", err)
	}
}

func TestDeleteGatedByReferences(t *testing.T) {
	store, refs := newTestStore(t)
	ctx := context.Background()
	res, err := store.Put(ctx, []byte("referenced"), "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	refs.counts[res.Hash] = 2

	err = store.Delete(ctx, res.Hash)
	if !errors.Is(err, artifact.ErrStillReferenced) {
		t.Fatalf("err = %v, want ErrStillReferenced", err)
	}
	if !store.Exists(res.Hash) {
		t.Fatal("referenced artifact was removed")
	}

	refs.counts[res.Hash] = 0
	if err := store.Delete(ctx, res.Hash); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Exists(res.Hash) {
		t.Fatal("artifact still indexed after delete")
	}
	if _, err := store.Get(res.Hash); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestScavengeRespectsGrace(t *testing.T) {
	store, refs := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.Put(ctx, []byte("fresh"), "image/png")
	if err != nil {
		t.Fatalf("put fresh: %v", err)
	}
	old, err := store.Put(ctx, []byte("old"), "image/png")
	if err != nil {
		t.Fatalf("put old: %v", err)
	}
	held, err := store.Put(ctx, []byte("held"), "image/png")
	if err != nil {
		t.Fatalf("put held: %v", err)
	}
	refs.counts[held.Hash] = 1

	past := time.Now().Add(-time.Hour)
	for _, h := range []string{old.Hash, held.Hash} {
		path, err := store.Path(h)
		if err != nil {
			t.Fatalf("path: %v", err)
		}
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	n, err := store.Scavenge(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("scavenge: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	if !store.Exists(fresh.Hash) {
		t.Fatal("fresh artifact reclaimed inside grace window")
	}
	if !store.Exists(held.Hash) {
		t.Fatal("referenced artifact reclaimed")
	}
	if store.Exists(old.Hash) {
		t.Fatal("stale unreferenced artifact survived")
	}
}

func TestIndexRebuildOnReopen(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	refs := &stubRefs{counts: map[string]int{}}
	store, err := artifact.NewStore(cfg, refs, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	hashed, err := store.Put(ctx, []byte("hashed"), "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	slugged, err := store.Ingest(ctx, "upload", []byte("slugged"), "image/png")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	reopened, err := artifact.NewStore(cfg, refs, logging.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for _, h := range []string{hashed.Hash, slugged.Hash} {
		if !reopened.Exists(h) {
			t.Fatalf("hash %s missing after reopen", h)
		}
	}
}

func TestServeFileRejectsTraversal(t *testing.T) {
	store, _ := newTestStore(t)
	if _, _, err := store.ServeFile("images", filepath.Join("..", "secrets.txt")); err == nil {
		t.Fatal("traversal must be rejected")
	}
	if _, _, err := store.ServeFile("tmp", "a.png"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("unknown kind dir: %v", err)
	}
}
