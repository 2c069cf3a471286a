package refs_test

import (
	"context"
	"strings"
	"testing"

	"loom/internal/refs"
	"loom/internal/testsupport"
)

func newTestRegistry(t *testing.T) *refs.Registry {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	reg, err := refs.Open(cfg)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestAddIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	hash := strings.Repeat("ab", 32)

	for range 3 {
		if err := reg.Add(ctx, hash, "proj-1"); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	count, err := reg.CountFor(ctx, hash)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestRemoveReportsCollectable(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	hash := strings.Repeat("cd", 32)

	if err := reg.Add(ctx, hash, "proj-1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(ctx, hash, "proj-2"); err != nil {
		t.Fatalf("add: %v", err)
	}

	collectable, err := reg.Remove(ctx, hash, "proj-1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if collectable {
		t.Fatal("artifact still referenced by proj-2")
	}

	used, err := reg.IsUsedElsewhere(ctx, hash, "proj-2")
	if err != nil {
		t.Fatalf("used elsewhere: %v", err)
	}
	if used {
		t.Fatal("only proj-2 remains; no other project should reference")
	}

	collectable, err = reg.Remove(ctx, hash, "proj-2")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !collectable {
		t.Fatal("last reference removed; artifact should be collectable")
	}
}

func TestSyncProjectReplacesSet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := strings.Repeat("0a", 32)
	b := strings.Repeat("0b", 32)
	c := strings.Repeat("0c", 32)

	if err := reg.SyncProject(ctx, "proj-1", []string{a, b}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := reg.SyncProject(ctx, "proj-1", []string{b, c}); err != nil {
		t.Fatalf("resync: %v", err)
	}

	got, err := reg.HashesFor(ctx, "proj-1")
	if err != nil {
		t.Fatalf("hashes for: %v", err)
	}
	if len(got) != 2 || got[0] != b || got[1] != c {
		t.Fatalf("refs = %v, want [%s %s]", got, b, c)
	}
	count, err := reg.CountFor(ctx, a)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("dropped hash still counted: %d", count)
	}
}

func TestScrubDropsUnknownProjects(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	hash := strings.Repeat("ef", 32)

	if err := reg.Add(ctx, hash, "alive"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(ctx, hash, "deleted"); err != nil {
		t.Fatalf("add: %v", err)
	}

	removed, err := reg.Scrub(ctx, []string{"alive"})
	if err != nil {
		t.Fatalf("scrub: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	count, err := reg.CountFor(ctx, hash)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestHashesFromGraph(t *testing.T) {
	hashA := strings.Repeat("1a", 32)
	hashB := strings.Repeat("2b", 32)
	graph := `{
		"nodes": [
			{"id": "n1", "data": {"image": "http://127.0.0.1:7711/storage/images/` + hashA + `.png"}},
			{"id": "n2", "data": {"video": "/storage/videos/clip-1700000000000-deadbeef.mp4"}},
			{"id": "n3", "data": {"hash": "` + hashB + `"}},
			{"id": "n4", "data": {"text": "not an artifact"}},
			{"id": "n5", "data": {"stale": "/storage/images/unknown-1600000000000-cafecafe.png"}}
		]
	}`
	resolve := func(filename string) (string, bool) {
		if filename == "clip-1700000000000-deadbeef.mp4" {
			return strings.Repeat("3c", 32), true
		}
		if h, ok := strings.CutSuffix(filename, ".png"); ok && len(h) == 64 {
			return h, true
		}
		return "", false
	}
	got, err := refs.HashesFromGraph([]byte(graph), resolve)
	if err != nil {
		t.Fatalf("parse graph: %v", err)
	}
	want := []string{hashA, hashB, strings.Repeat("3c", 32)}
	if len(got) != len(want) {
		t.Fatalf("hashes = %v, want %v", got, want)
	}
	found := make(map[string]bool, len(got))
	for _, h := range got {
		found[h] = true
	}
	for _, h := range want {
		if !found[h] {
			t.Fatalf("missing hash %s in %v", h, got)
		}
	}
}
