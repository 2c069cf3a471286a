package project_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/logging"
	"loom/internal/project"
)

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	store := project.NewStore(path, logging.NewNop())

	graph := json.RawMessage(`{"nodes":[{"id":"n1"}]}`)
	if err := store.Save(project.Snapshot{ID: "proj-1", Name: "Storyboard", Graph: graph}); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded := project.NewStore(path, logging.NewNop())
	snap, ok := reloaded.Get("proj-1")
	if !ok {
		t.Fatal("snapshot missing after reload")
	}
	if snap.Name != "Storyboard" || string(snap.Graph) != string(graph) {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.CreatedAt.IsZero() || snap.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestSavePreservesCreatedAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	store := project.NewStore(path, logging.NewNop())

	if err := store.Save(project.Snapshot{ID: "proj-1", Graph: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, _ := store.Get("proj-1")

	time.Sleep(5 * time.Millisecond)
	if err := store.Save(project.Snapshot{ID: "proj-1", Graph: json.RawMessage(`{"v":2}`)}); err != nil {
		t.Fatalf("resave: %v", err)
	}
	second, _ := store.Get("proj-1")
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("createdAt changed on update")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatal("updatedAt not advanced")
	}
}

func TestDeleteReturnsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	store := project.NewStore(path, logging.NewNop())

	if err := store.Save(project.Snapshot{ID: "proj-1", Graph: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap, ok, err := store.Delete("proj-1")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if snap.ID != "proj-1" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, ok := store.Get("proj-1"); ok {
		t.Fatal("snapshot still present")
	}
	if _, ok, _ := store.Delete("proj-1"); ok {
		t.Fatal("second delete should be a no-op")
	}
}

func TestListOrdersByUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	store := project.NewStore(path, logging.NewNop())

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Save(project.Snapshot{ID: id, Graph: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	list := store.List()
	if len(list) != 3 || list[0].ID != "c" {
		t.Fatalf("list = %+v", list)
	}
	ids := store.IDs()
	if len(ids) != 3 || ids[0] != "a" {
		t.Fatalf("ids = %v", ids)
	}
}
