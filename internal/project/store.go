package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"loom/internal/fileutil"
	"loom/internal/logging"
)

// Snapshot is one saved project: its node graph plus bookkeeping.
type Snapshot struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Graph     json.RawMessage `json:"graph"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store provides thread-safe access to the snapshot file.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.RWMutex
	items  map[string]Snapshot
}

// NewStore loads the snapshot file at path, starting empty when it does not
// exist yet. The file is created lazily on first save.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Store{
		path:   path,
		logger: logging.NewComponentLogger(logger, "projects"),
		items:  make(map[string]Snapshot),
	}
	if err := s.load(); err != nil {
		s.logger.Warn("failed to load project snapshots; starting empty", logging.Error(err))
	}
	return s
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read snapshots: %w", err)
	}
	var items map[string]Snapshot
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parse snapshots: %w", err)
	}
	s.items = items
	return nil
}

// save persists the full snapshot map. Caller holds s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	return fileutil.WriteFileAtomic(s.path, data, 0o644)
}

// Save stores or replaces a snapshot and persists to disk. The creation
// timestamp sticks across updates.
func (s *Store) Save(snap Snapshot) error {
	snap.ID = strings.TrimSpace(snap.ID)
	if snap.ID == "" {
		return errors.New("project id cannot be empty")
	}
	now := time.Now().UTC()
	snap.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[snap.ID]; ok && !existing.CreatedAt.IsZero() {
		snap.CreatedAt = existing.CreatedAt
	} else if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	s.items[snap.ID] = snap
	if err := s.save(); err != nil {
		return fmt.Errorf("persist snapshots: %w", err)
	}
	s.logger.Debug("snapshot saved",
		logging.String("project_id", snap.ID),
		logging.Int("graph_bytes", len(snap.Graph)),
	)
	return nil
}

// Get returns the snapshot for a project id.
func (s *Store) Get(id string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[strings.TrimSpace(id)]
	return snap, ok
}

// Delete removes a snapshot and persists the change. It returns the removed
// snapshot so callers can release its artifact references.
func (s *Store) Delete(id string) (Snapshot, bool, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.items[id]
	if !ok {
		return Snapshot{}, false, nil
	}
	delete(s.items, id)
	if err := s.save(); err != nil {
		return Snapshot{}, false, fmt.Errorf("persist snapshots: %w", err)
	}
	return snap, true, nil
}

// List returns all snapshots ordered by most recent update.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.items))
	for _, snap := range s.items {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// IDs returns the known project ids.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
