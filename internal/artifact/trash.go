package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"loom/internal/fileutil"
	"loom/internal/logging"
	"loom/internal/services"
)

const trashDir = ".trash"

// Delete stages an artifact into the trash directory. It refuses while any
// project still references the hash; the registry must report zero before
// bytes leave the kind directory.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if s.refs != nil {
		count, err := s.refs.CountFor(ctx, hash)
		if err != nil {
			return services.Wrap(services.ErrIO, "artifact-store", "delete", "reference check", err)
		}
		if count > 0 {
			return services.Wrap(services.ErrValidation, "artifact-store", "delete",
				fmt.Sprintf("%d references remain", count), ErrStillReferenced)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.index[hash]
	if !ok {
		return services.Wrap(services.ErrNotFound, "artifact-store", "delete", hash, nil)
	}
	if err := s.stageToTrash(ent); err != nil {
		return err
	}
	delete(s.index, hash)
	s.logger.Info("artifact trashed",
		logging.String("hash", hash),
		logging.String("file", ent.filename),
	)
	return nil
}

// stageToTrash moves an artifact and its sidecar into
// <root>/.trash/<ms-epoch>_<original-filename>. Caller holds s.mu.
func (s *Store) stageToTrash(ent entry) error {
	dir := filepath.Join(s.root, trashDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.ErrIO, "artifact-store", "trash", "", err)
	}
	src := filepath.Join(s.root, ent.kind.Dir(), ent.filename)
	dst := filepath.Join(dir, fmt.Sprintf("%d_%s", time.Now().UnixMilli(), ent.filename))
	if err := fileutil.MoveFile(src, dst); err != nil {
		return services.Wrap(services.ErrIO, "artifact-store", "trash", "", err)
	}
	if _, err := os.Stat(sidecarPath(src)); err == nil {
		_ = fileutil.MoveFile(sidecarPath(src), sidecarPath(dst))
	}
	return nil
}

// Scavenge reclaims storage in two passes: artifacts with zero references
// whose files are older than grace move to the trash, and trash entries
// staged longer than grace ago are removed permanently. Returns the number
// of artifacts acted on.
func (s *Store) Scavenge(ctx context.Context, grace time.Duration) (int, error) {
	reclaimed := 0
	cutoff := time.Now().Add(-grace)

	s.mu.RLock()
	candidates := make(map[string]entry, len(s.index))
	for hash, ent := range s.index {
		candidates[hash] = ent
	}
	s.mu.RUnlock()

	for hash, ent := range candidates {
		if err := ctx.Err(); err != nil {
			return reclaimed, services.Wrap(services.ErrCancelled, "artifact-store", "scavenge", "", err)
		}
		st, err := os.Stat(filepath.Join(s.root, ent.kind.Dir(), ent.filename))
		if err != nil || st.ModTime().After(cutoff) {
			continue
		}
		if s.refs != nil {
			count, err := s.refs.CountFor(ctx, hash)
			if err != nil {
				return reclaimed, services.Wrap(services.ErrIO, "artifact-store", "scavenge", "reference check", err)
			}
			if count > 0 {
				continue
			}
		}
		s.mu.Lock()
		if _, still := s.index[hash]; still {
			if err := s.stageToTrash(ent); err != nil {
				s.mu.Unlock()
				return reclaimed, err
			}
			delete(s.index, hash)
			reclaimed++
		}
		s.mu.Unlock()
	}

	purged, err := s.purgeTrash(cutoff)
	if err != nil {
		return reclaimed, err
	}
	if reclaimed > 0 || purged > 0 {
		s.logger.Info("scavenge complete",
			logging.Int("reclaimed", reclaimed),
			logging.Int("purged", purged),
		)
	}
	return reclaimed + purged, nil
}

// purgeTrash removes trash entries staged before cutoff, judged by the
// ms-epoch prefix on the trashed filename.
func (s *Store) purgeTrash(cutoff time.Time) (int, error) {
	dir := filepath.Join(s.root, trashDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, services.Wrap(services.ErrIO, "artifact-store", "scavenge", "read trash", err)
	}
	purged := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil || time.UnixMilli(ms).After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return purged, services.Wrap(services.ErrIO, "artifact-store", "scavenge", "purge", err)
		}
		if !strings.HasSuffix(name, ".meta.json") {
			purged++
		}
	}
	return purged, nil
}
