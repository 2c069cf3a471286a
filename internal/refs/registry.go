package refs

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"loom/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema
// changes; callers must delete the registry database after a bump.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the
// expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Registry persists artifact references backed by SQLite.
type Registry struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the reference database.
func Open(cfg *config.Config) (*Registry, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.RegistryDBPath()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	reg := &Registry{db: db, path: dbPath}
	if err := reg.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return reg, nil
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Registry) initSchema(ctx context.Context) error {
	var tableExists int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := r.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to reset)",
			ErrSchemaMismatch, version, schemaVersion, r.path)
	}
	return nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (r *Registry) execWithRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	})
}

// Add records that a project references an artifact. Adding the same pair
// twice is a no-op.
func (r *Registry) Add(ctx context.Context, hash, projectID string) error {
	if hash == "" || projectID == "" {
		return nil
	}
	return r.execWithRetry(ctx,
		"INSERT OR IGNORE INTO artifact_refs (hash, project_id) VALUES (?, ?)",
		hash, projectID)
}

// Remove drops a project's reference to an artifact and reports whether the
// artifact is now unreferenced and eligible for collection.
func (r *Registry) Remove(ctx context.Context, hash, projectID string) (bool, error) {
	if err := r.execWithRetry(ctx,
		"DELETE FROM artifact_refs WHERE hash = ? AND project_id = ?",
		hash, projectID); err != nil {
		return false, err
	}
	count, err := r.CountFor(ctx, hash)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// CountFor returns the number of projects referencing an artifact.
func (r *Registry) CountFor(ctx context.Context, hash string) (int, error) {
	ctx = ensureContext(ctx)
	var count int
	err := retryOnBusy(ctx, func() error {
		return r.db.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM artifact_refs WHERE hash = ?", hash).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count refs: %w", err)
	}
	return count, nil
}

// IsUsedElsewhere reports whether any project other than the given one
// references the artifact.
func (r *Registry) IsUsedElsewhere(ctx context.Context, hash, projectID string) (bool, error) {
	ctx = ensureContext(ctx)
	var count int
	err := retryOnBusy(ctx, func() error {
		return r.db.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM artifact_refs WHERE hash = ? AND project_id != ?",
			hash, projectID).Scan(&count)
	})
	if err != nil {
		return false, fmt.Errorf("count refs: %w", err)
	}
	return count > 0, nil
}

// HashesFor lists the artifact hashes a project references.
func (r *Registry) HashesFor(ctx context.Context, projectID string) ([]string, error) {
	ctx = ensureContext(ctx)
	rows, err := r.db.QueryContext(ctx,
		"SELECT hash FROM artifact_refs WHERE project_id = ? ORDER BY hash", projectID)
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan ref: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// SyncProject replaces a project's reference set in one transaction so the
// registry always mirrors the latest saved graph.
func (r *Registry) SyncProject(ctx context.Context, projectID string, hashes []string) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sync tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM artifact_refs WHERE project_id = ?", projectID); err != nil {
			return fmt.Errorf("clear project refs: %w", err)
		}
		for _, hash := range hashes {
			if hash == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO artifact_refs (hash, project_id) VALUES (?, ?)",
				hash, projectID); err != nil {
				return fmt.Errorf("insert ref: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Scrub drops references belonging to projects no longer known to the
// snapshot store. Returns the number of rows removed.
func (r *Registry) Scrub(ctx context.Context, knownProjectIDs []string) (int64, error) {
	ctx = ensureContext(ctx)
	if len(knownProjectIDs) == 0 {
		var removed int64
		err := retryOnBusy(ctx, func() error {
			res, err := r.db.ExecContext(ctx, "DELETE FROM artifact_refs")
			if err != nil {
				return err
			}
			removed, _ = res.RowsAffected()
			return nil
		})
		return removed, err
	}

	placeholders := strings.Repeat("?,", len(knownProjectIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(knownProjectIDs))
	for i, id := range knownProjectIDs {
		args[i] = id
	}
	var removed int64
	err := retryOnBusy(ctx, func() error {
		res, err := r.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM artifact_refs WHERE project_id NOT IN (%s)", placeholders),
			args...)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
