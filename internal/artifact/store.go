package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"loom/internal/config"
	"loom/internal/fileutil"
	"loom/internal/logging"
	"loom/internal/services"
)

// ErrStillReferenced is returned by Delete while any project references the
// artifact.
var ErrStillReferenced = errors.New("artifact still referenced")

// ReferenceCounter is the registry view the store needs to gate deletion.
type ReferenceCounter interface {
	CountFor(ctx context.Context, hash string) (int, error)
}

type entry struct {
	kind     Kind
	filename string
}

// Store manages content-addressed artifact files and their sidecars.
type Store struct {
	root    string
	baseURL string
	refs    ReferenceCounter
	logger  *slog.Logger

	mu    sync.RWMutex
	index map[string]entry
}

// PutResult reports the outcome of writing bytes into the store.
type PutResult struct {
	Hash      string
	Kind      Kind
	Filename  string
	SizeBytes int64
	IsNew     bool
}

// Info describes one stored artifact for listings.
type Info struct {
	Hash      string
	Kind      Kind
	Filename  string
	SizeBytes int64
	ModTime   time.Time
}

// NewStore opens the artifact store rooted at the configured storage dir and
// rebuilds the hash index from disk.
func NewStore(cfg *config.Config, refs ReferenceCounter, logger *slog.Logger) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, services.Wrap(services.ErrIO, "artifact-store", "init", "", err)
	}
	s := &Store{
		root:    cfg.Paths.StorageDir,
		baseURL: cfg.Paths.PublicBaseURL,
		refs:    refs,
		logger:  logging.NewComponentLogger(logger, "artifact-store"),
		index:   make(map[string]entry),
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	for _, kind := range Kinds() {
		dir := filepath.Join(s.root, kind.Dir())
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return services.Wrap(services.ErrIO, "artifact-store", "scan", dir, err)
		}
		for _, de := range entries {
			if de.IsDir() || strings.HasSuffix(de.Name(), ".meta.json") || strings.HasPrefix(de.Name(), ".") {
				continue
			}
			hash, ok := HashFromFilename(de.Name())
			if !ok {
				// Slug-named upload: the hash lives in the sidecar.
				sc, found, err := readSidecar(filepath.Join(dir, de.Name()))
				if err != nil || !found || sc.Hash == "" {
					continue
				}
				hash = sc.Hash
			}
			s.index[hash] = entry{kind: kind, filename: de.Name()}
		}
	}
	s.logger.Debug("index rebuilt", logging.Int("artifacts", len(s.index)))
	return nil
}

// Put writes bytes into the store, deduplicating on content hash.
func (s *Store) Put(ctx context.Context, data []byte, declaredMIME string) (PutResult, error) {
	return s.PutStream(ctx, bytes.NewReader(data), declaredMIME)
}

// PutStream hashes r while spooling it to a temp file, then commits it under
// <kind>/<hash>.<ext> via rename. When the target already exists the temp
// file is discarded and IsNew is false; the existing bytes are never
// rewritten.
func (s *Store) PutStream(ctx context.Context, r io.Reader, declaredMIME string) (PutResult, error) {
	kind, ok := KindForMIME(declaredMIME)
	if !ok {
		return PutResult{}, services.Wrap(services.ErrValidation, "artifact-store", "put",
			fmt.Sprintf("unsupported media type %q", declaredMIME), nil)
	}
	dir := filepath.Join(s.root, kind.Dir())

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return PutResult{}, services.Wrap(services.ErrIO, "artifact-store", "put", "create temp", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	hasher := blake3.New()
	var head bytes.Buffer
	written, err := io.Copy(io.MultiWriter(tmp, hasher, newHeadWriter(&head, 512)), contextReader{ctx: ctx, r: r})
	if err != nil {
		_ = tmp.Close()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return PutResult{}, services.Wrap(services.ErrCancelled, "artifact-store", "put", "", err)
		}
		return PutResult{}, services.Wrap(services.ErrIO, "artifact-store", "put", "spool", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return PutResult{}, services.Wrap(services.ErrIO, "artifact-store", "put", "sync", err)
	}
	if err := tmp.Close(); err != nil {
		return PutResult{}, services.Wrap(services.ErrIO, "artifact-store", "put", "close", err)
	}

	if sniffed := http.DetectContentType(head.Bytes()); !mimeCompatible(sniffed, declaredMIME) {
		// Providers occasionally lie about content types; the declared MIME
		// wins per contract.
		s.logger.Warn("declared MIME disagrees with sniffed bytes",
			logging.String("declared", declaredMIME),
			logging.String("sniffed", sniffed),
		)
	}

	hash := fmt.Sprintf("%x", hasher.Sum(nil))
	filename := hash + ExtensionForMIME(declaredMIME)
	target := filepath.Join(dir, filename)

	result := PutResult{Hash: hash, Kind: kind, Filename: filename, SizeBytes: written}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(target); err == nil {
		// Identical bytes already stored; dedup short-circuits the rename.
		s.index[hash] = entry{kind: kind, filename: filename}
		return result, nil
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return PutResult{}, services.Wrap(services.ErrIO, "artifact-store", "put", "chmod", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return PutResult{}, services.Wrap(services.ErrIO, "artifact-store", "put", "commit", err)
	}
	tmpName = ""
	s.index[hash] = entry{kind: kind, filename: filename}
	result.IsNew = true
	return result, nil
}

// Ingest writes caller-supplied bytes under a slug-based filename
// (<slug>-<epoch>-<random>.<ext>), recording the content hash in the sidecar.
func (s *Store) Ingest(ctx context.Context, name string, data []byte, declaredMIME string) (PutResult, error) {
	if declaredMIME == "" {
		declaredMIME = http.DetectContentType(data)
	}
	kind, ok := KindForMIME(declaredMIME)
	if !ok {
		return PutResult{}, services.Wrap(services.ErrValidation, "artifact-store", "ingest",
			fmt.Sprintf("unsupported media type %q", declaredMIME), nil)
	}
	hash := fmt.Sprintf("%x", blake3.Sum256(data))
	filename := NewSlugFilename(name, ExtensionForMIME(declaredMIME))
	target := filepath.Join(s.root, kind.Dir(), filename)

	if err := fileutil.WriteFileAtomic(target, data, 0o644); err != nil {
		return PutResult{}, services.Wrap(services.ErrIO, "artifact-store", "ingest", "", err)
	}
	sc := Sidecar{Hash: hash, MIME: declaredMIME, SizeBytes: int64(len(data))}
	sc.merge(Sidecar{})
	if err := writeSidecar(target, sc); err != nil {
		return PutResult{}, services.Wrap(services.ErrIO, "artifact-store", "ingest", "sidecar", err)
	}

	s.mu.Lock()
	s.index[hash] = entry{kind: kind, filename: filename}
	s.mu.Unlock()

	return PutResult{Hash: hash, Kind: kind, Filename: filename, SizeBytes: int64(len(data)), IsNew: true}, nil
}

// Rename changes the slug segment of a slug-named artifact, carrying the
// sidecar along. The epoch and random suffix are preserved.
func (s *Store) Rename(hash, newSlug string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.index[hash]
	if !ok {
		return "", services.Wrap(services.ErrNotFound, "artifact-store", "rename", hash, nil)
	}
	renamed, ok := RenameSlug(ent.filename, newSlug)
	if !ok {
		return "", services.Wrap(services.ErrValidation, "artifact-store", "rename",
			"hash-addressed artifacts cannot be renamed", nil)
	}
	dir := filepath.Join(s.root, ent.kind.Dir())
	oldPath := filepath.Join(dir, ent.filename)
	newPath := filepath.Join(dir, renamed)
	if err := os.Rename(oldPath, newPath); err != nil {
		return "", services.Wrap(services.ErrIO, "artifact-store", "rename", "", err)
	}
	if _, err := os.Stat(sidecarPath(oldPath)); err == nil {
		_ = os.Rename(sidecarPath(oldPath), sidecarPath(newPath))
	}
	s.index[hash] = entry{kind: ent.kind, filename: renamed}
	return renamed, nil
}

// PutMetadata merges the sidecar for an artifact, last-write-wins per field.
// The creation timestamp is preserved once set.
func (s *Store) PutMetadata(hash string, sc Sidecar) error {
	path, err := s.Path(hash)
	if err != nil {
		return err
	}
	existing, _, err := readSidecar(path)
	if err != nil {
		return services.Wrap(services.ErrIO, "artifact-store", "put-metadata", "", err)
	}
	if existing.Hash == "" {
		existing.Hash = hash
	}
	existing.merge(sc)
	if err := writeSidecar(path, existing); err != nil {
		return services.Wrap(services.ErrIO, "artifact-store", "put-metadata", "", err)
	}
	return nil
}

// Metadata returns the sidecar for an artifact; a zero sidecar when absent.
func (s *Store) Metadata(hash string) (Sidecar, error) {
	path, err := s.Path(hash)
	if err != nil {
		return Sidecar{}, err
	}
	sc, _, err := readSidecar(path)
	if err != nil {
		return Sidecar{}, services.Wrap(services.ErrIO, "artifact-store", "metadata", "", err)
	}
	return sc, nil
}

// Get returns the full artifact bytes.
func (s *Store) Get(hash string) ([]byte, error) {
	path, err := s.Path(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "artifact-store", "get", "", err)
	}
	return data, nil
}

// Open returns a reader over the artifact bytes.
func (s *Store) Open(hash string) (io.ReadCloser, error) {
	path, err := s.Path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "artifact-store", "open", "", err)
	}
	return f, nil
}

// Exists reports whether the hash is present in the store.
func (s *Store) Exists(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[hash]
	return ok
}

// Path resolves the absolute path of an artifact by hash.
func (s *Store) Path(hash string) (string, error) {
	s.mu.RLock()
	ent, ok := s.index[hash]
	s.mu.RUnlock()
	if !ok {
		return "", services.Wrap(services.ErrNotFound, "artifact-store", "lookup", hash, nil)
	}
	return filepath.Join(s.root, ent.kind.Dir(), ent.filename), nil
}

// Locate returns the kind and filename of an artifact by hash.
func (s *Store) Locate(hash string) (Kind, string, error) {
	s.mu.RLock()
	ent, ok := s.index[hash]
	s.mu.RUnlock()
	if !ok {
		return "", "", services.Wrap(services.ErrNotFound, "artifact-store", "lookup", hash, nil)
	}
	return ent.kind, ent.filename, nil
}

// HashForFilename resolves a stored filename back to its content hash.
func (s *Store) HashForFilename(filename string) (string, bool) {
	if hash, ok := HashFromFilename(filename); ok {
		s.mu.RLock()
		_, indexed := s.index[hash]
		s.mu.RUnlock()
		return hash, indexed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for hash, ent := range s.index {
		if ent.filename == filename {
			return hash, true
		}
	}
	return "", false
}

// PublicURL returns the stable HTTP URL for an artifact, routable through the
// daemon's /storage surface. Providers that cannot ingest local paths fetch
// inputs from here.
func (s *Store) PublicURL(hash string) (string, error) {
	kind, filename, err := s.Locate(hash)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/storage/%s/%s", s.baseURL, kind.Dir(), filename), nil
}

// StoragePath returns the URL path (no host) for an artifact.
func (s *Store) StoragePath(hash string) (string, error) {
	kind, filename, err := s.Locate(hash)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/storage/%s/%s", kind.Dir(), filename), nil
}

// ServeFile resolves a /storage request to an absolute path and MIME type,
// rejecting path traversal.
func (s *Store) ServeFile(kindDir, filename string) (string, string, error) {
	kind, ok := KindForDir(kindDir)
	if !ok {
		return "", "", services.Wrap(services.ErrNotFound, "artifact-store", "serve", kindDir, nil)
	}
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", "", services.Wrap(services.ErrValidation, "artifact-store", "serve", "invalid filename", nil)
	}
	path := filepath.Join(s.root, kind.Dir(), filename)
	if _, err := os.Stat(path); err != nil {
		return "", "", services.Wrap(services.ErrNotFound, "artifact-store", "serve", filename, nil)
	}
	return path, MIMEForExtension(filepath.Ext(filename)), nil
}

// List returns all stored artifacts sorted by filename.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.index))
	for hash, ent := range s.index {
		info := Info{Hash: hash, Kind: ent.kind, Filename: ent.filename}
		if st, err := os.Stat(filepath.Join(s.root, ent.kind.Dir(), ent.filename)); err == nil {
			info.SizeBytes = st.Size()
			info.ModTime = st.ModTime()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

func mimeCompatible(sniffed, declared string) bool {
	sniffed = strings.ToLower(sniffed)
	declared = strings.ToLower(declared)
	if strings.HasPrefix(sniffed, declared) || strings.HasPrefix(declared, sniffed) {
		return true
	}
	// Sniffing only sees 512 bytes; same top-level type is close enough.
	si := strings.SplitN(sniffed, "/", 2)
	di := strings.SplitN(declared, "/", 2)
	return len(si) == 2 && len(di) == 2 && si[0] == di[0]
}

type headWriter struct {
	buf *bytes.Buffer
	max int
}

func newHeadWriter(buf *bytes.Buffer, max int) *headWriter {
	return &headWriter{buf: buf, max: max}
}

func (w *headWriter) Write(p []byte) (int, error) {
	if remaining := w.max - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
