package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"loom/internal/artifact"
	"loom/internal/config"
	"loom/internal/dispatch"
	"loom/internal/logging"
	"loom/internal/project"
	"loom/internal/provider"
	"loom/internal/refs"
)

// Daemon coordinates the dispatcher, the artifact store, and the HTTP
// surface, and enforces single-instance execution per storage root.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *artifact.Store
	registry   *refs.Registry
	projects   *project.Store
	providers  *provider.Registry
	dispatcher *dispatch.Dispatcher

	lockPath string
	lock     *flock.Flock

	api *apiServer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	StorageDir   string
	LockFilePath string
	Dispatch     dispatch.Stats
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *artifact.Store, registry *refs.Registry, projects *project.Store, providers *provider.Registry, dispatcher *dispatch.Dispatcher, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || dispatcher == nil {
		return nil, errors.New("daemon requires config, store, and dispatcher")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		registry:   registry,
		projects:   projects,
		providers:  providers,
		dispatcher: dispatcher,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}

	srv, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = srv
	return d, nil
}

// Start acquires the daemon lock, launches the dispatcher, the API server,
// and the trash scavenger.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another loom daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.dispatcher.Start(d.ctx)

	if d.api != nil {
		if err := d.api.start(d.ctx); err != nil {
			_ = d.lock.Unlock()
			d.cancel()
			d.ctx = nil
			d.cancel = nil
			return fmt.Errorf("start api server: %w", err)
		}
	}

	d.wg.Add(1)
	go d.scavengeLoop(d.ctx)

	d.running.Store(true)
	d.logger.Info("loom daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.api != nil {
		d.api.stop()
	}
	d.dispatcher.Close()
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("loom daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.registry != nil {
		return d.registry.Close()
	}
	return nil
}

// Status reports runtime information.
func (d *Daemon) Status() Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		StorageDir:   d.cfg.Paths.StorageDir,
		LockFilePath: d.lockPath,
		Dispatch:     d.dispatcher.Stats(),
	}
}

// Addr returns the API server's bound address, empty when the server is
// disabled or not started.
func (d *Daemon) Addr() string {
	if d.api == nil || d.api.listener == nil {
		return ""
	}
	return d.api.listener.Addr().String()
}

// scavengeLoop periodically collects trash entries whose grace window has
// passed. The first pass runs one grace period after startup so references
// recorded by a previous run settle first.
func (d *Daemon) scavengeLoop(ctx context.Context) {
	defer d.wg.Done()
	grace := d.cfg.TrashGrace()
	interval := grace
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := d.store.Scavenge(ctx, grace)
			if err != nil {
				d.logger.Warn("trash scavenge failed", logging.Error(err))
				continue
			}
			if purged > 0 {
				d.logger.Info("trash scavenged", logging.Int("purged", purged))
			}
		}
	}
}
