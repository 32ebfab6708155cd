// Package autosave keeps a workspace and its persistent file store in step.
// Each pass first adopts changes another writer stored since the last pass,
// then stores local edits and closed files.
package autosave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/sandbroker/internal/workspace"
)

// DefaultInterval is how often Run syncs without being asked.
const DefaultInterval = time.Second

// retryDelays are the pauses before each retry of a failed store.
var retryDelays = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}

// FileStore persists files together with a version that changes on every
// write that modified something.
type FileStore interface {
	Version(ctx context.Context) (int64, error)
	ListFiles(ctx context.Context) ([]workspace.File, error)
	// SaveFiles upserts files that differ from their stored row and deletes
	// the given ids in one transaction. When anything changed it bumps the
	// version. It returns the resulting version and the number of changes.
	SaveFiles(ctx context.Context, files []workspace.File, deleted []int64) (version int64, changes int, err error)
}

var syncsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sandbroker_autosave_syncs_total",
		Help: "Total number of autosave passes.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(syncsTotal)
	syncsTotal.WithLabelValues("ok")
	syncsTotal.WithLabelValues("error")
}

// Synchronizer runs autosave passes for one workspace.
type Synchronizer struct {
	ws       *workspace.Workspace
	store    FileStore
	logger   *slog.Logger
	interval time.Duration

	kick chan struct{}

	// syncMu serializes passes; version is only touched under it.
	syncMu  sync.Mutex
	version int64
}

// New creates a synchronizer. A zero interval uses DefaultInterval.
func New(ws *workspace.Workspace, store FileStore, interval time.Duration, logger *slog.Logger) *Synchronizer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Synchronizer{
		ws:       ws,
		store:    store,
		logger:   logger.With("component", "autosave"),
		interval: interval,
		kick:     make(chan struct{}, 1),
		version:  -1,
	}
}

// Open replaces the workspace files with the stored ones, if there are any,
// and records the stored version.
func (s *Synchronizer) Open(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	version, err := s.store.Version(ctx)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	files, err := s.store.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	s.ws.Replace(files)
	s.version = version
	s.logger.Info("workspace restored", "files", len(files), "version", version)
	return nil
}

// Version returns the store version the workspace last synced with.
func (s *Synchronizer) Version() int64 {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.version
}

// Request asks for a pass without waiting for it. Requests made while a
// pass is running collapse into a single follow-up pass.
func (s *Synchronizer) Request() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run performs passes on request and every interval until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}
		if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("autosave failed", "error", err)
		}
	}
}

// Sync performs one pass. If the pass fails, storing is retried twice.
func (s *Synchronizer) Sync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	err := s.load(ctx)
	if err == nil {
		err = s.save(ctx)
	}
	for _, d := range retryDelays {
		if err == nil {
			break
		}
		s.logger.Warn("autosave pass failed, retrying", "error", err, "delay", d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		err = s.save(ctx)
	}
	if err != nil {
		syncsTotal.WithLabelValues("error").Inc()
		return err
	}
	syncsTotal.WithLabelValues("ok").Inc()
	return nil
}

// load adopts stored rows into files without local edits when another
// writer bumped the version.
func (s *Synchronizer) load(ctx context.Context) error {
	version, err := s.store.Version(ctx)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version == s.version {
		return nil
	}
	stored, err := s.store.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	byID := make(map[int64]workspace.File, len(stored))
	for _, f := range stored {
		byID[f.ID] = f
	}
	for _, f := range s.ws.Clean() {
		row, ok := byID[f.ID]
		if !ok {
			continue
		}
		if s.ws.Adopt(row) {
			s.logger.Debug("adopted stored file", "id", row.ID, "name", row.Name)
		}
	}
	s.version = version
	return nil
}

func (s *Synchronizer) save(ctx context.Context) error {
	dirty, closed := s.ws.TakeChanges()
	if len(dirty) == 0 && len(closed) == 0 {
		return nil
	}
	version, changes, err := s.store.SaveFiles(ctx, dirty, closed)
	if err != nil {
		s.ws.Restore(dirty, closed)
		return fmt.Errorf("save files: %w", err)
	}
	if changes > 0 {
		s.version = version
		s.logger.Debug("files saved", "changes", changes, "version", version)
	}
	return nil
}
