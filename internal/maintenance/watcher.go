package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/untoldecay/dedupfs/internal/config"
	"github.com/untoldecay/dedupfs/internal/types"
)

// Watcher requests a checkpoint once the SQLite write-ahead log outgrows
// the configured threshold. fsnotify events on the database directory
// drive the size checks; a polling ticker backstops setups where inotify
// cannot deliver (network filesystems, exhausted watch descriptors).
type Watcher struct {
	svc       *Service
	cfg       *config.Config
	log       *zap.Logger
	pollEvery time.Duration

	// lastJobID deduplicates logging while requests keep coalescing onto
	// the same active row. Only the Run goroutine touches it.
	lastJobID int64
}

// NewWatcher returns a WAL growth watcher that schedules through svc.
func NewWatcher(svc *Service, cfg *config.Config, log *zap.Logger) *Watcher {
	return &Watcher{
		svc:       svc,
		cfg:       cfg,
		log:       log,
		pollEvery: 5 * time.Second,
	}
}

// Run blocks until ctx is done. A non-positive threshold disables the
// watcher entirely.
func (w *Watcher) Run(ctx context.Context) error {
	if w.cfg.WalWatchThresholdBytes <= 0 {
		w.log.Info("wal watcher disabled",
			zap.Int64("threshold_bytes", w.cfg.WalWatchThresholdBytes))
		return nil
	}

	walPath := w.cfg.WalFile()

	// The -wal file comes and goes with checkpoints, so the watch sits on
	// the database directory and events are filtered by name.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling the wal file instead",
			zap.Error(err), zap.Duration("interval", w.pollEvery))
		watcher = nil
	} else if err := watcher.Add(filepath.Dir(walPath)); err != nil {
		w.log.Warn("failed to watch database directory, polling the wal file instead",
			zap.Error(err), zap.Duration("interval", w.pollEvery))
		watcher.Close()
		watcher = nil
	}

	// Nil channels block forever, turning the select into pure polling
	// when fsnotify is unavailable.
	var events chan fsnotify.Event
	var watchErrs chan error
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	w.log.Info("wal watcher started",
		zap.String("path", walPath),
		zap.Int64("threshold_bytes", w.cfg.WalWatchThresholdBytes),
		zap.Bool("fsnotify", watcher != nil))

	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	w.check(ctx, walPath)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Name != walPath || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.check(ctx, walPath)
		case err, ok := <-watchErrs:
			if !ok {
				return nil
			}
			w.log.Warn("wal watcher error", zap.Error(err))
		case <-ticker.C:
			w.check(ctx, walPath)
		case <-ctx.Done():
			return nil
		}
	}
}

// check stats the wal file and requests a checkpoint when it has outgrown
// the threshold. Rate-limited and conflicting requests are routine here
// and dropped quietly; the scheduler's own rules decide when the next
// checkpoint may run.
func (w *Watcher) check(ctx context.Context, walPath string) {
	stat, err := os.Stat(walPath)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("failed to stat wal file", zap.String("path", walPath), zap.Error(err))
		}
		return
	}
	if stat.Size() < w.cfg.WalWatchThresholdBytes {
		return
	}

	requestedBy := "wal-watcher"
	reason := fmt.Sprintf("wal size %d exceeds threshold %d", stat.Size(), w.cfg.WalWatchThresholdBytes)
	job, err := w.svc.RequestCheckpoint(ctx, nil, false, &requestedBy, &reason)
	if err != nil {
		if types.IsRateLimited(err) || types.IsConflict(err) {
			w.log.Debug("wal checkpoint request dropped", zap.Error(err))
			return
		}
		w.log.Error("failed to request wal checkpoint", zap.Error(err))
		return
	}
	if job.ID == w.lastJobID {
		return
	}
	w.lastJobID = job.ID

	w.log.Info("wal checkpoint requested",
		zap.Int64("job_id", job.ID),
		zap.Int64("wal_bytes", stat.Size()),
		zap.String("status", string(job.Status)))
}
