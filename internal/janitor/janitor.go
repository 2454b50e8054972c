// Package janitor runs the periodic background sweep: stale job recovery,
// expired job-lock cleanup and prometheus gauge refresh.
package janitor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/untoldecay/dedupfs/internal/config"
	"github.com/untoldecay/dedupfs/internal/joblocks"
	"github.com/untoldecay/dedupfs/internal/metrics"
	"github.com/untoldecay/dedupfs/internal/storage"
)

// Janitor owns the recurring maintenance sweep. Sweeps are serialized:
// when one overruns the interval, the next tick is skipped instead of
// piling up.
type Janitor struct {
	store      storage.Storage
	locks      *joblocks.Service
	collectors *metrics.Collectors
	cfg        *config.Config
	log        *zap.Logger
}

// New returns a janitor wired to the given store, lock service and
// collectors.
func New(store storage.Storage, locks *joblocks.Service, collectors *metrics.Collectors, cfg *config.Config, log *zap.Logger) *Janitor {
	return &Janitor{store: store, locks: locks, collectors: collectors, cfg: cfg, log: log}
}

// Run schedules the sweep every janitor interval and blocks until ctx is
// done. A zero interval disables the janitor.
func (j *Janitor) Run(ctx context.Context) error {
	if j.cfg.JanitorInterval <= 0 {
		j.log.Info("janitor disabled", zap.Duration("interval", j.cfg.JanitorInterval))
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(j.log))),
	))
	schedule := fmt.Sprintf("@every %s", j.cfg.JanitorInterval)
	if _, err := c.AddFunc(schedule, func() {
		if err := j.RunOnce(ctx); err != nil {
			j.log.Error("janitor sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}

	j.log.Info("janitor started", zap.String("schedule", schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce executes a single sweep. The serve loop schedules it; tests and
// the CLI call it directly.
func (j *Janitor) RunOnce(ctx context.Context) error {
	recovered, err := j.store.RecoverStaleJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	if recovered > 0 {
		j.collectors.StaleJobsRecovered.Add(float64(recovered))
		j.log.Warn("recovered stale jobs", zap.Int64("count", recovered))
	}

	removed, err := j.locks.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to cleanup expired job locks: %w", err)
	}
	if removed > 0 {
		j.log.Info("removed expired job locks", zap.Int64("count", removed))
	}

	if err := j.refreshGauges(ctx); err != nil {
		return err
	}

	j.collectors.JanitorRuns.Inc()
	return nil
}

func (j *Janitor) refreshGauges(ctx context.Context) error {
	counts, err := j.store.CountJobsByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}
	j.collectors.SetJobGauges(counts)

	thumbs, err := j.store.ThumbnailMetrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to read thumbnail metrics: %w", err)
	}
	j.collectors.SetThumbnailGauges(thumbs)

	wal, err := j.store.WalMetrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to read wal metrics: %w", err)
	}
	j.collectors.SetWalGauges(wal)
	return nil
}
