package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/dedupfs/internal/janitor"
	"github.com/untoldecay/dedupfs/internal/joblocks"
	"github.com/untoldecay/dedupfs/internal/maintenance"
	"github.com/untoldecay/dedupfs/internal/metrics"
	"github.com/untoldecay/dedupfs/internal/server"
	"github.com/untoldecay/dedupfs/internal/storage/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run schema migrations, then the HTTP API and background tasks",
	Long: `Run the control plane: apply pending schema migrations, then serve the
JSON API while the janitor sweep and the WAL growth watcher run in the
background. Shuts down cleanly on SIGINT or SIGTERM.

The startup lock at <state-root>/dedupfsd.lock refuses a second daemon
against the same state directory.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureStateDirs(); err != nil {
		return err
	}

	log := newServeLogger(cfg)
	defer func() { _ = log.Sync() }()

	lock := flock.New(cfg.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire startup lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another dedupfsd instance holds %s", cfg.LockFile())
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open runs the baseline schema and every pending migration.
	store, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	log.Info("control plane starting",
		zap.String("environment", cfg.Environment),
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("database", cfg.DatabasePath),
		zap.String("listen_addr", cfg.ListenAddr))

	collectors := metrics.NewCollectors()
	locks := joblocks.New(store, cfg)
	walSvc := maintenance.New(store, cfg)

	srv := server.New(store, cfg, collectors, log.Named("http"))
	sweep := janitor.New(store, locks, collectors, cfg, log.Named("janitor"))
	watcher := maintenance.NewWatcher(walSvc, cfg, log.Named("wal-watcher"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sweep.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Error("control plane stopped with error", zap.Error(err))
		return err
	}
	log.Info("control plane stopped")
	return nil
}
