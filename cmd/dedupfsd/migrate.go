package main

import (
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/untoldecay/dedupfs/internal/storage/sqlite"
	"github.com/untoldecay/dedupfs/internal/ui"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	Long: `Apply pending schema migrations against the configured database.

Opening the store creates the baseline schema and applies every absent
migration, each inside its own immediate transaction. Re-running is
always safe: applied versions are skipped and every migration repairs
rather than assumes.

Examples:
  dedupfsd migrate
  dedupfsd migrate --status`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "print each applied migration")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureStateDirs(); err != nil {
		return err
	}

	log := newCLILogger(cfg)
	defer func() { _ = log.Sync() }()

	// Same lock as serve: never migrate under a running daemon.
	lock := flock.New(cfg.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire startup lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("cannot migrate while another dedupfsd instance holds %s", cfg.LockFile())
	}
	defer func() { _ = lock.Unlock() }()

	log.Debug("opening database", zap.String("path", cfg.DatabasePath))
	store, err := sqlite.Open(cmd.Context(), cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := store.AppliedMigrations(cmd.Context())
	if err != nil {
		return err
	}

	if migrateStatus {
		if !ui.ShouldUseColor() {
			fmt.Printf("%-8s %-42s %s\n", "VERSION", "NAME", "APPLIED AT")
			for _, m := range applied {
				fmt.Printf("%-8d %-42s %s\n", m.Version, m.Name, m.AppliedAt.UTC().Format(time.RFC3339))
			}
			return nil
		}
		rows := make([][]string, 0, len(applied))
		for _, m := range applied {
			rows = append(rows, []string{
				fmt.Sprintf("%d", m.Version),
				m.Name,
				m.AppliedAt.UTC().Format(time.RFC3339),
			})
		}
		fmt.Println(ui.RenderMigrationsTable(rows, ui.GetWidth()))
		return nil
	}

	latest := 0
	if len(applied) > 0 {
		latest = applied[len(applied)-1].Version
	}
	fmt.Printf("%s is at schema version %d (%d migrations applied)\n", cfg.DatabasePath, latest, len(applied))
	return nil
}
