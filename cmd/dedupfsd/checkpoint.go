package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/untoldecay/dedupfs/internal/maintenance"
	"github.com/untoldecay/dedupfs/internal/storage/sqlite"
)

var (
	checkpointMode   string
	checkpointForce  bool
	checkpointReason string
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Request a WAL checkpoint",
	Long: `Queue a WAL checkpoint request for the maintenance worker.

Requests coalesce onto an already-active row, and completed checkpoints
anchor a minimum interval that --force bypasses. Truncate mode must be
enabled in configuration.

Examples:
  dedupfsd checkpoint
  dedupfsd checkpoint --mode restart --reason "post-import"
  dedupfsd checkpoint --force`,
	Args: cobra.NoArgs,
	RunE: runCheckpoint,
}

func init() {
	checkpointCmd.Flags().StringVar(&checkpointMode, "mode", "", "checkpoint mode: passive, restart or truncate (default from config)")
	checkpointCmd.Flags().BoolVar(&checkpointForce, "force", false, "bypass the minimum checkpoint interval")
	checkpointCmd.Flags().StringVar(&checkpointReason, "reason", "", "free-form reason recorded on the request")
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpoint(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := newCLILogger(cfg)
	defer func() { _ = log.Sync() }()

	log.Debug("opening database", zap.String("path", cfg.DatabasePath))
	store, err := sqlite.Open(cmd.Context(), cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var mode, reason *string
	if checkpointMode != "" {
		mode = &checkpointMode
	}
	if checkpointReason != "" {
		reason = &checkpointReason
	}
	requestedBy := "cli"

	job, err := maintenance.New(store, cfg).RequestCheckpoint(cmd.Context(), mode, checkpointForce, &requestedBy, reason)
	if err != nil {
		return err
	}

	fmt.Printf("Checkpoint job %d: mode=%s status=%s requested_by=%s\n",
		job.ID, job.RequestedMode, job.Status, job.RequestedBy)
	return nil
}
