package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/untoldecay/dedupfs/internal/jobs"
	"github.com/untoldecay/dedupfs/internal/storage/sqlite"
	"github.com/untoldecay/dedupfs/internal/types"
	"github.com/untoldecay/dedupfs/internal/ui"
)

var (
	jobsListLimit  int
	jobsListStatus string
	jobsListKind   string
	jobsListCursor string
	jobsCancelYes  bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage pipeline jobs",
	Long: `Inspect and manage pipeline jobs directly against the database.

These commands go through the same services as the HTTP API, so the
lease and policy rules apply identically.

Examples:
  dedupfsd jobs list
  dedupfsd jobs list --status running --kind scan
  dedupfsd jobs show 1f0c2a4e-...
  dedupfsd jobs cancel 1f0c2a4e-...`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not reached a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", jobs.DefaultListLimit, "page size (1-200)")
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "filter by status (pending, running, retryable, completed, failed, cancelled)")
	jobsListCmd.Flags().StringVar(&jobsListKind, "kind", "", "filter by kind (scan, hash, delete, thumbnail)")
	jobsListCmd.Flags().StringVar(&jobsListCursor, "cursor", "", "resume after the given page cursor")
	jobsCancelCmd.Flags().BoolVar(&jobsCancelYes, "yes", false, "skip the confirmation prompt")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}

func openJobService(cmd *cobra.Command) (*jobs.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log := newCLILogger(cfg)
	log.Debug("opening database", zap.String("path", cfg.DatabasePath))
	store, err := sqlite.Open(cmd.Context(), cfg.DatabasePath)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		_ = store.Close()
		_ = log.Sync()
	}
	return jobs.New(store, cfg), cleanup, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	svc, closeStore, err := openJobService(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	filter := types.JobFilter{Limit: jobsListLimit}
	if jobsListStatus != "" {
		status := types.JobStatus(jobsListStatus)
		filter.Status = &status
	}
	if jobsListKind != "" {
		kind := types.JobKind(jobsListKind)
		filter.Kind = &kind
	}
	if jobsListCursor != "" {
		filter.Cursor = &jobsListCursor
	}

	page, err := svc.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if !ui.ShouldUseColor() {
		// Plain columns keep the output scriptable when piped.
		fmt.Printf("%-36s %-10s %-10s %-4s %-9s %s\n", "ID", "KIND", "STATUS", "DRY", "PROGRESS", "UPDATED")
		for _, job := range page.Items {
			fmt.Printf("%-36s %-10s %-10s %-4s %8.1f%% %s\n",
				job.ID, job.Kind, job.Status, dryLabel(job.DryRun), job.Progress*100,
				job.UpdatedAt.UTC().Format(time.RFC3339))
		}
		if page.NextCursor != nil {
			fmt.Printf("\nNext page: --cursor %s\n", *page.NextCursor)
		}
		return nil
	}

	if len(page.Items) == 0 {
		fmt.Println(ui.RenderMuted("No jobs found."))
		return nil
	}

	rows := make([][]string, 0, len(page.Items))
	for _, job := range page.Items {
		rows = append(rows, []string{
			job.ID,
			string(job.Kind),
			string(job.Status),
			dryLabel(job.DryRun),
			fmt.Sprintf("%.1f%%", job.Progress*100),
			job.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	fmt.Println(ui.RenderJobsTable(rows, ui.GetWidth()))
	if page.NextCursor != nil {
		fmt.Println(ui.RenderMuted(fmt.Sprintf("Next page: --cursor %s", *page.NextCursor)))
	}
	return nil
}

func dryLabel(dryRun bool) string {
	if dryRun {
		return "yes"
	}
	return "no"
}

func renderJobStatus(status types.JobStatus) string {
	switch status {
	case types.JobStatusCompleted:
		return ui.RenderPass(string(status))
	case types.JobStatusRunning:
		return ui.RenderAccent(string(status))
	case types.JobStatusFailed:
		return ui.RenderFail(string(status))
	case types.JobStatusRetryable:
		return ui.RenderWarn(string(status))
	case types.JobStatusCancelled:
		return ui.RenderMuted(string(status))
	default:
		return string(status)
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	svc, closeStore, err := openJobService(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	job, err := svc.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to render payload: %w", err)
	}

	fmt.Printf("ID:              %s\n", job.ID)
	fmt.Printf("Kind:            %s\n", job.Kind)
	fmt.Printf("Status:          %s\n", renderJobStatus(job.Status))
	fmt.Printf("Dry run:         %t\n", job.DryRun)
	fmt.Printf("Progress:        %.1f%%\n", job.Progress*100)
	fmt.Printf("Processed items: %d\n", job.ProcessedItems)
	if job.TotalItems != nil {
		fmt.Printf("Total items:     %d\n", *job.TotalItems)
	}
	if job.WorkerID != nil {
		fmt.Printf("Worker:          %s\n", *job.WorkerID)
	}
	if job.LeaseExpiresAt != nil {
		fmt.Printf("Lease expires:   %s\n", job.LeaseExpiresAt.UTC().Format(time.RFC3339))
	}
	if job.ErrorCode != nil {
		fmt.Printf("Error code:      %s\n", *job.ErrorCode)
	}
	if job.ErrorMessage != nil {
		fmt.Printf("Error:           %s\n", *job.ErrorMessage)
	}
	fmt.Printf("Created:         %s\n", job.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Printf("Updated:         %s\n", job.UpdatedAt.UTC().Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("Started:         %s\n", job.StartedAt.UTC().Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		fmt.Printf("Finished:        %s\n", job.FinishedAt.UTC().Format(time.RFC3339))
	}
	fmt.Printf("Payload:         %s\n", payload)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	if !jobsCancelYes && !ui.Confirm(fmt.Sprintf("Cancel job %s?", args[0])) {
		fmt.Println("Aborted.")
		return nil
	}

	svc, closeStore, err := openJobService(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	reason := "cancelled via cli"
	job, err := svc.Cancel(cmd.Context(), args[0], &reason)
	if err != nil {
		return err
	}
	fmt.Printf("Job %s (%s) cancelled\n", job.ID, job.Kind)
	return nil
}
