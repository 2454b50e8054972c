// Package jobs implements the job coordinator: lifecycle state machine,
// lease protocol, and the scan/hash admission mutex. All mutual exclusion
// lives in the store; this service adds policy gates, input validation,
// and the stale-lease recovery that runs before admission decisions.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/untoldecay/dedupfs/internal/config"
	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/types"
)

// Listing bounds for the jobs endpoint. Duplicate listings use the
// configurable page sizes instead; job listings are operator-facing and
// stay small.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Service coordinates job rows through the store.
type Service struct {
	store storage.Storage
	cfg   *config.Config
}

// New creates a job coordinator over the given store.
func New(store storage.Storage, cfg *config.Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// Create admits a new pending job under the policy gates: real-run jobs
// are refused while the global dry-run flag is on, real delete requires
// allow-real-delete, and scan/hash jobs are refused while another
// scan/hash job occupies {pending, running, retryable}.
func (s *Service) Create(ctx context.Context, kind types.JobKind, payload map[string]any, dryRun *bool) (*types.Job, error) {
	if !kind.IsValid() {
		return nil, types.NewValidation("Unknown job kind: %s", kind)
	}

	effectiveDryRun := s.cfg.DryRun
	if dryRun != nil {
		effectiveDryRun = *dryRun
	}
	if s.cfg.DryRun && !effectiveDryRun {
		return nil, types.NewPolicy("Global dry-run mode forbids real-run jobs")
	}
	if kind == types.JobKindDelete && !effectiveDryRun && !s.cfg.AllowRealDelete {
		return nil, types.NewPolicy("Real delete is disabled by configuration")
	}

	if kind.IsScanHash() {
		if _, err := s.store.RecoverStaleJobs(ctx); err != nil {
			return nil, err
		}
		active, err := s.store.HasActiveScanHashJob(ctx)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, types.NewConflict("A scan/hash job is already active")
		}
	}

	if payload == nil {
		payload = map[string]any{}
	}
	job := &types.Job{
		ID:      uuid.NewString(),
		Kind:    kind,
		Status:  types.JobStatusPending,
		DryRun:  effectiveDryRun,
		Payload: payload,
	}
	err := s.store.InsertJob(ctx, job)
	if errors.Is(err, storage.ErrDuplicateKey) {
		// A concurrent creator won the partial unique index race.
		if kind.IsScanHash() {
			return nil, types.NewConflict("A scan/hash job is already active")
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns a job snapshot after sweeping expired leases.
func (s *Service) Get(ctx context.Context, id string) (*types.Job, error) {
	if _, err := s.store.RecoverStaleJobs(ctx); err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.NewNotFound("Job not found: %s", id)
	}
	return job, nil
}

// List returns one keyset page ordered newest-first. A zero or negative
// limit selects the default; anything above MaxListLimit is clamped.
func (s *Service) List(ctx context.Context, filter types.JobFilter) (*types.JobPage, error) {
	if filter.Limit < 1 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, types.NewValidation("Unknown job status filter: %s", *filter.Status)
	}
	if filter.Kind != nil && !filter.Kind.IsValid() {
		return nil, types.NewValidation("Unknown job kind filter: %s", *filter.Kind)
	}
	if _, err := s.store.RecoverStaleJobs(ctx); err != nil {
		return nil, err
	}
	return s.store.ListJobs(ctx, filter)
}

// Claim atomically hands the oldest pending scan/hash job to workerID
// under a fresh lease. Returns (nil, nil) when nothing is pending.
func (s *Service) Claim(ctx context.Context, workerID string) (*types.Job, error) {
	normalized, err := normalizeWorkerID(workerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.RecoverStaleJobs(ctx); err != nil {
		return nil, err
	}
	return s.store.ClaimPendingScanHashJob(ctx, normalized, s.cfg.JobLeaseTTL)
}

// Heartbeat refreshes the caller's lease and optionally updates progress
// and processed_items. A heartbeat past the lease deadline flips the job
// to retryable and fails with a ConflictError.
func (s *Service) Heartbeat(ctx context.Context, id, workerID string, progress *float64, processedItems *int64) (*types.Job, error) {
	normalized, err := normalizeWorkerID(workerID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.HeartbeatJob(ctx, id, normalized, progress, processedItems, s.cfg.JobLeaseTTL)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.NewNotFound("Job not found: %s", id)
	}
	return job, nil
}

// Finish moves a running job to completed or failed. Only the worker
// holding the lease may finish it.
func (s *Service) Finish(ctx context.Context, id, workerID string, success bool, errorMessage *string) (*types.Job, error) {
	normalized, err := normalizeWorkerID(workerID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.FinishJob(ctx, id, normalized, success, errorMessage)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.NewNotFound("Job not found: %s", id)
	}
	return job, nil
}

// Reset moves a retryable job back to pending, clearing worker and error
// context.
func (s *Service) Reset(ctx context.Context, id string) (*types.Job, error) {
	job, err := s.store.ResetRetryableJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.NewNotFound("Job not found: %s", id)
	}
	return job, nil
}

// Cancel terminally cancels a pending, running, or retryable job.
func (s *Service) Cancel(ctx context.Context, id string, errorMessage *string) (*types.Job, error) {
	job, err := s.store.CancelJob(ctx, id, errorMessage)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.NewNotFound("Job not found: %s", id)
	}
	return job, nil
}

// RecoverStale flips every running scan/hash job with an absent or
// expired lease to retryable and returns how many were recovered.
func (s *Service) RecoverStale(ctx context.Context) (int64, error) {
	return s.store.RecoverStaleJobs(ctx)
}

func normalizeWorkerID(workerID string) (string, error) {
	normalized := strings.TrimSpace(workerID)
	if normalized == "" {
		return "", types.NewValidation("worker_id cannot be blank")
	}
	return normalized, nil
}
