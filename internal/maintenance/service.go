// Package maintenance schedules SQLite WAL checkpoints. Requests coalesce
// onto the single active row, completed checkpoints anchor a minimum
// interval between runs, and an external worker claims due requests and
// reports frame counts back.
package maintenance

import (
	"context"
	"fmt"
	"strings"

	"github.com/untoldecay/dedupfs/internal/clock"
	"github.com/untoldecay/dedupfs/internal/config"
	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/types"
)

// maxRequestedByLen bounds the requester tag persisted with each request.
const maxRequestedByLen = 64

// Service owns the WAL checkpoint request queue.
type Service struct {
	store storage.Storage
	cfg   *config.Config
}

// New returns a maintenance service backed by store.
func New(store storage.Storage, cfg *config.Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// RequestCheckpoint queues a checkpoint request. An active request
// (pending, running, or retryable) absorbs the call and is returned
// unchanged. Without force, a completed checkpoint younger than the
// configured minimum interval rate-limits the request. mode defaults from
// configuration when nil.
func (s *Service) RequestCheckpoint(ctx context.Context, mode *string, force bool, requestedBy, reason *string) (*types.WalMaintenanceJob, error) {
	normalizedMode, err := s.normalizeMode(mode)
	if err != nil {
		return nil, err
	}
	if normalizedMode == types.WalModeTruncate && !s.cfg.WalAllowTruncate {
		return nil, types.NewPolicy("WAL truncate checkpoint is disabled by policy")
	}

	active, err := s.store.GetActiveWalJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up active wal job: %w", err)
	}
	if active != nil {
		return active, nil
	}

	now := clock.Now()
	if !force {
		latest, err := s.store.GetLatestCompletedWalJob(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to look up latest completed wal job: %w", err)
		}
		if latest != nil && latest.FinishedAt != nil {
			nextAllowed := latest.FinishedAt.Add(s.cfg.WalMinInterval)
			if now.Before(nextAllowed) {
				return nil, types.NewRateLimited(int64(nextAllowed.Sub(now).Seconds()))
			}
		}
	}

	job := &types.WalMaintenanceJob{
		RequestedMode: normalizedMode,
		Status:        types.WalStatusPending,
		RequestedBy:   normalizeRequestedBy(requestedBy),
		Reason:        reason,
		ExecuteAfter:  now,
		RetryCount:    0,
		RetryAfter:    &now,
	}
	if err := s.store.InsertWalJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to insert wal maintenance job: %w", err)
	}
	return job, nil
}

// GetLatest returns the newest checkpoint request of any status.
func (s *Service) GetLatest(ctx context.Context) (*types.WalMaintenanceJob, error) {
	job, err := s.store.GetLatestWalJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest wal job: %w", err)
	}
	if job == nil {
		return nil, types.NewNotFound("No WAL maintenance jobs found")
	}
	return job, nil
}

// Metrics aggregates checkpoint rows by status.
func (s *Service) Metrics(ctx context.Context) (*types.WalMetrics, error) {
	m, err := s.store.WalMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate wal metrics: %w", err)
	}
	return m, nil
}

// ClaimPending hands the next due checkpoint request to workerID under a
// fresh lease, or (nil, nil) when nothing is due.
func (s *Service) ClaimPending(ctx context.Context, workerID string) (*types.WalMaintenanceJob, error) {
	normalized := strings.TrimSpace(workerID)
	if normalized == "" {
		return nil, types.NewValidation("worker_id cannot be blank")
	}
	return s.store.ClaimPendingWalJob(ctx, normalized, s.cfg.JobLeaseTTL)
}

// Finish records a claimed checkpoint's outcome: frame counts on success,
// retry scheduling or terminal failure otherwise.
func (s *Service) Finish(ctx context.Context, id int64, success bool, busy *bool, logFrames, checkpointedFrames *int64, errorMessage *string) error {
	return s.store.FinishWalJob(ctx, id, success, busy, logFrames, checkpointedFrames, errorMessage)
}

func (s *Service) normalizeMode(raw *string) (types.WalMode, error) {
	if raw == nil {
		return s.cfg.WalDefaultMode, nil
	}
	mode := types.WalMode(strings.ToLower(strings.TrimSpace(*raw)))
	if !mode.IsValid() {
		return "", types.NewValidation("Invalid WAL checkpoint mode: %s. Allowed: passive, restart, truncate", *raw)
	}
	return mode, nil
}

// normalizeRequestedBy trims and bounds the requester tag, defaulting to
// "api" when absent or blank.
func normalizeRequestedBy(requestedBy *string) string {
	if requestedBy == nil {
		return "api"
	}
	normalized := strings.TrimSpace(*requestedBy)
	if len(normalized) > maxRequestedByLen {
		normalized = normalized[:maxRequestedByLen]
	}
	if normalized == "" {
		return "api"
	}
	return normalized
}
