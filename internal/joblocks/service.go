// Package joblocks manages named cross-process leases stored in the
// job_locks table. Scan/hash admission is primarily enforced by a partial
// unique index on jobs; these rows are the fallback guard for critical
// sections that span API and worker processes.
package joblocks

import (
	"context"

	"github.com/untoldecay/dedupfs/internal/config"
	"github.com/untoldecay/dedupfs/internal/storage"
)

// ScanHashMutex is the lock key serializing scan/hash admission on schema
// versions that predate the partial unique index.
const ScanHashMutex = "scan_hash_mutex"

// Service hands out TTL-bound leases keyed by lock name.
type Service struct {
	store storage.Storage
	cfg   *config.Config
}

// New returns a lock service whose leases run for the configured job
// lease TTL.
func New(store storage.Storage, cfg *config.Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// Acquire attempts to take lockKey for ownerJobID, evicting an expired
// holder first. Returns false while a live holder exists, the current
// owner included; extending a held lease goes through Refresh.
func (s *Service) Acquire(ctx context.Context, lockKey, ownerJobID string) (bool, error) {
	return s.store.AcquireJobLock(ctx, lockKey, ownerJobID, s.cfg.JobLeaseTTL)
}

// Refresh extends the lease when ownerJobID still holds an unexpired one.
func (s *Service) Refresh(ctx context.Context, lockKey, ownerJobID string) (bool, error) {
	return s.store.RefreshJobLock(ctx, lockKey, ownerJobID, s.cfg.JobLeaseTTL)
}

// Release drops the lock when ownerJobID owns it. Returns false when the
// lock was already gone or belongs to another job.
func (s *Service) Release(ctx context.Context, lockKey, ownerJobID string) (bool, error) {
	return s.store.ReleaseJobLock(ctx, lockKey, ownerJobID)
}

// IsOwnedAndAlive reports whether ownerJobID holds an unexpired lease on
// lockKey.
func (s *Service) IsOwnedAndAlive(ctx context.Context, lockKey, ownerJobID string) (bool, error) {
	return s.store.IsJobLockHeld(ctx, lockKey, ownerJobID)
}

// CleanupExpired removes every lapsed lease and reports how many rows
// went away. The janitor calls this on its sweep schedule.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.CleanupExpiredJobLocks(ctx)
}
