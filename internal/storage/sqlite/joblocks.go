package sqlite

import (
	"context"
	"fmt"
	"time"
)

// AcquireJobLock takes the named lock for ownerJobID. An expired holder is
// evicted first; a live holder (same owner included) makes the acquire
// return false. Re-extension of a held lock goes through RefreshJobLock.
func (s *Store) AcquireJobLock(ctx context.Context, lockKey, ownerJobID string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin lock acquire transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	_, err = tx.ExecContext(ctx, `
		DELETE FROM job_locks
		WHERE lock_key = ? AND datetime(expires_at) <= datetime(?)
	`, lockKey, ts)
	if err != nil {
		return false, fmt.Errorf("failed to evict expired lock %s: %w", lockKey, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_locks (lock_key, owner_job_id, acquired_at, heartbeat_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, lockKey, ownerJobID, ts, ts, ts.Add(ttl))
	if isUniqueConstraintError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lock acquire: %w", err)
	}
	return true, nil
}

// RefreshJobLock extends the lease of a lock still held by ownerJobID.
// Returns false when the lock is gone, expired, or owned by someone else.
func (s *Store) RefreshJobLock(ctx context.Context, lockKey, ownerJobID string, ttl time.Duration) (bool, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_locks
		SET heartbeat_at = ?, expires_at = ?
		WHERE lock_key = ?
		  AND owner_job_id = ?
		  AND datetime(expires_at) > datetime(?)
	`, ts, ts.Add(ttl), lockKey, ownerJobID, ts)
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", lockKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count refreshed locks: %w", err)
	}
	return affected > 0, nil
}

// ReleaseJobLock drops the lock when ownerJobID still holds it.
func (s *Store) ReleaseJobLock(ctx context.Context, lockKey, ownerJobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_locks
		WHERE lock_key = ? AND owner_job_id = ?
	`, lockKey, ownerJobID)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", lockKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count released locks: %w", err)
	}
	return affected > 0, nil
}

// IsJobLockHeld reports whether ownerJobID holds an unexpired lease on
// the named lock.
func (s *Store) IsJobLockHeld(ctx context.Context, lockKey, ownerJobID string) (bool, error) {
	var held bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
		    SELECT 1
		    FROM job_locks
		    WHERE lock_key = ?
		      AND owner_job_id = ?
		      AND datetime(expires_at) > datetime(?)
		)
	`, lockKey, ownerJobID, now()).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", lockKey, err)
	}
	return held, nil
}

// CleanupExpiredJobLocks deletes every lock row whose lease has lapsed.
func (s *Store) CleanupExpiredJobLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_locks
		WHERE datetime(expires_at) <= datetime(?)
	`, now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired locks: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed locks: %w", err)
	}
	return removed, nil
}
