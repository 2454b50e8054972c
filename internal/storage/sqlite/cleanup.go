package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/untoldecay/dedupfs/internal/types"
)

const cleanupColumns = `id, group_key, status, execute_after, worker_id,
	worker_heartbeat_at, lease_expires_at, error_code, error_message,
	created_at, updated_at, finished_at`

func scanCleanupJob(r rowScanner) (*types.ThumbnailCleanupJob, error) {
	var (
		job         types.ThumbnailCleanupJob
		status      string
		workerID    sql.NullString
		heartbeatAt sql.NullTime
		leaseAt     sql.NullTime
		errCode     sql.NullString
		errMsg      sql.NullString
		finishedAt  sql.NullTime
	)
	err := r.Scan(
		&job.ID, &job.GroupKey, &status, &job.ExecuteAfter, &workerID,
		&heartbeatAt, &leaseAt, &errCode, &errMsg,
		&job.CreatedAt, &job.UpdatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = types.CleanupStatus(status)
	job.ExecuteAfter = job.ExecuteAfter.UTC()
	job.WorkerID = nullStringPtr(workerID)
	job.WorkerHeartbeatAt = nullTimePtr(heartbeatAt)
	job.LeaseExpiresAt = nullTimePtr(leaseAt)
	job.ErrorCode = nullStringPtr(errCode)
	job.ErrorMessage = nullStringPtr(errMsg)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.FinishedAt = nullTimePtr(finishedAt)
	return &job, nil
}

func getCleanupJobByKey(ctx context.Context, q querier, groupKey string) (*types.ThumbnailCleanupJob, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+cleanupColumns+` FROM thumbnail_cleanup_jobs WHERE group_key = ?`, groupKey)
	job, err := scanCleanupJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cleanup job for group %s: %w", groupKey, err)
	}
	return job, nil
}

// UpsertCleanupJob schedules (or reschedules) deletion of a group's
// thumbnails. An existing row for the group is reset to pending with the
// new execute_after and cleared worker and error context.
func (s *Store) UpsertCleanupJob(ctx context.Context, groupKey string, executeAfter time.Time) (*types.ThumbnailCleanupJob, error) {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thumbnail_cleanup_jobs (group_key, status, execute_after, created_at, updated_at)
		VALUES (?, 'pending', ?, ?, ?)
		ON CONFLICT (group_key) DO UPDATE SET
		    status = 'pending',
		    execute_after = excluded.execute_after,
		    worker_id = NULL,
		    worker_heartbeat_at = NULL,
		    lease_expires_at = NULL,
		    error_code = NULL,
		    error_message = NULL,
		    finished_at = NULL,
		    updated_at = excluded.updated_at
	`, groupKey, executeAfter.UTC(), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert cleanup job for group %s: %w", groupKey, err)
	}
	job, err := getCleanupJobByKey(ctx, s.db, groupKey)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.NewQueryError("Upserted cleanup job disappeared before snapshot fetch")
	}
	return job, nil
}

// GetCleanupJob returns the group's cleanup job or (nil, nil) when absent.
func (s *Store) GetCleanupJob(ctx context.Context, groupKey string) (*types.ThumbnailCleanupJob, error) {
	return getCleanupJobByKey(ctx, s.db, groupKey)
}

// ClaimDueCleanupJob requeues expired-lease running rows, then claims the
// oldest due pending job whose group has no pending or running thumbnails
// left. Returns (nil, nil) when nothing is due.
func (s *Store) ClaimDueCleanupJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*types.ThumbnailCleanupJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cleanup claim transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	_, err = tx.ExecContext(ctx, `
		UPDATE thumbnail_cleanup_jobs
		SET status = 'pending',
		    worker_id = NULL,
		    worker_heartbeat_at = NULL,
		    lease_expires_at = NULL,
		    error_code = CASE
		        WHEN error_code IS NULL OR trim(error_code) = '' THEN ?
		        ELSE error_code
		    END,
		    error_message = CASE
		        WHEN error_message IS NULL OR trim(error_message) = '' THEN 'Lease expired and requeued on claim'
		        ELSE error_message
		    END,
		    finished_at = NULL,
		    updated_at = ?
		WHERE status = 'running'
		  AND (lease_expires_at IS NULL OR datetime(lease_expires_at) <= datetime(?))
	`, types.ErrorCodeLeaseExpired, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue expired cleanup jobs: %w", err)
	}

	leaseExpiresAt := ts.Add(leaseTTL)
	row := tx.QueryRowContext(ctx, `
		WITH candidate AS (
		    SELECT c.id
		    FROM thumbnail_cleanup_jobs c
		    WHERE c.status = 'pending'
		      AND datetime(c.execute_after) <= datetime(?)
		      AND NOT EXISTS (
		        SELECT 1
		        FROM thumbnails t
		        WHERE t.group_key = c.group_key
		          AND t.status IN ('pending', 'running')
		      )
		    ORDER BY c.execute_after ASC, c.id ASC
		    LIMIT 1
		)
		UPDATE thumbnail_cleanup_jobs
		SET status = 'running',
		    worker_id = ?,
		    worker_heartbeat_at = ?,
		    lease_expires_at = ?,
		    finished_at = NULL,
		    updated_at = ?
		WHERE id IN (SELECT id FROM candidate)
		  AND status = 'pending'
		RETURNING group_key
	`, ts, workerID, ts, leaseExpiresAt, ts)

	var groupKey string
	err = row.Scan(&groupKey)
	if err == sql.ErrNoRows {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit cleanup requeue: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim cleanup job: %w", err)
	}

	job, err := getCleanupJobByKey(ctx, tx, groupKey)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.NewConflict("Claimed cleanup job disappeared before snapshot fetch")
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cleanup claim: %w", err)
	}
	return job, nil
}

// FinishCleanupJob moves a running cleanup job to completed or failed.
func (s *Store) FinishCleanupJob(ctx context.Context, id int64, success bool, errorMessage *string) error {
	ts := now()
	status := types.CleanupStatusCompleted
	var errorCode *string
	if !success {
		status = types.CleanupStatusFailed
		code := types.ErrorCodeWorkerFailure
		errorCode = &code
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE thumbnail_cleanup_jobs
		SET status = ?,
		    error_code = ?,
		    error_message = ?,
		    finished_at = ?,
		    worker_heartbeat_at = ?,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND status = 'running'
	`, string(status), errorCode, errorMessage, ts, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to finish cleanup job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count finished cleanup jobs: %w", err)
	}
	if n != 1 {
		return types.NewInvalidState("Cleanup job %d is not running", id)
	}
	return nil
}
