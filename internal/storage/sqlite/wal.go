package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/untoldecay/dedupfs/internal/types"
)

const walColumns = `id, requested_mode, status, requested_by, reason,
	execute_after, retry_count, retry_after, worker_id, worker_heartbeat_at,
	lease_expires_at, checkpoint_busy, checkpoint_log_frames,
	checkpointed_frames, error_code, error_message, created_at, updated_at,
	started_at, finished_at`

func scanWalJob(r rowScanner) (*types.WalMaintenanceJob, error) {
	var (
		job         types.WalMaintenanceJob
		mode        string
		status      string
		requestedBy sql.NullString
		reason      sql.NullString
		retryAfter  sql.NullTime
		workerID    sql.NullString
		heartbeatAt sql.NullTime
		leaseAt     sql.NullTime
		busy        sql.NullInt64
		logFrames   sql.NullInt64
		ckptFrames  sql.NullInt64
		errCode     sql.NullString
		errMsg      sql.NullString
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)
	err := r.Scan(
		&job.ID, &mode, &status, &requestedBy, &reason,
		&job.ExecuteAfter, &job.RetryCount, &retryAfter, &workerID, &heartbeatAt,
		&leaseAt, &busy, &logFrames, &ckptFrames, &errCode, &errMsg,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.RequestedMode = types.WalMode(mode)
	job.Status = types.WalStatus(status)
	job.RequestedBy = requestedBy.String
	job.Reason = nullStringPtr(reason)
	job.ExecuteAfter = job.ExecuteAfter.UTC()
	job.RetryAfter = nullTimePtr(retryAfter)
	job.WorkerID = nullStringPtr(workerID)
	job.WorkerHeartbeatAt = nullTimePtr(heartbeatAt)
	job.LeaseExpiresAt = nullTimePtr(leaseAt)
	job.CheckpointBusy = nullBoolPtr(busy)
	job.CheckpointLogFrames = nullInt64Ptr(logFrames)
	job.CheckpointedFrames = nullInt64Ptr(ckptFrames)
	job.ErrorCode = nullStringPtr(errCode)
	job.ErrorMessage = nullStringPtr(errMsg)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = nullTimePtr(startedAt)
	job.FinishedAt = nullTimePtr(finishedAt)
	return &job, nil
}

func getWalJobWhere(ctx context.Context, q querier, clause string, args ...any) (*types.WalMaintenanceJob, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+walColumns+` FROM wal_maintenance_jobs `+clause, args...)
	job, err := scanWalJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wal maintenance job: %w", err)
	}
	return job, nil
}

// GetActiveWalJob returns the most recent pending, running, or retryable
// checkpoint request, or (nil, nil) when the scheduler is idle. New
// requests coalesce onto this row.
func (s *Store) GetActiveWalJob(ctx context.Context) (*types.WalMaintenanceJob, error) {
	return getWalJobWhere(ctx, s.db, `
		WHERE status IN ('pending', 'running', 'retryable')
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`)
}

// GetLatestCompletedWalJob returns the most recently finished completed
// checkpoint, the anchor for the rate-limit window.
func (s *Store) GetLatestCompletedWalJob(ctx context.Context) (*types.WalMaintenanceJob, error) {
	return getWalJobWhere(ctx, s.db, `
		WHERE status = 'completed'
		ORDER BY finished_at DESC, id DESC
		LIMIT 1
	`)
}

// GetLatestWalJob returns the newest checkpoint request of any status.
func (s *Store) GetLatestWalJob(ctx context.Context) (*types.WalMaintenanceJob, error) {
	return getWalJobWhere(ctx, s.db, `
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`)
}

// InsertWalJob persists a new checkpoint request.
func (s *Store) InsertWalJob(ctx context.Context, job *types.WalMaintenanceJob) error {
	ts := now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO wal_maintenance_jobs (
		    requested_mode, status, requested_by, reason, execute_after,
		    retry_count, retry_after, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, string(job.RequestedMode), string(job.Status), job.RequestedBy, job.Reason,
		job.ExecuteAfter.UTC(), job.RetryCount, job.RetryAfter, ts, ts)

	if err := row.Scan(&job.ID); err != nil {
		return fmt.Errorf("failed to insert wal maintenance job: %w", err)
	}
	job.CreatedAt = ts
	job.UpdatedAt = ts
	return nil
}

// ClaimPendingWalJob requeues expired-lease running rows to retryable,
// then claims the next due pending or retryable request. Returns
// (nil, nil) when nothing is due.
func (s *Store) ClaimPendingWalJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*types.WalMaintenanceJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin wal claim transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	_, err = tx.ExecContext(ctx, `
		UPDATE wal_maintenance_jobs
		SET status = 'retryable',
		    retry_count = COALESCE(retry_count, 0) + 1,
		    retry_after = ?,
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
	`, ts, types.ErrorCodeLeaseExpired, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue expired wal jobs: %w", err)
	}

	leaseExpiresAt := ts.Add(leaseTTL)
	row := tx.QueryRowContext(ctx, `
		WITH candidate AS (
		    SELECT id
		    FROM wal_maintenance_jobs
		    WHERE (status = 'pending' AND datetime(execute_after) <= datetime(?))
		       OR (status = 'retryable' AND (retry_after IS NULL OR datetime(retry_after) <= datetime(?)))
		    ORDER BY COALESCE(retry_after, execute_after) ASC, id ASC
		    LIMIT 1
		)
		UPDATE wal_maintenance_jobs
		SET status = 'running',
		    worker_id = ?,
		    worker_heartbeat_at = ?,
		    lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?),
		    finished_at = NULL,
		    updated_at = ?
		WHERE id IN (SELECT id FROM candidate)
		  AND status IN ('pending', 'retryable')
		RETURNING id
	`, ts, ts, workerID, ts, leaseExpiresAt, ts, ts)

	var id int64
	err = row.Scan(&id)
	if err == sql.ErrNoRows {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit wal requeue: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim wal maintenance job: %w", err)
	}

	job, err := getWalJobWhere(ctx, tx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.NewConflict("Claimed wal maintenance job disappeared before snapshot fetch")
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit wal claim: %w", err)
	}
	return job, nil
}

// FinishWalJob moves a running checkpoint request to completed or failed,
// recording the checkpoint counters when the worker reports them.
func (s *Store) FinishWalJob(ctx context.Context, id int64, success bool, busy *bool, logFrames, checkpointedFrames *int64, errorMessage *string) error {
	ts := now()
	status := types.WalStatusCompleted
	var errorCode *string
	if !success {
		status = types.WalStatusFailed
		code := types.ErrorCodeWorkerFailure
		errorCode = &code
	}
	var busyInt *int
	if busy != nil {
		v := boolToInt(*busy)
		busyInt = &v
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE wal_maintenance_jobs
		SET status = ?,
		    checkpoint_busy = ?,
		    checkpoint_log_frames = ?,
		    checkpointed_frames = ?,
		    error_code = ?,
		    error_message = ?,
		    finished_at = ?,
		    worker_heartbeat_at = ?,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND status = 'running'
	`, string(status), busyInt, logFrames, checkpointedFrames, errorCode,
		errorMessage, ts, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to finish wal maintenance job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count finished wal jobs: %w", err)
	}
	if n != 1 {
		return types.NewInvalidState("WAL maintenance job %d is not running", id)
	}
	return nil
}

// WalMetrics aggregates checkpoint rows by status along with the latest
// completed finish time.
func (s *Store) WalMetrics(ctx context.Context) (*types.WalMetrics, error) {
	m := &types.WalMetrics{
		StatusCounts: make(map[types.WalStatus]int64),
		GeneratedAt:  now(),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1)
		FROM wal_maintenance_jobs
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate wal metrics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan wal status count: %w", err)
		}
		m.StatusCounts[types.WalStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wal status counts: %w", err)
	}

	var finishedAt time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT finished_at
		FROM wal_maintenance_jobs
		WHERE status = 'completed' AND finished_at IS NOT NULL
		ORDER BY finished_at DESC, id DESC
		LIMIT 1
	`).Scan(&finishedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to find latest completed checkpoint: %w", err)
	}
	if err == nil {
		t := finishedAt.UTC()
		m.LatestCompletedAt = &t
	}
	return m, nil
}
