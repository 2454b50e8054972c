package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/types"
)

// sb builds dynamic queries with ?-style placeholders.
var sb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const jobColumns = `id, kind, status, dry_run, worker_id, worker_heartbeat_at,
	lease_expires_at, progress, total_items, processed_items, payload,
	error_code, error_message, created_at, updated_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanJob(r rowScanner) (*types.Job, error) {
	var (
		job         types.Job
		kind        string
		status      string
		workerID    sql.NullString
		heartbeatAt sql.NullTime
		leaseAt     sql.NullTime
		totalItems  sql.NullInt64
		payload     sql.NullString
		errCode     sql.NullString
		errMsg      sql.NullString
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)
	err := r.Scan(
		&job.ID, &kind, &status, &job.DryRun, &workerID, &heartbeatAt,
		&leaseAt, &job.Progress, &totalItems, &job.ProcessedItems, &payload,
		&errCode, &errMsg, &job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = types.JobKind(kind)
	job.Status = types.JobStatus(status)
	job.WorkerID = nullStringPtr(workerID)
	job.WorkerHeartbeatAt = nullTimePtr(heartbeatAt)
	job.LeaseExpiresAt = nullTimePtr(leaseAt)
	job.TotalItems = nullInt64Ptr(totalItems)
	job.ErrorCode = nullStringPtr(errCode)
	job.ErrorMessage = nullStringPtr(errMsg)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = nullTimePtr(startedAt)
	job.FinishedAt = nullTimePtr(finishedAt)

	decoded, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	job.Payload = decoded
	return &job, nil
}

func getJob(ctx context.Context, q querier, id string) (*types.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// InsertJob persists a freshly created job. A violation of the
// single-active-scan-hash index surfaces as storage.ErrDuplicateKey.
func (s *Store) InsertJob(ctx context.Context, job *types.Job) error {
	payload, err := marshalPayload(job.Payload)
	if err != nil {
		return err
	}
	ts := now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
		    id, kind, status, dry_run, progress, total_items,
		    processed_items, payload, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.Kind), string(job.Status), job.DryRun, job.Progress,
		job.TotalItems, job.ProcessedItems, payload, ts, ts)
	if isUniqueConstraintError(err) {
		return storage.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	job.CreatedAt = ts
	job.UpdatedAt = ts
	return nil
}

// GetJob returns the job or (nil, nil) when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return getJob(ctx, s.db, id)
}

// ListJobs returns one keyset page ordered (created_at DESC, id DESC).
// The cursor is the id of the last item of the previous page and must
// exist, otherwise a ValidationError is returned.
func (s *Store) ListJobs(ctx context.Context, filter types.JobFilter) (*types.JobPage, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 1
	}

	qb := sb.Select(jobColumns).
		From("jobs").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit + 1))

	if filter.Status != nil {
		qb = qb.Where(sq.Eq{"status": string(*filter.Status)})
	}
	if filter.Kind != nil {
		qb = qb.Where(sq.Eq{"kind": string(*filter.Kind)})
	}
	if filter.Cursor != nil {
		var anchorCreatedAt time.Time
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM jobs WHERE id = ?`, *filter.Cursor,
		).Scan(&anchorCreatedAt)
		if err == sql.ErrNoRows {
			return nil, types.NewValidation("Invalid pagination cursor: %s", *filter.Cursor)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve pagination cursor: %w", err)
		}
		qb = qb.Where(sq.Expr(
			"(created_at < ? OR (created_at = ? AND id < ?))",
			anchorCreatedAt, anchorCreatedAt, *filter.Cursor,
		))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build job listing query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var items []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		items = append(items, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}

	page := &types.JobPage{}
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1].ID
		page.NextCursor = &last
	}
	page.Items = items
	return page, nil
}

// ClaimPendingScanHashJob atomically promotes the oldest pending
// scan/hash job to running under a fresh lease. Returns (nil, nil) when
// nothing is pending; mutex contention surfaces as a ConflictError.
func (s *Store) ClaimPendingScanHashJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*types.Job, error) {
	ts := now()
	leaseExpiresAt := ts.Add(leaseTTL)

	row := s.db.QueryRowContext(ctx, `
		WITH candidate AS (
		    SELECT id
		    FROM jobs
		    WHERE kind IN ('scan', 'hash')
		      AND status = 'pending'
		    ORDER BY created_at ASC, id ASC
		    LIMIT 1
		)
		UPDATE jobs
		SET status = 'running',
		    started_at = COALESCE(started_at, ?),
		    worker_id = ?,
		    worker_heartbeat_at = ?,
		    lease_expires_at = ?,
		    updated_at = ?
		WHERE id IN (SELECT id FROM candidate)
		  AND status = 'pending'
		RETURNING id
	`, ts, workerID, ts, leaseExpiresAt, ts)

	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if isUniqueConstraintError(err) {
		return nil, types.NewConflict("Failed to claim scan/hash job due to global mutex contention")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim scan/hash job: %w", err)
	}

	job, err := getJob(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.NewConflict("Claimed job disappeared before snapshot fetch")
	}
	return job, nil
}

// HeartbeatJob refreshes the lease of a running job. A heartbeat past the
// lease deadline flips the job to retryable and returns a ConflictError;
// the flip commits even though the call fails.
func (s *Store) HeartbeatJob(ctx context.Context, id, workerID string, progress *float64, processedItems *int64, leaseTTL time.Duration) (*types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin heartbeat transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.Status != types.JobStatusRunning {
		return nil, types.NewInvalidState("Job %s is not running", id)
	}

	ts := now()
	if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(ts) {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'retryable',
			    error_code = ?,
			    error_message = 'Lease expired before heartbeat',
			    finished_at = ?,
			    updated_at = ?,
			    worker_id = NULL,
			    worker_heartbeat_at = NULL,
			    lease_expires_at = NULL
			WHERE id = ? AND status = 'running'
		`, types.ErrorCodeLeaseExpired, ts, ts, id)
		if err != nil {
			return nil, fmt.Errorf("failed to expire job lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit lease expiry: %w", err)
		}
		return nil, types.NewConflict("Lease expired")
	}
	if job.WorkerID != nil && *job.WorkerID != workerID {
		return nil, types.NewConflict("Job is already bound to a different worker")
	}

	newProgress := job.Progress
	if progress != nil {
		if *progress < 0.0 || *progress > 1.0 {
			return nil, types.NewValidation("Progress must be in [0.0, 1.0]")
		}
		newProgress = *progress
	}
	newProcessed := job.ProcessedItems
	if processedItems != nil {
		if *processedItems < 0 {
			return nil, types.NewValidation("processed_items must be >= 0")
		}
		newProcessed = *processedItems
	}

	leaseExpiresAt := ts.Add(leaseTTL)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET progress = ?,
		    processed_items = ?,
		    worker_id = ?,
		    worker_heartbeat_at = ?,
		    lease_expires_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = 'running'
	`, newProgress, newProcessed, workerID, ts, leaseExpiresAt, ts, id)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh job lease: %w", err)
	}

	job, err = getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit heartbeat: %w", err)
	}
	return job, nil
}

// FinishJob moves a running job to completed or failed. Only the worker
// holding the lease may finish it.
func (s *Store) FinishJob(ctx context.Context, id, workerID string, success bool, errorMessage *string) (*types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin finish transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.Status != types.JobStatusRunning {
		return nil, types.NewInvalidState("Job %s is not running", id)
	}
	if job.WorkerID == nil || *job.WorkerID != workerID {
		return nil, types.NewConflict("Only current lease owner can finish the job")
	}

	ts := now()
	status := types.JobStatusCompleted
	progress := 1.0
	var errorCode *string
	if !success {
		status = types.JobStatusFailed
		progress = job.Progress
		code := types.ErrorCodeWorkerFailure
		errorCode = &code
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    progress = ?,
		    error_code = ?,
		    error_message = ?,
		    finished_at = ?,
		    worker_heartbeat_at = ?,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND status = 'running'
	`, string(status), progress, errorCode, errorMessage, ts, ts, ts, id)
	if err != nil {
		return nil, fmt.Errorf("failed to finish job %s: %w", id, err)
	}

	job, err = getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit finish: %w", err)
	}
	return job, nil
}

// ResetRetryableJob moves a retryable job back to pending, clearing all
// worker and error context.
func (s *Store) ResetRetryableJob(ctx context.Context, id string) (*types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reset transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if !job.Status.CanTransitionTo(types.JobStatusPending) {
		return nil, types.NewInvalidState("Illegal transition: %s -> %s", job.Status, types.JobStatusPending)
	}

	ts := now()
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    worker_id = NULL,
		    worker_heartbeat_at = NULL,
		    lease_expires_at = NULL,
		    error_code = NULL,
		    error_message = NULL,
		    finished_at = NULL,
		    updated_at = ?
		WHERE id = ?
	`, ts, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reset job %s: %w", id, err)
	}

	job, err = getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reset: %w", err)
	}
	return job, nil
}

// CancelJob terminally cancels a pending, running, or retryable job.
func (s *Store) CancelJob(ctx context.Context, id string, errorMessage *string) (*types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if !job.Status.CanTransitionTo(types.JobStatusCancelled) {
		return nil, types.NewInvalidState("Illegal transition: %s -> %s", job.Status, types.JobStatusCancelled)
	}

	ts := now()
	newMessage := job.ErrorMessage
	if errorMessage != nil && *errorMessage != "" {
		newMessage = errorMessage
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled',
		    error_message = ?,
		    finished_at = ?,
		    updated_at = ?,
		    lease_expires_at = NULL
		WHERE id = ?
	`, newMessage, ts, ts, id)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}

	job, err = getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancel: %w", err)
	}
	return job, nil
}

// RecoverStaleJobs flips every running scan/hash job whose lease is
// absent or expired to retryable with LEASE_EXPIRED context. Returns the
// number of recovered rows.
func (s *Store) RecoverStaleJobs(ctx context.Context) (int64, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'retryable',
		    error_code = ?,
		    error_message = 'Lease expired and recovered by control plane',
		    finished_at = ?,
		    updated_at = ?,
		    worker_id = NULL,
		    worker_heartbeat_at = NULL,
		    lease_expires_at = NULL
		WHERE status = 'running'
		  AND lower(kind) IN ('scan', 'hash')
		  AND (lease_expires_at IS NULL OR datetime(lease_expires_at) <= datetime(?))
	`, types.ErrorCodeLeaseExpired, ts, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	recovered, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered jobs: %w", err)
	}
	return recovered, nil
}

// HasActiveScanHashJob reports whether any scan/hash job occupies the
// admission states {pending, running, retryable}.
func (s *Store) HasActiveScanHashJob(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
		    SELECT 1
		    FROM jobs
		    WHERE lower(kind) IN ('scan', 'hash')
		      AND lower(status) IN ('pending', 'running', 'retryable')
		)
	`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check scan/hash admission: %w", err)
	}
	return exists, nil
}

// CountJobsByStatus aggregates job rows per status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int64, error) {
	query, args, err := sb.Select("status", "COUNT(1)").
		From("jobs").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build job count query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[types.JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job counts: %w", err)
	}
	return counts, nil
}
