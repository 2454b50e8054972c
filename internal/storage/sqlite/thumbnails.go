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

const thumbnailColumns = `id, thumb_key, file_id, group_key, status, media_type,
	format, max_dimension, version, source_size_bytes, source_mtime_ns,
	output_relpath, width, height, bytes_size, error_code, error_message,
	error_count, retry_after, worker_id, worker_heartbeat_at, lease_expires_at,
	created_at, updated_at, started_at, finished_at`

func scanThumbnail(r rowScanner) (*types.Thumbnail, error) {
	var (
		t           types.Thumbnail
		groupKey    sql.NullString
		status      string
		mediaType   string
		format      string
		relpath     sql.NullString
		width       sql.NullInt64
		height      sql.NullInt64
		bytesSize   sql.NullInt64
		errCode     sql.NullString
		errMsg      sql.NullString
		retryAfter  sql.NullTime
		workerID    sql.NullString
		heartbeatAt sql.NullTime
		leaseAt     sql.NullTime
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)
	err := r.Scan(
		&t.ID, &t.ThumbKey, &t.FileID, &groupKey, &status, &mediaType,
		&format, &t.MaxDimension, &t.Version, &t.SourceSizeBytes, &t.SourceMtimeNs,
		&relpath, &width, &height, &bytesSize, &errCode, &errMsg,
		&t.ErrorCount, &retryAfter, &workerID, &heartbeatAt, &leaseAt,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	t.GroupKey = nullStringPtr(groupKey)
	t.Status = types.ThumbnailStatus(status)
	t.MediaType = types.MediaType(mediaType)
	t.Format = types.ThumbnailFormat(format)
	t.OutputRelpath = relpath.String
	t.Width = nullInt64Ptr(width)
	t.Height = nullInt64Ptr(height)
	t.BytesSize = nullInt64Ptr(bytesSize)
	t.ErrorCode = nullStringPtr(errCode)
	t.ErrorMessage = nullStringPtr(errMsg)
	t.RetryAfter = nullTimePtr(retryAfter)
	t.WorkerID = nullStringPtr(workerID)
	t.WorkerHeartbeatAt = nullTimePtr(heartbeatAt)
	t.LeaseExpiresAt = nullTimePtr(leaseAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.StartedAt = nullTimePtr(startedAt)
	t.FinishedAt = nullTimePtr(finishedAt)
	return &t, nil
}

func getThumbnailByKey(ctx context.Context, q querier, thumbKey string) (*types.Thumbnail, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+thumbnailColumns+` FROM thumbnails WHERE thumb_key = ?`, thumbKey)
	t, err := scanThumbnail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thumbnail %s: %w", thumbKey, err)
	}
	return t, nil
}

func getThumbnailByID(ctx context.Context, q querier, id int64) (*types.Thumbnail, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+thumbnailColumns+` FROM thumbnails WHERE id = ?`, id)
	t, err := scanThumbnail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thumbnail %d: %w", id, err)
	}
	return t, nil
}

// GetThumbnailByKey returns the thumbnail row or (nil, nil) when absent.
func (s *Store) GetThumbnailByKey(ctx context.Context, thumbKey string) (*types.Thumbnail, error) {
	return getThumbnailByKey(ctx, s.db, thumbKey)
}

// InsertThumbnailCapped inserts a pending thumbnail only while the number
// of pending+running rows stays below capacity. Returns (false, nil) when
// the capacity gate rejected the insert, and storage.ErrDuplicateKey when
// a concurrent request already created the same thumb_key.
func (s *Store) InsertThumbnailCapped(ctx context.Context, t *types.Thumbnail, capacity int) (bool, error) {
	ts := now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO thumbnails (
		    thumb_key, file_id, group_key, status, media_type, format,
		    max_dimension, version, source_size_bytes, source_mtime_ns,
		    output_relpath, error_count, created_at, updated_at
		)
		SELECT ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?, 0, ?, ?
		WHERE (
		    SELECT COUNT(1)
		    FROM thumbnails
		    WHERE status IN ('pending', 'running')
		) < ?
		RETURNING id
	`, t.ThumbKey, t.FileID, t.GroupKey, string(t.MediaType), string(t.Format),
		t.MaxDimension, t.Version, t.SourceSizeBytes, t.SourceMtimeNs,
		t.OutputRelpath, ts, ts, capacity)

	var id int64
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if isUniqueConstraintError(err) {
		return false, storage.ErrDuplicateKey
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert thumbnail %s: %w", t.ThumbKey, err)
	}

	t.ID = id
	t.Status = types.ThumbnailStatusPending
	t.CreatedAt = ts
	t.UpdatedAt = ts
	return true, nil
}

// ResetFailedThumbnail flips a failed thumbnail whose retry window has
// elapsed back to pending, clearing error and worker context. Reports
// whether a row was flipped. error_count survives so backoff keeps growing.
func (s *Store) ResetFailedThumbnail(ctx context.Context, thumbKey string) (bool, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE thumbnails
		SET status = 'pending',
		    error_code = NULL,
		    error_message = NULL,
		    retry_after = NULL,
		    worker_id = NULL,
		    worker_heartbeat_at = NULL,
		    lease_expires_at = NULL,
		    started_at = NULL,
		    finished_at = NULL,
		    updated_at = ?
		WHERE thumb_key = ?
		  AND status = 'failed'
		  AND (retry_after IS NULL OR datetime(retry_after) <= datetime(?))
	`, ts, thumbKey, ts)
	if err != nil {
		return false, fmt.Errorf("failed to reset thumbnail %s: %w", thumbKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count reset thumbnails: %w", err)
	}
	return n == 1, nil
}

// ClaimPendingThumbnail requeues expired-lease running rows, then promotes
// the oldest claimable pending row to running under a fresh lease. Returns
// (nil, nil) when nothing is claimable.
func (s *Store) ClaimPendingThumbnail(ctx context.Context, workerID string, leaseTTL time.Duration) (*types.Thumbnail, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin thumbnail claim transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	_, err = tx.ExecContext(ctx, `
		UPDATE thumbnails
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
		    updated_at = ?
		WHERE status = 'running'
		  AND (lease_expires_at IS NULL OR datetime(lease_expires_at) <= datetime(?))
	`, types.ErrorCodeLeaseExpired, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue expired thumbnails: %w", err)
	}

	leaseExpiresAt := ts.Add(leaseTTL)
	row := tx.QueryRowContext(ctx, `
		WITH candidate AS (
		    SELECT id
		    FROM thumbnails
		    WHERE status = 'pending'
		      AND (retry_after IS NULL OR datetime(retry_after) <= datetime(?))
		    ORDER BY created_at ASC, id ASC
		    LIMIT 1
		)
		UPDATE thumbnails
		SET status = 'running',
		    worker_id = ?,
		    worker_heartbeat_at = ?,
		    lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?),
		    updated_at = ?
		WHERE id IN (SELECT id FROM candidate)
		  AND status = 'pending'
		RETURNING id
	`, ts, workerID, ts, leaseExpiresAt, ts, ts)

	var id int64
	err = row.Scan(&id)
	if err == sql.ErrNoRows {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit thumbnail requeue: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim thumbnail: %w", err)
	}

	t, err := getThumbnailByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, types.NewConflict("Claimed thumbnail disappeared before snapshot fetch")
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit thumbnail claim: %w", err)
	}
	return t, nil
}

// MarkThumbnailReady finishes a running thumbnail with its rendered
// dimensions, clearing retry and error context. Only the worker holding
// the lease may finish it.
func (s *Store) MarkThumbnailReady(ctx context.Context, thumbKey, workerID string, width, height, bytesSize int64) (*types.Thumbnail, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin thumbnail finish transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := getThumbnailByKey(ctx, tx, thumbKey)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	if t.Status != types.ThumbnailStatusRunning {
		return nil, types.NewInvalidState("Thumbnail %s is not running", thumbKey)
	}
	if t.WorkerID == nil || *t.WorkerID != workerID {
		return nil, types.NewConflict("Only current lease owner can finish the thumbnail")
	}

	ts := now()
	_, err = tx.ExecContext(ctx, `
		UPDATE thumbnails
		SET status = 'ready',
		    width = ?,
		    height = ?,
		    bytes_size = ?,
		    error_code = NULL,
		    error_message = NULL,
		    error_count = 0,
		    retry_after = NULL,
		    finished_at = ?,
		    worker_heartbeat_at = ?,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE thumb_key = ? AND status = 'running'
	`, width, height, bytesSize, ts, ts, ts, thumbKey)
	if err != nil {
		return nil, fmt.Errorf("failed to mark thumbnail %s ready: %w", thumbKey, err)
	}

	t, err = getThumbnailByKey(ctx, tx, thumbKey)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit thumbnail finish: %w", err)
	}
	return t, nil
}

// MarkThumbnailFailed finishes a running thumbnail with error context and
// schedules the next retry window with exponential backoff.
func (s *Store) MarkThumbnailFailed(ctx context.Context, thumbKey, workerID, errorCode, errorMessage string, retryBase, retryMax time.Duration) (*types.Thumbnail, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin thumbnail failure transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := getThumbnailByKey(ctx, tx, thumbKey)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	if t.Status != types.ThumbnailStatusRunning {
		return nil, types.NewInvalidState("Thumbnail %s is not running", thumbKey)
	}
	if t.WorkerID == nil || *t.WorkerID != workerID {
		return nil, types.NewConflict("Only current lease owner can finish the thumbnail")
	}

	ts := now()
	nextErrorCount := t.ErrorCount + 1
	retryAfter := ts.Add(backoffDelay(retryBase, retryMax, nextErrorCount))
	_, err = tx.ExecContext(ctx, `
		UPDATE thumbnails
		SET status = 'failed',
		    error_count = ?,
		    error_code = ?,
		    error_message = ?,
		    retry_after = ?,
		    finished_at = ?,
		    worker_heartbeat_at = ?,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE thumb_key = ? AND status = 'running'
	`, nextErrorCount, errorCode, errorMessage, retryAfter, ts, ts, ts, thumbKey)
	if err != nil {
		return nil, fmt.Errorf("failed to mark thumbnail %s failed: %w", thumbKey, err)
	}

	t, err = getThumbnailByKey(ctx, tx, thumbKey)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit thumbnail failure: %w", err)
	}
	return t, nil
}

// backoffDelay doubles base per failure, capped at ten doublings and max.
func backoffDelay(base, max time.Duration, errorCount int) time.Duration {
	exp := errorCount - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 10 {
		exp = 10
	}
	delay := base * time.Duration(int64(1)<<exp)
	if delay > max {
		return max
	}
	return delay
}

// ListGroupThumbnails returns a group's thumbnail rows ordered by id,
// optionally filtered to the given statuses.
func (s *Store) ListGroupThumbnails(ctx context.Context, groupKey string, statuses []types.ThumbnailStatus) ([]*types.Thumbnail, error) {
	qb := sb.Select(thumbnailColumns).
		From("thumbnails").
		Where(sq.Eq{"group_key": groupKey}).
		OrderBy("id ASC")
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, status := range statuses {
			values[i] = string(status)
		}
		qb = qb.Where(sq.Eq{"status": values})
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build group thumbnail query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list group thumbnails: %w", err)
	}
	defer rows.Close()

	var items []*types.Thumbnail
	for rows.Next() {
		t, err := scanThumbnail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thumbnail row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate thumbnail rows: %w", err)
	}
	return items, nil
}

// DeleteThumbnails removes the given thumbnail rows and reports how many
// were deleted.
func (s *Store) DeleteThumbnails(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sb.Delete("thumbnails").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build thumbnail delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete thumbnails: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted thumbnails: %w", err)
	}
	return deleted, nil
}

// ThumbnailMetrics snapshots queue and cleanup backlogs at one instant.
func (s *Store) ThumbnailMetrics(ctx context.Context) (*types.ThumbnailMetrics, error) {
	ts := now()
	m := &types.ThumbnailMetrics{GeneratedAt: ts}

	err := s.db.QueryRowContext(ctx, `
		SELECT
		    COUNT(CASE WHEN status = 'pending' THEN 1 END),
		    COUNT(CASE WHEN status = 'running' THEN 1 END),
		    COUNT(CASE WHEN status = 'failed' AND retry_after IS NOT NULL AND datetime(retry_after) > datetime(?) THEN 1 END),
		    COUNT(CASE WHEN status = 'failed' AND (retry_after IS NULL OR datetime(retry_after) <= datetime(?)) THEN 1 END)
		FROM thumbnails
	`, ts, ts).Scan(&m.QueuePending, &m.QueueRunning, &m.RetryBacklog, &m.RetryReady)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate thumbnail queue metrics: %w", err)
	}
	m.QueueDepth = m.QueuePending + m.QueueRunning

	err = s.db.QueryRowContext(ctx, `
		SELECT
		    COUNT(CASE WHEN status = 'pending' THEN 1 END),
		    COUNT(CASE WHEN status = 'running' THEN 1 END),
		    COUNT(CASE WHEN status = 'pending' AND datetime(execute_after) <= datetime(?) THEN 1 END)
		FROM thumbnail_cleanup_jobs
	`, ts).Scan(&m.CleanupPending, &m.CleanupRunning, &m.CleanupOverdue)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate cleanup metrics: %w", err)
	}

	var oldestDue time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT execute_after
		FROM thumbnail_cleanup_jobs
		WHERE status = 'pending' AND datetime(execute_after) <= datetime(?)
		ORDER BY execute_after ASC
		LIMIT 1
	`, ts).Scan(&oldestDue)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to find oldest due cleanup: %w", err)
	}
	if err == nil {
		lag := ts.Sub(oldestDue.UTC()).Seconds()
		if lag > 0 {
			m.CleanupMaxLagSeconds = lag
		}
	}
	return m, nil
}
