package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/types"
)

const libraryFileColumns = `id, library_id, relative_path, size_bytes, mtime_ns,
	inode, device, is_missing, needs_hash, last_seen_scan_id, hash_algorithm,
	content_hash, hashed_size_bytes, hashed_mtime_ns, hashed_at,
	hash_error_count, hash_last_error, hash_last_error_at, hash_retry_after,
	hash_claim_token, hash_claimed_at, created_at, updated_at`

// UpsertLibraryRoot inserts a library root or, when the name exists,
// refreshes its path and scan timestamp. The struct's ID and timestamps
// are updated from the surviving row.
func (s *Store) UpsertLibraryRoot(ctx context.Context, root *types.LibraryRoot) error {
	ts := now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO library_roots (name, root_path, created_at, updated_at, last_scanned_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
		    root_path = excluded.root_path,
		    last_scanned_at = COALESCE(excluded.last_scanned_at, library_roots.last_scanned_at),
		    updated_at = excluded.updated_at
		RETURNING id, created_at
	`, root.Name, root.RootPath, ts, ts, root.LastScannedAt)

	if err := row.Scan(&root.ID, &root.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert library root %s: %w", root.Name, err)
	}
	root.CreatedAt = root.CreatedAt.UTC()
	root.UpdatedAt = ts
	return nil
}

// GetLibraryRoot returns the library root or (nil, nil) when absent.
func (s *Store) GetLibraryRoot(ctx context.Context, id int64) (*types.LibraryRoot, error) {
	var (
		root          types.LibraryRoot
		lastScannedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, created_at, updated_at, last_scanned_at
		FROM library_roots
		WHERE id = ?
	`, id).Scan(&root.ID, &root.Name, &root.RootPath, &root.CreatedAt,
		&root.UpdatedAt, &lastScannedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get library root %d: %w", id, err)
	}
	root.CreatedAt = root.CreatedAt.UTC()
	root.UpdatedAt = root.UpdatedAt.UTC()
	root.LastScannedAt = nullTimePtr(lastScannedAt)
	return &root, nil
}

// InsertLibraryFile persists a catalogued file. A duplicate
// (library_id, relative_path) surfaces as storage.ErrDuplicateKey.
func (s *Store) InsertLibraryFile(ctx context.Context, file *types.LibraryFile) error {
	var algorithm *string
	if file.HashAlgorithm != nil {
		v := string(*file.HashAlgorithm)
		algorithm = &v
	}

	ts := now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO library_files (
		    library_id, relative_path, size_bytes, mtime_ns, inode, device,
		    is_missing, needs_hash, last_seen_scan_id, hash_algorithm,
		    content_hash, hashed_size_bytes, hashed_mtime_ns, hashed_at,
		    hash_error_count, hash_last_error, hash_last_error_at,
		    hash_retry_after, hash_claim_token, hash_claimed_at,
		    created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, file.LibraryID, file.RelativePath, file.SizeBytes, file.MtimeNs,
		file.Inode, file.Device, file.IsMissing, file.NeedsHash,
		file.LastSeenScanID, algorithm, file.ContentHash, file.HashedSizeBytes,
		file.HashedMtimeNs, file.HashedAt, file.HashErrorCount,
		file.HashLastError, file.HashLastErrorAt, file.HashRetryAfter,
		file.HashClaimToken, file.HashClaimedAt, ts, ts)

	err := row.Scan(&file.ID)
	if isUniqueConstraintError(err) {
		return storage.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert library file %s: %w", file.RelativePath, err)
	}
	file.CreatedAt = ts
	file.UpdatedAt = ts
	return nil
}

// GetLibraryFile returns the catalogued file or (nil, nil) when absent.
func (s *Store) GetLibraryFile(ctx context.Context, id int64) (*types.LibraryFile, error) {
	var (
		file            types.LibraryFile
		inode           sql.NullInt64
		device          sql.NullInt64
		lastSeenScanID  sql.NullInt64
		algorithm       sql.NullString
		hashedSizeBytes sql.NullInt64
		hashedMtimeNs   sql.NullInt64
		hashedAt        sql.NullTime
		hashLastError   sql.NullString
		hashLastErrorAt sql.NullTime
		hashRetryAfter  sql.NullTime
		hashClaimToken  sql.NullString
		hashClaimedAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+libraryFileColumns+` FROM library_files WHERE id = ?`, id,
	).Scan(
		&file.ID, &file.LibraryID, &file.RelativePath, &file.SizeBytes, &file.MtimeNs,
		&inode, &device, &file.IsMissing, &file.NeedsHash, &lastSeenScanID, &algorithm,
		&file.ContentHash, &hashedSizeBytes, &hashedMtimeNs, &hashedAt,
		&file.HashErrorCount, &hashLastError, &hashLastErrorAt, &hashRetryAfter,
		&hashClaimToken, &hashClaimedAt, &file.CreatedAt, &file.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get library file %d: %w", id, err)
	}

	file.Inode = nullInt64Ptr(inode)
	file.Device = nullInt64Ptr(device)
	file.LastSeenScanID = nullInt64Ptr(lastSeenScanID)
	if algorithm.Valid {
		v := types.HashAlgorithm(algorithm.String)
		file.HashAlgorithm = &v
	}
	file.HashedSizeBytes = nullInt64Ptr(hashedSizeBytes)
	file.HashedMtimeNs = nullInt64Ptr(hashedMtimeNs)
	file.HashedAt = nullTimePtr(hashedAt)
	file.HashLastError = nullStringPtr(hashLastError)
	file.HashLastErrorAt = nullTimePtr(hashLastErrorAt)
	file.HashRetryAfter = nullTimePtr(hashRetryAfter)
	file.HashClaimToken = nullStringPtr(hashClaimToken)
	file.HashClaimedAt = nullTimePtr(hashClaimedAt)
	file.CreatedAt = file.CreatedAt.UTC()
	file.UpdatedAt = file.UpdatedAt.UTC()
	return &file, nil
}

// CreateScanSession opens a new scan pass row.
func (s *Store) CreateScanSession(ctx context.Context, session *types.ScanSession) error {
	if session.Status == "" {
		session.Status = types.ScanSessionRunning
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = now()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO scan_sessions (status, started_at)
		VALUES (?, ?)
		RETURNING id
	`, string(session.Status), session.StartedAt.UTC())

	if err := row.Scan(&session.ID); err != nil {
		return fmt.Errorf("failed to create scan session: %w", err)
	}
	return nil
}

// FinishScanSession closes a running scan pass with its walk counters.
func (s *Store) FinishScanSession(ctx context.Context, id int64, status types.ScanSessionStatus, filesSeen, directoriesSeen, bytesSeen, errorCount int64) error {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_sessions
		SET status = ?,
		    finished_at = ?,
		    files_seen = ?,
		    directories_seen = ?,
		    bytes_seen = ?,
		    error_count = ?
		WHERE id = ? AND status = 'running'
	`, string(status), ts, filesSeen, directoriesSeen, bytesSeen, errorCount, id)
	if err != nil {
		return fmt.Errorf("failed to finish scan session %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count finished scan sessions: %w", err)
	}
	if n != 1 {
		return types.NewInvalidState("Scan session %d is not running", id)
	}
	return nil
}

// ReserveIOSlot reserves the next slot in a shared pacing bucket. Each
// reservation pushes the bucket's next_available_at_ms forward by
// minInterval; the returned time is when the caller may start, and ok
// reports whether that is immediately.
func (s *Store) ReserveIOSlot(ctx context.Context, bucketKey string, minInterval time.Duration) (bool, time.Time, error) {
	ts := now()
	if minInterval <= 0 {
		return true, ts, nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO io_rate_limits (bucket_key, next_available_at_ms, updated_at)
		VALUES (?, 0, ?)
		ON CONFLICT (bucket_key) DO NOTHING
	`, bucketKey, ts)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to seed io bucket %s: %w", bucketKey, err)
	}

	nowMs := ts.UnixMilli()
	budgetMs := minInterval.Milliseconds()
	if budgetMs < 1 {
		budgetMs = 1
	}

	var newNextMs int64
	err = s.db.QueryRowContext(ctx, `
		UPDATE io_rate_limits
		SET next_available_at_ms = CASE
		        WHEN next_available_at_ms > ?
		        THEN next_available_at_ms + ?
		        ELSE ? + ?
		    END,
		    updated_at = ?
		WHERE bucket_key = ?
		RETURNING next_available_at_ms
	`, nowMs, budgetMs, nowMs, budgetMs, ts, bucketKey).Scan(&newNextMs)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to reserve io slot in bucket %s: %w", bucketKey, err)
	}

	startMs := newNextMs - budgetMs
	if startMs <= nowMs {
		return true, ts, nil
	}
	return false, time.UnixMilli(startMs).UTC(), nil
}
