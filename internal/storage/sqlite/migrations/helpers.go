// Package migrations holds the ordered schema migrations the store applies
// at startup. Every migration is idempotent: DDL is guarded by existence
// checks, so reruns and databases born from the baseline schema are both
// safe. Repair statements normalize historical data before any uniqueness
// constraint is rebuilt over it.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

func tableExists(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var name string
	err := tx.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name = ?
	`, table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return true, nil
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	var name string
	err := tx.QueryRowContext(ctx, `
		SELECT name FROM pragma_table_info(?) WHERE name = ?
	`, table, column).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check column %s.%s: %w", table, column, err)
	}
	return true, nil
}

func addColumnIfAbsent(ctx context.Context, tx *sql.Tx, table, column, definition string) error {
	exists, err := columnExists(ctx, tx, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration statement: %w", err)
		}
	}
	return nil
}

func ensureJobsIndexes(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "jobs")
	if err != nil || !exists {
		return err
	}
	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS ix_jobs_kind_status ON jobs (kind, status)`,
		`CREATE INDEX IF NOT EXISTS ix_jobs_created_at ON jobs (created_at)`,
		`CREATE INDEX IF NOT EXISTS ix_jobs_created_id ON jobs (created_at, id)`,
		`CREATE INDEX IF NOT EXISTS ix_jobs_status_updated ON jobs (status, updated_at)`,
	)
}

func normalizeJobEnums(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, `
		UPDATE jobs
		SET kind = lower(kind),
		    status = lower(status)
		WHERE kind != lower(kind) OR status != lower(status)
	`)
}

func normalizeScanSessionStatus(ctx context.Context, tx *sql.Tx) error {
	exists, err := columnExists(ctx, tx, "scan_sessions", "status")
	if err != nil || !exists {
		return err
	}
	return execAll(ctx, tx, `
		UPDATE scan_sessions
		SET status = lower(status)
		WHERE status != lower(status)
	`)
}

func normalizeLibraryFileHashAlgorithm(ctx context.Context, tx *sql.Tx) error {
	exists, err := columnExists(ctx, tx, "library_files", "hash_algorithm")
	if err != nil || !exists {
		return err
	}
	return execAll(ctx, tx, `
		UPDATE library_files
		SET hash_algorithm = lower(hash_algorithm)
		WHERE hash_algorithm IS NOT NULL AND hash_algorithm != lower(hash_algorithm)
	`)
}

// resolveDuplicateRunningScanHashJobs keeps the oldest running scan/hash
// job and reclassifies the rest to retryable so the admission mutex can
// be rebuilt over clean data.
func resolveDuplicateRunningScanHashJobs(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, `
		WITH ranked AS (
		    SELECT
		        id,
		        ROW_NUMBER() OVER (
		            ORDER BY created_at ASC, id ASC
		        ) AS row_num
		    FROM jobs
		    WHERE lower(status) = 'running'
		      AND lower(kind) IN ('scan', 'hash')
		)
		UPDATE jobs
		SET status = 'retryable',
		    worker_id = NULL,
		    worker_heartbeat_at = NULL,
		    lease_expires_at = NULL,
		    error_code = 'MIGRATION_MUTEX_RECOVERY',
		    error_message = CASE
		        WHEN error_message IS NULL OR trim(error_message) = ''
		        THEN 'Reclassified during migration to satisfy single running scan/hash invariant'
		        ELSE error_message
		    END,
		    finished_at = COALESCE(finished_at, CURRENT_TIMESTAMP),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id IN (
		    SELECT id
		    FROM ranked
		    WHERE row_num > 1
		)
	`)
}

// resolveDuplicateActiveScanHashJobs keeps one pending-or-running
// scan/hash job, preferring running over pending, then the oldest.
func resolveDuplicateActiveScanHashJobs(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, `
		WITH ranked AS (
		    SELECT
		        id,
		        ROW_NUMBER() OVER (
		            ORDER BY
		                CASE lower(status)
		                    WHEN 'running' THEN 0
		                    WHEN 'pending' THEN 1
		                    ELSE 2
		                END,
		                created_at ASC,
		                id ASC
		        ) AS row_num
		    FROM jobs
		    WHERE lower(kind) IN ('scan', 'hash')
		      AND lower(status) IN ('pending', 'running')
		)
		UPDATE jobs
		SET status = 'retryable',
		    worker_id = NULL,
		    worker_heartbeat_at = NULL,
		    lease_expires_at = NULL,
		    error_code = CASE
		        WHEN error_code IS NULL OR trim(error_code) = ''
		        THEN 'MIGRATION_ACTIVE_RECOVERY'
		        ELSE error_code
		    END,
		    error_message = CASE
		        WHEN error_message IS NULL OR trim(error_message) = ''
		        THEN 'Reclassified during migration to satisfy single pending/running scan/hash invariant'
		        ELSE error_message
		    END,
		    finished_at = COALESCE(finished_at, CURRENT_TIMESTAMP),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id IN (
		    SELECT id
		    FROM ranked
		    WHERE row_num > 1
		)
	`)
}

func dropSingleActiveScanHashIndex(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, `DROP INDEX IF EXISTS ix_jobs_single_active_scan_hash`)
}

// rebuildSingleActiveScanHashIndex recreates the admission mutex. Callers
// must repair duplicate rows first or the CREATE fails.
func rebuildSingleActiveScanHashIndex(ctx context.Context, tx *sql.Tx) error {
	if err := dropSingleActiveScanHashIndex(ctx, tx); err != nil {
		return err
	}
	return execAll(ctx, tx,
		`CREATE UNIQUE INDEX ix_jobs_single_active_scan_hash `+
			`ON jobs((1)) WHERE lower(status) IN ('pending', 'running') AND lower(kind) IN ('scan', 'hash')`,
	)
}

// repairScanHashAdmission is the shared drop-normalize-repair-rebuild
// sequence used by every migration that touches the admission mutex.
func repairScanHashAdmission(ctx context.Context, tx *sql.Tx) error {
	if err := dropSingleActiveScanHashIndex(ctx, tx); err != nil {
		return err
	}
	if err := normalizeJobEnums(ctx, tx); err != nil {
		return err
	}
	if err := resolveDuplicateRunningScanHashJobs(ctx, tx); err != nil {
		return err
	}
	if err := resolveDuplicateActiveScanHashJobs(ctx, tx); err != nil {
		return err
	}
	return rebuildSingleActiveScanHashIndex(ctx, tx)
}
