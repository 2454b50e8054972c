package migrations

import (
	"context"
	"database/sql"
)

// MigrateRemoveJobExecutionBackend drops the retired execution_backend
// column. SQLite predating DROP COLUMN forces a table rebuild: copy into
// jobs__new without the column, drop, rename. Foreign keys from job_locks
// are deferred to commit so the rebuild stays inside one transaction.
func MigrateRemoveJobExecutionBackend(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "jobs")
	if err != nil || !exists {
		return err
	}

	if err := addColumnIfAbsent(ctx, tx, "jobs", "worker_id", "VARCHAR(128)"); err != nil {
		return err
	}
	if err := addColumnIfAbsent(ctx, tx, "jobs", "worker_heartbeat_at", "DATETIME"); err != nil {
		return err
	}
	if err := execAll(ctx, tx, `DROP INDEX IF EXISTS ix_jobs_execution_kind_status`); err != nil {
		return err
	}

	hasBackend, err := columnExists(ctx, tx, "jobs", "execution_backend")
	if err != nil {
		return err
	}
	if !hasBackend {
		return ensureJobsIndexes(ctx, tx)
	}

	if err := execAll(ctx, tx,
		`PRAGMA defer_foreign_keys = ON`,
		`DROP TABLE IF EXISTS jobs__new`,
		`CREATE TABLE jobs__new (
		    id VARCHAR(36) PRIMARY KEY,
		    kind VARCHAR(16) NOT NULL,
		    status VARCHAR(16) NOT NULL,
		    dry_run BOOLEAN NOT NULL DEFAULT 1,
		    worker_id VARCHAR(128),
		    worker_heartbeat_at DATETIME,
		    progress FLOAT NOT NULL DEFAULT 0.0,
		    total_items INTEGER,
		    processed_items INTEGER NOT NULL DEFAULT 0,
		    payload JSON NOT NULL,
		    error_message TEXT,
		    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		    started_at DATETIME,
		    finished_at DATETIME
		)`,
		`INSERT INTO jobs__new (
		    id,
		    kind,
		    status,
		    dry_run,
		    worker_id,
		    worker_heartbeat_at,
		    progress,
		    total_items,
		    processed_items,
		    payload,
		    error_message,
		    created_at,
		    updated_at,
		    started_at,
		    finished_at
		)
		SELECT
		    id,
		    kind,
		    status,
		    dry_run,
		    worker_id,
		    worker_heartbeat_at,
		    progress,
		    total_items,
		    processed_items,
		    payload,
		    error_message,
		    created_at,
		    updated_at,
		    started_at,
		    finished_at
		FROM jobs`,
		`DROP TABLE jobs`,
		`ALTER TABLE jobs__new RENAME TO jobs`,
	); err != nil {
		return err
	}

	return ensureJobsIndexes(ctx, tx)
}
