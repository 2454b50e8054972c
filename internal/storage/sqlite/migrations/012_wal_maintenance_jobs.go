package migrations

import (
	"context"
	"database/sql"
)

// MigrateWalMaintenanceJobs creates the checkpoint request table, or
// backfills columns on partial layouts left by interrupted rollouts, then
// normalizes casing and repairs retryable rows missing retry_after.
func MigrateWalMaintenanceJobs(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "wal_maintenance_jobs")
	if err != nil {
		return err
	}

	if !exists {
		if err := execAll(ctx, tx, `
			CREATE TABLE wal_maintenance_jobs (
			    id INTEGER PRIMARY KEY AUTOINCREMENT,
			    requested_mode VARCHAR(16) NOT NULL DEFAULT 'passive',
			    status VARCHAR(16) NOT NULL DEFAULT 'pending',
			    requested_by VARCHAR(64),
			    reason TEXT,
			    execute_after DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			    retry_count INTEGER NOT NULL DEFAULT 0,
			    retry_after DATETIME,
			    worker_id VARCHAR(128),
			    worker_heartbeat_at DATETIME,
			    lease_expires_at DATETIME,
			    checkpoint_busy INTEGER,
			    checkpoint_log_frames INTEGER,
			    checkpointed_frames INTEGER,
			    error_code VARCHAR(64),
			    error_message TEXT,
			    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			    started_at DATETIME,
			    finished_at DATETIME
			)
		`); err != nil {
			return err
		}
	} else {
		columns := []struct {
			name       string
			definition string
		}{
			{"requested_mode", "VARCHAR(16) NOT NULL DEFAULT 'passive'"},
			{"status", "VARCHAR(16) NOT NULL DEFAULT 'pending'"},
			{"requested_by", "VARCHAR(64)"},
			{"reason", "TEXT"},
			{"execute_after", "DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"},
			{"retry_count", "INTEGER NOT NULL DEFAULT 0"},
			{"retry_after", "DATETIME"},
			{"worker_id", "VARCHAR(128)"},
			{"worker_heartbeat_at", "DATETIME"},
			{"lease_expires_at", "DATETIME"},
			{"checkpoint_busy", "INTEGER"},
			{"checkpoint_log_frames", "INTEGER"},
			{"checkpointed_frames", "INTEGER"},
			{"error_code", "VARCHAR(64)"},
			{"error_message", "TEXT"},
			{"created_at", "DATETIME"},
			{"updated_at", "DATETIME"},
			{"started_at", "DATETIME"},
			{"finished_at", "DATETIME"},
		}
		for _, col := range columns {
			if err := addColumnIfAbsent(ctx, tx, "wal_maintenance_jobs", col.name, col.definition); err != nil {
				return err
			}
		}
	}

	return execAll(ctx, tx,
		`UPDATE wal_maintenance_jobs
		 SET requested_mode = lower(requested_mode),
		     status = lower(status)
		 WHERE requested_mode != lower(requested_mode)
		    OR status != lower(status)`,
		`UPDATE wal_maintenance_jobs
		 SET retry_after = execute_after
		 WHERE status = 'retryable'
		   AND retry_after IS NULL`,
		`UPDATE wal_maintenance_jobs
		 SET created_at = COALESCE(created_at, CURRENT_TIMESTAMP),
		     updated_at = COALESCE(updated_at, created_at, CURRENT_TIMESTAMP)
		 WHERE created_at IS NULL OR updated_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS ix_wal_jobs_status_execute ON wal_maintenance_jobs (status, execute_after, id)`,
		`CREATE INDEX IF NOT EXISTS ix_wal_jobs_retry_after ON wal_maintenance_jobs (status, retry_after, id)`,
		`CREATE INDEX IF NOT EXISTS ix_wal_jobs_running_lease ON wal_maintenance_jobs (status, lease_expires_at)`,
		`CREATE INDEX IF NOT EXISTS ix_wal_jobs_created_at ON wal_maintenance_jobs (created_at)`,
	)
}
