package migrations

import (
	"context"
	"database/sql"
)

// MigrateThumbnailProtocolTables creates the thumbnail queue and the
// grouped cleanup jobs table, then normalizes enum casing on both.
func MigrateThumbnailProtocolTables(ctx context.Context, tx *sql.Tx) error {
	hasFiles, err := tableExists(ctx, tx, "library_files")
	if err != nil {
		return err
	}
	hasThumbnails, err := tableExists(ctx, tx, "thumbnails")
	if err != nil {
		return err
	}

	if hasFiles && !hasThumbnails {
		if err := execAll(ctx, tx, `
			CREATE TABLE thumbnails (
			    id INTEGER PRIMARY KEY AUTOINCREMENT,
			    thumb_key VARCHAR(128) NOT NULL UNIQUE,
			    file_id INTEGER NOT NULL REFERENCES library_files(id) ON DELETE CASCADE,
			    group_key VARCHAR(256),
			    status VARCHAR(16) NOT NULL DEFAULT 'pending',
			    media_type VARCHAR(16) NOT NULL,
			    format VARCHAR(16) NOT NULL DEFAULT 'jpeg',
			    max_dimension INTEGER NOT NULL DEFAULT 256,
			    version INTEGER NOT NULL DEFAULT 1,
			    source_size_bytes BIGINT NOT NULL,
			    source_mtime_ns BIGINT NOT NULL,
			    output_relpath VARCHAR(1024),
			    width INTEGER,
			    height INTEGER,
			    bytes_size BIGINT,
			    error_code VARCHAR(64),
			    error_message TEXT,
			    error_count INTEGER NOT NULL DEFAULT 0,
			    retry_after DATETIME,
			    worker_id VARCHAR(128),
			    worker_heartbeat_at DATETIME,
			    lease_expires_at DATETIME,
			    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			    started_at DATETIME,
			    finished_at DATETIME
			)
		`); err != nil {
			return err
		}
		hasThumbnails = true
	}

	hasCleanup, err := tableExists(ctx, tx, "thumbnail_cleanup_jobs")
	if err != nil {
		return err
	}
	if !hasCleanup {
		if err := execAll(ctx, tx, `
			CREATE TABLE thumbnail_cleanup_jobs (
			    id INTEGER PRIMARY KEY AUTOINCREMENT,
			    group_key VARCHAR(256) NOT NULL UNIQUE,
			    status VARCHAR(16) NOT NULL DEFAULT 'pending',
			    execute_after DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			    worker_id VARCHAR(128),
			    worker_heartbeat_at DATETIME,
			    lease_expires_at DATETIME,
			    error_code VARCHAR(64),
			    error_message TEXT,
			    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			    finished_at DATETIME
			)
		`); err != nil {
			return err
		}
	}

	if hasThumbnails {
		if err := execAll(ctx, tx,
			`CREATE INDEX IF NOT EXISTS ix_thumbnails_status_retry ON thumbnails (status, retry_after, id)`,
			`CREATE INDEX IF NOT EXISTS ix_thumbnails_file_variant ON thumbnails (file_id, max_dimension, format)`,
			`CREATE INDEX IF NOT EXISTS ix_thumbnails_group_status ON thumbnails (group_key, status)`,
			`CREATE INDEX IF NOT EXISTS ix_thumbnails_running_lease ON thumbnails (status, lease_expires_at)`,
			`CREATE INDEX IF NOT EXISTS ix_thumbnails_updated ON thumbnails (updated_at)`,
			`UPDATE thumbnails
			 SET status = lower(status),
			     media_type = lower(media_type),
			     format = lower(format)
			 WHERE status != lower(status)
			    OR media_type != lower(media_type)
			    OR format != lower(format)`,
		); err != nil {
			return err
		}
	}

	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS ix_thumbnail_cleanup_status_execute ON thumbnail_cleanup_jobs (status, execute_after)`,
		`CREATE INDEX IF NOT EXISTS ix_thumbnail_cleanup_running_lease ON thumbnail_cleanup_jobs (status, lease_expires_at)`,
		`CREATE INDEX IF NOT EXISTS ix_thumbnail_cleanup_updated ON thumbnail_cleanup_jobs (updated_at)`,
		`UPDATE thumbnail_cleanup_jobs
		 SET status = lower(status)
		 WHERE status != lower(status)`,
	)
}
