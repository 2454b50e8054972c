package sqlite

const schema = `
-- Jobs table: generic long-running work coordinated through leases.
CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(36) PRIMARY KEY,
    kind VARCHAR(16) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    dry_run BOOLEAN NOT NULL DEFAULT 1,
    worker_id VARCHAR(128),
    worker_heartbeat_at DATETIME,
    lease_expires_at DATETIME,
    progress FLOAT NOT NULL DEFAULT 0.0,
    total_items INTEGER,
    processed_items INTEGER NOT NULL DEFAULT 0,
    payload JSON NOT NULL DEFAULT '{}',
    error_code VARCHAR(64),
    error_message TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS ix_jobs_kind_status ON jobs (kind, status);
CREATE INDEX IF NOT EXISTS ix_jobs_created_at ON jobs (created_at);
CREATE INDEX IF NOT EXISTS ix_jobs_created_id ON jobs (created_at, id);
CREATE INDEX IF NOT EXISTS ix_jobs_status_updated ON jobs (status, updated_at);

-- The scan/hash admission mutex (unique partial index
-- ix_jobs_single_active_scan_hash) is built by the lease-protocol
-- migration, which repairs historical violations first. Creating it here
-- would fail on databases that predate the repair.

-- Job locks: cross-process lease rows guarding critical sections.
CREATE TABLE IF NOT EXISTS job_locks (
    lock_key VARCHAR(100) PRIMARY KEY,
    owner_job_id VARCHAR(36) NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    acquired_at DATETIME NOT NULL,
    heartbeat_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_job_locks_owner_job_id ON job_locks (owner_job_id);
CREATE INDEX IF NOT EXISTS ix_job_locks_expires_at ON job_locks (expires_at);

-- Library roots: named media libraries mounted under libraries_root.
CREATE TABLE IF NOT EXISTS library_roots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name VARCHAR(255) NOT NULL UNIQUE,
    root_path VARCHAR(2048) NOT NULL UNIQUE,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_scanned_at DATETIME
);

CREATE INDEX IF NOT EXISTS ix_library_roots_last_scanned_at ON library_roots (last_scanned_at);

-- Scan sessions: one row per filesystem walk.
CREATE TABLE IF NOT EXISTS scan_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    status VARCHAR(16) NOT NULL DEFAULT 'running',
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME,
    error_message TEXT,
    files_seen BIGINT NOT NULL DEFAULT 0,
    directories_seen BIGINT NOT NULL DEFAULT 0,
    bytes_seen BIGINT NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS ix_scan_sessions_status_started ON scan_sessions (status, started_at);
CREATE INDEX IF NOT EXISTS ix_scan_sessions_finished_at ON scan_sessions (finished_at);

-- Library files: the catalog scan/hash workers maintain and the
-- thumbnail queue and duplicate grouping read.
CREATE TABLE IF NOT EXISTS library_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    library_id INTEGER NOT NULL REFERENCES library_roots(id) ON DELETE CASCADE,
    relative_path VARCHAR(4096) NOT NULL,
    size_bytes BIGINT NOT NULL,
    mtime_ns BIGINT NOT NULL,
    inode BIGINT,
    device BIGINT,
    is_missing BOOLEAN NOT NULL DEFAULT 0,
    needs_hash BOOLEAN NOT NULL DEFAULT 1,
    last_seen_scan_id INTEGER REFERENCES scan_sessions(id) ON DELETE SET NULL,
    hash_algorithm VARCHAR(16),
    content_hash BLOB,
    hashed_size_bytes BIGINT,
    hashed_mtime_ns BIGINT,
    hashed_at DATETIME,
    hash_error_count INTEGER NOT NULL DEFAULT 0,
    hash_last_error TEXT,
    hash_last_error_at DATETIME,
    hash_retry_after DATETIME,
    hash_claim_token VARCHAR(64),
    hash_claimed_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (library_id, relative_path)
);

CREATE INDEX IF NOT EXISTS ix_library_files_library_seen ON library_files (library_id, last_seen_scan_id);
CREATE INDEX IF NOT EXISTS ix_library_files_needs_hash ON library_files (needs_hash, is_missing, id);
CREATE INDEX IF NOT EXISTS ix_library_files_hash_lookup ON library_files (hash_algorithm, content_hash, size_bytes, is_missing);
CREATE INDEX IF NOT EXISTS ix_library_files_library_path ON library_files (library_id, relative_path);
CREATE INDEX IF NOT EXISTS ix_library_files_library_mtime_size ON library_files (library_id, mtime_ns, size_bytes);

-- Indexes over migration-added columns (hash retry/claim, dedup group,
-- running lease, wal scheduling) are created by their owning migrations
-- so pre-migration table shapes survive this baseline pass.

-- Thumbnails: content-addressed rendering tasks, unique by thumb_key.
CREATE TABLE IF NOT EXISTS thumbnails (
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
);

CREATE INDEX IF NOT EXISTS ix_thumbnails_status_retry ON thumbnails (status, retry_after, id);
CREATE INDEX IF NOT EXISTS ix_thumbnails_file_variant ON thumbnails (file_id, max_dimension, format);
CREATE INDEX IF NOT EXISTS ix_thumbnails_group_status ON thumbnails (group_key, status);
CREATE INDEX IF NOT EXISTS ix_thumbnails_running_lease ON thumbnails (status, lease_expires_at);
CREATE INDEX IF NOT EXISTS ix_thumbnails_updated ON thumbnails (updated_at);

-- Thumbnail cleanup jobs: scheduled deletion of a duplicate group's
-- rendered thumbnails, upserted by group_key.
CREATE TABLE IF NOT EXISTS thumbnail_cleanup_jobs (
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
);

CREATE INDEX IF NOT EXISTS ix_thumbnail_cleanup_status_execute ON thumbnail_cleanup_jobs (status, execute_after);
CREATE INDEX IF NOT EXISTS ix_thumbnail_cleanup_running_lease ON thumbnail_cleanup_jobs (status, lease_expires_at);
CREATE INDEX IF NOT EXISTS ix_thumbnail_cleanup_updated ON thumbnail_cleanup_jobs (updated_at);

-- WAL maintenance jobs: rate-limited checkpoint requests, singleton
-- active row across pending/running/retryable.
CREATE TABLE IF NOT EXISTS wal_maintenance_jobs (
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
);

-- Global IO pacing buckets shared by workers on the same host.
CREATE TABLE IF NOT EXISTS io_rate_limits (
    bucket_key VARCHAR(64) PRIMARY KEY,
    next_available_at_ms BIGINT NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Schema migration bookkeeping.
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
