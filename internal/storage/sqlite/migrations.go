package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/storage/sqlite/migrations"
)

// Migration is one versioned schema change. Versions are a contiguous
// ascending sequence; names are stable because they are recorded in
// schema_migrations.
type Migration struct {
	Version int
	Name    string
	Func    func(context.Context, *sql.Tx) error
}

// migrationsList is the ordered list of all migrations. Applied versions
// are skipped; the rest run ascending, one transaction each.
var migrationsList = []Migration{
	{1, "baseline", migrations.MigrateBaseline},
	{2, "scan_sessions_error_count", migrations.MigrateScanSessionsErrorCount},
	{3, "hash_retry_and_claim_columns", migrations.MigrateHashRetryAndClaimColumns},
	{4, "legacy_job_execution_backend_marker", migrations.MigrateLegacyJobExecutionBackendMarker},
	{5, "remove_job_execution_backend", migrations.MigrateRemoveJobExecutionBackend},
	{6, "jobs_lease_protocol", migrations.MigrateJobsLeaseProtocol},
	{7, "normalize_enum_storage", migrations.MigrateNormalizeEnumStorage},
	{8, "thumbnail_protocol_tables", migrations.MigrateThumbnailProtocolTables},
	{9, "scan_hash_admission_mutex", migrations.MigrateScanHashAdmissionMutex},
	{10, "global_io_rate_limit_table", migrations.MigrateGlobalIORateLimitTable},
	{11, "duplicate_group_query_indexes", migrations.MigrateDuplicateGroupQueryIndexes},
	{12, "wal_maintenance_jobs", migrations.MigrateWalMaintenanceJobs},
}

// RunMigrations ensures the bookkeeping table, then applies every
// migration whose version is not yet recorded, in ascending order. Each
// migration runs inside its own immediate transaction and is recorded in
// the same transaction, so a crash mid-way leaves a clean prefix.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
		    version INTEGER PRIMARY KEY,
		    name VARCHAR(255) NOT NULL,
		    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrationsList {
		if applied[m.Version] {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate applied migrations: %w", err)
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	// BeginTx starts BEGIN IMMEDIATE through the _txlock DSN option, so
	// the write lock is held for the whole migration.
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := m.Func(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, applied_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
	`, m.Version, m.Name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// AppliedMigrations returns the recorded migrations ordered by version.
func (s *Store) AppliedMigrations(ctx context.Context) ([]storage.AppliedMigration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, name, applied_at
		FROM schema_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	var out []storage.AppliedMigration
	for rows.Next() {
		var m storage.AppliedMigration
		if err := rows.Scan(&m.Version, &m.Name, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan applied migration: %w", err)
		}
		m.AppliedAt = m.AppliedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate applied migrations: %w", err)
	}
	return out, nil
}
