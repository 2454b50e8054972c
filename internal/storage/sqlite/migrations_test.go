package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/types"
)

func TestMigrationsApplyOnceAndStayApplied(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "dedupfs-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()
	dbPath := filepath.Join(tmpDir, "control.db")

	store, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	applied, err := store.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("applied lookup failed: %v", err)
	}
	if len(applied) != len(migrationsList) {
		t.Fatalf("recorded %d migrations, want %d", len(applied), len(migrationsList))
	}
	for i, m := range applied {
		if m.Version != migrationsList[i].Version || m.Name != migrationsList[i].Name {
			t.Errorf("migration %d recorded as (%d, %s), want (%d, %s)",
				i, m.Version, m.Name, migrationsList[i].Version, migrationsList[i].Name)
		}
		if m.AppliedAt.IsZero() {
			t.Errorf("migration %d missing applied_at", m.Version)
		}
	}
	store.Close()

	// Reopening must not re-run anything.
	store, err = Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	again, err := store.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("applied lookup failed: %v", err)
	}
	if len(again) != len(applied) {
		t.Errorf("reopen recorded %d migrations, want %d", len(again), len(applied))
	}
	for i := range again {
		if !again[i].AppliedAt.Equal(applied[i].AppliedAt) {
			t.Errorf("migration %d applied_at changed on reopen", again[i].Version)
		}
	}
}

// TestLegacyDatabaseRepair opens a database shaped like the pre-lease era:
// jobs still carry execution_backend, enums are stored upper-case, and two
// scan jobs sit in RUNNING at once. Open must drop the retired column,
// normalize the enums, demote all but the oldest running scan/hash job,
// and only then build the admission index.
func TestLegacyDatabaseRepair(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "dedupfs-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()
	dbPath := filepath.Join(tmpDir, "legacy.db")

	raw, err := sql.Open("sqlite3", "file:"+dbPath+"?_time_format=sqlite")
	if err != nil {
		t.Fatalf("failed to open raw database: %v", err)
	}
	stmts := []string{
		`CREATE TABLE jobs (
		    id VARCHAR(36) PRIMARY KEY,
		    kind VARCHAR(16) NOT NULL,
		    status VARCHAR(16) NOT NULL,
		    dry_run BOOLEAN NOT NULL DEFAULT 1,
		    execution_backend VARCHAR(16) NOT NULL DEFAULT 'process',
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
		`INSERT INTO jobs (id, kind, status, dry_run, execution_backend, payload, created_at, updated_at)
		 VALUES ('legacy-a', 'SCAN', 'RUNNING', 1, 'process', '{}', '2024-01-01 10:00:00', '2024-01-01 10:00:00')`,
		`INSERT INTO jobs (id, kind, status, dry_run, execution_backend, payload, created_at, updated_at)
		 VALUES ('legacy-b', 'SCAN', 'RUNNING', 1, 'thread', '{}', '2024-01-01 11:00:00', '2024-01-01 11:00:00')`,
	}
	for _, stmt := range stmts {
		if _, err := raw.ExecContext(ctx, stmt); err != nil {
			raw.Close()
			t.Fatalf("failed to seed legacy database: %v", err)
		}
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("failed to close raw database: %v", err)
	}

	store, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open of legacy database failed: %v", err)
	}
	defer store.Close()

	var backend string
	err = store.UnderlyingDB().QueryRowContext(ctx,
		`SELECT name FROM pragma_table_info('jobs') WHERE name = 'execution_backend'`,
	).Scan(&backend)
	if err != sql.ErrNoRows {
		t.Errorf("execution_backend column should be gone, got (%q, %v)", backend, err)
	}

	survivor, err := store.GetJob(ctx, "legacy-a")
	if err != nil {
		t.Fatalf("get legacy-a failed: %v", err)
	}
	if survivor.Status != types.JobStatusRunning || survivor.Kind != types.JobKindScan {
		t.Errorf("legacy-a = %s/%s, want running scan", survivor.Status, survivor.Kind)
	}

	demoted, err := store.GetJob(ctx, "legacy-b")
	if err != nil {
		t.Fatalf("get legacy-b failed: %v", err)
	}
	if demoted.Status != types.JobStatusRetryable {
		t.Errorf("legacy-b status = %s, want retryable", demoted.Status)
	}
	if demoted.ErrorCode == nil || *demoted.ErrorCode != types.ErrorCodeMigrationMutexRecovery {
		t.Errorf("legacy-b error_code = %v, want MIGRATION_MUTEX_RECOVERY", demoted.ErrorCode)
	}
	if demoted.ErrorMessage == nil || *demoted.ErrorMessage == "" {
		t.Error("legacy-b should carry a recovery message")
	}
	if demoted.FinishedAt == nil {
		t.Error("demotion should stamp finished_at")
	}

	var indexName string
	err = store.UnderlyingDB().QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'ix_jobs_single_active_scan_hash'`,
	).Scan(&indexName)
	if err != nil {
		t.Fatalf("admission index missing after repair: %v", err)
	}

	// The surviving running job still occupies the admission slot.
	err = store.InsertJob(ctx, newTestJob(types.JobKindScan))
	if err != storage.ErrDuplicateKey {
		t.Errorf("insert during legacy running job: got %v, want ErrDuplicateKey", err)
	}
}
