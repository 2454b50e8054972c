package migrations

import (
	"context"
	"database/sql"
)

// MigrateHashRetryAndClaimColumns adds the hash failure backoff and claim
// token columns to library_files, plus the indexes workers select on.
func MigrateHashRetryAndClaimColumns(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "library_files")
	if err != nil || !exists {
		return err
	}

	columns := []struct {
		name       string
		definition string
	}{
		{"hash_error_count", "INTEGER NOT NULL DEFAULT 0"},
		{"hash_last_error", "TEXT"},
		{"hash_last_error_at", "DATETIME"},
		{"hash_retry_after", "DATETIME"},
		{"hash_claim_token", "VARCHAR(64)"},
		{"hash_claimed_at", "DATETIME"},
	}
	for _, col := range columns {
		if err := addColumnIfAbsent(ctx, tx, "library_files", col.name, col.definition); err != nil {
			return err
		}
	}

	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS ix_library_files_hash_retry `+
			`ON library_files (needs_hash, is_missing, hash_retry_after, id)`,
		`CREATE INDEX IF NOT EXISTS ix_library_files_hash_claimed `+
			`ON library_files (hash_claim_token, hash_claimed_at)`,
	)
}
