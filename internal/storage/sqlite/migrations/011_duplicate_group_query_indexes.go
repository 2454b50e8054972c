package migrations

import (
	"context"
	"database/sql"

	"github.com/untoldecay/dedupfs/internal/types"
)

// MigrateDuplicateGroupQueryIndexes backfills the columns the duplicate
// grouping reads and creates its covering index. A library_files table
// without a primary key column is unrepairable and aborts the migration.
func MigrateDuplicateGroupQueryIndexes(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "library_files")
	if err != nil || !exists {
		return err
	}

	hasID, err := columnExists(ctx, tx, "library_files", "id")
	if err != nil {
		return err
	}
	if !hasID {
		return types.NewQueryError("library_files table missing required primary key column: id")
	}

	columns := []struct {
		name       string
		definition string
	}{
		{"is_missing", "BOOLEAN NOT NULL DEFAULT 0"},
		{"needs_hash", "BOOLEAN NOT NULL DEFAULT 1"},
		{"hash_algorithm", "VARCHAR(16)"},
		{"content_hash", "BLOB"},
	}
	for _, col := range columns {
		if err := addColumnIfAbsent(ctx, tx, "library_files", col.name, col.definition); err != nil {
			return err
		}
	}

	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS ix_library_files_dedup_group `+
			`ON library_files (is_missing, needs_hash, hash_algorithm, content_hash, id)`,
	)
}
