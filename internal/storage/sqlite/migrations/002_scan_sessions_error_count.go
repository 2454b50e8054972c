package migrations

import (
	"context"
	"database/sql"
)

// MigrateScanSessionsErrorCount adds the per-session error counter that
// early deployments predate.
func MigrateScanSessionsErrorCount(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "scan_sessions")
	if err != nil || !exists {
		return err
	}
	return addColumnIfAbsent(ctx, tx, "scan_sessions", "error_count", "INTEGER NOT NULL DEFAULT 0")
}
