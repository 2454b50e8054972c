package migrations

import (
	"context"
	"database/sql"
)

// MigrateGlobalIORateLimitTable creates the shared pacing buckets workers
// reserve before heavy reads.
func MigrateGlobalIORateLimitTable(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "io_rate_limits")
	if err != nil || exists {
		return err
	}
	return execAll(ctx, tx, `
		CREATE TABLE io_rate_limits (
		    bucket_key VARCHAR(64) PRIMARY KEY,
		    next_available_at_ms BIGINT NOT NULL DEFAULT 0,
		    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
}
