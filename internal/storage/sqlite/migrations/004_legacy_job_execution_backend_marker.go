package migrations

import (
	"context"
	"database/sql"
)

// MigrateLegacyJobExecutionBackendMarker records the version at which the
// retired execution_backend experiment shipped. The column itself is
// removed by the next migration.
func MigrateLegacyJobExecutionBackendMarker(ctx context.Context, tx *sql.Tx) error {
	_ = ctx
	_ = tx
	return nil
}
