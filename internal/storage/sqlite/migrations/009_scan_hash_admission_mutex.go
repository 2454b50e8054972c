package migrations

import (
	"context"
	"database/sql"
)

// MigrateScanHashAdmissionMutex re-runs the admission repair for
// databases that skipped earlier repairs or accrued violations while the
// index was absent.
func MigrateScanHashAdmissionMutex(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "jobs")
	if err != nil || !exists {
		return err
	}

	if err := ensureJobsIndexes(ctx, tx); err != nil {
		return err
	}
	return repairScanHashAdmission(ctx, tx)
}
