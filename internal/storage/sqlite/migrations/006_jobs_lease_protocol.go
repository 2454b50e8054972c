package migrations

import (
	"context"
	"database/sql"
)

// MigrateJobsLeaseProtocol adds the lease columns, repairs any historical
// violations of the scan/hash admission invariant, and rebuilds the
// partial unique index over the repaired rows.
func MigrateJobsLeaseProtocol(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "jobs")
	if err != nil || !exists {
		return err
	}

	if err := addColumnIfAbsent(ctx, tx, "jobs", "lease_expires_at", "DATETIME"); err != nil {
		return err
	}
	if err := addColumnIfAbsent(ctx, tx, "jobs", "error_code", "VARCHAR(64)"); err != nil {
		return err
	}
	if err := execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS ix_jobs_running_lease ON jobs (status, lease_expires_at)`,
	); err != nil {
		return err
	}

	return repairScanHashAdmission(ctx, tx)
}
