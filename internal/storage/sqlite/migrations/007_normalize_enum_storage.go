package migrations

import (
	"context"
	"database/sql"
)

// MigrateNormalizeEnumStorage lower-cases every persisted enum column so
// predicates can compare without lower() on the write side, then re-runs
// the admission repair since normalization may surface duplicates.
func MigrateNormalizeEnumStorage(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(ctx, tx, "jobs")
	if err != nil || !exists {
		return err
	}

	if err := dropSingleActiveScanHashIndex(ctx, tx); err != nil {
		return err
	}
	if err := normalizeJobEnums(ctx, tx); err != nil {
		return err
	}
	if err := normalizeScanSessionStatus(ctx, tx); err != nil {
		return err
	}
	if err := normalizeLibraryFileHashAlgorithm(ctx, tx); err != nil {
		return err
	}
	if err := resolveDuplicateRunningScanHashJobs(ctx, tx); err != nil {
		return err
	}
	if err := resolveDuplicateActiveScanHashJobs(ctx, tx); err != nil {
		return err
	}
	return rebuildSingleActiveScanHashIndex(ctx, tx)
}
