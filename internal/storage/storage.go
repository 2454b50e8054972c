// Package storage defines the interface the control plane uses to persist
// and query its catalog. The only production implementation is SQLite
// (storage/sqlite); services depend on this interface so tests can open
// throwaway stores per case.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/untoldecay/dedupfs/internal/types"
)

// ErrDuplicateKey is returned by conditional inserts when a uniqueness
// constraint fired, meaning a concurrent writer won the race for the same
// key. Callers reload the surviving row.
var ErrDuplicateKey = errors.New("duplicate key")

// AppliedMigration is one recorded schema migration.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// Storage is the persistence boundary of the control plane. Every method
// is one transactional unit: multi-statement operations run inside a
// single store transaction, and the process stays correct when several
// processes share the same database file.
//
// Methods that look up a single row by key return (nil, nil) when the row
// does not exist; services translate absence into their NotFound wording.
// Claim methods return (nil, nil) when nothing is claimable.
type Storage interface {
	// Jobs (lifecycle + lease protocol).
	InsertJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobs(ctx context.Context, filter types.JobFilter) (*types.JobPage, error)
	ClaimPendingScanHashJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*types.Job, error)
	HeartbeatJob(ctx context.Context, id, workerID string, progress *float64, processedItems *int64, leaseTTL time.Duration) (*types.Job, error)
	FinishJob(ctx context.Context, id, workerID string, success bool, errorMessage *string) (*types.Job, error)
	ResetRetryableJob(ctx context.Context, id string) (*types.Job, error)
	CancelJob(ctx context.Context, id string, errorMessage *string) (*types.Job, error)
	RecoverStaleJobs(ctx context.Context) (int64, error)
	HasActiveScanHashJob(ctx context.Context) (bool, error)
	CountJobsByStatus(ctx context.Context) (map[types.JobStatus]int64, error)

	// Job locks (lease table guarding cross-process critical sections).
	AcquireJobLock(ctx context.Context, lockKey, ownerJobID string, ttl time.Duration) (bool, error)
	RefreshJobLock(ctx context.Context, lockKey, ownerJobID string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, lockKey, ownerJobID string) (bool, error)
	IsJobLockHeld(ctx context.Context, lockKey, ownerJobID string) (bool, error)
	CleanupExpiredJobLocks(ctx context.Context) (int64, error)

	// Thumbnail queue.
	GetThumbnailByKey(ctx context.Context, thumbKey string) (*types.Thumbnail, error)
	InsertThumbnailCapped(ctx context.Context, t *types.Thumbnail, capacity int) (bool, error)
	ResetFailedThumbnail(ctx context.Context, thumbKey string) (bool, error)
	ClaimPendingThumbnail(ctx context.Context, workerID string, leaseTTL time.Duration) (*types.Thumbnail, error)
	MarkThumbnailReady(ctx context.Context, thumbKey, workerID string, width, height, bytesSize int64) (*types.Thumbnail, error)
	MarkThumbnailFailed(ctx context.Context, thumbKey, workerID, errorCode, errorMessage string, retryBase, retryMax time.Duration) (*types.Thumbnail, error)
	ListGroupThumbnails(ctx context.Context, groupKey string, statuses []types.ThumbnailStatus) ([]*types.Thumbnail, error)
	DeleteThumbnails(ctx context.Context, ids []int64) (int64, error)
	ThumbnailMetrics(ctx context.Context) (*types.ThumbnailMetrics, error)

	// Thumbnail group cleanup jobs.
	UpsertCleanupJob(ctx context.Context, groupKey string, executeAfter time.Time) (*types.ThumbnailCleanupJob, error)
	GetCleanupJob(ctx context.Context, groupKey string) (*types.ThumbnailCleanupJob, error)
	ClaimDueCleanupJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*types.ThumbnailCleanupJob, error)
	FinishCleanupJob(ctx context.Context, id int64, success bool, errorMessage *string) error

	// WAL maintenance scheduler.
	GetActiveWalJob(ctx context.Context) (*types.WalMaintenanceJob, error)
	GetLatestCompletedWalJob(ctx context.Context) (*types.WalMaintenanceJob, error)
	GetLatestWalJob(ctx context.Context) (*types.WalMaintenanceJob, error)
	InsertWalJob(ctx context.Context, job *types.WalMaintenanceJob) error
	ClaimPendingWalJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*types.WalMaintenanceJob, error)
	FinishWalJob(ctx context.Context, id int64, success bool, busy *bool, logFrames, checkpointedFrames *int64, errorMessage *string) error
	WalMetrics(ctx context.Context) (*types.WalMetrics, error)

	// Duplicate-group queries (read-only aggregation over library_files).
	ListDuplicateGroups(ctx context.Context, limit int, after *types.DuplicateGroupCursor) ([]*types.DuplicateGroup, error)
	ListDuplicateGroupFiles(ctx context.Context, algorithm types.HashAlgorithm, contentHash []byte, afterFileID int64, limit int) ([]*types.DuplicateFile, error)

	// Library catalog (written by scan/hash workers through the facade,
	// read by thumbnailing and duplicate grouping).
	UpsertLibraryRoot(ctx context.Context, root *types.LibraryRoot) error
	GetLibraryRoot(ctx context.Context, id int64) (*types.LibraryRoot, error)
	InsertLibraryFile(ctx context.Context, file *types.LibraryFile) error
	GetLibraryFile(ctx context.Context, id int64) (*types.LibraryFile, error)

	// Scan sessions (one row per filesystem walk).
	CreateScanSession(ctx context.Context, session *types.ScanSession) error
	FinishScanSession(ctx context.Context, id int64, status types.ScanSessionStatus, filesSeen, directoriesSeen, bytesSeen, errorCount int64) error

	// Global IO pacing shared by workers on the same host.
	ReserveIOSlot(ctx context.Context, bucketKey string, minInterval time.Duration) (bool, time.Time, error)

	// Schema bookkeeping.
	AppliedMigrations(ctx context.Context) ([]AppliedMigration, error)

	Close() error
}
