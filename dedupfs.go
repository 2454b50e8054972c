// Package dedupfs provides a minimal public API for the pipeline workers.
//
// The control plane runs as the dedupfsd daemon; scan/hash workers and the
// thumbnail worker share its SQLite catalog on the same host. This package
// exports the storage interface, the domain types both sides exchange, and
// the error classification helpers workers branch on. Everything else is
// internal.
package dedupfs

import (
	"context"

	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/storage/sqlite"
	"github.com/untoldecay/dedupfs/internal/types"
)

// Storage is the persistence boundary of the control plane. Every method
// is one transactional unit; multiple processes may share the database
// file.
type Storage = storage.Storage

// ErrDuplicateKey is returned by conditional inserts when a concurrent
// writer won the race for the same key.
var ErrDuplicateKey = storage.ErrDuplicateKey

// Open opens (or creates) the control-plane database at dbPath, applies
// the baseline schema and every pending migration, and returns the store.
func Open(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.Open(ctx, dbPath)
}

// Core types from internal/types.
type (
	Job                 = types.Job
	JobKind             = types.JobKind
	JobStatus           = types.JobStatus
	JobFilter           = types.JobFilter
	JobPage             = types.JobPage
	Thumbnail           = types.Thumbnail
	ThumbnailStatus     = types.ThumbnailStatus
	ThumbnailFormat     = types.ThumbnailFormat
	ThumbnailCleanupJob = types.ThumbnailCleanupJob
	CleanupStatus       = types.CleanupStatus
	MediaType           = types.MediaType
	WalMaintenanceJob   = types.WalMaintenanceJob
	WalMode             = types.WalMode
	WalStatus           = types.WalStatus
	LibraryRoot         = types.LibraryRoot
	LibraryFile         = types.LibraryFile
	ScanSession         = types.ScanSession
	ScanSessionStatus   = types.ScanSessionStatus
	HashAlgorithm       = types.HashAlgorithm
	DuplicateGroup      = types.DuplicateGroup
	DuplicateFile       = types.DuplicateFile
	ThumbnailMetrics    = types.ThumbnailMetrics
	WalMetrics          = types.WalMetrics
	AppliedMigration    = storage.AppliedMigration
)

// JobKind constants
const (
	JobKindScan      = types.JobKindScan
	JobKindHash      = types.JobKindHash
	JobKindDelete    = types.JobKindDelete
	JobKindThumbnail = types.JobKindThumbnail
)

// JobStatus constants
const (
	JobStatusPending   = types.JobStatusPending
	JobStatusRunning   = types.JobStatusRunning
	JobStatusCompleted = types.JobStatusCompleted
	JobStatusFailed    = types.JobStatusFailed
	JobStatusCancelled = types.JobStatusCancelled
	JobStatusRetryable = types.JobStatusRetryable
)

// ThumbnailStatus constants
const (
	ThumbnailStatusPending = types.ThumbnailStatusPending
	ThumbnailStatusRunning = types.ThumbnailStatusRunning
	ThumbnailStatusReady   = types.ThumbnailStatusReady
	ThumbnailStatusFailed  = types.ThumbnailStatusFailed
)

// ThumbnailFormat constants
const (
	ThumbnailFormatJPEG = types.ThumbnailFormatJPEG
	ThumbnailFormatWebP = types.ThumbnailFormatWebP
)

// WalMode constants
const (
	WalModePassive  = types.WalModePassive
	WalModeRestart  = types.WalModeRestart
	WalModeTruncate = types.WalModeTruncate
)

// WalStatus constants
const (
	WalStatusPending   = types.WalStatusPending
	WalStatusRunning   = types.WalStatusRunning
	WalStatusCompleted = types.WalStatusCompleted
	WalStatusFailed    = types.WalStatusFailed
	WalStatusRetryable = types.WalStatusRetryable
)

// HashAlgorithm constants
const (
	HashAlgorithmBlake3 = types.HashAlgorithmBlake3
	HashAlgorithmSHA256 = types.HashAlgorithmSHA256
)

// ScanSessionStatus constants
const (
	ScanSessionRunning   = types.ScanSessionRunning
	ScanSessionSucceeded = types.ScanSessionSucceeded
	ScanSessionFailed    = types.ScanSessionFailed
)

// Job error codes written by the coordinator and migrations.
const (
	ErrorCodeLeaseExpired  = types.ErrorCodeLeaseExpired
	ErrorCodeWorkerFailure = types.ErrorCodeWorkerFailure
)

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return types.IsNotFound(err) }

// IsInvalidState reports whether err is an illegal-transition error.
func IsInvalidState(err error) bool { return types.IsInvalidState(err) }

// IsConflict reports whether err is a concurrency conflict (lost claim,
// expired lease, admission mutex).
func IsConflict(err error) bool { return types.IsConflict(err) }

// IsPolicy reports whether err is a policy refusal.
func IsPolicy(err error) bool { return types.IsPolicy(err) }

// IsValidation reports whether err is an input validation error.
func IsValidation(err error) bool { return types.IsValidation(err) }

// IsRateLimited reports whether err is a WAL checkpoint rate-limit.
func IsRateLimited(err error) bool { return types.IsRateLimited(err) }

// IsQueueFull reports whether err is a thumbnail queue capacity refusal.
func IsQueueFull(err error) bool { return types.IsQueueFull(err) }
