// Package types defines the core domain types shared across the control
// plane: job lifecycle states, thumbnail queue rows, WAL maintenance rows,
// library catalog rows, and the error taxonomy the HTTP layer maps to
// status codes.
package types

import "time"

// JobKind identifies what an external worker does with a claimed job.
type JobKind string

const (
	JobKindScan      JobKind = "scan"
	JobKindHash      JobKind = "hash"
	JobKindDelete    JobKind = "delete"
	JobKindThumbnail JobKind = "thumbnail"
)

// IsValid reports whether k is a known job kind.
func (k JobKind) IsValid() bool {
	switch k {
	case JobKindScan, JobKindHash, JobKindDelete, JobKindThumbnail:
		return true
	}
	return false
}

// IsScanHash reports whether k participates in the scan/hash admission mutex.
func (k JobKind) IsScanHash() bool {
	return k == JobKindScan || k == JobKindHash
}

// JobStatus is the lifecycle state of a job row.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusRetryable JobStatus = "retryable"
)

// IsValid reports whether s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled, JobStatusRetryable:
		return true
	}
	return false
}

// IsTerminal reports whether s admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// jobTransitions is the only legal edge set of the job state machine.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusRetryable},
	JobStatusRetryable: {JobStatusPending, JobStatusCancelled, JobStatusFailed},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// CanTransitionTo reports whether the edge s -> next is legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job error codes written by the coordinator and migrations.
const (
	ErrorCodeLeaseExpired            = "LEASE_EXPIRED"
	ErrorCodeWorkerFailure           = "WORKER_FAILURE"
	ErrorCodeMigrationMutexRecovery  = "MIGRATION_MUTEX_RECOVERY"
	ErrorCodeMigrationActiveRecovery = "MIGRATION_ACTIVE_RECOVERY"
)

// Job is one unit of long-running work coordinated through the store.
// A running job always carries a worker binding and a lease; any other
// status carries neither.
type Job struct {
	ID                string
	Kind              JobKind
	Status            JobStatus
	DryRun            bool
	WorkerID          *string
	WorkerHeartbeatAt *time.Time
	LeaseExpiresAt    *time.Time
	Progress          float64
	TotalItems        *int64
	ProcessedItems    int64
	Payload           map[string]any
	ErrorCode         *string
	ErrorMessage      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// HashAlgorithm names a supported content-hash algorithm. Both emit
// 32-byte digests, so group keys and cursors carry 64 hex chars.
type HashAlgorithm string

const (
	HashAlgorithmBlake3 HashAlgorithm = "blake3"
	HashAlgorithmSHA256 HashAlgorithm = "sha256"
)

// IsValid reports whether a is a supported hash algorithm.
func (a HashAlgorithm) IsValid() bool {
	return a == HashAlgorithmBlake3 || a == HashAlgorithmSHA256
}

// MediaType classifies a library file for thumbnailing.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// ThumbnailFormat is the rendered output format.
type ThumbnailFormat string

const (
	ThumbnailFormatJPEG ThumbnailFormat = "jpeg"
	ThumbnailFormatWebP ThumbnailFormat = "webp"
)

// IsValid reports whether f is a supported output format.
func (f ThumbnailFormat) IsValid() bool {
	return f == ThumbnailFormatJPEG || f == ThumbnailFormatWebP
}

// Ext returns the output file extension for f.
func (f ThumbnailFormat) Ext() string {
	if f == ThumbnailFormatWebP {
		return "webp"
	}
	return "jpg"
}

// ContentType returns the MIME type served for f.
func (f ThumbnailFormat) ContentType() string {
	if f == ThumbnailFormatWebP {
		return "image/webp"
	}
	return "image/jpeg"
}

// ThumbnailStatus is the lifecycle state of a thumbnail task.
type ThumbnailStatus string

const (
	ThumbnailStatusPending ThumbnailStatus = "pending"
	ThumbnailStatusRunning ThumbnailStatus = "running"
	ThumbnailStatusReady   ThumbnailStatus = "ready"
	ThumbnailStatusFailed  ThumbnailStatus = "failed"
)

// ThumbnailVersion is baked into every thumb_key; bumping it invalidates
// all previously rendered thumbnails.
const ThumbnailVersion = 2

// Thumbnail is one content-addressed rendering task. ThumbKey is unique;
// concurrent requests for the same key collapse onto one row.
type Thumbnail struct {
	ID                int64
	ThumbKey          string
	FileID            int64
	GroupKey          *string
	Status            ThumbnailStatus
	MediaType         MediaType
	Format            ThumbnailFormat
	MaxDimension      int
	Version           int
	SourceSizeBytes   int64
	SourceMtimeNs     int64
	OutputRelpath     string
	Width             *int64
	Height            *int64
	BytesSize         *int64
	ErrorCode         *string
	ErrorMessage      *string
	ErrorCount        int
	RetryAfter        *time.Time
	WorkerID          *string
	WorkerHeartbeatAt *time.Time
	LeaseExpiresAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// CleanupStatus is the lifecycle state of a grouped cleanup job.
type CleanupStatus string

const (
	CleanupStatusPending   CleanupStatus = "pending"
	CleanupStatusRunning   CleanupStatus = "running"
	CleanupStatusCompleted CleanupStatus = "completed"
	CleanupStatusFailed    CleanupStatus = "failed"
)

// ThumbnailCleanupJob schedules deletion of every rendered thumbnail in a
// duplicate group. Scheduling upserts by group key.
type ThumbnailCleanupJob struct {
	ID                int64
	GroupKey          string
	Status            CleanupStatus
	ExecuteAfter      time.Time
	WorkerID          *string
	WorkerHeartbeatAt *time.Time
	LeaseExpiresAt    *time.Time
	ErrorCode         *string
	ErrorMessage      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FinishedAt        *time.Time
}

// WalMode selects the SQLite checkpoint variant a worker should run.
type WalMode string

const (
	WalModePassive  WalMode = "passive"
	WalModeRestart  WalMode = "restart"
	WalModeTruncate WalMode = "truncate"
)

// IsValid reports whether m is a known checkpoint mode.
func (m WalMode) IsValid() bool {
	return m == WalModePassive || m == WalModeRestart || m == WalModeTruncate
}

// WalStatus is the lifecycle state of a WAL maintenance request.
type WalStatus string

const (
	WalStatusPending   WalStatus = "pending"
	WalStatusRunning   WalStatus = "running"
	WalStatusCompleted WalStatus = "completed"
	WalStatusFailed    WalStatus = "failed"
	WalStatusRetryable WalStatus = "retryable"
)

// WalMaintenanceJob is one checkpoint request. At most one row occupies
// {pending, running, retryable} at a time; new requests coalesce onto it.
type WalMaintenanceJob struct {
	ID                  int64
	RequestedMode       WalMode
	Status              WalStatus
	RequestedBy         string
	Reason              *string
	ExecuteAfter        time.Time
	RetryCount          int
	RetryAfter          *time.Time
	WorkerID            *string
	WorkerHeartbeatAt   *time.Time
	LeaseExpiresAt      *time.Time
	CheckpointBusy      *bool
	CheckpointLogFrames *int64
	CheckpointedFrames  *int64
	ErrorCode           *string
	ErrorMessage        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
}

// LibraryRoot is a named media library mounted under libraries_root.
type LibraryRoot struct {
	ID            int64
	Name          string
	RootPath      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastScannedAt *time.Time
}

// LibraryFile is one catalogued file. The control plane reads it for
// thumbnailing and duplicate grouping; scan/hash workers own the writes.
type LibraryFile struct {
	ID              int64
	LibraryID       int64
	RelativePath    string
	SizeBytes       int64
	MtimeNs         int64
	Inode           *int64
	Device          *int64
	IsMissing       bool
	NeedsHash       bool
	LastSeenScanID  *int64
	HashAlgorithm   *HashAlgorithm
	ContentHash     []byte
	HashedSizeBytes *int64
	HashedMtimeNs   *int64
	HashedAt        *time.Time
	HashErrorCount  int
	HashLastError   *string
	HashLastErrorAt *time.Time
	HashRetryAfter  *time.Time
	HashClaimToken  *string
	HashClaimedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ScanSessionStatus is the lifecycle state of one scan pass.
type ScanSessionStatus string

const (
	ScanSessionRunning   ScanSessionStatus = "running"
	ScanSessionSucceeded ScanSessionStatus = "succeeded"
	ScanSessionFailed    ScanSessionStatus = "failed"
)

// ScanSession records one filesystem walk across the library roots.
type ScanSession struct {
	ID              int64
	Status          ScanSessionStatus
	StartedAt       time.Time
	FinishedAt      *time.Time
	ErrorMessage    *string
	FilesSeen       int64
	DirectoriesSeen int64
	BytesSeen       int64
	ErrorCount      int64
}

// DuplicateGroup is one aggregation bucket over identically hashed files.
type DuplicateGroup struct {
	GroupKey            string
	HashAlgorithm       HashAlgorithm
	ContentHashHex      string
	FileCount           int64
	TotalSizeBytes      int64
	DuplicateWasteBytes int64
	SampleFileID        int64
}

// DuplicateFile is one member of a duplicate group, joined with its root.
type DuplicateFile struct {
	FileID       int64
	LibraryID    int64
	LibraryName  string
	RelativePath string
	SizeBytes    int64
	MtimeNs      int64
	HashedAt     *time.Time
}

// ThumbnailMetrics is the queue backlog snapshot reported by the metrics
// endpoint and scraped into prometheus gauges.
type ThumbnailMetrics struct {
	QueuePending         int64
	QueueRunning         int64
	QueueDepth           int64
	RetryBacklog         int64
	RetryReady           int64
	CleanupPending       int64
	CleanupRunning       int64
	CleanupOverdue       int64
	CleanupMaxLagSeconds float64
	GeneratedAt          time.Time
}

// WalMetrics aggregates WAL maintenance rows by status.
type WalMetrics struct {
	StatusCounts      map[WalStatus]int64
	LatestCompletedAt *time.Time
	GeneratedAt       time.Time
}

// JobFilter narrows a job listing. Limit and Cursor implement keyset
// pagination; Status and Kind are optional equality filters.
type JobFilter struct {
	Status *JobStatus
	Kind   *JobKind
	Limit  int
	Cursor *string
}

// JobPage is one keyset page of jobs ordered (created_at DESC, id DESC).
type JobPage struct {
	Items      []*Job
	NextCursor *string
}

// DuplicateGroupCursor is the decoded keyset anchor for duplicate-group
// listings: the sort key of the last item on the previous page.
type DuplicateGroupCursor struct {
	FileCount      int64
	TotalSizeBytes int64
	HashAlgorithm  HashAlgorithm
	ContentHashHex string
}

// DuplicateGroupPage is one keyset page of duplicate groups.
type DuplicateGroupPage struct {
	Items      []*DuplicateGroup
	NextCursor *string
}

// DuplicateFilePage is one keyset page of a group's member files.
type DuplicateFilePage struct {
	Items      []*DuplicateFile
	NextCursor *string
}
