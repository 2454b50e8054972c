package server

import (
	"fmt"
	"time"

	"github.com/untoldecay/dedupfs/internal/types"
)

// Request bodies. Binding tags replicate the published API contract;
// range rules the services enforce themselves (progress, delay bounds,
// dimension caps) are left to them so their wordings reach the client.

type createJobRequest struct {
	Kind    string         `json:"kind" binding:"required"`
	Payload map[string]any `json:"payload"`
	DryRun  *bool          `json:"dry_run"`
}

type claimJobRequest struct {
	WorkerID string `json:"worker_id" binding:"required,max=128"`
}

type jobProgressRequest struct {
	WorkerID       string   `json:"worker_id" binding:"required,max=128"`
	Progress       *float64 `json:"progress"`
	ProcessedItems *int64   `json:"processed_items"`
}

type finishJobRequest struct {
	WorkerID     string  `json:"worker_id" binding:"required,max=128"`
	Success      *bool   `json:"success" binding:"required"`
	ErrorMessage *string `json:"error_message"`
}

type cancelJobRequest struct {
	ErrorMessage *string `json:"error_message"`
}

type requestThumbnailRequest struct {
	FileID       int64   `json:"file_id" binding:"required,gte=1"`
	MaxDimension *int    `json:"max_dimension" binding:"omitempty,gte=1,lte=4096"`
	OutputFormat *string `json:"output_format"`
}

type scheduleGroupCleanupRequest struct {
	GroupKey     string `json:"group_key" binding:"required,max=256"`
	DelaySeconds *int64 `json:"delay_seconds" binding:"omitempty,gte=0,lte=86400"`
}

type walCheckpointRequest struct {
	Mode   *string `json:"mode" binding:"omitempty,max=16"`
	Reason *string `json:"reason" binding:"omitempty,max=2048"`
	Force  bool    `json:"force"`
}

// Response bodies. Field sets and snake_case names are the published
// wire contract; list responses always serialize items as an array.

type jobResponse struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	Status            string         `json:"status"`
	DryRun            bool           `json:"dry_run"`
	WorkerID          *string        `json:"worker_id"`
	WorkerHeartbeatAt *time.Time     `json:"worker_heartbeat_at"`
	LeaseExpiresAt    *time.Time     `json:"lease_expires_at"`
	Progress          float64        `json:"progress"`
	TotalItems        *int64         `json:"total_items"`
	ProcessedItems    int64          `json:"processed_items"`
	Payload           map[string]any `json:"payload"`
	ErrorCode         *string        `json:"error_code"`
	ErrorMessage      *string        `json:"error_message"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at"`
	FinishedAt        *time.Time     `json:"finished_at"`
}

func newJobResponse(job *types.Job) jobResponse {
	payload := job.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return jobResponse{
		ID:                job.ID,
		Kind:              string(job.Kind),
		Status:            string(job.Status),
		DryRun:            job.DryRun,
		WorkerID:          job.WorkerID,
		WorkerHeartbeatAt: job.WorkerHeartbeatAt,
		LeaseExpiresAt:    job.LeaseExpiresAt,
		Progress:          job.Progress,
		TotalItems:        job.TotalItems,
		ProcessedItems:    job.ProcessedItems,
		Payload:           payload,
		ErrorCode:         job.ErrorCode,
		ErrorMessage:      job.ErrorMessage,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
		StartedAt:         job.StartedAt,
		FinishedAt:        job.FinishedAt,
	}
}

type jobListResponse struct {
	Items      []jobResponse `json:"items"`
	NextCursor *string       `json:"next_cursor"`
}

func newJobListResponse(page *types.JobPage) jobListResponse {
	items := make([]jobResponse, 0, len(page.Items))
	for _, job := range page.Items {
		items = append(items, newJobResponse(job))
	}
	return jobListResponse{Items: items, NextCursor: page.NextCursor}
}

type thumbnailResponse struct {
	ID                int64      `json:"id"`
	ThumbKey          string     `json:"thumb_key"`
	FileID            int64      `json:"file_id"`
	GroupKey          *string    `json:"group_key"`
	Status            string     `json:"status"`
	MediaType         string     `json:"media_type"`
	Format            string     `json:"format"`
	MaxDimension      int        `json:"max_dimension"`
	Version           int        `json:"version"`
	SourceSizeBytes   int64      `json:"source_size_bytes"`
	SourceMtimeNs     int64      `json:"source_mtime_ns"`
	OutputRelpath     string     `json:"output_relpath"`
	Width             *int64     `json:"width"`
	Height            *int64     `json:"height"`
	BytesSize         *int64     `json:"bytes_size"`
	ErrorCode         *string    `json:"error_code"`
	ErrorMessage      *string    `json:"error_message"`
	ErrorCount        int        `json:"error_count"`
	RetryAfter        *time.Time `json:"retry_after"`
	WorkerID          *string    `json:"worker_id"`
	WorkerHeartbeatAt *time.Time `json:"worker_heartbeat_at"`
	LeaseExpiresAt    *time.Time `json:"lease_expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at"`
	ContentURL        *string    `json:"content_url"`
}

func newThumbnailResponse(t *types.Thumbnail) thumbnailResponse {
	resp := thumbnailResponse{
		ID:                t.ID,
		ThumbKey:          t.ThumbKey,
		FileID:            t.FileID,
		GroupKey:          t.GroupKey,
		Status:            string(t.Status),
		MediaType:         string(t.MediaType),
		Format:            string(t.Format),
		MaxDimension:      t.MaxDimension,
		Version:           t.Version,
		SourceSizeBytes:   t.SourceSizeBytes,
		SourceMtimeNs:     t.SourceMtimeNs,
		OutputRelpath:     t.OutputRelpath,
		Width:             t.Width,
		Height:            t.Height,
		BytesSize:         t.BytesSize,
		ErrorCode:         t.ErrorCode,
		ErrorMessage:      t.ErrorMessage,
		ErrorCount:        t.ErrorCount,
		RetryAfter:        t.RetryAfter,
		WorkerID:          t.WorkerID,
		WorkerHeartbeatAt: t.WorkerHeartbeatAt,
		LeaseExpiresAt:    t.LeaseExpiresAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		StartedAt:         t.StartedAt,
		FinishedAt:        t.FinishedAt,
	}
	if t.Status == types.ThumbnailStatusReady {
		url := fmt.Sprintf("/api/v1/thumbs/%s/content", t.ThumbKey)
		resp.ContentURL = &url
	}
	return resp
}

type thumbnailCleanupResponse struct {
	ID                int64      `json:"id"`
	GroupKey          string     `json:"group_key"`
	Status            string     `json:"status"`
	ExecuteAfter      time.Time  `json:"execute_after"`
	WorkerID          *string    `json:"worker_id"`
	WorkerHeartbeatAt *time.Time `json:"worker_heartbeat_at"`
	LeaseExpiresAt    *time.Time `json:"lease_expires_at"`
	ErrorCode         *string    `json:"error_code"`
	ErrorMessage      *string    `json:"error_message"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	FinishedAt        *time.Time `json:"finished_at"`
}

func newThumbnailCleanupResponse(job *types.ThumbnailCleanupJob) thumbnailCleanupResponse {
	return thumbnailCleanupResponse{
		ID:                job.ID,
		GroupKey:          job.GroupKey,
		Status:            string(job.Status),
		ExecuteAfter:      job.ExecuteAfter,
		WorkerID:          job.WorkerID,
		WorkerHeartbeatAt: job.WorkerHeartbeatAt,
		LeaseExpiresAt:    job.LeaseExpiresAt,
		ErrorCode:         job.ErrorCode,
		ErrorMessage:      job.ErrorMessage,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
		FinishedAt:        job.FinishedAt,
	}
}

type thumbnailMetricsResponse struct {
	GeneratedAt          time.Time `json:"generated_at"`
	QueueDepth           int64     `json:"queue_depth"`
	QueuePending         int64     `json:"queue_pending"`
	QueueRunning         int64     `json:"queue_running"`
	RetryBacklog         int64     `json:"retry_backlog"`
	RetryReady           int64     `json:"retry_ready"`
	CleanupPending       int64     `json:"cleanup_pending"`
	CleanupRunning       int64     `json:"cleanup_running"`
	CleanupOverdue       int64     `json:"cleanup_overdue"`
	CleanupMaxLagSeconds int64     `json:"cleanup_max_lag_seconds"`
}

func newThumbnailMetricsResponse(m *types.ThumbnailMetrics) thumbnailMetricsResponse {
	return thumbnailMetricsResponse{
		GeneratedAt:          m.GeneratedAt,
		QueueDepth:           m.QueueDepth,
		QueuePending:         m.QueuePending,
		QueueRunning:         m.QueueRunning,
		RetryBacklog:         m.RetryBacklog,
		RetryReady:           m.RetryReady,
		CleanupPending:       m.CleanupPending,
		CleanupRunning:       m.CleanupRunning,
		CleanupOverdue:       m.CleanupOverdue,
		CleanupMaxLagSeconds: int64(m.CleanupMaxLagSeconds),
	}
}

type walMaintenanceResponse struct {
	ID                  int64      `json:"id"`
	RequestedMode       string     `json:"requested_mode"`
	Status              string     `json:"status"`
	RequestedBy         string     `json:"requested_by"`
	Reason              *string    `json:"reason"`
	ExecuteAfter        time.Time  `json:"execute_after"`
	RetryCount          int        `json:"retry_count"`
	RetryAfter          *time.Time `json:"retry_after"`
	WorkerID            *string    `json:"worker_id"`
	WorkerHeartbeatAt   *time.Time `json:"worker_heartbeat_at"`
	LeaseExpiresAt      *time.Time `json:"lease_expires_at"`
	CheckpointBusy      *bool      `json:"checkpoint_busy"`
	CheckpointLogFrames *int64     `json:"checkpoint_log_frames"`
	CheckpointedFrames  *int64     `json:"checkpointed_frames"`
	ErrorCode           *string    `json:"error_code"`
	ErrorMessage        *string    `json:"error_message"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	StartedAt           *time.Time `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at"`
}

func newWalMaintenanceResponse(job *types.WalMaintenanceJob) walMaintenanceResponse {
	return walMaintenanceResponse{
		ID:                  job.ID,
		RequestedMode:       string(job.RequestedMode),
		Status:              string(job.Status),
		RequestedBy:         job.RequestedBy,
		Reason:              job.Reason,
		ExecuteAfter:        job.ExecuteAfter,
		RetryCount:          job.RetryCount,
		RetryAfter:          job.RetryAfter,
		WorkerID:            job.WorkerID,
		WorkerHeartbeatAt:   job.WorkerHeartbeatAt,
		LeaseExpiresAt:      job.LeaseExpiresAt,
		CheckpointBusy:      job.CheckpointBusy,
		CheckpointLogFrames: job.CheckpointLogFrames,
		CheckpointedFrames:  job.CheckpointedFrames,
		ErrorCode:           job.ErrorCode,
		ErrorMessage:        job.ErrorMessage,
		CreatedAt:           job.CreatedAt,
		UpdatedAt:           job.UpdatedAt,
		StartedAt:           job.StartedAt,
		FinishedAt:          job.FinishedAt,
	}
}

type walMetricsResponse struct {
	GeneratedAt       time.Time  `json:"generated_at"`
	Pending           int64      `json:"pending"`
	Running           int64      `json:"running"`
	Retryable         int64      `json:"retryable"`
	Failed            int64      `json:"failed"`
	Completed         int64      `json:"completed"`
	LatestCompletedAt *time.Time `json:"latest_completed_at"`
}

func newWalMetricsResponse(m *types.WalMetrics) walMetricsResponse {
	return walMetricsResponse{
		GeneratedAt:       m.GeneratedAt,
		Pending:           m.StatusCounts[types.WalStatusPending],
		Running:           m.StatusCounts[types.WalStatusRunning],
		Retryable:         m.StatusCounts[types.WalStatusRetryable],
		Failed:            m.StatusCounts[types.WalStatusFailed],
		Completed:         m.StatusCounts[types.WalStatusCompleted],
		LatestCompletedAt: m.LatestCompletedAt,
	}
}

type duplicateGroupResponse struct {
	GroupKey            string `json:"group_key"`
	HashAlgorithm       string `json:"hash_algorithm"`
	ContentHashHex      string `json:"content_hash_hex"`
	FileCount           int64  `json:"file_count"`
	TotalSizeBytes      int64  `json:"total_size_bytes"`
	DuplicateWasteBytes int64  `json:"duplicate_waste_bytes"`
	SampleFileID        int64  `json:"sample_file_id"`
}

type duplicateGroupListResponse struct {
	Items      []duplicateGroupResponse `json:"items"`
	NextCursor *string                  `json:"next_cursor"`
}

func newDuplicateGroupListResponse(page *types.DuplicateGroupPage) duplicateGroupListResponse {
	items := make([]duplicateGroupResponse, 0, len(page.Items))
	for _, g := range page.Items {
		items = append(items, duplicateGroupResponse{
			GroupKey:            g.GroupKey,
			HashAlgorithm:       string(g.HashAlgorithm),
			ContentHashHex:      g.ContentHashHex,
			FileCount:           g.FileCount,
			TotalSizeBytes:      g.TotalSizeBytes,
			DuplicateWasteBytes: g.DuplicateWasteBytes,
			SampleFileID:        g.SampleFileID,
		})
	}
	return duplicateGroupListResponse{Items: items, NextCursor: page.NextCursor}
}

type duplicateFileResponse struct {
	FileID       int64      `json:"file_id"`
	LibraryID    int64      `json:"library_id"`
	LibraryName  string     `json:"library_name"`
	RelativePath string     `json:"relative_path"`
	SizeBytes    int64      `json:"size_bytes"`
	MtimeNs      int64      `json:"mtime_ns"`
	HashedAt     *time.Time `json:"hashed_at"`
}

type duplicateFileListResponse struct {
	Items      []duplicateFileResponse `json:"items"`
	NextCursor *string                 `json:"next_cursor"`
}

func newDuplicateFileListResponse(page *types.DuplicateFilePage) duplicateFileListResponse {
	items := make([]duplicateFileResponse, 0, len(page.Items))
	for _, f := range page.Items {
		items = append(items, duplicateFileResponse{
			FileID:       f.FileID,
			LibraryID:    f.LibraryID,
			LibraryName:  f.LibraryName,
			RelativePath: f.RelativePath,
			SizeBytes:    f.SizeBytes,
			MtimeNs:      f.MtimeNs,
			HashedAt:     f.HashedAt,
		})
	}
	return duplicateFileListResponse{Items: items, NextCursor: page.NextCursor}
}
