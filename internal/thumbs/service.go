// Package thumbs implements the content-addressed thumbnail queue: clients
// request a rendering by file id, the service derives a deterministic
// thumb_key, and an external worker claims pending rows and renders them
// under the thumbs root. Cleanup jobs prune a duplicate group's renderings
// after the group is resolved.
package thumbs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/untoldecay/dedupfs/internal/clock"
	"github.com/untoldecay/dedupfs/internal/config"
	"github.com/untoldecay/dedupfs/internal/pathsafety"
	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/types"
)

// imageExtensions and videoExtensions decide thumbnailability by file
// extension alone; content sniffing is the rendering worker's problem.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".m4v":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
	".mpeg": true,
	".mpg":  true,
	".wmv":  true,
}

// Service coordinates the thumbnail queue and its group cleanup jobs.
type Service struct {
	store storage.Storage
	cfg   *config.Config
}

// New returns a thumbnail service backed by store.
func New(store storage.Storage, cfg *config.Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// Request queues a thumbnail rendering for fileID, or returns the existing
// row when the derived key is already known. Failed rows whose retry window
// has elapsed are reset to pending on the way through. maxDimension and
// outputFormat default from configuration when nil.
func (s *Service) Request(ctx context.Context, fileID int64, maxDimension *int, outputFormat *string) (*types.Thumbnail, error) {
	format, err := s.normalizeFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	dimension, err := s.normalizeDimension(maxDimension)
	if err != nil {
		return nil, err
	}

	file, err := s.store.GetLibraryFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load library file: %w", err)
	}
	if file == nil {
		return nil, types.NewNotFound("File not found: %d", fileID)
	}
	if file.IsMissing {
		return nil, types.NewPolicy("Missing files cannot be thumbnailed")
	}

	root, err := s.store.GetLibraryRoot(ctx, file.LibraryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load library root: %w", err)
	}
	if root == nil {
		return nil, types.NewPolicy("Library root missing for file %d", fileID)
	}

	if err := s.validateSourcePath(root.RootPath, file.RelativePath); err != nil {
		return nil, err
	}
	mediaType, err := inferMediaType(file.RelativePath)
	if err != nil {
		return nil, err
	}

	thumbKey := buildThumbKey(file, dimension, format)

	existing, err := s.store.GetThumbnailByKey(ctx, thumbKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up thumbnail: %w", err)
	}
	if existing != nil {
		if existing.Status == types.ThumbnailStatusFailed {
			reset, err := s.store.ResetFailedThumbnail(ctx, thumbKey)
			if err != nil {
				return nil, fmt.Errorf("failed to reset failed thumbnail: %w", err)
			}
			if reset {
				return s.reload(ctx, thumbKey)
			}
		}
		return existing, nil
	}

	queued := &types.Thumbnail{
		ThumbKey:        thumbKey,
		FileID:          file.ID,
		GroupKey:        buildGroupKey(file),
		Status:          types.ThumbnailStatusPending,
		MediaType:       mediaType,
		Format:          format,
		MaxDimension:    dimension,
		Version:         types.ThumbnailVersion,
		SourceSizeBytes: file.SizeBytes,
		SourceMtimeNs:   file.MtimeNs,
		OutputRelpath:   buildOutputRelpath(thumbKey, format),
	}
	inserted, err := s.store.InsertThumbnailCapped(ctx, queued, s.cfg.ThumbnailCapacity)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Lost the unique-key race; the surviving row answers.
			return s.reload(ctx, thumbKey)
		}
		return nil, fmt.Errorf("failed to queue thumbnail: %w", err)
	}
	if !inserted {
		// The capacity gate refused the insert, but a concurrent request
		// may have landed the same key before the gate closed.
		existing, err := s.store.GetThumbnailByKey(ctx, thumbKey)
		if err != nil {
			return nil, fmt.Errorf("failed to look up thumbnail: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
		return nil, types.NewQueueFull("Thumbnail queue is at capacity; please retry later")
	}
	return s.reload(ctx, thumbKey)
}

// Get returns the thumbnail row for thumbKey.
func (s *Service) Get(ctx context.Context, thumbKey string) (*types.Thumbnail, error) {
	return s.reload(ctx, thumbKey)
}

// ResolveContentPath maps a thumbnail's output relpath onto the thumbs
// root, refusing empty and escaping paths.
func (s *Service) ResolveContentPath(t *types.Thumbnail) (string, error) {
	if t.OutputRelpath == "" {
		return "", types.NewPolicy("Thumbnail output path is empty")
	}
	return pathsafety.ResolveUnderRoot(s.cfg.ThumbsRoot, t.OutputRelpath, "Thumbnail output path escapes thumbs root")
}

// ScheduleGroupCleanup upserts the deferred cleanup job for a duplicate
// group. Re-scheduling an existing job resets it to pending with a fresh
// execute_after, even if a previous run failed.
func (s *Service) ScheduleGroupCleanup(ctx context.Context, groupKey string, delaySeconds *int64) (*types.ThumbnailCleanupJob, error) {
	normalized := strings.TrimSpace(groupKey)
	if normalized == "" {
		return nil, types.NewPolicy("group_key cannot be blank")
	}
	if delaySeconds != nil && *delaySeconds < 0 {
		return nil, types.NewPolicy("delay_seconds cannot be negative")
	}

	delay := s.cfg.CleanupDelay
	if delaySeconds != nil {
		delay = time.Duration(*delaySeconds) * time.Second
	}
	executeAfter := clock.Now().Add(delay)

	job, err := s.store.UpsertCleanupJob(ctx, normalized, executeAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule group cleanup: %w", err)
	}
	return job, nil
}

// PruneGroupThumbnails removes a group's rendered files and their ready or
// failed rows, returning how many rows were deleted. Pending and running
// rows survive so an in-flight rendering is never yanked out from under its
// worker. Unresolvable output paths are skipped; already-missing files are
// fine.
func (s *Service) PruneGroupThumbnails(ctx context.Context, groupKey string) (int64, error) {
	normalized := strings.TrimSpace(groupKey)
	if normalized == "" {
		return 0, types.NewPolicy("group_key cannot be blank")
	}

	rows, err := s.store.ListGroupThumbnails(ctx, normalized, []types.ThumbnailStatus{
		types.ThumbnailStatusReady,
		types.ThumbnailStatusFailed,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list group thumbnails: %w", err)
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		if row.OutputRelpath == "" {
			continue
		}
		path, err := s.ResolveContentPath(row)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("failed to remove thumbnail file %s: %w", path, err)
		}
	}

	deleted, err := s.store.DeleteThumbnails(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete group thumbnails: %w", err)
	}
	return deleted, nil
}

// Metrics snapshots the queue and cleanup backlogs.
func (s *Service) Metrics(ctx context.Context) (*types.ThumbnailMetrics, error) {
	m, err := s.store.ThumbnailMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate thumbnail metrics: %w", err)
	}
	return m, nil
}

// ClaimPending hands the oldest claimable pending thumbnail to workerID
// under a fresh lease, or (nil, nil) when the queue is drained.
func (s *Service) ClaimPending(ctx context.Context, workerID string) (*types.Thumbnail, error) {
	normalized, err := normalizeWorkerID(workerID)
	if err != nil {
		return nil, err
	}
	return s.store.ClaimPendingThumbnail(ctx, normalized, s.cfg.JobLeaseTTL)
}

// MarkReady finishes a claimed thumbnail with its rendered dimensions.
func (s *Service) MarkReady(ctx context.Context, thumbKey, workerID string, width, height, bytesSize int64) (*types.Thumbnail, error) {
	normalized, err := normalizeWorkerID(workerID)
	if err != nil {
		return nil, err
	}
	t, err := s.store.MarkThumbnailReady(ctx, thumbKey, normalized, width, height, bytesSize)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, types.NewNotFound("Thumbnail not found: %s", thumbKey)
	}
	return t, nil
}

// MarkFailed finishes a claimed thumbnail with error context and schedules
// its next retry window.
func (s *Service) MarkFailed(ctx context.Context, thumbKey, workerID, errorCode, errorMessage string) (*types.Thumbnail, error) {
	normalized, err := normalizeWorkerID(workerID)
	if err != nil {
		return nil, err
	}
	t, err := s.store.MarkThumbnailFailed(ctx, thumbKey, normalized, errorCode, errorMessage,
		s.cfg.ThumbnailRetryBase, s.cfg.ThumbnailRetryMax)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, types.NewNotFound("Thumbnail not found: %s", thumbKey)
	}
	return t, nil
}

// ClaimDueCleanup hands the oldest due cleanup job to workerID, or
// (nil, nil) when nothing is due yet.
func (s *Service) ClaimDueCleanup(ctx context.Context, workerID string) (*types.ThumbnailCleanupJob, error) {
	normalized, err := normalizeWorkerID(workerID)
	if err != nil {
		return nil, err
	}
	return s.store.ClaimDueCleanupJob(ctx, normalized, s.cfg.JobLeaseTTL)
}

// FinishCleanup records the outcome of a claimed cleanup job.
func (s *Service) FinishCleanup(ctx context.Context, id int64, success bool, errorMessage *string) error {
	return s.store.FinishCleanupJob(ctx, id, success, errorMessage)
}

func (s *Service) reload(ctx context.Context, thumbKey string) (*types.Thumbnail, error) {
	t, err := s.store.GetThumbnailByKey(ctx, thumbKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load thumbnail: %w", err)
	}
	if t == nil {
		return nil, types.NewNotFound("Thumbnail not found: %s", thumbKey)
	}
	return t, nil
}

func (s *Service) normalizeFormat(raw *string) (types.ThumbnailFormat, error) {
	if raw == nil {
		return s.cfg.ThumbnailFormat, nil
	}
	format := types.ThumbnailFormat(strings.ToLower(strings.TrimSpace(*raw)))
	if !format.IsValid() {
		return "", types.NewPolicy("Unsupported thumbnail format: %s. Allowed: jpeg, webp", *raw)
	}
	return format, nil
}

func (s *Service) normalizeDimension(requested *int) (int, error) {
	if requested == nil {
		return s.cfg.ThumbnailMaxDimension, nil
	}
	if *requested <= 0 {
		return 0, types.NewPolicy("max_dimension must be greater than zero")
	}
	if *requested > s.cfg.ThumbnailMaxDimension {
		return 0, types.NewPolicy("max_dimension exceeds configured limit %d", s.cfg.ThumbnailMaxDimension)
	}
	return *requested, nil
}

// validateSourcePath re-checks catalog rows against the configured roots
// before a key is derived; scan workers wrote these rows, but the control
// plane does not trust them blindly.
func (s *Service) validateSourcePath(rootPath, relativePath string) error {
	if !pathsafety.IsWithin(s.cfg.LibrariesRoot, rootPath) {
		return types.NewPolicy("Library root path escapes /libraries")
	}
	if _, err := pathsafety.ResolveUnderRoot(rootPath, relativePath, "Library file path escapes library root"); err != nil {
		return err
	}
	return nil
}

func inferMediaType(relativePath string) (types.MediaType, error) {
	ext := strings.ToLower(filepath.Ext(relativePath))
	if imageExtensions[ext] {
		return types.MediaTypeImage, nil
	}
	if videoExtensions[ext] {
		return types.MediaTypeVideo, nil
	}
	if ext == "" {
		ext = "<none>"
	}
	return "", types.NewPolicy("Unsupported media type for thumbnail generation: %s", ext)
}

// sourceFingerprint identifies the file content a key was derived from:
// the content hash when hashing has run, size+mtime metadata otherwise.
func sourceFingerprint(file *types.LibraryFile) string {
	if file.HashAlgorithm != nil && len(file.ContentHash) > 0 {
		return fmt.Sprintf("%s:%s", *file.HashAlgorithm, hex.EncodeToString(file.ContentHash))
	}
	return fmt.Sprintf("meta:%d:%d", file.SizeBytes, file.MtimeNs)
}

func buildGroupKey(file *types.LibraryFile) *string {
	if file.HashAlgorithm == nil || len(file.ContentHash) == 0 {
		return nil
	}
	key := fmt.Sprintf("%s:%s", *file.HashAlgorithm, hex.EncodeToString(file.ContentHash))
	return &key
}

// buildThumbKey derives the deterministic queue key. Identical requests
// collapse onto one row; bumping types.ThumbnailVersion invalidates every
// previously derived key.
func buildThumbKey(file *types.LibraryFile, maxDimension int, format types.ThumbnailFormat) string {
	material := fmt.Sprintf("%d:%s:%d:%s:thumb-v%d",
		file.ID, sourceFingerprint(file), maxDimension, format, types.ThumbnailVersion)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// buildOutputRelpath shards rendered files two hex levels deep so no single
// directory collects millions of entries.
func buildOutputRelpath(thumbKey string, format types.ThumbnailFormat) string {
	return fmt.Sprintf("%s/%s/%s.%s", thumbKey[0:2], thumbKey[2:4], thumbKey, format.Ext())
}

func normalizeWorkerID(workerID string) (string, error) {
	normalized := strings.TrimSpace(workerID)
	if normalized == "" {
		return "", types.NewValidation("worker_id cannot be blank")
	}
	return normalized, nil
}
