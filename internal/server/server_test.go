package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/dedupfs/internal/clock"
	"github.com/untoldecay/dedupfs/internal/config"
	"github.com/untoldecay/dedupfs/internal/metrics"
	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/storage/sqlite"
	"github.com/untoldecay/dedupfs/internal/types"
)

func setupTestServer(t *testing.T) (*Server, storage.Storage, *config.Config, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "dedupfs-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	store, err := sqlite.Open(context.Background(), filepath.Join(tmpDir, "control.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open store: %v", err)
	}

	cfg := &config.Config{
		Environment:           "test",
		LibrariesRoot:         "/libraries",
		StateRoot:             tmpDir,
		DatabasePath:          filepath.Join(tmpDir, "control.db"),
		ThumbsRoot:            filepath.Join(tmpDir, "thumbs"),
		DryRun:                true,
		DefaultPageSize:       100,
		MaxPageSize:           1000,
		DefaultHashAlgorithm:  types.HashAlgorithmBlake3,
		JobLeaseTTL:           time.Minute,
		ThumbnailMaxDimension: 256,
		ThumbnailFormat:       types.ThumbnailFormatJPEG,
		ThumbnailCapacity:     50,
		ThumbnailRetryBase:    30 * time.Second,
		ThumbnailRetryMax:     30 * time.Minute,
		CleanupDelay:          10 * time.Minute,
		WalDefaultMode:        types.WalModePassive,
		WalMinInterval:        15 * time.Minute,
		ListenAddr:            ":0",
	}

	srv := New(store, cfg, metrics.NewCollectors(), zap.NewNop())
	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return srv, store, cfg, cleanup
}

// doJSON drives one request through the gin engine. A nil body sends no
// payload at all, mirroring clients that omit the request body.
func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func wantDetail(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int, wantDetail string) {
	t.Helper()

	if rec.Code != wantStatus {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, wantStatus, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if got, _ := body["detail"].(string); got != wantDetail {
		t.Errorf("detail = %q, want %q", got, wantDetail)
	}
}

func seedRoot(t *testing.T, store storage.Storage) *types.LibraryRoot {
	t.Helper()

	root := &types.LibraryRoot{Name: "main", RootPath: "/libraries/main"}
	if err := store.UpsertLibraryRoot(context.Background(), root); err != nil {
		t.Fatalf("failed to seed library root: %v", err)
	}
	return root
}

func seedHashedFile(t *testing.T, store storage.Storage, rootID int64, relPath string, size int64, hashByte byte) *types.LibraryFile {
	t.Helper()

	algorithm := types.HashAlgorithmSHA256
	hashedAt := clock.Now()
	file := &types.LibraryFile{
		LibraryID:     rootID,
		RelativePath:  relPath,
		SizeBytes:     size,
		MtimeNs:       1700000000000000000,
		HashAlgorithm: &algorithm,
		ContentHash:   bytes.Repeat([]byte{hashByte}, 32),
		HashedAt:      &hashedAt,
	}
	if err := store.InsertLibraryFile(context.Background(), file); err != nil {
		t.Fatalf("failed to seed library file %s: %v", relPath, err)
	}
	return file
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeMap(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["service"] != "dedupfs" {
		t.Errorf("service = %v, want dedupfs", body["service"])
	}
	if body["environment"] != "test" {
		t.Errorf("environment = %v, want test", body["environment"])
	}
	if body["dry_run"] != true {
		t.Errorf("dry_run = %v, want true", body["dry_run"])
	}
	if ts, _ := body["timestamp"].(string); ts == "" {
		t.Error("timestamp missing from health body")
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{"kind": "scan"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	created := decodeMap(t, rec)
	jobID, _ := created["id"].(string)
	if len(jobID) != 36 {
		t.Fatalf("job id = %q, want uuid string", jobID)
	}
	if created["status"] != "pending" || created["dry_run"] != true {
		t.Errorf("created job = status %v dry_run %v, want pending/true", created["status"], created["dry_run"])
	}
	if payload, ok := created["payload"].(map[string]any); !ok || len(payload) != 0 {
		t.Errorf("payload = %v, want empty object", created["payload"])
	}

	// The admission mutex refuses a second scan/hash job.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{"kind": "hash"})
	wantDetail(t, rec, http.StatusConflict, "A scan/hash job is already active")

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/jobs/scan-hash/claim", map[string]any{"worker_id": "w1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	claimed := decodeMap(t, rec)
	if claimed["id"] != jobID || claimed["status"] != "running" || claimed["worker_id"] != "w1" {
		t.Errorf("claimed job = %v/%v/%v, want %s/running/w1", claimed["id"], claimed["status"], claimed["worker_id"], jobID)
	}
	if claimed["lease_expires_at"] == nil {
		t.Error("claimed job carries no lease")
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/jobs/"+jobID+"/heartbeat",
		map[string]any{"worker_id": "w1", "progress": 0.5, "processed_items": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	beaten := decodeMap(t, rec)
	if beaten["progress"] != 0.5 {
		t.Errorf("progress = %v, want 0.5", beaten["progress"])
	}
	if beaten["processed_items"] != float64(10) {
		t.Errorf("processed_items = %v, want 10", beaten["processed_items"])
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/jobs/"+jobID+"/finish",
		map[string]any{"worker_id": "w1", "success": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("finish status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	finished := decodeMap(t, rec)
	if finished["status"] != "completed" {
		t.Errorf("finished status = %v, want completed", finished["status"])
	}
	if finished["worker_id"] != nil || finished["lease_expires_at"] != nil {
		t.Errorf("terminal job retains worker binding: %v/%v", finished["worker_id"], finished["lease_expires_at"])
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/jobs/scan-hash/claim", map[string]any{"worker_id": "w2"})
	wantDetail(t, rec, http.StatusNotFound, "No pending scan/hash job available")
}

func TestCreateJobRejections(t *testing.T) {
	srv, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantDetail string
	}{
		{
			name:       "missing kind",
			body:       map[string]any{},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "unknown kind",
			body:       map[string]any{"kind": "paint"},
			wantStatus: http.StatusUnprocessableEntity,
			wantDetail: "Unknown job kind: paint",
		},
		{
			name:       "unknown body field",
			body:       map[string]any{"kind": "scan", "priority": 5},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "real run under global dry-run",
			body:       map[string]any{"kind": "scan", "dry_run": false},
			wantStatus: http.StatusConflict,
			wantDetail: "Global dry-run mode forbids real-run jobs",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantDetail != "" {
				body := decodeMap(t, rec)
				if body["detail"] != tt.wantDetail {
					t.Errorf("detail = %v, want %q", body["detail"], tt.wantDetail)
				}
			}
		})
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing body status = %d, want 422", rec.Code)
	}
}

func TestListJobsPaginationAndFilters(t *testing.T) {
	srv, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs",
			map[string]any{"kind": "delete", "payload": map[string]any{"n": i}})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %d status = %d (body %s)", i, rec.Code, rec.Body.String())
		}
		ids[decodeMap(t, rec)["id"].(string)] = true
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/jobs?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d (body %s)", rec.Code, rec.Body.String())
	}
	page1 := decodeMap(t, rec)
	items1 := page1["items"].([]any)
	if len(items1) != 2 {
		t.Fatalf("page1 items = %d, want 2", len(items1))
	}
	cursor, _ := page1["next_cursor"].(string)
	if cursor == "" {
		t.Fatal("page1 next_cursor missing")
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/jobs?limit=2&cursor="+cursor, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("page2 status = %d (body %s)", rec.Code, rec.Body.String())
	}
	page2 := decodeMap(t, rec)
	items2 := page2["items"].([]any)
	if len(items2) != 1 {
		t.Fatalf("page2 items = %d, want 1", len(items2))
	}
	if page2["next_cursor"] != nil {
		t.Errorf("page2 next_cursor = %v, want null", page2["next_cursor"])
	}

	seen := map[string]bool{}
	for _, raw := range append(items1, items2...) {
		item := raw.(map[string]any)
		seen[item["id"].(string)] = true
	}
	if len(seen) != 3 {
		t.Errorf("pages overlap: saw %d distinct ids, want 3", len(seen))
	}
	for id := range ids {
		if !seen[id] {
			t.Errorf("job %s missing from paginated listing", id)
		}
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/jobs?status=pending&kind=delete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered list status = %d", rec.Code)
	}
	if got := len(decodeMap(t, rec)["items"].([]any)); got != 3 {
		t.Errorf("filtered items = %d, want 3", got)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/jobs?status=completed", nil)
	if got := len(decodeMap(t, rec)["items"].([]any)); got != 0 {
		t.Errorf("completed items = %d, want 0", got)
	}

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"zero limit", "?limit=0", "limit must be between 1 and 200"},
		{"oversized limit", "?limit=201", "limit must be between 1 and 200"},
		{"non-numeric limit", "?limit=abc", "Invalid limit: abc"},
		{"unknown cursor", "?cursor=nope", "Invalid pagination cursor: nope"},
		{"unknown status filter", "?status=paused", "Unknown job status filter: paused"},
		{"unknown kind filter", "?kind=paint", "Unknown job kind filter: paint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodGet, "/api/v1/jobs"+tt.query, nil)
			wantDetail(t, rec, http.StatusUnprocessableEntity, tt.want)
		})
	}
}

func TestJobLeaseExpiryOverHTTP(t *testing.T) {
	srv, _, cfg, cleanup := setupTestServer(t)
	defer cleanup()

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/jobs", map[string]any{"kind": "scan"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	jobID := decodeMap(t, rec)["id"].(string)

	cfg.JobLeaseTTL = 10 * time.Millisecond
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/jobs/scan-hash/claim", map[string]any{"worker_id": "w1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d (body %s)", rec.Code, rec.Body.String())
	}
	time.Sleep(50 * time.Millisecond)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/jobs/"+jobID+"/heartbeat", map[string]any{"worker_id": "w1"})
	wantDetail(t, rec, http.StatusConflict, "Lease expired")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	job := decodeMap(t, rec)
	if job["status"] != "retryable" {
		t.Fatalf("status after lease expiry = %v, want retryable", job["status"])
	}
	if job["error_code"] != types.ErrorCodeLeaseExpired {
		t.Errorf("error_code = %v, want %s", job["error_code"], types.ErrorCodeLeaseExpired)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/jobs/"+jobID+"/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d (body %s)", rec.Code, rec.Body.String())
	}
	reset := decodeMap(t, rec)
	if reset["status"] != "pending" || reset["error_code"] != nil {
		t.Errorf("reset job = %v/%v, want pending with cleared error", reset["status"], reset["error_code"])
	}

	// A fresh claim under a healthy lease recovers through the stale
	// sweep instead of the heartbeat path.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/jobs/scan-hash/claim", map[string]any{"worker_id": "w2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("re-claim status = %d (body %s)", rec.Code, rec.Body.String())
	}
	time.Sleep(50 * time.Millisecond)
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/jobs/recover-stale", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recover-stale status = %d", rec.Code)
	}
	if got := decodeMap(t, rec)["recovered"]; got != float64(1) {
		t.Errorf("recovered = %v, want 1", got)
	}
}

func TestJobEndpointsReturnNotFound(t *testing.T) {
	srv, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	workerBody := map[string]any{"worker_id": "w1"}
	finishBody := map[string]any{"worker_id": "w1", "success": true}

	tests := []struct {
		name   string
		method string
		path   string
		body   map[string]any
	}{
		{"get", http.MethodGet, "/api/v1/jobs/ghost", nil},
		{"heartbeat", http.MethodPost, "/api/v1/jobs/ghost/heartbeat", workerBody},
		{"finish", http.MethodPost, "/api/v1/jobs/ghost/finish", finishBody},
		{"cancel", http.MethodPost, "/api/v1/jobs/ghost/cancel", map[string]any{}},
		{"reset", http.MethodPost, "/api/v1/jobs/ghost/reset", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tt.body != nil {
				rec = doJSON(t, srv, tt.method, tt.path, tt.body)
			} else {
				rec = doJSON(t, srv, tt.method, tt.path, nil)
			}
			wantDetail(t, rec, http.StatusNotFound, "Job not found: ghost")
		})
	}
}

func TestThumbnailRequestValidation(t *testing.T) {
	srv, store, _, cleanup := setupTestServer(t)
	defer cleanup()

	root := seedRoot(t, store)
	imageFile := seedHashedFile(t, store, root.ID, "photos/cat.jpg", 2048, 0x11)
	textFile := seedHashedFile(t, store, root.ID, "notes/readme.txt", 64, 0x12)

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantDetail string
	}{
		{
			name:       "unknown file",
			body:       map[string]any{"file_id": 999999},
			wantStatus: http.StatusNotFound,
			wantDetail: "File not found: 999999",
		},
		{
			name:       "zero file id",
			body:       map[string]any{"file_id": 0},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "dimension beyond hard cap",
			body:       map[string]any{"file_id": imageFile.ID, "max_dimension": 5000},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "dimension beyond configured cap",
			body:       map[string]any{"file_id": imageFile.ID, "max_dimension": 300},
			wantStatus: http.StatusConflict,
			wantDetail: "max_dimension exceeds configured limit 256",
		},
		{
			name:       "unsupported format",
			body:       map[string]any{"file_id": imageFile.ID, "output_format": "gif"},
			wantStatus: http.StatusConflict,
			wantDetail: "Unsupported thumbnail format: gif. Allowed: jpeg, webp",
		},
		{
			name:       "unsupported media type",
			body:       map[string]any{"file_id": textFile.ID},
			wantStatus: http.StatusConflict,
			wantDetail: "Unsupported media type for thumbnail generation: .txt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/api/v1/thumbs/request", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantDetail != "" {
				body := decodeMap(t, rec)
				if body["detail"] != tt.wantDetail {
					t.Errorf("detail = %v, want %q", body["detail"], tt.wantDetail)
				}
			}
		})
	}
}

func TestThumbnailRequestAndContentFlow(t *testing.T) {
	srv, store, cfg, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	root := seedRoot(t, store)
	file := seedHashedFile(t, store, root.ID, "photos/dog.jpg", 4096, 0x22)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/thumbs/request", map[string]any{"file_id": file.ID})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("request status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	queued := decodeMap(t, rec)
	thumbKey, _ := queued["thumb_key"].(string)
	if len(thumbKey) != 64 {
		t.Fatalf("thumb_key = %q, want 64 hex chars", thumbKey)
	}
	if queued["status"] != "pending" || queued["content_url"] != nil {
		t.Errorf("queued = status %v content_url %v, want pending/null", queued["status"], queued["content_url"])
	}
	if queued["max_dimension"] != float64(256) || queued["format"] != "jpeg" {
		t.Errorf("defaults = %v/%v, want 256/jpeg", queued["max_dimension"], queued["format"])
	}

	// Identical requests collapse onto the existing row.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/thumbs/request", map[string]any{"file_id": file.ID})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("repeat request status = %d", rec.Code)
	}
	if again := decodeMap(t, rec); again["thumb_key"] != thumbKey {
		t.Errorf("repeat thumb_key = %v, want %s", again["thumb_key"], thumbKey)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/thumbs/"+thumbKey+"/content", nil)
	wantDetail(t, rec, http.StatusConflict, "Thumbnail is not ready")

	claimed, err := store.ClaimPendingThumbnail(ctx, "tw1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("failed to claim thumbnail: %v", err)
	}
	if _, err := store.MarkThumbnailReady(ctx, thumbKey, "tw1", 256, 192, 1234); err != nil {
		t.Fatalf("failed to mark thumbnail ready: %v", err)
	}

	// Rendered bytes land under the sharded output path.
	outputPath := filepath.Join(cfg.ThumbsRoot, thumbKey[0:2], thumbKey[2:4], thumbKey+".jpg")
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		t.Fatalf("failed to create output dirs: %v", err)
	}
	rendered := []byte("jpeg-bytes")
	if err := os.WriteFile(outputPath, rendered, 0o644); err != nil {
		t.Fatalf("failed to write rendered file: %v", err)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/thumbs/"+thumbKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	ready := decodeMap(t, rec)
	wantURL := fmt.Sprintf("/api/v1/thumbs/%s/content", thumbKey)
	if ready["status"] != "ready" || ready["content_url"] != wantURL {
		t.Errorf("ready = status %v content_url %v, want ready/%s", ready["status"], ready["content_url"], wantURL)
	}
	if ready["width"] != float64(256) || ready["height"] != float64(192) || ready["bytes_size"] != float64(1234) {
		t.Errorf("dimensions = %v/%v/%v, want 256/192/1234", ready["width"], ready["height"], ready["bytes_size"])
	}

	rec = doJSON(t, srv, http.MethodGet, wantURL, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("content status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Errorf("content type = %q, want image/jpeg", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), rendered) {
		t.Errorf("content body = %q, want %q", rec.Body.Bytes(), rendered)
	}

	if err := os.Remove(outputPath); err != nil {
		t.Fatalf("failed to remove rendered file: %v", err)
	}
	rec = doJSON(t, srv, http.MethodGet, wantURL, nil)
	wantDetail(t, rec, http.StatusNotFound, "Thumbnail file missing")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/thumbs/"+strings.Repeat("0", 64), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", rec.Code)
	}
}

func TestThumbnailQueueCapacityOverHTTP(t *testing.T) {
	srv, store, cfg, cleanup := setupTestServer(t)
	defer cleanup()

	cfg.ThumbnailCapacity = 1
	root := seedRoot(t, store)
	first := seedHashedFile(t, store, root.ID, "a.jpg", 10, 0x31)
	second := seedHashedFile(t, store, root.ID, "b.jpg", 20, 0x32)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/thumbs/request", map[string]any{"file_id": first.ID})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first request status = %d (body %s)", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/thumbs/request", map[string]any{"file_id": second.ID})
	wantDetail(t, rec, http.StatusTooManyRequests, "Thumbnail queue is at capacity; please retry later")
}

func TestScheduleGroupCleanupEndpoint(t *testing.T) {
	srv, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	groupKey := "sha256:" + strings.Repeat("ab", 32)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/thumbs/cleanup/group", map[string]any{"group_key": groupKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("schedule status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	scheduled := decodeMap(t, rec)
	if scheduled["group_key"] != groupKey || scheduled["status"] != "pending" {
		t.Errorf("scheduled = %v/%v, want %s/pending", scheduled["group_key"], scheduled["status"], groupKey)
	}

	// Rescheduling upserts the same row with a fresh deadline.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/thumbs/cleanup/group",
		map[string]any{"group_key": groupKey, "delay_seconds": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("reschedule status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if re := decodeMap(t, rec); re["id"] != scheduled["id"] {
		t.Errorf("reschedule id = %v, want %v", re["id"], scheduled["id"])
	}

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantDetail string
	}{
		{
			name:       "missing group key",
			body:       map[string]any{},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "blank group key",
			body:       map[string]any{"group_key": "   "},
			wantStatus: http.StatusConflict,
			wantDetail: "group_key cannot be blank",
		},
		{
			name:       "negative delay",
			body:       map[string]any{"group_key": groupKey, "delay_seconds": -1},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "delay beyond one day",
			body:       map[string]any{"group_key": groupKey, "delay_seconds": 90000},
			wantStatus: http.StatusUnprocessableEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/api/v1/thumbs/cleanup/group", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantDetail != "" {
				body := decodeMap(t, rec)
				if body["detail"] != tt.wantDetail {
					t.Errorf("detail = %v, want %q", body["detail"], tt.wantDetail)
				}
			}
		})
	}
}

func TestWalCheckpointEndpointFlow(t *testing.T) {
	srv, store, _, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/maintenance/wal/checkpoint/latest", nil)
	wantDetail(t, rec, http.StatusNotFound, "No WAL maintenance jobs found")

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/maintenance/wal/checkpoint", map[string]any{})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("checkpoint status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	created := decodeMap(t, rec)
	if created["requested_mode"] != "passive" || created["status"] != "pending" || created["requested_by"] != "api" {
		t.Errorf("created = %v/%v/%v, want passive/pending/api",
			created["requested_mode"], created["status"], created["requested_by"])
	}
	jobID := created["id"].(float64)

	// A second request coalesces onto the active row.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/maintenance/wal/checkpoint",
		map[string]any{"mode": "restart", "reason": "operator"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("coalesced status = %d (body %s)", rec.Code, rec.Body.String())
	}
	coalesced := decodeMap(t, rec)
	if coalesced["id"] != jobID || coalesced["requested_mode"] != "passive" {
		t.Errorf("coalesced = id %v mode %v, want %v/passive", coalesced["id"], coalesced["requested_mode"], jobID)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/maintenance/wal/checkpoint/latest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest status = %d", rec.Code)
	}
	if latest := decodeMap(t, rec); latest["id"] != jobID {
		t.Errorf("latest id = %v, want %v", latest["id"], jobID)
	}

	claimed, err := store.ClaimPendingWalJob(ctx, "wal-w1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("failed to claim wal job: %v", err)
	}
	busy := false
	logFrames := int64(100)
	checkpointed := int64(100)
	if err := store.FinishWalJob(ctx, claimed.ID, true, &busy, &logFrames, &checkpointed, nil); err != nil {
		t.Fatalf("failed to finish wal job: %v", err)
	}

	// The completed run anchors the minimum interval.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/maintenance/wal/checkpoint", map[string]any{})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("rate-limited status = %d, want 429 (body %s)", rec.Code, rec.Body.String())
	}
	if retryAfter := rec.Header().Get("Retry-After"); retryAfter == "" {
		t.Error("rate-limited response carries no Retry-After header")
	}
	detail, _ := decodeMap(t, rec)["detail"].(string)
	if !strings.HasPrefix(detail, "WAL checkpoint is rate-limited by policy, retry after ") {
		t.Errorf("rate-limited detail = %q", detail)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/maintenance/wal/checkpoint", map[string]any{"force": true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("forced status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if forced := decodeMap(t, rec); forced["id"] == jobID {
		t.Error("forced checkpoint reused the finished row")
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/maintenance/wal/checkpoint", map[string]any{"mode": "truncate", "force": true})
	wantDetail(t, rec, http.StatusConflict, "WAL truncate checkpoint is disabled by policy")

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/maintenance/wal/checkpoint", map[string]any{"mode": "bogus"})
	wantDetail(t, rec, http.StatusUnprocessableEntity, "Invalid WAL checkpoint mode: bogus. Allowed: passive, restart, truncate")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/maintenance/wal/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	walMetrics := decodeMap(t, rec)
	if walMetrics["completed"] != float64(1) || walMetrics["pending"] != float64(1) {
		t.Errorf("wal metrics = completed %v pending %v, want 1/1", walMetrics["completed"], walMetrics["pending"])
	}
	if walMetrics["latest_completed_at"] == nil {
		t.Error("latest_completed_at missing after completed checkpoint")
	}
}

func TestDuplicateEndpoints(t *testing.T) {
	srv, store, _, cleanup := setupTestServer(t)
	defer cleanup()

	root := seedRoot(t, store)
	// One triple and one pair; the singleton never groups.
	seedHashedFile(t, store, root.ID, "t/one.jpg", 10, 0x41)
	seedHashedFile(t, store, root.ID, "t/two.jpg", 10, 0x41)
	seedHashedFile(t, store, root.ID, "t/three.jpg", 10, 0x41)
	seedHashedFile(t, store, root.ID, "p/one.bin", 100, 0x42)
	seedHashedFile(t, store, root.ID, "p/two.bin", 100, 0x42)
	seedHashedFile(t, store, root.ID, "solo.bin", 999, 0x43)

	tripleKey := "sha256:" + hex.EncodeToString(bytes.Repeat([]byte{0x41}, 32))
	pairKey := "sha256:" + hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("groups status = %d (body %s)", rec.Code, rec.Body.String())
	}
	page := decodeMap(t, rec)
	items := page["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("groups = %d, want 2", len(items))
	}
	first := items[0].(map[string]any)
	if first["group_key"] != tripleKey || first["file_count"] != float64(3) {
		t.Errorf("first group = %v/%v, want %s/3", first["group_key"], first["file_count"], tripleKey)
	}
	if first["total_size_bytes"] != float64(30) || first["duplicate_waste_bytes"] != float64(20) {
		t.Errorf("first group sizes = %v/%v, want 30/20", first["total_size_bytes"], first["duplicate_waste_bytes"])
	}
	if page["next_cursor"] != nil {
		t.Errorf("full listing next_cursor = %v, want null", page["next_cursor"])
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups?limit=1", nil)
	pageOne := decodeMap(t, rec)
	cursor, _ := pageOne["next_cursor"].(string)
	if cursor == "" {
		t.Fatal("limited listing returned no cursor")
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups?limit=1&cursor="+cursor, nil)
	pageTwo := decodeMap(t, rec)
	second := pageTwo["items"].([]any)[0].(map[string]any)
	if second["group_key"] != pairKey {
		t.Errorf("page2 group = %v, want %s", second["group_key"], pairKey)
	}

	// A present-but-empty cursor is tolerated on the group listing.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups?cursor=", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("empty cursor status = %d, want 200", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups?cursor=garbage", nil)
	wantDetail(t, rec, http.StatusUnprocessableEntity, "Invalid duplicate groups cursor")
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups?limit=0", nil)
	wantDetail(t, rec, http.StatusUnprocessableEntity, "limit must be between 1 and 1000")
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups?limit=1001", nil)
	wantDetail(t, rec, http.StatusUnprocessableEntity, "limit must be between 1 and 1000")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups/"+tripleKey+"/files", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("files status = %d (body %s)", rec.Code, rec.Body.String())
	}
	files := decodeMap(t, rec)["items"].([]any)
	if len(files) != 3 {
		t.Fatalf("files = %d, want 3", len(files))
	}
	member := files[0].(map[string]any)
	if member["library_name"] != "main" || member["size_bytes"] != float64(10) {
		t.Errorf("member = %v/%v, want main/10", member["library_name"], member["size_bytes"])
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups/md5:"+strings.Repeat("ab", 32)+"/files", nil)
	wantDetail(t, rec, http.StatusUnprocessableEntity, "group_key has unsupported algorithm")

	// The files listing rejects a present-but-empty cursor.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups/"+tripleKey+"/files?cursor=", nil)
	wantDetail(t, rec, http.StatusUnprocessableEntity, "Invalid duplicate files cursor")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/duplicates/groups/"+pairKey+"/files?limit=1", nil)
	pairPage := decodeMap(t, rec)
	if got := len(pairPage["items"].([]any)); got != 1 {
		t.Fatalf("pair page items = %d, want 1", got)
	}
	fileCursor, _ := pairPage["next_cursor"].(string)
	if fileCursor == "" {
		t.Fatal("pair page returned no cursor")
	}
	rec = doJSON(t, srv, http.MethodGet,
		"/api/v1/duplicates/groups/"+pairKey+"/files?limit=1&cursor="+fileCursor, nil)
	rest := decodeMap(t, rec)
	if got := len(rest["items"].([]any)); got != 1 {
		t.Fatalf("pair page2 items = %d, want 1", got)
	}
	if rest["next_cursor"] != nil {
		t.Errorf("pair page2 next_cursor = %v, want null", rest["next_cursor"])
	}
}

func TestMetricsEndpointExposition(t *testing.T) {
	srv, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	doJSON(t, srv, http.MethodGet, "/api/v1/health", nil)
	doJSON(t, srv, http.MethodGet, "/api/v1/jobs/ghost", nil)

	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "dedupfs_http_requests_total") {
		t.Error("exposition lacks the request counter")
	}
	if !strings.Contains(body, `path="/api/v1/health"`) {
		t.Error("exposition lacks the health route label")
	}
	if !strings.Contains(body, `path="/api/v1/jobs/:job_id"`) {
		t.Error("exposition labels use raw paths instead of route templates")
	}
}

func TestUnknownRouteAndMethodBodies(t *testing.T) {
	srv, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/nope", nil)
	wantDetail(t, rec, http.StatusNotFound, "Not Found")

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/health", nil)
	wantDetail(t, rec, http.StatusMethodNotAllowed, "Method Not Allowed")
}
