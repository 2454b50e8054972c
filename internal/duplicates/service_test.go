package duplicates

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/untoldecay/dedupfs/internal/clock"
	"github.com/untoldecay/dedupfs/internal/config"
	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/storage/sqlite"
	"github.com/untoldecay/dedupfs/internal/types"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func setupTestService(t *testing.T) (*Service, storage.Storage, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "dedupfs-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(tmpDir, "control.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open store: %v", err)
	}

	cfg := &config.Config{
		Environment:     "test",
		LibrariesRoot:   "/libraries",
		StateRoot:       tmpDir,
		DefaultPageSize: 100,
		MaxPageSize:     1000,
	}

	svc := New(store, cfg)
	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return svc, store, cleanup
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

func cursorToken(t *testing.T, payload map[string]any) string {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal cursor payload: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestListGroupsOrdersByCountThenSize(t *testing.T) {
	svc, store, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()
	root := seedRoot(t, store)

	// Triple behind 0x0a, two pairs behind 0x0b and 0x0c, one singleton.
	seedHashedFile(t, store, root.ID, "a/one.jpg", 10, 0x0a)
	seedHashedFile(t, store, root.ID, "a/two.jpg", 10, 0x0a)
	seedHashedFile(t, store, root.ID, "a/three.jpg", 10, 0x0a)
	seedHashedFile(t, store, root.ID, "b/one.bin", 100, 0x0b)
	seedHashedFile(t, store, root.ID, "b/two.bin", 100, 0x0b)
	seedHashedFile(t, store, root.ID, "c/one.bin", 5, 0x0c)
	seedHashedFile(t, store, root.ID, "c/two.bin", 5, 0x0c)
	seedHashedFile(t, store, root.ID, "solo.bin", 999, 0x0d)

	page, err := svc.ListGroups(ctx, nil, nil)
	if err != nil {
		t.Fatalf("ListGroups returned error: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(page.Items))
	}
	if page.NextCursor != nil {
		t.Fatalf("expected no next cursor for a complete page, got %q", *page.NextCursor)
	}

	wantHex := []string{
		strings.Repeat("0a", 32),
		strings.Repeat("0b", 32),
		strings.Repeat("0c", 32),
	}
	for i, group := range page.Items {
		if group.ContentHashHex != wantHex[i] {
			t.Errorf("group %d: expected hash %s, got %s", i, wantHex[i], group.ContentHashHex)
		}
	}

	first := page.Items[0]
	if first.GroupKey != "sha256:"+wantHex[0] {
		t.Errorf("expected group key sha256:%s, got %s", wantHex[0], first.GroupKey)
	}
	if first.FileCount != 3 {
		t.Errorf("expected file count 3, got %d", first.FileCount)
	}
	if first.TotalSizeBytes != 30 {
		t.Errorf("expected total size 30, got %d", first.TotalSizeBytes)
	}
	if first.DuplicateWasteBytes != 20 {
		t.Errorf("expected waste 20, got %d", first.DuplicateWasteBytes)
	}
	if first.SampleFileID == 0 {
		t.Error("expected a sample file id")
	}
}

func TestListGroupsPaginatesWithCursor(t *testing.T) {
	svc, store, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()
	root := seedRoot(t, store)

	seedHashedFile(t, store, root.ID, "a/one.jpg", 10, 0x0a)
	seedHashedFile(t, store, root.ID, "a/two.jpg", 10, 0x0a)
	seedHashedFile(t, store, root.ID, "a/three.jpg", 10, 0x0a)
	seedHashedFile(t, store, root.ID, "b/one.bin", 100, 0x0b)
	seedHashedFile(t, store, root.ID, "b/two.bin", 100, 0x0b)
	seedHashedFile(t, store, root.ID, "c/one.bin", 5, 0x0c)
	seedHashedFile(t, store, root.ID, "c/two.bin", 5, 0x0c)

	first, err := svc.ListGroups(ctx, intPtr(2), nil)
	if err != nil {
		t.Fatalf("ListGroups returned error: %v", err)
	}
	if len(first.Items) != 2 {
		t.Fatalf("expected 2 groups on the first page, got %d", len(first.Items))
	}
	if first.NextCursor == nil {
		t.Fatal("expected a next cursor on the first page")
	}
	if strings.Contains(*first.NextCursor, "=") {
		t.Errorf("cursor should be unpadded base64, got %q", *first.NextCursor)
	}

	second, err := svc.ListGroups(ctx, intPtr(2), first.NextCursor)
	if err != nil {
		t.Fatalf("ListGroups with cursor returned error: %v", err)
	}
	if len(second.Items) != 1 {
		t.Fatalf("expected 1 group on the second page, got %d", len(second.Items))
	}
	if second.Items[0].ContentHashHex != strings.Repeat("0c", 32) {
		t.Errorf("expected the smallest pair last, got %s", second.Items[0].ContentHashHex)
	}
	if second.NextCursor != nil {
		t.Fatalf("expected no cursor past the last page, got %q", *second.NextCursor)
	}

	// A zero limit clamps up to one item per page.
	clamped, err := svc.ListGroups(ctx, intPtr(0), nil)
	if err != nil {
		t.Fatalf("ListGroups with zero limit returned error: %v", err)
	}
	if len(clamped.Items) != 1 || clamped.NextCursor == nil {
		t.Errorf("expected a single clamped item with a cursor, got %d items", len(clamped.Items))
	}
}

func TestListGroupsSkipsUnhashedAndMissingFiles(t *testing.T) {
	svc, store, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()
	root := seedRoot(t, store)

	seedHashedFile(t, store, root.ID, "d/one.bin", 10, 0xaa)
	seedHashedFile(t, store, root.ID, "d/two.bin", 10, 0xaa)

	algorithm := types.HashAlgorithmSHA256
	stale := &types.LibraryFile{
		LibraryID:     root.ID,
		RelativePath:  "d/stale.bin",
		SizeBytes:     10,
		MtimeNs:       1700000000000000000,
		NeedsHash:     true,
		HashAlgorithm: &algorithm,
		ContentHash:   bytes.Repeat([]byte{0xaa}, 32),
	}
	if err := store.InsertLibraryFile(ctx, stale); err != nil {
		t.Fatalf("failed to seed stale file: %v", err)
	}
	missing := &types.LibraryFile{
		LibraryID:     root.ID,
		RelativePath:  "d/missing.bin",
		SizeBytes:     10,
		MtimeNs:       1700000000000000000,
		IsMissing:     true,
		HashAlgorithm: &algorithm,
		ContentHash:   bytes.Repeat([]byte{0xaa}, 32),
	}
	if err := store.InsertLibraryFile(ctx, missing); err != nil {
		t.Fatalf("failed to seed missing file: %v", err)
	}

	page, err := svc.ListGroups(ctx, nil, nil)
	if err != nil {
		t.Fatalf("ListGroups returned error: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 group, got %d", len(page.Items))
	}
	if page.Items[0].FileCount != 2 {
		t.Errorf("expected only live hashed files counted, got %d", page.Items[0].FileCount)
	}
	if page.Items[0].TotalSizeBytes != 20 {
		t.Errorf("expected total size 20, got %d", page.Items[0].TotalSizeBytes)
	}
}

func TestGroupCursorRoundTrip(t *testing.T) {
	group := &types.DuplicateGroup{
		GroupKey:       "sha256:" + strings.Repeat("ab", 32),
		HashAlgorithm:  types.HashAlgorithmSHA256,
		ContentHashHex: strings.Repeat("ab", 32),
		FileCount:      4,
		TotalSizeBytes: 4096,
	}

	token := encodeGroupCursor(group)
	if strings.Contains(token, "=") {
		t.Fatalf("expected unpadded token, got %q", token)
	}

	decoded, err := decodeGroupCursor(token)
	if err != nil {
		t.Fatalf("decodeGroupCursor returned error: %v", err)
	}
	if decoded.FileCount != 4 || decoded.TotalSizeBytes != 4096 {
		t.Errorf("decoded counts mismatch: %+v", decoded)
	}
	if decoded.HashAlgorithm != types.HashAlgorithmSHA256 {
		t.Errorf("expected sha256, got %s", decoded.HashAlgorithm)
	}
	if decoded.ContentHashHex != group.ContentHashHex {
		t.Errorf("expected hash %s, got %s", group.ContentHashHex, decoded.ContentHashHex)
	}

	// Padded input is tolerated.
	padded, err := decodeGroupCursor(token + "==")
	if err != nil {
		t.Fatalf("padded token should decode: %v", err)
	}
	if padded.ContentHashHex != decoded.ContentHashHex {
		t.Error("padded token decoded differently")
	}

	// Uppercase fields normalize to lowercase.
	upper := cursorToken(t, map[string]any{
		"content_hash_hex": strings.ToUpper(strings.Repeat("ab", 32)),
		"file_count":       2,
		"hash_algorithm":   "SHA256",
		"total_size_bytes": 1,
	})
	normalized, err := decodeGroupCursor(upper)
	if err != nil {
		t.Fatalf("uppercase token should decode: %v", err)
	}
	if normalized.HashAlgorithm != types.HashAlgorithmSHA256 {
		t.Errorf("expected lowercased algorithm, got %s", normalized.HashAlgorithm)
	}
	if normalized.ContentHashHex != strings.Repeat("ab", 32) {
		t.Errorf("expected lowercased hash, got %s", normalized.ContentHashHex)
	}
}

func TestDecodeGroupCursorRejectsMalformedTokens(t *testing.T) {
	validHex := strings.Repeat("ab", 32)

	tests := []struct {
		name  string
		token string
	}{
		{name: "whitespace only", token: "   "},
		{name: "not base64", token: "%%%%"},
		{name: "not json", token: base64.RawURLEncoding.EncodeToString([]byte("not-json"))},
		{name: "truncated json", token: base64.RawURLEncoding.EncodeToString([]byte(`{"file_count":`))},
	}

	svc, _, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	payloadCases := []struct {
		name    string
		payload map[string]any
	}{
		{
			name: "string file count",
			payload: map[string]any{
				"content_hash_hex": validHex, "file_count": "2",
				"hash_algorithm": "sha256", "total_size_bytes": 1,
			},
		},
		{
			name: "unknown algorithm",
			payload: map[string]any{
				"content_hash_hex": validHex, "file_count": 2,
				"hash_algorithm": "md5", "total_size_bytes": 1,
			},
		},
		{
			name: "short hash",
			payload: map[string]any{
				"content_hash_hex": "abcd", "file_count": 2,
				"hash_algorithm": "sha256", "total_size_bytes": 1,
			},
		},
		{
			name: "non-hex hash",
			payload: map[string]any{
				"content_hash_hex": strings.Repeat("z", 64), "file_count": 2,
				"hash_algorithm": "sha256", "total_size_bytes": 1,
			},
		},
		{
			name: "file count below two",
			payload: map[string]any{
				"content_hash_hex": validHex, "file_count": 1,
				"hash_algorithm": "sha256", "total_size_bytes": 1,
			},
		},
		{
			name: "zero total size",
			payload: map[string]any{
				"content_hash_hex": validHex, "file_count": 2,
				"hash_algorithm": "sha256", "total_size_bytes": 0,
			},
		},
	}
	for _, pc := range payloadCases {
		tests = append(tests, struct {
			name  string
			token string
		}{name: pc.name, token: cursorToken(t, pc.payload)})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ListGroups(ctx, nil, strPtr(tt.token))
			if !types.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if err.Error() != "Invalid duplicate groups cursor" {
				t.Errorf("unexpected message: %q", err.Error())
			}
		})
	}
}

func TestListGroupFilesPaginates(t *testing.T) {
	svc, store, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()
	root := seedRoot(t, store)

	one := seedHashedFile(t, store, root.ID, "e/one.bin", 7, 0xee)
	two := seedHashedFile(t, store, root.ID, "e/two.bin", 7, 0xee)
	three := seedHashedFile(t, store, root.ID, "e/three.bin", 7, 0xee)

	groupKey := "sha256:" + strings.Repeat("ee", 32)

	first, err := svc.ListGroupFiles(ctx, groupKey, intPtr(2), nil)
	if err != nil {
		t.Fatalf("ListGroupFiles returned error: %v", err)
	}
	if len(first.Items) != 2 {
		t.Fatalf("expected 2 files on the first page, got %d", len(first.Items))
	}
	if first.Items[0].FileID != one.ID || first.Items[1].FileID != two.ID {
		t.Errorf("expected files ordered by id, got %d then %d", first.Items[0].FileID, first.Items[1].FileID)
	}
	if first.Items[0].LibraryName != "main" {
		t.Errorf("expected library name main, got %s", first.Items[0].LibraryName)
	}
	if first.Items[0].RelativePath != "e/one.bin" {
		t.Errorf("expected relative path e/one.bin, got %s", first.Items[0].RelativePath)
	}
	if first.Items[0].HashedAt == nil {
		t.Error("expected hashed_at to be populated")
	}
	if first.NextCursor == nil {
		t.Fatal("expected a next cursor on the first page")
	}
	if *first.NextCursor != strconv.FormatInt(two.ID, 10) {
		t.Errorf("expected cursor %d, got %q", two.ID, *first.NextCursor)
	}

	second, err := svc.ListGroupFiles(ctx, groupKey, intPtr(2), first.NextCursor)
	if err != nil {
		t.Fatalf("ListGroupFiles with cursor returned error: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].FileID != three.ID {
		t.Fatalf("expected the third file alone on the second page, got %d items", len(second.Items))
	}
	if second.NextCursor != nil {
		t.Fatalf("expected no cursor past the last page, got %q", *second.NextCursor)
	}

	// Group keys are case-insensitive.
	upper, err := svc.ListGroupFiles(ctx, strings.ToUpper(groupKey), nil, nil)
	if err != nil {
		t.Fatalf("uppercase group key should work: %v", err)
	}
	if len(upper.Items) != 3 {
		t.Errorf("expected 3 files for uppercase key, got %d", len(upper.Items))
	}
}

func TestListGroupFilesUnknownGroupReturnsEmptyPage(t *testing.T) {
	svc, _, cleanup := setupTestService(t)
	defer cleanup()

	page, err := svc.ListGroupFiles(context.Background(), "sha256:"+strings.Repeat("77", 32), nil, nil)
	if err != nil {
		t.Fatalf("ListGroupFiles returned error: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected an empty page, got %d items", len(page.Items))
	}
	if page.NextCursor != nil {
		t.Fatal("expected no cursor for an empty page")
	}
}

func TestListGroupFilesRejectsBadGroupKeys(t *testing.T) {
	svc, _, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		name     string
		groupKey string
		wantMsg  string
	}{
		{name: "blank", groupKey: "", wantMsg: "group_key cannot be blank"},
		{name: "whitespace", groupKey: "   ", wantMsg: "group_key cannot be blank"},
		{name: "missing separator", groupKey: "sha256", wantMsg: "group_key must follow <algorithm>:<hash_hex>"},
		{name: "unsupported algorithm", groupKey: "md5:" + strings.Repeat("ab", 32), wantMsg: "group_key has unsupported algorithm"},
		{name: "short hash", groupKey: "sha256:abcd", wantMsg: "group_key hash_hex length must be 64 for algorithm sha256"},
		{name: "non-hex hash", groupKey: "sha256:" + strings.Repeat("z", 64), wantMsg: "group_key hash_hex is not valid hex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ListGroupFiles(ctx, tt.groupKey, nil, nil)
			if !types.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("expected %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestListGroupFilesRejectsBadFileCursor(t *testing.T) {
	svc, _, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()
	groupKey := "sha256:" + strings.Repeat("ab", 32)

	for _, cursor := range []string{"abc", "0", "-5", "", "  "} {
		_, err := svc.ListGroupFiles(ctx, groupKey, nil, strPtr(cursor))
		if !types.IsValidation(err) {
			t.Fatalf("cursor %q: expected validation error, got %v", cursor, err)
		}
		if err.Error() != "Invalid duplicate files cursor" {
			t.Errorf("cursor %q: unexpected message %q", cursor, err.Error())
		}
	}
}
