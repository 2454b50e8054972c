// Package duplicates serves the read-only aggregation queries over the
// hashed library catalog: groups of identically hashed files and each
// group's member files, keyset-paginated so UI virtualization can walk
// arbitrarily large catalogs.
package duplicates

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/untoldecay/dedupfs/internal/config"
	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/types"
)

// groupHashHexLen is the hex digest length shared by both supported hash
// algorithms (32-byte digests).
const groupHashHexLen = 64

// Service answers duplicate-group queries.
type Service struct {
	store storage.Storage
	cfg   *config.Config
}

// New returns a duplicates service backed by store.
func New(store storage.Storage, cfg *config.Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// ListGroups returns one keyset page of duplicate groups ordered by
// file_count DESC, total_size_bytes DESC, hash_algorithm ASC,
// content_hash_hex ASC. limit defaults from configuration when nil and is
// clamped to the configured maximum.
func (s *Service) ListGroups(ctx context.Context, limit *int, cursor *string) (*types.DuplicateGroupPage, error) {
	bounded := s.normalizeLimit(limit)

	var after *types.DuplicateGroupCursor
	if cursor != nil && *cursor != "" {
		decoded, err := decodeGroupCursor(*cursor)
		if err != nil {
			return nil, err
		}
		after = decoded
	}

	rows, err := s.store.ListDuplicateGroups(ctx, bounded+1, after)
	if err != nil {
		return nil, err
	}

	page := &types.DuplicateGroupPage{Items: rows}
	if len(rows) > bounded {
		page.Items = rows[:bounded]
		encoded := encodeGroupCursor(page.Items[len(page.Items)-1])
		page.NextCursor = &encoded
	}
	return page, nil
}

// ListGroupFiles returns one keyset page of a group's member files ordered
// by file id. The cursor is the last file id of the previous page.
func (s *Service) ListGroupFiles(ctx context.Context, groupKey string, limit *int, cursor *string) (*types.DuplicateFilePage, error) {
	bounded := s.normalizeLimit(limit)
	afterFileID, err := normalizeFileCursor(cursor)
	if err != nil {
		return nil, err
	}
	algorithm, contentHash, err := parseGroupKey(groupKey)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ListDuplicateGroupFiles(ctx, algorithm, contentHash, afterFileID, bounded+1)
	if err != nil {
		return nil, err
	}

	page := &types.DuplicateFilePage{Items: rows}
	if len(rows) > bounded {
		page.Items = rows[:bounded]
		encoded := strconv.FormatInt(page.Items[len(page.Items)-1].FileID, 10)
		page.NextCursor = &encoded
	}
	return page, nil
}

func (s *Service) normalizeLimit(limit *int) int {
	if limit == nil {
		return s.cfg.DefaultPageSize
	}
	bounded := *limit
	if bounded < 1 {
		bounded = 1
	}
	if bounded > s.cfg.MaxPageSize {
		bounded = s.cfg.MaxPageSize
	}
	return bounded
}

// groupCursorPayload is the JSON wire form of a group cursor. Fields are
// declared in sorted-key order so the compact encoding is canonical and
// cursors compare byte-for-byte.
type groupCursorPayload struct {
	ContentHashHex string `json:"content_hash_hex"`
	FileCount      int64  `json:"file_count"`
	HashAlgorithm  string `json:"hash_algorithm"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
}

// encodeGroupCursor packs a group's full sort key into an unpadded
// URL-safe base64 token.
func encodeGroupCursor(group *types.DuplicateGroup) string {
	raw, _ := json.Marshal(groupCursorPayload{
		ContentHashHex: group.ContentHashHex,
		FileCount:      group.FileCount,
		HashAlgorithm:  string(group.HashAlgorithm),
		TotalSizeBytes: group.TotalSizeBytes,
	})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeGroupCursor validates and unpacks a group cursor. Padding is
// tolerated on input. Every malformed shape collapses onto one message so
// the token stays opaque to clients.
func decodeGroupCursor(cursor string) (*types.DuplicateGroupCursor, error) {
	invalid := types.NewValidation("Invalid duplicate groups cursor")

	token := strings.TrimSpace(cursor)
	if token == "" {
		return nil, invalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, invalid
	}
	var payload groupCursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, invalid
	}

	algorithm := types.HashAlgorithm(strings.ToLower(payload.HashAlgorithm))
	if !algorithm.IsValid() {
		return nil, invalid
	}
	hashHex := strings.ToLower(payload.ContentHashHex)
	if len(hashHex) != groupHashHexLen {
		return nil, invalid
	}
	if _, err := hex.DecodeString(hashHex); err != nil {
		return nil, invalid
	}
	if payload.FileCount < 2 || payload.TotalSizeBytes < 1 {
		return nil, invalid
	}

	return &types.DuplicateGroupCursor{
		FileCount:      payload.FileCount,
		TotalSizeBytes: payload.TotalSizeBytes,
		HashAlgorithm:  algorithm,
		ContentHashHex: hashHex,
	}, nil
}

func normalizeFileCursor(cursor *string) (int64, error) {
	if cursor == nil {
		return 0, nil
	}
	token := strings.TrimSpace(*cursor)
	if token == "" {
		return 0, types.NewValidation("Invalid duplicate files cursor")
	}
	anchor, err := strconv.ParseInt(token, 10, 64)
	if err != nil || anchor < 1 {
		return 0, types.NewValidation("Invalid duplicate files cursor")
	}
	return anchor, nil
}

// parseGroupKey splits "<algorithm>:<hash_hex>" into its validated parts.
func parseGroupKey(groupKey string) (types.HashAlgorithm, []byte, error) {
	token := strings.ToLower(strings.TrimSpace(groupKey))
	if token == "" {
		return "", nil, types.NewValidation("group_key cannot be blank")
	}
	algorithmRaw, hashHex, found := strings.Cut(token, ":")
	if !found {
		return "", nil, types.NewValidation("group_key must follow <algorithm>:<hash_hex>")
	}
	algorithm := types.HashAlgorithm(algorithmRaw)
	if !algorithm.IsValid() {
		return "", nil, types.NewValidation("group_key has unsupported algorithm")
	}
	if len(hashHex) != groupHashHexLen {
		return "", nil, types.NewValidation("group_key hash_hex length must be %d for algorithm %s", groupHashHexLen, algorithm)
	}
	contentHash, err := hex.DecodeString(hashHex)
	if err != nil {
		return "", nil, types.NewValidation("group_key hash_hex is not valid hex")
	}
	return algorithm, contentHash, nil
}
