package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/untoldecay/dedupfs/internal/types"
)

// duplicateGroupsSQL pins ix_library_files_dedup_group so the grouping
// walks the covering index instead of scanning library_files.
const duplicateGroupsSQL = `
	WITH grouped AS (
	    SELECT
	        hash_algorithm,
	        lower(hex(content_hash)) AS content_hash_hex,
	        COUNT(1) AS file_count,
	        SUM(size_bytes) AS total_size_bytes,
	        SUM(size_bytes) - MIN(size_bytes) AS duplicate_waste_bytes,
	        MIN(id) AS sample_file_id
	    FROM library_files INDEXED BY ix_library_files_dedup_group
	    WHERE is_missing = 0
	      AND needs_hash = 0
	      AND hash_algorithm IS NOT NULL
	      AND content_hash IS NOT NULL
	    GROUP BY hash_algorithm, content_hash
	    HAVING COUNT(1) > 1
	)
	SELECT
	    hash_algorithm,
	    content_hash_hex,
	    file_count,
	    total_size_bytes,
	    duplicate_waste_bytes,
	    sample_file_id
	FROM grouped
`

// ListDuplicateGroups aggregates identically hashed files into duplicate
// groups ordered (file_count DESC, total_size_bytes DESC, hash_algorithm
// ASC, content_hash_hex ASC). The optional cursor anchors keyset
// pagination on the full sort key.
func (s *Store) ListDuplicateGroups(ctx context.Context, limit int, after *types.DuplicateGroupCursor) ([]*types.DuplicateGroup, error) {
	if limit < 1 {
		limit = 1
	}

	query := duplicateGroupsSQL
	var args []any
	if after != nil {
		query += `
		WHERE (file_count < ?
		    OR (file_count = ? AND total_size_bytes < ?)
		    OR (file_count = ? AND total_size_bytes = ? AND hash_algorithm > ?)
		    OR (file_count = ? AND total_size_bytes = ? AND hash_algorithm = ? AND content_hash_hex > ?))
		`
		args = append(args,
			after.FileCount,
			after.FileCount, after.TotalSizeBytes,
			after.FileCount, after.TotalSizeBytes, string(after.HashAlgorithm),
			after.FileCount, after.TotalSizeBytes, string(after.HashAlgorithm), after.ContentHashHex,
		)
	}
	query += `
		ORDER BY file_count DESC, total_size_bytes DESC, hash_algorithm ASC, content_hash_hex ASC
		LIMIT ?
	`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.NewQueryError("Failed to aggregate duplicate groups: %v", err)
	}
	defer rows.Close()

	var items []*types.DuplicateGroup
	for rows.Next() {
		var (
			group     types.DuplicateGroup
			algorithm string
		)
		err := rows.Scan(&algorithm, &group.ContentHashHex, &group.FileCount,
			&group.TotalSizeBytes, &group.DuplicateWasteBytes, &group.SampleFileID)
		if err != nil {
			return nil, types.NewQueryError("Failed to scan duplicate group row: %v", err)
		}
		group.HashAlgorithm = types.HashAlgorithm(strings.ToLower(algorithm))
		if !group.HashAlgorithm.IsValid() {
			return nil, types.NewQueryError("Invalid hash algorithm value found in duplicate group rows")
		}
		group.ContentHashHex = strings.ToLower(group.ContentHashHex)
		group.GroupKey = string(group.HashAlgorithm) + ":" + group.ContentHashHex
		items = append(items, &group)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewQueryError("Failed to iterate duplicate group rows: %v", err)
	}
	return items, nil
}

// ListDuplicateGroupFiles returns one group's member files joined with
// their library root, ordered by file id. afterFileID of 0 means no
// cursor; otherwise only rows with a greater id are returned.
func (s *Store) ListDuplicateGroupFiles(ctx context.Context, algorithm types.HashAlgorithm, contentHash []byte, afterFileID int64, limit int) ([]*types.DuplicateFile, error) {
	if limit < 1 {
		limit = 1
	}

	query := `
		SELECT
		    lf.id,
		    lf.library_id,
		    lr.name,
		    lf.relative_path,
		    lf.size_bytes,
		    lf.mtime_ns,
		    lf.hashed_at
		FROM library_files AS lf INDEXED BY ix_library_files_dedup_group
		JOIN library_roots AS lr ON lr.id = lf.library_id
		WHERE lf.is_missing = 0
		  AND lf.needs_hash = 0
		  AND lf.hash_algorithm = ?
		  AND lf.content_hash = ?
	`
	args := []any{string(algorithm), contentHash}
	if afterFileID > 0 {
		query += ` AND lf.id > ?`
		args = append(args, afterFileID)
	}
	query += `
		ORDER BY lf.id ASC
		LIMIT ?
	`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.NewQueryError("Failed to list duplicate group files: %v", err)
	}
	defer rows.Close()

	var items []*types.DuplicateFile
	for rows.Next() {
		var (
			file     types.DuplicateFile
			hashedAt sql.NullTime
		)
		err := rows.Scan(&file.FileID, &file.LibraryID, &file.LibraryName,
			&file.RelativePath, &file.SizeBytes, &file.MtimeNs, &hashedAt)
		if err != nil {
			return nil, types.NewQueryError("Failed to scan duplicate file row: %v", err)
		}
		file.HashedAt = nullTimePtr(hashedAt)
		items = append(items, &file)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewQueryError("Failed to iterate duplicate file rows: %v", err)
	}
	return items, nil
}
