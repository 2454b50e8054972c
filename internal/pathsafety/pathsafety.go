// Package pathsafety validates user-supplied relative paths before they are
// joined onto trusted roots. Every mutating operation that touches the
// filesystem goes through ResolveUnder.
package pathsafety

import (
	"path/filepath"
	"strings"

	"github.com/untoldecay/dedupfs/internal/types"
)

// ValidateRelativePath rejects absolute paths, parent traversal, and the
// home/env expansion markers. Returns the cleaned relative path.
func ValidateRelativePath(raw string) (string, error) {
	if strings.HasPrefix(raw, "/") {
		return "", types.NewPolicy("Path must be relative to /libraries")
	}
	for _, part := range strings.Split(filepath.ToSlash(raw), "/") {
		if part == ".." {
			return "", types.NewPolicy("Path traversal is not allowed")
		}
	}
	if strings.Contains(raw, "~") {
		return "", types.NewPolicy("Home expansion is not allowed")
	}
	if strings.Contains(raw, "$") {
		return "", types.NewPolicy("Environment variable expansion is not allowed")
	}
	return filepath.Clean(raw), nil
}

// ResolveUnder validates raw and resolves it beneath root without requiring
// the target to exist. The result is the root itself or a strict
// descendant; anything else is a policy error.
func ResolveUnder(root, raw string) (string, error) {
	rel, err := ValidateRelativePath(raw)
	if err != nil {
		return "", err
	}
	cleanRoot := filepath.Clean(root)
	candidate := filepath.Clean(filepath.Join(cleanRoot, rel))
	if !isWithin(cleanRoot, candidate) {
		return "", types.NewPolicy("Path escapes libraries root")
	}
	return candidate, nil
}

// ResolveUnderRoot is ResolveUnder with a caller-supplied escape message,
// used where the trusted root is not the libraries root (thumbs output).
func ResolveUnderRoot(root, raw, escapeMessage string) (string, error) {
	rel, err := ValidateRelativePath(raw)
	if err != nil {
		return "", err
	}
	cleanRoot := filepath.Clean(root)
	candidate := filepath.Clean(filepath.Join(cleanRoot, rel))
	if !isWithin(cleanRoot, candidate) {
		return "", types.NewPolicy("%s", escapeMessage)
	}
	return candidate, nil
}

// IsWithin reports whether candidate equals root or sits beneath it. Both
// paths must already be clean and absolute-or-equally-rooted.
func IsWithin(root, candidate string) bool {
	return isWithin(filepath.Clean(root), filepath.Clean(candidate))
}

func isWithin(cleanRoot, cleanCandidate string) bool {
	if cleanCandidate == cleanRoot {
		return true
	}
	return strings.HasPrefix(cleanCandidate, cleanRoot+string(filepath.Separator))
}
