package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/untoldecay/dedupfs/internal/types"
)

func (s *Server) listDuplicateGroups(c *gin.Context) {
	limit, cursor, err := s.duplicateListQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	page, err := s.duplicates.ListGroups(c.Request.Context(), limit, cursor)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDuplicateGroupListResponse(page))
}

func (s *Server) listDuplicateGroupFiles(c *gin.Context) {
	limit, cursor, err := s.duplicateListQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	page, err := s.duplicates.ListGroupFiles(c.Request.Context(), c.Param("group_key"), limit, cursor)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDuplicateFileListResponse(page))
}

// duplicateListQuery parses the shared limit/cursor query parameters.
// Bounds come from the configured page sizes; an absent limit defers to
// the service default. A present-but-empty cursor is forwarded as-is:
// the group listing tolerates it, the files listing rejects it.
func (s *Server) duplicateListQuery(c *gin.Context) (*int, *string, error) {
	var limit *int
	if raw, ok := c.GetQuery("limit"); ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, nil, types.NewValidation("Invalid limit: %s", raw)
		}
		if parsed < 1 || parsed > s.cfg.MaxPageSize {
			return nil, nil, types.NewValidation("limit must be between 1 and %d", s.cfg.MaxPageSize)
		}
		limit = &parsed
	}
	var cursor *string
	if raw, ok := c.GetQuery("cursor"); ok {
		cursor = &raw
	}
	return limit, cursor, nil
}
