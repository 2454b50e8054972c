package server

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/untoldecay/dedupfs/internal/types"
)

func (s *Server) requestThumbnail(c *gin.Context) {
	var req requestThumbnailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, types.NewValidation("Invalid request body: %v", err))
		return
	}
	thumb, err := s.thumbs.Request(c.Request.Context(), req.FileID, req.MaxDimension, req.OutputFormat)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newThumbnailResponse(thumb))
}

func (s *Server) getThumbnailMetrics(c *gin.Context) {
	m, err := s.thumbs.Metrics(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newThumbnailMetricsResponse(m))
}

func (s *Server) getThumbnail(c *gin.Context) {
	thumb, err := s.thumbs.Get(c.Request.Context(), c.Param("thumb_key"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newThumbnailResponse(thumb))
}

// getThumbnailContent streams the rendered file. The output path is
// re-validated against the thumbs root on every read; rows are not
// trusted just because a worker wrote them.
func (s *Server) getThumbnailContent(c *gin.Context) {
	thumb, err := s.thumbs.Get(c.Request.Context(), c.Param("thumb_key"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if thumb.Status != types.ThumbnailStatusReady {
		c.JSON(http.StatusConflict, gin.H{"detail": "Thumbnail is not ready"})
		return
	}

	path, err := s.thumbs.ResolveContentPath(thumb)
	if err != nil {
		s.writeError(c, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Thumbnail file missing"})
		return
	}

	c.Header("Content-Type", thumb.Format.ContentType())
	c.File(path)
}

func (s *Server) scheduleGroupCleanup(c *gin.Context) {
	var req scheduleGroupCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, types.NewValidation("Invalid request body: %v", err))
		return
	}
	job, err := s.thumbs.ScheduleGroupCleanup(c.Request.Context(), req.GroupKey, req.DelaySeconds)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newThumbnailCleanupResponse(job))
}
