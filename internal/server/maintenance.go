package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/untoldecay/dedupfs/internal/types"
)

func (s *Server) requestWalCheckpoint(c *gin.Context) {
	var req walCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, types.NewValidation("Invalid request body: %v", err))
		return
	}
	// requested_by is not client-controlled on this route; the service
	// stamps API requests itself.
	job, err := s.maintenance.RequestCheckpoint(c.Request.Context(), req.Mode, req.Force, nil, req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newWalMaintenanceResponse(job))
}

func (s *Server) getLatestWalCheckpoint(c *gin.Context) {
	job, err := s.maintenance.GetLatest(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWalMaintenanceResponse(job))
}

func (s *Server) getWalMetrics(c *gin.Context) {
	m, err := s.maintenance.Metrics(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWalMetricsResponse(m))
}
