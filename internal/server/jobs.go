package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/untoldecay/dedupfs/internal/jobs"
	"github.com/untoldecay/dedupfs/internal/types"
)

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, types.NewValidation("Invalid request body: %v", err))
		return
	}
	job, err := s.jobs.Create(c.Request.Context(), types.JobKind(req.Kind), req.Payload, req.DryRun)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newJobResponse(job))
}

func (s *Server) listJobs(c *gin.Context) {
	filter := types.JobFilter{Limit: jobs.DefaultListLimit}
	if raw, ok := c.GetQuery("limit"); ok {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(c, types.NewValidation("Invalid limit: %s", raw))
			return
		}
		if limit < 1 || limit > jobs.MaxListLimit {
			s.writeError(c, types.NewValidation("limit must be between 1 and %d", jobs.MaxListLimit))
			return
		}
		filter.Limit = limit
	}
	if cursor, ok := c.GetQuery("cursor"); ok && cursor != "" {
		filter.Cursor = &cursor
	}
	if raw, ok := c.GetQuery("status"); ok && raw != "" {
		status := types.JobStatus(raw)
		filter.Status = &status
	}
	if raw, ok := c.GetQuery("kind"); ok && raw != "" {
		kind := types.JobKind(raw)
		filter.Kind = &kind
	}

	page, err := s.jobs.List(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobListResponse(page))
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (s *Server) claimScanHashJob(c *gin.Context) {
	var req claimJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, types.NewValidation("Invalid request body: %v", err))
		return
	}
	job, err := s.jobs.Claim(c.Request.Context(), req.WorkerID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "No pending scan/hash job available"})
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (s *Server) heartbeatJob(c *gin.Context) {
	var req jobProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, types.NewValidation("Invalid request body: %v", err))
		return
	}
	job, err := s.jobs.Heartbeat(c.Request.Context(), c.Param("job_id"), req.WorkerID, req.Progress, req.ProcessedItems)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (s *Server) finishJob(c *gin.Context) {
	var req finishJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, types.NewValidation("Invalid request body: %v", err))
		return
	}
	job, err := s.jobs.Finish(c.Request.Context(), c.Param("job_id"), req.WorkerID, *req.Success, req.ErrorMessage)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (s *Server) cancelJob(c *gin.Context) {
	var req cancelJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, types.NewValidation("Invalid request body: %v", err))
		return
	}
	job, err := s.jobs.Cancel(c.Request.Context(), c.Param("job_id"), req.ErrorMessage)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (s *Server) resetJob(c *gin.Context) {
	job, err := s.jobs.Reset(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (s *Server) recoverStaleJobs(c *gin.Context) {
	recovered, err := s.jobs.RecoverStale(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovered": recovered})
}
