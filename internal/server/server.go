// Package server exposes the control plane over HTTP: the /api/v1 JSON
// surface for jobs, thumbnails, WAL maintenance, and duplicate queries,
// plus /metrics in prometheus exposition format. Handlers translate the
// service error taxonomy into status codes and never leak internals.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/untoldecay/dedupfs/internal/clock"
	"github.com/untoldecay/dedupfs/internal/config"
	"github.com/untoldecay/dedupfs/internal/duplicates"
	"github.com/untoldecay/dedupfs/internal/jobs"
	"github.com/untoldecay/dedupfs/internal/maintenance"
	"github.com/untoldecay/dedupfs/internal/metrics"
	"github.com/untoldecay/dedupfs/internal/storage"
	"github.com/untoldecay/dedupfs/internal/thumbs"

	"go.uber.org/zap"
)

// shutdownGrace bounds how long in-flight requests may run after the
// serve context is cancelled.
const shutdownGrace = 10 * time.Second

// Server wires the core services behind a gin engine.
type Server struct {
	cfg        *config.Config
	log        *zap.Logger
	collectors *metrics.Collectors

	jobs        *jobs.Service
	thumbs      *thumbs.Service
	maintenance *maintenance.Service
	duplicates  *duplicates.Service

	engine *gin.Engine
}

// New builds the full HTTP surface over store. The returned server is
// ready to Run; tests drive Handler directly instead.
func New(store storage.Storage, cfg *config.Config, collectors *metrics.Collectors, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	// Reject unknown request-body fields the way the API always has.
	gin.EnableJsonDecoderDisallowUnknownFields()

	s := &Server{
		cfg:         cfg,
		log:         log,
		collectors:  collectors,
		jobs:        jobs.New(store, cfg),
		thumbs:      thumbs.New(store, cfg),
		maintenance: maintenance.New(store, cfg),
		duplicates:  duplicates.New(store, cfg),
	}

	engine := gin.New()
	// Recovery runs innermost so the logger and the request metrics both
	// observe panics as completed 500s.
	engine.Use(requestLogger(log), observeRequests(collectors), recoverPanics(log))
	engine.HandleMethodNotAllowed = true
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
	})
	engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"detail": "Method Not Allowed"})
	})

	s.engine = engine
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/metrics", gin.WrapH(s.collectors.Handler()))

	api := s.engine.Group("/api/v1")
	api.GET("/health", s.getHealth)

	jobsGroup := api.Group("/jobs")
	jobsGroup.POST("", s.createJob)
	jobsGroup.GET("", s.listJobs)
	jobsGroup.POST("/scan-hash/claim", s.claimScanHashJob)
	jobsGroup.POST("/recover-stale", s.recoverStaleJobs)
	jobsGroup.GET("/:job_id", s.getJob)
	jobsGroup.POST("/:job_id/heartbeat", s.heartbeatJob)
	jobsGroup.POST("/:job_id/finish", s.finishJob)
	jobsGroup.POST("/:job_id/cancel", s.cancelJob)
	jobsGroup.POST("/:job_id/reset", s.resetJob)

	thumbsGroup := api.Group("/thumbs")
	thumbsGroup.POST("/request", s.requestThumbnail)
	thumbsGroup.GET("/metrics", s.getThumbnailMetrics)
	thumbsGroup.POST("/cleanup/group", s.scheduleGroupCleanup)
	thumbsGroup.GET("/:thumb_key", s.getThumbnail)
	thumbsGroup.GET("/:thumb_key/content", s.getThumbnailContent)

	maintenanceGroup := api.Group("/maintenance")
	maintenanceGroup.POST("/wal/checkpoint", s.requestWalCheckpoint)
	maintenanceGroup.GET("/wal/checkpoint/latest", s.getLatestWalCheckpoint)
	maintenanceGroup.GET("/wal/metrics", s.getWalMetrics)

	duplicatesGroup := api.Group("/duplicates")
	duplicatesGroup.GET("/groups", s.listDuplicateGroups)
	duplicatesGroup.GET("/groups/:group_key/files", s.listDuplicateGroupFiles)
}

// Handler exposes the engine for httptest and embedders.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on the configured listen address until ctx is cancelled,
// then drains in-flight requests within the shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"service":     "dedupfs",
		"environment": s.cfg.Environment,
		"dry_run":     s.cfg.DryRun,
		"timestamp":   clock.Now(),
	})
}
