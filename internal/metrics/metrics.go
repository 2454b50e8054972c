// Package metrics declares the prometheus instruments served on /metrics.
// Everything registers on a private registry so embedding processes and
// tests never collide with the global default registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/untoldecay/dedupfs/internal/types"
)

// jobStatuses is the fixed label set of the job gauge. Publishing every
// status keeps vanished series at zero instead of frozen at their last
// scraped value.
var jobStatuses = []types.JobStatus{
	types.JobStatusPending,
	types.JobStatusRunning,
	types.JobStatusCompleted,
	types.JobStatusFailed,
	types.JobStatusCancelled,
	types.JobStatusRetryable,
}

var walStatuses = []types.WalStatus{
	types.WalStatusPending,
	types.WalStatusRunning,
	types.WalStatusRetryable,
	types.WalStatusCompleted,
	types.WalStatusFailed,
}

// Collectors bundles every instrument the control plane exports.
type Collectors struct {
	registry *prometheus.Registry

	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	ThumbnailQueueDepth *prometheus.GaugeVec
	WalJobs             *prometheus.GaugeVec
	Jobs                *prometheus.GaugeVec
	JanitorRuns         prometheus.Counter
	StaleJobsRecovered  prometheus.Counter
}

// NewCollectors builds the full instrument set on a fresh registry.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dedupfs_http_requests_total",
			Help: "HTTP requests served, by method, route template and status code.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dedupfs_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by method and route template.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ThumbnailQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dedupfs_thumbnail_queue_depth",
			Help: "Thumbnail queue backlog, by state.",
		}, []string{"state"}),
		WalJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dedupfs_wal_jobs",
			Help: "WAL maintenance jobs, by status.",
		}, []string{"status"}),
		Jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dedupfs_jobs",
			Help: "Jobs in the control plane, by status.",
		}, []string{"status"}),
		JanitorRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedupfs_janitor_runs_total",
			Help: "Completed janitor sweeps.",
		}),
		StaleJobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedupfs_stale_jobs_recovered_total",
			Help: "Jobs moved from running to retryable after their lease lapsed.",
		}),
	}
	c.registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.ThumbnailQueueDepth,
		c.WalJobs,
		c.Jobs,
		c.JanitorRuns,
		c.StaleJobsRecovered,
	)
	return c
}

// Registry exposes the private registry for embedders that gather
// directly.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveHTTPRequest records one served request on the counter and the
// latency histogram.
func (c *Collectors) ObserveHTTPRequest(method, path string, status int, elapsed time.Duration) {
	c.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// SetJobGauges publishes job counts by status.
func (c *Collectors) SetJobGauges(counts map[types.JobStatus]int64) {
	for _, status := range jobStatuses {
		c.Jobs.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// SetThumbnailGauges publishes the thumbnail queue backlog snapshot.
func (c *Collectors) SetThumbnailGauges(m *types.ThumbnailMetrics) {
	c.ThumbnailQueueDepth.WithLabelValues("pending").Set(float64(m.QueuePending))
	c.ThumbnailQueueDepth.WithLabelValues("running").Set(float64(m.QueueRunning))
	c.ThumbnailQueueDepth.WithLabelValues("retry_backlog").Set(float64(m.RetryBacklog))
	c.ThumbnailQueueDepth.WithLabelValues("retry_ready").Set(float64(m.RetryReady))
	c.ThumbnailQueueDepth.WithLabelValues("cleanup_pending").Set(float64(m.CleanupPending))
	c.ThumbnailQueueDepth.WithLabelValues("cleanup_running").Set(float64(m.CleanupRunning))
	c.ThumbnailQueueDepth.WithLabelValues("cleanup_overdue").Set(float64(m.CleanupOverdue))
}

// SetWalGauges publishes WAL maintenance job counts by status.
func (c *Collectors) SetWalGauges(m *types.WalMetrics) {
	for _, status := range walStatuses {
		c.WalJobs.WithLabelValues(string(status)).Set(float64(m.StatusCounts[status]))
	}
}
