package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/untoldecay/dedupfs/internal/types"
)

func findFamily(t *testing.T, c *Collectors, name string) *dto.MetricFamily {
	t.Helper()

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func seriesValue(t *testing.T, mf *dto.MetricFamily, label, value string) float64 {
	t.Helper()

	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no %s series with %s=%s", mf.GetName(), label, value)
	return 0
}

func TestObserveHTTPRequestRecordsCounterAndHistogram(t *testing.T) {
	c := NewCollectors()

	c.ObserveHTTPRequest("GET", "/api/v1/health", 200, 5*time.Millisecond)
	c.ObserveHTTPRequest("GET", "/api/v1/health", 200, 7*time.Millisecond)
	c.ObserveHTTPRequest("POST", "/api/v1/jobs", 409, 2*time.Millisecond)

	requests := findFamily(t, c, "dedupfs_http_requests_total")
	if got := seriesValue(t, requests, "status", "200"); got != 2 {
		t.Errorf("expected 2 successful requests, got %v", got)
	}
	if got := seriesValue(t, requests, "status", "409"); got != 1 {
		t.Errorf("expected 1 conflict request, got %v", got)
	}

	durations := findFamily(t, c, "dedupfs_http_request_duration_seconds")
	for _, m := range durations.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "path" && lp.GetValue() == "/api/v1/health" {
				if m.GetHistogram().GetSampleCount() != 2 {
					t.Errorf("expected 2 latency samples, got %d", m.GetHistogram().GetSampleCount())
				}
			}
		}
	}
}

func TestSetJobGaugesPublishesEveryStatus(t *testing.T) {
	c := NewCollectors()

	c.SetJobGauges(map[types.JobStatus]int64{
		types.JobStatusPending: 2,
		types.JobStatusRunning: 1,
	})

	jobs := findFamily(t, c, "dedupfs_jobs")
	if len(jobs.GetMetric()) != 6 {
		t.Fatalf("expected a series per status, got %d", len(jobs.GetMetric()))
	}
	if got := seriesValue(t, jobs, "status", "pending"); got != 2 {
		t.Errorf("expected 2 pending, got %v", got)
	}
	if got := seriesValue(t, jobs, "status", "completed"); got != 0 {
		t.Errorf("expected absent statuses at zero, got %v", got)
	}

	// A refresh overwrites stale values instead of accumulating.
	c.SetJobGauges(map[types.JobStatus]int64{types.JobStatusCompleted: 3})
	jobs = findFamily(t, c, "dedupfs_jobs")
	if got := seriesValue(t, jobs, "status", "pending"); got != 0 {
		t.Errorf("expected pending reset to zero, got %v", got)
	}
	if got := seriesValue(t, jobs, "status", "completed"); got != 3 {
		t.Errorf("expected 3 completed, got %v", got)
	}
}

func TestQueueAndWalGauges(t *testing.T) {
	c := NewCollectors()

	c.SetThumbnailGauges(&types.ThumbnailMetrics{
		QueuePending:   5,
		QueueRunning:   2,
		RetryBacklog:   1,
		CleanupOverdue: 4,
	})
	depth := findFamily(t, c, "dedupfs_thumbnail_queue_depth")
	if got := seriesValue(t, depth, "state", "pending"); got != 5 {
		t.Errorf("expected pending depth 5, got %v", got)
	}
	if got := seriesValue(t, depth, "state", "cleanup_overdue"); got != 4 {
		t.Errorf("expected cleanup_overdue 4, got %v", got)
	}

	c.SetWalGauges(&types.WalMetrics{
		StatusCounts: map[types.WalStatus]int64{types.WalStatusPending: 1},
	})
	wal := findFamily(t, c, "dedupfs_wal_jobs")
	if got := seriesValue(t, wal, "status", "pending"); got != 1 {
		t.Errorf("expected 1 pending wal job, got %v", got)
	}
	if got := seriesValue(t, wal, "status", "failed"); got != 0 {
		t.Errorf("expected 0 failed wal jobs, got %v", got)
	}
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	c := NewCollectors()
	c.JanitorRuns.Inc()
	c.StaleJobsRecovered.Add(2)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "dedupfs_janitor_runs_total 1") {
		t.Errorf("expected janitor counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(body, "dedupfs_stale_jobs_recovered_total 2") {
		t.Errorf("expected recovery counter in exposition, got:\n%s", body)
	}
}
