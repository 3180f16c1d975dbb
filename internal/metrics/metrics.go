// Package metrics exposes Prometheus collectors for the crawl worker.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal          *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec
	pagesTotal         *prometheus.CounterVec
	forumPostsTotal    prometheus.Counter
	pollCyclesTotal    *prometheus.CounterVec
	poolInFlight       prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "websweep_jobs_total",
				Help: "Total number of jobs finished, labeled by kind and terminal status.",
			},
			[]string{"kind", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "websweep_job_duration_seconds",
				Help:    "Histogram of end-to-end job runtimes, labeled by kind.",
				Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"kind"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "websweep_pages_total",
				Help: "Total number of page fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		forumPostsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "websweep_forum_posts_total",
				Help: "Total number of forum posts extracted.",
			},
		)

		pollCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "websweep_poll_cycles_total",
				Help: "Total dispatcher poll cycles, labeled by job class and outcome.",
			},
			[]string{"class", "outcome"},
		)

		poolInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "websweep_pool_in_flight",
				Help: "Number of fetch tasks currently running in the shared pool.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a finished job with its terminal status and runtime.
func ObserveJob(kind, status string, duration time.Duration) {
	jobsTotal.WithLabelValues(kind, status).Inc()
	jobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObservePage records one page fetch attempt.
func ObservePage(site string, outcome string) {
	pagesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveForumPosts adds extracted forum posts to the counter.
func ObserveForumPosts(n int) {
	if n > 0 {
		forumPostsTotal.Add(float64(n))
	}
}

// ObservePollCycle records one dispatcher poll cycle for a job class.
func ObservePollCycle(class string, skipped bool) {
	outcome := "run"
	if skipped {
		outcome = "skipped"
	}
	pollCyclesTotal.WithLabelValues(class, outcome).Inc()
}

// SetPoolInFlight updates the shared pool gauge.
func SetPoolInFlight(n int) {
	poolInFlight.Set(float64(n))
}
