// Package obs registers the service's prometheus metrics.
package obs

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_submissions_total",
			Help: "Attendance submissions by outcome kind.",
		},
		[]string{"kind"},
	)

	sessionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_created_total",
		Help: "Sessions created.",
	})

	sessionsLockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_locked_total",
		Help: "Sessions moved to locked by the sweep.",
	})
)

// Init registers the metrics with the default registry.
func Init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration,
		submissionsTotal, sessionsCreatedTotal, sessionsLockedTotal)
}

// ObserveSubmission counts one submission outcome; kind is "accepted" or
// the error kind.
func ObserveSubmission(kind string) {
	submissionsTotal.WithLabelValues(kind).Inc()
}

// SessionCreated counts one created session.
func SessionCreated() { sessionsCreatedTotal.Inc() }

// SessionsLocked counts sessions locked by a sweep run.
func SessionsLocked(n int) { sessionsLockedTotal.Add(float64(n)) }

// GinMiddleware measures request counts and latency per route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		elapsed := time.Since(start).Seconds()
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(elapsed)
	}
}
