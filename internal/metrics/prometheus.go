// Package metrics provides Prometheus metrics collection for GuardPost
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardpost",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guardpost",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "guardpost",
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"service"},
	)
)

// Authentication and trust-scoring metrics
var (
	// AuthAttemptsTotal counts login attempts by outcome.
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardpost",
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts",
		},
		[]string{"outcome"}, // outcome: granted, email_verification, passkey_verification, blocked, invalid_credentials, rate_limited
	)

	trustPredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardpost",
			Name:      "trust_predictions_total",
			Help:      "Total number of trust score predictions",
		},
		[]string{"path", "suspicious"}, // path: model, rules, fallback
	)

	trustScoreHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guardpost",
			Name:      "trust_score",
			Help:      "Trust score distribution for login attempts",
			Buckets:   []float64{0, 10, 25, 30, 50, 75, 90, 100}, // 0-100 scale, cut at flag thresholds
		},
		[]string{"path"},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardpost",
			Name:      "verifications_total",
			Help:      "Total number of post-login verification attempts",
		},
		[]string{"method", "outcome"}, // method: email, passkey; outcome: success, failed
	)
)

// Rate limiter metrics
var (
	rateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardpost",
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
		[]string{"scope"}, // scope: ip, auth
	)

	rateLimitFailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardpost",
			Name:      "rate_limit_fail_open_total",
			Help:      "Total number of requests allowed because the counter backend was unavailable",
		},
		[]string{"scope"},
	)
)

// Middleware returns a Gin middleware that records HTTP metrics.
// serviceName is used as the "service" label on all metrics.
func Middleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		// Skip metrics endpoint itself to avoid recursion
		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.WithLabelValues(serviceName).Inc()
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		httpRequestsTotal.WithLabelValues(serviceName, method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, method, path).Observe(duration)
		httpRequestsInFlight.WithLabelValues(serviceName).Dec()
	}
}

// Handler returns a gin.HandlerFunc that serves Prometheus metrics.
// Register this on the "/metrics" route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAuthAttempt records a login attempt outcome
func RecordAuthAttempt(outcome string) {
	AuthAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordTrustPrediction records a trust prediction with the path that served it
func RecordTrustPrediction(path string, score int, suspicious bool) {
	trustPredictionsTotal.WithLabelValues(path, strconv.FormatBool(suspicious)).Inc()
	trustScoreHistogram.WithLabelValues(path).Observe(float64(score))
}

// RecordVerification records a post-login verification attempt
func RecordVerification(method, outcome string) {
	verificationsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordRateLimitHit records a request rejected by the rate limiter
func RecordRateLimitHit(scope string) {
	rateLimitHitsTotal.WithLabelValues(scope).Inc()
}

// RecordRateLimitFailOpen records a request allowed because the backend was down
func RecordRateLimitFailOpen(scope string) {
	rateLimitFailOpenTotal.WithLabelValues(scope).Inc()
}
