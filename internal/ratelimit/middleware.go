package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/guardpost/guardpost/internal/metrics"
)

// MiddlewareConfig configures the request rate limiter.
type MiddlewareConfig struct {
	// Default rate limit (requests per window)
	Requests int
	// Default window duration
	Window time.Duration
	// Auth-sensitive paths get a stricter limit
	AuthRequests int
	// Auth window duration
	AuthWindow time.Duration
}

// authPaths are paths that get the stricter auth rate limit tier
var authPaths = []string{
	"/api/v1/login",
	"/api/v1/verify",
}

// skipPaths are paths exempt from rate limiting
var skipPaths = []string{
	"/healthz",
	"/metrics",
	"/ready",
}

// Middleware limits requests per client IP using the given counter. If the
// counter is unavailable, it fails open (allows the request).
func Middleware(counter Counter, cfg MiddlewareConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		// Skip health/metrics/readiness endpoints
		for _, sp := range skipPaths {
			if path == sp {
				c.Next()
				return
			}
		}

		// Determine rate limit tier
		limit := cfg.Requests
		window := cfg.Window
		scope := "ip"
		if isAuthPath(path) && cfg.AuthRequests > 0 {
			limit = cfg.AuthRequests
			window = cfg.AuthWindow
			scope = "auth"
		}

		if counter == nil {
			metrics.RecordRateLimitFailOpen(scope)
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
		defer cancel()

		identifier := scope + ":" + c.ClientIP()
		count, err := counter.Incr(ctx, identifier, window)
		if err != nil {
			// Fail open: allow request, log warning
			metrics.RecordRateLimitFailOpen(scope)
			logger.Warn("Rate limit counter error, failing open",
				zap.Error(err),
				zap.String("identifier", identifier))
			c.Next()
			return
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if count > int64(limit) {
			retryAfter := int64(window.Seconds()) - (time.Now().Unix() % int64(window.Seconds()))
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			metrics.RecordRateLimitHit(scope)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

// isAuthPath checks if the request path matches an auth-sensitive path
func isAuthPath(path string) bool {
	for _, ap := range authPaths {
		if strings.HasPrefix(path, ap) {
			return true
		}
	}
	return false
}
