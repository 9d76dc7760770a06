package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/guardpost/guardpost/internal/common/logger"
	"github.com/guardpost/guardpost/internal/common/middleware"
	"github.com/guardpost/guardpost/internal/metrics"
	"github.com/guardpost/guardpost/internal/ratelimit"
)

// NewRouter builds the gateway's HTTP router. A nil counter disables rate
// limiting.
func NewRouter(s *Service, counter ratelimit.Counter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders(s.config.IsProduction()))
	router.Use(middleware.CORS(s.config.CORSAllowedOrigins))
	router.Use(logger.GinMiddleware(s.logger))
	router.Use(metrics.Middleware(s.config.ServiceName))

	if s.config.EnableRateLimit {
		router.Use(ratelimit.Middleware(counter, ratelimit.MiddlewareConfig{
			Requests:     s.config.RateLimitRequests,
			Window:       time.Duration(s.config.RateLimitWindow) * time.Second,
			AuthRequests: s.config.AuthRateRequests,
			AuthWindow:   time.Duration(s.config.AuthRateWindow) * time.Second,
		}, s.logger))
	}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api/v1")
	{
		api.POST("/login", s.HandleLogin)
		api.POST("/verify", s.HandleVerify)

		authed := api.Group("")
		authed.Use(s.RequireAuth())
		{
			authed.GET("/history", s.HandleHistory)
			authed.POST("/logout", s.HandleLogout)
		}
	}

	return router
}

func (s *Service) handleHealthz(c *gin.Context) {
	scorer := "rules"
	if s.engine.ModelLoaded() {
		scorer = "model"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": s.config.ServiceName,
		"scorer":  scorer,
	})
}

func (s *Service) handleReady(c *gin.Context) {
	if err := s.users.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"reason": "database unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
