// Package main is the entry point for the Gateway Service.
// The gateway scores every employee login and routes it to a session, a
// step-up verification, or a block.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/common/config"
	"github.com/guardpost/guardpost/internal/common/database"
	"github.com/guardpost/guardpost/internal/common/logger"
	"github.com/guardpost/guardpost/internal/email"
	"github.com/guardpost/guardpost/internal/gateway"
	"github.com/guardpost/guardpost/internal/geoip"
	"github.com/guardpost/guardpost/internal/history"
	"github.com/guardpost/guardpost/internal/identity"
	"github.com/guardpost/guardpost/internal/otp"
	"github.com/guardpost/guardpost/internal/ratelimit"
	"github.com/guardpost/guardpost/internal/trust"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	// Initialize logger
	log := logger.WithService(logger.New(), "gateway-service")
	defer log.Sync()

	log.Info("Starting Gateway Service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	// Load configuration
	cfg, err := config.Load("gateway-service")
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize database connection
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis connection
	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Trust engine. A missing model artifact degrades to rule-based scoring.
	engine := trust.NewEngine(gateway.EngineConfig(cfg.Trust), log)
	engine.LoadModel(cfg.Trust.ModelPath)

	// Email delivery with a Redis-backed queue
	emailService := email.NewService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername,
		cfg.SMTPPassword, cfg.SMTPFrom, rdb.Client, log)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go emailService.ProcessQueue(workerCtx)

	// GeoIP resolution with a Redis cache
	geoConfig := geoip.DefaultConfig()
	if cfg.GeoIPServiceURL != "" {
		geoConfig.BaseURL = cfg.GeoIPServiceURL
	}
	if cfg.GeoIPTimeout > 0 {
		geoConfig.HTTPTimeout = time.Duration(cfg.GeoIPTimeout) * time.Second
	}
	geoClient := geoip.NewClient(geoConfig, rdb.Client, log)

	// Stores and session plumbing
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSchema()
	if err := identity.InitializeSchema(schemaCtx, db.Pool); err != nil {
		log.Fatal("Failed to initialize identity schema", zap.Error(err))
	}
	if err := history.InitializeSchema(schemaCtx, db.Pool); err != nil {
		log.Fatal("Failed to initialize history schema", zap.Error(err))
	}
	users := identity.NewPostgreSQLRepository(db.Pool)
	attempts := history.NewPostgreSQLStore(db.Pool, cfg.Trust.GeoDistanceThresholdKM)

	sessionConfig := auth.DefaultSessionConfig()
	if cfg.SessionTTLHours > 0 {
		sessionConfig.DefaultTTL = time.Duration(cfg.SessionTTLHours) * time.Hour
	}
	sessions := auth.NewSessionService(rdb.Client, log).WithConfig(sessionConfig)
	tokens := auth.NewTokenService(cfg.JWTSecret, rdb.Client, log)

	codes := otp.NewService(log, rdb.Client, nil)
	totpManager := otp.NewTOTPManager(log, rdb.Client)
	pending := gateway.NewPendingStore(rdb.Client, otp.DefaultCodeExpiry)

	service := gateway.NewService(cfg, log, engine, users, attempts,
		sessions, tokens, codes, totpManager, emailService, geoClient, pending)

	var counter ratelimit.Counter
	if cfg.EnableRateLimit {
		counter = ratelimit.NewRedisCounter(rdb.Client, "ratelimit")
	}
	router := gateway.NewRouter(service, counter)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server listening", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}
