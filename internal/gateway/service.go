package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/common/config"
	"github.com/guardpost/guardpost/internal/common/logger"
	"github.com/guardpost/guardpost/internal/geoip"
	"github.com/guardpost/guardpost/internal/history"
	"github.com/guardpost/guardpost/internal/identity"
	"github.com/guardpost/guardpost/internal/otp"
	"github.com/guardpost/guardpost/internal/trust"
)

// EmailSender delivers verification codes and login alerts. The SMTP-backed
// email.Service satisfies it; tests substitute a capture implementation.
type EmailSender interface {
	SendVerificationCode(ctx context.Context, to, userName, code string, expiry time.Duration) error
	SendLoginAlert(ctx context.Context, to, userName, location, ipAddress string, at time.Time) error
}

// GeoResolver resolves an IP address to an approximate location.
type GeoResolver interface {
	Lookup(ctx context.Context, ip string) (*geoip.Location, error)
}

// Service wires the trust engine, stores, and delivery channels behind the
// login gateway's HTTP handlers.
type Service struct {
	config   *config.Config
	logger   *zap.Logger
	security *logger.SecurityLogger

	engine   *trust.Engine
	users    identity.Repository
	attempts history.Store
	sessions *auth.SessionService
	tokens   *auth.TokenService
	codes    *otp.Service
	totp     *otp.TOTPManager
	email    EmailSender
	geo      GeoResolver
	pending  *PendingStore
}

// NewService creates the gateway service.
func NewService(
	cfg *config.Config,
	log *zap.Logger,
	engine *trust.Engine,
	users identity.Repository,
	attempts history.Store,
	sessions *auth.SessionService,
	tokens *auth.TokenService,
	codes *otp.Service,
	totp *otp.TOTPManager,
	email EmailSender,
	geo GeoResolver,
	pending *PendingStore,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		config:   cfg,
		logger:   log,
		security: logger.NewSecurityLogger(log),
		engine:   engine,
		users:    users,
		attempts: attempts,
		sessions: sessions,
		tokens:   tokens,
		codes:    codes,
		totp:     totp,
		email:    email,
		geo:      geo,
		pending:  pending,
	}
}

// EngineConfig maps the service configuration onto the trust engine's own
// config type.
func EngineConfig(tc config.TrustConfig) trust.Config {
	ec := trust.Config{
		BusinessHoursStart:     tc.BusinessHoursStart,
		BusinessHoursEnd:       tc.BusinessHoursEnd,
		GeoDistanceThresholdKM: tc.GeoDistanceThresholdKM,
		SuspiciousThreshold:    tc.SuspiciousThreshold,
		PasskeyThreshold:       tc.PasskeyThreshold,
		PasskeyEscalation:      tc.PasskeyEscalation,
		Weights: trust.Weights{
			Time:     tc.Weights.Time,
			Location: tc.Weights.Location,
			Behavior: tc.Weights.Behavior,
			Device:   tc.Weights.Device,
		},
	}
	if ec.Weights == (trust.Weights{}) {
		ec.Weights = trust.DefaultWeights()
	}
	return ec
}

// attemptRateWindow is the trailing window fed to the failed-attempt and
// request-rate signals.
func (s *Service) attemptRateWindow() time.Duration {
	minutes := s.config.AttemptRateWindowMinutes
	if minutes <= 0 {
		minutes = 10
	}
	return time.Duration(minutes) * time.Minute
}
