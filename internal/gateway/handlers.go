package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guardpost/guardpost/internal/auth"
	apperrors "github.com/guardpost/guardpost/internal/common/errors"
	"github.com/guardpost/guardpost/internal/common/logger"
	"github.com/guardpost/guardpost/internal/geoip"
	"github.com/guardpost/guardpost/internal/history"
	"github.com/guardpost/guardpost/internal/identity"
	"github.com/guardpost/guardpost/internal/metrics"
	"github.com/guardpost/guardpost/internal/otp"
	"github.com/guardpost/guardpost/internal/trust"
)

// LoginRequest is the login endpoint payload.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// VerifyRequest completes a challenged login with a one-time code.
type VerifyRequest struct {
	Username string `json:"username" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// LoginResponse is returned for a granted login.
type LoginResponse struct {
	Status      string    `json:"status"`
	Token       string    `json:"token"`
	SessionID   string    `json:"session_id"`
	TrustScore  int       `json:"trust_score"`
	NewLocation bool      `json:"new_location"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChallengeResponse is returned when a login needs step-up verification.
type ChallengeResponse struct {
	Status      string `json:"status"`
	TrustScore  int    `json:"trust_score"`
	NewLocation bool   `json:"new_location"`
	Message     string `json:"message"`
}

const (
	statusGranted             = "granted"
	statusEmailVerification   = "email_verification_required"
	statusPasskeyVerification = "passkey_verification_required"
)

// HandleLogin scores a credential login and routes it to a session, a
// step-up challenge, or a block.
func (s *Service) HandleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.RespondWithError(c, apperrors.BadRequest("username and password are required"))
		return
	}

	ctx := c.Request.Context()
	ip := clientIP(c)
	ua := c.Request.UserAgent()

	user, err := s.users.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			s.requestLogger(c).Error("User lookup failed", zap.String("username", req.Username), zap.Error(err))
		}
		s.rejectCredentials(c, nil, req.Username, ip, ua)
		return
	}
	if !user.Active || !identity.VerifyPassword(user.PasswordHash, req.Password) {
		s.rejectCredentials(c, user, req.Username, ip, ua)
		return
	}

	sig, loc := s.gatherSignals(c, user, ip, ua)
	pred := s.engine.PredictDecomposed(sig)

	attempt := &history.Attempt{
		UserID:        user.ID,
		Username:      user.Username,
		IPAddress:     ip,
		UserAgent:     ua,
		Location:      loc.Label(),
		Latitude:      loc.Latitude,
		Longitude:     loc.Longitude,
		GeoDistanceKM: sig.Features.GeoDistanceKM,
		TrustScore:    pred.TrustScore,
		Suspicious:    pred.IsSuspicious,
		NewLocation:   pred.NewLocation,
	}

	switch {
	case pred.RequirePasskey:
		s.challenge(c, user, attempt, otp.PurposePasskey)
	case pred.TrustScore < s.config.Trust.SuspiciousThreshold:
		s.challenge(c, user, attempt, otp.PurposeEmail)
	case pred.IsSuspicious:
		s.block(c, user, attempt)
	default:
		s.grant(c, user, attempt, false)
	}
}

// HandleVerify completes a pending login with a one-time code. Users with an
// enrolled authenticator may answer a passkey challenge with a TOTP code.
func (s *Service) HandleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.RespondWithError(c, apperrors.BadRequest("username and code are required"))
		return
	}

	ctx := c.Request.Context()

	pending, err := s.pending.Get(ctx, req.Username)
	if err != nil {
		if !errors.Is(err, ErrNoPendingLogin) {
			s.requestLogger(c).Error("Pending login lookup failed", zap.String("username", req.Username), zap.Error(err))
		}
		metrics.RecordVerification("none", "failed")
		apperrors.RespondWithError(c, apperrors.VerificationFailed())
		return
	}

	user, err := s.users.GetUserByUsername(ctx, pending.Username)
	if err != nil {
		s.requestLogger(c).Error("User lookup failed during verification",
			zap.String("username", pending.Username), zap.Error(err))
		metrics.RecordVerification(string(pending.Purpose), "failed")
		apperrors.RespondWithError(c, apperrors.VerificationFailed())
		return
	}
	// The account may have been deactivated between the challenge and the
	// code redemption.
	if !user.Active {
		metrics.RecordVerification(string(pending.Purpose), "failed")
		s.security.Log(logger.SecurityEvent{
			EventType:  "verification",
			UserID:     user.ID.String(),
			Username:   user.Username,
			Outcome:    "failed",
			Reason:     "account deactivated",
			IPAddress:  clientIP(c),
			TrustScore: pending.TrustScore,
		})
		apperrors.RespondWithError(c, apperrors.VerificationFailed())
		return
	}

	log := logger.WithUserID(s.requestLogger(c), user.ID.String())

	ok, err := s.codes.Verify(ctx, user.ID, pending.Purpose, req.Code)
	if err != nil {
		log.Warn("Code verification error", zap.Error(err))
	}
	if !ok && pending.Purpose == otp.PurposePasskey && user.HasAuthenticator() {
		ok, err = s.totp.Validate(ctx, user.ID.String(), user.TOTPSecret, req.Code)
		if err != nil {
			log.Warn("Authenticator validation error", zap.Error(err))
		}
	}
	if !ok {
		metrics.RecordVerification(string(pending.Purpose), "failed")
		s.security.Log(logger.SecurityEvent{
			EventType:  "verification",
			UserID:     user.ID.String(),
			Username:   user.Username,
			Outcome:    "failed",
			Reason:     "invalid code",
			IPAddress:  clientIP(c),
			TrustScore: pending.TrustScore,
		})
		apperrors.RespondWithError(c, apperrors.VerificationFailed())
		return
	}

	if err := s.pending.Delete(ctx, pending.Username); err != nil {
		log.Warn("Failed to clear pending login", zap.Error(err))
	}
	metrics.RecordVerification(string(pending.Purpose), "success")

	attempt := &history.Attempt{
		UserID:        user.ID,
		Username:      user.Username,
		IPAddress:     pending.IPAddress,
		UserAgent:     pending.UserAgent,
		Location:      pending.Location,
		Latitude:      pending.Latitude,
		Longitude:     pending.Longitude,
		GeoDistanceKM: pending.GeoDistanceKM,
		TrustScore:    pending.TrustScore,
		Suspicious:    pending.Suspicious,
		NewLocation:   pending.NewLocation,
	}
	s.grant(c, user, attempt, true)
}

// HandleHistory returns the caller's recent login attempts.
func (s *Service) HandleHistory(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Unauthorized("invalid token subject"))
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	attempts, err := s.attempts.Recent(c.Request.Context(), userID, limit)
	if err != nil {
		logger.WithUserID(s.requestLogger(c), claims.Subject).Error("History query failed", zap.Error(err))
		apperrors.RespondWithError(c, apperrors.Internal("failed to load login history", err))
		return
	}
	if attempts == nil {
		attempts = []history.Attempt{}
	}

	c.JSON(http.StatusOK, gin.H{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// HandleLogout revokes the caller's token and tears down its session.
func (s *Service) HandleLogout(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	ctx := c.Request.Context()
	log := logger.WithUserID(s.requestLogger(c), claims.Subject)
	if token := c.GetString("token"); token != "" {
		if err := s.tokens.Revoke(ctx, token); err != nil {
			log.Warn("Token revocation failed", zap.Error(err))
		}
	}
	if claims.SessionID != "" {
		if err := s.sessions.Delete(ctx, claims.SessionID); err != nil &&
			!errors.Is(err, auth.ErrSessionNotFound) {
			log.Warn("Session delete failed", zap.String("session_id", claims.SessionID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// RequireAuth validates the bearer token and stores its claims on the
// request context.
func (s *Service) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			apperrors.RespondWithError(c, apperrors.Unauthorized("missing bearer token"))
			c.Abort()
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		claims, err := s.tokens.Validate(c.Request.Context(), token)
		if err != nil {
			apperrors.RespondWithError(c, apperrors.Unauthorized("invalid or expired token"))
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("token", token)
		c.Set("user_id", claims.Subject)
		c.Next()
	}
}

// gatherSignals assembles the decomposed trust signals for a login attempt.
// Missing history or a failed lookup degrades a signal to its neutral value
// rather than failing the login.
func (s *Service) gatherSignals(c *gin.Context, user *identity.User, ip, ua string) (trust.Signals, *geoip.Location) {
	ctx := c.Request.Context()
	log := logger.WithUserID(s.requestLogger(c), user.ID.String())

	loc, err := s.geo.Lookup(ctx, ip)
	if err != nil {
		log.Warn("GeoIP lookup failed", zap.String("ip", ip), zap.Error(err))
	}

	var geoDist float64
	consistency := 0.5
	if loc.Known() {
		last, err := s.attempts.LastKnownLocation(ctx, user.ID)
		switch {
		case err == nil:
			geoDist = trust.HaversineKM(last.Latitude, last.Longitude, loc.Latitude, loc.Longitude)
		case !errors.Is(err, history.ErrNoHistory):
			log.Warn("Last location lookup failed", zap.Error(err))
		}

		if v, err := s.attempts.LocationConsistency(ctx, user.ID, loc.Latitude, loc.Longitude); err == nil {
			consistency = v
		} else {
			log.Warn("Location consistency query failed", zap.Error(err))
		}
	}

	window := s.attemptRateWindow()
	failed, err := s.attempts.FailedAttempts(ctx, user.ID, window)
	if err != nil {
		log.Warn("Failed attempt count query failed", zap.Error(err))
	}
	rate, err := s.attempts.RequestRate(ctx, user.ID, window)
	if err != nil {
		log.Warn("Request rate query failed", zap.Error(err))
	}

	var known []string
	devices, err := s.users.KnownDevices(ctx, user.ID)
	if err != nil {
		log.Warn("Known device query failed", zap.Error(err))
	}
	for _, d := range devices {
		known = append(known, d.IPAddress, trust.UserAgentSignature(d.UserAgent))
	}

	now := time.Now()
	return trust.Signals{
		Features: trust.FeatureVector{
			Hour:           now.Hour(),
			GeoDistanceKM:  geoDist,
			FailedAttempts: failed,
			APIRate:        rate,
		},
		DayOfWeek:           now.Weekday(),
		LocationConsistency: consistency,
		AccountAgeDays:      user.AccountAgeDays(now),
		IPAddress:           ip,
		UserAgent:           ua,
		KnownDevices:        known,
	}, loc
}

// rejectCredentials responds to a failed credential check. The response is
// identical whether the user exists or not.
func (s *Service) rejectCredentials(c *gin.Context, user *identity.User, username, ip, ua string) {
	ctx := c.Request.Context()

	event := logger.SecurityEvent{
		EventType: "login",
		Username:  username,
		Outcome:   "failed",
		Reason:    "invalid credentials",
		IPAddress: ip,
		UserAgent: ua,
	}
	if user != nil {
		event.UserID = user.ID.String()
		if err := s.attempts.Record(ctx, &history.Attempt{
			UserID:    user.ID,
			Username:  user.Username,
			IPAddress: ip,
			UserAgent: ua,
			Outcome:   history.OutcomeInvalidCredentials,
		}); err != nil {
			s.requestLogger(c).Error("Failed to record attempt", zap.Error(err))
		}
	}
	s.security.Log(event)

	metrics.RecordAuthAttempt("invalid_credentials")
	apperrors.RespondWithError(c, apperrors.InvalidCredentials())
}

// challenge issues a one-time code, stores the pending login, and asks the
// caller to verify.
func (s *Service) challenge(c *gin.Context, user *identity.User, attempt *history.Attempt, purpose otp.Purpose) {
	ctx := c.Request.Context()
	log := logger.WithUserID(s.requestLogger(c), user.ID.String())

	code, err := s.codes.Generate(ctx, user.ID, purpose)
	if err != nil {
		if errors.Is(err, otp.ErrResendLimited) {
			apperrors.RespondWithError(c, apperrors.RateLimit("please wait before requesting another code"))
			return
		}
		log.Error("Code generation failed", zap.Error(err))
		apperrors.RespondWithError(c, apperrors.Internal("failed to issue verification code", err))
		return
	}

	if err := s.email.SendVerificationCode(ctx, user.Email, user.FullName, code.Code,
		time.Until(code.ExpiresAt)); err != nil {
		log.Error("Verification code delivery failed", zap.Error(err))
	}

	if err := s.pending.Put(ctx, &PendingLogin{
		UserID:        user.ID.String(),
		Username:      user.Username,
		IPAddress:     attempt.IPAddress,
		UserAgent:     attempt.UserAgent,
		Location:      attempt.Location,
		Latitude:      attempt.Latitude,
		Longitude:     attempt.Longitude,
		GeoDistanceKM: attempt.GeoDistanceKM,
		TrustScore:    attempt.TrustScore,
		Suspicious:    attempt.Suspicious,
		NewLocation:   attempt.NewLocation,
		Purpose:       purpose,
	}); err != nil {
		log.Error("Failed to store pending login", zap.Error(err))
		apperrors.RespondWithError(c, apperrors.Internal("failed to start verification", err))
		return
	}

	status := statusEmailVerification
	outcome := history.OutcomeEmailVerification
	message := "a verification code was sent to your email"
	metricOutcome := "email_verification"
	if purpose == otp.PurposePasskey {
		status = statusPasskeyVerification
		outcome = history.OutcomePasskeyVerification
		message = "enter your passkey verification code"
		metricOutcome = "passkey_verification"
	}

	attempt.Outcome = outcome
	if err := s.attempts.Record(ctx, attempt); err != nil {
		log.Error("Failed to record attempt", zap.Error(err))
	}

	metrics.RecordAuthAttempt(metricOutcome)
	s.security.Log(logger.SecurityEvent{
		EventType:    "login",
		UserID:       user.ID.String(),
		Username:     user.Username,
		Outcome:      "challenged",
		Reason:       string(purpose) + " verification required",
		IPAddress:    attempt.IPAddress,
		UserAgent:    attempt.UserAgent,
		Location:     attempt.Location,
		TrustScore:   attempt.TrustScore,
		IsSuspicious: attempt.Suspicious,
		NewLocation:  attempt.NewLocation,
	})

	c.JSON(http.StatusOK, ChallengeResponse{
		Status:      status,
		TrustScore:  attempt.TrustScore,
		NewLocation: attempt.NewLocation,
		Message:     message,
	})
}

// block refuses a suspicious login outright and alerts the account owner.
func (s *Service) block(c *gin.Context, user *identity.User, attempt *history.Attempt) {
	ctx := c.Request.Context()
	log := logger.WithUserID(s.requestLogger(c), user.ID.String())

	attempt.Outcome = history.OutcomeBlocked
	if err := s.attempts.Record(ctx, attempt); err != nil {
		log.Error("Failed to record attempt", zap.Error(err))
	}

	if err := s.email.SendLoginAlert(ctx, user.Email, user.FullName,
		attempt.Location, attempt.IPAddress, time.Now()); err != nil {
		log.Error("Login alert delivery failed", zap.Error(err))
	}

	metrics.RecordAuthAttempt("blocked")
	s.security.Log(logger.SecurityEvent{
		EventType:    "block",
		UserID:       user.ID.String(),
		Username:     user.Username,
		Outcome:      "blocked",
		Reason:       "suspicious login pattern",
		IPAddress:    attempt.IPAddress,
		UserAgent:    attempt.UserAgent,
		Location:     attempt.Location,
		TrustScore:   attempt.TrustScore,
		IsSuspicious: true,
		NewLocation:  attempt.NewLocation,
	})

	apperrors.RespondWithError(c, apperrors.LoginBlocked())
}

// grant establishes a session and issues a token for an accepted login.
func (s *Service) grant(c *gin.Context, user *identity.User, attempt *history.Attempt, verified bool) {
	ctx := c.Request.Context()
	log := logger.WithUserID(s.requestLogger(c), user.ID.String())

	session, err := s.sessions.Create(ctx, &auth.Session{
		UserID:     user.ID.String(),
		Username:   user.Username,
		IPAddress:  attempt.IPAddress,
		UserAgent:  attempt.UserAgent,
		Location:   attempt.Location,
		TrustScore: attempt.TrustScore,
		Verified:   verified,
	})
	if err != nil {
		log.Error("Session creation failed", zap.Error(err))
		apperrors.RespondWithError(c, apperrors.Internal("failed to create session", err))
		return
	}

	token, err := s.tokens.Generate(ctx, user.ID.String(), user.Username, session.ID, attempt.TrustScore)
	if err != nil {
		log.Error("Token generation failed", zap.Error(err))
		apperrors.RespondWithError(c, apperrors.Internal("failed to issue token", err))
		return
	}

	if err := s.users.RegisterDevice(ctx, &identity.Device{
		UserID:    user.ID,
		Signature: identity.DeviceSignature(attempt.IPAddress, attempt.UserAgent),
		IPAddress: attempt.IPAddress,
		UserAgent: attempt.UserAgent,
	}); err != nil {
		log.Warn("Device registration failed", zap.Error(err))
	}
	if err := s.users.TouchLastLogin(ctx, user.ID, time.Now()); err != nil {
		log.Warn("Last login update failed", zap.Error(err))
	}

	attempt.Outcome = history.OutcomeGranted
	if err := s.attempts.Record(ctx, attempt); err != nil {
		log.Error("Failed to record attempt", zap.Error(err))
	}

	metrics.RecordAuthAttempt("granted")
	s.security.Log(logger.SecurityEvent{
		EventType:    "login",
		UserID:       user.ID.String(),
		Username:     user.Username,
		Outcome:      "granted",
		IPAddress:    attempt.IPAddress,
		UserAgent:    attempt.UserAgent,
		Location:     attempt.Location,
		TrustScore:   attempt.TrustScore,
		IsSuspicious: attempt.Suspicious,
		NewLocation:  attempt.NewLocation,
	})

	c.JSON(http.StatusOK, LoginResponse{
		Status:      statusGranted,
		Token:       token,
		SessionID:   session.ID,
		TrustScore:  attempt.TrustScore,
		NewLocation: attempt.NewLocation,
		ExpiresAt:   session.ExpiresAt,
	})
}

// requestLogger returns the service logger enriched with the request's trace
// context for log-trace correlation.
func (s *Service) requestLogger(c *gin.Context) *zap.Logger {
	return logger.WithTraceContext(s.logger, c.Request.Context())
}

// mustClaims returns the validated claims set by RequireAuth, responding 401
// when the middleware did not run.
func mustClaims(c *gin.Context) *auth.Claims {
	value, ok := c.Get("claims")
	if !ok {
		apperrors.RespondWithError(c, apperrors.Unauthorized("authentication required"))
		return nil
	}
	claims, ok := value.(*auth.Claims)
	if !ok {
		apperrors.RespondWithError(c, apperrors.Unauthorized("authentication required"))
		return nil
	}
	return claims
}

// clientIP resolves the originating address, honoring the CDN header when
// present.
func clientIP(c *gin.Context) string {
	if ip := c.GetHeader("CF-Connecting-IP"); ip != "" {
		return ip
	}
	return c.ClientIP()
}
