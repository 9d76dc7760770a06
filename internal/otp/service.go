// Package otp issues and verifies short-lived one-time codes for login
// step-up verification, backed by Redis.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrResendLimited is returned when a code is requested again inside the
// resend window.
var ErrResendLimited = errors.New("please wait before requesting another code")

const (
	redisCodePrefix      = "verify:code:"
	redisRateLimitPrefix = "verify:ratelimit:"
	redisAttemptsPrefix  = "verify:attempts:"

	DefaultCodeLength  = 6
	DefaultCodeExpiry  = 5 * time.Minute
	DefaultMaxAttempts = 3
	ResendWindow       = 60 * time.Second
)

// Purpose distinguishes what a code unlocks.
type Purpose string

const (
	// PurposeEmail confirms a suspicious login via the user's email.
	PurposeEmail Purpose = "email"
	// PurposePasskey is the step-up challenge for very low trust logins.
	PurposePasskey Purpose = "passkey"
)

// RedisClient is the subset of redis.Client the service uses.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// Config holds code generation and validation settings.
type Config struct {
	Length      int           // Number of digits (default: 6)
	Expiry      time.Duration // Code TTL (default: 5m)
	MaxAttempts int           // Max verification attempts (default: 3)
	RateLimit   time.Duration // Min time between codes (default: 60s)
}

// DefaultConfig returns the default code configuration.
func DefaultConfig() *Config {
	return &Config{
		Length:      DefaultCodeLength,
		Expiry:      DefaultCodeExpiry,
		MaxAttempts: DefaultMaxAttempts,
		RateLimit:   ResendWindow,
	}
}

// Code is a generated verification code. The Code field is only populated at
// generation time so it can be delivered; it is never read back.
type Code struct {
	Code      string    `json:"code"`
	UserID    uuid.UUID `json:"user_id"`
	Purpose   Purpose   `json:"purpose"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Service issues and verifies one-time codes.
type Service struct {
	config *Config
	redis  RedisClient
	logger *zap.Logger
}

// NewService creates a verification code service.
func NewService(logger *zap.Logger, redis RedisClient, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		config: config,
		redis:  redis,
		logger: logger,
	}
}

// Generate creates a new code for a user and purpose. At most one code per
// rate limit window; a new code replaces the previous one and resets the
// attempt counter.
func (s *Service) Generate(ctx context.Context, userID uuid.UUID, purpose Purpose) (*Code, error) {
	rateLimitKey := s.buildRateLimitKey(userID, purpose)
	if err := s.checkRateLimit(ctx, rateLimitKey); err != nil {
		s.logger.Warn("Verification code rate limit exceeded",
			zap.String("user_id", userID.String()),
			zap.String("purpose", string(purpose)),
		)
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	code, err := s.generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	now := time.Now()
	result := &Code{
		Code:      code,
		UserID:    userID,
		Purpose:   purpose,
		ExpiresAt: now.Add(s.config.Expiry),
		CreatedAt: now,
	}

	codeKey := s.buildCodeKey(userID, purpose)
	if err := s.redis.Set(ctx, codeKey, code, s.config.Expiry).Err(); err != nil {
		return nil, fmt.Errorf("failed to store code: %w", err)
	}

	// Reset attempt counter
	_ = s.redis.Del(ctx, s.buildAttemptsKey(userID, purpose))

	if err := s.redis.Set(ctx, rateLimitKey, "1", s.config.RateLimit).Err(); err != nil {
		s.logger.Error("Failed to set resend rate limit",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		// Don't fail generation over the rate limit key
	}

	s.logger.Info("Verification code generated",
		zap.String("user_id", userID.String()),
		zap.String("purpose", string(purpose)),
	)

	return result, nil
}

// Verify checks a submitted code. A wrong code counts against the attempt
// limit; exhausting the limit invalidates the code. A correct code is
// consumed and cannot be replayed.
func (s *Service) Verify(ctx context.Context, userID uuid.UUID, purpose Purpose, code string) (bool, error) {
	attemptsKey := s.buildAttemptsKey(userID, purpose)
	attempts, err := s.getAttemptCount(ctx, attemptsKey)
	if err != nil {
		s.logger.Error("Failed to get attempt count",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		// Continue anyway - don't block on error
	}

	codeKey := s.buildCodeKey(userID, purpose)

	if attempts >= s.config.MaxAttempts {
		s.logger.Warn("Verification max attempts exceeded",
			zap.String("user_id", userID.String()),
			zap.Int("attempts", attempts),
		)
		_ = s.redis.Del(ctx, codeKey)
		return false, fmt.Errorf("max verification attempts exceeded")
	}

	stored, err := s.redis.Get(ctx, codeKey).Result()
	if err != nil {
		if err == redis.Nil {
			s.logger.Warn("Verification code not found or expired",
				zap.String("user_id", userID.String()),
			)
			return false, fmt.Errorf("code not found or expired")
		}
		return false, fmt.Errorf("failed to retrieve code: %w", err)
	}

	input := strings.TrimSpace(code)
	if subtle.ConstantTimeCompare([]byte(input), []byte(strings.TrimSpace(stored))) != 1 {
		attempts++
		_ = s.redis.Set(ctx, attemptsKey, fmt.Sprintf("%d", attempts), s.config.Expiry).Err()

		s.logger.Warn("Verification code mismatch",
			zap.String("user_id", userID.String()),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", s.config.MaxAttempts),
		)

		return false, nil
	}

	// Consume the code
	_ = s.redis.Del(ctx, codeKey, attemptsKey)

	s.logger.Info("Verification code accepted",
		zap.String("user_id", userID.String()),
		zap.String("purpose", string(purpose)),
	)

	return true, nil
}

// Invalidate removes a pending code and its attempt counter.
func (s *Service) Invalidate(ctx context.Context, userID uuid.UUID, purpose Purpose) error {
	if err := s.redis.Del(ctx, s.buildCodeKey(userID, purpose), s.buildAttemptsKey(userID, purpose)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate code: %w", err)
	}
	return nil
}

// RemainingTime returns how long a pending code has before it expires.
func (s *Service) RemainingTime(ctx context.Context, userID uuid.UUID, purpose Purpose) (time.Duration, error) {
	result := s.redis.TTL(ctx, s.buildCodeKey(userID, purpose))
	if result.Err() != nil {
		return 0, fmt.Errorf("failed to get TTL: %w", result.Err())
	}
	return result.Val(), nil
}

// RemainingAttempts returns how many verification attempts are left.
func (s *Service) RemainingAttempts(ctx context.Context, userID uuid.UUID, purpose Purpose) (int, error) {
	attempts, err := s.getAttemptCount(ctx, s.buildAttemptsKey(userID, purpose))
	if err != nil {
		return s.config.MaxAttempts, nil
	}

	remaining := s.config.MaxAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// generateCode generates a cryptographically random numeric code
func (s *Service) generateCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < s.config.Length; i++ {
		limit.Mul(limit, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate random number: %w", err)
	}

	return fmt.Sprintf("%0*d", s.config.Length, n), nil
}

func (s *Service) getAttemptCount(ctx context.Context, key string) (int, error) {
	result := s.redis.Get(ctx, key)
	if result.Err() == redis.Nil {
		return 0, nil
	}
	if result.Err() != nil {
		return 0, result.Err()
	}

	var count int
	if _, err := fmt.Sscanf(result.Val(), "%d", &count); err != nil {
		return 0, nil
	}
	return count, nil
}

func (s *Service) checkRateLimit(ctx context.Context, key string) error {
	result := s.redis.Get(ctx, key)
	if result.Err() == redis.Nil {
		return nil
	}
	if result.Err() != nil {
		return fmt.Errorf("redis error: %w", result.Err())
	}
	return ErrResendLimited
}

func (s *Service) buildCodeKey(userID uuid.UUID, purpose Purpose) string {
	return fmt.Sprintf("%s%s:%s", redisCodePrefix, userID.String(), purpose)
}

func (s *Service) buildRateLimitKey(userID uuid.UUID, purpose Purpose) string {
	return fmt.Sprintf("%s%s:%s", redisRateLimitPrefix, userID.String(), purpose)
}

func (s *Service) buildAttemptsKey(userID uuid.UUID, purpose Purpose) string {
	return fmt.Sprintf("%s%s:%s", redisAttemptsPrefix, userID.String(), purpose)
}
