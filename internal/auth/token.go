package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrTokenInvalid is returned when a token is malformed or signature verification fails
	ErrTokenInvalid = errors.New("token is invalid")

	// ErrTokenExpired is returned when a token has passed its expiration time
	ErrTokenExpired = errors.New("token is expired")

	// ErrTokenRevoked is returned when a token has been explicitly revoked
	ErrTokenRevoked = errors.New("token has been revoked")

	// ErrMissingSecret is returned when no signing secret is configured
	ErrMissingSecret = errors.New("signing secret is required")
)

// Claims carries the gateway's token payload. TrustScore is the score the
// engine assigned to the login the token was minted for.
type Claims struct {
	Username   string `json:"username,omitempty"`
	SessionID  string `json:"sid,omitempty"`
	TrustScore int    `json:"trust_score"`
	jwt.RegisteredClaims
}

// TokenConfig holds configuration for token generation
type TokenConfig struct {
	TokenDuration time.Duration // Default: 1 hour
	Issuer        string        // Issuer identifier
}

// DefaultTokenConfig returns sensible defaults for token configuration
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		TokenDuration: time.Hour,
		Issuer:        "guardpost",
	}
}

// TokenService handles JWT generation, validation, and revocation
type TokenService struct {
	secret []byte
	redis  *redis.Client
	config TokenConfig
	logger *zap.Logger
}

// NewTokenService creates a TokenService signing with the given HMAC secret
func NewTokenService(secret string, redisClient *redis.Client, logger *zap.Logger) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		secret: []byte(secret),
		redis:  redisClient,
		config: DefaultTokenConfig(),
		logger: logger,
	}
}

// WithConfig sets a custom token configuration
func (ts *TokenService) WithConfig(config TokenConfig) *TokenService {
	if config.TokenDuration != 0 {
		ts.config.TokenDuration = config.TokenDuration
	}
	if config.Issuer != "" {
		ts.config.Issuer = config.Issuer
	}
	return ts
}

// Generate creates a signed token for a granted login.
func (ts *TokenService) Generate(ctx context.Context, userID, username, sessionID string, trustScore int) (string, error) {
	if len(ts.secret) == 0 {
		return "", ErrMissingSecret
	}

	now := time.Now()
	claims := Claims{
		Username:   username,
		SessionID:  sessionID,
		TrustScore: trustScore,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.config.Issuer,
			Subject:   userID,
			Audience:  []string{"guardpost"},
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.config.TokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	ts.logger.Debug("generated token",
		zap.String("subject", userID),
		zap.Int("trust_score", trustScore),
	)

	return tokenString, nil
}

// Validate verifies a token's signature and expiry and returns its claims.
func (ts *TokenService) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	if len(ts.secret) == 0 {
		return nil, ErrMissingSecret
	}

	if ts.redis != nil {
		revoked, err := ts.isRevoked(ctx, tokenString)
		if err != nil {
			ts.logger.Warn("failed to check token revocation status", zap.Error(err))
			// Continue with validation even if Redis check fails
		} else if revoked {
			return nil, ErrTokenRevoked
		}
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// Revoke adds a token to the Redis blacklist until it would have expired.
func (ts *TokenService) Revoke(ctx context.Context, tokenString string) error {
	if ts.redis == nil {
		return errors.New("redis client not configured")
	}

	parser := jwt.Parser{}
	claims := &Claims{}
	_, _, err := parser.ParseUnverified(tokenString, claims)
	if err != nil {
		// Invalid token - can't be used anyway
		return nil
	}

	var ttl time.Duration
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
		if ttl <= 0 {
			return nil
		}
	} else {
		ttl = 24 * time.Hour
	}

	if err := ts.redis.Set(ctx, ts.blacklistKey(tokenString), "1", ttl).Err(); err != nil {
		return fmt.Errorf("set token in blacklist: %w", err)
	}

	return nil
}

func (ts *TokenService) isRevoked(ctx context.Context, tokenString string) (bool, error) {
	exists, err := ts.redis.Exists(ctx, ts.blacklistKey(tokenString)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (ts *TokenService) blacklistKey(tokenString string) string {
	return fmt.Sprintf("auth:revoked:%s", tokenString)
}
