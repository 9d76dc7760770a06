package otp

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	totpIssuer       = "GuardPost"
	totpPeriod       = 30
	totpSecretLength = 20
	totpWindow       = 1

	redisUsedTOTPPrefix = "verify:totp:used:"
	usedTOTPCodeTTL     = 5 * time.Minute
)

// TOTPSecret is a freshly enrolled authenticator secret. URL is the
// otpauth:// provisioning URL for QR code display.
type TOTPSecret struct {
	Secret      string    `json:"secret"`
	AccountName string    `json:"account_name"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
}

// TOTPManager enrolls and validates authenticator-app codes, which satisfy
// the step-up challenge without an emailed code. Redis tracks accepted codes
// so one code cannot be replayed within its validity window.
type TOTPManager struct {
	redis  RedisClient
	logger *zap.Logger
}

// NewTOTPManager creates a TOTP manager.
func NewTOTPManager(logger *zap.Logger, redis RedisClient) *TOTPManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TOTPManager{redis: redis, logger: logger}
}

// Enroll generates a new authenticator secret for an account.
func (m *TOTPManager) Enroll(accountName string) (*TOTPSecret, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: accountName,
		Period:      totpPeriod,
		SecretSize:  totpSecretLength,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate authenticator secret: %w", err)
	}

	m.logger.Info("Authenticator enrolled",
		zap.String("account_name", accountName))

	return &TOTPSecret{
		Secret:      key.Secret(),
		AccountName: accountName,
		URL:         key.URL(),
		CreatedAt:   time.Now(),
	}, nil
}

// Validate checks an authenticator code against the stored secret, tolerating
// one period of clock drift. An accepted code is marked used and rejected on
// replay.
func (m *TOTPManager) Validate(ctx context.Context, userID, secret, code string) (bool, error) {
	if secret == "" {
		return false, fmt.Errorf("no authenticator enrolled")
	}
	if code == "" {
		return false, fmt.Errorf("code cannot be empty")
	}

	usedKey := fmt.Sprintf("%s%s:%s", redisUsedTOTPPrefix, userID, code)
	if m.redis != nil {
		err := m.redis.Get(ctx, usedKey).Err()
		if err == nil {
			m.logger.Warn("Authenticator code replay rejected",
				zap.String("user_id", userID))
			return false, nil
		}
		if err != redis.Nil {
			return false, fmt.Errorf("redis error: %w", err)
		}
	}

	if !m.matches(secret, code) {
		return false, nil
	}

	if m.redis != nil {
		if err := m.redis.Set(ctx, usedKey, "1", usedTOTPCodeTTL).Err(); err != nil {
			m.logger.Error("Failed to mark authenticator code as used",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	return true, nil
}

// matches compares the code against the expected codes for the current and
// adjacent periods using constant-time comparison.
func (m *TOTPManager) matches(secret, code string) bool {
	for i := -totpWindow; i <= totpWindow; i++ {
		at := time.Now().Add(time.Duration(i) * totpPeriod * time.Second)
		expected, err := totp.GenerateCode(secret, at)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(expected)) == 1 {
			return true
		}
	}
	return false
}
