package otp

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupService(t *testing.T) (*miniredis.Miniredis, *Service) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return s, NewService(zap.NewNop(), client, nil)
}

func TestService_Generate(t *testing.T) {
	_, svc := setupService(t)
	ctx := context.Background()
	userID := uuid.New()

	code, err := svc.Generate(ctx, userID, PurposeEmail)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code.Code)
	assert.Equal(t, userID, code.UserID)
	assert.Equal(t, PurposeEmail, code.Purpose)
	assert.WithinDuration(t, time.Now().Add(DefaultCodeExpiry), code.ExpiresAt, time.Second)
}

func TestService_ResendRateLimit(t *testing.T) {
	s, svc := setupService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.Generate(ctx, userID, PurposeEmail)
	require.NoError(t, err)

	_, err = svc.Generate(ctx, userID, PurposeEmail)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")

	// A different purpose is not throttled
	_, err = svc.Generate(ctx, userID, PurposePasskey)
	assert.NoError(t, err)

	s.FastForward(ResendWindow + time.Second)

	_, err = svc.Generate(ctx, userID, PurposeEmail)
	assert.NoError(t, err)
}

func TestService_Verify(t *testing.T) {
	t.Run("Correct code is accepted and consumed", func(t *testing.T) {
		_, svc := setupService(t)
		ctx := context.Background()
		userID := uuid.New()

		code, err := svc.Generate(ctx, userID, PurposeEmail)
		require.NoError(t, err)

		ok, err := svc.Verify(ctx, userID, PurposeEmail, code.Code)
		require.NoError(t, err)
		assert.True(t, ok)

		// Replay is rejected
		ok, err = svc.Verify(ctx, userID, PurposeEmail, code.Code)
		assert.Error(t, err)
		assert.False(t, ok)
	})

	t.Run("Wrong code is rejected without error", func(t *testing.T) {
		_, svc := setupService(t)
		ctx := context.Background()
		userID := uuid.New()

		code, err := svc.Generate(ctx, userID, PurposeEmail)
		require.NoError(t, err)

		ok, err := svc.Verify(ctx, userID, PurposeEmail, "000000")
		require.NoError(t, err)
		assert.False(t, ok)

		// Still accepts the right code afterwards
		ok, err = svc.Verify(ctx, userID, PurposeEmail, code.Code)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Whitespace around the code is tolerated", func(t *testing.T) {
		_, svc := setupService(t)
		ctx := context.Background()
		userID := uuid.New()

		code, err := svc.Generate(ctx, userID, PurposeEmail)
		require.NoError(t, err)

		ok, err := svc.Verify(ctx, userID, PurposeEmail, " "+code.Code+" ")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Attempt limit invalidates the code", func(t *testing.T) {
		_, svc := setupService(t)
		ctx := context.Background()
		userID := uuid.New()

		code, err := svc.Generate(ctx, userID, PurposePasskey)
		require.NoError(t, err)

		for i := 0; i < DefaultMaxAttempts; i++ {
			ok, err := svc.Verify(ctx, userID, PurposePasskey, "999999")
			require.NoError(t, err)
			assert.False(t, ok)
		}

		remaining, err := svc.RemainingAttempts(ctx, userID, PurposePasskey)
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)

		// Even the correct code is rejected now
		ok, err := svc.Verify(ctx, userID, PurposePasskey, code.Code)
		assert.Error(t, err)
		assert.False(t, ok)
	})

	t.Run("Expired code is rejected", func(t *testing.T) {
		s, svc := setupService(t)
		ctx := context.Background()
		userID := uuid.New()

		code, err := svc.Generate(ctx, userID, PurposeEmail)
		require.NoError(t, err)

		s.FastForward(DefaultCodeExpiry + time.Second)

		ok, err := svc.Verify(ctx, userID, PurposeEmail, code.Code)
		assert.Error(t, err)
		assert.False(t, ok)
	})
}

func TestService_Invalidate(t *testing.T) {
	_, svc := setupService(t)
	ctx := context.Background()
	userID := uuid.New()

	code, err := svc.Generate(ctx, userID, PurposeEmail)
	require.NoError(t, err)

	require.NoError(t, svc.Invalidate(ctx, userID, PurposeEmail))

	ok, err := svc.Verify(ctx, userID, PurposeEmail, code.Code)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestService_RemainingTime(t *testing.T) {
	_, svc := setupService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.Generate(ctx, userID, PurposeEmail)
	require.NoError(t, err)

	ttl, err := svc.RemainingTime(ctx, userID, PurposeEmail)
	require.NoError(t, err)
	assert.Greater(t, ttl, 4*time.Minute)
	assert.LessOrEqual(t, ttl, DefaultCodeExpiry)
}
