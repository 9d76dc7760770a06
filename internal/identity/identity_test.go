package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("s3cret-passphrase")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-passphrase", hash)

	assert.True(t, VerifyPassword(hash, "s3cret-passphrase"))
	assert.False(t, VerifyPassword(hash, "wrong"))
	assert.False(t, VerifyPassword("", "s3cret-passphrase"))
}

func TestUser_AccountAgeDays(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	u := &User{CreatedAt: now.AddDate(0, 0, -45)}
	assert.Equal(t, 45, u.AccountAgeDays(now))

	fresh := &User{CreatedAt: now.Add(-2 * time.Hour)}
	assert.Equal(t, 0, fresh.AccountAgeDays(now))

	future := &User{CreatedAt: now.Add(time.Hour)}
	assert.Equal(t, 0, future.AccountAgeDays(now))

	var zero User
	assert.Equal(t, 0, zero.AccountAgeDays(now))
}

func TestUser_HasAuthenticator(t *testing.T) {
	assert.False(t, (&User{}).HasAuthenticator())
	assert.True(t, (&User{TOTPSecret: "JBSWY3DPEHPK3PXP"}).HasAuthenticator())
}

func TestDeviceSignature(t *testing.T) {
	t.Run("Stable within an IPv4 /24", func(t *testing.T) {
		ua := "Mozilla/5.0 (X11; Linux x86_64)"
		a := DeviceSignature("10.20.30.5", ua)
		b := DeviceSignature("10.20.30.200", ua)
		assert.Equal(t, a, b)
	})

	t.Run("Differs across subnets", func(t *testing.T) {
		ua := "Mozilla/5.0 (X11; Linux x86_64)"
		a := DeviceSignature("10.20.30.5", ua)
		b := DeviceSignature("10.20.31.5", ua)
		assert.NotEqual(t, a, b)
	})

	t.Run("Differs across user agents", func(t *testing.T) {
		a := DeviceSignature("10.20.30.5", "Mozilla/5.0 (X11; Linux x86_64)")
		b := DeviceSignature("10.20.30.5", "Mozilla/5.0 (Macintosh)")
		assert.NotEqual(t, a, b)
	})

	t.Run("Unparseable IP still yields a signature", func(t *testing.T) {
		sig := DeviceSignature("not-an-ip", "ua")
		assert.Len(t, sig, 32)
	})
}
