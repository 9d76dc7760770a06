// Package identity provides the employee account store with PostgreSQL
// implementation.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// User is an employee account known to the gateway.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	FullName     string     `json:"full_name"`
	PasswordHash string     `json:"-"`
	TOTPSecret   string     `json:"-"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// AccountAgeDays returns the whole days since the account was created.
func (u *User) AccountAgeDays(now time.Time) int {
	if u.CreatedAt.IsZero() || now.Before(u.CreatedAt) {
		return 0
	}
	return int(now.Sub(u.CreatedAt).Hours() / 24)
}

// HasAuthenticator reports whether the user enrolled an authenticator app.
func (u *User) HasAuthenticator() bool {
	return u.TOTPSecret != ""
}

// Device is a device signature remembered for a user after a verified login.
type Device struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Signature string    `json:"signature"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
