package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a user or device does not exist.
var ErrNotFound = errors.New("identity: not found")

// Repository defines the interface for account data operations.
type Repository interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	SetTOTPSecret(ctx context.Context, id uuid.UUID, secret string) error

	// Device operations feeding the device consistency sub-score
	KnownDevices(ctx context.Context, userID uuid.UUID) ([]Device, error)
	RegisterDevice(ctx context.Context, device *Device) error

	Ping(ctx context.Context) error
}

// PostgreSQLRepository implements Repository using PostgreSQL.
type PostgreSQLRepository struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLRepository creates a new PostgreSQL repository.
func NewPostgreSQLRepository(pool *pgxpool.Pool) *PostgreSQLRepository {
	return &PostgreSQLRepository{pool: pool}
}

// Ping checks if the database connection is alive.
func (r *PostgreSQLRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetUser fetches a user by ID.
func (r *PostgreSQLRepository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return r.scanUser(r.pool.QueryRow(ctx,
		`SELECT id, username, email, full_name, password_hash, COALESCE(totp_secret, ''), active, created_at, last_login_at
		 FROM users WHERE id = $1`, id))
}

// GetUserByUsername fetches a user by username.
func (r *PostgreSQLRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return r.scanUser(r.pool.QueryRow(ctx,
		`SELECT id, username, email, full_name, password_hash, COALESCE(totp_secret, ''), active, created_at, last_login_at
		 FROM users WHERE username = $1`, username))
}

func (r *PostgreSQLRepository) scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash,
		&u.TOTPSecret, &u.Active, &u.CreatedAt, &u.LastLoginAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// TouchLastLogin records the time of a granted login.
func (r *PostgreSQLRepository) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

// SetTOTPSecret stores the encrypted authenticator secret for a user.
func (r *PostgreSQLRepository) SetTOTPSecret(ctx context.Context, id uuid.UUID, secret string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`UPDATE users SET totp_secret = $2 WHERE id = $1`, id, secret)
	if err != nil {
		return fmt.Errorf("set totp secret: %w", err)
	}
	return nil
}

// KnownDevices returns the devices seen for a user on verified logins.
func (r *PostgreSQLRepository) KnownDevices(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, signature, ip_address, user_agent, first_seen, last_seen
		 FROM user_devices WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Signature, &d.IPAddress,
			&d.UserAgent, &d.FirstSeen, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// RegisterDevice upserts a device signature after a verified login.
func (r *PostgreSQLRepository) RegisterDevice(ctx context.Context, device *Device) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	now := time.Now()
	if device.FirstSeen.IsZero() {
		device.FirstSeen = now
	}
	device.LastSeen = now

	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_devices (id, user_id, signature, ip_address, user_agent, first_seen, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, signature) DO UPDATE
		 SET ip_address = EXCLUDED.ip_address,
		     user_agent = EXCLUDED.user_agent,
		     last_seen = EXCLUDED.last_seen`,
		device.ID, device.UserID, device.Signature, device.IPAddress,
		device.UserAgent, device.FirstSeen, device.LastSeen)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}
