// Package history records login attempts and answers the behavioral
// questions the trust engine asks about them: last known location, recent
// failures, API request rate, and location consistency.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardpost/guardpost/internal/trust"
)

// ErrNoHistory is returned when a user has no recorded logins yet.
var ErrNoHistory = errors.New("history: no recorded logins")

// Outcome classifies what the gateway decided for an attempt.
type Outcome string

const (
	OutcomeGranted              Outcome = "granted"
	OutcomeEmailVerification    Outcome = "email_verification"
	OutcomePasskeyVerification  Outcome = "passkey_verification"
	OutcomeBlocked              Outcome = "blocked"
	OutcomeInvalidCredentials   Outcome = "invalid_credentials"
)

// Attempt is one recorded login attempt.
type Attempt struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	Username      string    `json:"username"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Location      string    `json:"location"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	GeoDistanceKM float64   `json:"geo_distance_km"`
	TrustScore    int       `json:"trust_score"`
	Suspicious    bool      `json:"suspicious"`
	NewLocation   bool      `json:"new_location"`
	Outcome       Outcome   `json:"outcome"`
	CreatedAt     time.Time `json:"created_at"`
}

// Point is a recorded login coordinate.
type Point struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	At        time.Time `json:"at"`
}

// Store defines the login history operations the gateway depends on.
type Store interface {
	Record(ctx context.Context, attempt *Attempt) error
	LastKnownLocation(ctx context.Context, userID uuid.UUID) (*Point, error)
	FailedAttempts(ctx context.Context, userID uuid.UUID, window time.Duration) (int, error)
	RequestRate(ctx context.Context, userID uuid.UUID, window time.Duration) (int, error)
	LocationConsistency(ctx context.Context, userID uuid.UUID, lat, lon float64) (float64, error)
	Recent(ctx context.Context, userID uuid.UUID, limit int) ([]Attempt, error)
}

// consistencySampleSize bounds how many granted logins feed the location
// consistency estimate.
const consistencySampleSize = 20

// PostgreSQLStore implements Store using PostgreSQL.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
	// consistencyRadiusKM is the distance within which a past login counts
	// as "the same place"
	consistencyRadiusKM float64
}

// NewPostgreSQLStore creates a login history store. radiusKM controls the
// location consistency estimate.
func NewPostgreSQLStore(pool *pgxpool.Pool, radiusKM float64) *PostgreSQLStore {
	if radiusKM <= 0 {
		radiusKM = 100
	}
	return &PostgreSQLStore{pool: pool, consistencyRadiusKM: radiusKM}
}

// Record stores a login attempt.
func (s *PostgreSQLStore) Record(ctx context.Context, attempt *Attempt) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO login_attempts
		 (id, user_id, username, ip_address, user_agent, location, latitude, longitude,
		  geo_distance_km, trust_score, suspicious, new_location, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		attempt.ID, attempt.UserID, attempt.Username, attempt.IPAddress, attempt.UserAgent,
		attempt.Location, attempt.Latitude, attempt.Longitude, attempt.GeoDistanceKM,
		attempt.TrustScore, attempt.Suspicious, attempt.NewLocation, attempt.Outcome,
		attempt.CreatedAt)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// LastKnownLocation returns the coordinates of the user's most recent granted
// login with usable coordinates.
func (s *PostgreSQLStore) LastKnownLocation(ctx context.Context, userID uuid.UUID) (*Point, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var p Point
	err := s.pool.QueryRow(ctx,
		`SELECT latitude, longitude, created_at FROM login_attempts
		 WHERE user_id = $1 AND outcome = $2 AND (latitude != 0 OR longitude != 0)
		 ORDER BY created_at DESC LIMIT 1`,
		userID, OutcomeGranted).Scan(&p.Latitude, &p.Longitude, &p.At)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoHistory
		}
		return nil, fmt.Errorf("last known location: %w", err)
	}
	return &p, nil
}

// FailedAttempts counts invalid-credential attempts in the trailing window.
func (s *PostgreSQLStore) FailedAttempts(ctx context.Context, userID uuid.UUID, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM login_attempts
		 WHERE user_id = $1 AND outcome = $2 AND created_at > $3`,
		userID, OutcomeInvalidCredentials, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed attempts: %w", err)
	}
	return count, nil
}

// RequestRate counts all attempts in the trailing window, the api_rate signal.
func (s *PostgreSQLStore) RequestRate(ctx context.Context, userID uuid.UUID, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM login_attempts
		 WHERE user_id = $1 AND created_at > $2`,
		userID, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count request rate: %w", err)
	}
	return count, nil
}

// LocationConsistency estimates how often the user logs in near the given
// coordinates, as the share of recent granted logins within the consistency
// radius. Users with no usable history get the neutral 0.5.
func (s *PostgreSQLStore) LocationConsistency(ctx context.Context, userID uuid.UUID, lat, lon float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT latitude, longitude FROM login_attempts
		 WHERE user_id = $1 AND outcome = $2 AND (latitude != 0 OR longitude != 0)
		 ORDER BY created_at DESC LIMIT $3`,
		userID, OutcomeGranted, consistencySampleSize)
	if err != nil {
		return 0, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	var distances []float64
	for rows.Next() {
		var pastLat, pastLon float64
		if err := rows.Scan(&pastLat, &pastLon); err != nil {
			return 0, fmt.Errorf("scan location: %w", err)
		}
		distances = append(distances, trust.HaversineKM(lat, lon, pastLat, pastLon))
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	return ConsistencyFromDistances(distances, s.consistencyRadiusKM), nil
}

// ConsistencyFromDistances converts past-login distances into a 0-1
// consistency value. Empty history is neutral.
func ConsistencyFromDistances(distancesKM []float64, radiusKM float64) float64 {
	if len(distancesKM) == 0 {
		return 0.5
	}

	near := 0
	for _, d := range distancesKM {
		if d <= radiusKM {
			near++
		}
	}
	return float64(near) / float64(len(distancesKM))
}

// Recent returns the user's latest attempts, newest first.
func (s *PostgreSQLStore) Recent(ctx context.Context, userID uuid.UUID, limit int) ([]Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, username, ip_address, user_agent, location, latitude, longitude,
		        geo_distance_km, trust_score, suspicious, new_location, outcome, created_at
		 FROM login_attempts
		 WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.Username, &a.IPAddress, &a.UserAgent,
			&a.Location, &a.Latitude, &a.Longitude, &a.GeoDistanceKM, &a.TrustScore,
			&a.Suspicious, &a.NewLocation, &a.Outcome, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
