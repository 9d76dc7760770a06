package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guardpost/guardpost/internal/otp"
)

// ErrNoPendingLogin is returned when verification is attempted without a
// preceding challenged login.
var ErrNoPendingLogin = errors.New("no pending login")

// PendingLogin is the snapshot of a challenged login attempt, held until the
// user completes verification or the code expires.
type PendingLogin struct {
	UserID        string      `json:"user_id"`
	Username      string      `json:"username"`
	IPAddress     string      `json:"ip_address"`
	UserAgent     string      `json:"user_agent"`
	Location      string      `json:"location"`
	Latitude      float64     `json:"latitude"`
	Longitude     float64     `json:"longitude"`
	GeoDistanceKM float64     `json:"geo_distance_km"`
	TrustScore    int         `json:"trust_score"`
	Suspicious    bool        `json:"suspicious"`
	NewLocation   bool        `json:"new_location"`
	Purpose       otp.Purpose `json:"purpose"`
	CreatedAt     time.Time   `json:"created_at"`
}

// PendingStore keeps challenged logins in Redis keyed by username. A second
// login attempt for the same user replaces the snapshot, so the verification
// code always resolves against the most recent attempt.
type PendingStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewPendingStore creates a pending login store. The TTL should match the
// verification code expiry so a snapshot never outlives its code.
func NewPendingStore(redisClient *redis.Client, ttl time.Duration) *PendingStore {
	if ttl <= 0 {
		ttl = otp.DefaultCodeExpiry
	}
	return &PendingStore{redis: redisClient, ttl: ttl}
}

func (ps *PendingStore) key(username string) string {
	return "pending:login:" + strings.ToLower(username)
}

// Put stores or replaces the pending login for a user.
func (ps *PendingStore) Put(ctx context.Context, pending *PendingLogin) error {
	if pending.CreatedAt.IsZero() {
		pending.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal pending login: %w", err)
	}
	if err := ps.redis.Set(ctx, ps.key(pending.Username), data, ps.ttl).Err(); err != nil {
		return fmt.Errorf("store pending login: %w", err)
	}
	return nil
}

// Get returns the pending login for a user, or ErrNoPendingLogin.
func (ps *PendingStore) Get(ctx context.Context, username string) (*PendingLogin, error) {
	data, err := ps.redis.Get(ctx, ps.key(username)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoPendingLogin
		}
		return nil, fmt.Errorf("load pending login: %w", err)
	}

	var pending PendingLogin
	if err := json.Unmarshal([]byte(data), &pending); err != nil {
		return nil, fmt.Errorf("decode pending login: %w", err)
	}
	return &pending, nil
}

// Delete removes the pending login for a user.
func (ps *PendingStore) Delete(ctx context.Context, username string) error {
	return ps.redis.Del(ctx, ps.key(username)).Err()
}
