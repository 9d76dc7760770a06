package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InitializeSchema creates the login attempt table.
func InitializeSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS login_attempts (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			username VARCHAR(255) NOT NULL,
			ip_address VARCHAR(45),
			user_agent TEXT,
			location VARCHAR(255),
			latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
			longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
			geo_distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
			trust_score INTEGER NOT NULL DEFAULT 0,
			suspicious BOOLEAN NOT NULL DEFAULT false,
			new_location BOOLEAN NOT NULL DEFAULT false,
			outcome VARCHAR(50) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create login_attempts table: %w", err)
	}

	_, err = db.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_login_attempts_user_created
		 ON login_attempts(user_id, created_at DESC)`)
	if err != nil {
		return fmt.Errorf("create login_attempts index: %w", err)
	}
	return nil
}
