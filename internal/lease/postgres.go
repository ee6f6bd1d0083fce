package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLease implements Lease with a conditional upsert: the insert wins
// only when the row is absent or its expiry has passed, which is the same
// set-if-absent-with-expiry contract the Redis adapter gets from SETNX.
type PostgresLease struct {
	pool *pgxpool.Pool
}

const leaseSchema = `
CREATE TABLE IF NOT EXISTS leases (
	lease_key  TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresLease wraps an existing pool, creating the leases table if
// needed.
func NewPostgresLease(ctx context.Context, pool *pgxpool.Pool) (*PostgresLease, error) {
	if _, err := pool.Exec(ctx, leaseSchema); err != nil {
		return nil, fmt.Errorf("postgres lease schema init failed: %w", err)
	}
	return &PostgresLease{pool: pool}, nil
}

func (p *PostgresLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	query := `
		INSERT INTO leases (lease_key, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lease_key) DO UPDATE SET
			token      = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at
		WHERE leases.expires_at <= now()
	`

	tag, err := p.pool.Exec(ctx, query, key, token, time.Now().Add(ttl))
	if err != nil {
		return "", false, fmt.Errorf("postgres lease acquire failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}
	return token, true, nil
}

func (p *PostgresLease) Release(ctx context.Context, key, token string) error {
	query := `DELETE FROM leases WHERE lease_key = $1 AND token = $2`

	if _, err := p.pool.Exec(ctx, query, key, token); err != nil {
		return fmt.Errorf("postgres lease release failed: %w", err)
	}
	return nil
}
