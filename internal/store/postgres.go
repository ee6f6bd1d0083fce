package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/featurelane/allocator/internal/api"
)

// PostgresStore implements Store on Postgres. Counter increments are a
// single additive upsert, so they are atomic under concurrent reports
// without explicit locking.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS variant_stats (
	datafile     TEXT NOT NULL,
	feature      TEXT NOT NULL,
	variant      TEXT NOT NULL,
	exposures    BIGINT NOT NULL DEFAULT 0,
	conversions  BIGINT NOT NULL DEFAULT 0,
	weight       DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (datafile, feature, variant)
);

CREATE TABLE IF NOT EXISTS weights_history (
	id              BIGSERIAL PRIMARY KEY,
	datafile        TEXT NOT NULL,
	feature         TEXT NOT NULL,
	variant         TEXT NOT NULL,
	weight          DOUBLE PRECISION NOT NULL,
	prob_being_best DOUBLE PRECISION NOT NULL,
	calculated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_weights_history_lookup
	ON weights_history (datafile, feature, id DESC);

CREATE TABLE IF NOT EXISTS artifacts (
	path       TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	expires_at TIMESTAMPTZ
);
`

// NewPostgresStore wraps an existing pool, verifying connectivity and
// creating the schema if needed.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("postgres schema init failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) IncrementStat(ctx context.Context, artifact, feature, variant string, kind StatKind) error {
	exposures, conversions := 0, 0
	switch kind {
	case KindExposure:
		exposures = 1
	case KindConversion:
		conversions = 1
	}

	query := `
		INSERT INTO variant_stats (datafile, feature, variant, exposures, conversions)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (datafile, feature, variant) DO UPDATE SET
			exposures    = variant_stats.exposures + EXCLUDED.exposures,
			conversions  = variant_stats.conversions + EXCLUDED.conversions,
			last_updated = now()
	`

	if _, err := p.pool.Exec(ctx, query, artifact, feature, variant, exposures, conversions); err != nil {
		return unavailable("postgres increment", err)
	}
	return nil
}

const statsColumns = `variant, exposures, conversions, weight, extract(epoch FROM last_updated)::bigint`

func (p *PostgresStore) GetStats(ctx context.Context, artifact, feature, variant string) (api.VariantStats, error) {
	query := `
		SELECT ` + statsColumns + `
		FROM variant_stats
		WHERE datafile = $1 AND feature = $2 AND variant = $3
	`

	var stats api.VariantStats
	err := p.pool.QueryRow(ctx, query, artifact, feature, variant).
		Scan(&stats.Variant, &stats.Exposures, &stats.Conversions, &stats.Weight, &stats.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return api.VariantStats{Variant: variant}, nil
	}
	if err != nil {
		return api.VariantStats{}, unavailable("postgres select stats", err)
	}
	return stats, nil
}

func (p *PostgresStore) ListVariants(ctx context.Context, artifact, feature string) ([]api.VariantStats, error) {
	query := `
		SELECT ` + statsColumns + `
		FROM variant_stats
		WHERE datafile = $1 AND feature = $2
		ORDER BY variant
	`

	rows, err := p.pool.Query(ctx, query, artifact, feature)
	if err != nil {
		return nil, unavailable("postgres list variants", err)
	}
	defer rows.Close()

	return scanStatsRows(rows)
}

func scanStatsRows(rows pgx.Rows) ([]api.VariantStats, error) {
	var out []api.VariantStats
	for rows.Next() {
		var stats api.VariantStats
		if err := rows.Scan(&stats.Variant, &stats.Exposures, &stats.Conversions, &stats.Weight, &stats.LastUpdated); err != nil {
			return nil, unavailable("postgres scan stats", err)
		}
		out = append(out, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres stats rows", err)
	}
	return out, nil
}

func (p *PostgresStore) ListAllStats(ctx context.Context, artifactFilter string) (map[string]map[string][]api.VariantStats, error) {
	query := `
		SELECT datafile, feature, ` + statsColumns + `
		FROM variant_stats
		WHERE $1 = '' OR datafile = $1
		ORDER BY datafile, feature, variant
	`

	rows, err := p.pool.Query(ctx, query, artifactFilter)
	if err != nil {
		return nil, unavailable("postgres list stats", err)
	}
	defer rows.Close()

	out := make(map[string]map[string][]api.VariantStats)
	for rows.Next() {
		var artifact, feature string
		var stats api.VariantStats
		if err := rows.Scan(&artifact, &feature, &stats.Variant, &stats.Exposures, &stats.Conversions, &stats.Weight, &stats.LastUpdated); err != nil {
			return nil, unavailable("postgres scan stats", err)
		}
		if out[artifact] == nil {
			out[artifact] = make(map[string][]api.VariantStats)
		}
		out[artifact][feature] = append(out[artifact][feature], stats)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres stats rows", err)
	}
	return out, nil
}

func (p *PostgresStore) SetWeight(ctx context.Context, artifact, feature, variant string, weight float64) error {
	query := `
		INSERT INTO variant_stats (datafile, feature, variant, weight)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (datafile, feature, variant) DO UPDATE SET
			weight       = EXCLUDED.weight,
			last_updated = now()
	`

	if _, err := p.pool.Exec(ctx, query, artifact, feature, variant, weight); err != nil {
		return unavailable("postgres set weight", err)
	}
	return nil
}

func (p *PostgresStore) AppendHistory(ctx context.Context, artifact, feature string, entry api.WeightHistoryEntry) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return unavailable("postgres begin", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO weights_history (datafile, feature, variant, weight, prob_being_best, calculated_at)
		VALUES ($1, $2, $3, $4, $5, to_timestamp($6))
	`
	if _, err := tx.Exec(ctx, insert, artifact, feature, entry.Variant, entry.Weight, entry.ProbBeingBest, entry.Timestamp); err != nil {
		return unavailable("postgres append history", err)
	}

	// Trim in the same transaction so the cap holds regardless of caller
	// interleaving.
	trim := `
		DELETE FROM weights_history
		WHERE id IN (
			SELECT id FROM weights_history
			WHERE datafile = $1 AND feature = $2
			ORDER BY id DESC
			OFFSET $3
		)
	`
	if _, err := tx.Exec(ctx, trim, artifact, feature, api.HistoryCap); err != nil {
		return unavailable("postgres trim history", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("postgres commit", err)
	}
	return nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, artifact, feature string, limit int) ([]api.WeightHistoryEntry, error) {
	if limit <= 0 || limit > api.HistoryCap {
		limit = api.HistoryCap
	}

	query := `
		SELECT variant, weight, prob_being_best, extract(epoch FROM calculated_at)::bigint
		FROM weights_history
		WHERE datafile = $1 AND feature = $2
		ORDER BY id DESC
		LIMIT $3
	`

	rows, err := p.pool.Query(ctx, query, artifact, feature, limit)
	if err != nil {
		return nil, unavailable("postgres get history", err)
	}
	defer rows.Close()

	var out []api.WeightHistoryEntry
	for rows.Next() {
		var entry api.WeightHistoryEntry
		if err := rows.Scan(&entry.Variant, &entry.Weight, &entry.ProbBeingBest, &entry.Timestamp); err != nil {
			return nil, unavailable("postgres scan history", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres history rows", err)
	}
	return out, nil
}

func (p *PostgresStore) GetArtifact(ctx context.Context, path string) (*api.Artifact, error) {
	query := `
		SELECT doc
		FROM artifacts
		WHERE path = $1 AND (expires_at IS NULL OR expires_at > now())
	`

	var doc []byte
	err := p.pool.QueryRow(ctx, query, path).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("postgres get artifact", err)
	}

	var artifact api.Artifact
	if err := json.Unmarshal(doc, &artifact); err != nil {
		return nil, fmt.Errorf("unmarshal artifact %q: %w", path, err)
	}
	return &artifact, nil
}

func (p *PostgresStore) SetArtifact(ctx context.Context, path string, artifact *api.Artifact, ttl time.Duration) error {
	doc, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact %q: %w", path, err)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	query := `
		INSERT INTO artifacts (path, doc, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET
			doc        = EXCLUDED.doc,
			expires_at = EXCLUDED.expires_at
	`

	if _, err := p.pool.Exec(ctx, query, path, doc, expiresAt); err != nil {
		return unavailable("postgres set artifact", err)
	}
	return nil
}

func (p *PostgresStore) ListArtifacts(ctx context.Context) ([]string, error) {
	query := `
		SELECT path FROM artifacts
		WHERE expires_at IS NULL OR expires_at > now()
		ORDER BY path
	`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, unavailable("postgres list artifacts", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, unavailable("postgres scan path", err)
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres artifact rows", err)
	}
	return paths, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return unavailable("postgres ping", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
