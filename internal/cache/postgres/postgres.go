package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopscout/shopscout/internal/cache"
	"github.com/shopscout/shopscout/internal/product"
)

// ensure pgStore implements cache.Store
var _ cache.Store = (*pgStore)(nil)

type pgStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS verified_links (
	key TEXT PRIMARY KEY,
	product JSONB NOT NULL,
	written_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verified_links_expires ON verified_links (expires_at);
`

// New connects to PostgreSQL and prepares the verified-link table. Use
// this backend when several instances share one cache.
func New(ctx context.Context, dsn string) (cache.Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cache/postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache/postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache/postgres: %w", err)
	}

	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Get(ctx context.Context, key string) (product.Product, bool, error) {
	var raw []byte

	err := s.pool.QueryRow(ctx, `
	SELECT product FROM verified_links
	WHERE key = $1 AND expires_at > now()`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return product.Product{}, false, nil
		}
		return product.Product{}, false, fmt.Errorf("cache/postgres: %w", err)
	}

	var p product.Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return product.Product{}, false, fmt.Errorf("cache/postgres: %w", err)
	}
	return p, true, nil
}

func (s *pgStore) Set(ctx context.Context, key string, p product.Product, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("cache/postgres: %w", err)
	}

	now := time.Now()
	_, err = s.pool.Exec(ctx, `
	INSERT INTO verified_links (key, product, written_at, expires_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (key) DO UPDATE SET
		product = EXCLUDED.product,
		written_at = EXCLUDED.written_at,
		expires_at = EXCLUDED.expires_at
	`, key, raw, now, now.Add(ttl))

	if err != nil {
		return fmt.Errorf("cache/postgres: %w", err)
	}
	return nil
}

func (s *pgStore) GetBatch(ctx context.Context, keys []string) (map[string]product.Product, error) {
	found := make(map[string]product.Product)
	if len(keys) == 0 {
		return found, nil
	}

	rows, err := s.pool.Query(ctx, `
	SELECT key, product FROM verified_links
	WHERE key = ANY($1) AND expires_at > now()`, keys)
	if err != nil {
		return nil, fmt.Errorf("cache/postgres: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("cache/postgres: %w", err)
		}
		var p product.Product
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("cache/postgres: %w", err)
		}
		found[key] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache/postgres: %w", err)
	}
	return found, nil
}

func (s *pgStore) SetBatch(ctx context.Context, products map[string]product.Product, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cache/postgres: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for key, p := range products {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("cache/postgres: %w", err)
		}
		if _, err := tx.Exec(ctx, `
		INSERT INTO verified_links (key, product, written_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			product = EXCLUDED.product,
			written_at = EXCLUDED.written_at,
			expires_at = EXCLUDED.expires_at
		`, key, raw, now, now.Add(ttl)); err != nil {
			return fmt.Errorf("cache/postgres: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cache/postgres: %w", err)
	}
	return nil
}

func (s *pgStore) Invalidate(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM verified_links WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cache/postgres: %w", err)
	}
	return nil
}

func (s *pgStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM verified_links`); err != nil {
		return fmt.Errorf("cache/postgres: %w", err)
	}
	return nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
