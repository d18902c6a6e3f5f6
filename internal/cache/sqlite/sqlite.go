package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopscout/shopscout/internal/cache"
	"github.com/shopscout/shopscout/internal/product"
	_ "modernc.org/sqlite"
)

// ensure sqliteStore implements cache.Store
var _ cache.Store = (*sqliteStore)(nil)

type sqliteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS verified_links (
	key TEXT PRIMARY KEY,
	product TEXT NOT NULL,
	written_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verified_links_expires ON verified_links (expires_at);
`

// New creates a SQLite-backed cache.Store. The cache survives process
// restarts, so verified links carry over between runs until expiry.
func New(dsn string) (cache.Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache/sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache/sqlite: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (product.Product, bool, error) {
	var raw string
	var expiresAt int64

	row := s.db.QueryRowContext(ctx,
		`SELECT product, expires_at FROM verified_links WHERE key = ?`, key)
	if err := row.Scan(&raw, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return product.Product{}, false, nil
		}
		return product.Product{}, false, fmt.Errorf("cache/sqlite: %w", err)
	}

	if time.Now().Unix() >= expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM verified_links WHERE key = ?`, key)
		return product.Product{}, false, nil
	}

	var p product.Product
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return product.Product{}, false, fmt.Errorf("cache/sqlite: %w", err)
	}
	return p, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, p product.Product, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("cache/sqlite: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO verified_links (key, product, written_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		product = excluded.product,
		written_at = excluded.written_at,
		expires_at = excluded.expires_at
	`, key, string(raw), now.Unix(), now.Add(ttl).Unix())

	if err != nil {
		return fmt.Errorf("cache/sqlite: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetBatch(ctx context.Context, keys []string) (map[string]product.Product, error) {
	found := make(map[string]product.Product)
	for _, key := range keys {
		p, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			found[key] = p
		}
	}
	return found, nil
}

func (s *sqliteStore) SetBatch(ctx context.Context, products map[string]product.Product, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache/sqlite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	now := time.Now()

	for key, p := range products {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("cache/sqlite: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO verified_links (key, product, written_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			product = excluded.product,
			written_at = excluded.written_at,
			expires_at = excluded.expires_at
		`, key, string(raw), now.Unix(), now.Add(ttl).Unix()); err != nil {
			return fmt.Errorf("cache/sqlite: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache/sqlite: %w", err)
	}
	return nil
}

func (s *sqliteStore) Invalidate(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM verified_links WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache/sqlite: %w", err)
	}
	return nil
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM verified_links`); err != nil {
		return fmt.Errorf("cache/sqlite: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
