// Package cache provides the verified-link cache: a TTL-keyed store
// mapping canonical product URLs to fully verified products. Expired
// entries are treated as misses and never returned.
package cache

import (
	"context"
	"time"

	"github.com/shopscout/shopscout/internal/product"
)

// DefaultTTL is how long a verified link stays trusted before it must
// be re-verified.
const DefaultTTL = time.Hour

// Store is the interface all cache backends implement. Keys are
// canonical URLs (see product.CanonicalKey). All methods are safe for
// concurrent use; there are no cross-key invariants.
type Store interface {
	// Get returns the cached product for the key, or ok=false on a
	// miss. An expired entry is a miss.
	Get(ctx context.Context, key string) (product.Product, bool, error)
	// Set writes a product under the key with the given TTL. A zero
	// ttl uses DefaultTTL.
	Set(ctx context.Context, key string, p product.Product, ttl time.Duration) error
	// GetBatch returns the subset of keys present and unexpired.
	GetBatch(ctx context.Context, keys []string) (map[string]product.Product, error)
	// SetBatch writes all products keyed by canonical URL.
	SetBatch(ctx context.Context, products map[string]product.Product, ttl time.Duration) error
	// Invalidate removes one key.
	Invalidate(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	Close() error
}
