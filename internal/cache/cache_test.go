package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopscout/shopscout/internal/product"
)

func TestMemoryGetMiss(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	_, ok, err := store.Get(context.Background(), "https://example.com/p/1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected miss on empty store")
	}
}

func TestMemorySetGet(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	ctx := context.Background()
	p := product.Product{Title: "Leather Boots", URL: "https://example.com/p/1", Verified: true}

	if err := store.Set(ctx, "https://example.com/p/1", p, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, ok, err := store.Get(ctx, "https://example.com/p/1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Title != "Leather Boots" || !got.Verified {
		t.Errorf("got %+v, want stored product back", got)
	}
}

func TestMemoryExpiredEntryIsMiss(t *testing.T) {
	current := time.Now()
	store := newMemoryWithClock(func() time.Time { return current })

	ctx := context.Background()
	p := product.Product{Title: "Wool Coat"}
	if err := store.Set(ctx, "key", p, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	// Still inside the TTL.
	if _, ok, _ := store.Get(ctx, "key"); !ok {
		t.Fatal("expected hit before expiry")
	}

	current = current.Add(time.Minute + time.Second)
	if _, ok, _ := store.Get(ctx, "key"); ok {
		t.Error("expected expired entry to be a miss")
	}

	// The expired entry is purged, not resurrected.
	if _, ok, _ := store.Get(ctx, "key"); ok {
		t.Error("expected entry to stay gone after purge")
	}
}

func TestMemoryZeroTTLUsesDefault(t *testing.T) {
	current := time.Now()
	store := newMemoryWithClock(func() time.Time { return current })

	ctx := context.Background()
	if err := store.Set(ctx, "key", product.Product{Title: "Scarf"}, 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	current = current.Add(DefaultTTL - time.Second)
	if _, ok, _ := store.Get(ctx, "key"); !ok {
		t.Error("expected hit just inside the default TTL")
	}

	current = current.Add(2 * time.Second)
	if _, ok, _ := store.Get(ctx, "key"); ok {
		t.Error("expected miss just past the default TTL")
	}
}

func TestMemoryGetBatch(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	ctx := context.Background()
	products := map[string]product.Product{
		"a": {Title: "A"},
		"b": {Title: "B"},
	}
	if err := store.SetBatch(ctx, products, time.Minute); err != nil {
		t.Fatalf("setbatch failed: %v", err)
	}

	found, err := store.GetBatch(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("getbatch failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(found))
	}
	if found["a"].Title != "A" || found["b"].Title != "B" {
		t.Errorf("unexpected batch contents: %+v", found)
	}
	if _, ok := found["c"]; ok {
		t.Error("key c should be absent")
	}
}

func TestMemoryInvalidateAndClear(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	ctx := context.Background()
	_ = store.Set(ctx, "a", product.Product{Title: "A"}, time.Minute)
	_ = store.Set(ctx, "b", product.Product{Title: "B"}, time.Minute)

	if err := store.Invalidate(ctx, "a"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "a"); ok {
		t.Error("expected a to be gone after invalidate")
	}
	if _, ok, _ := store.Get(ctx, "b"); !ok {
		t.Error("expected b to survive invalidate of a")
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "b"); ok {
		t.Error("expected b to be gone after clear")
	}
}
