// Package search is the orchestrator: it fans a query out to the
// product sources, pushes everything they return through the
// verification pipeline, and ranks what survives. Sources fail
// independently; a session-level circuit breaker keeps a misbehaving
// source from dragging down every later search.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shopscout/shopscout/internal/cache"
	"github.com/shopscout/shopscout/internal/metrics"
	"github.com/shopscout/shopscout/internal/product"
	"github.com/shopscout/shopscout/internal/rank"
	"github.com/shopscout/shopscout/internal/storefront"
)

// DefaultK is how many products a search returns when the caller does
// not say.
const DefaultK = 10

// SourceStatus is one source's outcome for a single search, returned
// to the caller so degraded answers are distinguishable from empty
// ones.
type SourceStatus struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
	Results int    `json:"results"`
	Error   string `json:"error,omitempty"`
}

// Response is a completed search.
type Response struct {
	Products []product.Product       `json:"products"`
	Sources  map[string]SourceStatus `json:"sources"`
	Degraded bool                    `json:"degraded"`
}

// Config wires an orchestrator.
type Config struct {
	Sources  []Source
	Pipeline *Pipeline
	Cache    cache.Store
	Ranker   *rank.Ranker
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Orchestrator coordinates sources, pipeline, cache and ranking for
// one session.
type Orchestrator struct {
	sources  []Source
	session  *Session
	pipeline *Pipeline
	cache    cache.Store
	ranker   *rank.Ranker
	cacheTTL time.Duration
	logger   *slog.Logger
}

// New creates an orchestrator with a fresh session.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("search: at least one source is required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("search: pipeline is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemory()
	}
	if cfg.Ranker == nil {
		cfg.Ranker = rank.New(rank.Weights{})
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Orchestrator{
		sources:  cfg.Sources,
		session:  NewSession(),
		pipeline: cfg.Pipeline,
		cache:    cfg.Cache,
		ranker:   cfg.Ranker,
		cacheTTL: cfg.CacheTTL,
		logger:   cfg.Logger.With("component", "orchestrator"),
	}, nil
}

// Search runs one query end to end. Individual source and candidate
// failures degrade the response; they never fail it. The returned
// error is reserved for context cancellation.
func (o *Orchestrator) Search(ctx context.Context, q Query) (*Response, error) {
	if strings.TrimSpace(q.Descriptor) == "" {
		return nil, fmt.Errorf("search: empty descriptor")
	}
	if q.K <= 0 {
		q.K = DefaultK
	}

	candidates, statuses := o.fanOut(ctx, q)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates = dedupCandidates(candidates)

	hits, misses, err := o.splitCached(ctx, candidates)
	if err != nil {
		// A broken cache degrades to verifying everything.
		o.logger.Warn("cache lookup failed", "error", err)
		hits, misses = nil, candidates
	}

	// Cache keys are taken before the pipeline runs: storefront
	// resolution may rewrite a candidate's URL to pin a variant, and the
	// next search looks the same candidate up under the pre-rewrite key.
	missKeys := make([]string, len(misses))
	for i, c := range misses {
		missKeys[i] = product.CanonicalKey(c.BestURL())
	}

	// The browser verifier reads the requested variant off the
	// candidate itself.
	for _, c := range misses {
		if c.Size == "" {
			c.Size = q.Filters.Size
		}
		if c.Color == "" {
			c.Color = q.Filters.Color
		}
	}

	want := storefront.Want{Size: q.Filters.Size, Color: q.Filters.Color}
	if err := o.pipeline.Run(ctx, misses, want); err != nil {
		return nil, err
	}

	verified := make([]product.Product, 0, len(hits)+len(misses))
	verified = append(verified, hits...)

	writeBack := make(map[string]product.Product)
	for i, c := range misses {
		if c.Rejected() || c.Stage < product.StageAPIChecked {
			continue
		}
		p := c.Product(true)
		verified = append(verified, p)
		writeBack[missKeys[i]] = p
	}
	if len(writeBack) > 0 {
		if err := o.cache.SetBatch(ctx, writeBack, o.cacheTTL); err != nil {
			o.logger.Warn("cache write-through failed", "error", err)
		}
	}

	degraded := false
	for _, st := range statuses {
		if !st.Enabled || st.Error != "" {
			degraded = true
		}
	}

	products := o.finish(verified, q)
	if len(products) == 0 {
		// Verification ate everything; surface the best unverified
		// candidates rather than nothing, clearly flagged.
		products = o.unverifiedFallback(misses, q)
		if len(products) > 0 {
			degraded = true
		}
	}

	return &Response{
		Products: products,
		Sources:  statuses,
		Degraded: degraded,
	}, nil
}

// fanOut queries all enabled sources in parallel and settles every
// outcome: results and errors are collected per source, never
// short-circuited.
func (o *Orchestrator) fanOut(ctx context.Context, q Query) ([]*product.Candidate, map[string]SourceStatus) {
	var mu sync.Mutex
	statuses := make(map[string]SourceStatus, len(o.sources))
	var all []*product.Candidate

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range o.sources {
		src := src
		name := src.Name()

		if !o.session.Enabled(name) {
			state := o.session.State(name)
			mu.Lock()
			statuses[name] = SourceStatus{Enabled: false, Reason: state.Reason}
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			candidates, err := src.Search(gctx, q)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				class := Classify(err)
				o.logger.Warn("source failed",
					"source", name, "class", class.String(), "error", err)
				if class.DisablesSource() {
					o.session.Disable(name, class.String())
				}
				statuses[name] = SourceStatus{
					Enabled: o.session.Enabled(name),
					Reason:  o.session.State(name).Reason,
					Error:   err.Error(),
				}
				return nil
			}

			statuses[name] = SourceStatus{Enabled: true, Results: len(candidates)}
			all = append(all, candidates...)
			return nil
		})
	}
	_ = g.Wait()

	return all, statuses
}

// dedupCandidates collapses candidates sharing a canonical URL,
// keeping the more relevant one.
func dedupCandidates(candidates []*product.Candidate) []*product.Candidate {
	best := make(map[string]*product.Candidate, len(candidates))
	order := make([]string, 0, len(candidates))

	for _, c := range candidates {
		key := product.CanonicalKey(c.BestURL())
		cur, ok := best[key]
		if !ok {
			best[key] = c
			order = append(order, key)
			continue
		}
		if c.Relevance > cur.Relevance {
			best[key] = c
		}
	}

	out := make([]*product.Candidate, 0, len(best))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

// splitCached separates candidates already verified within the TTL
// from the ones that need the pipeline.
func (o *Orchestrator) splitCached(ctx context.Context, candidates []*product.Candidate) (hits []product.Product, misses []*product.Candidate, err error) {
	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = product.CanonicalKey(c.BestURL())
	}

	found, err := o.cache.GetBatch(ctx, keys)
	if err != nil {
		return nil, nil, err
	}

	for i, c := range candidates {
		if p, ok := found[keys[i]]; ok {
			metrics.RecordCacheOp("get", true)
			p.Source = product.SourceCache
			if c.Relevance > p.Relevance {
				p.Relevance = c.Relevance
			}
			hits = append(hits, p)
			continue
		}
		metrics.RecordCacheOp("get", false)
		misses = append(misses, c)
	}
	return hits, misses, nil
}

// finish applies the caller's filters, ranks, and cuts to K.
func (o *Orchestrator) finish(products []product.Product, q Query) []product.Product {
	filtered := products[:0:0]
	for _, p := range products {
		if q.Budget.HardCap > 0 && p.Price != nil && *p.Price > q.Budget.HardCap {
			continue
		}
		if len(q.Retailers) > 0 && !retailerAllowed(p.Retailer, q.Retailers) {
			continue
		}
		filtered = append(filtered, p)
	}

	ranked := o.ranker.Rank(filtered, q.Budget, q.Filters.Brand)
	if len(ranked) > q.K {
		ranked = ranked[:q.K]
	}
	return ranked
}

// unverifiedFallback builds a best-effort answer from candidates that
// at least survived the prefilter, flagged Verified=false.
func (o *Orchestrator) unverifiedFallback(candidates []*product.Candidate, q Query) []product.Product {
	pool := make([]product.Product, 0, len(candidates))
	for _, c := range candidates {
		if c.Stage < product.StagePrefiltered {
			continue
		}
		if c.Availability == product.AvailabilityOutOfStock {
			continue
		}
		if q.Budget.HardCap > 0 && c.Price != nil && *c.Price > q.Budget.HardCap {
			continue
		}
		p := c.Product(false)
		if len(q.Retailers) > 0 && !retailerAllowed(p.Retailer, q.Retailers) {
			continue
		}
		pool = append(pool, p)
	}

	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].Relevance > pool[j].Relevance
	})
	if len(pool) > q.K {
		pool = pool[:q.K]
	}
	return pool
}

func retailerAllowed(retailer string, allowed []string) bool {
	retailer = strings.TrimPrefix(strings.ToLower(retailer), "www.")
	for _, a := range allowed {
		a = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(a)), "www.")
		if retailer == a || strings.HasSuffix(retailer, "."+a) {
			return true
		}
	}
	return false
}
