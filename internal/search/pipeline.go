package search

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/shopscout/shopscout/internal/product"
	"github.com/shopscout/shopscout/internal/storefront"
)

// The pipeline stages are consumed through small interfaces so the
// orchestrator can be exercised without HTTP servers or browsers.

// Prefilterer screens candidates over plain HTTP.
type Prefilterer interface {
	Run(ctx context.Context, candidates []*product.Candidate) error
}

// StorefrontResolver answers availability through a retailer API where
// one exists.
type StorefrontResolver interface {
	Resolve(ctx context.Context, c *product.Candidate, want storefront.Want)
}

// BrowserVerifier proves purchasability in a real browser session.
type BrowserVerifier interface {
	Verify(ctx context.Context, c *product.Candidate) product.VerificationResult
	Concurrency() int
}

// LinkHardener re-checks the final link.
type LinkHardener interface {
	Harden(ctx context.Context, c *product.Candidate)
}

// Pipeline runs candidates through the verification stages in strict
// order. Stages mutate candidates in place; a rejection at any stage
// stops that candidate's progress without affecting the others.
type Pipeline struct {
	Prefilter  Prefilterer
	Storefront StorefrontResolver
	Verifier   BrowserVerifier
	Hardener   LinkHardener

	// HardenConcurrency bounds the hardener fan-out. Zero means 10.
	HardenConcurrency int
}

// Run executes prefilter, storefront resolution, browser verification
// and hardening over the candidate set. Candidates confirmed by a
// storefront API skip the browser. Per-candidate failures are folded
// into the candidates themselves; only context cancellation aborts.
func (p *Pipeline) Run(ctx context.Context, candidates []*product.Candidate, want storefront.Want) error {
	if len(candidates) == 0 {
		return nil
	}

	if p.Prefilter != nil {
		if err := p.Prefilter.Run(ctx, candidates); err != nil {
			return err
		}
	}

	if p.Storefront != nil {
		for _, c := range candidates {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.Rejected() {
				continue
			}
			p.Storefront.Resolve(ctx, c, want)
		}
	}

	if p.Verifier != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.Verifier.Concurrency())
		for _, c := range candidates {
			if c.Rejected() || c.Stage >= product.StageAPIChecked {
				// API-confirmed availability; no browser needed.
				continue
			}
			c := c
			g.Go(func() error {
				p.Verifier.Verify(gctx, c)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if p.Hardener != nil {
		limit := p.HardenConcurrency
		if limit <= 0 {
			limit = 10
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, c := range candidates {
			if c.Rejected() {
				continue
			}
			c := c
			g.Go(func() error {
				p.Hardener.Harden(gctx, c)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	return nil
}
