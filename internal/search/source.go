package search

import (
	"context"

	"github.com/shopscout/shopscout/internal/harvest"
	"github.com/shopscout/shopscout/internal/product"
	"github.com/shopscout/shopscout/internal/rank"
)

// Filters narrow a search beyond the descriptor text.
type Filters struct {
	Gender   string
	Color    string
	Size     string
	Brand    string
	Location string
}

// Query is one search request at the orchestrator boundary.
type Query struct {
	Descriptor string
	Budget     rank.Budget
	Filters    Filters
	Retailers  []string // restrict results to these retailer domains
	K          int      // how many products to return
}

// Source produces pipeline candidates for a query. Sources are
// unreliable by assumption; the orchestrator isolates their failures.
type Source interface {
	Name() string
	Search(ctx context.Context, q Query) ([]*product.Candidate, error)
}

// harvestSource adapts the harvester (and through it the aggregator)
// to the Source boundary.
type harvestSource struct {
	harvester *harvest.Harvester
}

// NewHarvestSource wraps a harvester as an orchestrator source.
func NewHarvestSource(h *harvest.Harvester) Source {
	return &harvestSource{harvester: h}
}

func (s *harvestSource) Name() string { return "aggregator" }

func (s *harvestSource) Search(ctx context.Context, q Query) ([]*product.Candidate, error) {
	text := q.Descriptor
	if q.Filters.Gender != "" {
		text = q.Filters.Gender + " " + text
	}
	if q.Filters.Color != "" {
		text = q.Filters.Color + " " + text
	}
	if q.Filters.Brand != "" {
		text = q.Filters.Brand + " " + text
	}

	hq := harvest.Query{Text: text}
	if q.Budget.HardCap > 0 {
		hardCap := q.Budget.HardCap
		hq.MaxPrice = &hardCap
	}

	candidates, err := s.harvester.Harvest(ctx, hq)
	if err != nil {
		return nil, err
	}

	// Engines return best-first; decay relevance down the list so the
	// ranker can tell the difference.
	for i, c := range candidates {
		c.Relevance = 1.0 / (1.0 + 0.1*float64(i))
	}
	return candidates, nil
}

var _ Source = (*harvestSource)(nil)
