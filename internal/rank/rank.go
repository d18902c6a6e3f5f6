// Package rank orders verified products for presentation. The score is
// a weighted linear blend of search relevance, budget fit, how
// trustworthy the producing source is, stock state, and brand match.
package rank

import (
	"sort"
	"strings"

	"github.com/shopscout/shopscout/internal/product"
)

// Weights are the blend coefficients. They sum to 1 by convention.
type Weights struct {
	Relevance    float64
	PriceFit     float64
	SourceTrust  float64
	Availability float64
	BrandMatch   float64
}

// DefaultWeights is the tuned production blend.
var DefaultWeights = Weights{
	Relevance:    0.30,
	PriceFit:     0.25,
	SourceTrust:  0.20,
	Availability: 0.15,
	BrandMatch:   0.10,
}

// Budget is the caller's price preference. SoftCap is the comfortable
// spend; HardCap is the absolute ceiling. Zero caps mean no bound.
type Budget struct {
	SoftCap  float64
	HardCap  float64
	Currency string
}

// sourcePriority orders sources by how much their availability signal
// is worth. A storefront API answer beats a rendered page beats a bare
// search hit.
var sourcePriority = map[product.Source]float64{
	product.SourceStorefrontAPI: 1.0,
	product.SourceCache:         0.95,
	product.SourceBrowser:       0.9,
	product.SourceAggregator:    0.6,
	product.SourceHarvester:     0.5,
}

var availabilityScore = map[product.Availability]float64{
	product.AvailabilityInStock:    1.0,
	product.AvailabilityLowStock:   0.7,
	product.AvailabilityBackorder:  0.4,
	product.AvailabilityOutOfStock: 0,
}

// Ranker scores and orders products.
type Ranker struct {
	weights Weights
}

// New creates a ranker; a zero Weights value gets DefaultWeights.
func New(w Weights) *Ranker {
	if w == (Weights{}) {
		w = DefaultWeights
	}
	return &Ranker{weights: w}
}

// Score computes one product's rank score against the budget and the
// optionally requested brand.
func (r *Ranker) Score(p product.Product, budget Budget, wantBrand string) float64 {
	return r.weights.Relevance*clamp01(p.Relevance) +
		r.weights.PriceFit*PriceFit(p.Price, budget) +
		r.weights.SourceTrust*sourcePriority[p.Source] +
		r.weights.Availability*availabilityScore[p.Availability] +
		r.weights.BrandMatch*brandMatch(p.Brand, wantBrand)
}

// Rank returns the products ordered best-first. Ties break on source
// priority, then title, so the order is deterministic.
func (r *Ranker) Rank(products []product.Product, budget Budget, wantBrand string) []product.Product {
	type scored struct {
		p     product.Product
		score float64
	}
	items := make([]scored, len(products))
	for i, p := range products {
		items[i] = scored{p: p, score: r.Score(p, budget, wantBrand)}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		pi, pj := sourcePriority[items[i].p.Source], sourcePriority[items[j].p.Source]
		if pi != pj {
			return pi > pj
		}
		return items[i].p.Title < items[j].p.Title
	})

	out := make([]product.Product, len(items))
	for i, s := range items {
		out[i] = s.p
	}
	return out
}

// PriceFit maps a price onto [0,1] against the budget:
// unknown prices score a cautious 0.3; anything up to the soft cap
// scores high and rewards using the budget; between the caps the score
// decays linearly; past the hard cap it is zero.
func PriceFit(price *float64, budget Budget) float64 {
	if price == nil {
		return 0.3
	}
	p := *price

	soft, hard := budget.SoftCap, budget.HardCap
	if soft <= 0 && hard <= 0 {
		return 0.8 // no budget expressed, every known price fits
	}
	if soft <= 0 {
		soft = hard
	}
	if hard < soft {
		hard = soft
	}

	switch {
	case p <= soft:
		return 0.8 + 0.2*(p/soft)
	case hard > soft && p <= hard:
		frac := (p - soft) / (hard - soft)
		return 0.8 - 0.6*frac
	case p <= hard:
		return 0.2
	default:
		return 0
	}
}

func brandMatch(got, want string) float64 {
	if strings.TrimSpace(want) == "" {
		return 1.0 // nothing requested, nothing to penalize
	}
	if strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)) {
		return 1.0
	}
	return 0
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
