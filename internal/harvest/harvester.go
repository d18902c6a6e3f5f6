// Package harvest turns broad shopping queries into retailer-page
// candidates. It is the recall stage: cast wide through the search
// aggregator, strip marketplaces and link indirection, and hand a
// bounded candidate set to the precision stages downstream.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/shopscout/shopscout/internal/aggregator"
	"github.com/shopscout/shopscout/internal/metrics"
	"github.com/shopscout/shopscout/internal/product"
)

// DefaultMaxCandidates caps the harvest. Precision stages are
// expensive, so recall stops here.
const DefaultMaxCandidates = 20

// Searcher is the query boundary. *aggregator.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string) ([]aggregator.Result, error)
}

// defaultDeny lists domains that are never first-party retailer pages:
// marketplaces we cannot verify, social sites, and content farms.
var defaultDeny = []string{
	"amazon.com",
	"ebay.com",
	"etsy.com",
	"aliexpress.com",
	"temu.com",
	"wish.com",
	"poshmark.com",
	"mercari.com",
	"pinterest.com",
	"reddit.com",
	"quora.com",
	"youtube.com",
	"facebook.com",
	"instagram.com",
	"tiktok.com",
	"x.com",
	"twitter.com",
	"wikipedia.org",
	"medium.com",
}

// Config controls one harvester. Zero values get defaults from New.
type Config struct {
	Searcher      Searcher
	Allow         []string // when non-empty, only these retailer domains pass
	Deny          []string // appended to the built-in deny list
	MaxCandidates int
	Logger        *slog.Logger
}

// Harvester produces deduplicated retailer candidates from a query.
type Harvester struct {
	searcher Searcher
	allow    map[string]bool
	deny     map[string]bool
	max      int
	logger   *slog.Logger
}

// New creates a harvester.
func New(cfg Config) (*Harvester, error) {
	if cfg.Searcher == nil {
		return nil, fmt.Errorf("harvest: searcher is required")
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	allow := make(map[string]bool, len(cfg.Allow))
	for _, d := range cfg.Allow {
		allow[normalizeDomain(d)] = true
	}
	deny := make(map[string]bool, len(defaultDeny)+len(cfg.Deny))
	for _, d := range defaultDeny {
		deny[d] = true
	}
	for _, d := range cfg.Deny {
		deny[normalizeDomain(d)] = true
	}

	return &Harvester{
		searcher: cfg.Searcher,
		allow:    allow,
		deny:     deny,
		max:      cfg.MaxCandidates,
		logger:   cfg.Logger.With("component", "harvest"),
	}, nil
}

// Query is one harvest request. MaxPrice, when set, is appended to the
// query text as a hint for the engines; enforcement happens downstream.
type Query struct {
	Text     string
	MaxPrice *float64
}

// Harvest runs the query and returns up to MaxCandidates candidates,
// deny-listed domains removed, indirection unwrapped, duplicates by
// (domain, normalized title) collapsed.
func (h *Harvester) Harvest(ctx context.Context, q Query) ([]*product.Candidate, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, fmt.Errorf("harvest: empty query")
	}
	if q.MaxPrice != nil && *q.MaxPrice > 0 {
		text = fmt.Sprintf("%s under $%.0f", text, *q.MaxPrice)
	}

	results, err := h.searcher.Search(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("harvest: %w", err)
	}

	seen := make(map[string]bool)
	candidates := make([]*product.Candidate, 0, h.max)

	for _, r := range results {
		if len(candidates) >= h.max {
			break
		}

		target := UnwrapRedirect(r.URL)
		domain := product.DomainOf(target)
		if domain == "" {
			metrics.RecordStage("harvest", false)
			continue
		}
		if h.denied(domain) {
			h.logger.Debug("dropping deny-listed domain", "domain", domain)
			metrics.RecordStage("harvest", false)
			continue
		}
		if len(h.allow) > 0 && !h.allowed(domain) {
			metrics.RecordStage("harvest", false)
			continue
		}

		dedupKey := domain + "|" + product.NormalizeTitle(r.Title)
		if seen[dedupKey] {
			metrics.RecordStage("harvest", false)
			continue
		}
		seen[dedupKey] = true

		metrics.RecordStage("harvest", true)
		candidates = append(candidates, &product.Candidate{
			ID:     uuid.NewString(),
			URL:    target,
			Title:  strings.TrimSpace(r.Title),
			Source: product.SourceHarvester,
			Engine: r.Engine,
			Rank:   r.Rank,
			Stage:  product.StageHarvested,
		})
	}

	h.logger.Info("harvest complete",
		"query", text, "results", len(results), "candidates", len(candidates))
	return candidates, nil
}

// denied matches the domain and all its parent domains against the
// deny list, so shop.amazon.com is caught by amazon.com.
func (h *Harvester) denied(domain string) bool {
	for d := domain; d != ""; d = parentDomain(d) {
		if h.deny[d] {
			return true
		}
	}
	return false
}

func (h *Harvester) allowed(domain string) bool {
	for d := domain; d != ""; d = parentDomain(d) {
		if h.allow[d] {
			return true
		}
	}
	return false
}

func parentDomain(domain string) string {
	i := strings.Index(domain, ".")
	if i < 0 {
		return ""
	}
	rest := domain[i+1:]
	if !strings.Contains(rest, ".") {
		// Bare TLD, stop walking.
		return ""
	}
	return rest
}

func normalizeDomain(d string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
}

// redirectParams maps known engine redirect hosts to the query
// parameter carrying the real destination.
var redirectParams = map[string]string{
	"google.com":     "q",
	"bing.com":       "u",
	"duckduckgo.com": "uddg",
}

// UnwrapRedirect resolves engine indirection links (google /url?q=,
// duckduckgo /l/?uddg=, bing /ck/a?u=) to the first-party URL. Links
// that are not indirection pass through unchanged.
func UnwrapRedirect(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	param, ok := redirectParams[host]
	if !ok {
		return raw
	}

	target := u.Query().Get(param)
	if target == "" {
		return raw
	}
	// Bing base64-pads its targets with a1 prefix; only accept values
	// that already look like URLs.
	if decoded, err := url.QueryUnescape(target); err == nil {
		target = decoded
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return raw
	}
	return target
}
