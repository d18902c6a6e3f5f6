// Package prefilter cheaply screens harvested candidates before any
// browser spends time on them. One plain GET per candidate: pages that
// are gone, out of stock per their own structured data, or outside the
// requested brand/price bounds are rejected here.
package prefilter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/shopscout/shopscout/internal/fingerprint"
	"github.com/shopscout/shopscout/internal/metrics"
	"github.com/shopscout/shopscout/internal/product"
	"github.com/shopscout/shopscout/pkg/httpclient"
	"github.com/shopscout/shopscout/pkg/useragent"
)

// DefaultConcurrency bounds simultaneous prefilter fetches.
const DefaultConcurrency = 10

// Config controls the prefilter. Zero values get defaults from New.
type Config struct {
	Concurrency   int
	Timeout       time.Duration
	RequiredBrand string   // reject candidates whose page names a different brand
	MaxPrice      *float64 // hard budget; pages pricier than this are rejected
	UserAgents    *useragent.Pool
	Logger        *slog.Logger
}

// Prefilter fetches candidate pages over plain HTTP and prunes the set.
type Prefilter struct {
	cfg    Config
	client *httpclient.Client
	agents *useragent.Pool
	logger *slog.Logger
}

// New creates a prefilter with a Chrome-fingerprinted transport so the
// plain GETs blend in with browser traffic.
func New(cfg Config) (*Prefilter, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgents == nil {
		cfg.UserAgents = useragent.DefaultPool()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport, err := fingerprint.Transport(fingerprint.ProfileChrome)
	if err != nil {
		return nil, fmt.Errorf("prefilter: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: 5,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("prefilter: %w", err)
	}

	return &Prefilter{
		cfg:    cfg,
		client: client,
		agents: cfg.UserAgents,
		logger: cfg.Logger.With("component", "prefilter"),
	}, nil
}

// Run fetches every live candidate concurrently and applies the
// rejection rules in place. Candidates that survive advance to the
// prefiltered stage; fetch failures reject the candidate rather than
// failing the batch.
func (p *Prefilter) Run(ctx context.Context, candidates []*product.Candidate) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, c := range candidates {
		if c.Rejected() {
			continue
		}
		c := c
		g.Go(func() error {
			p.check(ctx, c)
			metrics.RecordStage("prefilter", !c.Rejected())
			return nil
		})
	}
	return g.Wait()
}

func (p *Prefilter) check(ctx context.Context, c *product.Candidate) {
	resp, err := p.client.Get(ctx, c.BestURL(), p.agents.GetRandom())
	if err != nil {
		c.Reject(fmt.Sprintf("prefilter fetch failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.Reject(fmt.Sprintf("prefilter status %d", resp.StatusCode))
		return
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		c.Reject(fmt.Sprintf("prefilter parse failed: %v", err))
		return
	}

	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		if strings.HasPrefix(canonical, "http") {
			c.CanonicalURL = strings.TrimSpace(canonical)
		}
	}

	info := extractProduct(doc)
	if info != nil {
		applyProductInfo(c, info)
	}

	if c.Availability == product.AvailabilityOutOfStock {
		c.Reject("out of stock per structured data")
		return
	}
	if p.cfg.RequiredBrand != "" && c.Brand != "" &&
		!strings.EqualFold(strings.TrimSpace(c.Brand), strings.TrimSpace(p.cfg.RequiredBrand)) {
		c.Reject(fmt.Sprintf("brand %q does not match required %q", c.Brand, p.cfg.RequiredBrand))
		return
	}
	if p.cfg.MaxPrice != nil && c.Price != nil && *c.Price > *p.cfg.MaxPrice {
		c.Reject(fmt.Sprintf("price %.2f over budget %.2f", *c.Price, *p.cfg.MaxPrice))
		return
	}

	c.Advance(product.StagePrefiltered)
}

// productInfo is what we pull out of a page's JSON-LD.
type productInfo struct {
	Title        string
	Brand        string
	Image        string
	Price        *float64
	Currency     string
	Availability product.Availability
}

func applyProductInfo(c *product.Candidate, info *productInfo) {
	if info.Title != "" {
		c.Title = info.Title
	}
	if info.Brand != "" {
		c.Brand = info.Brand
	}
	if info.Image != "" {
		c.Image = info.Image
	}
	if info.Price != nil {
		c.Price = info.Price
	}
	if info.Currency != "" {
		c.Currency = info.Currency
	}
	if info.Availability != product.AvailabilityUnknown {
		c.Availability = info.Availability
	}
}

// extractProduct scans the document's ld+json blocks for the first
// Product node and flattens its offer data.
func extractProduct(doc *goquery.Document) *productInfo {
	var found *productInfo
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var node any
		if err := json.Unmarshal([]byte(s.Text()), &node); err != nil {
			return true // malformed block, keep scanning
		}
		if info := findProductNode(node); info != nil {
			found = info
			return false
		}
		return true
	})
	return found
}

// findProductNode walks a decoded JSON-LD value, descending into
// arrays and @graph wrappers, looking for a Product.
func findProductNode(node any) *productInfo {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if info := findProductNode(item); info != nil {
				return info
			}
		}
	case map[string]any:
		if isType(v["@type"], "Product") {
			return parseProduct(v)
		}
		if graph, ok := v["@graph"]; ok {
			return findProductNode(graph)
		}
	}
	return nil
}

func isType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func parseProduct(node map[string]any) *productInfo {
	info := &productInfo{
		Title: asString(node["name"]),
		Brand: brandName(node["brand"]),
		Image: firstImage(node["image"]),
	}

	offers := node["offers"]
	if arr, ok := offers.([]any); ok && len(arr) > 0 {
		offers = arr[0]
	}
	if offer, ok := offers.(map[string]any); ok {
		if price, ok := asFloat(offer["price"]); ok {
			info.Price = &price
		} else if price, ok := asFloat(offer["lowPrice"]); ok {
			// AggregateOffer
			info.Price = &price
		}
		info.Currency = asString(offer["priceCurrency"])
		info.Availability = parseAvailability(asString(offer["availability"]))
	}
	return info
}

// parseAvailability maps schema.org availability URIs to our tri-state.
// Unknown strings stay unknown rather than guessing.
func parseAvailability(s string) product.Availability {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "outofstock"), strings.Contains(s, "discontinued"),
		strings.Contains(s, "soldout"):
		return product.AvailabilityOutOfStock
	case strings.Contains(s, "limitedavailability"):
		return product.AvailabilityLowStock
	case strings.Contains(s, "backorder"), strings.Contains(s, "preorder"):
		return product.AvailabilityBackorder
	case strings.Contains(s, "instock"), strings.Contains(s, "instoreonly"),
		strings.Contains(s, "onlineonly"):
		return product.AvailabilityInStock
	default:
		return product.AvailabilityUnknown
	}
}

func brandName(v any) string {
	switch b := v.(type) {
	case string:
		return strings.TrimSpace(b)
	case map[string]any:
		return strings.TrimSpace(asString(b["name"]))
	}
	return ""
}

func firstImage(v any) string {
	switch img := v.(type) {
	case string:
		return img
	case []any:
		if len(img) > 0 {
			return asString(img[0])
		}
	case map[string]any:
		return asString(img["url"])
	}
	return ""
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
