// Package storefront resolves candidates against retailer storefront
// APIs where one exists, answering availability without a browser.
// Shopify is the big win: any store on the platform exposes product
// JSON at /products/{handle}.js, which is faster and steadier than
// driving a page.
package storefront

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopscout/shopscout/internal/metrics"
	"github.com/shopscout/shopscout/internal/product"
	"github.com/shopscout/shopscout/pkg/httpclient"
	"github.com/shopscout/shopscout/pkg/useragent"
)

// Variant is one purchasable configuration of a Shopify product.
type Variant struct {
	ID        int64   `json:"id"`
	Title     string  `json:"title"`
	Option1   string  `json:"option1"`
	Option2   string  `json:"option2"`
	Option3   string  `json:"option3"`
	Available bool    `json:"available"`
	Price     float64 `json:"price"` // minor units (cents)
}

// shopifyProduct is the /products/{handle}.js payload, reduced to the
// fields we use.
type shopifyProduct struct {
	Title     string    `json:"title"`
	Handle    string    `json:"handle"`
	Vendor    string    `json:"vendor"`
	Available bool      `json:"available"`
	Price     float64   `json:"price"` // minor units
	Images    []string  `json:"images"`
	Variants  []Variant `json:"variants"`
}

// Want narrows variant selection. Empty fields match anything.
type Want struct {
	Size  string
	Color string
}

// Config controls the connector.
type Config struct {
	Timeout time.Duration
	// KnownShopify short-circuits detection for domains we already
	// know run the platform.
	KnownShopify []string
	UserAgents   *useragent.Pool
	Logger       *slog.Logger
}

// Connector checks candidates against storefront APIs.
type Connector struct {
	client *httpclient.Client
	known  map[string]bool
	agents *useragent.Pool
	logger *slog.Logger
}

// New creates a connector.
func New(cfg Config) (*Connector, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgents == nil {
		cfg.UserAgents = useragent.DefaultPool()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	known := make(map[string]bool, len(cfg.KnownShopify))
	for _, d := range cfg.KnownShopify {
		known[strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")] = true
	}

	client, err := httpclient.New(httpclient.Config{Timeout: cfg.Timeout, MaxRedirects: 3})
	if err != nil {
		return nil, fmt.Errorf("storefront: %w", err)
	}

	return &Connector{
		client: client,
		known:  known,
		agents: cfg.UserAgents,
		logger: cfg.Logger.With("component", "storefront"),
	}, nil
}

// Resolve tries the storefront API for one candidate. Three outcomes:
// the candidate is confirmed (advanced to the API-checked stage, price
// and availability filled in, variant pinned in the URL), the API says
// the product is unavailable (rejected), or no storefront API applies
// (candidate untouched, the browser stage will handle it).
func (s *Connector) Resolve(ctx context.Context, c *product.Candidate, want Want) {
	if c.Rejected() {
		return
	}

	handle, ok := HandleFromURL(c.BestURL())
	if !ok {
		// Stores we know run Shopify sometimes serve products off
		// collection paths; the last path segment is still the handle.
		if !s.known[c.Domain()] {
			return // not a recognizable product URL, leave it to the browser
		}
		handle, ok = lastPathSegment(c.BestURL())
		if !ok {
			return
		}
	}

	sp, ok := s.fetchProduct(ctx, c.BestURL(), handle)
	if !ok {
		return // not Shopify, or the endpoint is closed off
	}

	metrics.RecordStage("storefront", sp.Available)

	if !sp.Available {
		c.Availability = product.AvailabilityOutOfStock
		c.Reject("storefront api reports unavailable")
		return
	}

	if sp.Title != "" {
		c.Title = sp.Title
	}
	if sp.Vendor != "" && c.Brand == "" {
		c.Brand = sp.Vendor
	}
	if len(sp.Images) > 0 && c.Image == "" {
		c.Image = sp.Images[0]
	}

	variant, found := MatchVariant(sp.Variants, want)
	if (want.Size != "" || want.Color != "") && !found {
		c.Reject("no variant matches requested size/color")
		return
	}

	if found {
		if !variant.Available {
			c.Availability = product.AvailabilityOutOfStock
			c.Reject("matching variant is unavailable")
			return
		}
		price := variant.Price / 100
		c.Price = &price
		c.URL = withVariant(c.BestURL(), variant.ID)
		c.CanonicalURL = ""
	} else if sp.Price > 0 {
		price := sp.Price / 100
		c.Price = &price
	}

	c.Availability = product.AvailabilityInStock
	c.Source = product.SourceStorefrontAPI
	c.Advance(product.StageAPIChecked)
}

// fetchProduct GETs the product JSON endpoint. A 200 with a parsable
// payload is the Shopify detection signal; anything else means "not
// this platform".
func (s *Connector) fetchProduct(ctx context.Context, pageURL, handle string) (*shopifyProduct, bool) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return nil, false
	}
	endpoint := fmt.Sprintf("%s://%s/products/%s.js", u.Scheme, u.Host, handle)

	resp, err := s.client.Get(ctx, endpoint, s.agents.GetRandom())
	if err != nil {
		s.logger.Debug("storefront fetch failed", "endpoint", endpoint, "error", err)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "json") && !strings.Contains(ct, "javascript") {
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, false
	}

	var sp shopifyProduct
	if err := json.Unmarshal(body, &sp); err != nil || sp.Handle == "" {
		return nil, false
	}
	return &sp, true
}

// HandleFromURL extracts the Shopify product handle from a URL path
// containing a /products/{handle} segment.
func HandleFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "products" && i+1 < len(parts) && parts[i+1] != "" {
			handle := parts[i+1]
			handle = strings.TrimSuffix(handle, ".js")
			return handle, true
		}
	}
	return "", false
}

// MatchVariant finds the first available variant whose options cover
// the requested size and color, case-insensitively. With no
// constraints it reports no match so callers fall back to the
// product-level price.
func MatchVariant(variants []Variant, want Want) (Variant, bool) {
	if want.Size == "" && want.Color == "" {
		return Variant{}, false
	}

	for _, v := range variants {
		if want.Size != "" && !variantHasOption(v, want.Size) {
			continue
		}
		if want.Color != "" && !variantHasOption(v, want.Color) {
			continue
		}
		return v, true
	}
	return Variant{}, false
}

func variantHasOption(v Variant, opt string) bool {
	opt = strings.ToLower(strings.TrimSpace(opt))
	for _, o := range []string{v.Option1, v.Option2, v.Option3, v.Title} {
		if strings.Contains(strings.ToLower(o), opt) {
			return true
		}
	}
	return false
}

func lastPathSegment(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := parts[len(parts)-1]
	return last, last != ""
}

func withVariant(raw string, id int64) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("variant", strconv.FormatInt(id, 10))
	u.RawQuery = q.Encode()
	return u.String()
}
