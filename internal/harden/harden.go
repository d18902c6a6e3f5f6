// Package harden is the last gate before a link is returned or cached:
// a cheap re-request that proves the URL still lands on the product
// page. Browser verification can pass while the link itself is fragile
// (soft 404s, geo redirects to the storefront home, expired variants),
// and this stage catches those.
package harden

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/shopscout/shopscout/internal/fingerprint"
	"github.com/shopscout/shopscout/internal/metrics"
	"github.com/shopscout/shopscout/internal/product"
	"github.com/shopscout/shopscout/pkg/httpclient"
	"github.com/shopscout/shopscout/pkg/useragent"
)

// DefaultMaxRedirects bounds the redirect chain a hardened link may
// sit behind.
const DefaultMaxRedirects = 5

// errorIndicators are phrases that mark a soft error page. Checked in
// the title and top heading only; page bodies mention "404" too often.
var errorIndicators = []string{
	"page not found",
	"404",
	"not available",
	"no longer exists",
	"no longer available",
	"something went wrong",
	"oops",
}

// Config controls the hardener.
type Config struct {
	Timeout      time.Duration
	MaxRedirects int
	UserAgents   *useragent.Pool
	Logger       *slog.Logger
}

// Hardener re-checks verified links over plain HTTP.
type Hardener struct {
	client       *httpclient.Client
	maxRedirects int
	agents       *useragent.Pool
	logger       *slog.Logger
}

// New creates a hardener with a fingerprinted transport.
func New(cfg Config) (*Hardener, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.UserAgents == nil {
		cfg.UserAgents = useragent.DefaultPool()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport, err := fingerprint.Transport(fingerprint.ProfileChrome)
	if err != nil {
		return nil, fmt.Errorf("harden: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("harden: %w", err)
	}

	return &Hardener{
		client:       client,
		maxRedirects: cfg.MaxRedirects,
		agents:       cfg.UserAgents,
		logger:       cfg.Logger.With("component", "harden"),
	}, nil
}

// Harden re-requests the candidate's link and rejects it if the link
// is broken, bounces somewhere else, or lands on an error page.
// Surviving candidates advance to the hardened stage.
func (h *Hardener) Harden(ctx context.Context, c *product.Candidate) {
	if c.Rejected() {
		return
	}

	ok := h.check(ctx, c)
	metrics.RecordStage("harden", ok && !c.Rejected())
	if ok {
		c.Advance(product.StageHardened)
	}
}

func (h *Hardener) check(ctx context.Context, c *product.Candidate) bool {
	link := c.BestURL()
	ua := h.agents.GetRandom()

	// HEAD first; it is cheap and most storefronts answer it.
	resp, err := h.client.Head(ctx, link, ua)
	if err == nil && headUsable(resp.StatusCode) {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			c.Reject(fmt.Sprintf("harden: status %d", resp.StatusCode))
			return false
		}
		if !stableDestination(link, resp.Request.URL.String()) {
			c.Reject(fmt.Sprintf("harden: link resolves to %s", resp.Request.URL))
			return false
		}
		return true
	}
	if resp != nil {
		resp.Body.Close()
	}

	// Fall back to GET, which also lets us inspect the landing page.
	resp, err = h.client.Get(ctx, link, ua)
	if err != nil {
		c.Reject(fmt.Sprintf("harden: %v", err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.Reject(fmt.Sprintf("harden: status %d", resp.StatusCode))
		return false
	}
	if !stableDestination(link, resp.Request.URL.String()) {
		c.Reject(fmt.Sprintf("harden: link resolves to %s", resp.Request.URL))
		return false
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		c.Reject(fmt.Sprintf("harden: parse landing page: %v", err))
		return false
	}
	if phrase, found := errorPage(doc); found {
		c.Reject(fmt.Sprintf("harden: landing page looks like an error page (%q)", phrase))
		return false
	}
	return true
}

// headUsable reports whether a HEAD response can be trusted. Servers
// that do not implement HEAD answer 405 or 501; those fall through to
// GET rather than failing the link.
func headUsable(status int) bool {
	return status != http.StatusMethodNotAllowed && status != http.StatusNotImplemented
}

// stableDestination compares where the link was supposed to go with
// where it actually landed: same retailer domain and same path, query
// strings ignored. A redirect to the storefront home or another product
// is instability even when it returns 200.
func stableDestination(requested, final string) bool {
	reqDomain := product.DomainOf(requested)
	finDomain := product.DomainOf(final)
	if reqDomain == "" || reqDomain != finDomain {
		return false
	}
	return pathOf(requested) == pathOf(final)
}

func pathOf(raw string) string {
	key := product.CanonicalKey(raw)
	if i := strings.Index(key, "?"); i >= 0 {
		key = key[:i]
	}
	// CanonicalKey already lowercased the host and trimmed the slash;
	// strip scheme+host to compare the path alone.
	if i := strings.Index(key, "://"); i >= 0 {
		key = key[i+3:]
	}
	if i := strings.Index(key, "/"); i >= 0 {
		return key[i:]
	}
	return "/"
}

// errorPage scans the title and top-level headings for soft-404
// wording.
func errorPage(doc *goquery.Document) (string, bool) {
	var texts []string
	texts = append(texts, doc.Find("title").Text())
	doc.Find("h1, h2").Each(func(_ int, s *goquery.Selection) {
		texts = append(texts, s.Text())
	})

	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, phrase := range errorIndicators {
			if strings.Contains(lower, phrase) {
				return phrase, true
			}
		}
	}
	return "", false
}
