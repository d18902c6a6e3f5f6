package product

import (
	"net/url"
	"strings"
	"time"
)

// Availability is the stock status of a product or candidate.
type Availability string

const (
	AvailabilityUnknown    Availability = ""
	AvailabilityInStock    Availability = "in_stock"
	AvailabilityLowStock   Availability = "low_stock"
	AvailabilityBackorder  Availability = "backorder"
	AvailabilityOutOfStock Availability = "out_of_stock"
)

// Source identifies which subsystem produced a product.
type Source string

const (
	SourceAggregator    Source = "aggregator"
	SourceHarvester     Source = "harvester"
	SourceStorefrontAPI Source = "storefront_api"
	SourceBrowser       Source = "browser"
	SourceCache         Source = "cache"
)

// Product is the unit returned to callers. It is immutable once emitted
// by the orchestrator; pipeline stages work on Candidate instead.
type Product struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Price        *float64     `json:"price,omitempty"`
	Currency     string       `json:"currency"`
	URL          string       `json:"url"`
	Image        string       `json:"image,omitempty"`
	Retailer     string       `json:"retailer,omitempty"`
	Brand        string       `json:"brand,omitempty"`
	Availability Availability `json:"availability_status"`
	Source       Source       `json:"source"`
	Relevance    float64      `json:"relevance_score"`
	Verified     bool         `json:"verified"`
}

// Stage numbers the pipeline stages a candidate moves through. A
// candidate's Stage is non-decreasing and rejection is terminal.
type Stage int

const (
	StageHarvested Stage = iota
	StagePrefiltered
	StageAPIChecked
	StageBrowserVerified
	StageHardened
)

func (s Stage) String() string {
	switch s {
	case StageHarvested:
		return "harvested"
	case StagePrefiltered:
		return "prefiltered"
	case StageAPIChecked:
		return "api_checked"
	case StageBrowserVerified:
		return "browser_verified"
	case StageHardened:
		return "hardened"
	default:
		return "unknown"
	}
}

// Candidate is the pipeline's working record. It is created by the
// harvester (or seeded from a source result), refined by each stage in
// order, and either reduced to a Product or dropped with a reason.
type Candidate struct {
	ID           string
	URL          string
	CanonicalURL string
	Title        string
	Brand        string
	Price        *float64
	Currency     string
	Size         string
	Color        string
	Image        string
	Availability Availability
	Source       Source
	Engine       string
	Rank         int
	Relevance    float64

	Stage           Stage
	RejectionReason string
	rejected        bool
}

// Advance moves the candidate to the next stage. It is a no-op on a
// rejected candidate.
func (c *Candidate) Advance(s Stage) {
	if c.rejected || s <= c.Stage {
		return
	}
	c.Stage = s
}

// Reject drops the candidate with a reason. The first reason wins;
// subsequent calls are no-ops because rejection is terminal.
func (c *Candidate) Reject(reason string) {
	if c.rejected {
		return
	}
	c.rejected = true
	c.RejectionReason = reason
}

// Rejected reports whether the candidate has been dropped.
func (c *Candidate) Rejected() bool { return c.rejected }

// BestURL prefers the canonical URL when one has been extracted.
func (c *Candidate) BestURL() string {
	if c.CanonicalURL != "" {
		return c.CanonicalURL
	}
	return c.URL
}

// Domain returns the candidate's retailer domain without a www prefix.
func (c *Candidate) Domain() string {
	return DomainOf(c.BestURL())
}

// Product reduces the candidate to the immutable boundary record.
// Unknown availability is coerced to in-stock only on verified
// products, where a stage has actually confirmed purchasability;
// unverified fallback products keep it visible.
func (c *Candidate) Product(verified bool) Product {
	avail := c.Availability
	if avail == AvailabilityUnknown && verified {
		avail = AvailabilityInStock
	}
	return Product{
		ID:           c.ID,
		Title:        c.Title,
		Price:        c.Price,
		Currency:     c.Currency,
		URL:          c.BestURL(),
		Image:        c.Image,
		Retailer:     c.Domain(),
		Brand:        c.Brand,
		Availability: avail,
		Source:       c.Source,
		Relevance:    c.Relevance,
		Verified:     verified,
	}
}

// VerificationResult is the output of one browser verification attempt.
type VerificationResult struct {
	URL            string
	Passed         bool
	HasAddToCart   bool
	OutOfStockText bool
	ObservedPrice  *float64
	Elapsed        time.Duration
	PatternName    string
	Error          string
}

// CacheEntry is a verified product with its write timestamp and TTL.
// Reads after expiry are treated as misses, never returned.
type CacheEntry struct {
	Product   Product
	WrittenAt time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is past its TTL at the given time.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.WrittenAt.Add(e.TTL))
}

// CanonicalKey normalizes a URL into the key used for deduplication and
// cache lookups: lowercase scheme/host, no www prefix, no fragment, no
// trailing slash on the path. Query strings are preserved because they
// may carry the selected variant.
func CanonicalKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// DomainOf extracts the lowercase host of a URL without the www prefix.
func DomainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// NormalizeTitle lowers and collapses whitespace in a product title so
// near-identical listings dedup to the same key.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
