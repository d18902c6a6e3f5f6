// Package verify drives real browser sessions against candidate pages
// to prove a product can actually be bought: the add-to-cart control
// exists and is enabled, no stock-out messaging is visible, and the
// rendered price agrees with what earlier stages saw.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/shopscout/shopscout/internal/browser"
	"github.com/shopscout/shopscout/internal/metrics"
	"github.com/shopscout/shopscout/internal/product"
)

// DefaultDriftTolerance is how far the rendered price may deviate from
// the price earlier stages extracted before verification fails.
const DefaultDriftTolerance = 0.10

// Config controls the verifier. Zero values get defaults from New.
type Config struct {
	Pool           *browser.Pool
	Patterns       *Table
	Retries        int           // page-level retry attempts per candidate
	RetryDelay     time.Duration // pause between attempts
	DriftTolerance float64       // fractional price deviation allowed
	Logger         *slog.Logger
}

// Verifier runs browser verification for candidates.
type Verifier struct {
	pool       *browser.Pool
	patterns   *Table
	retries    int
	retryDelay time.Duration
	drift      float64
	logger     *slog.Logger
}

// New creates a verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("verify: browser pool is required")
	}
	if cfg.Patterns == nil {
		cfg.Patterns = NewTable()
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = DefaultDriftTolerance
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Verifier{
		pool:       cfg.Pool,
		patterns:   cfg.Patterns,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		drift:      cfg.DriftTolerance,
		logger:     cfg.Logger.With("component", "verify"),
	}, nil
}

// Concurrency is how many verifications may run at once. The pool is
// the natural bound; going past it would only queue on Acquire.
func (v *Verifier) Concurrency() int {
	return v.pool.Capacity()
}

// Verify runs one candidate through a browser session, retrying page
// failures, and applies the outcome to the candidate. A failed
// verification is data (the candidate is rejected with the reason);
// only infrastructure trouble surfaces in Result.Error.
func (v *Verifier) Verify(ctx context.Context, c *product.Candidate) product.VerificationResult {
	pattern := v.patterns.Lookup(c.Domain())
	start := time.Now()

	var res product.VerificationResult
	var err error
	for attempt := 0; attempt <= v.retries; attempt++ {
		res, err = v.attempt(ctx, c, pattern)
		if err == nil {
			break
		}
		v.logger.Warn("verification attempt failed",
			"url", c.BestURL(), "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(v.retryDelay):
		case <-ctx.Done():
		}
	}

	res.URL = c.BestURL()
	res.PatternName = pattern.Name
	res.Elapsed = time.Since(start)
	metrics.VerificationDuration.WithLabelValues(c.Domain()).Observe(res.Elapsed.Seconds())

	if err != nil {
		res.Error = err.Error()
		c.Reject(fmt.Sprintf("verification error: %v", err))
		metrics.RecordStage("verify", false)
		return res
	}

	v.apply(c, &res)
	metrics.RecordStage("verify", res.Passed)
	return res
}

// apply folds a verification result into the candidate.
func (v *Verifier) apply(c *product.Candidate, res *product.VerificationResult) {
	if res.OutOfStockText {
		res.Passed = false
		c.Availability = product.AvailabilityOutOfStock
		c.Reject("page shows out-of-stock messaging")
		return
	}
	if !res.HasAddToCart {
		res.Passed = false
		c.Reject("no purchasable add-to-cart control")
		return
	}

	if res.ObservedPrice != nil {
		if c.Price != nil && !withinDrift(*c.Price, *res.ObservedPrice, v.drift) {
			res.Passed = false
			c.Reject(fmt.Sprintf("rendered price %.2f drifted from expected %.2f",
				*res.ObservedPrice, *c.Price))
			return
		}
		// The rendered price is what the buyer will see; adopt it.
		c.Price = res.ObservedPrice
	}

	res.Passed = true
	c.Availability = product.AvailabilityInStock
	c.Source = product.SourceBrowser
	c.Advance(product.StageBrowserVerified)
}

// attempt opens one page in a leased context and inspects it.
func (v *Verifier) attempt(ctx context.Context, c *product.Candidate, pattern Pattern) (product.VerificationResult, error) {
	var res product.VerificationResult

	handle, err := v.pool.Acquire(ctx)
	if err != nil {
		return res, err
	}
	defer v.pool.Release(handle)

	page, err := handle.Page(ctx)
	if err != nil {
		return res, err
	}
	defer func() { _ = page.Close() }()

	if err := page.Navigate(c.BestURL()); err != nil {
		return res, fmt.Errorf("verify: navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return res, fmt.Errorf("verify: wait load: %w", err)
	}

	// Pick the requested variant before reading purchase state so the
	// add-to-cart control and price reflect it. Best effort: a variant
	// the page cannot select still leaves the generic checks valid.
	if c.Size != "" {
		v.selectOption(page, pattern.Size, c.Size)
	}
	if c.Color != "" {
		v.selectOption(page, pattern.Color, c.Color)
	}

	res.OutOfStockText = v.stockOutVisible(page, pattern)
	if res.OutOfStockText {
		return res, nil
	}

	res.HasAddToCart = v.addToCartUsable(page, pattern)
	res.ObservedPrice = v.renderedPrice(page, pattern)
	return res, nil
}

// stockOutVisible checks the pattern's stock-out selectors and then the
// visible body text for localized phrases.
func (v *Verifier) stockOutVisible(page *rod.Page, pattern Pattern) bool {
	for _, sel := range pattern.OutOfStock {
		if el := firstVisible(page, sel); el != nil {
			return true
		}
	}

	body, err := page.Element("body")
	if err != nil {
		return false
	}
	text, err := body.Text()
	if err != nil {
		return false
	}
	return IsOutOfStockText(text)
}

// addToCartUsable looks for a visible, enabled purchase control.
func (v *Verifier) addToCartUsable(page *rod.Page, pattern Pattern) bool {
	for _, sel := range pattern.AddToCart {
		el := firstVisible(page, sel)
		if el == nil {
			continue
		}
		if disabled, err := el.Attribute("disabled"); err == nil && disabled != nil {
			continue
		}
		return true
	}
	return false
}

// renderedPrice extracts the first parsable price the pattern finds.
func (v *Verifier) renderedPrice(page *rod.Page, pattern Pattern) *float64 {
	for _, sel := range pattern.Price {
		els, err := page.Elements(sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			// meta tags carry the price in the content attribute.
			if content, err := el.Attribute("content"); err == nil && content != nil {
				if p, ok := ParsePrice(*content); ok {
					return &p
				}
			}
			text, err := el.Text()
			if err != nil {
				continue
			}
			if p, ok := ParsePrice(text); ok {
				return &p
			}
		}
	}
	return nil
}

// selectOption clicks the first visible option control whose text
// contains the wanted value, case-insensitively. Reports whether a
// click landed.
func (v *Verifier) selectOption(page *rod.Page, selectors []string, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return false
	}

	for _, sel := range selectors {
		els, err := page.Elements(sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			text, err := el.Text()
			if err != nil || !strings.Contains(strings.ToLower(text), want) {
				continue
			}
			if visible, err := el.Visible(); err != nil || !visible {
				continue
			}
			if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
				continue
			}
			return true
		}
	}
	return false
}

func firstVisible(page *rod.Page, sel string) *rod.Element {
	els, err := page.Elements(sel)
	if err != nil {
		return nil
	}
	for _, el := range els {
		if visible, err := el.Visible(); err == nil && visible {
			return el
		}
	}
	return nil
}

// withinDrift reports whether observed stays inside the fractional
// tolerance around expected.
func withinDrift(expected, observed, tolerance float64) bool {
	if expected == 0 {
		return observed == 0
	}
	return math.Abs(observed-expected)/expected <= tolerance
}

var priceRe = regexp.MustCompile(`\d[\d.,\s]*\d|\d`)

// ParsePrice pulls a numeric amount out of rendered price text,
// handling both 1,299.00 and 1.299,00 separator conventions.
func ParsePrice(text string) (float64, bool) {
	match := priceRe.FindString(text)
	if match == "" {
		return 0, false
	}
	match = strings.ReplaceAll(match, " ", "")

	lastComma := strings.LastIndex(match, ",")
	lastDot := strings.LastIndex(match, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// 1.299,00 -> comma is the decimal separator
			match = strings.ReplaceAll(match, ".", "")
			match = strings.Replace(match, ",", ".", 1)
		} else {
			match = strings.ReplaceAll(match, ",", "")
		}
	case lastComma >= 0:
		decimals := len(match) - lastComma - 1
		if decimals == 2 && strings.Count(match, ",") == 1 {
			match = strings.Replace(match, ",", ".", 1)
		} else {
			match = strings.ReplaceAll(match, ",", "")
		}
	}

	f, err := strconv.ParseFloat(match, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return f, true
}
