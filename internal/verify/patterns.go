package verify

import "strings"

// Pattern describes how one retailer's product pages expose purchase
// state: where the add-to-cart control lives, where the price renders,
// and what an out-of-stock page shows. Retailer-specific selectors are
// always combined with the universal set, never used instead of it, so
// a redesigned page degrades to generic detection instead of failing.
type Pattern struct {
	Name       string
	Domains    []string
	AddToCart  []string // CSS selectors for a purchasable control
	Price      []string // CSS selectors for the rendered price
	OutOfStock []string // CSS selectors that indicate stock-out
	Size       []string // CSS selectors for size option controls
	Color      []string // CSS selectors for color option controls
}

// universal is the fallback pattern applied to every retailer.
var universal = Pattern{
	Name: "universal",
	AddToCart: []string{
		`button[name="add"]`,
		`button[type="submit"][name*="add"]`,
		`button[data-testid*="add-to-cart"]`,
		`button[data-testid*="add-to-bag"]`,
		`button[id*="add-to-cart"]`,
		`button[class*="add-to-cart"]`,
		`button[class*="addToCart"]`,
		`button[class*="add-to-bag"]`,
		`form[action*="/cart/add"] button`,
	},
	Price: []string{
		`[itemprop="price"]`,
		`[data-testid*="price"]`,
		`[class*="product-price"]`,
		`[class*="price__current"]`,
		`[class*="current-price"]`,
		`.price`,
	},
	OutOfStock: []string{
		`[data-testid*="out-of-stock"]`,
		`[class*="out-of-stock"]`,
		`[class*="sold-out"]`,
		`button[disabled][class*="add"]`,
	},
	Size: []string{
		`[data-testid*="size"] button`,
		`[class*="size-selector"] button`,
		`button[data-size]`,
		`fieldset[class*="size"] label`,
	},
	Color: []string{
		`[data-testid*="colour"] button`,
		`[data-testid*="color"] button`,
		`[class*="color-selector"] button`,
		`[class*="swatch"] label`,
	},
}

// retailers is the curated per-retailer table. Selectors here are the
// ones the generic set misses on that retailer.
var retailers = []Pattern{
	{
		Name:      "nordstrom",
		Domains:   []string{"nordstrom.com", "nordstromrack.com"},
		AddToCart: []string{`button[data-element="AddToBagButton"]`, `button[id="add-to-bag"]`},
		Price:     []string{`span[data-element="CurrentPrice"]`},
	},
	{
		Name:       "zara",
		Domains:    []string{"zara.com"},
		AddToCart:  []string{`button[data-qa-action="add-to-cart"]`},
		Price:      []string{`span[data-qa-qualifier="price-amount-current"]`},
		OutOfStock: []string{`div[data-qa-qualifier="product-out-of-stock"]`},
		Size:       []string{`button[data-qa-action="size-in-stock"]`},
	},
	{
		Name:      "hm",
		Domains:   []string{"hm.com", "www2.hm.com"},
		AddToCart: []string{`button[data-testid="pdp-add-to-bag"]`},
		Price:     []string{`span[data-testid="product-price"]`},
	},
	{
		Name:       "asos",
		Domains:    []string{"asos.com"},
		AddToCart:  []string{`button[data-testid="add-button"]`},
		Price:      []string{`span[data-testid="current-price"]`},
		OutOfStock: []string{`div[data-testid="out-of-stock"]`},
		Size:       []string{`select[data-testid="size-select"] option`},
	},
	{
		Name:      "uniqlo",
		Domains:   []string{"uniqlo.com"},
		AddToCart: []string{`button[data-test="add-to-cart"]`},
		Price:     []string{`span[data-test="price"]`},
	},
	{
		Name:      "mango",
		Domains:   []string{"shop.mango.com", "mango.com"},
		AddToCart: []string{`button[data-testid="pdp-addToCart"]`},
		Price:     []string{`meta[itemprop="price"]`, `span[class*="SinglePrice"]`},
	},
	{
		Name:      "net-a-porter",
		Domains:   []string{"net-a-porter.com"},
		AddToCart: []string{`button[data-test-id="add-to-bag"]`},
		Price:     []string{`span[data-test-id="product-price"]`},
	},
	{
		Name:       "ssense",
		Domains:    []string{"ssense.com"},
		AddToCart:  []string{`button[data-test="add-to-bag-button"]`},
		Price:      []string{`span[data-test="product-price"]`},
		OutOfStock: []string{`p[data-test="sold-out-message"]`},
	},
	{
		Name:      "farfetch",
		Domains:   []string{"farfetch.com"},
		AddToCart: []string{`button[data-testid="pdp-add-to-bag"]`},
		Price:     []string{`p[data-component="PriceLarge"]`},
	},
	{
		Name:      "revolve",
		Domains:   []string{"revolve.com"},
		AddToCart: []string{`button#addToBagButton`},
		Price:     []string{`span.prices__retail`, `span.prices__sale`},
	},
	{
		Name:      "shopbop",
		Domains:   []string{"shopbop.com"},
		AddToCart: []string{`button#add-to-cart-button`},
		Price:     []string{`span.pdp-price`},
	},
	{
		Name:      "aritzia",
		Domains:   []string{"aritzia.com"},
		AddToCart: []string{`button[data-cy="pdp-add-to-bag"]`},
		Price:     []string{`span[data-cy="product-price"]`},
	},
	{
		Name:      "everlane",
		Domains:   []string{"everlane.com"},
		AddToCart: []string{`button[data-testid="add-to-bag-cta"]`},
		Price:     []string{`span[data-testid="product-price"]`},
	},
}

// outOfStockPhrases marks stock-out wording across the languages the
// covered retailers localize into.
var outOfStockPhrases = []string{
	"out of stock",
	"sold out",
	"currently unavailable",
	"no longer available",
	"notify me when available",
	"agotado",       // es
	"épuisé",        // fr
	"esaurito",      // it
	"ausverkauft",   // de
	"esgotado",      // pt
	"uitverkocht",   // nl
	"нет в наличии", // ru
	"品切れ",           // ja
	"售罄",            // zh
}

// Table resolves a retailer domain to its verification pattern.
type Table struct {
	byDomain map[string]Pattern
}

// NewTable builds the lookup from the curated retailer list. Extra
// patterns can be layered on top of the built-ins.
func NewTable(extra ...Pattern) *Table {
	t := &Table{byDomain: make(map[string]Pattern)}
	for _, p := range retailers {
		t.add(p)
	}
	for _, p := range extra {
		t.add(p)
	}
	return t
}

func (t *Table) add(p Pattern) {
	for _, d := range p.Domains {
		t.byDomain[strings.TrimPrefix(strings.ToLower(d), "www.")] = p
	}
}

// Lookup returns the combined pattern for a domain: the retailer's own
// selectors first, then the universal set. Unknown domains get the
// universal set alone.
func (t *Table) Lookup(domain string) Pattern {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")

	p, ok := t.byDomain[domain]
	if !ok {
		// Try the parent domain (shop.mango.com -> mango.com).
		if i := strings.Index(domain, "."); i >= 0 {
			p, ok = t.byDomain[domain[i+1:]]
		}
	}
	if !ok {
		return universal
	}

	return Pattern{
		Name:       p.Name,
		Domains:    p.Domains,
		AddToCart:  append(append([]string{}, p.AddToCart...), universal.AddToCart...),
		Price:      append(append([]string{}, p.Price...), universal.Price...),
		OutOfStock: append(append([]string{}, p.OutOfStock...), universal.OutOfStock...),
		Size:       append(append([]string{}, p.Size...), universal.Size...),
		Color:      append(append([]string{}, p.Color...), universal.Color...),
	}
}

// IsOutOfStockText reports whether visible page text contains a
// stock-out phrase in any covered language.
func IsOutOfStockText(text string) bool {
	text = strings.ToLower(text)
	for _, phrase := range outOfStockPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}
