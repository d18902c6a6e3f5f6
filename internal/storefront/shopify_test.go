package storefront

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopscout/shopscout/internal/product"
)

const productJSON = `{
	"title": "Wool Overcoat",
	"handle": "wool-overcoat",
	"vendor": "Acme",
	"available": true,
	"price": 18900,
	"images": ["https://cdn.example.com/coat.jpg"],
	"variants": [
		{"id": 101, "title": "S / Navy", "option1": "S", "option2": "Navy", "available": false, "price": 18900},
		{"id": 102, "title": "M / Navy", "option1": "M", "option2": "Navy", "available": true, "price": 19900},
		{"id": 103, "title": "M / Black", "option1": "M", "option2": "Black", "available": true, "price": 18900}
	]
}`

func newConnector(t *testing.T) *Connector {
	t.Helper()
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	return c
}

func shopifyServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ".js") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}))
}

func TestResolveConfirmsAvailableProduct(t *testing.T) {
	srv := shopifyServer(t, productJSON)
	defer srv.Close()

	c := &product.Candidate{URL: srv.URL + "/products/wool-overcoat", Stage: product.StagePrefiltered}
	newConnector(t).Resolve(context.Background(), c, Want{})

	if c.Rejected() {
		t.Fatalf("unexpected rejection: %s", c.RejectionReason)
	}
	if c.Stage != product.StageAPIChecked {
		t.Errorf("expected api-checked stage, got %s", c.Stage)
	}
	if c.Source != product.SourceStorefrontAPI {
		t.Errorf("expected storefront source, got %s", c.Source)
	}
	if c.Price == nil || *c.Price != 189.0 {
		t.Errorf("expected product price 189.00 from minor units, got %v", c.Price)
	}
	if c.Availability != product.AvailabilityInStock {
		t.Errorf("availability: %q", c.Availability)
	}
	if c.Brand != "Acme" || c.Title != "Wool Overcoat" {
		t.Errorf("metadata not filled: %q %q", c.Brand, c.Title)
	}
}

func TestResolvePinsMatchingVariant(t *testing.T) {
	srv := shopifyServer(t, productJSON)
	defer srv.Close()

	c := &product.Candidate{URL: srv.URL + "/products/wool-overcoat", Stage: product.StagePrefiltered}
	newConnector(t).Resolve(context.Background(), c, Want{Size: "M", Color: "navy"})

	if c.Rejected() {
		t.Fatalf("unexpected rejection: %s", c.RejectionReason)
	}
	if !strings.Contains(c.URL, "variant=102") {
		t.Errorf("expected variant 102 pinned in URL, got %q", c.URL)
	}
	if c.Price == nil || *c.Price != 199.0 {
		t.Errorf("expected variant price 199.00, got %v", c.Price)
	}
}

func TestResolveRejectsUnavailableVariant(t *testing.T) {
	srv := shopifyServer(t, productJSON)
	defer srv.Close()

	c := &product.Candidate{URL: srv.URL + "/products/wool-overcoat", Stage: product.StagePrefiltered}
	newConnector(t).Resolve(context.Background(), c, Want{Size: "S", Color: "navy"})

	if !c.Rejected() {
		t.Fatal("expected rejection for unavailable variant")
	}
}

func TestResolveRejectsWhenNoVariantMatches(t *testing.T) {
	srv := shopifyServer(t, productJSON)
	defer srv.Close()

	c := &product.Candidate{URL: srv.URL + "/products/wool-overcoat", Stage: product.StagePrefiltered}
	newConnector(t).Resolve(context.Background(), c, Want{Size: "XXL"})

	if !c.Rejected() {
		t.Fatal("expected rejection when no variant matches")
	}
}

func TestResolveRejectsUnavailableProduct(t *testing.T) {
	srv := shopifyServer(t, `{"title":"Gone","handle":"gone","available":false,"price":1000}`)
	defer srv.Close()

	c := &product.Candidate{URL: srv.URL + "/products/gone", Stage: product.StagePrefiltered}
	newConnector(t).Resolve(context.Background(), c, Want{})

	if !c.Rejected() {
		t.Fatal("expected rejection for unavailable product")
	}
}

func TestResolveLeavesNonShopifyUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := &product.Candidate{URL: srv.URL + "/products/some-item", Stage: product.StagePrefiltered}
	newConnector(t).Resolve(context.Background(), c, Want{})

	if c.Rejected() {
		t.Errorf("non-shopify candidate must pass through, got rejection %s", c.RejectionReason)
	}
	if c.Stage != product.StagePrefiltered {
		t.Errorf("non-shopify candidate must not advance, got %s", c.Stage)
	}
}

func TestResolveIgnoresURLsWithoutHandle(t *testing.T) {
	c := &product.Candidate{URL: "https://shop.example.com/collections/coats", Stage: product.StagePrefiltered}
	newConnector(t).Resolve(context.Background(), c, Want{})

	if c.Rejected() || c.Stage != product.StagePrefiltered {
		t.Error("candidate without a product handle must pass through")
	}
}

func TestHandleFromURL(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"https://shop.example.com/products/wool-overcoat", "wool-overcoat", true},
		{"https://shop.example.com/collections/sale/products/boots?variant=1", "boots", true},
		{"https://shop.example.com/pages/about", "", false},
		{"https://shop.example.com/products/", "", false},
	}
	for _, tc := range cases {
		got, ok := HandleFromURL(tc.in)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("HandleFromURL(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestMatchVariant(t *testing.T) {
	variants := []Variant{
		{ID: 1, Option1: "S", Option2: "Red", Available: true},
		{ID: 2, Option1: "M", Option2: "Red", Available: true},
	}

	if _, ok := MatchVariant(variants, Want{}); ok {
		t.Error("no constraints must report no match")
	}
	v, ok := MatchVariant(variants, Want{Size: "m"})
	if !ok || v.ID != 2 {
		t.Errorf("size match failed: %+v %v", v, ok)
	}
	if _, ok := MatchVariant(variants, Want{Color: "Blue"}); ok {
		t.Error("unmatched color must report no match")
	}
}
