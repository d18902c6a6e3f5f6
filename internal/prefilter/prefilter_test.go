package prefilter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopscout/shopscout/internal/product"
)

const inStockPage = `<!doctype html><html><head>
<link rel="canonical" href="https://shop.example.com/p/wool-coat"/>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"Product","name":"Wool Coat",
"brand":{"@type":"Brand","name":"Acme"},"image":["https://cdn.example.com/coat.jpg"],
"offers":{"@type":"Offer","price":"189.00","priceCurrency":"USD",
"availability":"https://schema.org/InStock"}}
</script></head><body>coat</body></html>`

const outOfStockPage = `<!doctype html><html><head>
<script type="application/ld+json">
{"@type":"Product","name":"Gone Coat",
"offers":{"price":99.0,"priceCurrency":"USD","availability":"http://schema.org/OutOfStock"}}
</script></head><body>gone</body></html>`

const graphPage = `<!doctype html><html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
{"@type":"WebSite","name":"Shop"},
{"@type":["Product","Thing"],"name":"Graph Coat",
"offers":[{"@type":"AggregateOffer","lowPrice":"120","priceCurrency":"EUR",
"availability":"https://schema.org/LimitedAvailability"}]}]}
</script></head><body>graph</body></html>`

func newCandidate(url string) *product.Candidate {
	return &product.Candidate{ID: "c1", URL: url, Source: product.SourceHarvester}
}

func runOne(t *testing.T, cfg Config, c *product.Candidate) {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Run(context.Background(), []*product.Candidate{c}); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPrefilterExtractsStructuredData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(inStockPage))
	}))
	defer srv.Close()

	c := newCandidate(srv.URL + "/p/wool-coat")
	runOne(t, Config{}, c)

	if c.Rejected() {
		t.Fatalf("unexpected rejection: %s", c.RejectionReason)
	}
	if c.Stage != product.StagePrefiltered {
		t.Errorf("expected prefiltered stage, got %s", c.Stage)
	}
	if c.CanonicalURL != "https://shop.example.com/p/wool-coat" {
		t.Errorf("canonical not extracted: %q", c.CanonicalURL)
	}
	if c.Title != "Wool Coat" || c.Brand != "Acme" {
		t.Errorf("title/brand not extracted: %q / %q", c.Title, c.Brand)
	}
	if c.Price == nil || *c.Price != 189.0 || c.Currency != "USD" {
		t.Errorf("price not extracted: %+v %q", c.Price, c.Currency)
	}
	if c.Availability != product.AvailabilityInStock {
		t.Errorf("availability: got %q", c.Availability)
	}
}

func TestPrefilterRejectsOutOfStock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(outOfStockPage))
	}))
	defer srv.Close()

	c := newCandidate(srv.URL)
	runOne(t, Config{}, c)

	if !c.Rejected() {
		t.Fatal("expected out-of-stock rejection")
	}
	if c.Stage != product.StageHarvested {
		t.Errorf("rejected candidate must not advance, got %s", c.Stage)
	}
}

func TestPrefilterRejectsMissingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newCandidate(srv.URL)
	runOne(t, Config{}, c)

	if !c.Rejected() {
		t.Error("expected rejection on 404")
	}
}

func TestPrefilterBrandAndPriceBounds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(inStockPage))
	}))
	defer srv.Close()

	t.Run("wrong brand rejected", func(t *testing.T) {
		c := newCandidate(srv.URL)
		runOne(t, Config{RequiredBrand: "OtherBrand"}, c)
		if !c.Rejected() {
			t.Error("expected brand rejection")
		}
	})

	t.Run("matching brand passes case-insensitively", func(t *testing.T) {
		c := newCandidate(srv.URL)
		runOne(t, Config{RequiredBrand: "acme"}, c)
		if c.Rejected() {
			t.Errorf("unexpected rejection: %s", c.RejectionReason)
		}
	})

	t.Run("over budget rejected", func(t *testing.T) {
		budget := 150.0
		c := newCandidate(srv.URL)
		runOne(t, Config{MaxPrice: &budget}, c)
		if !c.Rejected() {
			t.Error("expected budget rejection")
		}
	})

	t.Run("within budget passes", func(t *testing.T) {
		budget := 200.0
		c := newCandidate(srv.URL)
		runOne(t, Config{MaxPrice: &budget}, c)
		if c.Rejected() {
			t.Errorf("unexpected rejection: %s", c.RejectionReason)
		}
	})
}

func TestPrefilterParsesGraphAndTypeArrays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(graphPage))
	}))
	defer srv.Close()

	c := newCandidate(srv.URL)
	runOne(t, Config{}, c)

	if c.Rejected() {
		t.Fatalf("unexpected rejection: %s", c.RejectionReason)
	}
	if c.Title != "Graph Coat" {
		t.Errorf("expected product from @graph, got title %q", c.Title)
	}
	if c.Price == nil || *c.Price != 120.0 || c.Currency != "EUR" {
		t.Errorf("aggregate offer price not extracted: %v %q", c.Price, c.Currency)
	}
	if c.Availability != product.AvailabilityLowStock {
		t.Errorf("availability: got %q", c.Availability)
	}
}

func TestPrefilterSkipsAlreadyRejected(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := newCandidate(srv.URL)
	c.Reject("earlier stage said no")
	runOne(t, Config{}, c)

	if called {
		t.Error("prefilter must not fetch rejected candidates")
	}
	if c.RejectionReason != "earlier stage said no" {
		t.Errorf("first rejection reason must win, got %q", c.RejectionReason)
	}
}
