package harden

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopscout/shopscout/internal/product"
)

func newHardener(t *testing.T) *Hardener {
	t.Helper()
	h, err := New(Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return h
}

func candidateFor(url string) *product.Candidate {
	return &product.Candidate{URL: url, Stage: product.StageBrowserVerified}
}

func TestHardenPassesStableLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte(`<html><head><title>Wool Coat</title></head><body></body></html>`))
	}))
	defer srv.Close()

	c := candidateFor(srv.URL + "/products/wool-coat")
	newHardener(t).Harden(context.Background(), c)

	if c.Rejected() {
		t.Fatalf("unexpected rejection: %s", c.RejectionReason)
	}
	if c.Stage != product.StageHardened {
		t.Errorf("expected hardened stage, got %s", c.Stage)
	}
}

func TestHardenRejectsBrokenLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := candidateFor(srv.URL + "/products/gone")
	newHardener(t).Harden(context.Background(), c)

	if !c.Rejected() {
		t.Error("expected rejection on 404")
	}
}

func TestHardenFallsBackToGetWhenHeadUnsupported(t *testing.T) {
	var sawGet bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sawGet = true
		_, _ = w.Write([]byte(`<html><head><title>Coat</title></head></html>`))
	}))
	defer srv.Close()

	c := candidateFor(srv.URL + "/products/coat")
	newHardener(t).Harden(context.Background(), c)

	if !sawGet {
		t.Error("expected GET fallback after 405 on HEAD")
	}
	if c.Rejected() {
		t.Errorf("unexpected rejection: %s", c.RejectionReason)
	}
}

func TestHardenRejectsRedirectAwayFromProduct(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/products/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusFound)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Home</title></head></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := candidateFor(srv.URL + "/products/moved")
	newHardener(t).Harden(context.Background(), c)

	if !c.Rejected() {
		t.Error("expected rejection when the link bounces to the home page")
	}
	if !strings.Contains(c.RejectionReason, "resolves to") {
		t.Errorf("unexpected reason: %s", c.RejectionReason)
	}
}

func TestHardenRejectsSoftErrorPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// Soft 404: HEAD can't see the body, force the GET path.
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(`<html><head><title>Page Not Found</title></head><body><h1>Oops</h1></body></html>`))
	}))
	defer srv.Close()

	c := candidateFor(srv.URL + "/products/soft-404")
	newHardener(t).Harden(context.Background(), c)

	if !c.Rejected() {
		t.Error("expected rejection on soft error page")
	}
	if !strings.Contains(c.RejectionReason, "error page") {
		t.Errorf("unexpected reason: %s", c.RejectionReason)
	}
}

func TestHardenRejectsExcessiveRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every request redirects one hop deeper, forever.
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	c := candidateFor(srv.URL + "/products/loop")
	newHardener(t).Harden(context.Background(), c)

	if !c.Rejected() {
		t.Error("expected rejection on redirect chain past the budget")
	}
}

func TestHardenSkipsRejectedCandidates(t *testing.T) {
	c := candidateFor("http://127.0.0.1:1/unreachable")
	c.Reject("verifier said no")

	newHardener(t).Harden(context.Background(), c)

	if c.RejectionReason != "verifier said no" {
		t.Errorf("first reason must win, got %q", c.RejectionReason)
	}
	if c.Stage == product.StageHardened {
		t.Error("rejected candidate must not advance")
	}
}

func TestStableDestination(t *testing.T) {
	cases := []struct {
		requested, final string
		want             bool
	}{
		{"https://shop.example.com/products/coat", "https://shop.example.com/products/coat", true},
		{"https://www.shop.example.com/products/coat", "https://shop.example.com/products/coat/", true},
		{"https://shop.example.com/products/coat?variant=1", "https://shop.example.com/products/coat?v=2", true},
		{"https://shop.example.com/products/coat", "https://shop.example.com/", false},
		{"https://shop.example.com/products/coat", "https://other.example.com/products/coat", false},
	}
	for _, tc := range cases {
		if got := stableDestination(tc.requested, tc.final); got != tc.want {
			t.Errorf("stableDestination(%q, %q) = %v, want %v", tc.requested, tc.final, got, tc.want)
		}
	}
}
