package aggregator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:    baseURL,
		Engines:    []string{"google", "bing"},
		Limit:      10,
		MinDelay:   time.Millisecond,
		MaxRetries: 1,
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSearchReturnsOrganicResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("text"); got != "leather boots" {
			t.Errorf("unexpected query %q", got)
		}
		if got := r.URL.Query().Get("engines"); got != "google,bing" {
			t.Errorf("unexpected engines %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"title":"Boots","url":"https://shop.example.com/boots","engine":"google","rank":1},
			{"title":"Sponsored Boots","url":"https://ads.example.com/boots","engine":"google","rank":2,"ad":true},
			{"title":"No link","url":"","engine":"bing","rank":3}
		]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	results, err := client.Search(context.Background(), "leather boots")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 organic result, got %d", len(results))
	}
	if results[0].URL != "https://shop.example.com/boots" {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestSearchDoesNotRetryStatusErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Search(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected error")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", statusErr.Code)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 request, got %d", got)
	}
}

func TestSearchRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Drop the connection mid-response to force a transport error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("server does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack failed: %v", err)
			}
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"title":"Boots","url":"https://shop.example.com/boots"}]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	results, err := client.Search(context.Background(), "boots")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 requests, got %d", got)
	}
}

func TestSearchSerializesRequests(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = client.Search(context.Background(), "q")
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("expected at most 1 request in flight, saw %d", got)
	}
}

func TestHealthCountsInitializedEngines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"engines":[
			{"name":"google","initialized":true},
			{"name":"bing","initialized":false},
			{"name":"duckduckgo","initialized":true}
		],"total":3}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ready, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if ready != 2 {
		t.Errorf("expected 2 ready engines, got %d", ready)
	}
}
