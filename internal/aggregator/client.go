// Package aggregator talks to the local search aggregator service: a
// sidecar process that fans a text query out to public search engines
// and returns merged organic results. The client serializes requests
// through a single-flight gate so the sidecar never sees concurrent
// load, and the supervisor keeps the sidecar process alive.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopscout/shopscout/internal/metrics"
	"github.com/shopscout/shopscout/pkg/httpclient"
	"github.com/shopscout/shopscout/pkg/ratelimit"
)

// Result is one organic search result from the aggregator.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Engine      string `json:"engine"`
	Rank        int    `json:"rank"`
	Ad          bool   `json:"ad"`
}

// EngineStatus is one engine's readiness in the /health payload.
type EngineStatus struct {
	Name        string `json:"name"`
	Initialized bool   `json:"initialized"`
}

// HealthStatus is the aggregator's /health payload.
type HealthStatus struct {
	Engines []EngineStatus `json:"engines"`
	Total   int            `json:"total"`
}

// StatusError reports a non-200 response from the aggregator. Status
// errors are never retried; the response would not change.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("aggregator: unexpected status %d: %s", e.Code, e.Body)
}

// Config controls the aggregator client. Zero values get sensible
// defaults from New.
type Config struct {
	BaseURL    string
	Engines    []string
	Limit      int
	MinDelay   time.Duration // spacing between consecutive requests
	MaxRetries int           // transport-error retries, exponential backoff
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client queries the aggregator sidecar. Safe for concurrent use; all
// requests are serialized through the gate.
type Client struct {
	baseURL    string
	engines    string
	limit      int
	maxRetries int
	gate       *ratelimit.Gate
	http       *httpclient.Client
	logger     *slog.Logger
}

// New creates an aggregator client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:7000"
	}
	if len(cfg.Engines) == 0 {
		cfg.Engines = []string{"google", "bing", "duckduckgo"}
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 25
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hc, err := httpclient.New(httpclient.Config{Timeout: cfg.Timeout, MaxRedirects: 3})
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		engines:    strings.Join(cfg.Engines, ","),
		limit:      cfg.Limit,
		maxRetries: cfg.MaxRetries,
		gate:       ratelimit.NewGate(cfg.MinDelay),
		http:       hc,
		logger:     cfg.Logger.With("component", "aggregator"),
	}, nil
}

// Search runs one query through the aggregator and returns organic
// results, ads dropped. Transport failures are retried with backoff;
// non-200 responses are returned as *StatusError without retry.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	release, err := c.gate.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}
	defer release()

	q := url.Values{}
	q.Set("text", query)
	q.Set("engines", c.engines)
	q.Set("limit", strconv.Itoa(c.limit))
	searchURL := c.baseURL + "/search?" + q.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			c.logger.Warn("retrying search",
				"attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("aggregator: %w", ctx.Err())
			}
		}

		results, err := c.doSearch(ctx, searchURL)
		if err == nil {
			metrics.SearchRequestsTotal.WithLabelValues("aggregator", "ok").Inc()
			return results, nil
		}

		// A well-formed HTTP response is final; retrying would just
		// repeat the rejection and burn engine quota.
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			metrics.SearchRequestsTotal.WithLabelValues("aggregator", "rejected").Inc()
			return nil, err
		}
		lastErr = err
	}

	metrics.SearchRequestsTotal.WithLabelValues("aggregator", "error").Inc()
	return nil, fmt.Errorf("aggregator: search failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) doSearch(ctx context.Context, searchURL string) ([]Result, error) {
	resp, err := c.http.Get(ctx, searchURL, "")
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var raw []Result
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &StatusError{Code: resp.StatusCode, Body: "malformed response body"}
	}

	results := make([]Result, 0, len(raw))
	for _, r := range raw {
		if r.Ad || r.URL == "" {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// Health queries /health and returns how many engines are initialized.
func (c *Client) Health(ctx context.Context) (int, error) {
	resp, err := c.http.Get(ctx, c.baseURL+"/health", "")
	if err != nil {
		return 0, fmt.Errorf("aggregator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Code: resp.StatusCode}
	}

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return 0, fmt.Errorf("aggregator: %w", err)
	}

	ready := 0
	for _, engine := range status.Engines {
		if engine.Initialized {
			ready++
		}
	}
	return ready, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
