package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SearchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopscout_search_requests_total",
			Help: "Total number of source search calls executed",
		},
		[]string{"source", "status"},
	)

	SourceDisabledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopscout_source_disabled_total",
			Help: "Sources disabled for the session by the circuit breaker",
		},
		[]string{"source", "reason"},
	)

	StageCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopscout_stage_candidates_total",
			Help: "Candidates entering each pipeline stage, by outcome",
		},
		[]string{"stage", "outcome"},
	)

	VerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shopscout_verification_duration_seconds",
			Help:    "Duration of browser verifications in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"retailer"},
	)

	CacheOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopscout_cache_ops_total",
			Help: "Verified-link cache operations by result",
		},
		[]string{"op", "result"},
	)

	PoolLeases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shopscout_browser_pool_leases",
			Help: "Browser contexts currently leased from the pool",
		},
	)

	AggregatorRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shopscout_aggregator_restarts_total",
			Help: "Aggregator process restarts performed by the supervisor",
		},
	)
)

// RecordStage counts a candidate outcome for a pipeline stage.
func RecordStage(stage string, passed bool) {
	outcome := "passed"
	if !passed {
		outcome = "rejected"
	}
	StageCandidates.WithLabelValues(stage, outcome).Inc()
}

// RecordCacheOp counts a cache hit or miss for the given operation.
func RecordCacheOp(op string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheOpsTotal.WithLabelValues(op, result).Inc()
}

// Server encapsulates an HTTP server exposing Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the given port and serves /metrics.
func Start(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server failed: %v\n", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
