package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestMetricsServer(t *testing.T) {
	srv := Start(18889)
	// Give it a tiny bit of time to start up
	time.Sleep(100 * time.Millisecond)

	defer srv.Stop(context.Background())

	RecordStage("prefilter", true)
	RecordStage("prefilter", false)
	RecordCacheOp("get", true)
	VerificationDuration.WithLabelValues("nordstrom.com").Observe(1.2)

	resp, err := http.Get("http://localhost:18889/metrics")
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	output := string(body)

	if !strings.Contains(output, `shopscout_stage_candidates_total{outcome="passed",stage="prefilter"}`) {
		t.Errorf("expected stage candidates metric for prefilter")
	}
	if !strings.Contains(output, `shopscout_cache_ops_total{op="get",result="hit"}`) {
		t.Errorf("expected cache ops metric")
	}
	if !strings.Contains(output, "shopscout_verification_duration_seconds_bucket") {
		t.Errorf("expected verification duration histogram")
	}
}
