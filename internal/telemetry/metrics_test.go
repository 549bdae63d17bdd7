package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.UpstreamDuration == nil {
		t.Error("UpstreamDuration is nil")
	}
	if m.UpstreamErrors == nil {
		t.Error("UpstreamErrors is nil")
	}
	if m.Failovers == nil {
		t.Error("Failovers is nil")
	}
	if m.TokenRefreshes == nil {
		t.Error("TokenRefreshes is nil")
	}
	if m.SpendRejects == nil {
		t.Error("SpendRejects is nil")
	}
	if m.WriterQueueDepth == nil {
		t.Error("WriterQueueDepth is nil")
	}

	// Verify metrics can be gathered without error.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "/v1/messages", "200").Inc()
	m.Failovers.WithLabelValues("rate_limited").Inc()
	m.TokenRefreshes.WithLabelValues("success").Inc()
	m.ActiveRequests.Set(5)
	m.WriterQueueDepth.Set(12)
	m.RequestDuration.WithLabelValues("POST", "/v1/messages").Observe(0.123)
	m.RecordTokens("claude-sonnet-4", 100, 42, 50, 0)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"ccflare_requests_total",
		"ccflare_failovers_total",
		"ccflare_token_refreshes_total",
		"ccflare_active_requests",
		"ccflare_writer_queue_depth",
		"ccflare_request_duration_seconds",
		"ccflare_tokens_processed_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
