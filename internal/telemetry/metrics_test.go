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
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
	if m.CSRFRejects == nil {
		t.Error("CSRFRejects is nil")
	}
	if m.BreakerState == nil {
		t.Error("BreakerState is nil")
	}
	if m.BulkheadRejects == nil {
		t.Error("BulkheadRejects is nil")
	}
	if m.CCUTotal == nil {
		t.Error("CCUTotal is nil")
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

	// Increment counters and observe histograms to verify they work.
	m.RequestsTotal.WithLabelValues("POST", "/api/orders", "200").Inc()
	m.RateLimitRejects.WithLabelValues("ANONYMOUS").Inc()
	m.CSRFRejects.Inc()
	m.ActiveRequests.Set(5)
	m.BreakerState.WithLabelValues("orders").Set(1)
	m.CCUTotal.Set(42)
	m.RequestDuration.WithLabelValues("POST", "/api/orders").Observe(0.123)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"vanguard_requests_total",
		"vanguard_ratelimit_rejects_total",
		"vanguard_csrf_rejects_total",
		"vanguard_active_requests",
		"vanguard_breaker_state",
		"vanguard_ccu_total",
		"vanguard_request_duration_seconds",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
