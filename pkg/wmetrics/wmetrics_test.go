package wmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRegisterAttachesAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New()
	if err := r.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"web_connections_active",
		"web_connections_total",
		"web_requests_total",
		"web_auth_failures_total",
		"web_sessions_active",
		"web_request_duration_seconds",
	} {
		if !names[want] {
			t.Fatalf("expected metric %q to be registered, got %v", want, names)
		}
	}
}

func TestRegisterTwiceOnSameRegistryFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := New().Register(reg); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := New().Register(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestCountersAndGaugesObserveValues(t *testing.T) {
	r := New()
	r.ConnectionsTotal.Inc()
	r.ConnectionsActive.Set(3)
	r.RequestsTotal.WithLabelValues("200").Inc()
	r.AuthFailuresTotal.WithLabelValues("digest").Inc()
	r.RequestDuration.WithLabelValues("200").Observe(0.25)

	var m dto.Metric
	if err := r.ConnectionsTotal.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.GetCounter().GetValue() != 1 {
		t.Fatalf("expected ConnectionsTotal=1, got %v", m.GetCounter().GetValue())
	}

	var gaugeMetric dto.Metric
	if err := r.ConnectionsActive.Write(&gaugeMetric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if gaugeMetric.GetGauge().GetValue() != 3 {
		t.Fatalf("expected ConnectionsActive=3, got %v", gaugeMetric.GetGauge().GetValue())
	}
}
