package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	checks := map[string]any{
		"RequestDuration":   m.RequestDuration,
		"CacheHits":         m.CacheHits,
		"CacheMisses":       m.CacheMisses,
		"NetworkFailures":   m.NetworkFailures,
		"SyntheticReplies":  m.SyntheticReplies,
		"InstallDuration":   m.InstallDuration,
		"InstallFailures":   m.InstallFailures,
		"StoresDeleted":     m.StoresDeleted,
		"DeferredEnqueued":  m.DeferredEnqueued,
		"DeferredReplayed":  m.DeferredReplayed,
		"DeferredFailures":  m.DeferredFailures,
		"NotificationsSent": m.NotificationsSent,
	}
	for name, inst := range checks {
		if inst == nil {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; instruments must still be created.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
