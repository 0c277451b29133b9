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
	if m.AttemptDuration == nil || m.Attempts == nil || m.Restarts == nil ||
		m.StreamFragments == nil || m.LoadErrors == nil {
		t.Fatalf("missing instrument: %+v", m)
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	m, err := NewMetrics(Disabled().Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.Attempts.Add(context.Background(), 1)
}
