package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{Registerer: reg, SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.LiveTurnsCompleted.Add(context.Background(), 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found, named bool
	for _, f := range families {
		if strings.Contains(f.GetName(), "turns_completed") {
			found = true
		}
		if f.GetName() != "target_info" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "service_name" && l.GetValue() == "glyphstudio" {
					named = true
				}
			}
		}
	}
	if !found {
		t.Errorf("turns_completed not exported; got %d families", len(families))
	}
	if !named {
		t.Error("target_info lacks service_name=glyphstudio")
	}

	ctx, span := StartSpan(context.Background(), "sampled")
	defer span.End()
	if TraceID(ctx) == "" {
		t.Error("global tracer provider not installed")
	}
}
