package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/leandrodaf/midibridge/internal/telemetry"
)

func TestInit(t *testing.T) {
	t.Run("Does nothing for none", func(t *testing.T) {
		shutdown, err := telemetry.Init(context.Background(), telemetry.None)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	t.Run("Rejects unknown exporters", func(t *testing.T) {
		_, err := telemetry.Init(context.Background(), "zipkin")
		if !errors.Is(err, telemetry.ErrUnknownExporter) {
			t.Errorf("got error %v", err)
		}
	})

	t.Run("Builds an OTLP provider without connecting", func(t *testing.T) {
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")
		shutdown, err := telemetry.Init(context.Background(), telemetry.OTLP)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = shutdown(ctx)
	})
}
