// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter kinds.
const (
	None      = "none"
	Honeycomb = "honeycomb"
	OTLP      = "otlp"
)

// ErrUnknownExporter is returned for an unsupported kind.
var ErrUnknownExporter = errors.New("unknown telemetry exporter")

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Kinds lists the accepted exporter kinds.
func Kinds() []string { return []string{None, Honeycomb, OTLP} }

// Init installs the global tracer provider for kind. The exporters read their
// endpoint and credentials from the standard OTEL_* environment variables.
func Init(ctx context.Context, kind string) (Shutdown, error) {
	switch kind {
	case "", None:
		return func(context.Context) error { return nil }, nil
	case Honeycomb:
		return initHoneycomb()
	case OTLP:
		return initOTLP(ctx)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, kind)
}

// initHoneycomb uses the Honeycomb launcher, configured by HONEYCOMB_* and
// OTEL_* variables.
func initHoneycomb() (Shutdown, error) {
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(otelconfig.WithServiceName("midibridge"))
	if err != nil {
		return nil, fmt.Errorf("failed to configure OpenTelemetry: %w", err)
	}
	return func(context.Context) error {
		otelShutdown()
		return nil
	}, nil
}

// initOTLP exports over OTLP/HTTP with TraceContext and Baggage propagation.
func initOTLP(ctx context.Context) (Shutdown, error) {
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient())
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}
