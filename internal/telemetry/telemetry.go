// Package telemetry bootstraps the OpenTelemetry tracer used around
// pipeline runs.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/amaumene/watchstate"

// Setup installs a tracer provider and returns its shutdown func. No
// exporter is wired by default; spans still propagate through contexts so an
// exporter can be attached at deploy time.
func Setup() func(context.Context) error {
	provider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(provider)
	return provider.Shutdown
}

// Tracer returns the application tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
