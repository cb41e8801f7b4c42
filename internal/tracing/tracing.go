// Package tracing sets up a pair of otel tracers, following
// the teacher's split between a high-volume "debug" tracer and a
// coarser "info" tracer (x/merkledb/trieview.go calls t.db.infoTracer
// for whole-commit spans and t.db.debugTracer for per-key lookups).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracers bundles an info and a debug tracer; the synctree package does
// not take or use them. Either may be a
// no-op (otel.Tracer against an unregistered global provider) if the
// caller never configured an exporter.
type Tracers struct {
	Info  oteltrace.Tracer
	Debug oteltrace.Tracer
}

// NoOp returns Tracers backed by otel's default no-op implementation.
func NoOp() Tracers {
	return Tracers{
		Info:  otel.Tracer("synctree.info"),
		Debug: otel.Tracer("synctree.debug"),
	}
}

// Config controls where spans are exported.
type Config struct {
	ServiceName string
	Endpoint    string // OTLP/gRPC collector address, e.g. "localhost:4317".
	Insecure    bool
}

// Setup dials an OTLP/gRPC exporter, registers a TracerProvider as the
// otel global, and returns the info/debug tracers plus a shutdown func
// the caller must invoke on exit.
func Setup(ctx context.Context, cfg Config) (Tracers, func(context.Context) error, error) {
	var opts []otlptracegrpc.Option
	opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	client := otlptracegrpc.NewClient(opts...)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return Tracers{}, nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return Tracers{}, nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return Tracers{
		Info:  provider.Tracer("synctree.info"),
		Debug: provider.Tracer("synctree.debug"),
	}, provider.Shutdown, nil
}
