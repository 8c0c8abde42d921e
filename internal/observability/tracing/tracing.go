// Package tracing installs the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// StoreIDKey tags spans with the store that emitted them.
const StoreIDKey = attribute.Key("nyxkv.store.id")

// Config describes tracing exporter configuration.
type Config struct {
	Endpoint string
	Insecure bool
	// Component is "store" or "pd"; the service name is nyxkv-<component>.
	Component string
	// StoreID is zero for processes that are not stores.
	StoreID     uint64
	SampleRatio float64
}

func (c Config) serviceName() string {
	if c.Component == "" {
		return "nyxkv-store"
	}
	return "nyxkv-" + c.Component
}

// Resource describes the emitting process. Stores are told apart by their
// instance id so one collector can hold the traces of a whole cluster.
func Resource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.serviceName())}
	if cfg.StoreID != 0 {
		attrs = append(attrs,
			semconv.ServiceInstanceID("store-"+strconv.FormatUint(cfg.StoreID, 10)),
			StoreIDKey.Int64(int64(cfg.StoreID)),
		)
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// Setup configures the global tracer provider and returns its shutdown
// function. An empty endpoint leaves tracing disabled.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := Resource(cfg)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	dialOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		dialOpts = append(dialOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithExportTimeout(10*time.Second),
		),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Sampler follows the parent's decision and samples root spans at ratio.
// A ratio outside (0, 1) samples everything.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio > 0 && ratio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.ParentBased(sdktrace.AlwaysSample())
}
