/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerConfig contains configuration for OpenTelemetry tracing.
type TracerConfig struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g., "localhost:4317"
	Enabled        bool
	SampleRate     float64 // 0.0 to 1.0
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	logger   zerolog.Logger
}

// InitTracer initializes OpenTelemetry tracing with an OTLP exporter.
func InitTracer(ctx context.Context, cfg TracerConfig, logger zerolog.Logger) (*TracerProvider, error) {
	if !cfg.Enabled {
		logger.Info().Msg("tracing disabled")
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &TracerProvider{logger: logger}, nil
	}

	logger.Info().
		Str("service_name", cfg.ServiceName).
		Str("otlp_endpoint", cfg.OTLPEndpoint).
		Float64("sample_rate", cfg.SampleRate).
		Msg("initializing OpenTelemetry tracing")

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info().Msg("OpenTelemetry tracing initialized")

	return &TracerProvider{provider: tp, logger: logger}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := tp.provider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}

	tp.logger.Info().Msg("tracer provider shutdown complete")
	return nil
}

// Tracer returns a tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span with the given name.
func StartSpan(ctx context.Context, tracerName, spanName string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, spanName)
}

// AddSpanAttributes adds attributes to the span.
func AddSpanAttributes(span trace.Span, attributes map[string]any) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for key, value := range attributes {
		switch v := value.(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int64(key, int64(v)))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		case time.Time:
			attrs = append(attrs, attribute.String(key, v.UTC().Format(time.RFC3339)))
		}
	}
	span.SetAttributes(attrs...)
}

// RecordError records an error on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Track starts a span for a service operation. Call the returned function
// with the operation's final error.
func Track(ctx context.Context, tracerName, spanName string, attributes map[string]any) (context.Context, func(error)) {
	ctx, span := StartSpan(ctx, tracerName, spanName)
	if len(attributes) > 0 {
		AddSpanAttributes(span, attributes)
	}
	return ctx, func(err error) {
		RecordError(span, err)
		span.End()
	}
}
