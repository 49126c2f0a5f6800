// Package telemetry provides ambient observability for the kernel core:
// OpenTelemetry/Jaeger tracing around scheduler admission/reschedule and
// VFS lookup/mount operations, plus a Prometheus-text metrics exporter.
// Never wired into the timer-interrupt hot path, since timer callbacks
// must not block (§5).
package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "matrix-kernel"
	serviceVersion = "0.1.0"
)

var tracerProvider *tracesdk.TracerProvider

// InitTracing wires a Jaeger exporter as the global tracer provider. An
// empty endpoint falls back to a local collector default.
func InitTracing(jaegerEndpoint string) error {
	if jaegerEndpoint == "" {
		jaegerEndpoint = "http://jaeger:14268/api/traces"
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	tracerProvider = tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)

	log.Printf("tracing: jaeger exporter initialized at %s", jaegerEndpoint)
	return nil
}

// Shutdown flushes and stops the tracer provider, if initialized.
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	return tracerProvider.Shutdown(ctx)
}

// tracer returns a tracer scoped to one kernel component ("sched", "vfs",
// "kernel").
func tracer(component string) trace.Tracer {
	return otel.Tracer(fmt.Sprintf("%s/%s", serviceName, component))
}

// startSpan starts a span on component's tracer with the given attributes
// already attached. Unexported: callers reach it only through the
// kernel-shaped helpers below, so every span this package emits matches a
// real operation instead of an ad hoc name assembled at the call site.
func startSpan(ctx context.Context, component, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer(component).Start(ctx, op)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records err on the span active in ctx, if any.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
	}
}

// StartWorkloadSpan traces one top-level run of cmd/kernel's demo
// workload (thread admission through VFS write).
func StartWorkloadSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return startSpan(ctx, "kernel", name)
}

// StartAdmissionSpan traces a scheduler admitting a newly-created thread
// onto its chosen CPU (§4.4 "InsertThread").
func StartAdmissionSpan(ctx context.Context, threadName string, priority int) (context.Context, trace.Span) {
	return startSpan(ctx, "sched", "admission",
		attribute.String("thread", threadName),
		attribute.Int("priority", priority))
}

// StartRescheduleSpan traces one CPU's reschedule decision (§4.4
// "Reschedule").
func StartRescheduleSpan(ctx context.Context, cpuID int) (context.Context, trace.Span) {
	return startSpan(ctx, "sched", "reschedule", attribute.Int("cpu", cpuID))
}

// StartLookupSpan traces a VFS path resolution (§4.5 "vfs_lookup").
func StartLookupSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return startSpan(ctx, "vfs", "lookup", attribute.String("path", path))
}

// StartMountSpan traces a VFS mount attach (§4.5 "vfs_mount").
func StartMountSpan(ctx context.Context, path, typeName string) (context.Context, trace.Span) {
	return startSpan(ctx, "vfs", "mount",
		attribute.String("path", path),
		attribute.String("type", typeName))
}

// StartCreateSpan traces a VFS node creation (§4.5 "Create").
func StartCreateSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return startSpan(ctx, "vfs", "create", attribute.String("path", path))
}
