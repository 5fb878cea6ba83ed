package daemoncore

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the daemon's metric instruments and tracer: queue
// depth, broadcast drops, auto-resolver transitions, and one span per
// action lifecycle, all exported to stdout for local diagnostics.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider

	Tracer trace.Tracer

	ActionQueueDepth  metric.Int64UpDownCounter
	BroadcastDrops    metric.Int64Counter
	AutoResolveEvents metric.Int64Counter
}

// NewTelemetry wires stdout-exporting metric and trace providers. Writer
// defaults to io.Discard in production (only debug_eval/diagnostics reads
// the span/metric state back out); tests can pass a buffer.
func NewTelemetry(w io.Writer) (*Telemetry, error) {
	if w == nil {
		w = io.Discard
	}

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("daemoncore: metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(meterProvider)

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("daemoncore: trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tracerProvider)

	meter := meterProvider.Meter("taptools/daemoncore")

	queueDepth, err := meter.Int64UpDownCounter("action_queue_depth",
		metric.WithDescription("current number of pending actions"))
	if err != nil {
		return nil, err
	}
	drops, err := meter.Int64Counter("broadcast_queue_drops",
		metric.WithDescription("snapshots dropped from the event broadcaster's bounded queue"))
	if err != nil {
		return nil, err
	}
	autoResolves, err := meter.Int64Counter("auto_resolve_transitions",
		metric.WithDescription("auto-resolver state transitions by kind"))
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		meterProvider:     meterProvider,
		tracerProvider:    tracerProvider,
		Tracer:            tracerProvider.Tracer("taptools/daemoncore"),
		ActionQueueDepth:  queueDepth,
		BroadcastDrops:    drops,
		AutoResolveEvents: autoResolves,
	}, nil
}

// Shutdown flushes and stops both providers. Safe to call once during
// daemon teardown.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("daemoncore: shutdown tracer provider: %w", err)
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("daemoncore: shutdown meter provider: %w", err)
	}
	return nil
}
