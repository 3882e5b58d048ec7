// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/concierge-hq/concierge"

// Operation names recorded by the hooks.
const (
	OperationCallTool     = "call_tool"
	OperationReadResource = "read_resource"
)

// Hooks records one metric sample and one span per observed operation. They
// never alter results or swallow errors.
type Hooks struct {
	tracer   trace.Tracer
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewHooks creates hooks bound to the provider's instruments.
func NewHooks(p *Provider) (*Hooks, error) {
	meter := p.MeterProvider().Meter(instrumentationName)

	calls, err := meter.Int64Counter("concierge_operations_total",
		metric.WithDescription("Total operations handled, by operation and outcome."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("concierge_operation_duration_ms",
		metric.WithDescription("Operation duration in milliseconds."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Hooks{
		tracer:   p.TracerProvider().Tracer(instrumentationName),
		calls:    calls,
		duration: duration,
	}, nil
}

// Observe runs fn inside a span and records its duration and outcome. target
// is the tool name or resource URI.
func (h *Hooks) Observe(ctx context.Context, operation, target string, fn func(context.Context) error) error {
	if h == nil {
		return fn(ctx)
	}

	ctx, span := h.tracer.Start(ctx, operation+" "+target,
		trace.WithAttributes(
			attribute.String("concierge.operation", operation),
			attribute.String("concierge.target", target),
		))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("target", target),
		attribute.Bool("is_error", err != nil),
	}
	h.calls.Add(ctx, 1, metric.WithAttributes(attrs...))
	h.duration.Record(ctx, float64(elapsed.Microseconds())/1000.0, metric.WithAttributes(attrs...))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
