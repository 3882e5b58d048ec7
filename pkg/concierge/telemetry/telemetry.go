// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides the OpenTelemetry providers and the observation
// hooks the server wraps around tool calls and widget reads. Without
// configuration everything is a no-op; enabling Prometheus attaches a reader
// and exposes an http.Handler for a /metrics endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName identifies the service for telemetry data.
	ServiceName string

	// ServiceVersion identifies the service version for telemetry data.
	ServiceVersion string

	// EnablePrometheusMetricsPath enables the Prometheus /metrics endpoint.
	EnablePrometheusMetricsPath bool
}

// Provider bundles the meter and tracer providers plus the optional
// Prometheus handler. The zero-config provider is a no-op.
type Provider struct {
	meterProvider     metric.MeterProvider
	tracerProvider    trace.TracerProvider
	prometheusHandler http.Handler
	shutdown          func(context.Context) error
}

// NewNoopProvider returns a provider that records nothing.
func NewNoopProvider() *Provider {
	return &Provider{
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
}

// NewProvider creates a telemetry provider from config. With Prometheus
// disabled this is equivalent to NewNoopProvider.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if !config.EnablePrometheusMetricsPath {
		return NewNoopProvider(), nil
	}

	// Create resource for all providers
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
			config.ServiceName, config.ServiceVersion, err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	return &Provider{
		meterProvider:     meterProvider,
		tracerProvider:    tracenoop.NewTracerProvider(),
		prometheusHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdown:          meterProvider.Shutdown,
	}, nil
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.meterProvider }

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tracerProvider }

// PrometheusHandler returns the /metrics handler, or nil when Prometheus is
// disabled.
func (p *Provider) PrometheusHandler() http.Handler { return p.prometheusHandler }

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
