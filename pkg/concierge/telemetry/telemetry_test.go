// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopProvider(t *testing.T) {
	t.Parallel()
	p := NewNoopProvider()

	assert.NotNil(t, p.MeterProvider())
	assert.NotNil(t, p.TracerProvider())
	assert.Nil(t, p.PrometheusHandler())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderDisabledIsNoop(t *testing.T) {
	t.Parallel()
	p, err := NewProvider(context.Background(), Config{ServiceName: "concierge"})
	require.NoError(t, err)
	assert.Nil(t, p.PrometheusHandler())
}

func TestPrometheusProviderServesMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, err := NewProvider(ctx, Config{
		ServiceName:                 "concierge",
		ServiceVersion:              "test",
		EnablePrometheusMetricsPath: true,
	})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	handler := p.PrometheusHandler()
	require.NotNil(t, handler)

	hooks, err := NewHooks(p)
	require.NoError(t, err)

	err = hooks.Observe(ctx, OperationCallTool, "list_stocks", func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "concierge_operations_total")
}

func TestObservePassesThroughErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	hooks, err := NewHooks(NewNoopProvider())
	require.NoError(t, err)

	sentinel := errors.New("boom")
	err = hooks.Observe(ctx, OperationCallTool, "buy_stock", func(context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	err = hooks.Observe(ctx, OperationReadResource, "ui://w/a.html", func(context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestNilHooksObserve(t *testing.T) {
	t.Parallel()

	var hooks *Hooks
	called := false
	err := hooks.Observe(context.Background(), OperationCallTool, "t", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}
