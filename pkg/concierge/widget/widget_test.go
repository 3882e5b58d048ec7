// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concierge-hq/concierge/pkg/concierge"
)

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		w       Widget
		wantErr string
	}{
		{
			name:    "missing uri",
			w:       Widget{Mode: StaticHTML, HTML: "<p>hi</p>"},
			wantErr: "URI",
		},
		{
			name:    "static without html",
			w:       Widget{URI: "ui://w/a.html", Mode: StaticHTML},
			wantErr: "requires HTML",
		},
		{
			name:    "external without url",
			w:       Widget{URI: "ui://w/a.html", Mode: ExternalURL},
			wantErr: "requires URL",
		},
		{
			name:    "bundled without entrypoint",
			w:       Widget{URI: "ui://w/a.html", Mode: BundledEntrypoint},
			wantErr: "requires Entrypoint",
		},
		{
			name:    "dynamic without render",
			w:       Widget{URI: "ui://w/a.html", Mode: DynamicFromArgs, ToolName: "t"},
			wantErr: "requires Render",
		},
		{
			name: "dynamic without paired tool",
			w: Widget{
				URI:    "ui://w/a.html",
				Mode:   DynamicFromArgs,
				Render: func(map[string]any) (string, error) { return "", nil },
			},
			wantErr: "paired tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewRegistry("").Register(tt.w)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := NewRegistry("")

	require.NoError(t, r.Register(Widget{URI: "ui://w/a.html", Mode: StaticHTML, HTML: "<p>a</p>", ToolName: "t1"}))

	err := r.Register(Widget{URI: "ui://w/a.html", Mode: StaticHTML, HTML: "<p>b</p>"})
	assert.ErrorContains(t, err, "already registered")

	err = r.Register(Widget{URI: "ui://w/b.html", Mode: StaticHTML, HTML: "<p>b</p>", ToolName: "t1"})
	assert.ErrorContains(t, err, "already paired")
}

func TestRenderStaticHTML(t *testing.T) {
	t.Parallel()
	r := NewRegistry("")
	require.NoError(t, r.Register(Widget{URI: "ui://w/a.html", Mode: StaticHTML, HTML: "<p>hello</p>"}))

	html, err := r.Render("ui://w/a.html", "s1")
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", html)
}

func TestRenderExternalURL(t *testing.T) {
	t.Parallel()
	r := NewRegistry("")
	require.NoError(t, r.Register(Widget{URI: "ui://w/a.html", Mode: ExternalURL, URL: "https://example.com/w"}))

	html, err := r.Render("ui://w/a.html", "s1")
	require.NoError(t, err)
	assert.Contains(t, html, `<iframe src="https://example.com/w">`)
	assert.Contains(t, html, "<!DOCTYPE html>")
}

func TestRenderBundledEntrypoint(t *testing.T) {
	t.Parallel()

	assets := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(assets, "dist"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(assets, "dist", "chart.html"),
		[]byte("<html><body>chart</body></html>"), 0o644))

	r := NewRegistry(assets)
	require.NoError(t, r.Register(Widget{URI: "ui://w/chart.html", Mode: BundledEntrypoint, Entrypoint: "chart.html"}))

	html, err := r.Render("ui://w/chart.html", "s1")
	require.NoError(t, err)
	assert.Contains(t, html, "chart")
}

func TestRenderBundledEntrypointMissingFile(t *testing.T) {
	t.Parallel()
	r := NewRegistry(t.TempDir())
	require.NoError(t, r.Register(Widget{URI: "ui://w/chart.html", Mode: BundledEntrypoint, Entrypoint: "nope.html"}))

	_, err := r.Render("ui://w/chart.html", "s1")
	assert.ErrorIs(t, err, concierge.ErrWidgetRender)
}

func TestRenderDynamicFromArgs(t *testing.T) {
	t.Parallel()
	r := NewRegistry("")
	require.NoError(t, r.Register(Widget{
		URI:      "ui://w/portfolio.html",
		Mode:     DynamicFromArgs,
		ToolName: "list_holdings",
		Render: func(result map[string]any) (string, error) {
			return fmt.Sprintf("<p>%v</p>", result["total"]), nil
		},
	}))

	// Never called: render fails.
	_, err := r.Render("ui://w/portfolio.html", "s1")
	assert.ErrorIs(t, err, concierge.ErrWidgetRender)

	r.RecordResult("s1", "list_holdings", map[string]any{"total": 42})

	html, err := r.Render("ui://w/portfolio.html", "s1")
	require.NoError(t, err)
	assert.Equal(t, "<p>42</p>", html)

	// The cache is per session.
	_, err = r.Render("ui://w/portfolio.html", "s2")
	assert.ErrorIs(t, err, concierge.ErrWidgetRender)
}

func TestClearSessionDropsCachedResults(t *testing.T) {
	t.Parallel()
	r := NewRegistry("")
	require.NoError(t, r.Register(Widget{
		URI:      "ui://w/portfolio.html",
		Mode:     DynamicFromArgs,
		ToolName: "list_holdings",
		Render:   func(map[string]any) (string, error) { return "<p>ok</p>", nil },
	}))

	r.RecordResult("s1", "list_holdings", map[string]any{})
	r.RecordResult("s2", "list_holdings", map[string]any{})
	r.ClearSession("s1")

	_, err := r.Render("ui://w/portfolio.html", "s1")
	assert.ErrorIs(t, err, concierge.ErrWidgetRender)

	_, err = r.Render("ui://w/portfolio.html", "s2")
	assert.NoError(t, err, "other sessions keep their cache")
}

func TestRecordResultIgnoresUnpairedTools(t *testing.T) {
	t.Parallel()
	r := NewRegistry("")
	// Must not panic or grow the cache.
	r.RecordResult("s1", "no_widget_tool", map[string]any{"x": 1})
}

func TestWidgetMeta(t *testing.T) {
	t.Parallel()
	w := &Widget{
		URI:        "ui://w/portfolio.html",
		Invoking:   "Loading portfolio...",
		Invoked:    "Portfolio loaded.",
		Accessible: true,
	}

	meta := w.Meta()
	assert.Equal(t, map[string]any{
		"openai/outputTemplate":          "ui://w/portfolio.html",
		"openai/widgetAccessible":        true,
		"openai/toolInvocation/invoking": "Loading portfolio...",
		"openai/toolInvocation/invoked":  "Portfolio loaded.",
	}, meta)
}
