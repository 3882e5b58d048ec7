// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package widget provides renderable HTML resources paired with workflow
// tools. A widget is published as an MCP resource; reading it renders HTML
// from one of four sources: an inline string, an external URL wrapped in an
// iframe shell, a bundled asset file, or a render function applied to the
// paired tool's most recent result for the reading session.
package widget

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/concierge-hq/concierge/pkg/concierge"
)

// Mode selects a widget's HTML source.
type Mode int

// Widget render modes.
const (
	// StaticHTML serves an inline HTML string.
	StaticHTML Mode = iota
	// ExternalURL serves an iframe shell pointing at a remote URL.
	ExternalURL
	// BundledEntrypoint serves a file from the assets directory's dist/
	// subdirectory.
	BundledEntrypoint
	// DynamicFromArgs applies a render function to the paired tool's last
	// result for the session.
	DynamicFromArgs
)

// iframeTemplate is the shell served for ExternalURL widgets. The %s verb is
// replaced with the widget URL.
const iframeTemplate = `<!DOCTYPE html>
<html>
<head><style>*{margin:0;padding:0}iframe{width:100%%;height:100vh;border:none}</style></head>
<body><iframe src="%s"></iframe></body>
</html>`

// Meta keys attached to paired tool results and resource reads. The openai/
// prefix is the host-side convention for widget-aware clients.
const (
	metaOutputTemplate   = "openai/outputTemplate"
	metaWidgetAccessible = "openai/widgetAccessible"
	metaInvoking         = "openai/toolInvocation/invoking"
	metaInvoked          = "openai/toolInvocation/invoked"
)

// RenderFunc produces widget HTML from a tool result.
type RenderFunc func(result map[string]any) (string, error)

// Widget describes one renderable resource.
type Widget struct {
	// URI identifies the widget resource, e.g. "ui://widget/portfolio.html".
	URI string

	// Name is the resource name shown in listings.
	Name string

	// Title is a human-readable title.
	Title string

	// Description describes the widget.
	Description string

	// MIMEType defaults to text/html.
	MIMEType string

	// Mode selects the HTML source; the corresponding field below must be
	// set.
	Mode Mode

	// HTML is the inline content for StaticHTML.
	HTML string

	// URL is the remote address for ExternalURL.
	URL string

	// Entrypoint is the file name under <assets>/dist for BundledEntrypoint.
	Entrypoint string

	// Render produces HTML for DynamicFromArgs.
	Render RenderFunc

	// ToolName pairs the widget with a workflow tool. The tool's results
	// carry the widget meta block, and DynamicFromArgs renders from its last
	// result.
	ToolName string

	// Invoking and Invoked are the status strings surfaced while the paired
	// tool runs and after it completes.
	Invoking string
	Invoked  string

	// Accessible marks the widget as directly accessible to the client.
	Accessible bool
}

// Meta returns the protocol metadata block attached to the paired tool's
// results.
func (w *Widget) Meta() map[string]any {
	return map[string]any{
		metaOutputTemplate:   w.URI,
		metaWidgetAccessible: w.Accessible,
		metaInvoking:         w.Invoking,
		metaInvoked:          w.Invoked,
	}
}

type cacheKey struct {
	sessionID string
	uri       string
}

// Registry holds registered widgets and the per-session last-result cache
// that DynamicFromArgs widgets render from.
type Registry struct {
	assetsDir string

	mu      sync.RWMutex
	widgets []*Widget
	byURI   map[string]*Widget
	byTool  map[string]*Widget
	results map[cacheKey]map[string]any
}

// NewRegistry creates an empty widget registry. assetsDir is the directory
// whose dist/ subdirectory holds bundled entrypoint files; empty means the
// current working directory's assets/.
func NewRegistry(assetsDir string) *Registry {
	if assetsDir == "" {
		assetsDir = "assets"
	}
	return &Registry{
		assetsDir: assetsDir,
		byURI:     make(map[string]*Widget),
		byTool:    make(map[string]*Widget),
		results:   make(map[cacheKey]map[string]any),
	}
}

// Register validates and adds a widget.
func (r *Registry) Register(w Widget) error {
	if w.URI == "" {
		return fmt.Errorf("widget URI must not be empty")
	}
	if w.MIMEType == "" {
		w.MIMEType = "text/html"
	}
	switch w.Mode {
	case StaticHTML:
		if w.HTML == "" {
			return fmt.Errorf("widget %q: StaticHTML requires HTML", w.URI)
		}
	case ExternalURL:
		if w.URL == "" {
			return fmt.Errorf("widget %q: ExternalURL requires URL", w.URI)
		}
	case BundledEntrypoint:
		if w.Entrypoint == "" {
			return fmt.Errorf("widget %q: BundledEntrypoint requires Entrypoint", w.URI)
		}
	case DynamicFromArgs:
		if w.Render == nil {
			return fmt.Errorf("widget %q: DynamicFromArgs requires Render", w.URI)
		}
		if w.ToolName == "" {
			return fmt.Errorf("widget %q: DynamicFromArgs requires a paired tool", w.URI)
		}
	default:
		return fmt.Errorf("widget %q: unknown mode %d", w.URI, w.Mode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byURI[w.URI]; exists {
		return fmt.Errorf("widget %q already registered", w.URI)
	}
	if w.ToolName != "" {
		if _, exists := r.byTool[w.ToolName]; exists {
			return fmt.Errorf("tool %q already paired with a widget", w.ToolName)
		}
	}
	stored := w
	r.widgets = append(r.widgets, &stored)
	r.byURI[w.URI] = &stored
	if w.ToolName != "" {
		r.byTool[w.ToolName] = &stored
	}
	return nil
}

// Widgets returns all registered widgets in registration order.
func (r *Registry) Widgets() []*Widget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Widget, len(r.widgets))
	copy(out, r.widgets)
	return out
}

// ByURI returns the widget registered under uri.
func (r *Registry) ByURI(uri string) (*Widget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byURI[uri]
	return w, ok
}

// ForTool returns the widget paired with the named tool.
func (r *Registry) ForTool(toolName string) (*Widget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byTool[toolName]
	return w, ok
}

// RecordResult caches a paired tool's result for the session so a later
// resource read can render it. Results for tools without a widget are
// ignored.
func (r *Registry) RecordResult(sessionID, toolName string, result map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byTool[toolName]
	if !ok {
		return
	}
	r.results[cacheKey{sessionID: sessionID, uri: w.URI}] = result
}

// ClearSession drops all cached results for the session. Called on session
// termination.
func (r *Registry) ClearSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.results {
		if k.sessionID == sessionID {
			delete(r.results, k)
		}
	}
}

// Render produces the widget's HTML for a session.
func (r *Registry) Render(uri, sessionID string) (string, error) {
	w, ok := r.ByURI(uri)
	if !ok {
		return "", fmt.Errorf("%w: no widget registered for %q", concierge.ErrWidgetRender, uri)
	}

	switch w.Mode {
	case StaticHTML:
		return w.HTML, nil

	case ExternalURL:
		return fmt.Sprintf(iframeTemplate, w.URL), nil

	case BundledEntrypoint:
		path := filepath.Join(r.assetsDir, "dist", filepath.Base(w.Entrypoint))
		data, err := os.ReadFile(path) //nolint:gosec // path is constrained to the assets dir
		if err != nil {
			return "", fmt.Errorf("%w: reading %s: %v", concierge.ErrWidgetRender, path, err)
		}
		html := string(data)
		if !strings.Contains(strings.ToLower(html), "<html") {
			// Bare fragment files get a minimal document shell.
			html = "<!DOCTYPE html>\n<html><body>" + html + "</body></html>"
		}
		return html, nil

	case DynamicFromArgs:
		r.mu.RLock()
		result, ok := r.results[cacheKey{sessionID: sessionID, uri: w.URI}]
		r.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("%w: tool %q has not been called in this session",
				concierge.ErrWidgetRender, w.ToolName)
		}
		html, err := w.Render(result)
		if err != nil {
			return "", fmt.Errorf("%w: %v", concierge.ErrWidgetRender, err)
		}
		return html, nil

	default:
		return "", fmt.Errorf("%w: unknown mode %d", concierge.ErrWidgetRender, w.Mode)
	}
}
