// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/concierge-hq/concierge/pkg/concierge"
	"github.com/concierge-hq/concierge/pkg/concierge/engine"
	"github.com/concierge-hq/concierge/pkg/concierge/telemetry"
	"github.com/concierge-hq/concierge/pkg/concierge/widget"
	"github.com/concierge-hq/concierge/pkg/logger"
)

// toSDKTool converts an engine tool descriptor into the SDK's tool
// declaration. The input schema is marshaled as-is; the SDK forwards
// RawInputSchema to clients without interpreting it.
func toSDKTool(desc engine.ToolDescriptor, handler server.ToolHandlerFunc) (server.ServerTool, error) {
	schemaJSON, err := json.Marshal(desc.InputSchema)
	if err != nil {
		return server.ServerTool{}, fmt.Errorf("marshaling input schema for %s: %w", desc.Name, err)
	}
	return server.ServerTool{
		Tool: mcp.Tool{
			Name:           desc.Name,
			Description:    desc.Description,
			RawInputSchema: schemaJSON,
		},
		Handler: handler,
	}, nil
}

// toSDKResult converts an engine tool result into the SDK result, preserving
// the _meta block.
func toSDKResult(result concierge.ToolResult) *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(result.Content))
	for _, c := range result.Content {
		content = append(content, mcp.NewTextContent(c.Text))
	}
	return &mcp.CallToolResult{
		Result: mcp.Result{
			Meta: toSDKMeta(result.Meta),
		},
		Content:           content,
		StructuredContent: result.StructuredContent,
		IsError:           result.IsError,
	}
}

// toSDKMeta converts a plain meta map to mcp.Meta. This forwards the _meta
// field on tool results to MCP clients.
func toSDKMeta(meta map[string]any) *mcp.Meta {
	if len(meta) == 0 {
		return nil
	}
	result := &mcp.Meta{
		AdditionalFields: make(map[string]any),
	}
	for k, v := range meta {
		if k == "progressToken" {
			result.ProgressToken = v
		} else {
			result.AdditionalFields[k] = v
		}
	}
	return result
}

// sessionIDFromContext extracts the MCP session id from the request context.
// Requests outside a session (or before initialize) yield "".
func sessionIDFromContext(ctx context.Context) string {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		return cs.SessionID()
	}
	return ""
}

// toolHandler builds the SDK handler for one visible tool. All tools,
// synthetic ones included, funnel through engine.CallTool; when the call
// changes the session's tool set the handler re-publishes it before the
// response is finalized, so the SDK's tools/list_changed notification
// reaches the client first.
func (s *Server) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := sessionIDFromContext(ctx)

		var args map[string]any
		if request.Params.Arguments != nil {
			var ok bool
			args, ok = request.Params.Arguments.(map[string]any)
			if !ok {
				wrappedErr := fmt.Errorf("%w: arguments must be object, got %T",
					concierge.ErrInvalidInput, request.Params.Arguments)
				return mcp.NewToolResultError(wrappedErr.Error()), nil
			}
		}

		var out engine.Outcome
		err := s.hooks.Observe(ctx, telemetry.OperationCallTool, name, func(ctx context.Context) error {
			var callErr error
			out, callErr = s.engine.CallTool(ctx, sessionID, name, args)
			return callErr
		})
		if err != nil {
			if errors.Is(err, concierge.ErrToolNotFound) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			// Storage and other infrastructure failures become protocol
			// errors rather than tool results.
			logger.Errorw("tool call failed", "tool", name, "session_id", sessionID, "error", err)
			return nil, err
		}

		if out.ToolSetChanged && sessionID != "" {
			if syncErr := s.syncSessionTools(ctx, sessionID, true); syncErr != nil {
				logger.Warnw("failed to refresh session tools",
					"session_id", sessionID, "error", syncErr)
			}
		}

		return toSDKResult(out.Result), nil
	}
}

// resourceHandler builds the SDK read handler for one widget. The rendered
// body carries the widget's _meta block so widget-aware clients get the same
// metadata on reads as on the paired tool's results.
func (s *Server) resourceHandler(w *widget.Widget) server.ResourceHandlerFunc {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sessionID := sessionIDFromContext(ctx)

		var html string
		err := s.hooks.Observe(ctx, telemetry.OperationReadResource, w.URI, func(context.Context) error {
			var renderErr error
			html, renderErr = s.engine.Widgets().Render(w.URI, sessionID)
			return renderErr
		})
		if err != nil {
			return nil, err
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				Meta:     w.Meta(),
				URI:      w.URI,
				MIMEType: w.MIMEType,
				Text:     html,
			},
		}, nil
	}
}
