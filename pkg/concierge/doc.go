// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package concierge contains the shared domain types for the staged workflow
// runtime: tools, tool results, session actions, and the sentinel errors used
// across subpackages.
//
// The runtime presents an MCP server whose visible tool set depends on the
// session's current workflow stage. Subpackages:
//
//   - workflow: immutable workflow blueprints (stages, tools, transitions)
//     and the builder DSL that constructs them.
//   - state: the pluggable per-session key/value store (in-memory, Postgres).
//   - session: the per-session orchestrator that owns the stage cursor and
//     serializes actions.
//   - engine: the staged-tool filter computing each session's visible tool
//     set and routing the synthetic stage-control tools.
//   - widget: renderable HTML resources bound to tools.
//   - server: the MCP protocol adapter built on mark3labs/mcp-go.
//   - telemetry: OpenTelemetry hooks around tool calls and widget reads.
//
// Domain types that cross package boundaries live here to avoid import
// cycles between the workflow, session, and engine packages.
package concierge
