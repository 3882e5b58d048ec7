// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package concierge

import (
	"context"
	"time"
)

// This file contains shared domain types used across multiple concierge
// subpackages. They are core domain concepts that cross bounded contexts.

// Synthetic tool names. These are regular tools with engine-owned handlers,
// offered alongside the current stage's tools in every listing.
const (
	// ToolProceedToNextStage transitions the session to one of the current
	// stage's allowed target stages.
	ToolProceedToNextStage = "proceed_to_next_stage"

	// ToolTerminateSession clears the session and resets it to the initial stage.
	ToolTerminateSession = "terminate_session"
)

// State is the narrow session-scoped view of the state backend handed to tool
// handlers. Keys are plain strings; values must be JSON-encodable.
type State interface {
	// Get returns the value stored under key, or nil if absent.
	Get(ctx context.Context, key string) (any, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value any) error
}

// Handler is a tool implementation. It receives the session-scoped state and
// the schema-validated arguments, and returns the tool's structured result.
// Errors returned here surface to the caller as tool errors; they never
// terminate the session.
type Handler func(ctx context.Context, state State, args map[string]any) (map[string]any, error)

// Tool is an LLM-callable capability registered on a workflow stage.
type Tool struct {
	// Name is the tool name, unique within its stage.
	Name string

	// Description describes what the tool does.
	Description string

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any

	// OutputSchema is the JSON Schema for tool output (optional).
	OutputSchema map[string]any

	// Handler executes the tool.
	Handler Handler

	// Meta holds protocol-level metadata attached to the tool's results
	// (e.g. widget binding keys). Optional.
	Meta map[string]any
}

// Content is a single content item in a tool result.
type Content struct {
	// Type indicates the content type; the engine only produces "text".
	Type string

	// Text is the content text.
	Text string
}

// ToolResult wraps a tool invocation response.
type ToolResult struct {
	// Content is the tool output presented to the model.
	Content []Content

	// StructuredContent is the tool's structured output.
	StructuredContent map[string]any

	// IsError indicates the tool call failed.
	IsError bool

	// Meta contains protocol-level metadata (_meta field). Optional.
	Meta map[string]any
}

// ActionType tags an action submitted to a session orchestrator.
type ActionType string

// Action types accepted by the orchestrator.
const (
	ActionTool       ActionType = "tool"
	ActionTransition ActionType = "transition"
	ActionElicit     ActionType = "elicit"
	ActionRespond    ActionType = "respond"
)

// Action is a tagged request processed by a session orchestrator.
type Action struct {
	Type ActionType

	// Tool and Args apply to ActionTool.
	Tool string
	Args map[string]any

	// TargetStage applies to ActionTransition.
	TargetStage string

	// Field applies to ActionElicit.
	Field string

	// Message applies to ActionElicit and ActionRespond.
	Message string
}

// ResponseType tags an orchestrator response.
type ResponseType string

// Response types produced by the orchestrator.
const (
	ResponseToolResult     ResponseType = "tool_result"
	ResponseToolError      ResponseType = "tool_error"
	ResponseError          ResponseType = "error"
	ResponseElicitRequired ResponseType = "elicit_required"
	ResponseTransitioned   ResponseType = "transitioned"
	ResponseElicit         ResponseType = "elicit"
	ResponseMessage        ResponseType = "response"
)

// Response is the orchestrator's reply to an Action.
type Response struct {
	Type ResponseType

	// Tool and Result apply to tool actions.
	Tool   string
	Result map[string]any

	// Message is a human/LLM-readable description of the outcome.
	Message string

	// Missing lists unmet prerequisite keys (ResponseElicitRequired).
	Missing []string

	// Allowed lists permitted transition targets (ResponseError on adjacency).
	Allowed []string

	// From, To, and Prompt apply to ResponseTransitioned.
	From   string
	To     string
	Prompt string

	// Field applies to ResponseElicit.
	Field string
}

// ActionRecord is an append-only history entry for a session.
type ActionRecord struct {
	Type ActionType

	// Tool, Args, and Result are set for tool records.
	Tool   string
	Args   map[string]any
	Result map[string]any

	// From and To are set for transition records.
	From string
	To   string

	At time.Time
}

// SessionInfo summarizes a session's position in its workflow.
type SessionInfo struct {
	SessionID       string   `json:"session_id"`
	Workflow        string   `json:"workflow"`
	CurrentStage    string   `json:"current_stage"`
	AvailableTools  []string `json:"available_tools"`
	CanTransitionTo []string `json:"can_transition_to"`
	HistoryLength   int      `json:"history_length"`
}
