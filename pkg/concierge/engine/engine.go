// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine computes each session's visible tool set and dispatches tool
// calls. It sits between the protocol adapter and the session layer: the
// adapter asks it what tools a session may see and hands it every call_tool
// request; the engine routes the two synthetic stage-control tools itself and
// delegates everything else to the session's orchestrator.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/concierge-hq/concierge/pkg/concierge"
	"github.com/concierge-hq/concierge/pkg/concierge/session"
	"github.com/concierge-hq/concierge/pkg/concierge/state"
	"github.com/concierge-hq/concierge/pkg/concierge/widget"
	"github.com/concierge-hq/concierge/pkg/logger"
)

// ToolDescriptor is a protocol-agnostic view of a visible tool. The adapter
// converts descriptors into SDK tool declarations.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any

	// Meta is attached to the tool's results when the tool is paired with a
	// widget.
	Meta map[string]any
}

// Outcome is the engine's answer to one tool call.
type Outcome struct {
	Result concierge.ToolResult

	// ToolSetChanged signals that the session's visible tool set changed and
	// the adapter must re-publish it before finalizing the response.
	ToolSetChanged bool
}

// Engine binds a session registry to an optional widget registry.
type Engine struct {
	registry *session.Registry
	widgets  *widget.Registry
}

// New creates an engine. widgets may be nil when the workflow has no widgets.
func New(registry *session.Registry, widgets *widget.Registry) *Engine {
	return &Engine{registry: registry, widgets: widgets}
}

// Registry returns the underlying session registry.
func (e *Engine) Registry() *session.Registry { return e.registry }

// Widgets returns the widget registry, or nil.
func (e *Engine) Widgets() *widget.Registry { return e.widgets }

// orchestrator returns the session's orchestrator. An empty session id gets
// an ephemeral orchestrator over a throwaway backend: it is pinned to the
// initial stage and leaves nothing behind.
func (e *Engine) orchestrator(sessionID string) *session.Orchestrator {
	if sessionID == "" {
		return session.NewOrchestrator("", e.registry.Workflow(), state.NewMemoryBackend())
	}
	return e.registry.Get(sessionID)
}

// VisibleTools returns the session's visible tools in order: the current
// stage's tools first (registration order, descriptions prefixed with the
// stage name), then proceed_to_next_stage if the stage has outgoing
// transitions, then terminate_session.
func (e *Engine) VisibleTools(ctx context.Context, sessionID string) ([]ToolDescriptor, error) {
	o := e.orchestrator(sessionID)
	stageName, err := o.CurrentStage(ctx)
	if err != nil {
		return nil, err
	}
	stage, err := e.registry.Workflow().GetStage(stageName)
	if err != nil {
		return nil, err
	}

	tools := make([]ToolDescriptor, 0, len(stage.Tools())+2)
	for _, t := range stage.Tools() {
		d := ToolDescriptor{
			Name:        t.Name,
			Description: fmt.Sprintf("[%s] %s", stageName, t.Description),
			InputSchema: t.InputSchema,
			Meta:        t.Meta,
		}
		if d.InputSchema == nil {
			d.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		if e.widgets != nil {
			if w, ok := e.widgets.ForTool(t.Name); ok {
				d.Meta = w.Meta()
			}
		}
		tools = append(tools, d)
	}

	if next := stage.Transitions(); len(next) > 0 {
		tools = append(tools, proceedDescriptor(stageName, next))
	}
	tools = append(tools, terminateDescriptor())

	return tools, nil
}

// CallTool executes one tool call for the session. Unlisted names return
// ErrToolNotFound; everything that reaches a handler comes back as a tool
// result, errored or not.
func (e *Engine) CallTool(ctx context.Context, sessionID, name string, args map[string]any) (Outcome, error) {
	switch name {
	case concierge.ToolProceedToNextStage:
		return e.proceed(ctx, sessionID, args)
	case concierge.ToolTerminateSession:
		return e.terminate(ctx, sessionID)
	}

	o := e.orchestrator(sessionID)
	stageName, err := o.CurrentStage(ctx)
	if err != nil {
		return Outcome{}, err
	}
	stage, err := e.registry.Workflow().GetStage(stageName)
	if err != nil {
		return Outcome{}, err
	}
	tool, ok := stage.Tool(name)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q is not available in stage %q", concierge.ErrToolNotFound, name, stageName)
	}

	resp, err := o.Do(ctx, concierge.Action{Type: concierge.ActionTool, Tool: name, Args: args})
	if err != nil {
		return Outcome{}, err
	}

	switch resp.Type {
	case concierge.ResponseToolResult:
		return Outcome{Result: e.wrapResult(sessionID, tool, resp.Result)}, nil
	case concierge.ResponseToolError:
		return Outcome{Result: errorResult(resp.Message)}, nil
	default:
		return Outcome{Result: errorResult(resp.Message)}, nil
	}
}

// wrapResult builds the protocol result for a successful tool call. Widget
// paired tools surface the widget's invoked text and meta block; plain tools
// surface the JSON-encoded structured result.
func (e *Engine) wrapResult(sessionID string, tool concierge.Tool, result map[string]any) concierge.ToolResult {
	out := concierge.ToolResult{StructuredContent: result, Meta: tool.Meta}

	if e.widgets != nil {
		if w, ok := e.widgets.ForTool(tool.Name); ok {
			// Anonymous calls have no session to render for later, and nothing
			// would ever clear the cache entry.
			if sessionID != "" {
				e.widgets.RecordResult(sessionID, tool.Name, result)
			}
			text := w.Invoked
			if text == "" {
				text = "Done."
			}
			out.Content = []concierge.Content{{Type: "text", Text: text}}
			out.Meta = w.Meta()
			return out
		}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		// Handlers return JSON-encodable maps; a failure here means a value
		// slipped through (e.g. a channel) and the text falls back to %v.
		logger.Warnf("tool %s result not JSON-encodable: %v", tool.Name, err)
		raw = []byte(fmt.Sprintf("%v", result))
	}
	out.Content = []concierge.Content{{Type: "text", Text: string(raw)}}
	return out
}

// proceed handles the proceed_to_next_stage synthetic tool.
func (e *Engine) proceed(ctx context.Context, sessionID string, args map[string]any) (Outcome, error) {
	target, _ := args["target_stage"].(string)
	if target == "" {
		return Outcome{Result: errorResult("target_stage is required")}, nil
	}

	o := e.orchestrator(sessionID)
	resp, err := o.Do(ctx, concierge.Action{Type: concierge.ActionTransition, TargetStage: target})
	if err != nil {
		return Outcome{}, err
	}

	switch resp.Type {
	case concierge.ResponseTransitioned:
		wf := e.registry.Workflow()
		dst, err := wf.GetStage(resp.To)
		if err != nil {
			return Outcome{}, err
		}

		stageInstruction := continueStageInstruction
		if dst.IsTerminal() {
			stageInstruction = terminalStageInstruction
		}
		instructions := workflowInstructions(wf.Instructions()) + "\n\n" + stageInstruction
		if resp.Prompt != "" {
			instructions += "\n\n" + resp.Prompt
		}

		structured := map[string]any{
			"status":     "transitioned",
			"from_stage": resp.From,
			"to_stage":   resp.To,
			"message": fmt.Sprintf("Successfully transitioned from '%s' to '%s'.",
				resp.From, resp.To),
			"instruction": instructions,
		}
		return Outcome{
			Result:         structuredResult(structured),
			ToolSetChanged: true,
		}, nil

	case concierge.ResponseElicitRequired:
		current, stageErr := o.CurrentStage(ctx)
		if stageErr != nil {
			return Outcome{}, stageErr
		}
		structured := map[string]any{
			"error": fmt.Sprintf("Cannot transition to '%s': missing required state %s. "+
				"Gather the missing values with the current stage's tools, then retry.",
				target, strings.Join(resp.Missing, ", ")),
			"missing_prerequisites": resp.Missing,
			"current_stage":         current,
		}
		r := structuredResult(structured)
		r.IsError = true
		return Outcome{Result: r}, nil

	default:
		current, stageErr := o.CurrentStage(ctx)
		if stageErr != nil {
			return Outcome{}, stageErr
		}
		structured := map[string]any{
			"error":               fmt.Sprintf("Cannot transition from '%s' to '%s'", current, target),
			"allowed_transitions": resp.Allowed,
			"current_stage":       current,
		}
		r := structuredResult(structured)
		r.IsError = true
		return Outcome{Result: r}, nil
	}
}

// terminate handles the terminate_session synthetic tool. The session resets
// to the initial stage; the MCP session itself stays open.
func (e *Engine) terminate(ctx context.Context, sessionID string) (Outcome, error) {
	o := e.orchestrator(sessionID)
	previous, err := o.Terminate(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if e.widgets != nil && sessionID != "" {
		e.widgets.ClearSession(sessionID)
	}

	initial := e.registry.Workflow().InitialStage()
	structured := map[string]any{
		"status":         "terminated",
		"previous_stage": previous,
		"message": fmt.Sprintf("Session terminated. Workflow and state reset from '%s' to "+
			"initial stage '%s'. You can now start a fresh workflow or switch to a different task.",
			previous, initial),
	}
	return Outcome{
		Result:         structuredResult(structured),
		ToolSetChanged: true,
	}, nil
}

// workflowInstructions returns the workflow's own instructions, or the
// default text when it declared none.
func workflowInstructions(custom string) string {
	if custom != "" {
		return custom
	}
	return DefaultWorkflowInstructions
}

func structuredResult(structured map[string]any) concierge.ToolResult {
	raw, err := json.Marshal(structured)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", structured))
	}
	return concierge.ToolResult{
		Content:           []concierge.Content{{Type: "text", Text: string(raw)}},
		StructuredContent: structured,
	}
}

func errorResult(msg string) concierge.ToolResult {
	return concierge.ToolResult{
		Content: []concierge.Content{{Type: "text", Text: msg}},
		IsError: true,
	}
}

// proceedDescriptor builds the proceed_to_next_stage declaration for a stage
// with outgoing transitions. The target enum pins the model to valid stages.
func proceedDescriptor(currentStage string, next []string) ToolDescriptor {
	quoted := make([]string, len(next))
	for i, s := range next {
		quoted[i] = "'" + s + "'"
	}
	stageList := strings.Join(quoted, ", ")

	enum := make([]any, len(next))
	for i, s := range next {
		enum[i] = s
	}

	return ToolDescriptor{
		Name: concierge.ToolProceedToNextStage,
		Description: fmt.Sprintf("Proceed to the next available stage in the workflow. "+
			"This will unlock a new set of tools and allow you to continue. "+
			"Currently in stage '%s'. Available stages to proceed to: %s.",
			currentStage, stageList),
		InputSchema: map[string]any{
			"type":        "object",
			"title":       "StageTransitionRequest",
			"description": "Request to transition to a different stage in the workflow.",
			"properties": map[string]any{
				"target_stage": map[string]any{
					"type":  "string",
					"title": "Target Stage",
					"description": fmt.Sprintf("The name of the stage to transition to. "+
						"Must be one of the available stages: %s.", stageList),
					"enum": enum,
				},
			},
			"required":             []any{"target_stage"},
			"additionalProperties": false,
		},
	}
}

func terminateDescriptor() ToolDescriptor {
	return ToolDescriptor{
		Name: concierge.ToolTerminateSession,
		Description: "Terminate the current workflow session and reset to the beginning. " +
			"You should typically call this when: (1) the user wants to start over, " +
			"(2) the user changes their mind and wants to do something different, " +
			"(3) the user explicitly asks to stop/cancel/abort, or " +
			"(4) you have completed the workflow and the user indicates they are done.",
		InputSchema: map[string]any{
			"type":                 "object",
			"title":                "TerminateSessionRequest",
			"description":          "Request to terminate the current workflow session.",
			"properties":           map[string]any{},
			"required":             []any{},
			"additionalProperties": false,
		},
	}
}
