// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the per-session view of a workflow: the stage cursor,
// the append-only action history, and the serialization guarantee that at
// most one action per session executes at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/concierge-hq/concierge/pkg/concierge"
	"github.com/concierge-hq/concierge/pkg/concierge/state"
	"github.com/concierge-hq/concierge/pkg/concierge/workflow"
	"github.com/concierge-hq/concierge/pkg/logger"
)

// Orchestrator executes actions for a single session. A per-session mutex
// serializes all actions, so tool handlers and transitions never interleave
// within one session. Distinct sessions proceed in parallel.
type Orchestrator struct {
	mu      sync.Mutex
	id      string
	wf      *workflow.Workflow
	backend state.Backend
	history []concierge.ActionRecord
}

// NewOrchestrator creates an orchestrator for one session. The stage cursor
// lives in the backend; an orchestrator created for a persisted session
// resumes wherever the cursor points.
func NewOrchestrator(sessionID string, wf *workflow.Workflow, backend state.Backend) *Orchestrator {
	return &Orchestrator{id: sessionID, wf: wf, backend: backend}
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// State returns the session-scoped state view.
func (o *Orchestrator) State() concierge.State {
	return state.Scoped(o.backend, o.id)
}

// CurrentStage returns the session's stage, falling back to the workflow's
// initial stage when no cursor is persisted. Reading never writes the cursor;
// a session that only lists tools leaves no trace in the backend.
func (o *Orchestrator) CurrentStage(ctx context.Context) (string, error) {
	stage, err := o.backend.GetStage(ctx, o.id)
	if err != nil {
		return "", err
	}
	if stage == "" {
		return o.wf.InitialStage(), nil
	}
	return stage, nil
}

// History returns a copy of the session's action records.
func (o *Orchestrator) History() []concierge.ActionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]concierge.ActionRecord, len(o.history))
	copy(out, o.history)
	return out
}

// Info summarizes the session's position in the workflow.
func (o *Orchestrator) Info(ctx context.Context) (concierge.SessionInfo, error) {
	stageName, err := o.CurrentStage(ctx)
	if err != nil {
		return concierge.SessionInfo{}, err
	}
	stage, err := o.wf.GetStage(stageName)
	if err != nil {
		return concierge.SessionInfo{}, err
	}

	tools := make([]string, 0, len(stage.Tools()))
	for _, t := range stage.Tools() {
		tools = append(tools, t.Name)
	}

	o.mu.Lock()
	historyLen := len(o.history)
	o.mu.Unlock()

	return concierge.SessionInfo{
		SessionID:       o.id,
		Workflow:        o.wf.Name(),
		CurrentStage:    stageName,
		AvailableTools:  tools,
		CanTransitionTo: stage.Transitions(),
		HistoryLength:   historyLen,
	}, nil
}

// Do executes one action under the session mutex. The returned error is
// reserved for infrastructure failures (storage); domain outcomes such as
// tool errors, invalid transitions, and missing prerequisites come back as
// typed Responses.
func (o *Orchestrator) Do(ctx context.Context, action concierge.Action) (concierge.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch action.Type {
	case concierge.ActionTool:
		return o.doTool(ctx, action)
	case concierge.ActionTransition:
		return o.doTransition(ctx, action)
	case concierge.ActionElicit:
		return concierge.Response{
			Type:    concierge.ResponseElicit,
			Field:   action.Field,
			Message: action.Message,
		}, nil
	case concierge.ActionRespond:
		return concierge.Response{
			Type:    concierge.ResponseMessage,
			Message: action.Message,
		}, nil
	default:
		return concierge.Response{
			Type:    concierge.ResponseError,
			Message: fmt.Sprintf("unknown action type %q", action.Type),
		}, nil
	}
}

func (o *Orchestrator) doTool(ctx context.Context, action concierge.Action) (concierge.Response, error) {
	stage, err := o.CurrentStage(ctx)
	if err != nil {
		return concierge.Response{}, err
	}

	result, err := o.wf.CallTool(ctx, stage, action.Tool, o.State(), action.Args)
	if err != nil {
		if errors.Is(err, concierge.ErrStorageUnavailable) {
			return concierge.Response{}, err
		}
		if errors.Is(err, concierge.ErrToolNotFound) || errors.Is(err, concierge.ErrUnknownStage) {
			return concierge.Response{
				Type:    concierge.ResponseError,
				Tool:    action.Tool,
				Message: err.Error(),
			}, nil
		}
		// Validation failures and handler errors are tool errors: the session
		// survives and the model can retry.
		return concierge.Response{
			Type:    concierge.ResponseToolError,
			Tool:    action.Tool,
			Message: err.Error(),
		}, nil
	}

	o.history = append(o.history, concierge.ActionRecord{
		Type:   concierge.ActionTool,
		Tool:   action.Tool,
		Args:   action.Args,
		Result: result,
		At:     time.Now(),
	})

	return concierge.Response{
		Type:   concierge.ResponseToolResult,
		Tool:   action.Tool,
		Result: result,
	}, nil
}

func (o *Orchestrator) doTransition(ctx context.Context, action concierge.Action) (concierge.Response, error) {
	from, err := o.CurrentStage(ctx)
	if err != nil {
		return concierge.Response{}, err
	}
	to := action.TargetStage

	v, err := o.wf.ValidateTransition(ctx, from, to, o.State())
	if err != nil {
		return concierge.Response{}, err
	}

	switch v.Code {
	case workflow.Valid:
		// fall through below
	case workflow.UnknownStage:
		return concierge.Response{
			Type:    concierge.ResponseError,
			Message: fmt.Sprintf("unknown stage %q", to),
		}, nil
	case workflow.InvalidAdjacency:
		return concierge.Response{
			Type:    concierge.ResponseError,
			Message: fmt.Sprintf("cannot transition from %q to %q", from, to),
			Allowed: v.Allowed,
		}, nil
	case workflow.MissingPrerequisites:
		return concierge.Response{
			Type:    concierge.ResponseElicitRequired,
			Message: fmt.Sprintf("transition to %q requires: %v", to, v.Missing),
			Missing: v.Missing,
		}, nil
	}

	if err := o.applyTransfer(ctx, from, to); err != nil {
		return concierge.Response{}, err
	}
	if err := o.backend.SetStage(ctx, o.id, to); err != nil {
		return concierge.Response{}, err
	}

	o.history = append(o.history, concierge.ActionRecord{
		Type: concierge.ActionTransition,
		From: from,
		To:   to,
		At:   time.Now(),
	})
	logger.Debugw("session transitioned", "session_id", o.id, "from", from, "to", to)

	dst, err := o.wf.GetStage(to)
	if err != nil {
		return concierge.Response{}, err
	}
	return concierge.Response{
		Type:   concierge.ResponseTransitioned,
		From:   from,
		To:     to,
		Prompt: dst.EntryPrompt(),
	}, nil
}

// applyTransfer enforces the edge's transfer policy before the stage cursor
// moves. TransferAll leaves state untouched. Isolate drops all state keys.
// TransferKeys reads the carried keys, clears, and writes them back; the
// per-session mutex makes the read-clear-rewrite window safe. Only state keys
// are cleared, never the stage cursor, so a concurrent reader observes either
// the old stage or the new one, not the initial stage.
func (o *Orchestrator) applyTransfer(ctx context.Context, from, to string) error {
	policy := o.wf.Policy(from, to)
	switch {
	case policy.IsTransferAll():
		return nil
	case policy.IsIsolate():
		return o.backend.ClearState(ctx, o.id)
	default:
		carried := make(map[string]any)
		for _, key := range policy.Keys() {
			v, err := o.backend.Get(ctx, o.id, key)
			if err != nil {
				return err
			}
			if v != nil {
				carried[key] = v
			}
		}
		if err := o.backend.ClearState(ctx, o.id); err != nil {
			return err
		}
		for _, key := range policy.Keys() {
			v, ok := carried[key]
			if !ok {
				continue
			}
			if err := o.backend.Set(ctx, o.id, key, v); err != nil {
				return err
			}
		}
		return nil
	}
}

// Terminate clears the session's stage cursor and state and resets its
// history. It returns the stage the session was in. Subsequent actions
// behave as a fresh session at the initial stage.
func (o *Orchestrator) Terminate(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	previous, err := o.CurrentStage(ctx)
	if err != nil {
		return "", err
	}
	if err := o.backend.Clear(ctx, o.id); err != nil {
		return "", err
	}
	o.history = nil
	logger.Infow("session terminated", "session_id", o.id, "previous_stage", previous)
	return previous, nil
}
