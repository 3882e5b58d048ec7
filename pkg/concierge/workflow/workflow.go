// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow defines immutable workflow blueprints: named stages, the
// tools each stage owns, and the allowed transitions between stages. A
// Workflow is constructed once through the Builder and shared read-only by
// every session, so none of its methods mutate state.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/concierge-hq/concierge/pkg/concierge"
	"github.com/concierge-hq/concierge/pkg/logger"
)

// policyKind discriminates transition policies.
type policyKind int

const (
	policyTransferAll policyKind = iota
	policyIsolate
	policyTransferKeys
)

// TransitionPolicy controls which session state keys survive a transition
// along a single (from, to) edge. Edges with no declared policy behave as
// TransferAll.
type TransitionPolicy struct {
	kind policyKind
	keys []string
}

// TransferAll carries every state key across the transition.
func TransferAll() TransitionPolicy {
	return TransitionPolicy{kind: policyTransferAll}
}

// Isolate discards all session state on transition. The target stage starts
// with an empty state map.
func Isolate() TransitionPolicy {
	return TransitionPolicy{kind: policyIsolate}
}

// TransferKeys carries only the listed keys across the transition; everything
// else is discarded.
func TransferKeys(keys ...string) TransitionPolicy {
	copied := make([]string, len(keys))
	copy(copied, keys)
	return TransitionPolicy{kind: policyTransferKeys, keys: copied}
}

// IsTransferAll reports whether the policy carries all state.
func (p TransitionPolicy) IsTransferAll() bool { return p.kind == policyTransferAll }

// IsIsolate reports whether the policy discards all state.
func (p TransitionPolicy) IsIsolate() bool { return p.kind == policyIsolate }

// Keys returns the carried keys for a TransferKeys policy, nil otherwise.
func (p TransitionPolicy) Keys() []string {
	if p.kind != policyTransferKeys {
		return nil
	}
	return p.keys
}

// carries reports whether key survives a transition under this policy.
func (p TransitionPolicy) carries(key string) bool {
	switch p.kind {
	case policyTransferAll:
		return true
	case policyIsolate:
		return false
	default:
		for _, k := range p.keys {
			if k == key {
				return true
			}
		}
		return false
	}
}

// Stage is a named phase of a workflow. It owns an ordered tool list, the
// ordered set of stages it may transition to, the state keys that must be
// present before a session may enter it, and an entry prompt surfaced to the
// model after a successful transition.
type Stage struct {
	name          string
	description   string
	tools         []concierge.Tool
	toolIndex     map[string]int
	transitions   []string
	policies      map[string]TransitionPolicy
	prerequisites []string
	entryPrompt   string

	// compiled input schemas, parallel to tools. Nil entries mean the tool
	// declared no input schema and accepts any arguments.
	schemas []*gojsonschema.Schema
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.name }

// Description returns the stage description.
func (s *Stage) Description() string { return s.description }

// Tools returns the stage's tools in registration order.
func (s *Stage) Tools() []concierge.Tool { return s.tools }

// Tool returns the named tool and whether it exists on this stage.
func (s *Stage) Tool(name string) (concierge.Tool, bool) {
	i, ok := s.toolIndex[name]
	if !ok {
		return concierge.Tool{}, false
	}
	return s.tools[i], true
}

// Transitions returns the allowed target stage names in declaration order.
func (s *Stage) Transitions() []string { return s.transitions }

// Prerequisites returns the state keys that must be set before entering this
// stage.
func (s *Stage) Prerequisites() []string { return s.prerequisites }

// EntryPrompt returns the prompt surfaced to the model on entering this stage.
func (s *Stage) EntryPrompt() string { return s.entryPrompt }

// IsTerminal reports whether the stage has no outgoing transitions.
func (s *Stage) IsTerminal() bool { return len(s.transitions) == 0 }

// Workflow is an immutable blueprint shared by all sessions.
type Workflow struct {
	name         string
	description  string
	instructions string
	stages       []*Stage
	stageIndex   map[string]*Stage
	initial      string
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Description returns the workflow description.
func (w *Workflow) Description() string { return w.description }

// Instructions returns workflow-specific guidance published to clients, or
// empty if none was declared.
func (w *Workflow) Instructions() string { return w.instructions }

// InitialStage returns the name of the stage new sessions start in.
func (w *Workflow) InitialStage() string { return w.initial }

// Stages returns all stages in declaration order.
func (w *Workflow) Stages() []*Stage { return w.stages }

// GetStage returns the named stage or ErrUnknownStage.
func (w *Workflow) GetStage(name string) (*Stage, error) {
	s, ok := w.stageIndex[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in workflow %q", concierge.ErrUnknownStage, name, w.name)
	}
	return s, nil
}

// CanTransition reports whether to is in from's allowed transition set.
// Unknown stage names report false.
func (w *Workflow) CanTransition(from, to string) bool {
	s, ok := w.stageIndex[from]
	if !ok {
		return false
	}
	for _, t := range s.transitions {
		if t == to {
			return true
		}
	}
	return false
}

// Policy returns the transfer policy for the (from, to) edge. Edges without a
// declared policy default to TransferAll.
func (w *Workflow) Policy(from, to string) TransitionPolicy {
	s, ok := w.stageIndex[from]
	if !ok {
		return TransferAll()
	}
	p, ok := s.policies[to]
	if !ok {
		return TransferAll()
	}
	return p
}

// ValidationCode classifies the outcome of a transition validation.
type ValidationCode int

// Validation outcomes.
const (
	// Valid means the transition may proceed.
	Valid ValidationCode = iota
	// UnknownStage means from or to is not a stage of this workflow.
	UnknownStage
	// InvalidAdjacency means to is not in from's allowed transition set.
	InvalidAdjacency
	// MissingPrerequisites means the target stage's prerequisite keys are not
	// all present in session state.
	MissingPrerequisites
)

// Validation is the structured result of ValidateTransition. Invalid
// adjacency and missing prerequisites are expected control flow, not errors.
type Validation struct {
	Code ValidationCode

	// Allowed lists from's permitted targets when Code is InvalidAdjacency.
	Allowed []string

	// Missing lists the absent prerequisite keys when Code is
	// MissingPrerequisites, in the stage's declaration order.
	Missing []string
}

// ValidateTransition checks a proposed transition: both stages must exist, to
// must be adjacent to from, and all of to's prerequisite keys must be present
// (non-nil) after the edge's transfer policy is applied. An Isolate edge sees
// no state at all, and a TransferKeys edge sees only the carried keys, so a
// prerequisite the policy would discard counts as missing. The returned error
// is non-nil only for state backend failures.
func (w *Workflow) ValidateTransition(ctx context.Context, from, to string, state concierge.State) (Validation, error) {
	src, ok := w.stageIndex[from]
	if !ok {
		return Validation{Code: UnknownStage}, nil
	}
	dst, ok := w.stageIndex[to]
	if !ok {
		return Validation{Code: UnknownStage}, nil
	}

	if !w.CanTransition(from, to) {
		allowed := make([]string, len(src.transitions))
		copy(allowed, src.transitions)
		return Validation{Code: InvalidAdjacency, Allowed: allowed}, nil
	}

	policy := w.Policy(from, to)

	var missing []string
	for _, key := range dst.prerequisites {
		if !policy.carries(key) {
			missing = append(missing, key)
			continue
		}
		v, err := state.Get(ctx, key)
		if err != nil {
			return Validation{}, fmt.Errorf("checking prerequisite %q: %w", key, err)
		}
		if v == nil {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Validation{Code: MissingPrerequisites, Missing: missing}, nil
	}

	return Validation{Code: Valid}, nil
}

// CallTool validates args against the tool's input schema and runs its
// handler. The tool must belong to the named stage; a name outside the stage
// returns ErrToolNotFound even if another stage owns it. Handler panics are
// recovered and returned as errors so a misbehaving tool cannot take down the
// server.
func (w *Workflow) CallTool(
	ctx context.Context,
	stageName, toolName string,
	state concierge.State,
	args map[string]any,
) (result map[string]any, err error) {
	stage, getErr := w.GetStage(stageName)
	if getErr != nil {
		return nil, getErr
	}

	idx, ok := stage.toolIndex[toolName]
	if !ok {
		return nil, fmt.Errorf("%w: %q in stage %q", concierge.ErrToolNotFound, toolName, stageName)
	}
	tool := stage.tools[idx]

	if schema := stage.schemas[idx]; schema != nil {
		if args == nil {
			args = map[string]any{}
		}
		res, valErr := schema.Validate(gojsonschema.NewGoLoader(args))
		if valErr != nil {
			return nil, fmt.Errorf("%w: %v", concierge.ErrInvalidInput, valErr)
		}
		if !res.Valid() {
			return nil, fmt.Errorf("%w: %s", concierge.ErrInvalidInput, formatSchemaErrors(res))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("tool handler panicked",
				"workflow", w.name, "stage", stageName, "tool", toolName, "panic", r)
			result = nil
			err = fmt.Errorf("tool %q panicked: %v", toolName, r)
		}
	}()

	return tool.Handler(ctx, state, args)
}

func formatSchemaErrors(res *gojsonschema.Result) string {
	msg := ""
	for i, e := range res.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return msg
}

// compileSchema compiles a JSON Schema given as a generic map. A nil schema
// compiles to nil, meaning no validation.
func compileSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return compiled, nil
}
