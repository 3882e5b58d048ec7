// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"

	"github.com/concierge-hq/concierge/pkg/concierge"
)

// Builder assembles a Workflow declaratively. Calls chain; errors are
// collected and reported once by Build so definitions read top to bottom
// without error plumbing:
//
//	wf, err := workflow.NewBuilder("stock_trading", "Trade stocks").
//		Stage("browse", "Browse listings").
//		Tool(listStocks).
//		Stage("transact", "Execute a trade").
//		Prerequisites("symbol", "quantity").
//		Tool(buyStock).
//		Transition("browse", "transact").
//		Transition("transact", "browse", workflow.Isolate()).
//		Build()
//
// The first declared stage is the initial stage unless Initial overrides it.
type Builder struct {
	wf      *Workflow
	current *Stage
	errs    []error
}

// NewBuilder starts a workflow definition.
func NewBuilder(name, description string) *Builder {
	b := &Builder{
		wf: &Workflow{
			name:        name,
			description: description,
			stageIndex:  make(map[string]*Stage),
		},
	}
	if name == "" {
		b.errs = append(b.errs, fmt.Errorf("workflow name must not be empty"))
	}
	return b
}

// Instructions sets workflow-specific guidance published in the server's
// instructions field.
func (b *Builder) Instructions(text string) *Builder {
	b.wf.instructions = text
	return b
}

// Stage declares a new stage and makes it current: subsequent Tool,
// Prerequisites, and Prompt calls attach to it.
func (b *Builder) Stage(name, description string) *Builder {
	if name == "" {
		b.errs = append(b.errs, fmt.Errorf("stage name must not be empty"))
		return b
	}
	if _, exists := b.wf.stageIndex[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate stage %q", name))
		return b
	}
	s := &Stage{
		name:        name,
		description: description,
		toolIndex:   make(map[string]int),
		policies:    make(map[string]TransitionPolicy),
	}
	b.wf.stages = append(b.wf.stages, s)
	b.wf.stageIndex[name] = s
	b.current = s
	return b
}

// Tool registers a tool on the current stage. Tool names must be unique
// within a stage; the input schema, if present, must compile as JSON Schema.
func (b *Builder) Tool(t concierge.Tool) *Builder {
	if b.current == nil {
		b.errs = append(b.errs, fmt.Errorf("Tool(%q) called before any Stage", t.Name))
		return b
	}
	if t.Name == "" {
		b.errs = append(b.errs, fmt.Errorf("stage %q: tool name must not be empty", b.current.name))
		return b
	}
	if t.Name == concierge.ToolProceedToNextStage || t.Name == concierge.ToolTerminateSession {
		b.errs = append(b.errs, fmt.Errorf("stage %q: tool name %q is reserved", b.current.name, t.Name))
		return b
	}
	if t.Handler == nil {
		b.errs = append(b.errs, fmt.Errorf("stage %q: tool %q has no handler", b.current.name, t.Name))
		return b
	}
	if _, exists := b.current.toolIndex[t.Name]; exists {
		b.errs = append(b.errs, fmt.Errorf("stage %q: duplicate tool %q", b.current.name, t.Name))
		return b
	}
	schema, err := compileSchema(t.InputSchema)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("stage %q: tool %q: %w", b.current.name, t.Name, err))
		return b
	}
	b.current.toolIndex[t.Name] = len(b.current.tools)
	b.current.tools = append(b.current.tools, t)
	b.current.schemas = append(b.current.schemas, schema)
	return b
}

// Prerequisites declares state keys that must be present before a session may
// transition into the current stage.
func (b *Builder) Prerequisites(keys ...string) *Builder {
	if b.current == nil {
		b.errs = append(b.errs, fmt.Errorf("Prerequisites called before any Stage"))
		return b
	}
	b.current.prerequisites = append(b.current.prerequisites, keys...)
	return b
}

// Prompt sets the current stage's entry prompt, surfaced to the model after a
// transition into the stage.
func (b *Builder) Prompt(text string) *Builder {
	if b.current == nil {
		b.errs = append(b.errs, fmt.Errorf("Prompt called before any Stage"))
		return b
	}
	b.current.entryPrompt = text
	return b
}

// Transition declares an edge from one stage to another. Both stages must
// already be declared. At most one policy may be given; omitting it means
// TransferAll.
func (b *Builder) Transition(from, to string, policy ...TransitionPolicy) *Builder {
	if len(policy) > 1 {
		b.errs = append(b.errs, fmt.Errorf("transition %s -> %s: at most one policy allowed", from, to))
		return b
	}
	src, ok := b.wf.stageIndex[from]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("transition %s -> %s: stage %q not declared", from, to, from))
		return b
	}
	if _, ok := b.wf.stageIndex[to]; !ok {
		b.errs = append(b.errs, fmt.Errorf("transition %s -> %s: stage %q not declared", from, to, to))
		return b
	}
	for _, existing := range src.transitions {
		if existing == to {
			b.errs = append(b.errs, fmt.Errorf("duplicate transition %s -> %s", from, to))
			return b
		}
	}
	src.transitions = append(src.transitions, to)
	if len(policy) == 1 {
		src.policies[to] = policy[0]
	}
	return b
}

// Initial overrides the default initial stage (the first declared one).
func (b *Builder) Initial(name string) *Builder {
	if _, ok := b.wf.stageIndex[name]; !ok {
		b.errs = append(b.errs, fmt.Errorf("initial stage %q not declared", name))
		return b
	}
	b.wf.initial = name
	return b
}

// Build finalizes the workflow. It fails if any chained call recorded an
// error or if no stages were declared.
func (b *Builder) Build() (*Workflow, error) {
	if len(b.wf.stages) == 0 {
		b.errs = append(b.errs, fmt.Errorf("workflow %q has no stages", b.wf.name))
	}
	if len(b.errs) > 0 {
		// Report the first error; it is usually the root cause.
		return nil, fmt.Errorf("building workflow %q: %w", b.wf.name, b.errs[0])
	}
	if b.wf.initial == "" {
		b.wf.initial = b.wf.stages[0].name
	}
	return b.wf, nil
}
