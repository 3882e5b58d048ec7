// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concierge-hq/concierge/pkg/concierge"
)

// mapState is a trivial in-memory concierge.State for tests.
type mapState map[string]any

func (m mapState) Get(_ context.Context, key string) (any, error) {
	return m[key], nil
}

func (m mapState) Set(_ context.Context, key string, value any) error {
	m[key] = value
	return nil
}

// failingState always errors, to exercise backend failure propagation.
type failingState struct{}

func (failingState) Get(_ context.Context, _ string) (any, error) {
	return nil, fmt.Errorf("%w: connection refused", concierge.ErrStorageUnavailable)
}

func (failingState) Set(_ context.Context, _ string, _ any) error {
	return fmt.Errorf("%w: connection refused", concierge.ErrStorageUnavailable)
}

func echoTool(name string) concierge.Tool {
	return concierge.Tool{
		Name:        name,
		Description: name + " tool",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value": map[string]any{"type": "string"},
			},
			"additionalProperties": false,
		},
		Handler: func(_ context.Context, _ concierge.State, args map[string]any) (map[string]any, error) {
			return map[string]any{"echo": args["value"]}, nil
		},
	}
}

func tradingWorkflow(t *testing.T) *Workflow {
	t.Helper()
	wf, err := NewBuilder("stock_trading", "Stock trading demo").
		Stage("browse", "Browse listings").
		Tool(echoTool("list_stocks")).
		Stage("transact", "Execute a trade").
		Prerequisites("symbol", "quantity").
		Tool(echoTool("buy_stock")).
		Prompt("Confirm the trade details with the user.").
		Stage("portfolio", "Review holdings").
		Tool(echoTool("list_holdings")).
		Transition("browse", "transact").
		Transition("browse", "portfolio").
		Transition("transact", "portfolio", TransferKeys("symbol")).
		Transition("transact", "browse", Isolate()).
		Transition("portfolio", "browse").
		Build()
	require.NoError(t, err)
	return wf
}

func TestBuilderBasics(t *testing.T) {
	t.Parallel()

	wf := tradingWorkflow(t)
	assert.Equal(t, "stock_trading", wf.Name())
	assert.Equal(t, "browse", wf.InitialStage(), "first declared stage is initial")
	assert.Len(t, wf.Stages(), 3)

	stage, err := wf.GetStage("transact")
	require.NoError(t, err)
	assert.Equal(t, []string{"symbol", "quantity"}, stage.Prerequisites())
	assert.Equal(t, "Confirm the trade details with the user.", stage.EntryPrompt())
	assert.False(t, stage.IsTerminal())

	_, err = wf.GetStage("nope")
	assert.ErrorIs(t, err, concierge.ErrUnknownStage)
}

func TestBuilderInitialOverride(t *testing.T) {
	t.Parallel()

	wf, err := NewBuilder("wf", "").
		Stage("a", "").
		Stage("b", "").
		Initial("b").
		Build()
	require.NoError(t, err)
	assert.Equal(t, "b", wf.InitialStage())
}

func TestBuilderErrors(t *testing.T) {
	t.Parallel()

	handler := func(_ context.Context, _ concierge.State, _ map[string]any) (map[string]any, error) {
		return nil, nil
	}

	tests := []struct {
		name    string
		build   func() (*Workflow, error)
		wantErr string
	}{
		{
			name: "no stages",
			build: func() (*Workflow, error) {
				return NewBuilder("empty", "").Build()
			},
			wantErr: "no stages",
		},
		{
			name: "duplicate stage",
			build: func() (*Workflow, error) {
				return NewBuilder("wf", "").Stage("a", "").Stage("a", "").Build()
			},
			wantErr: "duplicate stage",
		},
		{
			name: "duplicate tool",
			build: func() (*Workflow, error) {
				return NewBuilder("wf", "").
					Stage("a", "").
					Tool(concierge.Tool{Name: "t", Handler: handler}).
					Tool(concierge.Tool{Name: "t", Handler: handler}).
					Build()
			},
			wantErr: "duplicate tool",
		},
		{
			name: "reserved tool name",
			build: func() (*Workflow, error) {
				return NewBuilder("wf", "").
					Stage("a", "").
					Tool(concierge.Tool{Name: concierge.ToolProceedToNextStage, Handler: handler}).
					Build()
			},
			wantErr: "reserved",
		},
		{
			name: "tool without handler",
			build: func() (*Workflow, error) {
				return NewBuilder("wf", "").
					Stage("a", "").
					Tool(concierge.Tool{Name: "t"}).
					Build()
			},
			wantErr: "no handler",
		},
		{
			name: "tool before stage",
			build: func() (*Workflow, error) {
				return NewBuilder("wf", "").
					Tool(concierge.Tool{Name: "t", Handler: handler}).
					Build()
			},
			wantErr: "before any Stage",
		},
		{
			name: "transition to undeclared stage",
			build: func() (*Workflow, error) {
				return NewBuilder("wf", "").
					Stage("a", "").
					Transition("a", "ghost").
					Build()
			},
			wantErr: "not declared",
		},
		{
			name: "duplicate transition",
			build: func() (*Workflow, error) {
				return NewBuilder("wf", "").
					Stage("a", "").
					Stage("b", "").
					Transition("a", "b").
					Transition("a", "b").
					Build()
			},
			wantErr: "duplicate transition",
		},
		{
			name: "undeclared initial",
			build: func() (*Workflow, error) {
				return NewBuilder("wf", "").Stage("a", "").Initial("ghost").Build()
			},
			wantErr: "not declared",
		},
		{
			name: "invalid input schema",
			build: func() (*Workflow, error) {
				return NewBuilder("wf", "").
					Stage("a", "").
					Tool(concierge.Tool{
						Name:        "t",
						Handler:     handler,
						InputSchema: map[string]any{"type": 42},
					}).
					Build()
			},
			wantErr: "schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wf, err := tt.build()
			require.Error(t, err)
			assert.Nil(t, wf)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	wf := tradingWorkflow(t)
	assert.True(t, wf.CanTransition("browse", "transact"))
	assert.True(t, wf.CanTransition("portfolio", "browse"))
	assert.False(t, wf.CanTransition("portfolio", "transact"))
	assert.False(t, wf.CanTransition("browse", "browse"))
	assert.False(t, wf.CanTransition("ghost", "browse"))
}

func TestPolicyDefaultsToTransferAll(t *testing.T) {
	t.Parallel()

	wf := tradingWorkflow(t)
	assert.True(t, wf.Policy("browse", "transact").IsTransferAll())
	assert.True(t, wf.Policy("transact", "browse").IsIsolate())
	assert.Equal(t, []string{"symbol"}, wf.Policy("transact", "portfolio").Keys())
	// Undeclared edges still answer TransferAll.
	assert.True(t, wf.Policy("ghost", "also-ghost").IsTransferAll())
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	wf := tradingWorkflow(t)
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		v, err := wf.ValidateTransition(ctx, "browse", "portfolio", mapState{})
		require.NoError(t, err)
		assert.Equal(t, Valid, v.Code)
	})

	t.Run("invalid adjacency lists allowed targets", func(t *testing.T) {
		t.Parallel()
		v, err := wf.ValidateTransition(ctx, "portfolio", "transact", mapState{})
		require.NoError(t, err)
		assert.Equal(t, InvalidAdjacency, v.Code)
		assert.Equal(t, []string{"browse"}, v.Allowed)
	})

	t.Run("missing prerequisites listed in declaration order", func(t *testing.T) {
		t.Parallel()
		v, err := wf.ValidateTransition(ctx, "browse", "transact", mapState{})
		require.NoError(t, err)
		assert.Equal(t, MissingPrerequisites, v.Code)
		assert.Equal(t, []string{"symbol", "quantity"}, v.Missing)
	})

	t.Run("partially satisfied prerequisites", func(t *testing.T) {
		t.Parallel()
		v, err := wf.ValidateTransition(ctx, "browse", "transact", mapState{"symbol": "ACME"})
		require.NoError(t, err)
		assert.Equal(t, MissingPrerequisites, v.Code)
		assert.Equal(t, []string{"quantity"}, v.Missing)
	})

	t.Run("satisfied prerequisites", func(t *testing.T) {
		t.Parallel()
		state := mapState{"symbol": "ACME", "quantity": float64(5)}
		v, err := wf.ValidateTransition(ctx, "browse", "transact", state)
		require.NoError(t, err)
		assert.Equal(t, Valid, v.Code)
	})

	t.Run("unknown stage", func(t *testing.T) {
		t.Parallel()
		v, err := wf.ValidateTransition(ctx, "browse", "ghost", mapState{})
		require.NoError(t, err)
		assert.Equal(t, UnknownStage, v.Code)
	})

	t.Run("backend failure propagates", func(t *testing.T) {
		t.Parallel()
		_, err := wf.ValidateTransition(ctx, "browse", "transact", failingState{})
		assert.ErrorIs(t, err, concierge.ErrStorageUnavailable)
	})
}

// Prerequisites must hold after the edge's transfer policy runs, not before:
// state the policy discards cannot satisfy the target stage's gate.
func TestValidateTransitionAgainstTransferPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	wf, err := NewBuilder("checkout", "Checkout flow").
		Stage("shop", "Fill the cart").
		Tool(echoTool("add_item")).
		Stage("pay", "Pay for the cart").
		Prerequisites("cart", "address").
		Tool(echoTool("charge")).
		Stage("review", "Review the order").
		Prerequisites("cart").
		Tool(echoTool("summarize")).
		Transition("shop", "pay", TransferKeys("cart")).
		Transition("shop", "review", Isolate()).
		Build()
	require.NoError(t, err)

	full := mapState{"cart": []any{"book"}, "address": "1 Main St"}

	t.Run("isolate edge sees no state", func(t *testing.T) {
		t.Parallel()
		v, err := wf.ValidateTransition(ctx, "shop", "review", full)
		require.NoError(t, err)
		assert.Equal(t, MissingPrerequisites, v.Code)
		assert.Equal(t, []string{"cart"}, v.Missing)
	})

	t.Run("uncarried keys count as missing", func(t *testing.T) {
		t.Parallel()
		v, err := wf.ValidateTransition(ctx, "shop", "pay", full)
		require.NoError(t, err)
		assert.Equal(t, MissingPrerequisites, v.Code)
		assert.Equal(t, []string{"address"}, v.Missing, "address is discarded by TransferKeys(cart)")
	})

	t.Run("carried keys still checked against state", func(t *testing.T) {
		t.Parallel()
		v, err := wf.ValidateTransition(ctx, "shop", "pay", mapState{"address": "1 Main St"})
		require.NoError(t, err)
		assert.Equal(t, MissingPrerequisites, v.Code)
		assert.Equal(t, []string{"cart", "address"}, v.Missing)
	})
}

func TestCallTool(t *testing.T) {
	t.Parallel()

	wf := tradingWorkflow(t)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		out, err := wf.CallTool(ctx, "browse", "list_stocks", mapState{}, map[string]any{"value": "hi"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"echo": "hi"}, out)
	})

	t.Run("schema validation failure", func(t *testing.T) {
		t.Parallel()
		_, err := wf.CallTool(ctx, "browse", "list_stocks", mapState{}, map[string]any{"value": 42})
		assert.ErrorIs(t, err, concierge.ErrInvalidInput)
	})

	t.Run("additional properties rejected", func(t *testing.T) {
		t.Parallel()
		_, err := wf.CallTool(ctx, "browse", "list_stocks", mapState{}, map[string]any{"bogus": "x"})
		assert.ErrorIs(t, err, concierge.ErrInvalidInput)
	})

	t.Run("tool outside current stage is not found", func(t *testing.T) {
		t.Parallel()
		_, err := wf.CallTool(ctx, "browse", "buy_stock", mapState{}, nil)
		assert.ErrorIs(t, err, concierge.ErrToolNotFound)
	})

	t.Run("unknown stage", func(t *testing.T) {
		t.Parallel()
		_, err := wf.CallTool(ctx, "ghost", "list_stocks", mapState{}, nil)
		assert.ErrorIs(t, err, concierge.ErrUnknownStage)
	})

	t.Run("handler error is returned", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("boom")
		wf2, err := NewBuilder("wf", "").
			Stage("a", "").
			Tool(concierge.Tool{
				Name: "fail",
				Handler: func(_ context.Context, _ concierge.State, _ map[string]any) (map[string]any, error) {
					return nil, sentinel
				},
			}).
			Build()
		require.NoError(t, err)

		_, err = wf2.CallTool(ctx, "a", "fail", mapState{}, nil)
		assert.ErrorIs(t, err, sentinel)
	})

	t.Run("handler panic is recovered", func(t *testing.T) {
		t.Parallel()
		wf2, err := NewBuilder("wf", "").
			Stage("a", "").
			Tool(concierge.Tool{
				Name: "explode",
				Handler: func(_ context.Context, _ concierge.State, _ map[string]any) (map[string]any, error) {
					panic("kaboom")
				},
			}).
			Build()
		require.NoError(t, err)

		out, err := wf2.CallTool(ctx, "a", "explode", mapState{}, nil)
		require.Error(t, err)
		assert.Nil(t, out)
		assert.Contains(t, err.Error(), "kaboom")
	})

	t.Run("handler can use state", func(t *testing.T) {
		t.Parallel()
		wf2, err := NewBuilder("wf", "").
			Stage("a", "").
			Tool(concierge.Tool{
				Name: "remember",
				Handler: func(ctx context.Context, state concierge.State, args map[string]any) (map[string]any, error) {
					if err := state.Set(ctx, "symbol", args["value"]); err != nil {
						return nil, err
					}
					return map[string]any{"ok": true}, nil
				},
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"value": map[string]any{"type": "string"}},
					"required":   []any{"value"},
				},
			}).
			Build()
		require.NoError(t, err)

		state := mapState{}
		_, err = wf2.CallTool(ctx, "a", "remember", state, map[string]any{"value": "ACME"})
		require.NoError(t, err)
		assert.Equal(t, "ACME", state["symbol"])
	})
}

func TestStageToolLookup(t *testing.T) {
	t.Parallel()

	wf := tradingWorkflow(t)
	stage, err := wf.GetStage("browse")
	require.NoError(t, err)

	tool, ok := stage.Tool("list_stocks")
	assert.True(t, ok)
	assert.Equal(t, "list_stocks", tool.Name)

	_, ok = stage.Tool("buy_stock")
	assert.False(t, ok)
}
