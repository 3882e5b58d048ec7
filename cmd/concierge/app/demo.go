// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/concierge-hq/concierge/pkg/concierge"
	"github.com/concierge-hq/concierge/pkg/concierge/widget"
	"github.com/concierge-hq/concierge/pkg/concierge/workflow"
)

// demoHoldings backs the portfolio stage. The demo exercises the staged
// workflow machinery, not real stock logic.
var demoHoldings = []map[string]any{
	{"symbol": "AAPL", "shares": 10},
	{"symbol": "GOOGL", "shares": 5},
}

func symbolSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"symbol": map[string]any{
				"type":        "string",
				"description": "Stock symbol like AAPL, GOOGL",
			},
		},
		"required":             []any{"symbol"},
		"additionalProperties": false,
	}
}

func emptySchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}
}

func transactionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"order_id": map[string]any{"type": "string", "description": "Order ID"},
			"status":   map[string]any{"type": "string", "description": "Transaction status"},
		},
		"required": []any{"order_id", "status"},
	}
}

// demoWorkflow builds the stock exchange demo: browse stocks, transact on a
// selection, review the portfolio. The transact stage requires a symbol and
// quantity in session state; add_to_cart records them. Leaving transact for
// browse clears the selection so a fresh one can be made.
func demoWorkflow() (*workflow.Workflow, error) {
	return workflow.NewBuilder("stock_exchange", "Simple stock trading").
		Stage("browse", "Browse and search stocks").
		Tool(concierge.Tool{
			Name:        "search",
			Description: "Search for a stock",
			InputSchema: symbolSchema(),
			Handler: func(_ context.Context, _ concierge.State, args map[string]any) (map[string]any, error) {
				symbol, _ := args["symbol"].(string)
				return map[string]any{
					"result": fmt.Sprintf("Found %s: $150.00", symbol),
					"symbol": symbol,
					"price":  150.00,
				}, nil
			},
		}).
		Tool(concierge.Tool{
			Name:        "add_to_cart",
			Description: "Add stock to cart",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"symbol": map[string]any{
						"type":        "string",
						"description": "Stock symbol like AAPL, GOOGL",
					},
					"quantity": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"description": "Number of shares",
					},
				},
				"required":             []any{"symbol", "quantity"},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, s concierge.State, args map[string]any) (map[string]any, error) {
				symbol, _ := args["symbol"].(string)
				if err := s.Set(ctx, "symbol", symbol); err != nil {
					return nil, err
				}
				if err := s.Set(ctx, "quantity", args["quantity"]); err != nil {
					return nil, err
				}
				return map[string]any{
					"result": fmt.Sprintf("Added %v shares of %s", args["quantity"], symbol),
				}, nil
			},
		}).
		Tool(concierge.Tool{
			Name:        "view_history",
			Description: "View stock price history",
			InputSchema: symbolSchema(),
			Handler: func(_ context.Context, _ concierge.State, args map[string]any) (map[string]any, error) {
				symbol, _ := args["symbol"].(string)
				return map[string]any{
					"result": fmt.Sprintf("%s history: [100, 120, 150]", symbol),
				}, nil
			},
		}).
		Stage("transact", "Buy or sell stocks").
		Prerequisites("symbol", "quantity").
		Tool(concierge.Tool{
			Name:         "buy",
			Description:  "Buy the selected stock",
			InputSchema:  emptySchema(),
			OutputSchema: transactionSchema(),
			Handler: func(ctx context.Context, s concierge.State, _ map[string]any) (map[string]any, error) {
				symbol, quantity, err := selection(ctx, s)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"order_id": "ORD123",
					"status":   fmt.Sprintf("Bought %v shares of %v", quantity, symbol),
				}, nil
			},
		}).
		Tool(concierge.Tool{
			Name:         "sell",
			Description:  "Sell the selected stock",
			InputSchema:  emptySchema(),
			OutputSchema: transactionSchema(),
			Handler: func(ctx context.Context, s concierge.State, _ map[string]any) (map[string]any, error) {
				symbol, quantity, err := selection(ctx, s)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"order_id": "ORD456",
					"status":   fmt.Sprintf("Sold %v shares of %v", quantity, symbol),
				}, nil
			},
		}).
		Stage("portfolio", "View portfolio and profits").
		Tool(concierge.Tool{
			Name:        "view_holdings",
			Description: "View current holdings",
			InputSchema: emptySchema(),
			Handler: func(context.Context, concierge.State, map[string]any) (map[string]any, error) {
				summaries := make([]string, 0, len(demoHoldings))
				for _, h := range demoHoldings {
					summaries = append(summaries, fmt.Sprintf("%v: %v shares", h["symbol"], h["shares"]))
				}
				return map[string]any{
					"result":   "Holdings: " + strings.Join(summaries, ", "),
					"holdings": demoHoldings,
				}, nil
			},
		}).
		Tool(concierge.Tool{
			Name:        "view_profit",
			Description: "View profit/loss",
			InputSchema: emptySchema(),
			Handler: func(context.Context, concierge.State, map[string]any) (map[string]any, error) {
				return map[string]any{"result": "Total profit: +$1,234.56"}, nil
			},
		}).
		Transition("browse", "transact").
		Transition("browse", "portfolio").
		Transition("transact", "portfolio").
		Transition("transact", "browse", workflow.Isolate()).
		Transition("portfolio", "browse").
		Initial("browse").
		Build()
}

func selection(ctx context.Context, s concierge.State) (any, any, error) {
	symbol, err := s.Get(ctx, "symbol")
	if err != nil {
		return nil, nil, err
	}
	quantity, err := s.Get(ctx, "quantity")
	if err != nil {
		return nil, nil, err
	}
	return symbol, quantity, nil
}

// registerDemoWidgets pairs a dynamic portfolio widget with view_holdings.
// Reading ui://widget/portfolio.html renders the session's last holdings
// snapshot.
func registerDemoWidgets(widgets *widget.Registry) error {
	return widgets.Register(widget.Widget{
		URI:         "ui://widget/portfolio.html",
		Name:        "portfolio",
		Title:       "Portfolio",
		Description: "Current holdings for this session",
		Mode:        widget.DynamicFromArgs,
		ToolName:    "view_holdings",
		Invoking:    "Loading portfolio",
		Invoked:     "Portfolio loaded",
		Accessible:  true,
		Render:      renderPortfolio,
	})
}

func renderPortfolio(result map[string]any) (string, error) {
	var rows strings.Builder
	switch holdings := result["holdings"].(type) {
	case []map[string]any:
		for _, h := range holdings {
			fmt.Fprintf(&rows, "<tr><td>%v</td><td>%v</td></tr>\n", h["symbol"], h["shares"])
		}
	case []any:
		// Holdings that round-tripped through JSON decode as []any.
		for _, item := range holdings {
			if h, ok := item.(map[string]any); ok {
				fmt.Fprintf(&rows, "<tr><td>%v</td><td>%v</td></tr>\n", h["symbol"], h["shares"])
			}
		}
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><style>table{border-collapse:collapse}td,th{padding:4px 12px;border:1px solid #ccc}</style></head>
<body>
<h2>Portfolio</h2>
<table><tr><th>Symbol</th><th>Shares</th></tr>
%s</table>
</body>
</html>`, rows.String()), nil
}
