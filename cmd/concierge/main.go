// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the concierge command-line application.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/concierge-hq/concierge/cmd/concierge/app"
	"github.com/concierge-hq/concierge/pkg/logger"
)

func main() {
	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	// Execute the root command with context
	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
