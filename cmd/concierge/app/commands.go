// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the concierge command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/concierge-hq/concierge/pkg/concierge/engine"
	"github.com/concierge-hq/concierge/pkg/concierge/server"
	"github.com/concierge-hq/concierge/pkg/concierge/session"
	"github.com/concierge-hq/concierge/pkg/concierge/state"
	"github.com/concierge-hq/concierge/pkg/concierge/telemetry"
	"github.com/concierge-hq/concierge/pkg/concierge/widget"
	"github.com/concierge-hq/concierge/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "concierge",
	DisableAutoGenTag: true,
	Short:             "Concierge - Staged MCP workflow server",
	Long: `Concierge serves multi-stage workflows over the MCP (Model Context Protocol)
Streamable HTTP transport. A workflow partitions its tools into stages; each
session sees only the tools of its current stage plus two synthetic tools for
moving between stages and resetting the session. Stage changes push
tools/list_changed notifications so clients always hold the current tool set.

Session state lives in memory by default, or in PostgreSQL when
CONCIERGE_STATE_URL points at a postgres:// URL.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the concierge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newServeCmd creates the serve command for starting the demo workflow server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the staged workflow MCP server",
		Long: `Start an MCP server exposing the built-in stock exchange demo workflow.

The workflow has three stages: browse (search stocks and build a selection),
transact (buy or sell the selected stock) and portfolio (review holdings and
profit). Transitioning into transact requires a symbol and quantity in session
state, which the browse stage's add_to_cart tool records.`,
		RunE: runServe,
	}

	cmd.Flags().String("host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().Int("port", 4520, "Port to listen on (0 selects a random port)")
	cmd.Flags().Bool("metrics", false, "Expose Prometheus metrics at /metrics")
	cmd.Flags().String("assets-dir", "assets", "Directory holding bundled widget assets")

	return cmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for concierge",
		Run: func(_ *cobra.Command, _ []string) {
			// Version information will be injected at build time
			logger.Infof("concierge version: %s", getVersion())
		},
	}
}

// getVersion returns the version string (will be set at build time)
func getVersion() string {
	// This will be replaced with actual version info using ldflags
	return "dev"
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	host, err := cmd.Flags().GetString("host")
	if err != nil {
		return fmt.Errorf("failed to read host flag: %w", err)
	}
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return fmt.Errorf("failed to read port flag: %w", err)
	}
	metrics, err := cmd.Flags().GetBool("metrics")
	if err != nil {
		return fmt.Errorf("failed to read metrics flag: %w", err)
	}
	assetsDir, err := cmd.Flags().GetString("assets-dir")
	if err != nil {
		return fmt.Errorf("failed to read assets-dir flag: %w", err)
	}

	backend, err := state.NewFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to create state backend: %w", err)
	}

	wf, err := demoWorkflow()
	if err != nil {
		return fmt.Errorf("failed to build demo workflow: %w", err)
	}

	widgets := widget.NewRegistry(assetsDir)
	if err := registerDemoWidgets(widgets); err != nil {
		return fmt.Errorf("failed to register demo widgets: %w", err)
	}

	var telemetryProvider *telemetry.Provider
	if metrics {
		telemetryProvider, err = telemetry.NewProvider(ctx, telemetry.Config{
			ServiceName:                 "concierge",
			ServiceVersion:              getVersion(),
			EnablePrometheusMetricsPath: true,
		})
		if err != nil {
			return fmt.Errorf("failed to create telemetry provider: %w", err)
		}
	}

	eng := engine.New(session.NewRegistry(wf, backend), widgets)

	srv, err := server.New(&server.Config{
		Name:              "concierge",
		Version:           getVersion(),
		Host:              host,
		Port:              port,
		TelemetryProvider: telemetryProvider,
	}, eng)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Infof("Serving workflow %q with %d stages", wf.Name(), len(wf.Stages()))

	// Start server (blocks until shutdown signal)
	return srv.Start(ctx)
}
