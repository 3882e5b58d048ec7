// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package server is the MCP protocol adapter for the staged workflow engine.
//
// It exposes the engine over Streamable HTTP using mark3labs/mcp-go. Tools
// are registered per session, never globally: when a session initializes, the
// OnRegisterSession hook installs its current stage's tool set, and every
// stage change swaps the set, which makes the SDK deliver
// notifications/tools/list_changed to that session before the triggering
// response completes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/concierge-hq/concierge/pkg/concierge"
	"github.com/concierge-hq/concierge/pkg/concierge/engine"
	"github.com/concierge-hq/concierge/pkg/concierge/telemetry"
	"github.com/concierge-hq/concierge/pkg/logger"
)

const (
	// defaultReadHeaderTimeout prevents slowloris attacks by limiting time to read request headers.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultReadTimeout is the maximum duration for reading the entire request, including body.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the maximum duration before timing out writes of the response.
	defaultWriteTimeout = 30 * time.Second

	// defaultIdleTimeout is the maximum amount of time to wait for the next request when keep-alives are enabled.
	defaultIdleTimeout = 120 * time.Second

	// defaultMaxHeaderBytes is the maximum size of request headers in bytes (1 MB).
	defaultMaxHeaderBytes = 1 << 20

	// defaultShutdownTimeout is the maximum time to wait for graceful shutdown.
	defaultShutdownTimeout = 10 * time.Second
)

// Config holds the MCP server configuration.
type Config struct {
	// Name is the server name exposed in the MCP protocol.
	Name string

	// Version is the server version.
	Version string

	// Host is the bind address (default: "127.0.0.1").
	Host string

	// Port is the bind port. Port 0 binds a random available port.
	Port int

	// EndpointPath is the MCP endpoint path (default: "/mcp").
	EndpointPath string

	// Instructions is host-provided guidance prepended to the workflow
	// instructions in the server's instructions field.
	Instructions string

	// TelemetryProvider is the optional telemetry provider. If nil, nothing
	// is recorded.
	TelemetryProvider *telemetry.Provider
}

// Server serves one staged workflow over MCP Streamable HTTP.
type Server struct {
	config *Config
	engine *engine.Engine
	hooks  *telemetry.Hooks

	mcpServer  *server.MCPServer
	httpServer *http.Server

	listener   net.Listener
	listenerMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates the MCP server for an engine.
func New(cfg *Config, eng *engine.Engine) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	if cfg.Name == "" {
		cfg.Name = "concierge"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}

	var hooks *telemetry.Hooks
	if cfg.TelemetryProvider != nil {
		var err error
		hooks, err = telemetry.NewHooks(cfg.TelemetryProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry hooks: %w", err)
		}
	}

	sdkHooks := &server.Hooks{}

	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(false), // tools are registered per session
		server.WithLogging(),
		server.WithHooks(sdkHooks),
		server.WithInstructions(mergeInstructions(
			cfg.Instructions,
			workflowInstructions(eng.Registry().Workflow().Instructions()),
		)),
	)

	srv := &Server{
		config:    cfg,
		engine:    eng,
		hooks:     hooks,
		mcpServer: mcpServer,
		ready:     make(chan struct{}),
	}

	// Widgets are global resources; their content is session-scoped at read
	// time.
	if widgets := eng.Widgets(); widgets != nil {
		for _, w := range widgets.Widgets() {
			mcpServer.AddResource(mcp.Resource{
				URI:         w.URI,
				Name:        w.Name,
				Description: w.Description,
				MIMEType:    w.MIMEType,
			}, srv.resourceHandler(w))
		}
	}

	// Install the session's initial tool set as soon as the SDK registers it.
	sdkHooks.AddOnRegisterSession(func(ctx context.Context, cs server.ClientSession) {
		if err := srv.syncSessionTools(ctx, cs.SessionID(), false); err != nil {
			logger.Errorw("failed to install session tools",
				"session_id", cs.SessionID(), "error", err)
		}
	})

	return srv, nil
}

// syncSessionTools publishes the session's current visible tool set. With
// replace set, the previous set is deleted first; each SDK mutation notifies
// the session's client that the tool list changed.
func (s *Server) syncSessionTools(ctx context.Context, sessionID string, replace bool) error {
	descs, err := s.engine.VisibleTools(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("computing visible tools: %w", err)
	}

	tools := make([]server.ServerTool, 0, len(descs))
	for _, d := range descs {
		st, err := toSDKTool(d, s.toolHandler(d.Name))
		if err != nil {
			return err
		}
		tools = append(tools, st)
	}

	if replace {
		if err := s.mcpServer.DeleteSessionTools(sessionID, s.allToolNames()...); err != nil {
			return fmt.Errorf("deleting session tools: %w", err)
		}
	}
	if err := s.mcpServer.AddSessionTools(sessionID, tools...); err != nil {
		return fmt.Errorf("adding session tools: %w", err)
	}

	logger.Debugw("session tools published", "session_id", sessionID, "count", len(tools))
	return nil
}

// allToolNames returns every tool name the workflow can ever expose,
// synthetic tools included. Used to clear a session's set before
// re-publishing; deleting names the session never had is harmless.
func (s *Server) allToolNames() []string {
	var names []string
	for _, stage := range s.engine.Registry().Workflow().Stages() {
		for _, t := range stage.Tools() {
			names = append(names, t.Name)
		}
	}
	return append(names, concierge.ToolProceedToNextStage, concierge.ToolTerminateSession)
}

// Start begins serving and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	streamableServer := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath(s.config.EndpointPath),
		server.WithSessionIdManager(newSessionIDAdapter(s.engine.Registry(), s.engine.Widgets())),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	if s.config.TelemetryProvider != nil {
		if prometheusHandler := s.config.TelemetryProvider.PrometheusHandler(); prometheusHandler != nil {
			mux.Handle("/metrics", prometheusHandler)
			logger.Info("Prometheus metrics endpoint enabled at /metrics")
		}
	}

	mux.Handle("/", streamableServer)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	logger.Infof("Starting concierge MCP server at %s%s", listener.Addr(), s.config.EndpointPath)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := s.httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", serveErr)
		}
	}()

	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down server")
		return s.Stop(context.Background())
	case err := <-errCh:
		logger.Errorf("HTTP server error: %v", err)
		if stopErr := s.Stop(context.Background()); stopErr != nil {
			return fmt.Errorf("server error: %w; stop error: %v", err, stopErr)
		}
		return err
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("Stopping concierge MCP server")

	var errs []error

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	s.listenerMu.Lock()
	s.listener = nil
	s.listenerMu.Unlock()

	if s.config.TelemetryProvider != nil {
		if err := s.config.TelemetryProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown telemetry: %w", err))
		}
	}

	if err := s.engine.Registry().Backend().Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close state backend: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("Concierge MCP server stopped")
	return nil
}

// Address returns the server's actual listen address. With port 0 this is
// the bound port.
func (s *Server) Address() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Ready returns a channel closed once the listener is serving.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// handleHealth answers /health. Intentionally minimal: it only confirms the
// HTTP server is responding.
func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		logger.Errorf("Failed to encode health response: %v", err)
	}
}

// mergeInstructions joins host instructions with workflow instructions,
// blank-line separated, host first.
func mergeInstructions(host, workflow string) string {
	if host == "" {
		return workflow
	}
	if workflow == "" {
		return host
	}
	return host + "\n\n" + workflow
}

// workflowInstructions falls back to the default guidance when the workflow
// declared none.
func workflowInstructions(custom string) string {
	if custom != "" {
		return custom
	}
	return engine.DefaultWorkflowInstructions
}
