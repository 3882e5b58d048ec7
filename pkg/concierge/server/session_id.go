// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/concierge-hq/concierge/pkg/concierge/session"
	"github.com/concierge-hq/concierge/pkg/concierge/widget"
	"github.com/concierge-hq/concierge/pkg/logger"
)

// sessionIDAdapter implements the SDK's SessionIdManager on top of the
// session registry. The SDK calls it during MCP protocol flows:
//
//  1. Generate() when a client sends initialize without an Mcp-Session-Id
//  2. Validate() on every subsequent request
//  3. Terminate() when a client sends HTTP DELETE to end the session
//
// Session ids are UUIDs per the MCP spec's requirement for globally unique,
// visible-ASCII identifiers.
type sessionIDAdapter struct {
	registry *session.Registry
	widgets  *widget.Registry
}

func newSessionIDAdapter(registry *session.Registry, widgets *widget.Registry) *sessionIDAdapter {
	return &sessionIDAdapter{registry: registry, widgets: widgets}
}

// Generate creates a new session id and its orchestrator.
func (a *sessionIDAdapter) Generate() string {
	sessionID := uuid.New().String()
	a.registry.Get(sessionID)
	logger.Debugw("generated new MCP session", "session_id", sessionID)
	return sessionID
}

// Validate reports whether a session id is live, terminated, or unknown.
// Terminated ids return isTerminated=true so the transport can answer 404
// with the right semantics; unknown ids return an error.
func (a *sessionIDAdapter) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session ID")
	}
	if a.registry.IsTerminated(sessionID) {
		return true, nil
	}
	if _, ok := a.registry.Peek(sessionID); !ok {
		return false, fmt.Errorf("session not found")
	}
	return false, nil
}

// Terminate ends a session: backend state is cleared, widget caches dropped,
// and the id marked terminated. Client-initiated termination is allowed.
func (a *sessionIDAdapter) Terminate(sessionID string) (isNotAllowed bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session ID")
	}
	if o, ok := a.registry.Peek(sessionID); ok {
		if _, termErr := o.Terminate(context.Background()); termErr != nil {
			logger.Warnw("failed to clear session state on terminate",
				"session_id", sessionID, "error", termErr)
		}
	}
	if a.widgets != nil {
		a.widgets.ClearSession(sessionID)
	}
	a.registry.Drop(sessionID)
	return false, nil
}
