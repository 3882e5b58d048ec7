// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

// Package state provides the per-session key/value store behind workflow
// sessions. Two backends exist: an in-memory map for single-process use and a
// Postgres-backed store for deployments that need sessions to survive
// restarts. The backend is selected at startup from the CONCIERGE_STATE_URL
// environment variable.
package state

import (
	"context"

	"github.com/concierge-hq/concierge/pkg/concierge"
)

// Backend stores each session's stage cursor and state map. All values are
// JSON-encoded at rest, so a value written as an int comes back as float64.
//
// Absence is not an error: GetStage on an unknown session returns ("", nil)
// and Get on an unknown key returns (nil, nil). DeleteStage and Clear are
// idempotent. Implementations must be safe for concurrent use.
type Backend interface {
	// GetStage returns the session's current stage, or "" if the session has
	// no persisted cursor.
	GetStage(ctx context.Context, sessionID string) (string, error)

	// SetStage sets the session's current stage, creating the cursor if
	// needed.
	SetStage(ctx context.Context, sessionID, stage string) error

	// DeleteStage removes the session's stage cursor.
	DeleteStage(ctx context.Context, sessionID string) error

	// Get returns the value stored under key for the session, or nil if
	// absent.
	Get(ctx context.Context, sessionID, key string) (any, error)

	// Set stores value under key for the session, replacing any previous
	// value. The value must be JSON-encodable.
	Set(ctx context.Context, sessionID, key string, value any) error

	// ClearState removes all of the session's state keys, leaving the stage
	// cursor in place. Used by transfer policies mid-transition so a
	// concurrent reader never observes the session reset to the initial
	// stage.
	ClearState(ctx context.Context, sessionID string) error

	// Clear atomically removes the session's stage cursor and all of its
	// state keys.
	Clear(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}

// scoped adapts a Backend to the narrow concierge.State view handed to tool
// handlers, pinning the session id.
type scoped struct {
	backend   Backend
	sessionID string
}

// Scoped returns a concierge.State view of the backend for one session.
func Scoped(b Backend, sessionID string) concierge.State {
	return &scoped{backend: b, sessionID: sessionID}
}

func (s *scoped) Get(ctx context.Context, key string) (any, error) {
	return s.backend.Get(ctx, s.sessionID, key)
}

func (s *scoped) Set(ctx context.Context, key string, value any) error {
	return s.backend.Set(ctx, s.sessionID, key, value)
}
