// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/concierge-hq/concierge/pkg/concierge"
)

// MemoryBackend is the in-memory Backend. Suitable for single-instance
// deployments and tests; sessions do not survive a process restart.
type MemoryBackend struct {
	mu     sync.RWMutex
	stages map[string]string
	// values holds JSON-encoded state per session. Encoding at write time
	// keeps read semantics identical to the Postgres backend: ints round-trip
	// as float64, and non-encodable values fail at Set.
	values map[string]map[string]json.RawMessage
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		stages: make(map[string]string),
		values: make(map[string]map[string]json.RawMessage),
	}
}

// GetStage returns the session's stage cursor, or "" if absent.
func (m *MemoryBackend) GetStage(_ context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stages[sessionID], nil
}

// SetStage sets the session's stage cursor.
func (m *MemoryBackend) SetStage(_ context.Context, sessionID, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[sessionID] = stage
	return nil
}

// DeleteStage removes the session's stage cursor. Deleting an absent cursor
// is a no-op.
func (m *MemoryBackend) DeleteStage(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stages, sessionID)
	return nil
}

// Get returns the value stored under key for the session, or nil if absent.
func (m *MemoryBackend) Get(_ context.Context, sessionID, key string) (any, error) {
	m.mu.RLock()
	raw, ok := m.values[sessionID][key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: decoding key %q: %v", concierge.ErrSerialization, key, err)
	}
	return v, nil
}

// Set stores value under key for the session.
func (m *MemoryBackend) Set(_ context.Context, sessionID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encoding key %q: %v", concierge.ErrSerialization, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[sessionID] == nil {
		m.values[sessionID] = make(map[string]json.RawMessage)
	}
	m.values[sessionID][key] = raw
	return nil
}

// ClearState removes all of the session's state keys, keeping the stage
// cursor.
func (m *MemoryBackend) ClearState(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, sessionID)
	return nil
}

// Clear removes the session's stage cursor and all of its state keys.
func (m *MemoryBackend) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stages, sessionID)
	delete(m.values, sessionID)
	return nil
}

// Close is a no-op for the in-memory backend.
func (*MemoryBackend) Close() error { return nil }
