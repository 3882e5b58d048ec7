// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"

	"github.com/concierge-hq/concierge/pkg/concierge/state"
	"github.com/concierge-hq/concierge/pkg/concierge/workflow"
)

// Registry maps session ids to orchestrators. Orchestrators are created
// lazily on first touch and dropped when the protocol layer terminates the
// session. The registry also remembers terminated ids so the transport can
// distinguish "terminated" from "never seen".
type Registry struct {
	mu         sync.Mutex
	wf         *workflow.Workflow
	backend    state.Backend
	sessions   map[string]*Orchestrator
	terminated map[string]struct{}
}

// NewRegistry creates an empty registry bound to one workflow and backend.
func NewRegistry(wf *workflow.Workflow, backend state.Backend) *Registry {
	return &Registry{
		wf:         wf,
		backend:    backend,
		sessions:   make(map[string]*Orchestrator),
		terminated: make(map[string]struct{}),
	}
}

// Workflow returns the workflow all sessions run.
func (r *Registry) Workflow() *workflow.Workflow { return r.wf }

// Backend returns the shared state backend.
func (r *Registry) Backend() state.Backend { return r.backend }

// Get returns the orchestrator for the session, creating it on first touch.
// Touching a previously terminated id revives it as a fresh session.
func (r *Registry) Get(sessionID string) *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.sessions[sessionID]; ok {
		return o
	}
	delete(r.terminated, sessionID)
	o := NewOrchestrator(sessionID, r.wf, r.backend)
	r.sessions[sessionID] = o
	return o
}

// Peek returns the orchestrator without creating one.
func (r *Registry) Peek(sessionID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.sessions[sessionID]
	return o, ok
}

// Drop removes the session from the registry and marks it terminated.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	r.terminated[sessionID] = struct{}{}
}

// IsTerminated reports whether the id was terminated and not since revived.
func (r *Registry) IsTerminated(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.terminated[sessionID]
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
