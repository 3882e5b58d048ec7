// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package concierge

import "errors"

// Common domain errors used across concierge subpackages.
// These errors should be checked using errors.Is().

var (
	// ErrToolNotFound indicates a tool name that is not part of the session's
	// current stage (or not registered at all). Wrapping errors should name
	// the tool and the stage that was searched.
	ErrToolNotFound = errors.New("tool not found")

	// ErrUnknownStage indicates a stage name that is not part of the workflow.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrInvalidTransition indicates a transition to a stage that is not in
	// the current stage's allowed set.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidInput indicates tool arguments that failed schema validation
	// or are otherwise malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageUnavailable indicates a transient state-backend failure
	// (connection lost, pool exhausted). Callers may retry; the engine does not.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrSerialization indicates a state value that could not be JSON-encoded
	// or decoded. This is fatal at the call site.
	ErrSerialization = errors.New("serialization error")

	// ErrWidgetRender indicates a widget that could not be rendered: a missing
	// bundled asset, or a dynamic widget whose paired tool has not been called.
	ErrWidgetRender = errors.New("widget render error")
)
