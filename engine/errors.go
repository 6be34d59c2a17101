// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks a rejected command argument: unknown game,
// out-of-range speed, malformed snapshot name. Commands that fail
// with it mutate nothing.
var ErrInvalidInput = errors.New("engine: invalid input")

// ErrRetryBudgetExhausted is the cause reported when crash recovery
// gives up and the session degrades to stopped.
var ErrRetryBudgetExhausted = errors.New("engine: retry budget exhausted")

// ErrSessionClosed is returned by requests that raced a session
// shutdown: the scheduler exited before the request was served.
var ErrSessionClosed = errors.New("engine: session closed")

// LoadError reports a cartridge that could not be turned into a
// running machine. A failed start leaves the session idle; a failed
// reset keeps the old machine running.
type LoadError struct {
	// Cartridge is the path that failed to load.
	Cartridge string

	// Err is the loader's error.
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("engine: load cartridge %s: %v", e.Cartridge, e.Err)
}

// Unwrap returns the loader's error.
func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is (or wraps) a LoadError.
func IsLoadError(err error) bool {
	var loadErr *LoadError
	return errors.As(err, &loadErr)
}

// StateError reports an operation attempted in a session state that
// does not permit it, such as pausing an idle session.
type StateError struct {
	// Op is the rejected operation ("start", "pause", "reset", ...).
	Op string

	// State is the session state at the time of the attempt.
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("engine: cannot %s while %s", e.Op, e.State)
}

// IsStateError reports whether err is (or wraps) a StateError.
func IsStateError(err error) bool {
	var stateErr *StateError
	return errors.As(err, &stateErr)
}
