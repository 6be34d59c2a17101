// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package emulation defines the boundary between the orchestration
// engine and a simulation core: the Machine interface, the closed
// button set, captured frames, and the fault type every core
// operation can fail with.
//
// The package is deliberately dependency-free. A core implementation
// (the built-in demo machine, or a real emulator behind an adapter)
// implements Machine; the engine owns exactly one Machine at a time
// and calls it only from the scheduler goroutine.
package emulation

// Machine is one loaded simulation core. Implementations are NOT
// required to be safe for concurrent use: the scheduler is the sole
// caller and serializes every operation.
type Machine interface {
	// Step advances the simulation n steps. One step is the core's
	// smallest time unit (one video frame for the demo machine).
	Step(n int) error

	// Press latches a button down. The button stays held across
	// subsequent Step calls until Release.
	Press(button Button) error

	// Release lets a held button up. Releasing an unheld button is
	// not an error.
	Release(button Button) error

	// CaptureFrame returns the current video frame. The returned
	// frame is a copy owned by the caller.
	CaptureFrame() (*Frame, error)

	// SaveState serializes the complete machine state to an opaque
	// blob that a later LoadState (on a machine for the same
	// cartridge) restores exactly.
	SaveState() ([]byte, error)

	// LoadState restores state from a SaveState blob.
	LoadState(snapshot []byte) error

	// Dispose releases the core's resources. The machine is unusable
	// afterwards; every other method fails.
	Dispose() error
}

// Loader constructs a Machine from a cartridge path. Construction
// failure (missing file, unreadable content) is how a start command
// fails without a session ever leaving idle.
type Loader interface {
	Load(path string) (Machine, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (Machine, error)

// Load calls f.
func (f LoaderFunc) Load(path string) (Machine, error) { return f(path) }
