// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package emulation

import (
	"errors"
	"fmt"
)

// Fault is a mid-run simulation core failure. The scheduler treats any
// Fault surfacing from an iteration as a crash signal: the session
// transitions to crashed and recovery starts. A Fault never escapes
// the loop goroutine.
type Fault struct {
	// Op names the operation that failed: "step", "press", "release",
	// "capture", "save", "load", "dispose".
	Op string

	// Err is the underlying cause.
	Err error
}

// NewFault wraps err as a core fault for the named operation.
func NewFault(op string, err error) *Fault {
	return &Fault{Op: op, Err: err}
}

// Faultf constructs a fault with a formatted cause.
func Faultf(op, format string, args ...any) *Fault {
	return &Fault{Op: op, Err: fmt.Errorf(format, args...)}
}

func (f *Fault) Error() string {
	return fmt.Sprintf("emulation: %s: %v", f.Op, f.Err)
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error { return f.Err }

// IsFault reports whether err is (or wraps) a core fault.
func IsFault(err error) bool {
	var fault *Fault
	return errors.As(err, &fault)
}
