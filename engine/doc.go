// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine turns many players' votes into one controlled game
// session.
//
// The pieces, in the order an input travels through them:
//
//   - RateLimiter admits or rejects a vote per identity (sliding
//     window plus minimum spacing). Rejected votes vanish; they never
//     reach the queue.
//   - InputQueue is the bounded FIFO between the many producer
//     goroutines delivering admitted votes and the single scheduler
//     goroutine consuming them.
//   - Session owns the state machine (idle, running, paused, stopped,
//     crashed), the loaded emulation.Machine, and the scheduler
//     goroutine that drains the queue, steps the machine, and hands
//     frames to the Publisher once per cadence interval.
//   - Publisher posts each captured frame to the room, attaches the
//     button affordances, and retires the previous frame, keeping at
//     least one live artifact at all times.
//
// The machine is never touched off the scheduler goroutine. Commands
// that need it (reset, snapshot save and load) are forwarded to the
// scheduler as requests and answered between iterations.
package engine
