// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package engine

// InputQueue is the bounded FIFO between vote intake and the
// scheduler. Many goroutines Enqueue; only the scheduler Drains.
// Events come out in arrival order, never reordered, never
// duplicated.
type InputQueue struct {
	events chan InputEvent
}

// NewInputQueue returns a queue holding at most capacity events.
// Panics if capacity is non-positive.
func NewInputQueue(capacity int) *InputQueue {
	if capacity <= 0 {
		panic("engine: non-positive queue capacity")
	}
	return &InputQueue{events: make(chan InputEvent, capacity)}
}

// Enqueue adds event to the queue. Non-blocking; false means the
// queue is full and the event was dropped.
func (q *InputQueue) Enqueue(event InputEvent) bool {
	select {
	case q.events <- event:
		return true
	default:
		return false
	}
}

// Drain removes and returns up to maxN events in arrival order.
// Non-blocking; an empty queue yields an empty result.
func (q *InputQueue) Drain(maxN int) []InputEvent {
	var drained []InputEvent
	for len(drained) < maxN {
		select {
		case event := <-q.events:
			drained = append(drained, event)
		default:
			return drained
		}
	}
	return drained
}

// Len returns the number of queued events.
func (q *InputQueue) Len() int { return len(q.events) }

// Capacity returns the queue's fixed capacity.
func (q *InputQueue) Capacity() int { return cap(q.events) }
