// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crowdplay-project/crowdplay/lib/ref"
)

// StreamFilter restricts what a RoomStream receives from /sync. The
// streamed room is always scoped automatically.
type StreamFilter struct {
	// TimelineTypes restricts timeline events to these Matrix event
	// types (e.g. "m.reaction"). Empty means all timeline types.
	TimelineTypes []string

	// TimelineLimit caps the number of timeline events per /sync
	// response. Zero means the server default.
	TimelineLimit int
}

// buildInlineFilter constructs the inline JSON /sync filter scoped to
// one room. State, presence, and account data are always suppressed;
// the bot only consumes timeline events.
func buildInlineFilter(roomID ref.RoomID, filter *StreamFilter) string {
	timeline := map[string]any{}
	if filter != nil {
		if len(filter.TimelineTypes) > 0 {
			timeline["types"] = filter.TimelineTypes
		}
		if filter.TimelineLimit > 0 {
			timeline["limit"] = filter.TimelineLimit
		}
	}

	roomFilter := map[string]any{
		"rooms": []string{roomID.String()},
		"state": map[string]any{"types": []string{}},
	}
	if len(timeline) > 0 {
		roomFilter["timeline"] = timeline
	}

	top := map[string]any{
		"room":         roomFilter,
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}

	data, _ := json.Marshal(top)
	return string(data)
}

// maxSyncRetries is the number of consecutive /sync failures allowed
// before Next returns an error. Each retry uses a short server-side
// timeout so the HTTP round-trip itself provides backoff.
const maxSyncRetries = 5

// longPollTimeout is the server-side long-poll hold in milliseconds
// for normal /sync calls. 30 seconds matches the client-server spec
// recommendation.
const longPollTimeout = 30000

// retryTimeout is the server-side timeout in milliseconds used after
// a /sync error, short so the retry completes quickly.
const retryTimeout = 1000

// RoomStream delivers timeline events for a single room in arrival
// order, batch by batch. Opening the stream anchors the sync position
// at "now", so backlog accumulated while the bot was offline is never
// replayed as fresh votes.
//
// Not safe for concurrent use by multiple goroutines.
type RoomStream struct {
	session   *BotSession
	roomID    ref.RoomID
	filter    string
	nextBatch string
}

// OpenRoomStream captures the current position in the /sync stream
// for roomID. The returned stream only sees events arriving after
// this call. Pass nil for the filter to receive all timeline types.
func OpenRoomStream(ctx context.Context, session *BotSession, roomID ref.RoomID, filter *StreamFilter) (*RoomStream, error) {
	if roomID.IsZero() {
		return nil, fmt.Errorf("messaging: room stream requires a non-zero room ID")
	}
	inlineFilter := buildInlineFilter(roomID, filter)

	// Immediate sync (timeout=0) to obtain the current next_batch
	// token without blocking.
	response, err := session.Sync(ctx, SyncOptions{
		SetTimeout: true,
		Timeout:    0,
		Filter:     inlineFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: initial sync for room stream: %w", err)
	}
	return &RoomStream{
		session:   session,
		roomID:    roomID,
		filter:    inlineFilter,
		nextBatch: response.NextBatch,
	}, nil
}

// Next blocks until the room has new timeline events and returns
// them in arrival order. On transient /sync errors it retries up to
// maxSyncRetries times, dropping idle connections so the next attempt
// opens a fresh socket. Returns an error when retries are exhausted
// or ctx is cancelled.
func (st *RoomStream) Next(ctx context.Context) ([]Event, error) {
	var syncRetries int

	for {
		syncTimeout := longPollTimeout
		if syncRetries > 0 {
			syncTimeout = retryTimeout
		}
		response, err := st.session.Sync(ctx, SyncOptions{
			Since:      st.nextBatch,
			SetTimeout: true,
			Timeout:    syncTimeout,
			Filter:     st.filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("context cancelled streaming room %s: %w", st.roomID, ctx.Err())
			}
			syncRetries++
			// TCP-level errors often indicate a poisoned connection
			// in the HTTP pool.
			st.session.CloseIdleConnections()
			if syncRetries > maxSyncRetries {
				return nil, fmt.Errorf("sync failed %d consecutive times streaming room %s: %w",
					syncRetries, st.roomID, err)
			}
			st.session.client.logger.Debug("room stream sync error, retrying",
				"room_id", st.roomID,
				"attempt", syncRetries,
				"max_attempts", maxSyncRetries,
				"error", err)
			continue
		}
		syncRetries = 0
		st.nextBatch = response.NextBatch

		joined, ok := response.Rooms.Join[st.roomID]
		if !ok {
			// The server returned because some other room had
			// activity; the filter excluded its data. Keep polling.
			continue
		}
		if len(joined.Timeline.Events) == 0 {
			continue
		}
		return joined.Timeline.Events, nil
	}
}

// Position returns the current sync stream position token.
func (st *RoomStream) Position() string {
	return st.nextBatch
}

// RoomID returns the room being streamed.
func (st *RoomStream) RoomID() ref.RoomID {
	return st.roomID
}
