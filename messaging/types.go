// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/crowdplay-project/crowdplay/lib/ref"
)

// MessageContent is the content body of an m.room.message event. Set
// Format and FormattedBody together for HTML rendering; Body is the
// plain-text fallback clients without HTML support display.
type MessageContent struct {
	MsgType       string     `json:"msgtype"`
	Body          string     `json:"body"`
	Format        string     `json:"format,omitempty"`
	FormattedBody string     `json:"formatted_body,omitempty"`
	URL           string     `json:"url,omitempty"`
	Info          *ImageInfo `json:"info,omitempty"`
}

// htmlFormat is the Matrix format identifier for HTML message bodies.
const htmlFormat = "org.matrix.custom.html"

// NewNotice creates a plain m.notice message. The bot sends notices
// rather than m.text so that other bots ignore its output.
func NewNotice(body string) MessageContent {
	return MessageContent{
		MsgType: "m.notice",
		Body:    body,
	}
}

// NewHTMLNotice creates an m.notice message with an HTML rendering
// and a plain-text fallback.
func NewHTMLNotice(body, html string) MessageContent {
	return MessageContent{
		MsgType:       "m.notice",
		Body:          body,
		Format:        htmlFormat,
		FormattedBody: html,
	}
}

// ImageInfo describes an uploaded image for an m.image event.
type ImageInfo struct {
	Width    int    `json:"w,omitempty"`
	Height   int    `json:"h,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Size     int    `json:"size,omitempty"`
}

// ImageUpload holds the data and metadata for posting an image to a
// room. The event body (the alt text in most clients) is Caption when
// set, FileName otherwise.
type ImageUpload struct {
	Data     []byte
	MimeType string
	FileName string
	Caption  string
	Width    int
	Height   int
}

// RelatesTo expresses a relationship to another event. Reactions use
// RelType "m.annotation" with the reaction emoji in Key.
type RelatesTo struct {
	RelType string      `json:"rel_type"`
	EventID ref.EventID `json:"event_id"`
	Key     string      `json:"key,omitempty"`
}

// ReactionContent is the content body of an m.reaction event.
type ReactionContent struct {
	RelatesTo RelatesTo `json:"m.relates_to"`
}

// NewReaction creates an annotation reaction on the target event.
func NewReaction(target ref.EventID, key string) ReactionContent {
	return ReactionContent{
		RelatesTo: RelatesTo{
			RelType: "m.annotation",
			EventID: target,
			Key:     key,
		},
	}
}

// RedactRequest is the request body for event redaction.
type RedactRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Event is a Matrix event from the server.
type Event struct {
	EventID        ref.EventID    `json:"event_id"`
	Type           string         `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// MessageBody extracts the plain-text body of an m.room.message
// event. Returns false for other event types or malformed content.
func (e Event) MessageBody() (string, bool) {
	if e.Type != "m.room.message" {
		return "", false
	}
	body, ok := e.Content["body"].(string)
	return body, ok
}

// ReactionKey extracts the annotation key and target event of an
// m.reaction event. Returns false for other event types or malformed
// content.
func (e Event) ReactionKey() (key string, target ref.EventID, ok bool) {
	if e.Type != "m.reaction" {
		return "", ref.EventID{}, false
	}
	relation, ok := e.Content["m.relates_to"].(map[string]any)
	if !ok {
		return "", ref.EventID{}, false
	}
	if relType, _ := relation["rel_type"].(string); relType != "m.annotation" {
		return "", ref.EventID{}, false
	}
	key, ok = relation["key"].(string)
	if !ok || key == "" {
		return "", ref.EventID{}, false
	}
	rawTarget, ok := relation["event_id"].(string)
	if !ok {
		return "", ref.EventID{}, false
	}
	target, err := ref.ParseEventID(rawTarget)
	if err != nil {
		return "", ref.EventID{}, false
	}
	return key, target, true
}

// SyncOptions controls the /sync endpoint.
type SyncOptions struct {
	// Since is the next_batch token from the previous sync; empty for
	// an initial sync.
	Since string
	// Timeout is the server-side long-poll hold in milliseconds.
	Timeout int
	// SetTimeout sends the timeout parameter even when zero, which
	// distinguishes "return immediately" from "server default".
	SetTimeout bool
	// Filter is a filter ID or inline JSON filter.
	Filter string
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection groups per-room sync data by membership state. Map
// keys are room IDs; ref.RoomID's TextUnmarshaler validates them at
// deserialization.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// SendEventResponse is returned by event-sending endpoints.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// ResolveAliasResponse is returned by ResolveAlias.
type ResolveAliasResponse struct {
	RoomID  ref.RoomID `json:"room_id"`
	Servers []string   `json:"servers"`
}

// UploadResponse is returned by UploadMedia.
type UploadResponse struct {
	ContentURI string `json:"content_uri"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}
