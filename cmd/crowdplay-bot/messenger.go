// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"image/png"
	"sync"

	"github.com/crowdplay-project/crowdplay/engine"
	"github.com/crowdplay-project/crowdplay/lib/ref"
	"github.com/crowdplay-project/crowdplay/messaging"
)

var _ engine.Messenger = (*roomMessenger)(nil)

// roomMessenger binds a Matrix session to a single room and adapts it
// to the publisher's messenger surface. It also remembers the most
// recently posted artifact so the vote intake can match reactions
// against the live frame without touching the publisher, which is
// owned by the scheduler goroutine.
type roomMessenger struct {
	session *messaging.BotSession
	roomID  ref.RoomID

	mu         sync.Mutex
	lastPosted ref.EventID
	havePosted bool
}

func newRoomMessenger(session *messaging.BotSession, roomID ref.RoomID) *roomMessenger {
	return &roomMessenger{session: session, roomID: roomID}
}

func (m *roomMessenger) PostImage(ctx context.Context, image []byte, caption string) (ref.EventID, error) {
	upload := messaging.ImageUpload{
		Data:     image,
		MimeType: "image/png",
		FileName: "game.png",
		Caption:  caption,
	}
	if config, err := png.DecodeConfig(bytes.NewReader(image)); err == nil {
		upload.Width = config.Width
		upload.Height = config.Height
	}
	eventID, err := m.session.SendImage(ctx, m.roomID, upload)
	if err != nil {
		return ref.EventID{}, err
	}
	m.mu.Lock()
	m.lastPosted = eventID
	m.havePosted = true
	m.mu.Unlock()
	return eventID, nil
}

func (m *roomMessenger) React(ctx context.Context, target ref.EventID, key string) error {
	_, err := m.session.SendReaction(ctx, m.roomID, target, key)
	return err
}

func (m *roomMessenger) Redact(ctx context.Context, target ref.EventID, reason string) error {
	_, err := m.session.RedactEvent(ctx, m.roomID, target, reason)
	return err
}

// LastPosted reports the most recent artifact event, if any. Safe to
// call from any goroutine.
func (m *roomMessenger) LastPosted() (ref.EventID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPosted, m.havePosted
}
