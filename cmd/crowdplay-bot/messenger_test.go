// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/crowdplay-project/crowdplay/lib/ref"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func TestPostImageTracksLiveArtifact(t *testing.T) {
	h := newBotHarness(t, nil)
	messenger := h.bot.messenger
	ctx := context.Background()

	if _, ok := messenger.LastPosted(); ok {
		t.Fatal("fresh messenger reports a live artifact")
	}

	first, err := messenger.PostImage(ctx, encodePNG(t, 8, 8), "Puzzle Quest")
	if err != nil {
		t.Fatalf("PostImage: %v", err)
	}
	live, ok := messenger.LastPosted()
	if !ok || live != first {
		t.Fatalf("LastPosted = %v, %v; want %v", live, ok, first)
	}

	content := h.lastNotice()
	if content.MsgType != "m.image" {
		t.Errorf("msgtype = %q", content.MsgType)
	}
	if content.Body != "Puzzle Quest" {
		t.Errorf("body = %q", content.Body)
	}
	if !strings.HasPrefix(content.URL, "mxc://") {
		t.Errorf("url = %q", content.URL)
	}
	if content.Info == nil || content.Info.Width != 8 || content.Info.Height != 8 {
		t.Errorf("image info = %+v", content.Info)
	}

	second, err := messenger.PostImage(ctx, encodePNG(t, 4, 4), "Puzzle Quest")
	if err != nil {
		t.Fatalf("second PostImage: %v", err)
	}
	if live, _ := messenger.LastPosted(); live != second {
		t.Errorf("LastPosted = %v, want %v", live, second)
	}
}

func TestPostImageWithoutDecodableDimensions(t *testing.T) {
	h := newBotHarness(t, nil)

	// Dimension probing is best effort; opaque bytes still post.
	if _, err := h.bot.messenger.PostImage(context.Background(), []byte("not a png"), "caption"); err != nil {
		t.Fatalf("PostImage: %v", err)
	}
	content := h.lastNotice()
	if content.Info == nil || content.Info.Width != 0 || content.Info.Height != 0 {
		t.Errorf("image info = %+v, want zero dimensions", content.Info)
	}
}

func TestReactAndRedactDelegate(t *testing.T) {
	h := newBotHarness(t, nil)
	target := ref.MustParseEventID("$frame1:chat.example.org")
	ctx := context.Background()

	if err := h.bot.messenger.React(ctx, target, "⬆️"); err != nil {
		t.Fatalf("React: %v", err)
	}
	if h.reactionCount() != 1 {
		t.Errorf("reactions = %d, want 1", h.reactionCount())
	}

	if err := h.bot.messenger.Redact(ctx, target, "superseded"); err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if h.redactionCount() != 1 {
		t.Errorf("redactions = %d, want 1", h.redactionCount())
	}
}
