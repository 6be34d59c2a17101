// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/crowdplay-project/crowdplay/emulation"
	"github.com/crowdplay-project/crowdplay/engine"
	"github.com/crowdplay-project/crowdplay/lib/clock"
	"github.com/crowdplay-project/crowdplay/lib/ref"
	"github.com/crowdplay-project/crowdplay/library"
	"github.com/crowdplay-project/crowdplay/messaging"
	"github.com/crowdplay-project/crowdplay/stats"
)

// bot wires a Matrix room to the orchestration engine: reactions on
// the live frame become inputs, prefixed messages become commands.
type bot struct {
	matrix    *messaging.BotSession
	roomID    ref.RoomID
	messenger *roomMessenger
	session   *engine.Session
	limiter   *engine.RateLimiter
	library   *library.Library
	recorder  *stats.Recorder

	// votePace spaces out vote-reaction redactions so intake bursts
	// do not trip the homeserver's rate limits.
	votePace *rate.Limiter

	prefix      string
	admins      map[ref.UserID]bool
	autostart   string
	speedMax    int
	maxEventAge time.Duration

	logger *slog.Logger
	clock  clock.Clock
}

// botConfig assembles a bot's collaborators.
type botConfig struct {
	Matrix    *messaging.BotSession
	RoomID    ref.RoomID
	Messenger *roomMessenger
	Session   *engine.Session
	Limiter   *engine.RateLimiter
	Library   *library.Library
	Recorder  *stats.Recorder

	// Prefix is the command sentinel, e.g. "!play".
	Prefix string

	// Admins may run session-control commands.
	Admins map[ref.UserID]bool

	// Autostart names a cartridge to boot on startup. Empty disables.
	Autostart string

	// SpeedMax bounds the speed command, matching the session's own
	// limit.
	SpeedMax int

	// MaxEventAge drops votes older than this at intake. Zero accepts
	// any age.
	MaxEventAge time.Duration

	// RedactInterval spaces vote-reaction cleanup. Zero means no
	// pacing.
	RedactInterval time.Duration

	// Logger defaults to slog.Default. Clock defaults to the wall
	// clock.
	Logger *slog.Logger
	Clock  clock.Clock
}

func newBot(cfg botConfig) (*bot, error) {
	if cfg.Matrix == nil {
		return nil, errors.New("bot config needs a Matrix session")
	}
	if cfg.Messenger == nil {
		return nil, errors.New("bot config needs a Messenger")
	}
	if cfg.Session == nil {
		return nil, errors.New("bot config needs a Session")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("bot config needs a Limiter")
	}
	if cfg.Library == nil {
		return nil, errors.New("bot config needs a Library")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("bot config needs a Recorder")
	}
	if cfg.Prefix == "" {
		return nil, errors.New("bot config needs a command Prefix")
	}
	if cfg.SpeedMax <= 0 {
		return nil, fmt.Errorf("bot config SpeedMax %d must be positive", cfg.SpeedMax)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	votePace := rate.NewLimiter(rate.Inf, 1)
	if cfg.RedactInterval > 0 {
		votePace = rate.NewLimiter(rate.Every(cfg.RedactInterval), 1)
	}
	return &bot{
		matrix:      cfg.Matrix,
		roomID:      cfg.RoomID,
		messenger:   cfg.Messenger,
		session:     cfg.Session,
		limiter:     cfg.Limiter,
		library:     cfg.Library,
		recorder:    cfg.Recorder,
		votePace:    votePace,
		prefix:      cfg.Prefix,
		admins:      cfg.Admins,
		autostart:   cfg.Autostart,
		speedMax:    cfg.SpeedMax,
		maxEventAge: cfg.MaxEventAge,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
	}, nil
}

// Run opens the room stream and dispatches events until ctx is
// canceled. The stream anchors at the current sync position, so
// backlog from before this process started is never replayed.
func (b *bot) Run(ctx context.Context) error {
	stream, err := messaging.OpenRoomStream(ctx, b.matrix, b.roomID, &messaging.StreamFilter{
		TimelineTypes: []string{"m.room.message", "m.reaction"},
		TimelineLimit: 64,
	})
	if err != nil {
		return fmt.Errorf("opening room stream: %w", err)
	}

	b.startConfigured()

	for {
		events, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("room stream: %w", err)
		}
		for _, event := range events {
			b.handleEvent(ctx, event)
		}
	}
}

// startConfigured boots the autostart cartridge, if one is set.
func (b *bot) startConfigured() {
	if b.autostart == "" {
		return
	}
	entry, err := b.library.Resolve(b.autostart)
	if err != nil {
		b.logger.Error("autostart cartridge unavailable", "reference", b.autostart, "error", err)
		return
	}
	if err := b.session.Start(cartridgeFor(entry)); err != nil {
		b.logger.Error("autostart failed", "cartridge", entry.File, "error", err)
		return
	}
	b.logger.Info("autostarted cartridge", "cartridge", entry.File, "title", entry.Title)
}

func (b *bot) handleEvent(ctx context.Context, event messaging.Event) {
	// The sync stream echoes the bot's own frames and affordance
	// reactions back to it.
	if event.Sender == b.matrix.UserID() {
		return
	}
	switch event.Type {
	case "m.reaction":
		b.handleVote(ctx, event)
	case "m.room.message":
		b.handleMessage(ctx, event)
	}
}

// handleVote runs the intake pipeline for one reaction: filter, rate
// limit, enqueue. Rejections consume no queue capacity and, past the
// parse stage, are counted and the reaction retired so voters see it
// was seen.
func (b *bot) handleVote(ctx context.Context, event messaging.Event) {
	key, target, ok := event.ReactionKey()
	if !ok {
		return
	}
	if b.session.Status().State != engine.StateRunning {
		return
	}
	if b.maxEventAge > 0 {
		age := b.clock.Since(time.UnixMilli(event.OriginServerTS))
		if age > b.maxEventAge {
			b.logger.Debug("stale vote ignored",
				"sender", event.Sender.String(),
				"age", age)
			return
		}
	}
	live, posted := b.messenger.LastPosted()
	if !posted || target != live {
		b.logger.Debug("vote on retired artifact ignored",
			"sender", event.Sender.String(),
			"target", target.String())
		return
	}

	button, ok := emulation.ButtonFromSymbol(key)
	if !ok {
		b.countDrop(ctx, stats.DropInvalid)
		b.retireVote(ctx, event.EventID)
		return
	}
	now := b.clock.Now()
	if !b.limiter.Admit(event.Sender, now) {
		b.countDrop(ctx, stats.DropRateLimited)
		b.retireVote(ctx, event.EventID)
		return
	}
	if !b.session.Submit(engine.InputEvent{User: event.Sender, Button: button, Timestamp: now}) {
		b.countDrop(ctx, stats.DropQueueFull)
		b.retireVote(ctx, event.EventID)
		return
	}
	if err := b.recorder.RecordInput(ctx, event.Sender, button.String()); err != nil {
		b.logger.Warn("input counter update failed", "error", err)
	}
	b.retireVote(ctx, event.EventID)
}

// retireVote redacts a processed vote so the affordance reaction
// underneath stays clickable. Best effort: a leftover vote is
// cosmetic.
func (b *bot) retireVote(ctx context.Context, vote ref.EventID) {
	go func() {
		if err := b.votePace.Wait(ctx); err != nil {
			return
		}
		if _, err := b.matrix.RedactEvent(ctx, b.roomID, vote, "vote counted"); err != nil {
			b.logger.Debug("vote redaction failed",
				"event_id", vote.String(),
				"error", err)
		}
	}()
}

func (b *bot) countDrop(ctx context.Context, reason stats.DropReason) {
	if err := b.recorder.RecordDrop(ctx, reason); err != nil {
		b.logger.Warn("drop counter update failed", "reason", string(reason), "error", err)
	}
}

func (b *bot) handleMessage(ctx context.Context, event messaging.Event) {
	body, ok := event.MessageBody()
	if !ok {
		return
	}
	command, args, ok := parseCommand(b.prefix, body)
	if !ok {
		return
	}
	b.dispatch(ctx, event.Sender, command, args)
}

func cartridgeFor(entry library.Entry) engine.Cartridge {
	return engine.Cartridge{Path: entry.Path, Name: entry.File, Title: entry.Title}
}

// sessionEventHook mirrors lifecycle transitions into the durable
// counters. Recording happens on a fresh goroutine because the hook
// runs under the session lock.
func sessionEventHook(recorder *stats.Recorder, logger *slog.Logger) func(from, to engine.State, cause error) {
	return func(from, to engine.State, cause error) {
		var event stats.SessionEvent
		switch {
		case to == engine.StateCrashed:
			event = stats.EventCrash
		case from == engine.StateCrashed && to == engine.StateRunning:
			event = stats.EventRecovery
		case to == engine.StateRunning && (from == engine.StateIdle || from == engine.StateStopped):
			event = stats.EventSessionStarted
		default:
			return
		}
		go func() {
			if err := recorder.RecordSessionEvent(context.Background(), event); err != nil {
				logger.Warn("session counter update failed",
					"event", string(event),
					"error", err)
			}
		}()
	}
}
