// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/crowdplay-project/crowdplay/emulation"
	"github.com/crowdplay-project/crowdplay/lib/clock"
	"github.com/crowdplay-project/crowdplay/lib/ref"
	"github.com/crowdplay-project/crowdplay/messaging"
	"github.com/zeebo/blake3"
)

// Messenger is the messaging surface the publisher needs: post an
// image, react to it, redact it. The bot wires a room-bound Matrix
// session behind this; tests wire a recorder.
type Messenger interface {
	// PostImage uploads and posts an encoded image, returning the
	// posted event's ID.
	PostImage(ctx context.Context, image []byte, caption string) (ref.EventID, error)

	// React attaches a reaction with the given key to target.
	React(ctx context.Context, target ref.EventID, key string) error

	// Redact removes target from the room's visible timeline.
	Redact(ctx context.Context, target ref.EventID, reason string) error
}

// Renderer encodes frames and status cards for posting.
// render.Renderer satisfies it.
type Renderer interface {
	RenderFrame(frame *emulation.Frame, caption string) ([]byte, error)
	RenderNotice(title string, lines ...string) ([]byte, error)
}

// FramePublisher is what the scheduler needs from the publish side.
// *Publisher is the production implementation.
type FramePublisher interface {
	// PublishFrame posts a captured frame. applied is the number of
	// inputs consumed this iteration, used by unchanged-frame
	// detection.
	PublishFrame(ctx context.Context, frame *emulation.Frame, caption string, applied int) error

	// PublishCard posts a status card (crash, recovery, shutdown) in
	// place of a frame.
	PublishCard(ctx context.Context, title string, lines ...string) error
}

// retireReason is the redaction reason attached when an old artifact
// is replaced by a newer one.
const retireReason = "superseded by newer frame"

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Messenger posts to the room. Required.
	Messenger Messenger

	// Renderer encodes frames. Required.
	Renderer Renderer

	// RetryAttempts bounds total post attempts per publish when the
	// failure is transient. Default 3.
	RetryAttempts int

	// RetryBackoff is the delay before the second attempt, doubling
	// per attempt. A server-advised retry delay overrides it when
	// longer. Default 1s.
	RetryBackoff time.Duration

	// SkipUnchanged suppresses a publish when the frame's pixels are
	// identical to the previous publish and no inputs were applied.
	SkipUnchanged bool

	// ReactionInterval paces reaction and redaction traffic. Zero or
	// negative disables pacing.
	ReactionInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to clock.Real().
	Clock clock.Clock
}

// Publisher implements the post-new-then-retire-old artifact
// lifecycle. Once the first post succeeds there is always at least
// one live artifact: a new frame is posted (with bounded retries on
// transient failures) before the previous one is redacted, and any
// failure along the way leaves the previous artifact in place.
//
// Not safe for concurrent use. The scheduler goroutine is the only
// caller while a session runs.
type Publisher struct {
	messenger Messenger
	renderer  Renderer
	attempts  int
	backoff   time.Duration
	skipSame  bool
	pace      *rate.Limiter
	logger    *slog.Logger
	clock     clock.Clock

	live       ref.EventID
	haveLive   bool
	lastDigest [32]byte
	haveDigest bool
}

var _ FramePublisher = (*Publisher)(nil)

// NewPublisher validates cfg and returns a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Messenger == nil {
		return nil, errors.New("engine: publisher config needs a Messenger")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("engine: publisher config needs a Renderer")
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	// Burst sized to one affordance set, so a fresh artifact gets all
	// its buttons promptly while sustained traffic stays paced.
	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.ReactionInterval > 0 {
		pace = rate.NewLimiter(rate.Every(cfg.ReactionInterval), len(emulation.Buttons()))
	}

	return &Publisher{
		messenger: cfg.Messenger,
		renderer:  cfg.Renderer,
		attempts:  cfg.RetryAttempts,
		backoff:   cfg.RetryBackoff,
		skipSame:  cfg.SkipUnchanged,
		pace:      pace,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
	}, nil
}

// Live returns the current live artifact's event ID, if any.
func (p *Publisher) Live() (ref.EventID, bool) {
	return p.live, p.haveLive
}

// PublishFrame renders and posts frame, attaches the button
// affordances, and retires the previous artifact. On failure the
// previous artifact stays live and the error describes why this
// iteration published nothing.
func (p *Publisher) PublishFrame(ctx context.Context, frame *emulation.Frame, caption string, applied int) error {
	var digest [32]byte
	if p.skipSame {
		digest = blake3.Sum256(frame.Pixels)
		if p.haveDigest && applied == 0 && digest == p.lastDigest {
			p.logger.Debug("frame unchanged, keeping previous artifact")
			return nil
		}
	}

	image, err := p.renderer.RenderFrame(frame, caption)
	if err != nil {
		return fmt.Errorf("engine: render frame: %w", err)
	}

	eventID, err := p.post(ctx, image, caption)
	if err != nil {
		return err
	}

	previous, hadPrevious := p.live, p.haveLive
	p.live, p.haveLive = eventID, true
	if p.skipSame {
		p.lastDigest, p.haveDigest = digest, true
	}

	p.attachAffordances(ctx, eventID)
	if hadPrevious {
		p.retire(ctx, previous)
	}
	return nil
}

// PublishCard posts a status card. Cards replace the live artifact
// like frames do but carry no affordances, and the next frame always
// posts even if its pixels match the last published frame.
func (p *Publisher) PublishCard(ctx context.Context, title string, lines ...string) error {
	image, err := p.renderer.RenderNotice(title, lines...)
	if err != nil {
		return fmt.Errorf("engine: render card: %w", err)
	}

	eventID, err := p.post(ctx, image, title)
	if err != nil {
		return err
	}

	previous, hadPrevious := p.live, p.haveLive
	p.live, p.haveLive = eventID, true
	p.haveDigest = false

	if hadPrevious {
		p.retire(ctx, previous)
	}
	return nil
}

// post sends the image, retrying transient failures with doubling
// backoff up to the attempt budget. The server's advised retry delay
// is honored when it exceeds the local backoff.
func (p *Publisher) post(ctx context.Context, image []byte, caption string) (ref.EventID, error) {
	backoff := p.backoff
	for attempt := 1; ; attempt++ {
		eventID, err := p.messenger.PostImage(ctx, image, caption)
		if err == nil {
			return eventID, nil
		}
		if !messaging.IsTransient(err) {
			return ref.EventID{}, fmt.Errorf("engine: post artifact: %w", err)
		}
		if attempt >= p.attempts {
			return ref.EventID{}, fmt.Errorf("engine: post artifact after %d attempts: %w", attempt, err)
		}

		delay := backoff
		var matrixErr *messaging.MatrixError
		if errors.As(err, &matrixErr) && matrixErr.RetryDelay() > delay {
			delay = matrixErr.RetryDelay()
		}
		p.logger.Warn("artifact post failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ref.EventID{}, ctx.Err()
		case <-p.clock.After(delay):
		}
		backoff *= 2
	}
}

// attachAffordances reacts to target with every button symbol, in
// button order. Individual failures are logged and skipped; a button
// without its affordance can still be voted by a hand-typed reaction.
func (p *Publisher) attachAffordances(ctx context.Context, target ref.EventID) {
	for _, button := range emulation.Buttons() {
		if err := p.pace.Wait(ctx); err != nil {
			return
		}
		if err := p.messenger.React(ctx, target, button.Symbol()); err != nil {
			p.logger.Warn("affordance attach failed",
				"button", button.String(), "event_id", target.String(), "error", err)
		}
	}
}

// retire redacts the previous artifact, best effort. The new artifact
// is already live, so failure here is cosmetic: an extra frame
// lingers in the timeline.
func (p *Publisher) retire(ctx context.Context, previous ref.EventID) {
	if err := p.pace.Wait(ctx); err != nil {
		return
	}
	if err := p.messenger.Redact(ctx, previous, retireReason); err != nil {
		p.logger.Debug("retire of previous artifact failed",
			"event_id", previous.String(), "error", err)
	}
}
