// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// crowdplay-bot runs one crowd-controlled Game Boy session in a
// Matrix room. It publishes a frame of the running game every couple
// of seconds, collects the room's reaction votes into a rate-limited
// input queue, and feeds them to the emulator between frames.
//
// Configuration comes from a YAML file (--config or the
// CROWDPLAY_CONFIG environment variable); the access token comes from
// the environment, optionally via a local .env file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/crowdplay-project/crowdplay/config"
	"github.com/crowdplay-project/crowdplay/emulation/demo"
	"github.com/crowdplay-project/crowdplay/engine"
	"github.com/crowdplay-project/crowdplay/lib/ref"
	"github.com/crowdplay-project/crowdplay/lib/version"
	"github.com/crowdplay-project/crowdplay/library"
	"github.com/crowdplay-project/crowdplay/messaging"
	"github.com/crowdplay-project/crowdplay/render"
	"github.com/crowdplay-project/crowdplay/savestate"
	"github.com/crowdplay-project/crowdplay/stats"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("crowdplay-bot", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to crowdplay.yaml (default: $CROWDPLAY_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing so it works without a
	// config file.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("crowdplay-bot %s\n", version.Info())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	// A local .env supplies CROWDPLAY_ACCESS_TOKEN and friends during
	// development. Absence is the normal production case.
	_ = godotenv.Load()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	token, err := cfg.AccessToken()
	if err != nil {
		return err
	}
	userID, err := ref.ParseUserID(cfg.UserID)
	if err != nil {
		return fmt.Errorf("config user_id: %w", err)
	}
	matrix := client.SessionFromToken(userID, token)

	actual, err := matrix.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("verifying access token: %w", err)
	}
	if actual != userID {
		return fmt.Errorf("access token belongs to %s, config names %s", actual, userID)
	}

	roomID, err := resolveRoom(ctx, matrix, cfg.Room)
	if err != nil {
		return err
	}
	if _, err := matrix.JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("joining %s: %w", roomID, err)
	}

	shelf, err := library.Open(cfg.Library.Dir, cfg.Library.Manifest)
	if err != nil {
		return err
	}
	compression, err := savestate.ParseCompressionTag(cfg.Saves.Compression)
	if err != nil {
		return err
	}
	saves, err := savestate.New(savestate.Config{
		Dir:         cfg.Saves.Dir,
		Compression: compression,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	recorder, err := stats.Open(stats.Config{
		Path:   cfg.Stats.Path,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn("closing stats recorder", "error", err)
		}
	}()

	messenger := newRoomMessenger(matrix, roomID)
	publisher, err := engine.NewPublisher(engine.PublisherConfig{
		Messenger:        messenger,
		Renderer:         render.New(render.DefaultScale),
		RetryAttempts:    cfg.Publish.RetryAttempts,
		RetryBackoff:     cfg.Publish.RetryBackoff.Std(),
		SkipUnchanged:    cfg.Publish.SkipUnchanged,
		ReactionInterval: cfg.Publish.ReactionInterval.Std(),
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	session, err := engine.NewSession(engine.Config{
		Loader:           demo.Loader(),
		Publisher:        publisher,
		Saves:            saves,
		Cadence:          cfg.Session.Cadence.Std(),
		BaseSteps:        cfg.Session.BaseSteps,
		HoldSteps:        cfg.Session.HoldSteps,
		SpeedMax:         cfg.Session.SpeedMax,
		QueueCapacity:    cfg.Intake.QueueCapacity,
		DrainMax:         cfg.Intake.DrainMax,
		RecoveryAttempts: cfg.Recovery.Attempts,
		RecoveryBackoff:  cfg.Recovery.Backoff.Std(),
		StateHook:        sessionEventHook(recorder, logger),
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	app, err := newBot(botConfig{
		Matrix:         matrix,
		RoomID:         roomID,
		Messenger:      messenger,
		Session:        session,
		Limiter:        engine.NewRateLimiter(cfg.Intake.WindowLimit, cfg.Intake.Window.Std(), cfg.Intake.MinSpacing.Std()),
		Library:        shelf,
		Recorder:       recorder,
		Prefix:         cfg.CommandPrefix,
		Admins:         cfg.AdminSet(),
		Autostart:      cfg.Session.Autostart,
		SpeedMax:       cfg.Session.SpeedMax,
		MaxEventAge:    cfg.Intake.MaxEventAge.Std(),
		RedactInterval: cfg.Publish.ReactionInterval.Std(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	logger.Info("crowdplay bot running",
		"version", version.Info(),
		"user_id", userID.String(),
		"room_id", roomID.String(),
		"library", cfg.Library.Dir)

	runErr := app.Run(ctx)

	// The deferred signal stop does not cover this: the session must
	// autosave and release the machine before the process exits.
	if err := session.Stop(); err != nil {
		logger.Warn("stopping session on shutdown", "error", err)
	}
	return runErr
}

// resolveRoom accepts either a room alias or a literal room ID.
func resolveRoom(ctx context.Context, matrix *messaging.BotSession, room string) (ref.RoomID, error) {
	if alias, err := ref.ParseRoomAlias(room); err == nil {
		roomID, err := matrix.ResolveAlias(ctx, alias)
		if err != nil {
			return ref.RoomID{}, fmt.Errorf("resolving %s: %w", room, err)
		}
		return roomID, nil
	}
	roomID, err := ref.ParseRoomID(room)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("config room %q is neither an alias nor a room ID: %w", room, err)
	}
	return roomID, nil
}

func slogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `crowdplay-bot runs crowd-controlled Game Boy sessions over Matrix.

The bot joins one room, publishes frames of the running game, and
turns reaction votes on the latest frame into emulator inputs.

Usage:
  crowdplay-bot [flags]

Examples:
  # Run with an explicit config file
  crowdplay-bot --config /etc/crowdplay/crowdplay.yaml

  # Run with the config named by $CROWDPLAY_CONFIG, verbose logging
  crowdplay-bot --log-level debug

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
