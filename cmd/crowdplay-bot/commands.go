// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/crowdplay-project/crowdplay/engine"
	"github.com/crowdplay-project/crowdplay/lib/ref"
	"github.com/crowdplay-project/crowdplay/messaging"
	"github.com/crowdplay-project/crowdplay/savestate"
)

// adminCommands require the sender to be on the admin list.
var adminCommands = map[string]bool{
	"start":     true,
	"stop":      true,
	"speed":     true,
	"reset":     true,
	"savestate": true,
	"loadstate": true,
}

// parseCommand splits "!play speed 4" into ("speed", ["4"]). The
// bare prefix maps to help. ok is false for messages that do not
// start with the prefix.
func parseCommand(prefix, body string) (command string, args []string, ok bool) {
	fields := strings.Fields(body)
	if len(fields) == 0 || !strings.EqualFold(fields[0], prefix) {
		return "", nil, false
	}
	if len(fields) == 1 {
		return "help", nil, true
	}
	return strings.ToLower(fields[1]), fields[2:], true
}

func (b *bot) dispatch(ctx context.Context, sender ref.UserID, command string, args []string) {
	if adminCommands[command] {
		if !b.admins[sender] {
			b.logger.Info("admin command refused",
				"sender", sender.String(),
				"command", command)
			b.notice(ctx, fmt.Sprintf("%s is an admin command.", command))
			return
		}
		b.logger.Info("admin command",
			"sender", sender.String(),
			"command", command,
			"args", strings.Join(args, " "))
	}

	switch command {
	case "start":
		b.notice(ctx, b.cmdStart(args))
	case "stop":
		b.notice(ctx, b.cmdStop())
	case "speed":
		b.notice(ctx, b.cmdSpeed(args))
	case "reset":
		b.notice(ctx, b.cmdReset(ctx))
	case "savestate":
		b.notice(ctx, b.cmdSaveState(ctx, args))
	case "loadstate":
		b.notice(ctx, b.cmdLoadState(ctx, args))
	case "games":
		b.markdownNotice(ctx, b.cmdGames())
	case "stats":
		b.markdownNotice(ctx, b.cmdStats(ctx))
	case "help":
		b.markdownNotice(ctx, b.cmdHelp())
	default:
		b.notice(ctx, fmt.Sprintf("Unknown command %q. Try %s help.", command, b.prefix))
	}
}

func (b *bot) cmdStart(args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: %s start <game>. See %s games for the shelf.", b.prefix, b.prefix)
	}
	entry, err := b.library.Resolve(args[0])
	if err != nil {
		b.logger.Warn("cartridge resolve failed", "reference", args[0], "error", err)
		return fmt.Sprintf("No cartridge matches %q. Try %s games.", args[0], b.prefix)
	}
	// Starting over a live session replaces it; the outgoing game
	// gets its autosave on the way out.
	if b.session.Status().State.Active() {
		if err := b.session.Stop(); err != nil {
			b.logger.Error("stopping session for restart", "error", err)
			return fmt.Sprintf("Could not stop the current game: %v", err)
		}
	}
	if err := b.session.Start(cartridgeFor(entry)); err != nil {
		b.logger.Error("session start failed", "cartridge", entry.File, "error", err)
		if engine.IsLoadError(err) {
			return fmt.Sprintf("%s failed to load.", entry.Title)
		}
		return fmt.Sprintf("Start failed: %v", err)
	}
	return fmt.Sprintf("Now playing %s.", entry.Title)
}

func (b *bot) cmdStop() string {
	status := b.session.Status()
	if !status.State.Active() {
		return "No game is running."
	}
	if err := b.session.Stop(); err != nil {
		b.logger.Error("session stop failed", "error", err)
		return fmt.Sprintf("Stop failed: %v", err)
	}
	return fmt.Sprintf("%s stopped. Progress is autosaved.", status.Cartridge.Title)
}

func (b *bot) cmdSpeed(args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: %s speed <1..%d>.", b.prefix, b.speedMax)
	}
	value, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("Speed must be a number from 1 to %d.", b.speedMax)
	}
	if err := b.session.SetSpeed(value); err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidInput):
			return fmt.Sprintf("Speed must be a number from 1 to %d.", b.speedMax)
		case engine.IsStateError(err):
			return "No game is running."
		default:
			b.logger.Error("speed change failed", "error", err)
			return fmt.Sprintf("Speed change failed: %v", err)
		}
	}
	return fmt.Sprintf("Speed set to x%d.", value)
}

func (b *bot) cmdReset(ctx context.Context) string {
	status := b.session.Status()
	if err := b.session.Reset(ctx); err != nil {
		if engine.IsStateError(err) {
			return "No game is running."
		}
		b.logger.Error("reset failed", "error", err)
		if engine.IsLoadError(err) {
			return fmt.Sprintf("%s failed to reload; the current session keeps running.", status.Cartridge.Title)
		}
		return fmt.Sprintf("Reset failed: %v", err)
	}
	return fmt.Sprintf("%s rebooted.", status.Cartridge.Title)
}

func (b *bot) cmdSaveState(ctx context.Context, args []string) string {
	if len(args) > 1 {
		return fmt.Sprintf("Usage: %s savestate [name].", b.prefix)
	}
	var name string
	if len(args) == 1 {
		name = args[0]
	} else {
		name = defaultSnapshotName(b.session.Status().Cartridge.Name, b.clock.Now())
	}
	snapshot, err := b.session.SaveSnapshot(ctx, name)
	if err != nil {
		if engine.IsStateError(err) {
			return "No game is running."
		}
		b.logger.Error("snapshot save failed", "name", name, "error", err)
		return fmt.Sprintf("Save failed: %v", err)
	}
	return fmt.Sprintf("Saved %s.", snapshot.Name)
}

func (b *bot) cmdLoadState(ctx context.Context, args []string) string {
	if len(args) > 1 {
		return fmt.Sprintf("Usage: %s loadstate [name].", b.prefix)
	}
	if len(args) == 0 {
		snapshots, err := b.session.Snapshots()
		if err != nil {
			if engine.IsStateError(err) {
				return "No game is running."
			}
			b.logger.Error("listing snapshots failed", "error", err)
			return fmt.Sprintf("Listing saves failed: %v", err)
		}
		if len(snapshots) == 0 {
			return "No save states found for this game."
		}
		names := make([]string, 0, len(snapshots))
		for _, snapshot := range snapshots {
			names = append(names, snapshot.Name)
		}
		return fmt.Sprintf("Available saves: %s.", strings.Join(names, ", "))
	}
	name := args[0]
	if err := b.session.LoadSnapshot(ctx, name); err != nil {
		switch {
		case engine.IsStateError(err):
			return "No game is running."
		case errors.Is(err, savestate.ErrNotFound):
			return fmt.Sprintf("No save named %q for this game.", name)
		default:
			b.logger.Error("snapshot load failed", "name", name, "error", err)
			return fmt.Sprintf("Load failed: %v", err)
		}
	}
	return fmt.Sprintf("Loaded %s.", name)
}

func (b *bot) cmdGames() string {
	entries, err := b.library.List()
	if err != nil {
		b.logger.Error("listing library", "error", err)
		return "The game shelf is unreadable right now."
	}
	if len(entries) == 0 {
		return "No cartridges installed."
	}
	var sb strings.Builder
	sb.WriteString("**Installed games**\n\n")
	for _, entry := range entries {
		fmt.Fprintf(&sb, "- %s (`%s`)\n", entry.Title, entry.File)
	}
	fmt.Fprintf(&sb, "\nStart one with `%s start <game>`.\n", b.prefix)
	return sb.String()
}

func (b *bot) cmdStats(ctx context.Context) string {
	status := b.session.Status()
	var sb strings.Builder
	sb.WriteString("**Session**\n\n")
	if status.State.Active() {
		fmt.Fprintf(&sb, "- Game: %s\n", status.Cartridge.Title)
		fmt.Fprintf(&sb, "- State: %s\n", status.State)
		fmt.Fprintf(&sb, "- Uptime: %s\n", formatUptime(status.Uptime))
		fmt.Fprintf(&sb, "- Speed: x%d\n", status.Speed)
		fmt.Fprintf(&sb, "- Queue depth: %d\n", status.QueueDepth)
	} else {
		fmt.Fprintf(&sb, "- State: %s\n", status.State)
	}
	fmt.Fprintf(&sb, "- Inputs applied: %d\n", status.InputsApplied)
	fmt.Fprintf(&sb, "- Frames published: %d\n", status.Published)
	if status.State.Active() {
		if snapshots, err := b.session.Snapshots(); err == nil && len(snapshots) > 0 {
			names := make([]string, 0, len(snapshots))
			for _, snapshot := range snapshots {
				names = append(names, snapshot.Name)
			}
			fmt.Fprintf(&sb, "- Saves: %s\n", strings.Join(names, ", "))
		}
	}

	totals, err := b.recorder.Totals(ctx)
	if err != nil {
		b.logger.Warn("reading stats totals", "error", err)
		sb.WriteString("\nAll-time counters are unavailable right now.")
		return sb.String()
	}
	sb.WriteString("\n**All time**\n\n")
	fmt.Fprintf(&sb, "- Inputs: %d from %d players\n", totals.Inputs, totals.Participants)
	if name, count, ok := topButton(totals.ByButton); ok {
		fmt.Fprintf(&sb, "- Favorite button: %s (%d presses)\n", name, count)
	}
	var dropped int64
	for _, n := range totals.Dropped {
		dropped += n
	}
	fmt.Fprintf(&sb, "- Dropped votes: %d\n", dropped)
	fmt.Fprintf(&sb, "- Sessions started: %d\n", totals.SessionsStarted)
	fmt.Fprintf(&sb, "- Crashes: %d (recovered %d)\n", totals.Crashes, totals.Recoveries)
	return sb.String()
}

func (b *bot) cmdHelp() string {
	var sb strings.Builder
	sb.WriteString("**How to play**\n\n")
	sb.WriteString("React to the latest game frame with a control emoji. Every reaction casts one vote; votes are applied in arrival order.\n\n")
	sb.WriteString("**Controls**\n\n")
	sb.WriteString("- ⬆️ ⬇️ ⬅️ ➡️ d-pad\n")
	sb.WriteString("- 🅰️ 🅱️ A and B\n")
	sb.WriteString("- ▶️ Start\n")
	sb.WriteString("- ⏸️ Select\n\n")
	sb.WriteString("**Commands**\n\n")
	fmt.Fprintf(&sb, "- `%s games` list installed cartridges\n", b.prefix)
	fmt.Fprintf(&sb, "- `%s stats` session and all-time numbers\n", b.prefix)
	fmt.Fprintf(&sb, "- `%s help` this message\n\n", b.prefix)
	sb.WriteString("**Admin commands**\n\n")
	fmt.Fprintf(&sb, "- `%s start <game>` boot a cartridge\n", b.prefix)
	fmt.Fprintf(&sb, "- `%s stop` stop and autosave\n", b.prefix)
	fmt.Fprintf(&sb, "- `%s speed <1..%d>` set the emulation speed\n", b.prefix, b.speedMax)
	fmt.Fprintf(&sb, "- `%s reset` reboot the current cartridge\n", b.prefix)
	fmt.Fprintf(&sb, "- `%s savestate [name]` snapshot progress\n", b.prefix)
	fmt.Fprintf(&sb, "- `%s loadstate [name]` restore a snapshot, or list saves\n", b.prefix)
	return sb.String()
}

func (b *bot) notice(ctx context.Context, text string) {
	if _, err := b.matrix.SendMessage(ctx, b.roomID, messaging.NewNotice(text)); err != nil {
		b.logger.Warn("sending notice", "error", err)
	}
}

// markdownNotice renders markdown into the formatted body, keeping
// the raw markdown as the plain-text fallback.
func (b *bot) markdownNotice(ctx context.Context, markdown string) {
	html, err := renderMarkdown(markdown)
	if err != nil {
		b.logger.Warn("rendering markdown", "error", err)
		b.notice(ctx, markdown)
		return
	}
	if _, err := b.matrix.SendMessage(ctx, b.roomID, messaging.NewHTMLNotice(markdown, html)); err != nil {
		b.logger.Warn("sending notice", "error", err)
	}
}

// markdownRenderer is shared across calls; goldmark parsers are safe
// for concurrent use.
var markdownRenderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

func renderMarkdown(source string) (string, error) {
	var buf bytes.Buffer
	if err := markdownRenderer.Convert([]byte(source), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// formatUptime renders a duration as "2h 34m 12s".
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	return fmt.Sprintf("%dh %dm %ds", total/3600, (total%3600)/60, total%60)
}

// defaultSnapshotName names an unnamed save after the cartridge and
// the moment it was taken, e.g. "puzzle_quest-1755950400".
func defaultSnapshotName(cartridge string, now time.Time) string {
	stem := strings.TrimSuffix(cartridge, filepath.Ext(cartridge))
	return fmt.Sprintf("%s-%d", stem, now.Unix())
}

// topButton picks the most pressed button, breaking ties by name.
func topButton(counts map[string]int64) (string, int64, bool) {
	var name string
	var count int64
	for button, presses := range counts {
		if presses > count || (presses == count && name != "" && button < name) {
			name, count = button, presses
		}
	}
	return name, count, name != ""
}
