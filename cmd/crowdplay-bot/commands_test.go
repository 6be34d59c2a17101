// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crowdplay-project/crowdplay/emulation"
	"github.com/crowdplay-project/crowdplay/emulation/demo"
	"github.com/crowdplay-project/crowdplay/engine"
	"github.com/crowdplay-project/crowdplay/lib/clock"
	"github.com/crowdplay-project/crowdplay/lib/ref"
	"github.com/crowdplay-project/crowdplay/library"
	"github.com/crowdplay-project/crowdplay/messaging"
	"github.com/crowdplay-project/crowdplay/savestate"
	"github.com/crowdplay-project/crowdplay/stats"
)

var (
	botUser    = ref.MustParseUserID("@crowdplay:chat.example.org")
	adminUser  = ref.MustParseUserID("@admin:chat.example.org")
	playerUser = ref.MustParseUserID("@alice:chat.example.org")
	testRoom   = ref.MustParseRoomID("!play:chat.example.org")
)

// stubPublisher swallows frames so command tests never touch the
// image pipeline.
type stubPublisher struct {
	mu       sync.Mutex
	captions []string
}

func (p *stubPublisher) PublishFrame(_ context.Context, _ *emulation.Frame, caption string, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captions = append(p.captions, caption)
	return nil
}

func (p *stubPublisher) PublishCard(context.Context, string, ...string) error { return nil }

// botHarness runs a bot over real collaborators (demo machines, temp
// cartridge shelf, in-memory stats) against a mock homeserver that
// records room traffic.
type botHarness struct {
	t        *testing.T
	bot      *bot
	session  *engine.Session
	recorder *stats.Recorder
	clock    *clock.FakeClock

	seq        atomic.Int64
	mu         sync.Mutex
	notices    []messaging.MessageContent
	reactions  int
	redactions int
}

func (h *botHarness) serveMatrix(writer http.ResponseWriter, request *http.Request) {
	path := request.URL.Path
	switch {
	case strings.Contains(path, "/send/m.room.message/"):
		var content messaging.MessageContent
		if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
			h.t.Errorf("decoding message body: %v", err)
		}
		h.mu.Lock()
		h.notices = append(h.notices, content)
		h.mu.Unlock()
	case strings.Contains(path, "/send/m.reaction/"):
		h.mu.Lock()
		h.reactions++
		h.mu.Unlock()
	case strings.Contains(path, "/redact/"):
		h.mu.Lock()
		h.redactions++
		h.mu.Unlock()
	case path == "/_matrix/media/v3/upload":
		writeJSON(writer, map[string]string{
			"content_uri": fmt.Sprintf("mxc://chat.example.org/media%d", h.seq.Add(1)),
		})
		return
	default:
		h.t.Errorf("unexpected request: %s %s", request.Method, path)
		http.NotFound(writer, request)
		return
	}
	writeJSON(writer, map[string]string{
		"event_id": fmt.Sprintf("$event%d:chat.example.org", h.seq.Add(1)),
	})
}

func writeJSON(writer http.ResponseWriter, v any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(v)
}

// newBotHarness builds the bot. mutate may adjust both configs before
// construction; the session config's Session field is filled in
// afterwards.
func newBotHarness(t *testing.T, mutate func(*engine.Config, *botConfig)) *botHarness {
	t.Helper()

	h := &botHarness{
		t:     t,
		clock: clock.Fake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)),
	}

	server := httptest.NewServer(http.HandlerFunc(h.serveMatrix))
	t.Cleanup(server.Close)
	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	matrix := client.SessionFromToken(botUser, "test-token")

	romDir := t.TempDir()
	for _, rom := range []string{"puzzle_quest.gb", "cave_story.gbc"} {
		if err := os.WriteFile(filepath.Join(romDir, rom), []byte("cartridge image"), 0o644); err != nil {
			t.Fatalf("writing cartridge: %v", err)
		}
	}
	shelf, err := library.Open(romDir, "")
	if err != nil {
		t.Fatalf("library.Open: %v", err)
	}
	saves, err := savestate.New(savestate.Config{Dir: t.TempDir(), Clock: h.clock})
	if err != nil {
		t.Fatalf("savestate.New: %v", err)
	}
	recorder, err := stats.Open(stats.Config{Path: ":memory:", Clock: h.clock})
	if err != nil {
		t.Fatalf("stats.Open: %v", err)
	}
	t.Cleanup(func() { _ = recorder.Close() })
	h.recorder = recorder

	sessionCfg := engine.Config{
		Loader:    demo.Loader(),
		Publisher: &stubPublisher{},
		Saves:     saves,
		Cadence:   time.Hour,
		SpeedMax:  10,
		Clock:     h.clock,
	}
	botCfg := botConfig{
		Matrix:      matrix,
		RoomID:      testRoom,
		Messenger:   newRoomMessenger(matrix, testRoom),
		Limiter:     engine.NewRateLimiter(10, time.Minute, 0),
		Library:     shelf,
		Recorder:    recorder,
		Prefix:      "!play",
		Admins:      map[ref.UserID]bool{adminUser: true},
		SpeedMax:    10,
		MaxEventAge: 5 * time.Minute,
		Clock:       h.clock,
	}
	if mutate != nil {
		mutate(&sessionCfg, &botCfg)
	}

	session, err := engine.NewSession(sessionCfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = session.Stop() })
	h.session = session
	botCfg.Session = session

	b, err := newBot(botCfg)
	if err != nil {
		t.Fatalf("newBot: %v", err)
	}
	h.bot = b
	return h
}

func (h *botHarness) dispatch(sender ref.UserID, command string, args ...string) {
	h.t.Helper()
	h.bot.dispatch(context.Background(), sender, command, args)
}

func (h *botHarness) startGame(reference string) {
	h.t.Helper()
	h.dispatch(adminUser, "start", reference)
	if body := h.lastNotice().Body; !strings.HasPrefix(body, "Now playing") {
		h.t.Fatalf("start reply = %q", body)
	}
}

func (h *botHarness) lastNotice() messaging.MessageContent {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notices) == 0 {
		h.t.Fatal("no notice was sent")
	}
	return h.notices[len(h.notices)-1]
}

func (h *botHarness) noticeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notices)
}

func (h *botHarness) reactionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reactions
}

func (h *botHarness) redactionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.redactions
}

// setLive marks an event as the current artifact, standing in for a
// publisher post.
func (h *botHarness) setLive(id ref.EventID) {
	h.bot.messenger.mu.Lock()
	h.bot.messenger.lastPosted = id
	h.bot.messenger.havePosted = true
	h.bot.messenger.mu.Unlock()
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		body    string
		command string
		args    []string
		ok      bool
	}{
		{"!play start tetris", "start", []string{"tetris"}, true},
		{"!play speed 4", "speed", []string{"4"}, true},
		{"  !play   stats  ", "stats", nil, true},
		{"!PLAY Help", "help", nil, true},
		{"!play", "help", nil, true},
		{"!played games", "", nil, false},
		{"good game", "", nil, false},
		{"", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			command, args, ok := parseCommand("!play", tt.body)
			if ok != tt.ok || command != tt.command {
				t.Fatalf("parseCommand(%q) = %q, %v; want %q, %v", tt.body, command, ok, tt.command, tt.ok)
			}
			if len(args) != len(tt.args) {
				t.Fatalf("args = %v, want %v", args, tt.args)
			}
			for i := range args {
				if args[i] != tt.args[i] {
					t.Fatalf("args = %v, want %v", args, tt.args)
				}
			}
		})
	}
}

func TestAdminCommandsGated(t *testing.T) {
	h := newBotHarness(t, nil)

	h.dispatch(playerUser, "stop")
	if body := h.lastNotice().Body; body != "stop is an admin command." {
		t.Errorf("gate reply = %q", body)
	}

	// Public commands work for everyone.
	h.dispatch(playerUser, "stats")
	if body := h.lastNotice().Body; !strings.Contains(body, "**Session**") {
		t.Errorf("stats reply = %q", body)
	}
}

func TestStartCommand(t *testing.T) {
	h := newBotHarness(t, nil)

	h.dispatch(adminUser, "start", "puzzle_quest")
	if body := h.lastNotice().Body; body != "Now playing Puzzle Quest." {
		t.Errorf("reply = %q", body)
	}
	status := h.session.Status()
	if status.State != engine.StateRunning {
		t.Errorf("state = %s, want running", status.State)
	}
	if status.Cartridge.Name != "puzzle_quest.gb" {
		t.Errorf("cartridge = %q", status.Cartridge.Name)
	}
}

func TestStartCommandUsageAndUnknown(t *testing.T) {
	h := newBotHarness(t, nil)

	h.dispatch(adminUser, "start")
	if body := h.lastNotice().Body; !strings.HasPrefix(body, "Usage: !play start") {
		t.Errorf("usage reply = %q", body)
	}

	h.dispatch(adminUser, "start", "zelda")
	if body := h.lastNotice().Body; !strings.Contains(body, `No cartridge matches "zelda"`) {
		t.Errorf("unknown reply = %q", body)
	}
	if state := h.session.Status().State; state != engine.StateIdle {
		t.Errorf("state = %s, want idle", state)
	}
}

func TestStartReplacesRunningGame(t *testing.T) {
	h := newBotHarness(t, nil)
	h.startGame("puzzle_quest")

	h.dispatch(adminUser, "start", "cave_story")
	if body := h.lastNotice().Body; body != "Now playing Cave Story." {
		t.Errorf("reply = %q", body)
	}
	if title := h.session.Status().Cartridge.Title; title != "Cave Story" {
		t.Errorf("cartridge title = %q", title)
	}
}

func TestStopCommand(t *testing.T) {
	h := newBotHarness(t, nil)

	h.dispatch(adminUser, "stop")
	if body := h.lastNotice().Body; body != "No game is running." {
		t.Errorf("idle reply = %q", body)
	}

	h.startGame("puzzle_quest")
	h.dispatch(adminUser, "stop")
	if body := h.lastNotice().Body; body != "Puzzle Quest stopped. Progress is autosaved." {
		t.Errorf("stop reply = %q", body)
	}
	if state := h.session.Status().State; state != engine.StateStopped {
		t.Errorf("state = %s, want stopped", state)
	}
}

func TestSpeedCommand(t *testing.T) {
	h := newBotHarness(t, nil)

	h.dispatch(adminUser, "speed", "4")
	if body := h.lastNotice().Body; body != "No game is running." {
		t.Errorf("idle reply = %q", body)
	}

	h.startGame("puzzle_quest")

	h.dispatch(adminUser, "speed", "4")
	if body := h.lastNotice().Body; body != "Speed set to x4." {
		t.Errorf("reply = %q", body)
	}
	if speed := h.session.Status().Speed; speed != 4 {
		t.Errorf("speed = %d, want 4", speed)
	}

	for _, arg := range []string{"0", "11", "fast"} {
		h.dispatch(adminUser, "speed", arg)
		if body := h.lastNotice().Body; body != "Speed must be a number from 1 to 10." {
			t.Errorf("speed %s reply = %q", arg, body)
		}
	}
	if speed := h.session.Status().Speed; speed != 4 {
		t.Errorf("rejected arguments changed speed to %d", speed)
	}

	h.dispatch(adminUser, "speed")
	if body := h.lastNotice().Body; !strings.HasPrefix(body, "Usage:") {
		t.Errorf("usage reply = %q", body)
	}
}

func TestResetCommand(t *testing.T) {
	h := newBotHarness(t, nil)

	h.dispatch(adminUser, "reset")
	if body := h.lastNotice().Body; body != "No game is running." {
		t.Errorf("idle reply = %q", body)
	}

	h.startGame("puzzle_quest")
	h.dispatch(adminUser, "reset")
	if body := h.lastNotice().Body; body != "Puzzle Quest rebooted." {
		t.Errorf("reset reply = %q", body)
	}
	if state := h.session.Status().State; state != engine.StateRunning {
		t.Errorf("state = %s, want running", state)
	}
}

func TestSaveAndLoadStateCommands(t *testing.T) {
	h := newBotHarness(t, nil)
	h.startGame("puzzle_quest")

	h.dispatch(adminUser, "loadstate")
	if body := h.lastNotice().Body; body != "No save states found for this game." {
		t.Errorf("empty list reply = %q", body)
	}

	h.dispatch(adminUser, "savestate", "level1")
	if body := h.lastNotice().Body; body != "Saved level1." {
		t.Errorf("save reply = %q", body)
	}

	h.dispatch(adminUser, "loadstate")
	if body := h.lastNotice().Body; !strings.Contains(body, "level1") {
		t.Errorf("list reply = %q", body)
	}

	h.dispatch(adminUser, "loadstate", "level1")
	if body := h.lastNotice().Body; body != "Loaded level1." {
		t.Errorf("load reply = %q", body)
	}

	h.dispatch(adminUser, "loadstate", "level9")
	if body := h.lastNotice().Body; body != `No save named "level9" for this game.` {
		t.Errorf("missing reply = %q", body)
	}
}

func TestSaveStateDefaultName(t *testing.T) {
	h := newBotHarness(t, nil)
	h.startGame("puzzle_quest")

	h.dispatch(adminUser, "savestate")
	body := h.lastNotice().Body
	want := fmt.Sprintf("Saved puzzle_quest-%d.", h.clock.Now().Unix())
	if body != want {
		t.Errorf("reply = %q, want %q", body, want)
	}
}

func TestSnapshotCommandsWhenIdle(t *testing.T) {
	h := newBotHarness(t, nil)

	h.dispatch(adminUser, "savestate", "level1")
	if body := h.lastNotice().Body; body != "No game is running." {
		t.Errorf("savestate reply = %q", body)
	}
	h.dispatch(adminUser, "loadstate", "level1")
	if body := h.lastNotice().Body; body != "No game is running." {
		t.Errorf("loadstate reply = %q", body)
	}
}

func TestGamesCommand(t *testing.T) {
	h := newBotHarness(t, nil)

	h.dispatch(playerUser, "games")
	notice := h.lastNotice()
	for _, want := range []string{
		"- Cave Story (`cave_story.gbc`)",
		"- Puzzle Quest (`puzzle_quest.gb`)",
	} {
		if !strings.Contains(notice.Body, want) {
			t.Errorf("games body missing %q:\n%s", want, notice.Body)
		}
	}
	if notice.Format != "org.matrix.custom.html" {
		t.Errorf("format = %q", notice.Format)
	}
	if !strings.Contains(notice.FormattedBody, "<li>") {
		t.Errorf("formatted body has no list:\n%s", notice.FormattedBody)
	}
}

func TestStatsCommand(t *testing.T) {
	h := newBotHarness(t, func(sessionCfg *engine.Config, _ *botConfig) {
		// Keep the scheduler quiet while the clock advances.
		sessionCfg.Cadence = 1000 * time.Hour
	})
	h.startGame("puzzle_quest")
	h.clock.Advance(2*time.Hour + 34*time.Minute + 12*time.Second)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := h.recorder.RecordInput(ctx, playerUser, "a"); err != nil {
			t.Fatalf("RecordInput: %v", err)
		}
	}
	if err := h.recorder.RecordDrop(ctx, stats.DropRateLimited); err != nil {
		t.Fatalf("RecordDrop: %v", err)
	}

	h.dispatch(playerUser, "stats")
	body := h.lastNotice().Body
	for _, want := range []string{
		"- Game: Puzzle Quest",
		"- State: running",
		"- Uptime: 2h 34m 12s",
		"- Speed: x1",
		"- Inputs: 2 from 1 players",
		"- Favorite button: a (2 presses)",
		"- Dropped votes: 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stats body missing %q:\n%s", want, body)
		}
	}
}

func TestStatsCommandListsSaves(t *testing.T) {
	h := newBotHarness(t, nil)
	h.startGame("puzzle_quest")
	h.dispatch(adminUser, "savestate", "level1")

	h.dispatch(playerUser, "stats")
	if body := h.lastNotice().Body; !strings.Contains(body, "- Saves: level1") {
		t.Errorf("stats body missing saves line:\n%s", body)
	}
}

func TestHelpCommand(t *testing.T) {
	h := newBotHarness(t, nil)

	h.dispatch(playerUser, "help")
	notice := h.lastNotice()
	for _, want := range []string{
		"`!play start <game>`",
		"`!play speed <1..10>`",
		"`!play games`",
		"⬆️",
	} {
		if !strings.Contains(notice.Body, want) {
			t.Errorf("help body missing %q", want)
		}
	}
	if !strings.Contains(notice.FormattedBody, "<strong>") {
		t.Errorf("formatted help has no bold sections:\n%s", notice.FormattedBody)
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newBotHarness(t, nil)

	h.dispatch(playerUser, "dance")
	if body := h.lastNotice().Body; body != `Unknown command "dance". Try !play help.` {
		t.Errorf("reply = %q", body)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0h 0m 0s"},
		{900 * time.Millisecond, "0h 0m 0s"},
		{2*time.Hour + 34*time.Minute + 12*time.Second, "2h 34m 12s"},
		{26 * time.Hour, "26h 0m 0s"},
		{-time.Minute, "0h 0m 0s"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestDefaultSnapshotName(t *testing.T) {
	now := time.Unix(1755950400, 0)
	if got := defaultSnapshotName("puzzle_quest.gb", now); got != "puzzle_quest-1755950400" {
		t.Errorf("defaultSnapshotName = %q", got)
	}
}

func TestTopButton(t *testing.T) {
	if _, _, ok := topButton(nil); ok {
		t.Error("topButton(nil) reported a button")
	}
	name, count, ok := topButton(map[string]int64{"a": 3, "b": 5, "up": 1})
	if !ok || name != "b" || count != 5 {
		t.Errorf("topButton = %q %d %v, want b 5 true", name, count, ok)
	}
	// Ties break toward the lexicographically smaller name.
	name, _, _ = topButton(map[string]int64{"b": 2, "a": 2})
	if name != "a" {
		t.Errorf("tie broke to %q, want a", name)
	}
}

func TestRenderMarkdown(t *testing.T) {
	html, err := renderMarkdown("**bold** and `code`")
	if err != nil {
		t.Fatalf("renderMarkdown: %v", err)
	}
	for _, want := range []string{"<strong>bold</strong>", "<code>code</code>"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q: %s", want, html)
		}
	}
}
