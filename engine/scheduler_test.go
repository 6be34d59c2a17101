// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crowdplay-project/crowdplay/emulation"
	"github.com/crowdplay-project/crowdplay/lib/ref"
	"github.com/crowdplay-project/crowdplay/lib/testutil"
	"github.com/crowdplay-project/crowdplay/savestate"
)

func (h *sessionHarness) submit(user string, button emulation.Button) bool {
	return h.session.Submit(InputEvent{
		User:      ref.MustParseUserID(user),
		Button:    button,
		Timestamp: h.clock.Now(),
	})
}

func TestSpeedMultipliesStepsPerTick(t *testing.T) {
	h := newSessionHarness(t, func(h *sessionHarness, cfg *Config) {
		cfg.BaseSteps = 1
	})
	h.start()

	if err := h.session.SetSpeed(4); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	h.tick()

	machine := h.loader.machine(t, 0)
	if steps := machine.stepTotal(); steps != 4 {
		t.Errorf("steps in one tick = %d, want 4", steps)
	}
	frames := h.pub.frameList()
	if len(frames) != 1 {
		t.Fatalf("publishes = %d, want 1", len(frames))
	}
	if frames[0].caption != "Puzzle Quest  x4" {
		t.Errorf("caption = %q", frames[0].caption)
	}
}

func TestInputsApplyPressHoldRelease(t *testing.T) {
	h := newSessionHarness(t, func(h *sessionHarness, cfg *Config) {
		cfg.BaseSteps = 10
		cfg.HoldSteps = 2
	})
	h.start()

	h.submit("@alice:chat.example.org", emulation.ButtonUp)
	h.submit("@bob:chat.example.org", emulation.ButtonA)
	h.tick()

	want := []string{
		"press:up", "step:2", "release:up",
		"press:a", "step:2", "release:a",
		"step:6",
	}
	got := h.loader.machine(t, 0).opList()
	if len(got) != len(want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("op[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	frames := h.pub.frameList()
	if len(frames) != 1 || frames[0].applied != 2 {
		t.Errorf("frames = %+v, want one publish with 2 applied", frames)
	}
}

func TestStepBudgetFloorsHoldAtOneStep(t *testing.T) {
	h := newSessionHarness(t, func(h *sessionHarness, cfg *Config) {
		cfg.BaseSteps = 1
		cfg.HoldSteps = 5
	})
	h.start()

	h.submit("@alice:chat.example.org", emulation.ButtonUp)
	h.submit("@bob:chat.example.org", emulation.ButtonA)
	h.tick()

	// The first hold is clipped to the budget; the second input still
	// latches for one step rather than being dropped.
	want := []string{
		"press:up", "step:1", "release:up",
		"press:a", "step:1", "release:a",
	}
	got := h.loader.machine(t, 0).opList()
	if len(got) != len(want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("op[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDrainBoundedPerTick(t *testing.T) {
	h := newSessionHarness(t, func(h *sessionHarness, cfg *Config) {
		cfg.BaseSteps = 100
		cfg.HoldSteps = 1
		cfg.DrainMax = 5
	})
	h.start()

	for i := 0; i < 8; i++ {
		if !h.submit("@alice:chat.example.org", emulation.ButtonRight) {
			t.Fatal("Submit rejected below capacity")
		}
	}

	h.tick()
	machine := h.loader.machine(t, 0)
	if presses := machine.pressCount(); presses != 5 {
		t.Errorf("presses after first tick = %d, want 5", presses)
	}
	if depth := h.session.Status().QueueDepth; depth != 3 {
		t.Errorf("queue depth after first tick = %d, want 3", depth)
	}

	h.tick()
	if presses := machine.pressCount(); presses != 8 {
		t.Errorf("presses after second tick = %d, want 8", presses)
	}
}

func TestPausedTicksIdle(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.start()

	if err := h.session.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h.expectTransition(StateRunning, StatePaused)

	h.submit("@alice:chat.example.org", emulation.ButtonB)
	h.clock.Advance(h.cadence)
	testutil.RequireNoReceive(t, h.pub.framePublished, 50*time.Millisecond,
		"paused tick must not publish")
	if steps := h.loader.machine(t, 0).stepTotal(); steps != 0 {
		t.Errorf("paused tick stepped the machine %d times", steps)
	}

	if err := h.session.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.expectTransition(StatePaused, StateRunning)

	// The input queued while paused applies on the first live tick.
	h.tick()
	frames := h.pub.frameList()
	if len(frames) != 1 || frames[0].applied != 1 {
		t.Errorf("frames after resume = %+v, want one publish with 1 applied", frames)
	}
}

func TestPublishFailureKeepsSessionRunning(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.start()

	h.pub.setFrameErr(errors.New("homeserver said no"))
	h.tick()
	if state := h.session.Status().State; state != StateRunning {
		t.Fatalf("state after failed publish = %s, want running", state)
	}

	h.pub.setFrameErr(nil)
	h.tick()

	if err := h.session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.expectTransition(StateRunning, StateStopped)

	status := h.session.Status()
	if status.Ticks != 2 {
		t.Errorf("ticks = %d, want 2", status.Ticks)
	}
	if status.Published != 1 {
		t.Errorf("published = %d, want 1 (first attempt failed)", status.Published)
	}
}

func TestResetSwapsMachine(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.start()
	first := h.loader.machine(t, 0)

	if err := h.session.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.loader.count() != 2 {
		t.Fatalf("loader invoked %d times, want 2", h.loader.count())
	}
	if first.disposeCount() != 1 {
		t.Errorf("old machine disposed %d times, want 1", first.disposeCount())
	}
	if state := h.session.Status().State; state != StateRunning {
		t.Errorf("state after reset = %s, want running", state)
	}

	h.tick()
	if steps := h.loader.machine(t, 1).stepTotal(); steps == 0 {
		t.Error("ticks after reset did not reach the fresh machine")
	}
	if steps := first.stepTotal(); steps != 0 {
		t.Errorf("old machine stepped %d times after reset", steps)
	}
}

func TestResetLoadFailureKeepsOldMachine(t *testing.T) {
	h := newSessionHarness(t, nil)
	h.start()
	h.loader.setErr(errors.New("cartridge unplugged"))

	err := h.session.Reset(context.Background())
	if !IsLoadError(err) {
		t.Fatalf("Reset error = %v, want LoadError", err)
	}
	if state := h.session.Status().State; state != StateRunning {
		t.Errorf("state after failed reset = %s, want running", state)
	}

	h.loader.setErr(nil)
	h.tick()
	if steps := h.loader.machine(t, 0).stepTotal(); steps == 0 {
		t.Error("old machine no longer ticking after failed reset")
	}
}

func TestSnapshotSaveLoadRoundTrip(t *testing.T) {
	h := newSessionHarness(t, func(h *sessionHarness, cfg *Config) {
		cfg.Saves = testSaveStore(t, h.clock)
		cfg.Cadence = time.Hour
	})
	h.start()
	ctx := context.Background()
	machine := h.loader.machine(t, 0)

	machine.setSaveBlob([]byte("progress-at-level-3"))
	snapshot, err := h.session.SaveSnapshot(ctx, "level3")
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if snapshot.Name != "level3" || snapshot.Cartridge != "puzzle_quest.gb" {
		t.Errorf("snapshot = %+v", snapshot)
	}

	snapshots, err := h.session.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("snapshot count = %d, want 1", len(snapshots))
	}

	// Loading writes an autosave of the pre-load state first.
	machine.setSaveBlob([]byte("progress-now"))
	if err := h.session.LoadSnapshot(ctx, "level3"); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	loaded := machine.loadedBlobs()
	if len(loaded) != 1 || string(loaded[0]) != "progress-at-level-3" {
		t.Errorf("machine restored %q", loaded)
	}
	autosave, _, err := h.saves.Load("puzzle_quest.gb", savestate.AutosaveName)
	if err != nil {
		t.Fatalf("autosave missing after load: %v", err)
	}
	if string(autosave) != "progress-now" {
		t.Errorf("autosave payload = %q, want pre-load state", autosave)
	}

	if err := h.session.LoadSnapshot(ctx, "never-saved"); !errors.Is(err, savestate.ErrNotFound) {
		t.Errorf("LoadSnapshot(missing) = %v, want ErrNotFound", err)
	}
}

func TestStopWritesAutosave(t *testing.T) {
	h := newSessionHarness(t, func(h *sessionHarness, cfg *Config) {
		cfg.Saves = testSaveStore(t, h.clock)
		cfg.Cadence = time.Hour
	})
	h.start()
	h.loader.machine(t, 0).setSaveBlob([]byte("endgame"))

	if err := h.session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.expectTransition(StateRunning, StateStopped)

	payload, snapshot, err := h.saves.Load("puzzle_quest.gb", savestate.AutosaveName)
	if err != nil {
		t.Fatalf("autosave missing after stop: %v", err)
	}
	if string(payload) != "endgame" {
		t.Errorf("autosave payload = %q, want %q", payload, "endgame")
	}
	if snapshot.Name != savestate.AutosaveName {
		t.Errorf("snapshot name = %q", snapshot.Name)
	}
}

func TestCrashRecoversWarmFromSnapshot(t *testing.T) {
	h := newSessionHarness(t, func(h *sessionHarness, cfg *Config) {
		cfg.Saves = testSaveStore(t, h.clock)
	})
	h.start()
	machine := h.loader.machine(t, 0)

	machine.setSaveBlob([]byte("checkpoint-state"))
	if _, err := h.session.SaveSnapshot(context.Background(), "checkpoint"); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	machine.setStepErr(emulation.Faultf("step", "bus error at 0x%04X", 0xFF40))
	h.clock.Advance(h.cadence)

	cause := h.expectTransition(StateRunning, StateCrashed)
	if !emulation.IsFault(cause) {
		t.Errorf("crash cause = %v, want a core fault", cause)
	}
	if card := testutil.RequireReceive(t, h.pub.cardPublished, time.Second); card != "Session crashed" {
		t.Errorf("card = %q", card)
	}

	// First attempt needs no backoff: recovery completes without
	// advancing the clock.
	h.expectTransition(StateCrashed, StateRunning)

	fresh := h.loader.machine(t, 1)
	restored := fresh.loadedBlobs()
	if len(restored) != 1 || string(restored[0]) != "checkpoint-state" {
		t.Errorf("recovery restored %q, want checkpoint", restored)
	}

	status := h.session.Status()
	if status.Crashes != 1 || status.Recoveries != 1 {
		t.Errorf("crashes/recoveries = %d/%d, want 1/1", status.Crashes, status.Recoveries)
	}

	h.tick()
	if steps := fresh.stepTotal(); steps == 0 {
		t.Error("recovered machine is not ticking")
	}
}

func TestCrashRecoversColdWithoutSnapshot(t *testing.T) {
	h := newSessionHarness(t, func(h *sessionHarness, cfg *Config) {
		cfg.Saves = testSaveStore(t, h.clock)
	})
	h.start()

	h.loader.machine(t, 0).setStepErr(emulation.Faultf("step", "stack smashed"))
	h.clock.Advance(h.cadence)

	h.expectTransition(StateRunning, StateCrashed)
	testutil.RequireReceive(t, h.pub.cardPublished, time.Second)
	h.expectTransition(StateCrashed, StateRunning)

	if restored := h.loader.machine(t, 1).loadedBlobs(); len(restored) != 0 {
		t.Errorf("cold restart restored %q, want nothing", restored)
	}
}

func TestRecoveryBudgetExhaustedStopsSession(t *testing.T) {
	h := newSessionHarness(t, func(h *sessionHarness, cfg *Config) {
		cfg.RecoveryAttempts = 2
		cfg.RecoveryBackoff = time.Second
	})
	h.start()
	machine := h.loader.machine(t, 0)

	machine.setStepErr(emulation.Faultf("step", "irrecoverable"))
	h.loader.setErr(errors.New("rom gone"))
	h.clock.Advance(h.cadence)

	h.expectTransition(StateRunning, StateCrashed)
	if card := testutil.RequireReceive(t, h.pub.cardPublished, time.Second); card != "Session crashed" {
		t.Errorf("card = %q", card)
	}

	// Attempt 1 fails immediately; attempt 2 waits out the backoff.
	h.clock.WaitForTimers(2)
	h.clock.Advance(time.Second)

	cause := h.expectTransition(StateCrashed, StateStopped)
	if !errors.Is(cause, ErrRetryBudgetExhausted) {
		t.Errorf("give-up cause = %v, want ErrRetryBudgetExhausted", cause)
	}
	if card := testutil.RequireReceive(t, h.pub.cardPublished, time.Second); card != "Session stopped" {
		t.Errorf("card = %q", card)
	}

	status := h.session.Status()
	if status.State != StateStopped {
		t.Errorf("state = %s, want stopped", status.State)
	}
	if status.Crashes != 1 || status.Recoveries != 0 {
		t.Errorf("crashes/recoveries = %d/%d, want 1/0", status.Crashes, status.Recoveries)
	}
	if machine.disposeCount() != 1 {
		t.Errorf("crashed machine disposed %d times, want 1", machine.disposeCount())
	}

	if err := h.session.Stop(); err != nil {
		t.Fatalf("Stop after give-up: %v", err)
	}
}

func TestStopDuringRecoveryBackoff(t *testing.T) {
	h := newSessionHarness(t, func(h *sessionHarness, cfg *Config) {
		cfg.RecoveryAttempts = 3
		cfg.RecoveryBackoff = time.Hour
	})
	h.start()

	h.loader.machine(t, 0).setStepErr(emulation.Faultf("step", "wedged"))
	h.loader.setErr(errors.New("rom gone"))
	h.clock.Advance(h.cadence)

	h.expectTransition(StateRunning, StateCrashed)
	testutil.RequireReceive(t, h.pub.cardPublished, time.Second)

	// The scheduler is parked in the recovery backoff. Stop must cut
	// through without waiting out the hour.
	h.clock.WaitForTimers(2)
	if err := h.session.Stop(); err != nil {
		t.Fatalf("Stop during recovery: %v", err)
	}
	h.expectTransition(StateCrashed, StateStopped)
	if state := h.session.Status().State; state != StateStopped {
		t.Errorf("state = %s, want stopped", state)
	}
}
