// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdplay-project/crowdplay/emulation"
	"github.com/crowdplay-project/crowdplay/lib/clock"
	"github.com/crowdplay-project/crowdplay/savestate"
)

// State is the session lifecycle state.
type State uint8

const (
	// StateIdle is the initial state: no machine loaded.
	StateIdle State = iota

	// StateRunning means the scheduler is stepping the machine and
	// publishing frames.
	StateRunning

	// StatePaused keeps the machine loaded but steps and publishes
	// nothing. The scheduler keeps ticking to observe Resume.
	StatePaused

	// StateStopped means the machine has been released. A new Start
	// is allowed.
	StateStopped

	// StateCrashed means a machine fault was caught and recovery is
	// in progress.
	StateCrashed
)

var stateNames = [...]string{"idle", "running", "paused", "stopped", "crashed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Active reports whether a machine is loaded in this state.
func (s State) Active() bool {
	return s == StateRunning || s == StatePaused || s == StateCrashed
}

// Config configures a Session.
type Config struct {
	// Loader constructs machines from cartridge paths. Required.
	Loader emulation.Loader

	// Publisher receives captured frames and status cards. Required.
	Publisher FramePublisher

	// Saves persists snapshots. Optional: without it the snapshot
	// operations fail and crash recovery always cold restarts.
	Saves *savestate.Store

	// Cadence is the interval between scheduler iterations.
	// Default 2s.
	Cadence time.Duration

	// BaseSteps is the number of machine steps per iteration at
	// speed 1. Default 120.
	BaseSteps int

	// HoldSteps is how many steps a pressed button stays held.
	// Default 6.
	HoldSteps int

	// SpeedMax caps SetSpeed. Must lie in 1..10; zero means 10.
	SpeedMax int

	// QueueCapacity bounds the input queue. Default 64.
	QueueCapacity int

	// DrainMax bounds the inputs consumed per iteration. Default 16.
	DrainMax int

	// RecoveryAttempts is the crash retry budget. Default 3.
	RecoveryAttempts int

	// RecoveryBackoff is the delay before the second recovery
	// attempt, doubling per attempt. Default 2s.
	RecoveryBackoff time.Duration

	// StateHook, when set, observes every state transition. cause is
	// non-nil for fault-driven transitions (crash, recovery give-up).
	// Invoked synchronously under the session lock: implementations
	// must not call back into the Session and should hand long work
	// to another goroutine.
	StateHook func(from, to State, cause error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to clock.Real().
	Clock clock.Clock
}

// Session owns one game at a time: the state machine, the loaded
// emulation.Machine, the input queue, and the scheduler goroutine.
// All transitions are serialized by one mutex; the machine itself is
// only ever touched by the scheduler goroutine (or, for startup,
// autosave, and release, while the scheduler is provably not
// running).
type Session struct {
	loader           emulation.Loader
	publisher        FramePublisher
	saves            *savestate.Store
	cadence          time.Duration
	baseSteps        int
	holdSteps        int
	speedMax         int
	drainMax         int
	recoveryAttempts int
	recoveryBackoff  time.Duration
	stateHook        func(from, to State, cause error)
	logger           *slog.Logger
	clock            clock.Clock

	queue *InputQueue

	mu            sync.Mutex
	state         State
	machine       emulation.Machine
	cartridge     Cartridge
	runID         string
	speed         int
	startedAt     time.Time
	counters      counters
	stopRequested bool
	stopCh        chan struct{}
	loopDone      chan struct{}
	requests      chan *request
}

// counters are per-run tallies, reset on every Start.
type counters struct {
	ticks      int64
	applied    int64
	published  int64
	crashes    int
	recoveries int
}

// Status is a point-in-time snapshot of the session for the stats
// surface.
type Status struct {
	State         State
	Cartridge     Cartridge
	RunID         string
	Speed         int
	Uptime        time.Duration
	QueueDepth    int
	Ticks         int64
	InputsApplied int64
	Published     int64
	Crashes       int
	Recoveries    int
}

// NewSession validates cfg and returns an idle Session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Loader == nil {
		return nil, errors.New("engine: config needs a Loader")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("engine: config needs a Publisher")
	}
	if cfg.SpeedMax == 0 {
		cfg.SpeedMax = 10
	}
	if cfg.SpeedMax < 1 || cfg.SpeedMax > 10 {
		return nil, fmt.Errorf("engine: SpeedMax %d outside 1..10", cfg.SpeedMax)
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = 2 * time.Second
	}
	if cfg.BaseSteps <= 0 {
		cfg.BaseSteps = 120
	}
	if cfg.HoldSteps <= 0 {
		cfg.HoldSteps = 6
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.DrainMax <= 0 {
		cfg.DrainMax = 16
	}
	if cfg.RecoveryAttempts <= 0 {
		cfg.RecoveryAttempts = 3
	}
	if cfg.RecoveryBackoff <= 0 {
		cfg.RecoveryBackoff = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	return &Session{
		loader:           cfg.Loader,
		publisher:        cfg.Publisher,
		saves:            cfg.Saves,
		cadence:          cfg.Cadence,
		baseSteps:        cfg.BaseSteps,
		holdSteps:        cfg.HoldSteps,
		speedMax:         cfg.SpeedMax,
		drainMax:         cfg.DrainMax,
		recoveryAttempts: cfg.RecoveryAttempts,
		recoveryBackoff:  cfg.RecoveryBackoff,
		stateHook:        cfg.StateHook,
		logger:           cfg.Logger,
		clock:            cfg.Clock,
		queue:            NewInputQueue(cfg.QueueCapacity),
		state:            StateIdle,
		speed:            1,
	}, nil
}

// Start loads the cartridge and begins the scheduler. Valid from idle
// or stopped. A load failure returns a *LoadError and leaves the
// state unchanged.
func (s *Session) Start(cart Cartridge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StateStopped:
	default:
		return &StateError{Op: "start", State: s.state}
	}

	machine, err := s.loader.Load(cart.Path)
	if err != nil {
		return &LoadError{Cartridge: cart.Path, Err: err}
	}

	s.machine = machine
	s.cartridge = cart
	s.runID = uuid.NewString()
	s.speed = 1
	s.startedAt = s.clock.Now()
	s.counters = counters{}
	s.stopRequested = false
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.requests = make(chan *request, 8)

	go s.run(s.stopCh, s.loopDone, s.requests)

	s.transitionLocked(StateRunning, nil)
	s.logger.Info("session started",
		"run_id", s.runID,
		"cartridge", cart.Name,
		"title", cart.Title)
	return nil
}

// Stop halts the scheduler, writes an autosave, and releases the
// machine. Idempotent: stopping an already-stopped (or never-started)
// session is a no-op beyond recording the state. Returns after the
// current iteration, if any, has completed.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateIdle:
		s.transitionLocked(StateStopped, nil)
		s.mu.Unlock()
		return nil
	}
	if !s.stopRequested {
		s.stopRequested = true
		close(s.stopCh)
	}
	loopDone := s.loopDone
	s.mu.Unlock()

	<-loopDone

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		// The scheduler degraded to stopped on its own, or a
		// concurrent Stop finished first.
		return nil
	}
	s.writeAutosaveLocked()
	s.releaseMachineLocked()
	s.transitionLocked(StateStopped, nil)
	s.logger.Info("session stopped", "cartridge", s.cartridge.Name)
	return nil
}

// Pause suspends stepping and publishing. Valid while running.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return &StateError{Op: "pause", State: s.state}
	}
	s.transitionLocked(StatePaused, nil)
	return nil
}

// Resume continues a paused session.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return &StateError{Op: "resume", State: s.state}
	}
	s.transitionLocked(StateRunning, nil)
	return nil
}

// SetSpeed sets the step multiplier for subsequent iterations. Speed
// scales how far the game advances per iteration, never how often
// frames publish.
func (s *Session) SetSpeed(speed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if speed < 1 || speed > s.speedMax {
		return fmt.Errorf("%w: speed %d outside 1..%d", ErrInvalidInput, speed, s.speedMax)
	}
	switch s.state {
	case StateRunning, StatePaused:
	default:
		return &StateError{Op: "set speed", State: s.state}
	}
	s.speed = speed
	return nil
}

// Submit offers an admitted input to the queue. Never blocks; false
// means the queue was full and the event was dropped.
func (s *Session) Submit(event InputEvent) bool {
	return s.queue.Enqueue(event)
}

// Reset reinitializes the machine from its cartridge, discarding all
// progress. Valid while running or paused. The old machine keeps
// running if the reload fails.
func (s *Session) Reset(ctx context.Context) error {
	result, err := s.forward(ctx, "reset", &request{kind: reqReset})
	if err != nil {
		return err
	}
	return result.err
}

// SaveSnapshot captures the machine state under the given name,
// replacing any previous snapshot with that name.
func (s *Session) SaveSnapshot(ctx context.Context, name string) (savestate.Snapshot, error) {
	if s.saves == nil {
		return savestate.Snapshot{}, errors.New("engine: snapshot storage not configured")
	}
	result, err := s.forward(ctx, "save state", &request{kind: reqSave, name: name})
	if err != nil {
		return savestate.Snapshot{}, err
	}
	return result.snapshot, result.err
}

// LoadSnapshot restores the named snapshot into the running machine.
// An autosave of the current state is written first, so a bad load
// has a floor to recover to.
func (s *Session) LoadSnapshot(ctx context.Context, name string) error {
	if s.saves == nil {
		return errors.New("engine: snapshot storage not configured")
	}
	result, err := s.forward(ctx, "load state", &request{kind: reqLoad, name: name})
	if err != nil {
		return err
	}
	return result.err
}

// Snapshots lists the stored snapshots for the running cartridge,
// newest first.
func (s *Session) Snapshots() ([]savestate.Snapshot, error) {
	if s.saves == nil {
		return nil, errors.New("engine: snapshot storage not configured")
	}
	s.mu.Lock()
	if !s.state.Active() {
		state := s.state
		s.mu.Unlock()
		return nil, &StateError{Op: "list snapshots", State: state}
	}
	cartridge := s.cartridge.Name
	s.mu.Unlock()
	return s.saves.List(cartridge)
}

// Status returns a snapshot of the session for the stats surface.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		State:         s.state,
		Speed:         s.speed,
		QueueDepth:    s.queue.Len(),
		Ticks:         s.counters.ticks,
		InputsApplied: s.counters.applied,
		Published:     s.counters.published,
		Crashes:       s.counters.crashes,
		Recoveries:    s.counters.recoveries,
	}
	if s.state.Active() {
		status.Cartridge = s.cartridge
		status.RunID = s.runID
		status.Uptime = s.clock.Since(s.startedAt)
	}
	return status
}

// transitionLocked commits a state change and notifies the hook.
// Must be called with mu held.
func (s *Session) transitionLocked(to State, cause error) {
	from := s.state
	s.state = to
	if s.stateHook != nil {
		s.stateHook(from, to, cause)
	}
}

// writeAutosaveLocked captures the machine state into the autosave
// slot, best effort. Must be called with mu held and the scheduler
// not running.
func (s *Session) writeAutosaveLocked() {
	if s.saves == nil || s.machine == nil {
		return
	}
	payload, err := s.machine.SaveState()
	if err != nil {
		s.logger.Warn("autosave capture failed", "cartridge", s.cartridge.Name, "error", err)
		return
	}
	if _, err := s.saves.Save(s.cartridge.Name, savestate.AutosaveName, payload); err != nil {
		s.logger.Warn("autosave write failed", "cartridge", s.cartridge.Name, "error", err)
	}
}

// releaseMachineLocked disposes the machine exactly once. Must be
// called with mu held and the scheduler not running.
func (s *Session) releaseMachineLocked() {
	if s.machine == nil {
		return
	}
	if err := s.machine.Dispose(); err != nil {
		s.logger.Warn("machine dispose failed", "error", err)
	}
	s.machine = nil
}
