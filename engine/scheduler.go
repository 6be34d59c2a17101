// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/crowdplay-project/crowdplay/emulation"
	"github.com/crowdplay-project/crowdplay/savestate"
)

// requestKind selects a machine operation forwarded to the scheduler.
type requestKind uint8

const (
	reqReset requestKind = iota
	reqSave
	reqLoad
)

// request is a machine operation executed between iterations, with
// the caller waiting on reply.
type request struct {
	kind  requestKind
	name  string
	reply chan requestResult
}

type requestResult struct {
	snapshot savestate.Snapshot
	err      error
}

// forward hands a request to the scheduler and waits for its answer.
// op names the operation for state errors.
func (s *Session) forward(ctx context.Context, op string, req *request) (requestResult, error) {
	req.reply = make(chan requestResult, 1)

	s.mu.Lock()
	switch s.state {
	case StateRunning, StatePaused:
	default:
		state := s.state
		s.mu.Unlock()
		return requestResult{}, &StateError{Op: op, State: state}
	}
	loopDone := s.loopDone
	select {
	case s.requests <- req:
	default:
		s.mu.Unlock()
		return requestResult{}, fmt.Errorf("engine: %s rejected, scheduler is behind", op)
	}
	s.mu.Unlock()

	select {
	case result := <-req.reply:
		return result, nil
	case <-loopDone:
		return requestResult{}, ErrSessionClosed
	case <-ctx.Done():
		return requestResult{}, ctx.Err()
	}
}

// run is the scheduler goroutine: one iteration per cadence tick until
// the session stops or crash recovery gives up. The tick channel has
// capacity 1 and drops missed ticks, so an overrunning iteration
// starts the next one immediately without replaying a backlog.
func (s *Session) run(stopCh <-chan struct{}, loopDone chan struct{}, requests <-chan *request) {
	defer close(loopDone)

	ctx := context.Background()
	ticker := s.clock.NewTicker(s.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case req := <-requests:
			if fault := s.serveRequest(req); fault != nil {
				if !s.recoverFromCrash(ctx, stopCh, fault) {
					return
				}
			}
		case <-ticker.C:
			if fault := s.iterate(ctx); fault != nil {
				if !s.recoverFromCrash(ctx, stopCh, fault) {
					return
				}
			}
		}
	}
}

// iterate runs one scheduled iteration: drain inputs, step, capture,
// publish. A non-nil return is a machine fault and crashes the
// session; publish failures are contained here and never crash.
func (s *Session) iterate(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	machine := s.machine
	speed := s.speed
	cart := s.cartridge
	s.mu.Unlock()

	if state != StateRunning {
		return nil
	}

	budget := s.baseSteps * speed
	inputs := s.queue.Drain(s.drainMax)
	for _, event := range inputs {
		hold := s.holdSteps
		if hold > budget {
			hold = budget
		}
		if hold < 1 {
			// Budget exhausted by earlier holds. The press still
			// latches for one step so no admitted input is lost.
			hold = 1
		}
		if err := machine.Press(event.Button); err != nil {
			return err
		}
		if err := machine.Step(hold); err != nil {
			return err
		}
		if err := machine.Release(event.Button); err != nil {
			return err
		}
		budget -= hold
	}
	if budget > 0 {
		if err := machine.Step(budget); err != nil {
			return err
		}
	}

	frame, err := machine.CaptureFrame()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.counters.ticks++
	s.counters.applied += int64(len(inputs))
	s.mu.Unlock()

	caption := cart.Title
	if speed > 1 {
		caption = fmt.Sprintf("%s  x%d", caption, speed)
	}
	if err := s.publisher.PublishFrame(ctx, frame, caption, len(inputs)); err != nil {
		s.logger.Error("publish failed, previous frame stays live",
			"cartridge", cart.Name, "error", err)
		return nil
	}

	s.mu.Lock()
	s.counters.published++
	s.mu.Unlock()
	return nil
}

// serveRequest executes one forwarded machine operation. A non-nil
// return is a machine fault and crashes the session; operational
// failures (bad snapshot name, reload error) only reach the caller.
func (s *Session) serveRequest(req *request) error {
	switch req.kind {
	case reqReset:
		return s.serveReset(req)
	case reqSave:
		return s.serveSave(req)
	case reqLoad:
		return s.serveLoad(req)
	}
	req.reply <- requestResult{err: fmt.Errorf("engine: unknown request kind %d", req.kind)}
	return nil
}

func (s *Session) serveReset(req *request) error {
	s.mu.Lock()
	cart := s.cartridge
	s.mu.Unlock()

	fresh, err := s.loader.Load(cart.Path)
	if err != nil {
		req.reply <- requestResult{err: &LoadError{Cartridge: cart.Path, Err: err}}
		return nil
	}

	s.mu.Lock()
	old := s.machine
	s.machine = fresh
	s.mu.Unlock()

	if old != nil {
		if err := old.Dispose(); err != nil {
			s.logger.Warn("dispose of reset machine failed", "error", err)
		}
	}
	s.logger.Info("machine reset", "cartridge", cart.Name)
	req.reply <- requestResult{}
	return nil
}

func (s *Session) serveSave(req *request) error {
	s.mu.Lock()
	machine := s.machine
	cart := s.cartridge
	s.mu.Unlock()

	payload, err := machine.SaveState()
	if err != nil {
		req.reply <- requestResult{err: fmt.Errorf("engine: capture state: %w", err)}
		if emulation.IsFault(err) {
			return err
		}
		return nil
	}

	snapshot, err := s.saves.Save(cart.Name, req.name, payload)
	req.reply <- requestResult{snapshot: snapshot, err: err}
	return nil
}

func (s *Session) serveLoad(req *request) error {
	s.mu.Lock()
	machine := s.machine
	cart := s.cartridge
	s.mu.Unlock()

	// Autosave first: if the load goes wrong, recovery restores this
	// instead of losing the session's progress.
	if payload, err := machine.SaveState(); err != nil {
		s.logger.Warn("autosave before load failed", "cartridge", cart.Name, "error", err)
	} else if _, err := s.saves.Save(cart.Name, savestate.AutosaveName, payload); err != nil {
		s.logger.Warn("autosave write before load failed", "cartridge", cart.Name, "error", err)
	}

	payload, snapshot, err := s.saves.Load(cart.Name, req.name)
	if err != nil {
		req.reply <- requestResult{err: err}
		return nil
	}

	if err := machine.LoadState(payload); err != nil {
		req.reply <- requestResult{err: fmt.Errorf("engine: restore state: %w", err)}
		if emulation.IsFault(err) {
			// The machine may be half-restored; crash and recover.
			return err
		}
		return nil
	}

	s.logger.Info("snapshot restored", "cartridge", cart.Name, "snapshot", snapshot.Name)
	req.reply <- requestResult{snapshot: snapshot}
	return nil
}

// recoverFromCrash transitions to crashed and tries to bring the
// session back, warm from the newest snapshot or cold from the
// cartridge, up to the retry budget with doubling backoff between
// attempts. Returns false when the scheduler must exit: the budget is
// exhausted (session degrades to stopped) or a stop arrived mid
// recovery.
func (s *Session) recoverFromCrash(ctx context.Context, stopCh <-chan struct{}, cause error) bool {
	s.mu.Lock()
	s.counters.crashes++
	cart := s.cartridge
	s.transitionLocked(StateCrashed, cause)
	s.mu.Unlock()
	s.logger.Error("session crashed", "cartridge", cart.Name, "error", cause)

	if err := s.publisher.PublishCard(ctx, "Session crashed", "Attempting recovery..."); err != nil {
		s.logger.Warn("crash card publish failed", "error", err)
	}

	backoff := s.recoveryBackoff
	for attempt := 1; attempt <= s.recoveryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-stopCh:
				return false
			case <-s.clock.After(backoff):
			}
			backoff *= 2
		}
		if s.restart(cart, attempt) {
			s.mu.Lock()
			s.counters.recoveries++
			s.transitionLocked(StateRunning, nil)
			s.mu.Unlock()
			s.logger.Info("session recovered", "cartridge", cart.Name, "attempt", attempt)
			return true
		}
	}

	exhausted := fmt.Errorf("engine: recovery of %s: %w", cart.Name, ErrRetryBudgetExhausted)
	s.mu.Lock()
	s.releaseMachineLocked()
	s.transitionLocked(StateStopped, exhausted)
	s.mu.Unlock()
	s.logger.Error("recovery budget exhausted, session stopped",
		"cartridge", cart.Name, "attempts", s.recoveryAttempts)

	if err := s.publisher.PublishCard(ctx, "Session stopped",
		fmt.Sprintf("Crash recovery failed after %d attempts.", s.recoveryAttempts)); err != nil {
		s.logger.Warn("stop card publish failed", "error", err)
	}
	return false
}

// restart is one recovery attempt: dispose the crashed machine, load
// a fresh one, and restore the newest snapshot if there is one. A
// failed snapshot restore falls back to a cold machine within the
// same attempt.
func (s *Session) restart(cart Cartridge, attempt int) bool {
	s.mu.Lock()
	old := s.machine
	s.machine = nil
	s.mu.Unlock()
	if old != nil {
		if err := old.Dispose(); err != nil {
			s.logger.Debug("dispose of crashed machine failed", "error", err)
		}
	}

	fresh, err := s.loader.Load(cart.Path)
	if err != nil {
		s.logger.Warn("recovery load failed", "cartridge", cart.Name, "attempt", attempt, "error", err)
		return false
	}

	if s.saves != nil {
		payload, snapshot, err := s.saves.Latest(cart.Name)
		switch {
		case err == nil:
			if restoreErr := fresh.LoadState(payload); restoreErr != nil {
				s.logger.Warn("recovery snapshot restore failed, cold restarting",
					"snapshot", snapshot.Name, "attempt", attempt, "error", restoreErr)
				_ = fresh.Dispose()
				fresh, err = s.loader.Load(cart.Path)
				if err != nil {
					s.logger.Warn("recovery reload failed", "attempt", attempt, "error", err)
					return false
				}
			} else {
				s.logger.Info("recovery restored snapshot",
					"snapshot", snapshot.Name, "created_at", snapshot.CreatedAt)
			}
		case errors.Is(err, savestate.ErrNotFound):
			s.logger.Info("no snapshot for cartridge, cold restarting", "cartridge", cart.Name)
		default:
			s.logger.Warn("snapshot lookup failed, cold restarting", "error", err)
		}
	}

	s.mu.Lock()
	s.machine = fresh
	s.mu.Unlock()
	return true
}
