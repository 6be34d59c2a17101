// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"time"

	"github.com/crowdplay-project/crowdplay/emulation"
	"github.com/crowdplay-project/crowdplay/lib/ref"
)

// InputEvent is one admitted vote: a button press requested by one
// identity at one instant. Events flow through the InputQueue in
// arrival order and are applied to the machine in that order.
type InputEvent struct {
	// User is the voting identity.
	User ref.UserID

	// Button is the control being pressed.
	Button emulation.Button

	// Timestamp is when the vote arrived, by the intake clock.
	Timestamp time.Time
}

func (e InputEvent) String() string {
	return fmt.Sprintf("%s by %s", e.Button, e.User)
}

// Cartridge identifies a loadable game. The scheduler passes Path to
// the Loader; Name keys snapshot storage; Title is what captions and
// command replies show.
type Cartridge struct {
	// Path is the cartridge file path handed to the Loader.
	Path string

	// Name is the file base name ("puzzle_quest.gb"), used as the
	// snapshot storage key.
	Name string

	// Title is the human-readable display name ("Puzzle Quest").
	Title string
}
