// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package emulation

import (
	"fmt"
	"strings"
)

// Button is one control on the simulated pad. The set is closed:
// exactly the eight buttons below exist, in the order participants
// see them attached to a published frame.
type Button uint8

const (
	ButtonUp Button = iota
	ButtonDown
	ButtonLeft
	ButtonRight
	ButtonA
	ButtonB
	ButtonStart
	ButtonSelect

	buttonCount
)

// buttonNames index by Button value.
var buttonNames = [buttonCount]string{
	"up", "down", "left", "right", "a", "b", "start", "select",
}

// buttonSymbols are the reaction affordance keys, indexed by Button
// value. Start is the play triangle and select the pause bars, kept
// from the controller layout participants already know.
var buttonSymbols = [buttonCount]string{
	"⬆️",       // up arrow
	"⬇️",       // down arrow
	"⬅️",       // left arrow
	"➡️",       // right arrow
	"\U0001f170️",   // A blood type
	"\U0001f171️",   // B blood type
	"▶️",       // play triangle
	"⏸️",       // pause bars
}

// String returns the lowercase button name ("up", "select", ...).
func (b Button) String() string {
	if b >= buttonCount {
		return fmt.Sprintf("button(%d)", uint8(b))
	}
	return buttonNames[b]
}

// Symbol returns the reaction key participants press for this button.
func (b Button) Symbol() string {
	if b >= buttonCount {
		return ""
	}
	return buttonSymbols[b]
}

// Valid reports whether b is one of the eight defined buttons.
func (b Button) Valid() bool { return b < buttonCount }

// Buttons returns all buttons in affordance-attachment order.
func Buttons() []Button {
	all := make([]Button, buttonCount)
	for i := range all {
		all[i] = Button(i)
	}
	return all
}

// ParseButton maps a lowercase button name to its Button value.
func ParseButton(name string) (Button, error) {
	for i, candidate := range buttonNames {
		if candidate == name {
			return Button(i), nil
		}
	}
	return 0, fmt.Errorf("unknown button %q", name)
}

// ButtonFromSymbol maps a reaction key back to its button. Keys arrive
// from a range of clients; some strip the emoji variation selector, so
// the lookup tolerates its absence.
func ButtonFromSymbol(symbol string) (Button, bool) {
	normalized := strings.TrimSuffix(symbol, "️")
	for i, candidate := range buttonSymbols {
		if symbol == candidate || normalized == strings.TrimSuffix(candidate, "️") {
			return Button(i), true
		}
	}
	return 0, false
}
