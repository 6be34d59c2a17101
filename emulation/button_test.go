// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package emulation

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseButton(t *testing.T) {
	for _, button := range Buttons() {
		parsed, err := ParseButton(button.String())
		if err != nil {
			t.Errorf("ParseButton(%q): %v", button.String(), err)
			continue
		}
		if parsed != button {
			t.Errorf("ParseButton(%q) = %v, want %v", button.String(), parsed, button)
		}
	}

	if _, err := ParseButton("turbo"); err == nil {
		t.Error("ParseButton accepted an unknown name")
	}
}

func TestButtonSymbolRoundTrip(t *testing.T) {
	for _, button := range Buttons() {
		symbol := button.Symbol()
		if symbol == "" {
			t.Fatalf("button %v has no symbol", button)
		}
		mapped, ok := ButtonFromSymbol(symbol)
		if !ok {
			t.Errorf("ButtonFromSymbol(%q) not found", symbol)
			continue
		}
		if mapped != button {
			t.Errorf("ButtonFromSymbol(%q) = %v, want %v", symbol, mapped, button)
		}
	}
}

func TestButtonFromSymbolWithoutVariationSelector(t *testing.T) {
	// Up arrow without the trailing U+FE0F, as some clients send it.
	mapped, ok := ButtonFromSymbol("⬆")
	if !ok || mapped != ButtonUp {
		t.Errorf("ButtonFromSymbol(bare arrow) = %v, %v; want up, true", mapped, ok)
	}

	if _, ok := ButtonFromSymbol("🎮"); ok {
		t.Error("ButtonFromSymbol accepted an unrelated emoji")
	}
}

func TestButtonsAreDistinct(t *testing.T) {
	seenNames := map[string]bool{}
	seenSymbols := map[string]bool{}
	for _, button := range Buttons() {
		if seenNames[button.String()] {
			t.Errorf("duplicate name %q", button.String())
		}
		if seenSymbols[button.Symbol()] {
			t.Errorf("duplicate symbol %q", button.Symbol())
		}
		seenNames[button.String()] = true
		seenSymbols[button.Symbol()] = true
	}
	if len(seenNames) != 8 {
		t.Errorf("button count = %d, want 8", len(seenNames))
	}
}

func TestFaultWrapping(t *testing.T) {
	cause := fmt.Errorf("bus error at 0xFF40")
	fault := NewFault("step", cause)

	if !IsFault(fault) {
		t.Error("IsFault(fault) = false")
	}
	if !IsFault(fmt.Errorf("tick failed: %w", fault)) {
		t.Error("IsFault did not see through wrapping")
	}
	if IsFault(errors.New("plain")) {
		t.Error("IsFault(plain error) = true")
	}
	if !errors.Is(fault, cause) {
		t.Error("fault does not unwrap to its cause")
	}
}
