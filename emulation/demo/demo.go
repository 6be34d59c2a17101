// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package demo provides the built-in simulation core: a deterministic
// toy machine that renders a sprite walking over a scrolling tiled
// field. It exists so the bot runs end-to-end out of the box and so
// every Machine code path (stepping, input latching, snapshots,
// disposal, faults) has a real implementation to exercise.
//
// The machine is fully deterministic: the same cartridge and input
// sequence always produce the same frames and the same snapshots.
package demo

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/crowdplay-project/crowdplay/emulation"
	"github.com/crowdplay-project/crowdplay/lib/codec"
)

// Loader returns an emulation.Loader that checks the cartridge file
// exists and is non-empty, then seeds a Machine from its name and
// size. Loading never reads the cartridge contents; the demo machine
// has no real instruction set to feed them to.
func Loader() emulation.Loader {
	return emulation.LoaderFunc(func(path string) (emulation.Machine, error) {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("demo: cartridge %s: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("demo: cartridge %s is a directory", path)
		}
		if info.Size() == 0 {
			return nil, fmt.Errorf("demo: cartridge %s is empty", path)
		}
		return New(filepath.Base(path), uint32(info.Size())), nil
	})
}

// spriteSize is the edge length of the player square in pixels.
const spriteSize = 8

// moveInterval is how many steps elapse per pixel of movement while a
// direction is held.
const moveInterval = 4

// palettes are the selectable four-shade color sets. Palette 0 is the
// classic olive-green handheld look.
var palettes = [][4][3]uint8{
	{{15, 56, 15}, {48, 98, 48}, {139, 172, 15}, {155, 188, 15}},
	{{26, 28, 44}, {93, 39, 93}, {177, 62, 83}, {239, 125, 87}},
	{{7, 24, 33}, {48, 104, 80}, {134, 192, 108}, {224, 248, 208}},
	{{44, 33, 55}, {118, 68, 98}, {237, 180, 161}, {169, 104, 104}},
}

// state is the complete serializable machine state.
type state struct {
	Title   string `cbor:"title"`
	Seed    uint32 `cbor:"seed"`
	Steps   uint64 `cbor:"steps"`
	X       int    `cbor:"x"`
	Y       int    `cbor:"y"`
	Palette int    `cbor:"palette"`
	Scroll  bool   `cbor:"scroll"`
}

// Machine implements emulation.Machine.
type Machine struct {
	st       state
	held     [8]bool
	disposed bool
}

var _ emulation.Machine = (*Machine)(nil)

// New returns a machine for the named cartridge. The seed perturbs the
// starting position and palette so different cartridges look
// different.
func New(title string, seed uint32) *Machine {
	mixer := fnv.New32a()
	mixer.Write([]byte(title))
	mixed := mixer.Sum32() ^ seed

	return &Machine{
		st: state{
			Title:   title,
			Seed:    seed,
			X:       int(mixed % (emulation.ScreenWidth - spriteSize)),
			Y:       int((mixed >> 8) % (emulation.ScreenHeight - spriteSize)),
			Palette: int(mixed>>16) % len(palettes),
			Scroll:  true,
		},
	}
}

// guard returns a fault if the machine has been disposed.
func (m *Machine) guard(op string) error {
	if m.disposed {
		return emulation.Faultf(op, "machine disposed")
	}
	return nil
}

// Step advances the simulation n steps. Held directions move the
// sprite one pixel per moveInterval steps, clamped to the screen.
func (m *Machine) Step(n int) error {
	if err := m.guard("step"); err != nil {
		return err
	}
	if n < 0 {
		return emulation.Faultf("step", "negative step count %d", n)
	}
	for i := 0; i < n; i++ {
		m.st.Steps++
		if m.st.Steps%moveInterval != 0 {
			continue
		}
		if m.held[emulation.ButtonUp] {
			m.st.Y--
		}
		if m.held[emulation.ButtonDown] {
			m.st.Y++
		}
		if m.held[emulation.ButtonLeft] {
			m.st.X--
		}
		if m.held[emulation.ButtonRight] {
			m.st.X++
		}
		m.st.X = clamp(m.st.X, 0, emulation.ScreenWidth-spriteSize)
		m.st.Y = clamp(m.st.Y, 0, emulation.ScreenHeight-spriteSize)
	}
	return nil
}

// Press latches a button. A and B cycle the palette on the press
// edge, start toggles background scrolling, select recenters the
// sprite.
func (m *Machine) Press(button emulation.Button) error {
	if err := m.guard("press"); err != nil {
		return err
	}
	if !button.Valid() {
		return emulation.Faultf("press", "invalid button %d", uint8(button))
	}
	if m.held[button] {
		return nil
	}
	m.held[button] = true

	switch button {
	case emulation.ButtonA:
		m.st.Palette = (m.st.Palette + 1) % len(palettes)
	case emulation.ButtonB:
		m.st.Palette = (m.st.Palette + len(palettes) - 1) % len(palettes)
	case emulation.ButtonStart:
		m.st.Scroll = !m.st.Scroll
	case emulation.ButtonSelect:
		m.st.X = (emulation.ScreenWidth - spriteSize) / 2
		m.st.Y = (emulation.ScreenHeight - spriteSize) / 2
	}
	return nil
}

// Release lets a button up. Releasing an unheld button is a no-op.
func (m *Machine) Release(button emulation.Button) error {
	if err := m.guard("release"); err != nil {
		return err
	}
	if !button.Valid() {
		return emulation.Faultf("release", "invalid button %d", uint8(button))
	}
	m.held[button] = false
	return nil
}

// CaptureFrame renders the current state: a checkered field (scrolled
// by elapsed steps unless paused), the sprite, and a one-pixel frame
// border in the brightest palette shade.
func (m *Machine) CaptureFrame() (*emulation.Frame, error) {
	if err := m.guard("capture"); err != nil {
		return nil, err
	}

	palette := palettes[m.st.Palette]
	frame := emulation.NewFrame(emulation.ScreenWidth, emulation.ScreenHeight)

	scroll := 0
	if m.st.Scroll {
		scroll = int(m.st.Steps / 2 % 16)
	}
	for y := 0; y < emulation.ScreenHeight; y++ {
		for x := 0; x < emulation.ScreenWidth; x++ {
			shade := ((x+scroll)/8 + y/8) % 2
			color := palette[shade]
			frame.SetRGB(x, y, color[0], color[1], color[2])
		}
	}

	// Sprite: bright body with a dark outline.
	body := palette[3]
	outline := palette[0]
	for dy := 0; dy < spriteSize; dy++ {
		for dx := 0; dx < spriteSize; dx++ {
			color := body
			if dx == 0 || dy == 0 || dx == spriteSize-1 || dy == spriteSize-1 {
				color = outline
			}
			frame.SetRGB(m.st.X+dx, m.st.Y+dy, color[0], color[1], color[2])
		}
	}

	// Border marks the frame as live output rather than a blank.
	bright := palette[3]
	for x := 0; x < emulation.ScreenWidth; x++ {
		frame.SetRGB(x, 0, bright[0], bright[1], bright[2])
		frame.SetRGB(x, emulation.ScreenHeight-1, bright[0], bright[1], bright[2])
	}
	for y := 0; y < emulation.ScreenHeight; y++ {
		frame.SetRGB(0, y, bright[0], bright[1], bright[2])
		frame.SetRGB(emulation.ScreenWidth-1, y, bright[0], bright[1], bright[2])
	}
	return frame, nil
}

// SaveState serializes the machine state as CBOR. Held buttons are
// deliberately not part of a snapshot: restoring mid-hold would leave
// a button stuck down with no participant behind it.
func (m *Machine) SaveState() ([]byte, error) {
	if err := m.guard("save"); err != nil {
		return nil, err
	}
	blob, err := codec.Marshal(m.st)
	if err != nil {
		return nil, emulation.NewFault("save", err)
	}
	return blob, nil
}

// LoadState restores a SaveState blob. Snapshots from a different
// cartridge are rejected.
func (m *Machine) LoadState(snapshot []byte) error {
	if err := m.guard("load"); err != nil {
		return err
	}
	var restored state
	if err := codec.Unmarshal(snapshot, &restored); err != nil {
		return emulation.NewFault("load", err)
	}
	if restored.Title != m.st.Title {
		return emulation.Faultf("load", "snapshot is for cartridge %q, machine runs %q", restored.Title, m.st.Title)
	}
	m.st = restored
	m.held = [8]bool{}
	return nil
}

// Dispose marks the machine unusable. Safe to call twice.
func (m *Machine) Dispose() error {
	m.disposed = true
	return nil
}

func clamp(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
