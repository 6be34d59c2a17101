// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package emulation

// Native screen dimensions of the supported cartridge format.
const (
	ScreenWidth  = 160
	ScreenHeight = 144
)

// Frame is one captured video frame: tightly packed RGBA bytes in
// row-major order, 4 bytes per pixel.
type Frame struct {
	Width  int
	Height int
	Pixels []uint8
}

// NewFrame allocates a zeroed (opaque black) frame.
func NewFrame(width, height int) *Frame {
	frame := &Frame{
		Width:  width,
		Height: height,
		Pixels: make([]uint8, width*height*4),
	}
	for i := 3; i < len(frame.Pixels); i += 4 {
		frame.Pixels[i] = 0xFF
	}
	return frame
}

// SetRGB writes one pixel. Out-of-bounds coordinates are ignored,
// which lets render helpers draw shapes that clip at the edges.
func (f *Frame) SetRGB(x, y int, r, g, b uint8) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	offset := (y*f.Width + x) * 4
	f.Pixels[offset] = r
	f.Pixels[offset+1] = g
	f.Pixels[offset+2] = b
	f.Pixels[offset+3] = 0xFF
}

// RGBA returns the pixel at (x, y). Out-of-bounds reads return zeros.
func (f *Frame) RGBA(x, y int) (r, g, b, a uint8) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0, 0, 0, 0
	}
	offset := (y*f.Width + x) * 4
	return f.Pixels[offset], f.Pixels[offset+1], f.Pixels[offset+2], f.Pixels[offset+3]
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	pixels := make([]uint8, len(f.Pixels))
	copy(pixels, f.Pixels)
	return &Frame{Width: f.Width, Height: f.Height, Pixels: pixels}
}
