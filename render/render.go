// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package render turns captured frames into the PNG images the bot
// posts: integer nearest-neighbour upscaling (handheld pixels stay
// crisp), a caption bar under the frame, and a notice card for crash
// and recovery announcements.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/crowdplay-project/crowdplay/emulation"
)

// DefaultScale is the upscaling factor used when none is configured.
// 160x144 becomes 480x432, comfortable in chat clients without being
// enormous.
const DefaultScale = 3

// captionHeight is the pixel height of the caption bar (unscaled by
// the frame factor; text is drawn at native font size).
const captionHeight = 18

var (
	captionBackground = color.RGBA{R: 24, G: 24, B: 28, A: 255}
	captionText       = color.RGBA{R: 235, G: 235, B: 235, A: 255}
	noticeBackground  = color.RGBA{R: 64, G: 16, B: 16, A: 255}
	noticeAccent      = color.RGBA{R: 214, G: 64, B: 64, A: 255}
	noticeText        = color.RGBA{R: 245, G: 235, B: 235, A: 255}
)

// Renderer converts frames and notices into encoded PNGs.
type Renderer struct {
	scale int
}

// New returns a Renderer with the given upscale factor; factors below
// 1 are raised to 1.
func New(scale int) *Renderer {
	if scale < 1 {
		scale = 1
	}
	return &Renderer{scale: scale}
}

// Scale returns the configured upscale factor.
func (r *Renderer) Scale() int { return r.scale }

// RenderFrame upscales the frame and draws the caption bar beneath
// it, returning encoded PNG bytes.
func (r *Renderer) RenderFrame(frame *emulation.Frame, caption string) ([]byte, error) {
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("render: empty frame")
	}
	if len(frame.Pixels) < frame.Width*frame.Height*4 {
		return nil, fmt.Errorf("render: frame pixel buffer is %d bytes, need %d", len(frame.Pixels), frame.Width*frame.Height*4)
	}

	scaledWidth := frame.Width * r.scale
	scaledHeight := frame.Height * r.scale
	canvas := image.NewRGBA(image.Rect(0, 0, scaledWidth, scaledHeight+captionHeight))

	// Nearest neighbour: every source pixel becomes a scale x scale
	// block.
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			offset := (y*frame.Width + x) * 4
			pixel := color.RGBA{
				R: frame.Pixels[offset],
				G: frame.Pixels[offset+1],
				B: frame.Pixels[offset+2],
				A: 0xFF,
			}
			for dy := 0; dy < r.scale; dy++ {
				rowStart := canvas.PixOffset(x*r.scale, y*r.scale+dy)
				for dx := 0; dx < r.scale; dx++ {
					base := rowStart + dx*4
					canvas.Pix[base] = pixel.R
					canvas.Pix[base+1] = pixel.G
					canvas.Pix[base+2] = pixel.B
					canvas.Pix[base+3] = pixel.A
				}
			}
		}
	}

	bar := image.Rect(0, scaledHeight, scaledWidth, scaledHeight+captionHeight)
	draw.Draw(canvas, bar, image.NewUniform(captionBackground), image.Point{}, draw.Src)
	if caption != "" {
		drawText(canvas, caption, 6, scaledHeight+captionHeight-5, captionText)
	}

	return encodePNG(canvas)
}

// RenderNotice produces a status card (crash, recovery, shutdown)
// sized like a scaled frame so the room layout does not jump.
func (r *Renderer) RenderNotice(title string, lines ...string) ([]byte, error) {
	width := emulation.ScreenWidth * r.scale
	height := emulation.ScreenHeight*r.scale + captionHeight
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(noticeBackground), image.Point{}, draw.Src)

	// Accent rule above the title.
	rule := image.Rect(24, 40, width-24, 44)
	draw.Draw(canvas, rule, image.NewUniform(noticeAccent), image.Point{}, draw.Src)

	drawText(canvas, title, 24, 68, noticeText)
	y := 96
	for _, line := range lines {
		drawText(canvas, line, 24, y, noticeText)
		y += 18
	}

	return encodePNG(canvas)
}

// drawText draws one line with the fixed 7x13 face. The dot is the
// text baseline.
func drawText(dst draw.Image, text string, x, y int, shade color.RGBA) {
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(shade),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	drawer.DrawString(text)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		return nil, fmt.Errorf("render: encoding png: %w", err)
	}
	return buffer.Bytes(), nil
}
