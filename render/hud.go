// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// HUD is the text overlay drawn in the top-left corner of a frame.
type HUD struct {
	Backend   string
	Particles int
	Frame     uint64

	// Compute and Render are the completed generation counters.
	Compute uint64
	Render  uint64

	// SimTime is the elapsed simulation time in seconds.
	SimTime float64
}

// Lines returns the overlay text.
func (h *HUD) Lines() []string {
	return []string{
		fmt.Sprintf("%s  n=%d", h.Backend, h.Particles),
		fmt.Sprintf("frame %d  t=%.3fs", h.Frame, h.SimTime),
		fmt.Sprintf("compute %d  render %d", h.Compute, h.Render),
	}
}

// Draw renders the overlay onto t with a fixed 7x13 bitmap face.
func (h *HUD) Draw(t RenderTarget) {
	dst := &image.RGBA{
		Pix:    t.Pixels(),
		Stride: t.Stride(),
		Rect:   image.Rect(0, 0, t.Width(), t.Height()),
	}
	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
	}
	lineHeight := face.Metrics().Height
	dot := fixed.P(4, 0)
	for _, line := range h.Lines() {
		dot.Y += lineHeight
		drawer.Dot = dot
		drawer.DrawString(line)
	}
}
