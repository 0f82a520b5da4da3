// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"errors"
	"image/color"
	"math"

	"github.com/gogpu/sph/internal/parallel"
)

// bandRows is the height of the row band one worker draws.
const bandRows = 16

// minSplatRadius keeps distant particles at least one pixel large.
const minSplatRadius = 0.75

// ErrUnsupportedFormat is returned for targets that are not RGBA8.
var ErrUnsupportedFormat = errors.New("render: unsupported target format")

// Renderer draws particles as depth-tested discs.
//
// Rendering happens in two dispatches on the renderer's worker pool: the
// first projects every particle, the second rasterizes bands of target
// rows, so no two workers ever write the same pixel.
//
// Thread Safety: Renderers are NOT thread-safe. Each renderer should be used
// from a single goroutine, or external synchronization must be used.
//
// Example:
//
//	r := render.NewRenderer(render.WithParticleRadius(0.1))
//	defer r.Close()
//
//	target := render.NewPixmapTarget(800, 600)
//	if err := r.Render(target, source, nil); err != nil {
//	    log.Printf("render failed: %v", err)
//	}
type Renderer struct {
	camera     Camera
	radius     float32
	background color.RGBA
	particle   color.RGBA

	pool     *parallel.WorkerPool
	ownsPool bool

	splats []splat
	depth  []float32
	frames uint64
}

type splat struct {
	x, y, r, depth float32
	visible        bool
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithCamera sets the camera.
func WithCamera(c Camera) Option {
	return func(r *Renderer) { r.camera = c }
}

// WithParticleRadius sets the world-space particle radius.
func WithParticleRadius(radius float32) Option {
	return func(r *Renderer) { r.radius = radius }
}

// WithColors sets the background and particle colors.
func WithColors(background, particle color.Color) Option {
	return func(r *Renderer) {
		r.background = toRGBA(background)
		r.particle = toRGBA(particle)
	}
}

// WithPool draws on an existing worker pool instead of a private one. The
// renderer does not close it.
func WithPool(p *parallel.WorkerPool) Option {
	return func(r *Renderer) { r.pool = p }
}

// NewRenderer creates a renderer.
func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{
		camera:     DefaultCamera(),
		radius:     0.1,
		background: color.RGBA{R: 12, G: 14, B: 22, A: 255},
		particle:   color.RGBA{R: 64, G: 160, B: 255, A: 255},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pool == nil {
		r.pool = parallel.NewWorkerPool(0, bandRows)
		r.ownsPool = true
	}
	return r
}

// Frames returns the number of frames rendered.
func (r *Renderer) Frames() uint64 { return r.frames }

// Render draws the particles of src into t and then the HUD, if any.
// Positions are only read between src.BeginRead and src.EndRead.
func (r *Renderer) Render(t RenderTarget, src Source, hud *HUD) error {
	if t.Format() != PixmapFormat {
		return ErrUnsupportedFormat
	}
	w, h := t.Width(), t.Height()
	if w <= 0 || h <= 0 {
		return nil
	}
	proj := r.camera.Project(w, h)

	positions := src.BeginRead()
	n := len(positions)
	if cap(r.splats) < n {
		r.splats = make([]splat, n)
	}
	r.splats = r.splats[:n]
	err := r.pool.Dispatch(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			p := positions[i]
			x, y, d, ok := proj.Point(p)
			r.splats[i] = splat{x: x, y: y, depth: d, r: max(proj.Radius(r.radius, p), minSplatRadius), visible: ok}
		}
	})
	src.EndRead()
	if err != nil {
		return err
	}

	if len(r.depth) != w*h {
		r.depth = make([]float32, w*h)
	}
	err = r.pool.Dispatch(h, func(y0, y1 int) {
		clearRows(t, r.background, y0, y1)
		for i := y0 * w; i < y1*w; i++ {
			r.depth[i] = math.MaxFloat32
		}
		for i := range r.splats {
			if r.splats[i].visible {
				r.drawSplat(t, &r.splats[i], y0, y1)
			}
		}
	})
	if err != nil {
		return err
	}

	if hud != nil {
		hud.Draw(t)
	}
	r.frames++
	return nil
}

// drawSplat rasterizes the part of s that falls in rows [y0, y1).
func (r *Renderer) drawSplat(t RenderTarget, s *splat, y0, y1 int) {
	w := t.Width()
	top := max(int(s.y-s.r), y0)
	bottom := min(int(s.y+s.r)+1, y1)
	if top >= bottom {
		return
	}
	left := max(int(s.x-s.r), 0)
	right := min(int(s.x+s.r)+1, w)
	if left >= right {
		return
	}

	shade := 1 - 0.5*s.depth
	c := color.RGBA{
		R: uint8(float32(r.particle.R) * shade),
		G: uint8(float32(r.particle.G) * shade),
		B: uint8(float32(r.particle.B) * shade),
		A: r.particle.A,
	}
	pix, stride := t.Pixels(), t.Stride()
	r2 := s.r * s.r
	for y := top; y < bottom; y++ {
		dy := float32(y) + 0.5 - s.y
		for x := left; x < right; x++ {
			dx := float32(x) + 0.5 - s.x
			if dx*dx+dy*dy > r2 {
				continue
			}
			di := y*w + x
			if s.depth >= r.depth[di] {
				continue
			}
			r.depth[di] = s.depth
			o := y*stride + x*4
			pix[o], pix[o+1], pix[o+2], pix[o+3] = c.R, c.G, c.B, c.A
		}
	}
}

// Close releases the renderer's private worker pool.
func (r *Renderer) Close() {
	if r.ownsPool {
		r.pool.Close()
	}
}
