// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Camera is a perspective camera looking from Eye at Target.
type Camera struct {
	Eye    mgl32.Vec3
	Target mgl32.Vec3
	Up     mgl32.Vec3

	// FovY is the vertical field of view in radians.
	FovY float32
	Near float32
	Far  float32
}

// DefaultCamera returns the camera the simulation is viewed through by
// default.
func DefaultCamera() Camera {
	return Camera{
		Eye:    mgl32.Vec3{0, -2, -10},
		Target: mgl32.Vec3{0, -5, 0},
		Up:     mgl32.Vec3{0, 1, 0},
		FovY:   math.Pi / 2,
		Near:   0.1,
		Far:    100,
	}
}

// Projection is a camera bound to a viewport.
type Projection struct {
	mvp    mgl32.Mat4
	focal  float32 // cot(fovY/2)
	width  float32
	height float32
}

// Project returns the camera's model-view-projection for a viewport of the
// given size.
func (c Camera) Project(width, height int) Projection {
	aspect := float32(width) / float32(height)
	view := mgl32.LookAtV(c.Eye, c.Target, c.Up)
	proj := mgl32.Perspective(c.FovY, aspect, c.Near, c.Far)
	return Projection{
		mvp:    proj.Mul4(view),
		focal:  proj.At(1, 1),
		width:  float32(width),
		height: float32(height),
	}
}

// MVP returns the combined matrix.
func (p Projection) MVP() mgl32.Mat4 { return p.mvp }

// Point maps a world-space position to pixel coordinates and depth in
// [0, 1]. ok is false when the point lies outside the view frustum's depth
// range.
func (p Projection) Point(pos [3]float32) (x, y, depth float32, ok bool) {
	clip := p.mvp.Mul4x1(mgl32.Vec4{pos[0], pos[1], pos[2], 1})
	w := clip.W()
	if w <= 0 {
		return 0, 0, 0, false
	}
	ndc := clip.Vec3().Mul(1 / w)
	if ndc.Z() < -1 || ndc.Z() > 1 {
		return 0, 0, 0, false
	}
	x = (ndc.X() + 1) * 0.5 * p.width
	y = (1 - ndc.Y()) * 0.5 * p.height
	return x, y, (ndc.Z() + 1) * 0.5, true
}

// Radius returns the on-screen radius in pixels of a sphere of world
// radius r centred at pos.
func (p Projection) Radius(r float32, pos [3]float32) float32 {
	w := p.mvp.Row(3).Dot(mgl32.Vec4{pos[0], pos[1], pos[2], 1})
	if w <= 0 {
		return 0
	}
	return r * p.focal / w * 0.5 * p.height
}
