// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"image"
	"image/color"
	"math"
	"os"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/sph/internal/buffer"
)

var background = color.RGBA{0, 0, 0, 255}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r := NewRenderer(WithColors(background, color.RGBA{200, 200, 200, 255}), WithParticleRadius(0.2))
	t.Cleanup(r.Close)
	return r
}

// =============================================================================
// Camera
// =============================================================================

func TestCameraCentersTarget(t *testing.T) {
	cam := DefaultCamera()
	x, y, depth, ok := cam.Project(640, 480).Point(cam.Target)
	if !ok {
		t.Fatal("Point(Target) not visible")
	}
	if math.Abs(float64(x-320)) > 0.01 || math.Abs(float64(y-240)) > 0.01 {
		t.Errorf("Point(Target) = (%v, %v), want (320, 240)", x, y)
	}
	if depth <= 0 || depth >= 1 {
		t.Errorf("depth = %v, want in (0, 1)", depth)
	}
}

func TestCameraRejectsPointsBehind(t *testing.T) {
	cam := DefaultCamera()
	behind := cam.Eye.Sub(cam.Target.Sub(cam.Eye))
	if _, _, _, ok := cam.Project(640, 480).Point([3]float32{behind[0], behind[1], behind[2]}); ok {
		t.Error("point behind the camera reported visible")
	}
}

func TestCameraRadiusShrinksWithDistance(t *testing.T) {
	cam := DefaultCamera()
	proj := cam.Project(640, 480)
	near := proj.Radius(0.1, [3]float32{0, -2, -8})
	far := proj.Radius(0.1, [3]float32{0, -2, 8})
	if !(near > far && far > 0) {
		t.Errorf("Radius near = %v, far = %v, want near > far > 0", near, far)
	}
}

// =============================================================================
// Renderer
// =============================================================================

func TestRenderEmptySource(t *testing.T) {
	r := newTestRenderer(t)
	target := NewPixmapTarget(32, 24)

	if err := r.Render(target, SliceSource(nil), nil); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			if got := target.GetPixel(x, y).(color.RGBA); got != background {
				t.Fatalf("pixel (%d, %d) = %v, want background", x, y, got)
			}
		}
	}
	if r.Frames() != 1 {
		t.Errorf("Frames() = %d, want 1", r.Frames())
	}
}

func TestRenderDrawsParticle(t *testing.T) {
	r := newTestRenderer(t)
	target := NewPixmapTarget(64, 48)
	cam := DefaultCamera()

	src := SliceSource{{cam.Target[0], cam.Target[1], cam.Target[2]}}
	if err := r.Render(target, src, nil); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got := target.GetPixel(32, 24).(color.RGBA); got == background {
		t.Error("centre pixel not drawn")
	}
	if got := target.GetPixel(0, 0).(color.RGBA); got != background {
		t.Errorf("corner pixel = %v, want background", got)
	}
}

func TestRenderNearestWins(t *testing.T) {
	cam := DefaultCamera()
	dir := cam.Target.Sub(cam.Eye).Normalize()
	near := cam.Eye.Add(dir.Mul(4))
	far := cam.Eye.Add(dir.Mul(30))

	only := NewPixmapTarget(64, 48)
	both := NewPixmapTarget(64, 48)
	r := newTestRenderer(t)
	if err := r.Render(only, SliceSource{{near[0], near[1], near[2]}}, nil); err != nil {
		t.Fatal(err)
	}
	src := SliceSource{{far[0], far[1], far[2]}, {near[0], near[1], near[2]}}
	if err := r.Render(both, src, nil); err != nil {
		t.Fatal(err)
	}
	want := only.GetPixel(32, 24)
	if got := both.GetPixel(32, 24); got != want {
		t.Errorf("centre pixel = %v, want nearest particle's %v", got, want)
	}
}

func TestRenderTransitionsSource(t *testing.T) {
	positions, err := buffer.Alloc[[3]float32](buffer.NewArena(0), "positions", 8, buffer.StateUnorderedAccess)
	if err != nil {
		t.Fatal(err)
	}
	var got []buffer.Barrier
	src := NewBufferSource(positions, func(b ...buffer.Barrier) { got = append(got, b...) })
	if src.Len() != 8 || src.Stride() != PositionStride {
		t.Errorf("Len(), Stride() = %d, %d, want 8, %d", src.Len(), src.Stride(), PositionStride)
	}

	r := newTestRenderer(t)
	if err := r.Render(NewPixmapTarget(16, 16), src, nil); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("barriers = %v, want 2", got)
	}
	if got[0].After != buffer.StateGenericRead || got[1].After != buffer.StateUnorderedAccess {
		t.Errorf("barriers = %v, want GenericRead then UnorderedAccess", got)
	}
	if positions.State() != buffer.StateUnorderedAccess {
		t.Errorf("State() = %v, want unordered-access", positions.State())
	}
}

type bgraTarget struct{ *PixmapTarget }

func (bgraTarget) Format() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }

func TestRenderRejectsFormat(t *testing.T) {
	r := newTestRenderer(t)
	err := r.Render(bgraTarget{NewPixmapTarget(4, 4)}, SliceSource(nil), nil)
	if err != ErrUnsupportedFormat {
		t.Errorf("Render() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestHUDDraw(t *testing.T) {
	target := NewPixmapTarget(200, 60)
	target.Clear(background)

	hud := &HUD{Backend: "cpu", Particles: 4096, Frame: 7, Compute: 8, Render: 7}
	if len(hud.Lines()) != 3 {
		t.Fatalf("Lines() = %v, want 3 lines", hud.Lines())
	}
	hud.Draw(target)

	lit := 0
	for y := 0; y < 45; y++ {
		for x := 0; x < 200; x++ {
			if target.GetPixel(x, y).(color.RGBA) != background {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Error("HUD drew nothing")
	}
}

// =============================================================================
// Presenters
// =============================================================================

func TestPNGPresenter(t *testing.T) {
	p, err := NewPNGPresenter(t.TempDir(), 2)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for frame := uint64(0); frame < 4; frame++ {
		if err := p.Present(frame, img); err != nil {
			t.Fatalf("Present(%d) error = %v", frame, err)
		}
	}
	if p.Written() != 2 {
		t.Errorf("Written() = %d, want 2", p.Written())
	}
	for frame, want := range map[uint64]bool{0: true, 1: false, 2: true, 3: false} {
		_, err := os.Stat(p.Path(frame))
		if (err == nil) != want {
			t.Errorf("frame %d written = %v, want %v", frame, err == nil, want)
		}
	}
}

func TestDiscardPresenter(t *testing.T) {
	var d DiscardPresenter
	for frame := uint64(0); frame < 3; frame++ {
		if err := d.Present(frame, nil); err != nil {
			t.Fatal(err)
		}
	}
	if d.Presented() != 3 {
		t.Errorf("Presented() = %d, want 3", d.Presented())
	}
}
