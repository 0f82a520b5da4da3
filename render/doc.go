// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package render draws the simulated particles.
//
// The render stream of a simulation reads positions through a Source,
// projects them with a Camera and splats them as depth-tested discs into a
// RenderTarget. A HUD overlay reports the generation counters, and a
// Presenter receives every finished frame.
//
// # Usage
//
//	r := render.NewRenderer(render.WithCamera(render.DefaultCamera()))
//	defer r.Close()
//
//	target := render.NewPixmapTarget(640, 480)
//	src := render.SliceSource(positions)
//	if err := r.Render(target, src, &render.HUD{Backend: "cpu"}); err != nil {
//	    return err
//	}
//	_ = png.Encode(w, target.Image())
package render
