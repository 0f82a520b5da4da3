// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Presenter receives every finished frame.
type Presenter interface {
	// Present shows frame. The image is reused for the next frame and must
	// not be retained.
	Present(frame uint64, img *image.RGBA) error

	// Close releases the presenter.
	Close() error
}

// DiscardPresenter drops every frame.
type DiscardPresenter struct {
	presented atomic.Uint64
}

// Present counts the frame.
func (d *DiscardPresenter) Present(uint64, *image.RGBA) error {
	d.presented.Add(1)
	return nil
}

// Presented returns the number of frames received.
func (d *DiscardPresenter) Presented() uint64 { return d.presented.Load() }

// Close does nothing.
func (d *DiscardPresenter) Close() error { return nil }

// PNGPresenter writes every Every-th frame to Dir as frame-NNNNNN.png.
type PNGPresenter struct {
	Dir   string
	Every uint64

	written atomic.Uint64
}

// NewPNGPresenter creates dir and returns a presenter writing into it.
// every values below one write every frame.
func NewPNGPresenter(dir string, every uint64) (*PNGPresenter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("render: create output directory: %w", err)
	}
	return &PNGPresenter{Dir: dir, Every: max(every, 1)}, nil
}

// Path returns the file frame is written to.
func (p *PNGPresenter) Path(frame uint64) string {
	return filepath.Join(p.Dir, fmt.Sprintf("frame-%06d.png", frame))
}

// Present writes the frame when it falls on the interval.
func (p *PNGPresenter) Present(frame uint64, img *image.RGBA) error {
	if frame%p.Every != 0 {
		return nil
	}
	f, err := os.Create(p.Path(frame))
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("render: encode frame %d: %w", frame, err)
	}
	p.written.Add(1)
	return nil
}

// Written returns the number of files written.
func (p *PNGPresenter) Written() uint64 { return p.written.Load() }

// Close does nothing; files are closed as they are written.
func (p *PNGPresenter) Close() error { return nil }
