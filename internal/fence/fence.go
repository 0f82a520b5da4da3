// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package fence implements timeline fences and the cross-queue
// synchronizer that orders the compute and render streams.
//
// A Fence holds a monotonically increasing completed value. Queues advance
// it when work finishes; any goroutine can wait for it to reach a target.
// Waiting never requires a handshake with the signalling side, so two
// streams that wait on each other's fences cannot deadlock as long as each
// eventually signals.
package fence

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Baseline is the value every fence starts at.
const Baseline uint64 = 1

var (
	// ErrDeviceLost is returned by waits on a fence whose queue failed.
	ErrDeviceLost = errors.New("fence: device lost")

	// ErrWaitTimeout is returned when a wait exceeds its configured timeout.
	ErrWaitTimeout = errors.New("fence: wait timed out")
)

// Fence is a timeline fence.
//
// Fence is safe for concurrent use.
type Fence struct {
	label string

	mu        sync.Mutex
	completed uint64
	err       error
	changed   chan struct{} // closed and replaced on every state change
}

// New creates a fence whose completed value is Baseline.
func New(label string) *Fence {
	return &Fence{
		label:     label,
		completed: Baseline,
		changed:   make(chan struct{}),
	}
}

// Label returns the debug name of the fence.
func (f *Fence) Label() string { return f.label }

// Completed returns the highest value the fence has reached.
func (f *Fence) Completed() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Err returns the loss cause, or nil while the fence is healthy.
func (f *Fence) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Signal advances the completed value to v. Values at or below the current
// completed value are ignored; the timeline never moves backwards.
func (f *Fence) Signal(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v <= f.completed || f.err != nil {
		return
	}
	f.completed = v
	f.broadcastLocked()
}

// Lose marks the fence as lost. Every current and future Wait that is not
// already satisfied returns an error wrapping ErrDeviceLost and cause.
func (f *Fence) Lose(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return
	}
	if cause == nil {
		f.err = fmt.Errorf("%w: %s", ErrDeviceLost, f.label)
	} else {
		f.err = fmt.Errorf("%w: %s: %w", ErrDeviceLost, f.label, cause)
	}
	f.broadcastLocked()
}

func (f *Fence) broadcastLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// Wait blocks until the fence reaches v, the fence is lost, or ctx is done.
// It returns immediately when v has already been reached.
func (f *Fence) Wait(ctx context.Context, v uint64) error {
	for {
		f.mu.Lock()
		if f.completed >= v {
			f.mu.Unlock()
			return nil
		}
		if f.err != nil {
			err := f.err
			f.mu.Unlock()
			return err
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reached reports whether the fence has reached v without blocking.
func (f *Fence) Reached(v uint64) bool {
	return f.Completed() >= v
}
