// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package fence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Counter names one of the two generation timelines.
type Counter int

const (
	// Compute is the generation counter advanced by the compute stream.
	Compute Counter = iota

	// Render is the generation counter advanced by the render stream.
	Render

	counterCount
)

// String returns the counter name.
func (c Counter) String() string {
	switch c {
	case Compute:
		return "compute"
	case Render:
		return "render"
	default:
		return fmt.Sprintf("Counter(%d)", int(c))
	}
}

// Signaler enqueues a fence signal behind all work previously submitted to
// a queue. The fence reaches value once that work has completed.
type Signaler interface {
	Signal(f *Fence, value uint64) error
}

// WaitObserver is notified after every WaitFor call. stalled is false when
// the wait was satisfied without blocking.
type WaitObserver func(c Counter, stalled bool, d time.Duration)

// Synchronizer owns the compute and render generation counters.
//
// The signaled value of a counter is advanced in-process when a stream
// submits a signal; the completed value is the one reported by the
// queue's fence. WaitFor only ever looks at completed values.
type Synchronizer struct {
	fences   [counterCount]*Fence
	signaled [counterCount]atomic.Uint64

	timeout  time.Duration
	observer WaitObserver

	skipped atomic.Uint64
	stalled atomic.Uint64
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTimeout bounds every WaitFor call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.timeout = d }
}

// WithWaitObserver installs a callback invoked after each WaitFor.
func WithWaitObserver(fn WaitObserver) Option {
	return func(s *Synchronizer) { s.observer = fn }
}

// NewSynchronizer creates a synchronizer with both counters at Baseline.
func NewSynchronizer(opts ...Option) *Synchronizer {
	s := &Synchronizer{}
	for c := Counter(0); c < counterCount; c++ {
		s.fences[c] = New(c.String())
		s.signaled[c].Store(Baseline)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fence returns the backend fence behind counter c.
func (s *Synchronizer) Fence(c Counter) *Fence { return s.fences[c] }

// Signaled returns the last generation handed out for counter c.
func (s *Synchronizer) Signaled(c Counter) uint64 { return s.signaled[c].Load() }

// Completed returns the generation counter c's fence has reached.
func (s *Synchronizer) Completed(c Counter) uint64 { return s.fences[c].Completed() }

// SignalComputeDone advances the compute generation and enqueues its
// signal on q. It returns the new generation id.
func (s *Synchronizer) SignalComputeDone(q Signaler) (uint64, error) {
	return s.signal(Compute, q)
}

// SignalRenderDone advances the render generation and enqueues its signal
// on q. It returns the new generation id.
func (s *Synchronizer) SignalRenderDone(q Signaler) (uint64, error) {
	return s.signal(Render, q)
}

func (s *Synchronizer) signal(c Counter, q Signaler) (uint64, error) {
	gen := s.signaled[c].Add(1)
	if err := q.Signal(s.fences[c], gen); err != nil {
		// The generation can never complete now.
		s.fences[c].Lose(err)
		return 0, fmt.Errorf("signal %s generation %d: %w", c, gen, err)
	}
	return gen, nil
}

// WaitFor blocks until counter c has completed target. It is a no-op when
// the fence is already there.
func (s *Synchronizer) WaitFor(ctx context.Context, c Counter, target uint64) error {
	f := s.fences[c]
	if f.Reached(target) {
		s.skipped.Add(1)
		s.notify(c, false, 0)
		return nil
	}

	s.stalled.Add(1)
	start := time.Now()

	waitCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	err := f.Wait(waitCtx, target)
	s.notify(c, true, time.Since(start))
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s generation %d after %v (completed %d)",
			ErrWaitTimeout, c, target, s.timeout, f.Completed())
	}
	return fmt.Errorf("wait for %s generation %d: %w", c, target, err)
}

func (s *Synchronizer) notify(c Counter, stalled bool, d time.Duration) {
	if s.observer != nil {
		s.observer(c, stalled, d)
	}
}

// Skipped returns how many waits were satisfied without blocking.
func (s *Synchronizer) Skipped() uint64 { return s.skipped.Load() }

// Stalled returns how many waits had to block.
func (s *Synchronizer) Stalled() uint64 { return s.stalled.Load() }

// Lose marks both fences lost so that no stream stays blocked on the other.
func (s *Synchronizer) Lose(cause error) {
	for _, f := range s.fences {
		f.Lose(cause)
	}
}

// Drain waits until counter c has completed everything signaled so far.
// Each attempt is bounded by interval and at most attempts retries are
// made; a lost fence stops the retries immediately. notify, when non-nil,
// is called before each retry.
func (s *Synchronizer) Drain(ctx context.Context, c Counter, attempts uint64, interval time.Duration,
	notify func(err error, next time.Duration)) error {
	target := s.Signaled(c)
	f := s.fences[c]

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := f.Wait(attemptCtx, target)
		if errors.Is(err, ErrDeviceLost) || (err != nil && ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), attempts), ctx)

	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: draining %s to generation %d (completed %d)",
			ErrWaitTimeout, c, target, f.Completed())
	}
	return fmt.Errorf("drain %s: %w", c, err)
}
