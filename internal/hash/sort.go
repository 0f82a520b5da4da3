// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package hash

import (
	"errors"
	"fmt"
)

// ErrNotPowerOfTwo is returned when the entry count does not suit the
// bitonic network.
var ErrNotPowerOfTwo = errors.New("hash: entry count must be a power of two")

// Pass is one compare-and-swap sweep of the bitonic network. Every index i
// with i&Stride == 0 is compared with i|Stride; the pair is put in
// ascending order when i&Block == 0 and descending order otherwise.
type Pass struct {
	Block  uint32
	Stride uint32
}

// Dispatch is a run of passes that can execute without a full-buffer
// barrier between them. A global dispatch holds exactly one pass whose
// stride reaches across groups. A local dispatch holds consecutive passes
// whose strides stay inside one aligned group of Width elements, so a
// group can run them in order with only its own group barrier.
type Dispatch struct {
	Global bool
	Passes []Pass
}

// Schedule returns the bitonic network for n entries laid out for an
// executor whose groups are width elements wide. Every returned dispatch
// must be preceded by a full barrier on the entries buffer.
//
// A pass with stride j exchanges i with i^j. When j >= width the partner
// lives in another group, so the pass needs its own dispatch and a barrier
// before the next one. When j < width both elements share a group and the
// pass joins the current local dispatch.
func Schedule(n, width int) ([]Dispatch, error) {
	if n <= 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotPowerOfTwo, n)
	}
	if width <= 0 || width&(width-1) != 0 {
		return nil, fmt.Errorf("%w: group width %d", ErrNotPowerOfTwo, width)
	}
	w := uint32(min(width, n)) //nolint:gosec // G115: power of two, checked above

	var out []Dispatch
	var local []Pass
	flush := func() {
		if len(local) > 0 {
			out = append(out, Dispatch{Passes: local})
			local = nil
		}
	}

	//nolint:gosec // G115: n is a positive int
	for k := uint32(2); k <= uint32(n); k <<= 1 {
		for j := k >> 1; j > 0; j >>= 1 {
			p := Pass{Block: k, Stride: j}
			if j >= w {
				flush()
				out = append(out, Dispatch{Global: true, Passes: []Pass{p}})
				continue
			}
			local = append(local, p)
		}
	}
	flush()
	return out, nil
}

// Barriers returns the number of full barriers a schedule needs.
func Barriers(s []Dispatch) int { return len(s) }

// compareSwap orders entries i and i|stride for the given pass.
func compareSwap(e []Entry, i uint32, p Pass) {
	l := i | p.Stride
	ascending := i&p.Block == 0
	if (e[i].Cell > e[l].Cell) == ascending && e[i].Cell != e[l].Cell {
		e[i], e[l] = e[l], e[i]
	}
}

// runPass applies p to the lower index of every pair in [lo, hi).
func runPass(e []Entry, p Pass, lo, hi int) {
	for i := lo; i < hi; i++ {
		u := uint32(i) //nolint:gosec // G115: bounded by len(e)
		if u&p.Stride == 0 {
			compareSwap(e, u, p)
		}
	}
}

// runLocal runs a local dispatch over every whole group in [lo, hi).
func runLocal(e []Entry, d Dispatch, width, lo, hi int) {
	for g := lo; g < hi; g += width {
		end := min(g+width, hi)
		for _, p := range d.Passes {
			runPass(e, p, g, end)
		}
	}
}

// Executor runs a data-parallel dispatch over [0, n). Dispatch must return
// only after every lane has finished, and must hand fn ranges whose bounds
// are multiples of Width (except the end of the range).
type Executor interface {
	Dispatch(n int, fn func(lo, hi int)) error
	Width() int
}

// Sort groups entries by cell id with the bitonic network, using ex for
// every dispatch. barrier is called before each dispatch.
func Sort(ex Executor, entries []Entry, barrier func()) error {
	width := min(ex.Width(), len(entries))
	sched, err := Schedule(len(entries), width)
	if err != nil {
		return err
	}
	for _, d := range sched {
		if barrier != nil {
			barrier()
		}
		var err error
		if d.Global {
			p := d.Passes[0]
			err = ex.Dispatch(len(entries), func(lo, hi int) { runPass(entries, p, lo, hi) })
		} else {
			err = ex.Dispatch(len(entries), func(lo, hi int) { runLocal(entries, d, width, lo, hi) })
		}
		if err != nil {
			return fmt.Errorf("hash: sort dispatch: %w", err)
		}
	}
	return nil
}
