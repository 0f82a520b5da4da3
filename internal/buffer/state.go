// Package buffer models the simulation's device-visible buffers: their
// access state, the barriers produced when that state changes, and the
// fixed-capacity arena they are allocated from.
package buffer

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// State is the access mode a buffer is currently in.
type State uint8

const (
	// StateCommon is the initial state of a freshly allocated buffer.
	StateCommon State = iota

	// StateUnorderedAccess allows shader reads and writes.
	StateUnorderedAccess

	// StateGenericRead allows reads from any stage, including vertex fetch.
	StateGenericRead

	// StateCopySource marks the source of a buffer copy.
	StateCopySource

	// StateCopyDest marks the destination of a buffer copy.
	StateCopyDest
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCommon:
		return "common"
	case StateUnorderedAccess:
		return "unordered-access"
	case StateGenericRead:
		return "generic-read"
	case StateCopySource:
		return "copy-source"
	case StateCopyDest:
		return "copy-dest"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Usage maps the state to the WebGPU buffer usage a hal barrier expects.
func (s State) Usage() gputypes.BufferUsage {
	switch s {
	case StateUnorderedAccess:
		return gputypes.BufferUsageStorage
	case StateGenericRead:
		return gputypes.BufferUsageVertex | gputypes.BufferUsageCopySrc
	case StateCopySource:
		return gputypes.BufferUsageCopySrc
	case StateCopyDest:
		return gputypes.BufferUsageCopyDst
	default:
		return gputypes.BufferUsageNone
	}
}

// Barrier describes one buffer's move between two states. A barrier whose
// Before and After are equal is a full read/write barrier on the buffer:
// every write before it is visible to every read after it.
type Barrier struct {
	Buffer *Buffer
	Before State
	After  State
}

// IsUAV reports whether the barrier orders accesses without changing state.
func (b Barrier) IsUAV() bool { return b.Before == b.After }

// String returns a compact description for logs.
func (b Barrier) String() string {
	return fmt.Sprintf("%s: %s -> %s", b.Buffer.Label(), b.Before, b.After)
}

// Buffer carries the state of one device buffer. Only the state is
// tracked; the storage itself lives in an Array or in a backend resource.
type Buffer struct {
	label  string
	stride int
	count  int

	mu    sync.Mutex
	state State
}

// NewBuffer describes a buffer of count elements of stride bytes, starting
// in state.
func NewBuffer(label string, count, stride int, state State) *Buffer {
	return &Buffer{label: label, count: count, stride: stride, state: state}
}

// Label returns the debug name.
func (b *Buffer) Label() string { return b.label }

// Len returns the number of elements.
func (b *Buffer) Len() int { return b.count }

// Stride returns the size of one element in bytes.
func (b *Buffer) Stride() int { return b.stride }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 {
	//nolint:gosec // G115: count and stride are positive and bounded by the arena budget
	return uint64(b.count) * uint64(b.stride)
}

// State returns the current state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Transition moves the buffer to next and returns the barrier that
// describes the move.
func (b *Buffer) Transition(next State) Barrier {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.state
	b.state = next
	return Barrier{Buffer: b, Before: prev, After: next}
}

// UAV returns a full barrier on the buffer in its current state.
func (b *Buffer) UAV() Barrier {
	s := b.State()
	return Barrier{Buffer: b, Before: s, After: s}
}
