package buffer

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// Arena errors.
var (
	// ErrBudgetExceeded is returned when an allocation would exceed the budget.
	ErrBudgetExceeded = errors.New("buffer: arena budget exceeded")

	// ErrArenaSealed is returned when allocating from a sealed arena.
	ErrArenaSealed = errors.New("buffer: arena sealed")

	// ErrInvalidLength is returned for non-positive element counts.
	ErrInvalidLength = errors.New("buffer: invalid length")
)

// DefaultBudget is the default arena capacity (64 MB).
const DefaultBudget = 64 << 20

// Arena hands out fixed-capacity arrays against a byte budget. All
// allocation happens during setup; once Seal is called the arena refuses
// further requests, so nothing can grow after the pipeline starts.
//
// Arena is safe for concurrent use.
type Arena struct {
	mu      sync.Mutex
	budget  uint64
	used    uint64
	buffers []*Buffer
	sealed  bool
}

// NewArena creates an arena with the given budget in bytes. A budget <= 0
// selects DefaultBudget.
func NewArena(budget int64) *Arena {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Arena{budget: uint64(budget)}
}

// Array is a typed, fixed-length allocation from an Arena.
type Array[T any] struct {
	*Buffer
	Data []T
}

// Alloc reserves count elements of T from a and returns them in state.
func Alloc[T any](a *Arena, label string, count int, state State) (*Array[T], error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %s: %d", ErrInvalidLength, label, count)
	}
	var zero T
	stride := int(unsafe.Sizeof(zero))
	buf := NewBuffer(label, count, stride, state)

	if err := a.reserve(buf); err != nil {
		return nil, err
	}
	return &Array[T]{Buffer: buf, Data: make([]T, count)}, nil
}

func (a *Arena) reserve(buf *Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return fmt.Errorf("%w: %s", ErrArenaSealed, buf.Label())
	}
	size := buf.Size()
	if a.used+size > a.budget {
		return fmt.Errorf("%w: %s needs %d bytes, %d of %d in use",
			ErrBudgetExceeded, buf.Label(), size, a.used, a.budget)
	}
	a.used += size
	a.buffers = append(a.buffers, buf)
	return nil
}

// Seal prevents further allocation.
func (a *Arena) Seal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
}

// Used returns the number of bytes allocated.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Budget returns the arena capacity in bytes.
func (a *Arena) Budget() uint64 { return a.budget }

// Buffers returns the buffers allocated so far, in allocation order.
func (a *Arena) Buffers() []*Buffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Buffer, len(a.buffers))
	copy(out, a.buffers)
	return out
}
