package device

import (
	"fmt"

	"github.com/gogpu/sph/internal/buffer"
	"github.com/gogpu/sph/internal/hash"
	"github.com/gogpu/sph/internal/physics"
)

// System is the particle state shared by the compute and render streams.
// Every array is allocated once from the arena and overwritten in place.
type System struct {
	Constants physics.Constants
	Grid      hash.Grid

	Positions     *buffer.Array[[3]float32]
	Velocities    *buffer.Array[[3]float32]
	Densities     *buffer.Array[float32]
	Accelerations *buffer.Array[[3]float32]
	Entries       *buffer.Array[hash.Entry]
	Table         *buffer.Array[uint32]

	arena *buffer.Arena
}

// NewSystem allocates the buffers for n particles from arena and seals it.
// n must be a power of two.
func NewSystem(n int, c physics.Constants, arena *buffer.Arena) (*System, error) {
	if n <= 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: particle count %d", hash.ErrNotPowerOfTwo, n)
	}
	g, err := hash.NewGrid(c.Boundary, c.SmoothingRadius)
	if err != nil {
		return nil, err
	}

	s := &System{Constants: c, Grid: g, arena: arena}
	uav := buffer.StateUnorderedAccess
	if s.Positions, err = buffer.Alloc[[3]float32](arena, "positions", n, uav); err != nil {
		return nil, err
	}
	if s.Velocities, err = buffer.Alloc[[3]float32](arena, "velocities", n, uav); err != nil {
		return nil, err
	}
	if s.Densities, err = buffer.Alloc[float32](arena, "densities", n, uav); err != nil {
		return nil, err
	}
	if s.Accelerations, err = buffer.Alloc[[3]float32](arena, "accelerations", n, uav); err != nil {
		return nil, err
	}
	if s.Entries, err = buffer.Alloc[hash.Entry](arena, "grid-entries", n, uav); err != nil {
		return nil, err
	}
	if s.Table, err = buffer.Alloc[uint32](arena, "lookup-table", g.Cells(), uav); err != nil {
		return nil, err
	}
	arena.Seal()
	return s, nil
}

// Len returns the particle count.
func (s *System) Len() int { return len(s.Positions.Data) }

// Arena returns the arena the buffers were allocated from.
func (s *System) Arena() *buffer.Arena { return s.arena }

// State returns the physics view of the buffers.
func (s *System) State() *physics.State {
	return &physics.State{
		Positions:     s.Positions.Data,
		Velocities:    s.Velocities.Data,
		Densities:     s.Densities.Data,
		Accelerations: s.Accelerations.Data,
		Entries:       s.Entries.Data,
		Table:         s.Table.Data,
	}
}

// Seed lays the particles out on a cubic lattice of the given spacing and
// zeroes every other buffer. Seeding twice yields identical state.
func (s *System) Seed(spacing float32) error {
	if err := physics.Lattice(s.Positions.Data, spacing, s.Constants.Boundary); err != nil {
		return err
	}
	clear(s.Velocities.Data)
	clear(s.Densities.Data)
	clear(s.Accelerations.Data)
	clear(s.Entries.Data)
	for i := range s.Table.Data {
		s.Table.Data[i] = hash.Empty
	}
	return nil
}

// Buffers returns every buffer of the system in allocation order.
func (s *System) Buffers() []*buffer.Buffer {
	return []*buffer.Buffer{
		s.Positions.Buffer,
		s.Velocities.Buffer,
		s.Densities.Buffer,
		s.Accelerations.Buffer,
		s.Entries.Buffer,
		s.Table.Buffer,
	}
}
