package physics

import (
	"fmt"
	"math"
)

// Lattice fills positions with a cubic lattice of the given spacing, offset
// by one spacing from the origin, and returns an error if the lattice does
// not fit inside boundary. The layout depends only on len(positions) and
// spacing.
func Lattice(positions [][3]float32, spacing float32, boundary [3]float32) error {
	n := len(positions)
	if n == 0 {
		return nil
	}
	if !(spacing > 0) {
		return fmt.Errorf("%w: lattice spacing %v must be positive", ErrInvalidParams, spacing)
	}
	side := int(math.Round(math.Cbrt(float64(n))))
	for side*side*side < n {
		side++
	}
	extent := spacing * float32(side+1)
	for a := range 3 {
		if extent > boundary[a] {
			return fmt.Errorf("%w: %d particles at spacing %v need %v, boundary[%d] is %v",
				ErrInvalidParams, n, spacing, extent, a, boundary[a])
		}
	}
	for i := range positions {
		x := i % side
		y := (i / side) % side
		z := i / (side * side)
		positions[i] = [3]float32{
			spacing * float32(x+1),
			spacing * float32(y+1),
			spacing * float32(z+1),
		}
	}
	return nil
}
