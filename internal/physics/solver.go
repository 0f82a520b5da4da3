package physics

import (
	"fmt"
	"math"

	"github.com/gogpu/sph/internal/hash"
)

// minDistance is the separation below which two particles are treated as
// coincident and the pressure direction is undefined.
const minDistance = 1e-6

// State is the per-particle data the stages read and write. Slices are
// fixed-length views of arena buffers.
type State struct {
	Positions     [][3]float32
	Velocities    [][3]float32
	Densities     []float32
	Accelerations [][3]float32
	Entries       []hash.Entry
	Table         []uint32
}

// Len returns the particle count.
func (s *State) Len() int { return len(s.Positions) }

func (s *State) neighbors(g hash.Grid, p [3]float32, fn func(j uint32)) {
	g.Neighbors(p, func(cell uint32) {
		start, end, ok := hash.Range(s.Entries, s.Table, cell)
		if !ok {
			return
		}
		for k := start; k < end; k++ {
			fn(s.Entries[k].Particle)
		}
	})
}

// DensityRange evaluates density for particles [lo, hi). The particle's
// own contribution is always part of the sum because its cell is part of
// the neighbourhood.
func DensityRange(c *Constants, g hash.Grid, s *State, lo, hi int) {
	for i := lo; i < hi; i++ {
		pi := s.Positions[i]
		var rho float32
		s.neighbors(g, pi, func(j uint32) {
			pj := s.Positions[j]
			dx, dy, dz := pi[0]-pj[0], pi[1]-pj[1], pi[2]-pj[2]
			rho += c.Mass * c.Poly6(dx*dx+dy*dy+dz*dz)
		})
		s.Densities[i] = rho
	}
}

// ForceRange accumulates pressure, viscosity and gravity into the
// acceleration of particles [lo, hi). It only reads positions, velocities
// and densities, so all particles can be evaluated in parallel.
func ForceRange(c *Constants, g hash.Grid, s *State, lo, hi int) {
	for i := lo; i < hi; i++ {
		pi, vi := s.Positions[i], s.Velocities[i]
		rhoI := c.safeDensity(s.Densities[i])
		pressI := c.Pressure(rhoI)

		var f [3]float32
		s.neighbors(g, pi, func(j uint32) {
			if int(j) == i {
				return
			}
			pj := s.Positions[j]
			r := [3]float32{pi[0] - pj[0], pi[1] - pj[1], pi[2] - pj[2]}
			d2 := r[0]*r[0] + r[1]*r[1] + r[2]*r[2]
			if d2 >= c.H2 {
				return
			}
			d := float32(math.Sqrt(float64(d2)))
			rhoJ := c.safeDensity(s.Densities[j])

			if d > minDistance {
				press := -c.Mass * (pressI + c.Pressure(rhoJ)) / (2 * rhoJ) * c.SpikyGrad(d) / d
				f[0] += press * r[0]
				f[1] += press * r[1]
				f[2] += press * r[2]
			}

			vj := s.Velocities[j]
			visc := c.Viscosity * c.Mass * c.ViscLap(d) / rhoJ
			f[0] += visc * (vj[0] - vi[0])
			f[1] += visc * (vj[1] - vi[1])
			f[2] += visc * (vj[2] - vi[2])
		})

		for a := range 3 {
			s.Accelerations[i][a] = f[a]/rhoI + c.Gravity[a]
		}
	}
}

// IntegrateRange advances particles [lo, hi) by one timestep with
// semi-implicit Euler and reflects them at the domain boundary.
func IntegrateRange(c *Constants, s *State, lo, hi int) {
	dt := c.Timestep
	for i := lo; i < hi; i++ {
		p, v := &s.Positions[i], &s.Velocities[i]
		acc := s.Accelerations[i]
		for a := range 3 {
			v[a] += acc[a] * dt
			p[a] += v[a] * dt
		}
		Reflect(c, p, v)
	}
}

// Reflect clamps p into [0, Boundary] and inverts, scaled by Restitution,
// every velocity component that points out through the plane it crossed.
func Reflect(c *Constants, p, v *[3]float32) {
	for a := range 3 {
		switch {
		case p[a] < 0:
			p[a] = 0
			if v[a] < 0 {
				v[a] = -v[a] * c.Restitution
			}
		case p[a] > c.Boundary[a]:
			p[a] = c.Boundary[a]
			if v[a] > 0 {
				v[a] = -v[a] * c.Restitution
			}
		}
	}
}

// Stage identifies a physics stage.
type Stage int

const (
	// StageDensity evaluates per-particle density.
	StageDensity Stage = iota
	// StageForces accumulates forces and integrates.
	StageForces
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageDensity:
		return "density"
	case StageForces:
		return "forces"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Solver runs the physics stages on an executor.
type Solver struct {
	Constants Constants
	Grid      hash.Grid
	Executor  hash.Executor
	Barrier   func(s Stage)
}

// Density runs the density stage.
func (sv *Solver) Density(s *State) error {
	if err := sv.Executor.Dispatch(s.Len(), func(lo, hi int) {
		DensityRange(&sv.Constants, sv.Grid, s, lo, hi)
	}); err != nil {
		return fmt.Errorf("physics: %s: %w", StageDensity, err)
	}
	return nil
}

// Forces runs the force stage: one dispatch to accumulate accelerations,
// a barrier, then one dispatch to integrate.
func (sv *Solver) Forces(s *State) error {
	if err := sv.Executor.Dispatch(s.Len(), func(lo, hi int) {
		ForceRange(&sv.Constants, sv.Grid, s, lo, hi)
	}); err != nil {
		return fmt.Errorf("physics: %s: %w", StageForces, err)
	}
	if sv.Barrier != nil {
		sv.Barrier(StageForces)
	}
	if err := sv.Executor.Dispatch(s.Len(), func(lo, hi int) {
		IntegrateRange(&sv.Constants, s, lo, hi)
	}); err != nil {
		return fmt.Errorf("physics: %s integrate: %w", StageForces, err)
	}
	return nil
}
