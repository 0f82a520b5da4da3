package physics

import (
	"math"
	"testing"

	"github.com/gogpu/sph/internal/hash"
	"github.com/gogpu/sph/internal/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultParams() Params {
	return Params{
		SmoothingRadius:  1.5,
		ReferenceDensity: 1,
		PressureConstant: 250,
		Viscosity:        0.018,
		Mass:             1,
		Timestep:         0.005,
		Restitution:      0.5,
		Gravity:          [3]float32{0, -9.81, 0},
		Boundary:         [3]float32{7, 7, 7},
	}
}

func newState(n, cells int) *State {
	return &State{
		Positions:     make([][3]float32, n),
		Velocities:    make([][3]float32, n),
		Densities:     make([]float32, n),
		Accelerations: make([][3]float32, n),
		Entries:       make([]hash.Entry, n),
		Table:         make([]uint32, cells),
	}
}

type fixture struct {
	c       Constants
	g       hash.Grid
	pool    *parallel.WorkerPool
	builder hash.Builder
	solver  Solver
}

func newFixture(t *testing.T, p Params) *fixture {
	t.Helper()
	c, err := NewConstants(p)
	require.NoError(t, err)
	g, err := hash.NewGrid(p.Boundary, p.SmoothingRadius)
	require.NoError(t, err)
	pool := parallel.NewWorkerPool(4, 64)
	t.Cleanup(pool.Close)
	return &fixture{
		c:       c,
		g:       g,
		pool:    pool,
		builder: hash.Builder{Grid: g, Executor: pool},
		solver:  Solver{Constants: c, Grid: g, Executor: pool},
	}
}

func (f *fixture) step(t *testing.T, s *State) {
	t.Helper()
	require.NoError(t, f.builder.Build(s.Positions, s.Entries, s.Table))
	require.NoError(t, f.solver.Density(s))
	require.NoError(t, f.solver.Forces(s))
}

// =============================================================================
// Kernels
// =============================================================================

func TestKernelSupport(t *testing.T) {
	c, err := NewConstants(defaultParams())
	require.NoError(t, err)

	assert.Positive(t, c.Poly6(0))
	assert.Zero(t, c.Poly6(c.H2))
	assert.Zero(t, c.SpikyGrad(1.5))
	assert.Negative(t, c.SpikyGrad(0.5))
	assert.Positive(t, c.ViscLap(0.5))
	assert.Zero(t, c.ViscLap(2))

	want := 315 / (64 * math.Pi * math.Pow(1.5, 9))
	assert.InDelta(t, want, float64(c.DensityKernel), 1e-6)
}

func TestParamsValidate(t *testing.T) {
	p := defaultParams()
	p.SmoothingRadius = 0
	_, err := NewConstants(p)
	assert.ErrorIs(t, err, ErrInvalidParams)

	p = defaultParams()
	p.Restitution = 1.5
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)

	p = defaultParams()
	p.Boundary[1] = float32(math.Inf(1))
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
}

// =============================================================================
// Density
// =============================================================================

func TestDensityIncludesSelf(t *testing.T) {
	f := newFixture(t, defaultParams())
	s := newState(256, f.g.Cells())
	require.NoError(t, Lattice(s.Positions, 0.2, f.c.Boundary))
	require.NoError(t, f.builder.Build(s.Positions, s.Entries, s.Table))
	require.NoError(t, f.solver.Density(s))

	self := f.c.SelfDensity()
	for i, rho := range s.Densities {
		assert.GreaterOrEqual(t, rho, self, "particle %d", i)
	}
}

func TestDensityIsolatedParticle(t *testing.T) {
	f := newFixture(t, defaultParams())
	s := newState(2, f.g.Cells())
	s.Positions[0] = [3]float32{0.5, 0.5, 0.5}
	s.Positions[1] = [3]float32{6.5, 6.5, 6.5}
	require.NoError(t, f.builder.Build(s.Positions, s.Entries, s.Table))
	require.NoError(t, f.solver.Density(s))

	assert.InDelta(t, f.c.SelfDensity(), s.Densities[0], 1e-6)
	assert.InDelta(t, f.c.SelfDensity(), s.Densities[1], 1e-6)
}

// =============================================================================
// Forces and integration
// =============================================================================

func TestPressureIsSymmetricAndRepulsive(t *testing.T) {
	p := defaultParams()
	p.Gravity = [3]float32{}
	p.Viscosity = 0
	// Below the pair's density so the pressure is positive.
	p.ReferenceDensity = 0.1
	f := newFixture(t, p)

	s := newState(2, f.g.Cells())
	s.Positions[0] = [3]float32{3, 3, 3}
	s.Positions[1] = [3]float32{3.5, 3, 3}
	require.NoError(t, f.builder.Build(s.Positions, s.Entries, s.Table))
	require.NoError(t, f.solver.Density(s))
	require.NoError(t, f.solver.Executor.Dispatch(2, func(lo, hi int) {
		ForceRange(&f.c, f.g, s, lo, hi)
	}))

	a0, a1 := s.Accelerations[0], s.Accelerations[1]
	assert.Negative(t, a0[0], "left particle is pushed left")
	assert.Positive(t, a1[0], "right particle is pushed right")
	assert.InDelta(t, -a0[0], a1[0], 1e-3)
	assert.Zero(t, a0[1])
	assert.Zero(t, a0[2])
}

func TestZeroDensityDoesNotDivideByZero(t *testing.T) {
	f := newFixture(t, defaultParams())
	s := newState(2, f.g.Cells())
	s.Positions[0] = [3]float32{3, 3, 3}
	s.Positions[1] = [3]float32{3.2, 3, 3}
	require.NoError(t, f.builder.Build(s.Positions, s.Entries, s.Table))
	// Densities left at zero.
	ForceRange(&f.c, f.g, s, 0, 2)
	for _, a := range s.Accelerations {
		for _, v := range a {
			assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
	}
}

func TestBoundaryReflection(t *testing.T) {
	p := defaultParams()
	p.Gravity = [3]float32{}
	p.Restitution = 0.8
	f := newFixture(t, p)

	s := newState(2, f.g.Cells())
	s.Positions[0] = [3]float32{0, 3, 3}
	s.Velocities[0] = [3]float32{-2, 0, 0}
	s.Positions[1] = [3]float32{7, 6, 6}
	s.Velocities[1] = [3]float32{0, 0, 3}
	s.Positions[1][2] = 7
	f.step(t, s)

	assert.Equal(t, float32(0), s.Positions[0][0])
	assert.InDelta(t, 1.6, s.Velocities[0][0], 1e-5)
	assert.Equal(t, float32(7), s.Positions[1][2])
	assert.InDelta(t, -2.4, s.Velocities[1][2], 1e-5)
}

func TestReflectLeavesInboundVelocity(t *testing.T) {
	c, err := NewConstants(defaultParams())
	require.NoError(t, err)
	p := [3]float32{-0.1, 3, 3}
	v := [3]float32{1, 0, 0}
	Reflect(&c, &p, &v)
	assert.Equal(t, [3]float32{0, 3, 3}, p)
	assert.Equal(t, [3]float32{1, 0, 0}, v)
}

// =============================================================================
// Lattice
// =============================================================================

func TestLattice(t *testing.T) {
	pos := make([][3]float32, 4096)
	require.NoError(t, Lattice(pos, 0.2, [3]float32{7, 7, 7}))
	assert.InDelta(t, 0.2, pos[0][0], 1e-6)
	assert.InDelta(t, 3.2, pos[4095][0], 1e-5)
	assert.InDelta(t, 3.2, pos[4095][2], 1e-5)

	err := Lattice(make([][3]float32, 4096), 1, [3]float32{7, 7, 7})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

// =============================================================================
// Scenario
// =============================================================================

func TestScenarioStaysInsideDomain(t *testing.T) {
	if testing.Short() {
		t.Skip("scenario runs 100 full steps")
	}
	const eps = 1e-4
	p := defaultParams()
	f := newFixture(t, p)

	s := newState(4096, f.g.Cells())
	require.NoError(t, Lattice(s.Positions, 0.2, p.Boundary))

	for range 100 {
		f.step(t, s)
	}

	require.Len(t, s.Positions, 4096)
	for i, pos := range s.Positions {
		for a := range 3 {
			v := float64(pos[a])
			require.False(t, math.IsNaN(v), "particle %d axis %d is NaN", i, a)
			require.GreaterOrEqual(t, v, -eps, "particle %d axis %d", i, a)
			require.LessOrEqual(t, v, float64(p.Boundary[a])+eps, "particle %d axis %d", i, a)
		}
	}
}
