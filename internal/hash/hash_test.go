package hash

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gogpu/sph/internal/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serial runs every dispatch on the calling goroutine in one chunk.
type serial struct{ width int }

func (s serial) Dispatch(n int, fn func(lo, hi int)) error {
	fn(0, n)
	return nil
}

func (s serial) Width() int { return s.width }

func randomPositions(n int, boundary [3]float32, seed uint64) [][3]float32 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	pos := make([][3]float32, n)
	for i := range pos {
		for a := range 3 {
			pos[i][a] = r.Float32() * boundary[a]
		}
	}
	return pos
}

func newGrid(t *testing.T) Grid {
	t.Helper()
	g, err := NewGrid([3]float32{7, 10, 7}, 1.5)
	require.NoError(t, err)
	return g
}

// =============================================================================
// Grid
// =============================================================================

func TestGridDims(t *testing.T) {
	g := newGrid(t)
	assert.Equal(t, [3]int{5, 7, 5}, g.Dims())
	assert.Equal(t, 175, g.Cells())
}

func TestGridRejectsBadInput(t *testing.T) {
	_, err := NewGrid([3]float32{7, 7, 7}, 0)
	assert.ErrorIs(t, err, ErrInvalidGrid)
	_, err = NewGrid([3]float32{7, 7, 7}, -1)
	assert.ErrorIs(t, err, ErrInvalidGrid)
	_, err = NewGrid([3]float32{7, 0, 7}, 1)
	assert.ErrorIs(t, err, ErrInvalidGrid)
	_, err = NewGrid([3]float32{7, 7, 7}, float32(math.NaN()))
	assert.ErrorIs(t, err, ErrInvalidGrid)
}

func TestGridFarBoundaryHasCell(t *testing.T) {
	g := newGrid(t)
	c := g.Coord([3]float32{7, 10, 7})
	assert.Equal(t, [3]int{4, 6, 4}, c)
	_, ok := g.Flatten(c)
	assert.True(t, ok)
}

func TestGridNeighborsCorner(t *testing.T) {
	g := newGrid(t)
	var cells []uint32
	g.Neighbors([3]float32{0, 0, 0}, func(c uint32) { cells = append(cells, c) })
	assert.Len(t, cells, 8)

	cells = cells[:0]
	g.Neighbors([3]float32{3, 3, 3}, func(c uint32) { cells = append(cells, c) })
	assert.Len(t, cells, 27)
}

// =============================================================================
// Schedule
// =============================================================================

func TestScheduleBarrierRule(t *testing.T) {
	sched, err := Schedule(4096, 256)
	require.NoError(t, err)

	for _, d := range sched {
		if d.Global {
			require.Len(t, d.Passes, 1)
			assert.GreaterOrEqual(t, d.Passes[0].Stride, uint32(256))
			continue
		}
		for _, p := range d.Passes {
			assert.Less(t, p.Stride, uint32(256))
		}
	}

	// Local sort of every group, then for k = 512..4096 the global strides
	// (1+2+3+4) each followed by one local merge.
	assert.Equal(t, 1+(1+1)+(2+1)+(3+1)+(4+1), Barriers(sched))
}

func TestScheduleWidthOneIsOneBarrierPerPass(t *testing.T) {
	sched, err := Schedule(16, 1)
	require.NoError(t, err)
	// log2(16) = 4 blocks with 1+2+3+4 passes.
	assert.Len(t, sched, 10)
	for _, d := range sched {
		assert.True(t, d.Global)
	}
}

func TestScheduleWiderThanInput(t *testing.T) {
	sched, err := Schedule(64, 256)
	require.NoError(t, err)
	require.Len(t, sched, 1)
	assert.False(t, sched[0].Global)
	assert.Len(t, sched[0].Passes, 21) // 1+2+...+6
}

func TestScheduleRejectsNonPowerOfTwo(t *testing.T) {
	_, err := Schedule(100, 256)
	assert.ErrorIs(t, err, ErrNotPowerOfTwo)
	_, err = Schedule(128, 3)
	assert.ErrorIs(t, err, ErrNotPowerOfTwo)
}

// =============================================================================
// Sort
// =============================================================================

func assertGrouped(t *testing.T, entries []Entry) {
	t.Helper()
	seen := make(map[uint32]bool)
	for i, e := range entries {
		if i > 0 && e.Cell == entries[i-1].Cell {
			continue
		}
		require.False(t, seen[e.Cell], "cell %d appears in two runs (index %d)", e.Cell, i)
		seen[e.Cell] = true
	}
}

func TestSortGroupsAndPermutes(t *testing.T) {
	pool := parallel.NewWorkerPool(4, 32)
	defer pool.Close()

	for _, n := range []int{1, 2, 32, 256, 1024, 4096} {
		r := rand.New(rand.NewPCG(uint64(n), 7))
		entries := make([]Entry, n)
		for i := range entries {
			entries[i] = Entry{Cell: uint32(r.IntN(50)), Particle: uint32(i)}
		}

		barriers := 0
		require.NoError(t, Sort(pool, entries, func() { barriers++ }))
		assertGrouped(t, entries)

		// Bitonic sort fully orders cells.
		for i := 1; i < n; i++ {
			require.LessOrEqual(t, entries[i-1].Cell, entries[i].Cell)
		}
		// Every particle is still present exactly once.
		seen := make([]bool, n)
		for _, e := range entries {
			require.False(t, seen[e.Particle])
			seen[e.Particle] = true
		}
		if n > 1 {
			assert.Positive(t, barriers)
		}
	}
}

func TestSortSerialMatchesPool(t *testing.T) {
	pool := parallel.NewWorkerPool(8, 16)
	defer pool.Close()

	r := rand.New(rand.NewPCG(1, 2))
	a := make([]Entry, 2048)
	for i := range a {
		a[i] = Entry{Cell: uint32(r.IntN(300)), Particle: uint32(i)}
	}
	b := append([]Entry(nil), a...)

	require.NoError(t, Sort(serial{width: 16}, a, nil))
	require.NoError(t, Sort(pool, b, nil))
	assert.Equal(t, a, b)
}

// =============================================================================
// Build
// =============================================================================

func build(t *testing.T, ex Executor, g Grid, pos [][3]float32) ([]Entry, []uint32) {
	t.Helper()
	entries := make([]Entry, len(pos))
	table := make([]uint32, g.Cells())
	b := Builder{Grid: g, Executor: ex}
	require.NoError(t, b.Build(pos, entries, table))
	return entries, table
}

func TestBuildGridCompleteness(t *testing.T) {
	g := newGrid(t)
	pos := randomPositions(1024, [3]float32{7, 10, 7}, 3)

	entries := make([]Entry, len(pos))
	AssignRange(g, pos, entries, 0, len(pos))
	require.Len(t, entries, len(pos))
	for i, e := range entries {
		p := pos[i]
		want, ok := g.Flatten([3]int{
			int(math.Floor(float64(p[0] / 1.5))),
			int(math.Floor(float64(p[1] / 1.5))),
			int(math.Floor(float64(p[2] / 1.5))),
		})
		require.True(t, ok)
		assert.Equal(t, want, e.Cell)
		assert.Equal(t, uint32(i), e.Particle)
	}
}

func TestBuildLookupTable(t *testing.T) {
	pool := parallel.NewWorkerPool(4, 64)
	defer pool.Close()

	g := newGrid(t)
	pos := randomPositions(2048, [3]float32{7, 10, 7}, 11)
	entries, table := build(t, pool, g, pos)

	assertGrouped(t, entries)

	members := make(map[uint32]map[uint32]bool)
	for i, p := range pos {
		c := g.CellOf(p)
		if members[c] == nil {
			members[c] = make(map[uint32]bool)
		}
		members[c][uint32(i)] = true
	}

	for cell := uint32(0); cell < uint32(g.Cells()); cell++ {
		start, end, ok := Range(entries, table, cell)
		want := members[cell]
		if len(want) == 0 {
			assert.False(t, ok, "cell %d should be empty", cell)
			assert.Equal(t, Empty, table[cell])
			continue
		}
		require.True(t, ok, "cell %d should be occupied", cell)
		got := make(map[uint32]bool)
		for k := start; k < end; k++ {
			got[entries[k].Particle] = true
		}
		assert.Equal(t, want, got, "cell %d", cell)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	pool := parallel.NewWorkerPool(4, 64)
	defer pool.Close()

	g := newGrid(t)
	pos := randomPositions(4096, [3]float32{7, 10, 7}, 99)
	e1, t1 := build(t, pool, g, pos)
	e2, t2 := build(t, serial{width: 64}, g, pos)
	assert.Equal(t, t1, t2)
	assert.Equal(t, e1, e2)
}

func TestBuildTableIsRebuiltEachPass(t *testing.T) {
	g := newGrid(t)
	pos := [][3]float32{{0.1, 0.1, 0.1}, {6.9, 9.9, 6.9}}
	entries := make([]Entry, 2)
	table := make([]uint32, g.Cells())
	for i := range table {
		table[i] = 12345
	}
	b := Builder{Grid: g, Executor: serial{width: 2}}
	require.NoError(t, b.Build(pos, entries, table))

	occupied := 0
	for _, v := range table {
		if v != Empty {
			occupied++
		}
	}
	assert.Equal(t, 2, occupied)
}

func TestBuildRejectsMismatchedBuffers(t *testing.T) {
	g := newGrid(t)
	b := Builder{Grid: g, Executor: serial{width: 4}}
	err := b.Build(make([][3]float32, 4), make([]Entry, 3), make([]uint32, g.Cells()))
	assert.Error(t, err)
	err = b.Build(make([][3]float32, 4), make([]Entry, 4), make([]uint32, 1))
	assert.Error(t, err)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "sort", StageSort.String())
	assert.Equal(t, "Stage(9)", Stage(9).String())
}
