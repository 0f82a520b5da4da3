package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/sph/internal/buffer"
	"github.com/gogpu/sph/internal/fence"
	"github.com/gogpu/sph/internal/hash"
	"github.com/gogpu/sph/internal/physics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConstants(t *testing.T) physics.Constants {
	t.Helper()
	c, err := physics.NewConstants(physics.Params{
		SmoothingRadius:  1.5,
		ReferenceDensity: 1,
		PressureConstant: 250,
		Viscosity:        0.018,
		Mass:             1,
		Timestep:         0.005,
		Restitution:      0.5,
		Gravity:          [3]float32{0, -9.81, 0},
		Boundary:         [3]float32{7, 7, 7},
	})
	require.NoError(t, err)
	return c
}

func newSystem(t *testing.T, n int) *System {
	t.Helper()
	sys, err := NewSystem(n, testConstants(t), buffer.NewArena(0))
	require.NoError(t, err)
	require.NoError(t, sys.Seed(0.2))
	return sys
}

// =============================================================================
// Queue
// =============================================================================

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()

	var mu sync.Mutex
	var order []int
	for i := range 20 {
		require.NoError(t, q.Submit(WorkFunc{Name: "w", Fn: func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}}))
	}
	require.NoError(t, q.Close())

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
	assert.Equal(t, uint64(20), q.Executed())
}

func TestQueueSignalFollowsWork(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()
	f := fence.New("f")

	release := make(chan struct{})
	require.NoError(t, q.Submit(WorkFunc{Name: "slow", Fn: func() error {
		<-release
		return nil
	}}))
	require.NoError(t, q.Signal(f, 2))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, fence.Baseline, f.Completed(), "signal ran before the work")

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.Wait(ctx, 2))
}

func TestQueueFailureLosesFences(t *testing.T) {
	q := NewQueue("compute")
	defer q.Close()
	f := fence.New("f")
	boom := errors.New("boom")

	require.NoError(t, q.Submit(WorkFunc{Name: "bad", Fn: func() error { return boom }}))
	require.NoError(t, q.Signal(f, 2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := f.Wait(ctx, 2)
	require.ErrorIs(t, err, fence.ErrDeviceLost)
	assert.ErrorIs(t, err, boom)

	err = q.Submit(WorkFunc{Name: "next", Fn: func() error { return nil }})
	assert.ErrorIs(t, err, fence.ErrDeviceLost)
	assert.ErrorIs(t, q.Close(), boom)
}

func TestQueueClose(t *testing.T) {
	q := NewQueue("test")
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	err := q.Submit(WorkFunc{Name: "late", Fn: func() error { return nil }})
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, "test", q.Name())
}

func TestQueueWithSynchronizer(t *testing.T) {
	q := NewQueue("compute")
	defer q.Close()
	s := fence.NewSynchronizer()

	gen, err := s.SignalComputeDone(q)
	require.NoError(t, err)
	assert.Equal(t, fence.Baseline+1, gen)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, fence.Compute, gen))
}

// =============================================================================
// System
// =============================================================================

func TestNewSystemAllocatesOnce(t *testing.T) {
	arena := buffer.NewArena(0)
	sys, err := NewSystem(256, testConstants(t), arena)
	require.NoError(t, err)

	assert.Equal(t, 256, sys.Len())
	assert.Equal(t, sys.Grid.Cells(), sys.Table.Len())
	assert.Len(t, sys.Buffers(), 6)

	_, err = buffer.Alloc[float32](arena, "extra", 1, buffer.StateCommon)
	assert.ErrorIs(t, err, buffer.ErrArenaSealed)
}

func TestNewSystemRejects(t *testing.T) {
	_, err := NewSystem(100, testConstants(t), buffer.NewArena(0))
	assert.ErrorIs(t, err, hash.ErrNotPowerOfTwo)

	_, err = NewSystem(4096, testConstants(t), buffer.NewArena(1024))
	assert.ErrorIs(t, err, buffer.ErrBudgetExceeded)
}

// =============================================================================
// CPU pipeline
// =============================================================================

func TestCPUPipelineStep(t *testing.T) {
	sys := newSystem(t, 512)
	p := NewCPUPipeline(sys, 4, 64)
	defer p.Close()

	before := append([][3]float32(nil), sys.Positions.Data...)
	require.NoError(t, p.Encode(Frame{Index: 1}).Execute())

	assert.NotEqual(t, before, sys.Positions.Data, "gravity moves the particles")
	assert.Positive(t, p.Barriers())
	assert.Equal(t, "cpu", p.Name())
	for i, rho := range sys.Densities.Data {
		require.GreaterOrEqual(t, rho, sys.Constants.SelfDensity(), "particle %d", i)
	}
}

func TestCPUPipelineBarrierSink(t *testing.T) {
	sys := newSystem(t, 256)
	p := NewCPUPipeline(sys, 2, 32)
	defer p.Close()

	var got []buffer.Barrier
	p.Sink = func(b []buffer.Barrier) { got = append(got, b...) }
	require.NoError(t, p.Step())

	assert.Equal(t, uint64(len(got)), p.Barriers())
	labels := make(map[string]bool)
	for _, b := range got {
		labels[b.Buffer.Label()] = true
	}
	for _, want := range []string{"grid-entries", "lookup-table", "densities", "accelerations", "positions"} {
		assert.True(t, labels[want], "no barrier on %s", want)
	}
}

func TestCPUPipelineRestoresPositionsState(t *testing.T) {
	sys := newSystem(t, 256)
	p := NewCPUPipeline(sys, 2, 32)
	defer p.Close()

	sys.Positions.Transition(buffer.StateGenericRead)
	require.NoError(t, p.Step())
	assert.Equal(t, buffer.StateUnorderedAccess, sys.Positions.State())
}

func TestReseedIsIdempotent(t *testing.T) {
	sys := newSystem(t, 1024)
	p := NewCPUPipeline(sys, 4, 64)
	defer p.Close()

	run := func() [][3]float32 {
		require.NoError(t, sys.Seed(0.2))
		for range 10 {
			require.NoError(t, p.Step())
		}
		return append([][3]float32(nil), sys.Positions.Data...)
	}
	first := run()
	second := run()
	assert.Equal(t, first, second)
}
