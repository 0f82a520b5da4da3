package device

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/sph/internal/buffer"
	"github.com/gogpu/sph/internal/hash"
	"github.com/gogpu/sph/internal/parallel"
	"github.com/gogpu/sph/internal/physics"
)

// Frame identifies one compute frame.
type Frame struct {
	Index uint64

	// Time is the wall-clock time since the simulation started. Backends
	// with a time uniform upload it before the frame runs.
	Time time.Duration
}

// Pipeline encodes the five compute stages of one simulation frame:
// assign, sort, table, density and forces.
type Pipeline interface {
	// Name identifies the backend that executes the pipeline.
	Name() string

	// Encode returns the work for one frame. The work must be submitted to
	// the compute queue; it leaves the new positions in the system's
	// Positions array when it completes.
	Encode(f Frame) Work

	// Load makes the pipeline pick up host-side changes to the system's
	// positions and velocities, such as a re-seed.
	Load() error

	// Barriers returns the number of buffer barriers recorded so far.
	Barriers() uint64

	// Close releases the pipeline's resources.
	Close() error
}

// BarrierRecorder counts buffer barriers and forwards them to an optional
// sink. Backends embed it to share the barrier bookkeeping.
type BarrierRecorder struct {
	Sink  func([]buffer.Barrier)
	count atomic.Uint64
}

// Record registers barriers.
func (r *BarrierRecorder) Record(barriers ...buffer.Barrier) {
	if len(barriers) == 0 {
		return
	}
	r.count.Add(uint64(len(barriers)))
	if r.Sink != nil {
		r.Sink(barriers)
	}
}

// Barriers returns the number of barriers recorded.
func (r *BarrierRecorder) Barriers() uint64 { return r.count.Load() }

// CPUPipeline runs the compute stages on a worker pool. The pool's group
// width plays the role of the workgroup size for the sort schedule.
type CPUPipeline struct {
	BarrierRecorder

	sys     *System
	pool    *parallel.WorkerPool
	builder hash.Builder
	solver  physics.Solver
}

// NewCPUPipeline creates a pipeline over sys with the given worker count
// and group width. Zero values select the pool defaults.
func NewCPUPipeline(sys *System, workers, width int) *CPUPipeline {
	p := &CPUPipeline{
		sys:  sys,
		pool: parallel.NewWorkerPool(workers, width),
	}
	p.builder = hash.Builder{Grid: sys.Grid, Executor: p.pool, Barrier: p.hashBarrier}
	p.solver = physics.Solver{
		Constants: sys.Constants,
		Grid:      sys.Grid,
		Executor:  p.pool,
		Barrier:   p.physicsBarrier,
	}
	slogger().Info("cpu pipeline ready",
		"particles", sys.Len(), "cells", sys.Grid.Cells(),
		"workers", p.pool.Workers(), "width", p.pool.Width())
	return p
}

// Name returns "cpu".
func (p *CPUPipeline) Name() string { return "cpu" }

// Pool returns the worker pool executing the dispatches.
func (p *CPUPipeline) Pool() *parallel.WorkerPool { return p.pool }

func (p *CPUPipeline) hashBarrier(s hash.Stage) {
	switch s {
	case hash.StageSort:
		p.Record(p.sys.Entries.UAV())
	case hash.StageTable:
		p.Record(p.sys.Entries.UAV(), p.sys.Table.UAV())
	}
}

func (p *CPUPipeline) physicsBarrier(physics.Stage) {
	p.Record(p.sys.Accelerations.UAV())
}

// Encode returns the work for one frame.
func (p *CPUPipeline) Encode(f Frame) Work {
	return WorkFunc{
		Name: fmt.Sprintf("compute frame %d", f.Index),
		Fn:   p.step,
	}
}

// Step runs the five stages on the calling goroutine. It is what the
// encoded work executes.
func (p *CPUPipeline) Step() error { return p.step() }

func (p *CPUPipeline) step() error {
	sys := p.sys
	if sys.Positions.State() != buffer.StateUnorderedAccess {
		p.Record(sys.Positions.Transition(buffer.StateUnorderedAccess))
	}

	st := sys.State()
	if err := p.builder.Build(st.Positions, st.Entries, st.Table); err != nil {
		return err
	}
	p.Record(sys.Table.UAV())
	if err := p.solver.Density(st); err != nil {
		return err
	}
	p.Record(sys.Densities.UAV())
	if err := p.solver.Forces(st); err != nil {
		return err
	}
	p.Record(sys.Positions.UAV(), sys.Velocities.UAV())
	slogger().Debug("compute frame done", "dispatches", p.pool.Dispatches(), "barriers", p.Barriers())
	return nil
}

// Load is a no-op: the stages read the host arrays directly.
func (p *CPUPipeline) Load() error { return nil }

// Close stops the worker pool.
func (p *CPUPipeline) Close() error {
	p.pool.Close()
	return nil
}
