// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/sph/internal/buffer"
	"github.com/gogpu/sph/internal/device"
	"github.com/gogpu/sph/internal/hash"
)

// Binding slots shared by every stage shader.
const (
	bindParams uint32 = iota
	bindSort
	bindPositions
	bindVelocities
	bindDensities
	bindAccelerations
	bindEntries
	bindTable
	bindCount
)

var errNotComplete = errors.New("gpu: submission not complete")

// Pipeline runs the compute stages on the backend's device. Positions are
// read back into the system's host array at the end of every frame so the
// renderer can consume them; the other buffers stay on the device.
type Pipeline struct {
	device.BarrierRecorder

	backend *Backend
	sys     *device.System

	mu          sync.Mutex
	initialized bool

	shaderModules [StageCount]hal.ShaderModule
	pipelines     [StageCount]hal.ComputePipeline
	bgLayout      hal.BindGroupLayout
	pipeLayout    hal.PipelineLayout

	params  hal.Buffer
	staging hal.Buffer
	buffers map[*buffer.Buffer]hal.Buffer

	schedule   []hash.Dispatch
	sortParams []hal.Buffer
	bindGroups []hal.BindGroup

	submissions uint64
}

func newPipeline(b *Backend, sys *device.System) *Pipeline {
	return &Pipeline{
		backend: b,
		sys:     sys,
		buffers: make(map[*buffer.Buffer]hal.Buffer),
	}
}

// Name returns "gpu".
func (p *Pipeline) Name() string { return "gpu" }

var _ device.Pipeline = (*Pipeline)(nil)

// Schedule returns the sort dispatches encoded every frame.
func (p *Pipeline) Schedule() []hash.Dispatch { return p.schedule }

func bindGroupLayoutEntries() []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, bindCount)
	for i := range entries {
		typ := gputypes.BufferBindingTypeStorage
		if uint32(i) == bindParams || uint32(i) == bindSort { //nolint:gosec // G115: i < bindCount
			typ = gputypes.BufferBindingTypeUniform
		}
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i), //nolint:gosec // G115: i < bindCount
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: typ},
		}
	}
	return entries
}

// Init creates the shader modules, pipelines, buffers and bind groups and
// uploads the system's current state. It is a no-op when already done.
func (p *Pipeline) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	dev := p.backend.device

	sched, err := hash.Schedule(p.sys.Len(), min(WorkgroupSize, p.sys.Len()))
	if err != nil {
		return fmt.Errorf("gpu: sort schedule: %w", err)
	}
	p.schedule = sched

	p.bgLayout, err = dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "sph_bgl",
		Entries: bindGroupLayoutEntries(),
	})
	if err != nil {
		p.destroy()
		return fmt.Errorf("gpu: create bind group layout: %w", err)
	}
	p.pipeLayout, err = dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "sph_pl",
		BindGroupLayouts: []hal.BindGroupLayout{p.bgLayout},
	})
	if err != nil {
		p.destroy()
		return fmt.Errorf("gpu: create pipeline layout: %w", err)
	}

	for s := Stage(0); s < StageCount; s++ {
		label := "sph_" + s.String()
		module, err := dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
			Label:  label,
			Source: hal.ShaderSource{WGSL: s.source()},
		})
		if err != nil {
			p.destroy()
			return fmt.Errorf("gpu: create shader module for %s: %w", s, err)
		}
		p.shaderModules[s] = module

		pipeline, err := dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:   label,
			Layout:  p.pipeLayout,
			Compute: hal.ComputeState{Module: module, EntryPoint: "main"},
		})
		if err != nil {
			p.destroy()
			return fmt.Errorf("gpu: create compute pipeline for %s: %w", s, err)
		}
		p.pipelines[s] = pipeline
		slogger().Debug("gpu: pipeline created", "stage", s.String(), "shader_bytes", len(s.source()))
	}

	if err := p.createBuffers(); err != nil {
		p.destroy()
		return err
	}
	if err := p.createBindGroups(); err != nil {
		p.destroy()
		return err
	}
	if err := p.upload(); err != nil {
		p.destroy()
		return err
	}

	slogger().Info("gpu: pipelines initialized",
		"stages", int(StageCount),
		"particles", p.sys.Len(),
		"sort_dispatches", len(p.schedule))
	p.initialized = true
	return nil
}

func (p *Pipeline) createBuffer(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	buf, err := p.backend.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create buffer %s (%d bytes): %w", label, size, err)
	}
	return buf, nil
}

func (p *Pipeline) createBuffers() error {
	var err error
	p.params, err = p.createBuffer("sph_params", paramsSize,
		gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	storage := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	for _, b := range p.sys.Buffers() {
		hb, err := p.createBuffer("sph_"+b.Label(), b.Size(), storage)
		if err != nil {
			return err
		}
		p.buffers[b] = hb
	}
	p.staging, err = p.createBuffer("sph_positions_readback", p.sys.Positions.Size(),
		gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}

	p.sortParams = make([]hal.Buffer, len(p.schedule))
	for i, d := range p.schedule {
		sb, err := p.createBuffer(fmt.Sprintf("sph_sort_%d", i), sortParamsSize,
			gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		p.sortParams[i] = sb
		if err := p.backend.queue.WriteBuffer(sb, 0, encodeSort(d, p.sys.Len())); err != nil {
			return fmt.Errorf("gpu: upload sort params %d: %w", i, err)
		}
	}
	return nil
}

// createBindGroups creates one bind group per sort dispatch. Stages other
// than the sort use the first one.
func (p *Pipeline) createBindGroups() error {
	sys := p.sys
	storage := []struct {
		slot uint32
		buf  *buffer.Buffer
	}{
		{bindPositions, sys.Positions.Buffer},
		{bindVelocities, sys.Velocities.Buffer},
		{bindDensities, sys.Densities.Buffer},
		{bindAccelerations, sys.Accelerations.Buffer},
		{bindEntries, sys.Entries.Buffer},
		{bindTable, sys.Table.Buffer},
	}

	p.bindGroups = make([]hal.BindGroup, len(p.sortParams))
	for i, sb := range p.sortParams {
		entries := []gputypes.BindGroupEntry{
			{Binding: bindParams, Resource: gputypes.BufferBinding{
				Buffer: p.params.NativeHandle(), Size: paramsSize,
			}},
			{Binding: bindSort, Resource: gputypes.BufferBinding{
				Buffer: sb.NativeHandle(), Size: sortParamsSize,
			}},
		}
		for _, s := range storage {
			entries = append(entries, gputypes.BindGroupEntry{
				Binding: s.slot,
				Resource: gputypes.BufferBinding{
					Buffer: p.buffers[s.buf].NativeHandle(),
					Size:   s.buf.Size(),
				},
			})
		}
		bg, err := p.backend.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   fmt.Sprintf("sph_bg_%d", i),
			Layout:  p.bgLayout,
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("gpu: create bind group %d: %w", i, err)
		}
		p.bindGroups[i] = bg
	}
	return nil
}

// Load uploads the system's host positions and velocities, for example
// after a re-seed.
func (p *Pipeline) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return errors.New("gpu: pipeline not initialized")
	}
	return p.upload()
}

func (p *Pipeline) upload() error {
	q := p.backend.queue
	sys := p.sys
	if err := q.WriteBuffer(p.params, 0, encodeParams(&sys.Constants, sys.Grid, sys.Len())); err != nil {
		return fmt.Errorf("gpu: upload params: %w", err)
	}
	if err := q.WriteBuffer(p.buffers[sys.Positions.Buffer], 0, asBytes(sys.Positions.Data)); err != nil {
		return fmt.Errorf("gpu: upload positions: %w", err)
	}
	if err := q.WriteBuffer(p.buffers[sys.Velocities.Buffer], 0, asBytes(sys.Velocities.Data)); err != nil {
		return fmt.Errorf("gpu: upload velocities: %w", err)
	}
	return nil
}

// Encode returns the work for one frame. The work uploads the frame time
// before it runs the stages.
func (p *Pipeline) Encode(f device.Frame) device.Work {
	return device.WorkFunc{
		Name: fmt.Sprintf("gpu compute frame %d", f.Index),
		Fn:   func() error { return p.StepAt(f.Time) },
	}
}

// StepAt sets the elapsed field of the params uniform to elapsed and runs
// Step.
func (p *Pipeline) StepAt(elapsed time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return errors.New("gpu: pipeline not initialized, call Init() first")
	}
	if err := p.backend.queue.WriteBuffer(p.params, paramsTimeOffset, encodeTime(elapsed)); err != nil {
		return fmt.Errorf("gpu: upload time: %w", err)
	}
	return p.step()
}

// Step encodes, submits and waits for one frame, then reads the positions
// back into the host array.
func (p *Pipeline) Step() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return errors.New("gpu: pipeline not initialized, call Init() first")
	}
	return p.step()
}

func (p *Pipeline) step() error {
	cmdBuf, err := p.encodeFrame()
	if err != nil {
		return err
	}
	defer p.backend.device.FreeCommandBuffer(cmdBuf)

	if err := p.submitAndWait(cmdBuf); err != nil {
		return err
	}
	return p.readback()
}

// barrier records barriers and encodes them as hal buffer transitions.
func (p *Pipeline) barrier(enc hal.CommandEncoder, barriers ...buffer.Barrier) {
	p.Record(barriers...)
	hb := make([]hal.BufferBarrier, 0, len(barriers))
	for _, b := range barriers {
		hb = append(hb, hal.BufferBarrier{
			Buffer: p.buffers[b.Buffer],
			Usage: hal.BufferUsageTransition{
				OldUsage: b.Before.Usage(),
				NewUsage: b.After.Usage(),
			},
		})
	}
	enc.TransitionBuffers(hb)
}

func workgroups(n int) uint32 {
	return uint32((n + WorkgroupSize - 1) / WorkgroupSize) //nolint:gosec // G115: n is a small positive count
}

func (p *Pipeline) dispatch(enc hal.CommandEncoder, s Stage, bg hal.BindGroup, elements int) {
	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "sph_" + s.String()})
	pass.SetPipeline(p.pipelines[s])
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(workgroups(elements), 1, 1)
	pass.End()

	slogger().Debug("gpu: dispatched stage",
		"stage", s.String(),
		"elements", elements,
		"workgroups", workgroups(elements))
}

// encodeFrame records the five stages and the position readback copy into
// one command buffer.
func (p *Pipeline) encodeFrame() (hal.CommandBuffer, error) {
	enc, err := p.backend.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "sph_compute"})
	if err != nil {
		return nil, fmt.Errorf("gpu: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding("sph_compute"); err != nil {
		return nil, fmt.Errorf("gpu: begin encoding: %w", err)
	}

	sys := p.sys
	n := sys.Len()
	bg := p.bindGroups[0]

	if sys.Positions.State() != buffer.StateUnorderedAccess {
		p.barrier(enc, sys.Positions.Transition(buffer.StateUnorderedAccess))
	}

	// Assign.
	p.dispatch(enc, StageAssign, bg, n)

	// Sort: a full barrier on the entries before every dispatch.
	for i, d := range p.schedule {
		p.barrier(enc, sys.Entries.UAV())
		stage := StageSortLocal
		if d.Global {
			stage = StageSortGlobal
		}
		p.dispatch(enc, stage, p.bindGroups[i], n)
	}

	// Table.
	p.barrier(enc, sys.Entries.UAV(), sys.Table.UAV())
	p.dispatch(enc, StageTableClear, bg, sys.Table.Len())
	p.barrier(enc, sys.Table.UAV())
	p.dispatch(enc, StageTableFill, bg, n)
	p.barrier(enc, sys.Table.UAV())

	// Density.
	p.dispatch(enc, StageDensity, bg, n)
	p.barrier(enc, sys.Densities.UAV())

	// Forces, then integrate once every acceleration is written.
	p.dispatch(enc, StageForces, bg, n)
	p.barrier(enc, sys.Accelerations.UAV())
	p.dispatch(enc, StageIntegrate, bg, n)

	// Readback copy.
	p.barrier(enc, sys.Positions.Transition(buffer.StateCopySource))
	enc.CopyBufferToBuffer(p.buffers[sys.Positions.Buffer], p.staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: sys.Positions.Size()},
	})
	p.barrier(enc, sys.Positions.Transition(buffer.StateUnorderedAccess))

	cmdBuf, err := enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("gpu: end encoding: %w", err)
	}
	return cmdBuf, nil
}

// submitAndWait submits the command buffer and polls the queue until it
// reports the submission complete, backing off between polls.
func (p *Pipeline) submitAndWait(cmdBuf hal.CommandBuffer) error {
	b := p.backend

	b.submitMu.Lock()
	idx, err := b.queue.Submit([]hal.CommandBuffer{cmdBuf})
	b.submitMu.Unlock()
	if err != nil {
		return fmt.Errorf("gpu: submit: %w", err)
	}
	p.submissions++

	start := time.Now()
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Microsecond),
		backoff.WithMaxInterval(2*time.Millisecond),
		backoff.WithMaxElapsedTime(b.timeout),
	)
	err = backoff.Retry(func() error {
		if b.queue.PollCompleted() >= idx {
			return nil
		}
		return errNotComplete
	}, bo)
	if err != nil {
		return fmt.Errorf("gpu: submission %d after %v: %w: %w", idx, time.Since(start), hal.ErrTimeout, err)
	}

	slogger().Debug("gpu: frame complete", "submission", idx, "elapsed", time.Since(start))
	return nil
}

func (p *Pipeline) readback() error {
	dev := p.backend.device
	size := p.sys.Positions.Size()
	m, err := dev.MapBuffer(p.staging, 0, size)
	if err != nil {
		return fmt.Errorf("gpu: map readback buffer: %w", err)
	}
	copy(asBytes(p.sys.Positions.Data), unsafe.Slice((*byte)(m.Ptr), size))
	if err := dev.UnmapBuffer(p.staging); err != nil {
		return fmt.Errorf("gpu: unmap readback buffer: %w", err)
	}
	return nil
}

// Submissions returns the number of frames submitted.
func (p *Pipeline) Submissions() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submissions
}

// destroy releases whatever Init created so far.
func (p *Pipeline) destroy() {
	dev := p.backend.device
	for _, bg := range p.bindGroups {
		if bg != nil {
			dev.DestroyBindGroup(bg)
		}
	}
	p.bindGroups = nil
	for _, sb := range p.sortParams {
		if sb != nil {
			dev.DestroyBuffer(sb)
		}
	}
	p.sortParams = nil
	for k, hb := range p.buffers {
		dev.DestroyBuffer(hb)
		delete(p.buffers, k)
	}
	if p.staging != nil {
		dev.DestroyBuffer(p.staging)
		p.staging = nil
	}
	if p.params != nil {
		dev.DestroyBuffer(p.params)
		p.params = nil
	}
	for s := Stage(0); s < StageCount; s++ {
		if p.pipelines[s] != nil {
			dev.DestroyComputePipeline(p.pipelines[s])
			p.pipelines[s] = nil
		}
		if p.shaderModules[s] != nil {
			dev.DestroyShaderModule(p.shaderModules[s])
			p.shaderModules[s] = nil
		}
	}
	if p.pipeLayout != nil {
		dev.DestroyPipelineLayout(p.pipeLayout)
		p.pipeLayout = nil
	}
	if p.bgLayout != nil {
		dev.DestroyBindGroupLayout(p.bgLayout)
		p.bgLayout = nil
	}
}

// Close releases all GPU resources held by the pipeline.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backend.device == nil {
		return nil
	}
	p.destroy()
	p.initialized = false
	return nil
}
