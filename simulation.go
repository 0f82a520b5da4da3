package sph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/sph/internal/buffer"
	"github.com/gogpu/sph/internal/device"
	"github.com/gogpu/sph/internal/fence"
	"github.com/gogpu/sph/internal/metrics"
	"github.com/gogpu/sph/internal/physics"
	"github.com/gogpu/sph/render"
)

// Drain parameters used by Join.
const (
	drainAttempts        = 3
	defaultDrainInterval = time.Second
)

// EventKind identifies the point in a batch an Event reports.
type EventKind int

const (
	// ComputeBegin is emitted when a compute batch starts executing.
	ComputeBegin EventKind = iota

	// ComputeEnd is emitted when a compute batch has finished.
	ComputeEnd

	// RenderBegin is emitted when a render batch starts executing.
	RenderBegin

	// RenderEnd is emitted when a render batch has finished.
	RenderEnd
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case ComputeBegin:
		return "compute-begin"
	case ComputeEnd:
		return "compute-end"
	case RenderBegin:
		return "render-begin"
	case RenderEnd:
		return "render-end"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes one compute or render batch as seen from its queue.
type Event struct {
	Kind EventKind

	// Frame is the zero-based frame index within the batch's stream.
	Frame uint64

	// Generation is the value the batch's stream signals once it is done.
	Generation uint64

	// Required is the generation of the other stream the batch depends
	// on: the render generation signaled before a compute batch was
	// submitted, or the compute generation a render batch reads.
	Required uint64

	// PeerCompleted is the other stream's completed generation at the
	// moment the event was emitted. Ordering holds when it is never below
	// Required.
	PeerCompleted uint64
}

// Observer receives batch events. It is called on the queue goroutines.
type Observer func(Event)

// Stats is a point-in-time summary of a Simulation.
type Stats struct {
	Backend   string
	Particles int

	FramesComputed uint64
	FramesRendered uint64

	// ComputeGeneration and RenderGeneration are the completed values of
	// the two generation counters.
	ComputeGeneration uint64
	RenderGeneration  uint64

	// SimTime is the simulated time in seconds: computed frames times the
	// timestep.
	SimTime float64

	// Elapsed is the wall-clock time the compute loop has been running.
	Elapsed time.Duration

	// Barriers counts the buffer barriers of both streams.
	Barriers uint64

	WaitsSkipped uint64
	WaitsStalled uint64
}

// Simulation runs an SPH particle system on a compute queue and draws it
// on an independent render queue.
//
// The two streams are ordered by generation counters: a compute frame
// never overwrites positions a submitted render frame has yet to read, and
// a render frame never reads positions before the compute frame that
// produced them completes.
//
// Lifecycle:
//
//	sim, err := sph.New(cfg, sph.WithMaxFrames(1000))
//	if err != nil {
//	    return err
//	}
//	if err := sim.Start(ctx); err != nil {
//	    return err
//	}
//	// ... sim.RequestShutdown() from anywhere, or wait for MaxFrames
//	return sim.Join()
type Simulation struct {
	id   uuid.UUID
	cfg  Config
	opts options
	log  *slog.Logger

	timestep float64 // cfg.Timestep widened by its decimal value

	sys      *device.System
	backend  backend
	pipeline device.Pipeline
	sync     *fence.Synchronizer
	computeQ *device.Queue
	renderQ  *device.Queue
	metrics  *metrics.Collector

	renderer  *render.Renderer
	source    *render.BufferSource
	presenter render.Presenter
	targets   []*render.PixmapTarget
	slots     []uint64 // last render generation per backbuffer

	submitMu sync.Mutex
	shutdown atomic.Bool
	started  atomic.Bool
	closed   atomic.Bool

	group  *errgroup.Group
	cancel context.CancelFunc
	start  time.Time

	elapsed        atomic.Int64
	computed       atomic.Uint64
	rendered       atomic.Uint64
	renderBarriers atomic.Uint64
	lastBarriers   uint64 // compute loop only

	joinOnce sync.Once
	joinErr  error
}

// New validates cfg, allocates and seeds the particle buffers and opens
// the compute backend. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.waitTimeout = cfg.WaitTimeout

	s := &Simulation{
		id:        uuid.New(),
		cfg:       cfg,
		opts:      o,
		timestep:  cfg.timestep(),
		presenter: o.presenter,
	}
	log := o.logger
	if log == nil {
		log = Logger()
	}
	s.log = log.With("run", s.id.String())
	if o.registry != nil {
		s.metrics = metrics.New(o.registry)
	}

	consts, err := physics.NewConstants(cfg.params())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	s.sys, err = device.NewSystem(cfg.Particles, consts, buffer.NewArena(cfg.MemoryBudget))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	if err := s.sys.Seed(cfg.InitialDisplacement); err != nil {
		return nil, fmt.Errorf("%w: seed: %w", ErrSetup, err)
	}

	s.backend, s.pipeline, err = openBackend(o.backend, s.sys, &s.opts, s.log)
	if err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	s.sync = fence.NewSynchronizer(
		fence.WithTimeout(cfg.WaitTimeout),
		fence.WithWaitObserver(func(c fence.Counter, stalled bool, d time.Duration) {
			s.metrics.Wait(c.String(), stalled, d)
		}),
	)
	s.computeQ = device.NewQueue("compute")
	s.renderQ = device.NewQueue("render")

	s.renderer = render.NewRenderer(
		render.WithCamera(cfg.Camera),
		render.WithParticleRadius(cfg.ParticleRadius),
	)
	s.source = render.NewBufferSource(s.sys.Positions, s.recordRenderBarriers)
	if s.presenter == nil {
		s.presenter = &render.DiscardPresenter{}
	}
	s.targets = make([]*render.PixmapTarget, cfg.FrameCount)
	s.slots = make([]uint64, cfg.FrameCount)
	for i := range s.targets {
		s.targets[i] = render.NewPixmapTarget(cfg.Width, cfg.Height)
		s.slots[i] = fence.Baseline
	}

	s.log.Info("sph: simulation ready",
		"backend", s.backend.Name(),
		"particles", s.sys.Len(),
		"cells", s.sys.Grid.Cells(),
		"arena", s.sys.Arena().Used())
	return s, nil
}

// ID returns the run identifier attached to every log record.
func (s *Simulation) ID() uuid.UUID { return s.id }

// Backend returns the name of the backend running the compute stages.
func (s *Simulation) Backend() string { return s.backend.Name() }

// Config returns the configuration the simulation was created with.
func (s *Simulation) Config() Config { return s.cfg }

// Start launches the compute and render loops. Cancelling ctx has the
// same effect as RequestShutdown.
func (s *Simulation) Start(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: simulation already joined", ErrSetup)
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	s.start = time.Now()

	g.Go(func() error { return s.computeLoop(gctx) })
	g.Go(func() error { return s.renderLoop(gctx) })

	s.log.Info("sph: simulation started",
		"max_frames", s.opts.maxFrames,
		"frame_count", s.cfg.FrameCount)
	return nil
}

// RequestShutdown asks both loops to stop after their current frame. It
// returns immediately and may be called any number of times from any
// goroutine.
func (s *Simulation) RequestShutdown() {
	if s.shutdown.CompareAndSwap(false, true) {
		s.log.Debug("sph: shutdown requested")
	}
}

// Join waits for both loops to exit, drains the fences and releases every
// resource. It returns the first stream error; after a queue failure that
// error wraps ErrDeviceLost. Join blocks until RequestShutdown is called,
// the frame limit is reached or the Start context is cancelled. Calling
// Join without Start only releases resources.
func (s *Simulation) Join() error {
	s.joinOnce.Do(func() { s.joinErr = s.join() })
	return s.joinErr
}

func (s *Simulation) join() error {
	var err error
	if s.started.Load() {
		err = s.group.Wait()
		if derr := s.drain(); derr != nil && err == nil {
			err = derr
		}
		s.cancel()
	}
	if rerr := s.release(); rerr != nil && err == nil {
		err = rerr
	}

	st := s.Stats()
	if err != nil {
		s.log.Error("sph: simulation failed", "err", err,
			"computed", st.FramesComputed, "rendered", st.FramesRendered)
		return err
	}
	s.log.Info("sph: simulation joined",
		"computed", st.FramesComputed,
		"rendered", st.FramesRendered,
		"sim_time", st.SimTime,
		"waits_skipped", st.WaitsSkipped,
		"waits_stalled", st.WaitsStalled)
	return nil
}

// drain waits for everything signaled on both counters.
func (s *Simulation) drain() error {
	interval := s.cfg.WaitTimeout
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn("sph: fence not drained, retrying", "err", err, "next", next)
	}
	for _, c := range []fence.Counter{fence.Compute, fence.Render} {
		if err := s.sync.Drain(context.Background(), c, drainAttempts, interval, notify); err != nil {
			return asDeviceLost(err)
		}
	}
	return nil
}

// release closes the queues and everything New opened.
func (s *Simulation) release() error {
	s.closed.Store(true)
	var errs []error
	for _, q := range []*device.Queue{s.computeQ, s.renderQ} {
		if err := q.Close(); err != nil {
			errs = append(errs, asDeviceLost(err))
		}
	}
	if err := s.pipeline.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	s.renderer.Close()
	if err := s.presenter.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func asDeviceLost(err error) error {
	if errors.Is(err, ErrDeviceLost) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeviceLost, err)
}

// stopping reports whether the loops should exit before the next frame.
func (s *Simulation) stopping(ctx context.Context) bool {
	return s.shutdown.Load() || ctx.Err() != nil
}

// fail stops both streams after err. A cancelled context is a shutdown,
// not a failure.
func (s *Simulation) fail(ctx context.Context, stream string, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	err = fmt.Errorf("%s stream: %w", stream, asDeviceLost(err))
	s.sync.Lose(err)
	s.computeQ.Lose(err)
	s.renderQ.Lose(err)
	s.RequestShutdown()
	s.log.Error("sph: stream failed", "stream", stream, "err", err)
	return err
}

func (s *Simulation) computeLoop(ctx context.Context) error {
	for frame := uint64(0); ; frame++ {
		if s.stopping(ctx) {
			return nil
		}
		if limit := s.opts.maxFrames; limit > 0 && frame >= limit {
			s.RequestShutdown()
			return nil
		}
		elapsed := time.Since(s.start)
		s.elapsed.Store(int64(elapsed))

		gen, err := s.submitCompute(ctx, device.Frame{Index: frame, Time: elapsed})
		if err != nil {
			return s.fail(ctx, metrics.StreamCompute, err)
		}
		// One frame in flight.
		if err := s.sync.WaitFor(ctx, fence.Compute, gen); err != nil {
			return s.fail(ctx, metrics.StreamCompute, err)
		}

		s.computed.Add(1)
		s.metrics.Frame(metrics.StreamCompute, gen)
		b := s.pipeline.Barriers()
		s.metrics.AddBarriers(int(b - s.lastBarriers)) //nolint:gosec // per-frame delta is small
		s.lastBarriers = b
		s.log.Debug("sph: compute frame done", "frame", frame, "generation", gen)
	}
}

func (s *Simulation) submitCompute(ctx context.Context, frame device.Frame) (uint64, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	// The positions may still be read by a submitted render frame.
	required := s.sync.Signaled(fence.Render)
	if err := s.sync.WaitFor(ctx, fence.Render, required); err != nil {
		return 0, err
	}

	// Only this goroutine signals the compute counter.
	gen := s.sync.Signaled(fence.Compute) + 1
	work := s.observe(s.pipeline.Encode(frame), Event{
		Kind:       ComputeBegin,
		Frame:      frame.Index,
		Generation: gen,
		Required:   required,
	}, fence.Render)
	if err := s.computeQ.Submit(work); err != nil {
		return 0, err
	}
	return s.sync.SignalComputeDone(s.computeQ)
}

func (s *Simulation) renderLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if d := s.opts.presentInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		tick = t.C
	}

	for frame := uint64(0); ; frame++ {
		if s.stopping(ctx) {
			return nil
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		}
		if err := s.submitRender(ctx, frame); err != nil {
			return s.fail(ctx, metrics.StreamRender, err)
		}
	}
}

func (s *Simulation) submitRender(ctx context.Context, frame uint64) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	required := s.sync.Signaled(fence.Compute)
	if err := s.sync.WaitFor(ctx, fence.Compute, required); err != nil {
		return err
	}
	slot := frame % uint64(len(s.slots))
	if err := s.sync.WaitFor(ctx, fence.Render, s.slots[slot]); err != nil {
		return err
	}

	gen := s.sync.Signaled(fence.Render) + 1
	target := s.targets[slot]
	hud := &render.HUD{
		Backend:   s.backend.Name(),
		Particles: s.sys.Len(),
		Frame:     frame,
		Compute:   required,
		Render:    s.sync.Completed(fence.Render),
		SimTime:   s.simTime(),
	}
	draw := device.WorkFunc{
		Name: fmt.Sprintf("render frame %d", frame),
		Fn: func() error {
			if err := s.renderer.Render(target, s.source, hud); err != nil {
				return err
			}
			if err := s.presenter.Present(frame, target.Image()); err != nil {
				return fmt.Errorf("present: %w", err)
			}
			s.rendered.Add(1)
			s.metrics.Frame(metrics.StreamRender, gen)
			return nil
		},
	}
	work := s.observe(draw, Event{
		Kind:       RenderBegin,
		Frame:      frame,
		Generation: gen,
		Required:   required,
	}, fence.Compute)
	if err := s.renderQ.Submit(work); err != nil {
		return err
	}
	signaled, err := s.sync.SignalRenderDone(s.renderQ)
	if err != nil {
		return err
	}
	s.slots[slot] = signaled
	return nil
}

// observedWork emits begin and end events around a batch.
type observedWork struct {
	device.Work
	sim   *Simulation
	begin Event
	peer  fence.Counter
}

func (w observedWork) Execute() error {
	ev := w.begin
	ev.PeerCompleted = w.sim.sync.Completed(w.peer)
	w.sim.opts.observer(ev)

	err := w.Work.Execute()

	ev.Kind++
	ev.PeerCompleted = w.sim.sync.Completed(w.peer)
	w.sim.opts.observer(ev)
	return err
}

func (s *Simulation) observe(w device.Work, begin Event, peer fence.Counter) device.Work {
	if s.opts.observer == nil {
		return w
	}
	return observedWork{Work: w, sim: s, begin: begin, peer: peer}
}

func (s *Simulation) recordRenderBarriers(b ...buffer.Barrier) {
	s.renderBarriers.Add(uint64(len(b)))
}

func (s *Simulation) simTime() float64 {
	return float64(s.computed.Load()) * s.timestep
}

// Stats returns a snapshot of the simulation counters. It is safe to call
// at any time.
func (s *Simulation) Stats() Stats {
	return Stats{
		Backend:           s.backend.Name(),
		Particles:         s.sys.Len(),
		FramesComputed:    s.computed.Load(),
		FramesRendered:    s.rendered.Load(),
		ComputeGeneration: s.sync.Completed(fence.Compute),
		RenderGeneration:  s.sync.Completed(fence.Render),
		SimTime:           s.simTime(),
		Elapsed:           time.Duration(s.elapsed.Load()),
		Barriers:          s.pipeline.Barriers() + s.renderBarriers.Load(),
		WaitsSkipped:      s.sync.Skipped(),
		WaitsStalled:      s.sync.Stalled(),
	}
}

// quiesce waits, under the submission lock, until neither stream has work
// in flight. The caller must hold submitMu.
func (s *Simulation) quiesce() error {
	ctx := context.Background()
	if err := s.sync.WaitFor(ctx, fence.Compute, s.sync.Signaled(fence.Compute)); err != nil {
		return err
	}
	return s.sync.WaitFor(ctx, fence.Render, s.sync.Signaled(fence.Render))
}

// Snapshot copies the current particle positions into dst, growing it as
// needed, and returns it. The copy is taken between frames.
func (s *Simulation) Snapshot(dst [][3]float32) ([][3]float32, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if err := s.quiesce(); err != nil {
		return dst, err
	}
	dst = append(dst[:0], s.source.BeginRead()...)
	s.source.EndRead()
	return dst, nil
}

// Reseed restores the initial lattice and zero velocities between frames.
// Reseeding twice yields identical state. After Join only the host-side
// arrays are reset.
func (s *Simulation) Reseed() error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if err := s.quiesce(); err != nil {
		return err
	}
	if err := s.sys.Seed(s.cfg.InitialDisplacement); err != nil {
		return err
	}
	if s.closed.Load() {
		return nil
	}
	if err := s.pipeline.Load(); err != nil {
		return fmt.Errorf("reseed: %w", err)
	}
	s.log.Debug("sph: reseeded")
	return nil
}
