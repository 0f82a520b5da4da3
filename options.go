package sph

import (
	"log/slog"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/sph/render"
)

// Option configures a Simulation during creation.
// Use functional options to customize Simulation behavior.
//
// Example:
//
//	// Default: best available backend, frames discarded
//	sim, err := sph.New(sph.DefaultConfig())
//
//	// CPU backend writing every 10th frame to disk
//	p, _ := render.NewPNGPresenter("frames", 10)
//	sim, err := sph.New(cfg, sph.WithBackend(sph.BackendCPU), sph.WithPresenter(p))
type Option func(*options)

// options holds optional configuration for Simulation creation.
type options struct {
	backend   string
	logger    *slog.Logger
	presenter render.Presenter
	observer  Observer
	registry  prometheus.Registerer

	maxFrames       uint64
	presentInterval time.Duration

	workers    int
	groupWidth int

	provider        gpucontext.DeviceProvider
	validateShaders bool
	waitTimeout     time.Duration
}

// defaultOptions returns the default simulation options.
func defaultOptions() options {
	return options{
		backend:         BackendAuto,
		presenter:       nil, // Will be set to a DiscardPresenter if nil
		validateShaders: true,
	}
}

// WithBackend selects the compute backend by name: BackendAuto, BackendGPU,
// BackendCPU, BackendNoop, or any name registered in the backend registry.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backend = name
	}
}

// WithLogger sets the logger for this simulation only. Without it the
// package logger from SetLogger is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithPresenter sets where finished frames go.
//
// Example:
//
//	p, err := render.NewPNGPresenter("out", 30)
//	sim, err := sph.New(cfg, sph.WithPresenter(p))
//
// The simulation closes the presenter in Join.
func WithPresenter(p render.Presenter) Option {
	return func(o *options) {
		o.presenter = p
	}
}

// WithObserver installs a callback that receives an Event at the start and
// end of every compute and render batch. The callback runs on the queue
// goroutines and must not block.
func WithObserver(fn Observer) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// WithMetrics registers the simulation's Prometheus metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithMaxFrames stops the simulation after n compute frames. Zero runs
// until RequestShutdown.
func WithMaxFrames(n uint64) Option {
	return func(o *options) {
		o.maxFrames = n
	}
}

// WithPresentInterval paces the render loop. Zero renders back to back.
func WithPresentInterval(d time.Duration) Option {
	return func(o *options) {
		o.presentInterval = d
	}
}

// WithWorkers sets the worker count of the CPU backend. Zero uses
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithGroupWidth sets the CPU backend's group width, the number of
// particles one worker handles per chunk. It determines which sort passes
// need a full barrier. Zero uses the pool default.
func WithGroupWidth(n int) Option {
	return func(o *options) {
		o.groupWidth = n
	}
}

// WithDeviceProvider makes the GPU backend borrow the provider's device
// and queue instead of opening its own.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithShaderValidation turns the WGSL check before pipeline creation on or
// off. It is on by default.
func WithShaderValidation(on bool) Option {
	return func(o *options) {
		o.validateShaders = on
	}
}
