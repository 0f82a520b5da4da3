package sph

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/sph/internal/device"
	"github.com/gogpu/sph/internal/gpu"
)

// Backend names accepted by WithBackend.
const (
	// BackendAuto tries the registered backends in priority order.
	BackendAuto = "auto"

	// BackendGPU runs the stages on a Vulkan device.
	BackendGPU = "gpu"

	// BackendCPU runs the stages on a worker pool.
	BackendCPU = "cpu"

	// BackendNoop drives the GPU path on the hal noop device. Shaders do
	// not execute, so positions stay where the device leaves them; use it
	// to exercise submission and synchronization without hardware.
	BackendNoop = "noop"
)

// backend creates the compute pipeline of one simulation.
type backend interface {
	// Name returns the backend name.
	Name() string

	// open creates a pipeline over sys.
	open(sys *device.System, o *options) (device.Pipeline, error)

	// Close releases what open acquired, after the pipeline is closed.
	Close() error
}

// backends holds the backend factories. Every Get returns a fresh backend.
var backends = gpucontext.NewRegistry[backend](gpucontext.WithPriority(BackendGPU, BackendCPU))

func init() {
	backends.Register(BackendCPU, func() backend { return &cpuBackend{} })
	backends.Register(BackendGPU, func() backend { return &gpuBackend{name: BackendGPU} })
	backends.Register(BackendNoop, func() backend { return &gpuBackend{name: BackendNoop, api: noop.API{}} })
}

// Backends returns the names accepted by WithBackend, in priority order
// for automatic selection followed by the rest.
func Backends() []string {
	names := backends.Available()
	slices.Sort(names)
	out := []string{BackendAuto}
	for _, n := range []string{BackendGPU, BackendCPU} {
		if backends.Has(n) {
			out = append(out, n)
		}
	}
	for _, n := range names {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// openBackend opens the named backend, or the first usable one in
// priority order for BackendAuto. A GPU failure under BackendAuto falls
// back to the CPU with a warning.
func openBackend(name string, sys *device.System, o *options, log *slog.Logger) (backend, device.Pipeline, error) {
	if name != BackendAuto {
		if !backends.Has(name) {
			return nil, nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, name)
		}
		b := backends.Get(name)
		p, err := b.open(sys, o)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, name, err)
		}
		return b, p, nil
	}

	var errs []error
	for _, n := range []string{BackendGPU, BackendCPU} {
		if !backends.Has(n) {
			continue
		}
		b := backends.Get(n)
		p, err := b.open(sys, o)
		if err == nil {
			return b, p, nil
		}
		log.Warn("sph: backend unavailable, trying next", "backend", n, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", n, err))
	}
	return nil, nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, errors.Join(errs...))
}

// cpuBackend runs the stages on internal/parallel.
type cpuBackend struct{}

func (*cpuBackend) Name() string { return BackendCPU }

func (*cpuBackend) open(sys *device.System, o *options) (device.Pipeline, error) {
	return device.NewCPUPipeline(sys, o.workers, o.groupWidth), nil
}

func (*cpuBackend) Close() error { return nil }

// gpuBackend runs the stages on a wgpu hal device. With a device provider
// it borrows the provider's device instead of opening one.
type gpuBackend struct {
	name string
	api  hal.Backend
	dev  *gpu.Backend
}

func (b *gpuBackend) Name() string { return b.name }

// SetLogger sets the logger of the gpu package.
func (b *gpuBackend) SetLogger(l *slog.Logger) { gpu.SetLogger(l) }

func (b *gpuBackend) open(sys *device.System, o *options) (device.Pipeline, error) {
	opts := []gpu.Option{gpu.WithShaderValidation(o.validateShaders)}
	if o.waitTimeout > 0 {
		opts = append(opts, gpu.WithTimeout(o.waitTimeout))
	}
	if b.api != nil {
		opts = append(opts, gpu.WithAPI(b.api))
	}

	var dev *gpu.Backend
	var err error
	if o.provider != nil && b.api == nil {
		dev, err = gpu.OpenProvider(o.provider, opts...)
	} else {
		dev, err = gpu.Open(opts...)
	}
	if err != nil {
		return nil, err
	}
	p, err := dev.NewPipeline(sys)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	b.dev = dev
	return p, nil
}

func (b *gpuBackend) Close() error {
	if b.dev == nil {
		return nil
	}
	err := b.dev.Close()
	b.dev = nil
	return err
}
