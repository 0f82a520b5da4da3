// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpu runs the simulation's compute stages on a wgpu hal device.
//
// A Backend owns (or borrows) one hal device and queue. Pipelines created
// from it compile the embedded WGSL stage shaders, allocate the particle
// buffers on the device, and encode one frame as a single command buffer
// of compute passes separated by buffer barriers.
package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/sph/internal/device"
)

// ErrNoAdapter is returned when the hal backend exposes no adapter.
var ErrNoAdapter = errors.New("gpu: no adapter")

// defaultTimeout bounds how long a submission may take to complete.
const defaultTimeout = 5 * time.Second

// Backend is an open hal device and queue.
//
// The hal queue is shared by every pipeline created from the backend;
// submissions are serialised by the backend's mutex.
type Backend struct {
	api      hal.Backend
	variant  gputypes.Backend
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	adapter  string

	// externalDevice is true when the device came from a provider and must
	// not be destroyed by Close.
	externalDevice bool

	timeout  time.Duration
	validate bool

	submitMu sync.Mutex
}

// Option configures a Backend.
type Option func(*Backend)

// WithAPI selects the hal backend implementation directly, bypassing the
// hal registry. Tests pass noop.API{}.
func WithAPI(api hal.Backend) Option {
	return func(b *Backend) { b.api = api }
}

// WithVariant selects a registered hal backend. The default is Vulkan.
func WithVariant(v gputypes.Backend) Option {
	return func(b *Backend) { b.variant = v }
}

// WithTimeout bounds how long one submission may take to complete.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) { b.timeout = d }
}

// WithShaderValidation runs ValidateShaders before creating pipelines.
func WithShaderValidation(on bool) Option {
	return func(b *Backend) { b.validate = on }
}

func newBackend(opts []Option) *Backend {
	b := &Backend{variant: gputypes.BackendVulkan, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open creates an instance, picks an adapter and opens a device on it.
// Discrete and integrated GPUs are preferred over other adapter types.
func Open(opts ...Option) (*Backend, error) {
	b := newBackend(opts)
	api := b.api
	if api == nil {
		var ok bool
		api, ok = hal.GetBackend(b.variant)
		if !ok {
			return nil, fmt.Errorf("gpu: %s: %w", b.variant, hal.ErrBackendNotFound)
		}
	}

	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("gpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	open, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("gpu: open device: %w", err)
	}

	b.instance = instance
	b.device = open.Device
	b.queue = open.Queue
	b.adapter = selected.Info.Name
	slogger().Info("gpu: device opened", "adapter", b.adapter, "backend", api.Variant().String())
	return b, nil
}

// OpenProvider borrows the device and queue of a gpucontext provider. The
// provider must expose hal types, either through HalDevice/HalQueue or by
// returning hal values from Device and Queue.
func OpenProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Backend, error) {
	if provider == nil {
		return nil, errors.New("gpu: nil device provider")
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	var dev, q any = provider.Device(), provider.Queue()
	if hp, ok := provider.(halProvider); ok {
		dev, q = hp.HalDevice(), hp.HalQueue()
	}
	halDevice, ok := dev.(hal.Device)
	if !ok || halDevice == nil {
		return nil, fmt.Errorf("gpu: provider device %T is not hal.Device", dev)
	}
	halQueue, ok := q.(hal.Queue)
	if !ok || halQueue == nil {
		return nil, fmt.Errorf("gpu: provider queue %T is not hal.Queue", q)
	}

	b := newBackend(opts)
	b.device = halDevice
	b.queue = halQueue
	b.adapter = provider.AdapterInfo().Name
	b.externalDevice = true
	slogger().Info("gpu: using provider device", "adapter", b.adapter)
	return b, nil
}

// Name returns "gpu".
func (b *Backend) Name() string { return "gpu" }

// Adapter returns the adapter name.
func (b *Backend) Adapter() string { return b.adapter }

// SetLogger sets the logger for the gpu package.
func (b *Backend) SetLogger(l *slog.Logger) { SetLogger(l) }

// NewPipeline creates and initialises a compute pipeline over sys.
func (b *Backend) NewPipeline(sys *device.System) (*Pipeline, error) {
	if b.validate {
		if err := ValidateShaders(); err != nil {
			return nil, err
		}
	}
	p := newPipeline(b, sys)
	if err := p.Init(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close waits for the device to go idle and releases it, unless it is
// owned by a provider.
func (b *Backend) Close() error {
	if b.device == nil {
		return nil
	}
	err := b.device.WaitIdle()
	if !b.externalDevice {
		b.device.Destroy()
	}
	if b.instance != nil {
		b.instance.Destroy()
		b.instance = nil
	}
	b.device = nil
	b.queue = nil
	if err != nil {
		return fmt.Errorf("gpu: wait idle: %w", err)
	}
	return nil
}
