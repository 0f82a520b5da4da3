// Package sph runs a smoothed-particle hydrodynamics fluid on a compute
// queue and draws it on a second, independent render queue.
//
// # Overview
//
// A Simulation owns two long-lived goroutines. The compute loop runs the
// five stages of a frame (assign, sort, table, density, forces) as one
// batch and signals the compute generation counter when the batch
// completes. The render loop waits, only when it has to, for the compute
// generation it reads, draws the particles and signals the render
// generation counter. Before overwriting the positions the compute loop
// waits for the render generation that last read them.
//
// # Quick Start
//
//	import "github.com/gogpu/sph"
//
//	cfg := sph.DefaultConfig()
//	sim, err := sph.New(cfg, sph.WithBackend(sph.BackendCPU), sph.WithMaxFrames(500))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := sim.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	if err := sim.Join(); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(sim.Stats().SimTime)
//
// # Backends
//
// The compute stages run on one of the registered backends:
//   - gpu: WGSL compute shaders on a wgpu hal device (Vulkan)
//   - cpu: a worker pool over the host arrays
//   - noop: the gpu path on the hal noop device, for dry runs
//
// BackendAuto picks the GPU when a device can be opened and falls back to
// the CPU otherwise.
//
// # Architecture
//
// The library is organized into:
//   - Public API: Simulation, Config, Option, Stats, Event
//   - internal/fence: timeline fences and the generation counters
//   - internal/hash: spatial grid, bitonic sort, lookup table
//   - internal/physics: kernels, density, forces, integration
//   - internal/device: queues, particle buffers, CPU pipeline
//   - internal/gpu: hal compute pipeline
//   - render: camera, point splatting, HUD, presenters
//
// # Errors
//
// Configuration problems wrap ErrInvalidConfig and are reported by New
// before any goroutine starts. Setup failures wrap ErrSetup. A failed
// queue or an expired fence wait stops both loops, and Join returns an
// error wrapping ErrDeviceLost.
package sph

// Version is the current version of the library.
const Version = "0.1.0"
