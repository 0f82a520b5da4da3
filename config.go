package sph

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"gopkg.in/gcfg.v1"

	"github.com/gogpu/sph/internal/buffer"
	"github.com/gogpu/sph/internal/hash"
	"github.com/gogpu/sph/internal/physics"
	"github.com/gogpu/sph/render"
)

// Config holds the simulation constants. They are loaded once and never
// change while a Simulation runs.
type Config struct {
	// Particles is the particle count N. It must be a power of two.
	Particles int

	SmoothingRadius  float32
	ReferenceDensity float32
	PressureConstant float32
	Viscosity        float32
	Mass             float32
	Timestep         float32

	// Restitution scales the reflected velocity component at a wall.
	Restitution float32

	// InitialDisplacement is the lattice spacing of the seeded particles.
	InitialDisplacement float32

	// ParticleRadius is the world-space radius particles are drawn with.
	ParticleRadius float32

	Gravity  [3]float32
	Boundary [3]float32

	// FrameCount is the number of backbuffers the render stream cycles.
	FrameCount int

	// WaitTimeout bounds every fence wait. Zero waits forever.
	WaitTimeout time.Duration

	// MemoryBudget is the arena budget in bytes for the particle buffers.
	MemoryBudget int64

	// Width and Height are the render target size in pixels.
	Width  int
	Height int

	Camera render.Camera
}

// DefaultConfig returns the reference configuration: 4096 particles in a
// 7x10x7 box.
func DefaultConfig() Config {
	return Config{
		Particles:           4096,
		SmoothingRadius:     1.5,
		ReferenceDensity:    1,
		PressureConstant:    250,
		Viscosity:           0.018,
		Mass:                1,
		Timestep:            0.005,
		Restitution:         0.5,
		InitialDisplacement: 0.2,
		ParticleRadius:      0.1,
		Gravity:             [3]float32{0, -9.81, 0},
		Boundary:            [3]float32{7, 10, 7},
		FrameCount:          2,
		WaitTimeout:         10 * time.Second,
		MemoryBudget:        buffer.DefaultBudget,
		Width:               640,
		Height:              480,
		Camera:              render.DefaultCamera(),
	}
}

func (c *Config) params() physics.Params {
	return physics.Params{
		SmoothingRadius:  c.SmoothingRadius,
		ReferenceDensity: c.ReferenceDensity,
		PressureConstant: c.PressureConstant,
		Viscosity:        c.Viscosity,
		Mass:             c.Mass,
		Timestep:         c.Timestep,
		Restitution:      c.Restitution,
		Gravity:          c.Gravity,
		Boundary:         c.Boundary,
	}
}

// timestep returns Timestep as a float64 holding the shortest decimal that
// round-trips the float32, so 0.005 becomes 0.005 and not 0.004999999888.
func (c *Config) timestep() float64 {
	v, err := strconv.ParseFloat(strconv.FormatFloat(float64(c.Timestep), 'g', -1, 32), 64)
	if err != nil {
		return float64(c.Timestep)
	}
	return v
}

// Validate reports every problem with c. The error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	if c.Particles <= 0 || c.Particles&(c.Particles-1) != 0 {
		errs = append(errs, fmt.Errorf("particles %d: %w", c.Particles, hash.ErrNotPowerOfTwo))
	}
	if err := c.params().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Particles > 0 {
		probe := make([][3]float32, c.Particles)
		if err := physics.Lattice(probe, c.InitialDisplacement, c.Boundary); err != nil {
			errs = append(errs, err)
		}
	}
	if !(c.ParticleRadius > 0) {
		errs = append(errs, fmt.Errorf("particle radius %v must be positive", c.ParticleRadius))
	}
	if c.FrameCount < 1 {
		errs = append(errs, fmt.Errorf("frame count %d must be at least 1", c.FrameCount))
	}
	if c.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("wait timeout %v is negative", c.WaitTimeout))
	}
	if c.MemoryBudget < 0 {
		errs = append(errs, fmt.Errorf("memory budget %d is negative", c.MemoryBudget))
	}
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("render size %dx%d must be positive", c.Width, c.Height))
	}
	if !(c.Camera.Near > 0) || !(c.Camera.Far > c.Camera.Near) {
		errs = append(errs, fmt.Errorf("camera clip range [%v, %v] is invalid", c.Camera.Near, c.Camera.Far))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// fileConfig is the gcfg layout of a configuration file:
//
//	[Simulation]
//	Particles = 4096
//	SmoothingRadius = 1.5
//	BoundaryY = 10
//
//	[Camera]
//	EyeZ = -10
//	FovY = 1.5708
type fileConfig struct {
	Simulation struct {
		Particles           int
		SmoothingRadius     float64
		ReferenceDensity    float64
		PressureConstant    float64
		Viscosity           float64
		Mass                float64
		Timestep            float64
		Restitution         float64
		InitialDisplacement float64
		ParticleRadius      float64
		GravityX            float64
		GravityY            float64
		GravityZ            float64
		BoundaryX           float64
		BoundaryY           float64
		BoundaryZ           float64
		FrameCount          int
		WaitTimeout         string
		MemoryBudget        int64
		Width               int
		Height              int
	}
	Camera struct {
		EyeX, EyeY, EyeZ          float64
		TargetX, TargetY, TargetZ float64
		UpX, UpY, UpZ             float64
		FovY                      float64
		Near                      float64
		Far                       float64
	}
}

func toFile(c Config) *fileConfig {
	f := &fileConfig{}
	s := &f.Simulation
	s.Particles = c.Particles
	s.SmoothingRadius = float64(c.SmoothingRadius)
	s.ReferenceDensity = float64(c.ReferenceDensity)
	s.PressureConstant = float64(c.PressureConstant)
	s.Viscosity = float64(c.Viscosity)
	s.Mass = float64(c.Mass)
	s.Timestep = float64(c.Timestep)
	s.Restitution = float64(c.Restitution)
	s.InitialDisplacement = float64(c.InitialDisplacement)
	s.ParticleRadius = float64(c.ParticleRadius)
	s.GravityX, s.GravityY, s.GravityZ = float64(c.Gravity[0]), float64(c.Gravity[1]), float64(c.Gravity[2])
	s.BoundaryX, s.BoundaryY, s.BoundaryZ = float64(c.Boundary[0]), float64(c.Boundary[1]), float64(c.Boundary[2])
	s.FrameCount = c.FrameCount
	s.WaitTimeout = c.WaitTimeout.String()
	s.MemoryBudget = c.MemoryBudget
	s.Width, s.Height = c.Width, c.Height

	cam := &f.Camera
	cam.EyeX, cam.EyeY, cam.EyeZ = float64(c.Camera.Eye[0]), float64(c.Camera.Eye[1]), float64(c.Camera.Eye[2])
	cam.TargetX, cam.TargetY, cam.TargetZ = float64(c.Camera.Target[0]), float64(c.Camera.Target[1]), float64(c.Camera.Target[2])
	cam.UpX, cam.UpY, cam.UpZ = float64(c.Camera.Up[0]), float64(c.Camera.Up[1]), float64(c.Camera.Up[2])
	cam.FovY, cam.Near, cam.Far = float64(c.Camera.FovY), float64(c.Camera.Near), float64(c.Camera.Far)
	return f
}

func (f *fileConfig) config() (Config, error) {
	s := &f.Simulation
	timeout, err := time.ParseDuration(s.WaitTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("%w: WaitTimeout: %w", ErrInvalidConfig, err)
	}
	cam := &f.Camera
	return Config{
		Particles:           s.Particles,
		SmoothingRadius:     float32(s.SmoothingRadius),
		ReferenceDensity:    float32(s.ReferenceDensity),
		PressureConstant:    float32(s.PressureConstant),
		Viscosity:           float32(s.Viscosity),
		Mass:                float32(s.Mass),
		Timestep:            float32(s.Timestep),
		Restitution:         float32(s.Restitution),
		InitialDisplacement: float32(s.InitialDisplacement),
		ParticleRadius:      float32(s.ParticleRadius),
		Gravity:             [3]float32{float32(s.GravityX), float32(s.GravityY), float32(s.GravityZ)},
		Boundary:            [3]float32{float32(s.BoundaryX), float32(s.BoundaryY), float32(s.BoundaryZ)},
		FrameCount:          s.FrameCount,
		WaitTimeout:         timeout,
		MemoryBudget:        s.MemoryBudget,
		Width:               s.Width,
		Height:              s.Height,
		Camera: render.Camera{
			Eye:    mgl32.Vec3{float32(cam.EyeX), float32(cam.EyeY), float32(cam.EyeZ)},
			Target: mgl32.Vec3{float32(cam.TargetX), float32(cam.TargetY), float32(cam.TargetZ)},
			Up:     mgl32.Vec3{float32(cam.UpX), float32(cam.UpY), float32(cam.UpZ)},
			FovY:   float32(cam.FovY),
			Near:   float32(cam.Near),
			Far:    float32(cam.Far),
		},
	}, nil
}

// LoadConfig reads an INI-style configuration file. Variables the file
// does not set keep their DefaultConfig values. The result is validated.
func LoadConfig(path string) (Config, error) {
	f := toFile(DefaultConfig())
	if err := gcfg.ReadFileInto(f, path); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	return finishLoad(f)
}

// ParseConfig is LoadConfig for configuration text held in memory.
func ParseConfig(text string) (Config, error) {
	f := toFile(DefaultConfig())
	if err := gcfg.ReadStringInto(f, text); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return finishLoad(f)
}

func finishLoad(f *fileConfig) (Config, error) {
	c, err := f.config()
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
