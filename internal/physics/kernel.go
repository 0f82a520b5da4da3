// Package physics implements the SPH density and force stages.
//
// The kernels are the ones introduced by Müller et al. for interactive
// fluids: poly6 for density, the spiky gradient for pressure and the
// viscosity Laplacian for viscous damping. All kernel constants depend only
// on the smoothing radius and are computed once by NewConstants.
package physics

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParams is returned for parameters the solver cannot run with.
var ErrInvalidParams = errors.New("physics: invalid parameters")

// Params are the immutable simulation constants.
type Params struct {
	SmoothingRadius  float32
	ReferenceDensity float32
	PressureConstant float32
	Viscosity        float32
	Mass             float32
	Timestep         float32
	Restitution      float32
	Gravity          [3]float32
	Boundary         [3]float32
}

// Validate reports the first parameter that cannot be used.
func (p Params) Validate() error {
	positive := []struct {
		name string
		v    float32
	}{
		{"smoothing radius", p.SmoothingRadius},
		{"reference density", p.ReferenceDensity},
		{"mass", p.Mass},
		{"timestep", p.Timestep},
		{"boundary x", p.Boundary[0]},
		{"boundary y", p.Boundary[1]},
		{"boundary z", p.Boundary[2]},
	}
	for _, f := range positive {
		if !(f.v > 0) || math.IsInf(float64(f.v), 0) {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidParams, f.name, f.v)
		}
	}
	if p.PressureConstant < 0 || p.Viscosity < 0 {
		return fmt.Errorf("%w: pressure and viscosity constants must not be negative", ErrInvalidParams)
	}
	if p.Restitution < 0 || p.Restitution > 1 {
		return fmt.Errorf("%w: restitution %v outside [0, 1]", ErrInvalidParams, p.Restitution)
	}
	return nil
}

// Constants are Params plus the precomputed kernel normalisations.
type Constants struct {
	Params

	// H2 is the squared smoothing radius.
	H2 float32
	// DensityKernel normalises poly6: 315 / (64 pi h^9).
	DensityKernel float32
	// PressureKernel normalises the spiky gradient: -45 / (pi h^6).
	PressureKernel float32
	// ViscosityKernel normalises the viscosity Laplacian: 45 / (pi h^6).
	ViscosityKernel float32
}

// NewConstants validates p and precomputes its kernel constants.
func NewConstants(p Params) (Constants, error) {
	if err := p.Validate(); err != nil {
		return Constants{}, err
	}
	h := float64(p.SmoothingRadius)
	h6 := math.Pow(h, 6)
	h9 := math.Pow(h, 9)
	return Constants{
		Params:          p,
		H2:              p.SmoothingRadius * p.SmoothingRadius,
		DensityKernel:   float32(315 / (64 * math.Pi * h9)),
		PressureKernel:  float32(-45 / (math.Pi * h6)),
		ViscosityKernel: float32(45 / (math.Pi * h6)),
	}, nil
}

// Poly6 returns the density kernel for a squared distance.
func (c *Constants) Poly6(r2 float32) float32 {
	if r2 >= c.H2 {
		return 0
	}
	d := c.H2 - r2
	return c.DensityKernel * d * d * d
}

// SpikyGrad returns the magnitude of the spiky kernel gradient at r. It is
// negative inside the support radius.
func (c *Constants) SpikyGrad(r float32) float32 {
	if r >= c.SmoothingRadius {
		return 0
	}
	d := c.SmoothingRadius - r
	return c.PressureKernel * d * d
}

// ViscLap returns the viscosity kernel Laplacian at r.
func (c *Constants) ViscLap(r float32) float32 {
	if r >= c.SmoothingRadius {
		return 0
	}
	return c.ViscosityKernel * (c.SmoothingRadius - r)
}

// SelfDensity is the density a particle contributes to itself.
func (c *Constants) SelfDensity() float32 {
	return c.Mass * c.Poly6(0)
}

// Pressure returns the equation-of-state pressure for density rho.
func (c *Constants) Pressure(rho float32) float32 {
	return c.PressureConstant * (rho - c.ReferenceDensity)
}

// safeDensity substitutes the reference density for a non-positive one so
// that force terms never divide by zero.
func (c *Constants) safeDensity(rho float32) float32 {
	if rho > 0 {
		return rho
	}
	return c.ReferenceDensity
}
