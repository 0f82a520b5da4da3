// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"encoding/binary"
	"math"
	"time"
	"unsafe"

	"github.com/gogpu/sph/internal/hash"
	"github.com/gogpu/sph/internal/physics"
)

// paramsSize is the size of the Params uniform in bytes (std140 layout).
const paramsSize = 96

// paramsTimeOffset is the offset of the elapsed field, the seconds since
// the simulation started. It is rewritten before every frame.
const paramsTimeOffset = 92

// sortParamsSize is the size of the Sort uniform in bytes.
const sortParamsSize = 16

// encodeParams serialises the simulation constants to the Params uniform
// declared by every stage shader.
func encodeParams(c *physics.Constants, g hash.Grid, count int) []byte {
	buf := make([]byte, paramsSize)
	le := binary.LittleEndian
	f32 := func(off int, v float32) { le.PutUint32(buf[off:], math.Float32bits(v)) }
	u32 := func(off int, v uint32) { le.PutUint32(buf[off:], v) }

	dims := g.Dims()
	for a := range 3 {
		f32(a*4, c.Boundary[a])
		f32(16+a*4, c.Gravity[a])
		u32(32+a*4, uint32(dims[a])) //nolint:gosec // G115: grid dims are small
	}
	f32(12, g.CellSize())
	f32(28, c.H2)
	u32(44, uint32(count)) //nolint:gosec // G115: count is a validated particle count

	f32(48, c.SmoothingRadius)
	f32(52, c.ReferenceDensity)
	f32(56, c.PressureConstant)
	f32(60, c.Viscosity)

	f32(64, c.Mass)
	f32(68, c.Timestep)
	f32(72, c.Restitution)
	f32(76, c.DensityKernel)

	f32(80, c.PressureKernel)
	f32(84, c.ViscosityKernel)
	u32(88, uint32(g.Cells())) //nolint:gosec // G115: cell count is small
	return buf
}

// encodeTime serialises the elapsed field of the Params uniform.
func encodeTime(elapsed time.Duration) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(elapsed.Seconds())))
	return buf
}

// encodeSort serialises one sort dispatch. A global dispatch carries its
// single pass; a local dispatch carries the block range of its run and the
// stride of its first pass.
func encodeSort(d hash.Dispatch, count int) []byte {
	buf := make([]byte, sortParamsSize)
	le := binary.LittleEndian
	first, last := d.Passes[0], d.Passes[len(d.Passes)-1]
	le.PutUint32(buf[0:], first.Block)
	le.PutUint32(buf[4:], first.Stride)
	le.PutUint32(buf[8:], last.Block)
	le.PutUint32(buf[12:], uint32(count)) //nolint:gosec // G115: count is a validated particle count
	return buf
}

// asBytes reinterprets a slice of plain values as its backing bytes.
func asBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}
