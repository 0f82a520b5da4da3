// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package hash builds the spatial hash used for neighbour search: every
// particle is bucketed into a grid cell, the (cell, particle) entries are
// sorted so that each cell's members are contiguous, and a lookup table
// records where each cell's run begins.
package hash

import (
	"errors"
	"fmt"
	"math"
)

// Empty marks a lookup-table slot whose cell holds no particle.
const Empty uint32 = math.MaxUint32

// ErrInvalidGrid is returned for a grid that cannot be built.
var ErrInvalidGrid = errors.New("hash: invalid grid")

// Entry pairs a particle with the cell it occupies.
type Entry struct {
	Cell     uint32
	Particle uint32
}

// Grid overlays the simulation domain with cubic cells.
type Grid struct {
	dims     [3]int
	cellSize float32
}

// NewGrid creates a grid covering [0, boundary] on every axis with the given
// cell edge. Each axis gets int(boundary/cellSize)+1 cells so that a point on
// the far boundary still has a cell.
func NewGrid(boundary [3]float32, cellSize float32) (Grid, error) {
	if !(cellSize > 0) {
		return Grid{}, fmt.Errorf("%w: cell size %v must be positive", ErrInvalidGrid, cellSize)
	}
	var g Grid
	g.cellSize = cellSize
	total := 1
	for a := range 3 {
		if !(boundary[a] > 0) {
			return Grid{}, fmt.Errorf("%w: boundary[%d] = %v must be positive", ErrInvalidGrid, a, boundary[a])
		}
		g.dims[a] = int(boundary[a]/cellSize) + 1
		total *= g.dims[a]
	}
	if total >= int(Empty) {
		return Grid{}, fmt.Errorf("%w: %d cells overflow the cell id range", ErrInvalidGrid, total)
	}
	return g, nil
}

// Dims returns the number of cells along each axis.
func (g Grid) Dims() [3]int { return g.dims }

// CellSize returns the cell edge length.
func (g Grid) CellSize() float32 { return g.cellSize }

// Cells returns the total number of cells.
func (g Grid) Cells() int { return g.dims[0] * g.dims[1] * g.dims[2] }

// Coord returns the integer cell coordinate of p, floor(p/cellSize),
// clamped into the grid.
func (g Grid) Coord(p [3]float32) [3]int {
	var c [3]int
	for a := range 3 {
		v := int(math.Floor(float64(p[a] / g.cellSize)))
		c[a] = max(0, min(v, g.dims[a]-1))
	}
	return c
}

// Flatten converts a cell coordinate to its cell id. It reports false for
// coordinates outside the grid.
func (g Grid) Flatten(c [3]int) (uint32, bool) {
	for a := range 3 {
		if c[a] < 0 || c[a] >= g.dims[a] {
			return 0, false
		}
	}
	//nolint:gosec // G115: bounded by Cells(), checked in NewGrid
	return uint32(c[0] + c[1]*g.dims[0] + c[2]*g.dims[0]*g.dims[1]), true
}

// CellOf returns the cell id of position p.
func (g Grid) CellOf(p [3]float32) uint32 {
	id, _ := g.Flatten(g.Coord(p))
	return id
}

// Neighbors calls fn with the id of every in-grid cell in the 3x3x3 block
// centred on the cell holding p, including that cell.
func (g Grid) Neighbors(p [3]float32, fn func(cell uint32)) {
	c := g.Coord(p)
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if id, ok := g.Flatten([3]int{c[0] + dx, c[1] + dy, c[2] + dz}); ok {
					fn(id)
				}
			}
		}
	}
}
