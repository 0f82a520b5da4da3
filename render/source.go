// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package render

import "github.com/gogpu/sph/internal/buffer"

// PositionStride is the size of one particle position in bytes.
const PositionStride = 12

// Source is a read-only view of the particle positions.
//
// BeginRead moves the positions into a readable state and returns them;
// EndRead hands them back to the compute stages. The returned slice must
// not be modified or retained after EndRead.
type Source interface {
	// Len returns the particle count.
	Len() int

	// Stride returns the size of one position in bytes.
	Stride() int

	BeginRead() [][3]float32
	EndRead()
}

// BufferSource views a positions array owned by the simulation. Every
// state change is reported to record, which may be nil.
type BufferSource struct {
	positions *buffer.Array[[3]float32]
	record    func(...buffer.Barrier)
}

// NewBufferSource creates a source over positions.
func NewBufferSource(positions *buffer.Array[[3]float32], record func(...buffer.Barrier)) *BufferSource {
	return &BufferSource{positions: positions, record: record}
}

// Len returns the particle count.
func (s *BufferSource) Len() int { return len(s.positions.Data) }

// Stride returns PositionStride.
func (s *BufferSource) Stride() int { return PositionStride }

// BeginRead transitions the positions to GenericRead.
func (s *BufferSource) BeginRead() [][3]float32 {
	s.emit(s.positions.Transition(buffer.StateGenericRead))
	return s.positions.Data
}

// EndRead transitions the positions back to UnorderedAccess.
func (s *BufferSource) EndRead() {
	s.emit(s.positions.Transition(buffer.StateUnorderedAccess))
}

func (s *BufferSource) emit(b buffer.Barrier) {
	if s.record != nil {
		s.record(b)
	}
}

// SliceSource is a Source over a plain slice.
type SliceSource [][3]float32

// Len returns the particle count.
func (s SliceSource) Len() int { return len(s) }

// Stride returns PositionStride.
func (s SliceSource) Stride() int { return PositionStride }

// BeginRead returns the slice.
func (s SliceSource) BeginRead() [][3]float32 { return s }

// EndRead does nothing.
func (s SliceSource) EndRead() {}
