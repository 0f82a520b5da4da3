// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package hash

import "fmt"

// AssignRange writes the unsorted entry of every particle in [lo, hi):
// entries[i] = (cell of positions[i], i).
func AssignRange(g Grid, positions [][3]float32, entries []Entry, lo, hi int) {
	for i := lo; i < hi; i++ {
		entries[i] = Entry{Cell: g.CellOf(positions[i]), Particle: uint32(i)} //nolint:gosec // G115: i < N
	}
}

// ClearRange resets table slots [lo, hi) to Empty.
func ClearRange(table []uint32, lo, hi int) {
	for i := lo; i < hi; i++ {
		table[i] = Empty
	}
}

// FillRange records run starts for the sorted entries in [lo, hi). An
// entry starts a run when it is the first entry or its cell differs from
// the one before it.
func FillRange(entries []Entry, table []uint32, lo, hi int) {
	for i := lo; i < hi; i++ {
		if i == 0 || entries[i].Cell != entries[i-1].Cell {
			table[entries[i].Cell] = uint32(i) //nolint:gosec // G115: i < N
		}
	}
}

// Range returns the half-open run [start, end) of sorted entries that
// belong to cell, or ok == false when the cell is empty.
func Range(entries []Entry, table []uint32, cell uint32) (start, end int, ok bool) {
	s := table[cell]
	if s == Empty {
		return 0, 0, false
	}
	end = int(s)
	for end < len(entries) && entries[end].Cell == cell {
		end++
	}
	return int(s), end, true
}

// Stage identifies one step of the hash build.
type Stage int

const (
	// StageAssign computes each particle's cell.
	StageAssign Stage = iota
	// StageSort groups entries by cell.
	StageSort
	// StageTable rebuilds the lookup table.
	StageTable
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageAssign:
		return "assign"
	case StageSort:
		return "sort"
	case StageTable:
		return "table"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Builder runs the three hash stages in order on an Executor. Barrier is
// invoked between every pair of dispatches that hand a buffer off.
type Builder struct {
	Grid     Grid
	Executor Executor
	Barrier  func(s Stage)
}

func (b *Builder) barrier(s Stage) {
	if b.Barrier != nil {
		b.Barrier(s)
	}
}

// Build rebuilds entries and table from positions.
func (b *Builder) Build(positions [][3]float32, entries []Entry, table []uint32) error {
	n := len(positions)
	if len(entries) != n {
		return fmt.Errorf("hash: %d entries for %d particles", len(entries), n)
	}
	if len(table) != b.Grid.Cells() {
		return fmt.Errorf("hash: table has %d slots, grid has %d cells", len(table), b.Grid.Cells())
	}

	if err := b.Executor.Dispatch(n, func(lo, hi int) {
		AssignRange(b.Grid, positions, entries, lo, hi)
	}); err != nil {
		return fmt.Errorf("hash: %s: %w", StageAssign, err)
	}

	if err := Sort(b.Executor, entries, func() { b.barrier(StageSort) }); err != nil {
		return err
	}

	b.barrier(StageTable)
	if err := b.Executor.Dispatch(len(table), func(lo, hi int) {
		ClearRange(table, lo, hi)
	}); err != nil {
		return fmt.Errorf("hash: %s clear: %w", StageTable, err)
	}
	b.barrier(StageTable)
	if err := b.Executor.Dispatch(n, func(lo, hi int) {
		FillRange(entries, table, lo, hi)
	}); err != nil {
		return fmt.Errorf("hash: %s fill: %w", StageTable, err)
	}
	return nil
}
