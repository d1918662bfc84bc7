// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stage implements the stage level of the matmul: the stage memory holding one k block of each operand
// in shared memory, its tiling layouts, the readers exposing its tiles, and the plane-row stage matmul.
package stage

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/matmul/tile"
	"github.com/gomlx/stagemm/pkg/runtime"
)

// Memory is the stage of one operand: NumBuffers buffers of TotalSize elements each, in cube shared memory,
// addressed through a TilingLayout.
//
// All units of a cube share the same underlying buffers. Writers are the loading tasks, whose destinations
// are disjoint, and reads happen only after a barrier.
type Memory[E tensor.Element] struct {
	data         []E
	ident        config.Ident
	td           config.TilingDimensions
	matrixLayout config.MatrixLayout
	layout       TilingLayout
	numBuffers   int
}

// NewMemory allocates the stage of the given operand from the unit's cube shared memory.
// All units of the cube must allocate their stages in the same order.
func NewMemory[E tensor.Element](u *runtime.Unit, ident config.Ident, numBuffers int, cfg *config.StageConfig, layout TilingLayout) *Memory[E] {
	td := cfg.TilingDimensions(ident)
	if numBuffers <= 0 {
		exceptions.Panicf("stage.NewMemory(%s): invalid number of buffers %d", ident, numBuffers)
	}
	return &Memory[E]{
		data:         runtime.SharedMemory[E](u, numBuffers*td.TotalSize()),
		ident:        ident,
		td:           td,
		matrixLayout: cfg.MatrixLayout(ident),
		layout:       layout,
		numBuffers:   numBuffers,
	}
}

// Ident of the operand.
func (m *Memory[E]) Ident() config.Ident { return m.ident }

// TilingDimensions of one buffer.
func (m *Memory[E]) TilingDimensions() config.TilingDimensions { return m.td }

// NumBuffers in the stage.
func (m *Memory[E]) NumBuffers() int { return m.numBuffers }

// Layout returns the tiling layout.
func (m *Memory[E]) Layout() TilingLayout { return m.layout }

// Data returns all buffers.
func (m *Memory[E]) Data() []E { return m.data }

// Buffer returns the elements of buffer b.
func (m *Memory[E]) Buffer(b int) []E {
	size := m.td.TotalSize()
	return m.data[b*size : (b+1)*size]
}

// Clear zero-fills the stage, each unit of the cube clearing its own part.
// Callers must synchronize the cube before loading into the stage.
func (m *Memory[E]) Clear(u *runtime.Unit) {
	n := len(m.data)
	chunk := (n + u.NumUnits() - 1) / u.NumUnits()
	start := min(n, u.Index()*chunk)
	end := min(n, start+chunk)
	clear(m.data[start:end])
}

// GetTile returns a view of tile (row, col) of buffer bufferID.
func (m *Memory[E]) GetTile(row, col, bufferID int) tile.Tile[E] {
	offset, stride := m.layout.TileView(row, col, m.td, m.matrixLayout)
	return tile.Tile[E]{Slice: m.Buffer(bufferID)[offset:], Stride: stride, Layout: m.matrixLayout}
}

// NthSlice returns the destination of the nth slice of buffer bufferID, for a Strided layout.
func (m *Memory[E]) NthSlice(nth, bufferID int) []E {
	length := SliceLength(m.td, m.matrixLayout)
	return m.Buffer(bufferID)[nth*length : (nth+1)*length]
}

// Reader exposes the tiles of a stage to the stage matmul.
type Reader[E tensor.Element] interface {
	// ReadTile returns the tile at (row, col).
	ReadTile(row, col int) tile.Tile[E]

	// NumKIterations is the number of tiles along the k dimension.
	NumKIterations() int
}

// FullReader reads the tiles of the first (or only) buffer of a stage.
type FullReader[E tensor.Element] struct {
	mem   *Memory[E]
	ident config.InputIdent
}

// NewFullReader returns a reader over buffer 0 of mem.
func NewFullReader[E tensor.Element](mem *Memory[E], ident config.InputIdent) *FullReader[E] {
	return &FullReader[E]{mem: mem, ident: ident}
}

// ReadTile implements Reader.
func (r *FullReader[E]) ReadTile(row, col int) tile.Tile[E] { return r.mem.GetTile(row, col, 0) }

// NumKIterations implements Reader.
func (r *FullReader[E]) NumKIterations() int { return numKIterations(r.mem.td, r.ident) }

// BufferedReader reads the tiles of one buffer of a multi-buffer stage.
type BufferedReader[E tensor.Element] struct {
	mem      *Memory[E]
	bufferID int
	ident    config.InputIdent
}

// NewBufferedReader returns a reader over buffer bufferID of mem.
func NewBufferedReader[E tensor.Element](mem *Memory[E], bufferID int, ident config.InputIdent) *BufferedReader[E] {
	if bufferID < 0 || bufferID >= mem.numBuffers {
		exceptions.Panicf("stage.NewBufferedReader: buffer %d out of the %d buffers of %s", bufferID, mem.numBuffers, ident)
	}
	return &BufferedReader[E]{mem: mem, bufferID: bufferID, ident: ident}
}

// ReadTile implements Reader.
func (r *BufferedReader[E]) ReadTile(row, col int) tile.Tile[E] {
	return r.mem.GetTile(row, col, r.bufferID)
}

// NumKIterations implements Reader.
func (r *BufferedReader[E]) NumKIterations() int { return numKIterations(r.mem.td, r.ident) }

func numKIterations(td config.TilingDimensions, ident config.InputIdent) int {
	if ident == config.InputLhs {
		return td.TileCountCol
	}
	return td.TileCountRow
}
