// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package global

import (
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/matmul/tile"
)

// TensorWriter writes the output tiles of one cube into the output tensor.
//
// Tile (planeRow, accIndex) of the cube lands at row xOffset + planeRow*tileM and column yOffset + accIndex*tileN.
// Elements outside the tensor are dropped.
type TensorWriter[EO tensor.Element] struct {
	out              *tensor.Tensor[EO]
	xOffset, yOffset int
	batch            int
	tileM, tileN     int
}

// NewTensorWriter returns the writer of the cube whose output stage starts at (xOffset, yOffset) of batch.
func NewTensorWriter[EO tensor.Element](out *tensor.Tensor[EO], xOffset, yOffset, batch int, cfg *config.GlobalConfig) *TensorWriter[EO] {
	shape := cfg.Stage.Tiling.TileShape
	return &TensorWriter[EO]{out: out, xOffset: xOffset, yOffset: yOffset, batch: batch, tileM: shape.M, tileN: shape.N}
}

// Write implements stage.Writer.
func (w *TensorWriter[EO]) Write(slice []EO, planeRow, accIndex int) {
	row0 := w.xOffset + planeRow*w.tileM
	col0 := w.yOffset + accIndex*w.tileN
	rows := min(w.tileM, w.out.Rows()-row0)
	cols := min(w.tileN, w.out.Cols()-col0)
	for r := range rows {
		for c := range cols {
			w.out.Set(w.batch, row0+r, col0+c, slice[r*w.tileN+c])
		}
	}
}

// ZeroLoader initializes accumulators to zero.
type ZeroLoader struct{}

// LoadAccumulator implements stage.AccumulatorLoader.
func (ZeroLoader) LoadAccumulator(acc *tile.Accumulator, _, _ int) {
	tile.ZeroAccumulator(acc)
}

// TensorLoader initializes the accumulators of one cube from a matrix c (the bias), so the kernel
// computes lhs·rhs + c. Like the output, c is addressed by the cube's stage position, and elements outside
// of it are zero.
type TensorLoader[E tensor.Element] struct {
	c                *tensor.Tensor[E]
	xOffset, yOffset int
	batch            int
	tileM, tileN     int
}

// NewTensorLoader returns the accumulator loader of the cube whose output stage starts at (xOffset, yOffset)
// of batch.
func NewTensorLoader[E tensor.Element](c *tensor.Tensor[E], xOffset, yOffset, batch int, cfg *config.GlobalConfig) *TensorLoader[E] {
	shape := cfg.Stage.Tiling.TileShape
	return &TensorLoader[E]{c: c, xOffset: xOffset, yOffset: yOffset, batch: batch, tileM: shape.M, tileN: shape.N}
}

// LoadAccumulator implements stage.AccumulatorLoader.
func (l *TensorLoader[E]) LoadAccumulator(acc *tile.Accumulator, planeRow, accIndex int) {
	row0 := l.xOffset + planeRow*l.tileM
	col0 := l.yOffset + accIndex*l.tileN
	rows := max(0, min(l.tileM, l.c.Rows()-row0))
	cols := max(0, min(l.tileN, l.c.Cols()-col0))
	if rows == l.tileM && cols == l.tileN && l.c.ColStride() == 1 {
		start := l.c.BatchOffset(l.batch) + row0*l.c.RowStride() + col0
		tile.FillAccumulator(l.c.Data[start:], l.c.RowStride(), acc)
		return
	}
	padded := make([]float32, l.tileM*l.tileN)
	for r := range rows {
		for c := range cols {
			padded[r*l.tileN+c] = tensor.ToFloat32(l.c.At(l.batch, row0+r, col0+c))
		}
	}
	tile.FillAccumulator(padded, l.tileN, acc)
}
