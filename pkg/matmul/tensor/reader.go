// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensor

import (
	"github.com/gomlx/stagemm/pkg/matmul/config"
)

// Window is a contiguous run of elements read from a global tensor.
//
// Size is the number of valid elements: it is shorter than the requested run where the
// run crosses the tensor boundary, and 0 if it starts outside. The Slice is read-only.
type Window[E Element] struct {
	Slice []E
	Size  int
}

// Line is a group of LineSize contiguous elements transferred as one unit.
type Line[E Element] []E

// Reader is a view of one operand's global tensor positioned at the origin of the current stage.
// It produces bounds-checked windows and lines, and never writes anything.
//
// The (x, y) offsets are the (row, col) of the stage origin in the matrix; UpdateView advances them along k.
type Reader[E Element] struct {
	tensor           *Tensor[E]
	xOffset, yOffset int
	batchOffset      int
	shapeX, shapeY   int
	strideX, strideY int
	zeros            Line[E]
}

// NewReader returns a reader over t, with the stage origin at (xOffset, yOffset) of the matrix starting at
// batchOffset (see Tensor.BatchOffset) in t.Data.
func NewReader[E Element](t *Tensor[E], xOffset, yOffset, batchOffset int) *Reader[E] {
	return &Reader[E]{
		tensor:      t,
		xOffset:     xOffset,
		yOffset:     yOffset,
		batchOffset: batchOffset,
		shapeX:      t.Rows(),
		shapeY:      t.Cols(),
		strideX:     t.RowStride(),
		strideY:     t.ColStride(),
		zeros:       make(Line[E], 4),
	}
}

// Offsets returns the current stage origin (row, col).
func (r *Reader[E]) Offsets() (x, y int) { return r.xOffset, r.yOffset }

// UpdateView advances the view by kOffset along the k dimension: columns for Lhs, rows for Rhs.
func (r *Reader[E]) UpdateView(kOffset int, ident config.InputIdent) {
	if ident == config.InputLhs {
		r.yOffset += kOffset
	} else {
		r.xOffset += kOffset
	}
}

// window returns the run of sliceLength elements starting at (viewX, viewY), along the contiguous axis.
func (r *Reader[E]) window(viewX, viewY, sliceLength int, ident config.InputIdent, cfg *config.GlobalConfig) Window[E] {
	// h is the axis across slices, w the one along them.
	checkH, viewH, shapeH := cfg.CheckRowBounds(ident), viewX, r.shapeX
	checkW, viewW, shapeW := cfg.CheckColBounds(ident), viewY, r.shapeY
	if cfg.MatrixLayout(ident.AsIdent()) == config.ColMajor {
		checkH, viewH, shapeH, checkW, viewW, shapeW = checkW, viewW, shapeW, checkH, viewH, shapeH
	}
	size := sliceLength
	if checkH && viewH >= shapeH {
		size = 0
	} else if checkW {
		size = max(0, min(sliceLength, shapeW-viewW))
	}
	if size == 0 {
		return Window[E]{}
	}
	start := r.batchOffset + viewX*r.strideX + viewY*r.strideY
	return Window[E]{Slice: r.tensor.Data[start : start+size], Size: size}
}

// LoadWindowInTile returns the nthSlice-th contiguous slice of the tile (tileX, tileY) of the stage:
// a row of the tile for RowMajor operands, a column for ColMajor ones.
func (r *Reader[E]) LoadWindowInTile(tileX, tileY, nthSlice int, ident config.InputIdent, cfg *config.GlobalConfig) Window[E] {
	td := cfg.TilingDimensions(ident.AsIdent())
	viewX := tileX*td.TileShapeRow + r.xOffset
	viewY := tileY*td.TileShapeCol + r.yOffset
	if cfg.MatrixLayout(ident.AsIdent()) == config.RowMajor {
		return r.window(viewX+nthSlice, viewY, td.TileShapeCol, ident, cfg)
	}
	return r.window(viewX, viewY+nthSlice, td.TileShapeRow, ident, cfg)
}

// LoadWindowInStage returns the nthSlice-th contiguous slice of the whole stage:
// a row of the stage for RowMajor operands, a column for ColMajor ones.
func (r *Reader[E]) LoadWindowInStage(nthSlice int, ident config.InputIdent, cfg *config.GlobalConfig) Window[E] {
	td := cfg.TilingDimensions(ident.AsIdent())
	if cfg.MatrixLayout(ident.AsIdent()) == config.RowMajor {
		return r.window(r.xOffset+nthSlice, r.yOffset, td.TotalCol(), ident, cfg)
	}
	return r.window(r.xOffset, r.yOffset+nthSlice, td.TotalRow(), ident, cfg)
}

// LoadCoalescedInTile returns the line at posInTile (an element position in the tile, in the operand's
// matrix layout order) of the tile (tileX, tileY). Lines outside the tensor are all zeros, and inBounds is false.
//
// The returned line must not be modified.
func (r *Reader[E]) LoadCoalescedInTile(tileX, tileY, posInTile int, ident config.InputIdent,
	cfg *config.GlobalConfig) (line Line[E], inBounds bool) {
	td := cfg.TilingDimensions(ident.AsIdent())
	lineSize := cfg.GlobalLineSize(ident.AsIdent())
	var loadX, loadY int
	if cfg.MatrixLayout(ident.AsIdent()) == config.RowMajor {
		loadX, loadY = posInTile/td.TileShapeCol, posInTile%td.TileShapeCol
	} else {
		loadX, loadY = posInTile%td.TileShapeRow, posInTile/td.TileShapeRow
	}
	viewX := tileX*td.TileShapeRow + r.xOffset + loadX
	viewY := tileY*td.TileShapeCol + r.yOffset + loadY
	if (cfg.CheckRowBounds(ident) && viewX >= r.shapeX) || (cfg.CheckColBounds(ident) && viewY >= r.shapeY) {
		return r.zeros[:lineSize], false
	}
	start := r.batchOffset + viewX*r.strideX + viewY*r.strideY
	return Line[E](r.tensor.Data[start : start+lineSize]), true
}

// Quantization describes the affine dequantization applied by synchronous loaders to each line:
// value = Scale * (quantized - Offset).
type Quantization struct {
	Scale, Offset float32
}

// Dequantize one value.
func (q *Quantization) Dequantize(v float32) float32 {
	return q.Scale * (v - q.Offset)
}

// DequantizeLine dequantizes src into dst, converting the element type.
func DequantizeLine[ES, EG Element](q *Quantization, dst []ES, src Line[EG]) {
	for ii, v := range src {
		dst[ii] = FromFloat32[ES](q.Dequantize(ToFloat32(v)))
	}
}
