// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the configuration hierarchy of the matmul pipeline (TileConfig, StageConfig and
// GlobalConfig) and the small enums shared by all its levels.
//
// Configurations are plain immutable values: they are built once before a launch, validated,
// and then only read. Conditions that the kernel would otherwise check repeatedly (bounds checking,
// quantization) are precomputed into boolean fields.
package config

import "fmt"

// Ident selects which operand (or the output) a call applies to.
type Ident int

const (
	Lhs Ident = iota
	Rhs
	Out
)

// String implements fmt.Stringer.
func (id Ident) String() string {
	switch id {
	case Lhs:
		return "Lhs"
	case Rhs:
		return "Rhs"
	case Out:
		return "Out"
	default:
		return fmt.Sprintf("Ident(%d)", int(id))
	}
}

// InputIdent is an Ident restricted to the input operands.
type InputIdent int

const (
	InputLhs InputIdent = iota
	InputRhs
)

// AsIdent converts to the corresponding Ident.
func (id InputIdent) AsIdent() Ident {
	if id == InputLhs {
		return Lhs
	}
	return Rhs
}

// String implements fmt.Stringer.
func (id InputIdent) String() string { return id.AsIdent().String() }

// InputIdents lists both input operands, in order.
var InputIdents = []InputIdent{InputLhs, InputRhs}

// MatrixLayout determines which axis of a matrix is contiguous in memory.
type MatrixLayout int

const (
	// RowMajor matrices are contiguous along the columns: rows are the slices.
	RowMajor MatrixLayout = iota

	// ColMajor matrices are contiguous along the rows: columns are the slices.
	ColMajor
)

// String implements fmt.Stringer.
func (l MatrixLayout) String() string {
	switch l {
	case RowMajor:
		return "RowMajor"
	case ColMajor:
		return "ColMajor"
	default:
		return fmt.Sprintf("MatrixLayout(%d)", int(l))
	}
}

// MatmulSize is a (m, n, k) triple: a problem size, a tile shape or a tile count.
type MatmulSize struct {
	M, N, K int
}

// String implements fmt.Stringer.
func (s MatmulSize) String() string { return fmt.Sprintf("%dx%dx%d", s.M, s.N, s.K) }

// StageTiling is the tiling of a stage: the shape of each tile, and the number of tiles in each dimension.
type StageTiling struct {
	TileShape MatmulSize
	TileCount MatmulSize
}

// TotalShape is the shape covered by the whole stage.
func (st StageTiling) TotalShape() MatmulSize {
	return MatmulSize{
		M: st.TileShape.M * st.TileCount.M,
		N: st.TileShape.N * st.TileCount.N,
		K: st.TileShape.K * st.TileCount.K,
	}
}

// TilingDimensions returns the tiling of the given operand:
// Lhs is (m, k), Rhs is (k, n) and Out is (m, n).
func (st StageTiling) TilingDimensions(ident Ident) TilingDimensions {
	shape, count := st.TileShape, st.TileCount
	switch ident {
	case Lhs:
		return TilingDimensions{TileShapeRow: shape.M, TileShapeCol: shape.K, TileCountRow: count.M, TileCountCol: count.K}
	case Rhs:
		return TilingDimensions{TileShapeRow: shape.K, TileShapeCol: shape.N, TileCountRow: count.K, TileCountCol: count.N}
	default:
		return TilingDimensions{TileShapeRow: shape.M, TileShapeCol: shape.N, TileCountRow: count.M, TileCountCol: count.N}
	}
}

// TilingDimensions of one operand's stage.
type TilingDimensions struct {
	TileShapeRow, TileShapeCol int
	TileCountRow, TileCountCol int
}

// TotalRow is the number of rows covered by the stage.
func (td TilingDimensions) TotalRow() int { return td.TileShapeRow * td.TileCountRow }

// TotalCol is the number of columns covered by the stage.
func (td TilingDimensions) TotalCol() int { return td.TileShapeCol * td.TileCountCol }

// TileSize is the number of elements of one tile.
func (td TilingDimensions) TileSize() int { return td.TileShapeRow * td.TileShapeCol }

// TileCount is the number of tiles in the stage.
func (td TilingDimensions) TileCount() int { return td.TileCountRow * td.TileCountCol }

// TotalSize is the number of elements in the stage.
func (td TilingDimensions) TotalSize() int { return td.TileSize() * td.TileCount() }

// String implements fmt.Stringer.
func (td TilingDimensions) String() string {
	return fmt.Sprintf("[%dx%d tiles of %dx%d]", td.TileCountRow, td.TileCountCol, td.TileShapeRow, td.TileShapeCol)
}

// TilingOrder is the order in which tiles are laid out in a contiguous-tiled stage.
// Both orders are bijections between tile coordinates and [0, TileCount).
type TilingOrder int

const (
	// RowMajorOrder places tiles of the same row of tiles next to each other.
	RowMajorOrder TilingOrder = iota

	// ColMajorOrder places tiles of the same column of tiles next to each other.
	ColMajorOrder
)

// String implements fmt.Stringer.
func (o TilingOrder) String() string {
	if o == ColMajorOrder {
		return "ColMajorOrder"
	}
	return "RowMajorOrder"
}

// ToNth returns the position of tile (x, y) (x being the row of tiles) in the order.
func (o TilingOrder) ToNth(x, y int, td TilingDimensions) int {
	if o == ColMajorOrder {
		return y*td.TileCountRow + x
	}
	return x*td.TileCountCol + y
}

// ToXY is the inverse of ToNth.
func (o TilingOrder) ToXY(nth int, td TilingDimensions) (x, y int) {
	if o == ColMajorOrder {
		return nth % td.TileCountRow, nth / td.TileCountRow
	}
	return nth / td.TileCountCol, nth % td.TileCountCol
}
