// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stage

import (
	"fmt"

	"github.com/gomlx/stagemm/pkg/matmul/config"
)

// TilingLayout maps the tile coordinates of a stage buffer to its physical position in the buffer.
//
// Implementations are Contiguous and Strided.
type TilingLayout interface {
	fmt.Stringer

	// TileView returns the offset, within one stage buffer, of the first element of tile (row, col),
	// and the stride between the tile's consecutive slices (rows for RowMajor, columns for ColMajor).
	TileView(row, col int, td config.TilingDimensions, layout config.MatrixLayout) (offset, stride int)
}

// Contiguous places the elements of each tile in a contiguous range, the tiles themselves
// ordered by Order. Within a tile, elements follow the operand's matrix layout.
type Contiguous struct {
	Order config.TilingOrder
}

// String implements fmt.Stringer.
func (c Contiguous) String() string { return fmt.Sprintf("Contiguous(%s)", c.Order) }

// TileView implements TilingLayout.
func (c Contiguous) TileView(row, col int, td config.TilingDimensions, layout config.MatrixLayout) (offset, stride int) {
	offset = c.Order.ToNth(row, col, td) * td.TileSize()
	if layout == config.RowMajor {
		return offset, td.TileShapeCol
	}
	return offset, td.TileShapeRow
}

// Strided lays the whole stage buffer out as one matrix in the operand's matrix layout:
// the rows (RowMajor) or columns (ColMajor) of the tiles interleave across the whole stage.
type Strided struct{}

// String implements fmt.Stringer.
func (Strided) String() string { return "Strided" }

// TileView implements TilingLayout.
func (Strided) TileView(row, col int, td config.TilingDimensions, layout config.MatrixLayout) (offset, stride int) {
	if layout == config.RowMajor {
		return row*td.TileShapeRow*td.TotalCol() + col*td.TileShapeCol, td.TotalCol()
	}
	return col*td.TileShapeCol*td.TotalRow() + row*td.TileShapeRow, td.TotalRow()
}

// SliceLength is the length of one slice of a Strided stage buffer: a full row (RowMajor)
// or a full column (ColMajor) of the stage.
func SliceLength(td config.TilingDimensions, layout config.MatrixLayout) int {
	if layout == config.RowMajor {
		return td.TotalCol()
	}
	return td.TotalRow()
}

// NumSlices is the number of slices of a Strided stage buffer.
func NumSlices(td config.TilingDimensions, layout config.MatrixLayout) int {
	if layout == config.RowMajor {
		return td.TotalRow()
	}
	return td.TotalCol()
}
