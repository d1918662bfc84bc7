// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensor

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/support/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestElements(t *testing.T) {
	assert.Equal(t, dtypes.Float32, DTypeOf[float32]())
	assert.Equal(t, dtypes.Float64, DTypeOf[float64]())
	assert.Equal(t, dtypes.Float16, DTypeOf[float16.Float16]())
	assert.Equal(t, dtypes.BFloat16, DTypeOf[bfloat16.BFloat16]())

	assert.Equal(t, float32(1.5), ToFloat32(float16.Fromfloat32(1.5)))
	assert.Equal(t, float32(-2), ToFloat32(bfloat16.FromFloat32(-2)))
	assert.Equal(t, 0.25, ToFloat64(FromFloat64[float16.Float16](0.25)))
	assert.Equal(t, float32(3), Cast[float32](bfloat16.FromFloat32(3)))
	assert.Equal(t, 1.0/3.0, Cast[float64](1.0/3.0))

	src := []float32{1, 2, 3}
	dst := make([]float16.Float16, 3)
	CastSlice(dst, src)
	assert.Equal(t, float32(3), dst[2].Float32())
}

func TestTensor(t *testing.T) {
	x := FromFlat(xslices.Iota[float32](0, 2*3*4), 2, 3, 4)
	assert.Equal(t, []int{12, 4, 1}, x.Strides)
	assert.Equal(t, 2, x.BatchSize())
	assert.Equal(t, 3, x.Rows())
	assert.Equal(t, 4, x.Cols())
	assert.Equal(t, 12, x.BatchOffset(1))
	assert.Equal(t, float32(12+2*4+1), x.At(1, 2, 1))
	assert.Equal(t, Layout{Kind: Contiguous}, x.Layout())

	xT := x.Transposed()
	assert.Equal(t, []int{2, 4, 3}, xT.Shape)
	assert.Equal(t, x.At(1, 2, 1), xT.At(1, 1, 2))
	assert.Equal(t, Layout{Kind: MildlyPermuted, Transposed: true}, xT.Layout())

	xTC := xT.IntoContiguous()
	assert.Equal(t, Layout{Kind: Contiguous}, xTC.Layout())
	assert.Equal(t, x.At(0, 1, 3), xTC.At(0, 3, 1))

	// Broadcast batch.
	y := FromFlat(xslices.Iota[float32](0, 6), 1, 2, 3)
	assert.Equal(t, 0, y.BatchOffset(5))

	// Batch interleaved in the rows: storage is [rows, batch, cols].
	swapped := &Tensor[float32]{Data: make([]float32, 24), Shape: []int{2, 3, 4}, Strides: []int{4, 8, 1}}
	assert.Equal(t, Layout{Kind: MildlyPermuted, BatchSwap: true}, swapped.Layout())

	// Every other element: no contiguous axis.
	strided := &Tensor[float32]{Data: make([]float32, 48), Shape: []int{3, 4}, Strides: []int{16, 2}}
	assert.Equal(t, HighlyPermuted, strided.Layout().Kind)

	assert.Panics(t, func() { FromFlat(make([]float32, 5), 2, 3) })
	assert.Panics(t, func() { FromFlat(make([]float32, 5), 5) })
}

func TestVectorization(t *testing.T) {
	assert.Equal(t, 4, Vectorization(64))
	assert.Equal(t, 2, Vectorization(6))
	assert.Equal(t, 1, Vectorization(7))
}

// readerConfig returns a config with 16x16 tiles, 2x2 tiles per stage for both operands.
func readerConfig(layout config.MatrixLayout, checkBounds bool) *config.GlobalConfig {
	return &config.GlobalConfig{
		Stage: config.StageConfig{
			Tile: config.TileConfig{
				Shape:     config.MatmulSize{M: 16, N: 16, K: 16},
				PlaneDim:  32,
				LhsLayout: layout, RhsLayout: layout,
				LhsLineSize: 4, RhsLineSize: 4, OutLineSize: 4,
			},
			Tiling: config.StageTiling{
				TileShape: config.MatmulSize{M: 16, N: 16, K: 16},
				TileCount: config.MatmulSize{M: 2, N: 2, K: 2},
			},
			NumPlanes: 2,
		},
		LhsLineSize: 4, RhsLineSize: 4, OutLineSize: 4,
		CheckMBounds: checkBounds, CheckNBounds: checkBounds, CheckKBounds: checkBounds,
	}
}

func TestReader(t *testing.T) {
	t.Run("window in tile", func(t *testing.T) {
		x := FromFlat(xslices.Iota[float32](0, 40*36), 40, 36)
		cfg := readerConfig(config.RowMajor, true)
		r := NewReader(x, 0, 0, 0)
		w := r.LoadWindowInTile(1, 1, 3, config.InputLhs, cfg)
		require.Equal(t, 16, w.Size)
		assert.Equal(t, xslices.Iota[float32](float32(19*36+16), 16), w.Slice)

		// Second stage along m: rows 32..63, only 8 of them in the tensor.
		r = NewReader(x, 32, 0, 0)
		assert.Equal(t, 16, r.LoadWindowInTile(0, 0, 7, config.InputLhs, cfg).Size)
		assert.Equal(t, 0, r.LoadWindowInTile(0, 0, 8, config.InputLhs, cfg).Size)
		assert.Equal(t, 0, r.LoadWindowInTile(1, 0, 0, config.InputLhs, cfg).Size)

		// Partially out along k (columns): 36-32=4 valid columns.
		r.UpdateView(32, config.InputLhs)
		w = r.LoadWindowInTile(0, 0, 0, config.InputLhs, cfg)
		require.Equal(t, 4, w.Size)
		assert.Equal(t, []float32{32*36 + 32, 32*36 + 33, 32*36 + 34, 32*36 + 35}, w.Slice)
		assert.Equal(t, 0, r.LoadWindowInTile(0, 1, 0, config.InputLhs, cfg).Size)
	})

	t.Run("window in stage", func(t *testing.T) {
		x := FromFlat(xslices.Iota[float32](0, 64*64), 64, 64)
		cfg := readerConfig(config.RowMajor, false)
		r := NewReader(x, 32, 0, 0)
		r.UpdateView(32, config.InputLhs)
		w := r.LoadWindowInStage(5, config.InputLhs, cfg)
		require.Equal(t, 32, w.Size)
		assert.Equal(t, xslices.Iota[float32](float32(37*64+32), 32), w.Slice)

		// Rhs advances along the rows.
		r = NewReader(x, 0, 16, 0)
		r.UpdateView(32, config.InputRhs)
		x0, y0 := r.Offsets()
		assert.Equal(t, []int{32, 16}, []int{x0, y0})
	})

	t.Run("column major", func(t *testing.T) {
		// Logical 20x32 matrix stored column major.
		storage := FromFlat(xslices.Iota[float32](0, 32*20), 32, 20)
		x := storage.Transposed()
		cfg := readerConfig(config.ColMajor, true)
		r := NewReader(x, 0, 0, 0)
		w := r.LoadWindowInTile(1, 0, 2, config.InputLhs, cfg)
		// Column 2, rows 16..19: only 4 valid.
		require.Equal(t, 4, w.Size)
		assert.Equal(t, []float32{2*20 + 16, 2*20 + 17, 2*20 + 18, 2*20 + 19}, w.Slice)
		for ii := range w.Size {
			assert.Equal(t, x.At(0, 16+ii, 2), w.Slice[ii])
		}
	})

	t.Run("coalesced", func(t *testing.T) {
		x := FromFlat(xslices.Iota[float32](0, 2*20*20), 2, 20, 20)
		cfg := readerConfig(config.RowMajor, true)
		r := NewReader(x, 0, 0, x.BatchOffset(1))
		line, inBounds := r.LoadCoalescedInTile(0, 1, 4*16+8, config.InputLhs, cfg)
		// Row 4, column 16+8=24 is out of the 20 columns.
		assert.False(t, inBounds)
		assert.Equal(t, Line[float32]{0, 0, 0, 0}, line)
		line, inBounds = r.LoadCoalescedInTile(0, 1, 4*16, config.InputLhs, cfg)
		base := float32(400 + 4*20 + 16)
		assert.True(t, inBounds)
		assert.Equal(t, Line[float32]{base, base + 1, base + 2, base + 3}, line)
		line, inBounds = r.LoadCoalescedInTile(1, 0, 4*16, config.InputLhs, cfg)
		assert.False(t, inBounds)
		assert.Equal(t, Line[float32]{0, 0, 0, 0}, line)
	})
}

func TestQuantization(t *testing.T) {
	q := &Quantization{Scale: 0.5, Offset: 2}
	dst := make([]float16.Float16, 2)
	DequantizeLine(q, dst, Line[float32]{4, 0})
	assert.Equal(t, float32(1), dst[0].Float32())
	assert.Equal(t, float32(-1), dst[1].Float32())
}
