// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tile emulates the cooperative matrix-multiply-accumulate instruction of the device: it multiplies
// one lhs fragment (m x k) by one rhs fragment (k x n) and accumulates into an m x n accumulator fragment.
//
// Fragments hold float32 values, whatever the stage precision, as the hardware accumulates half-precision
// inputs in single precision. Instructions are executed once per plane, by its leader unit.
package tile

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/runtime"
	"github.com/pkg/errors"
)

// InstructionShapes are the supported (m, n, k) shapes of the instruction.
var InstructionShapes = []config.MatmulSize{
	{M: 16, N: 16, K: 16},
	{M: 32, N: 8, K: 16},
	{M: 8, N: 32, K: 16},
}

// AccumulatorDType is the precision of the accumulator fragments.
var AccumulatorDType = dtypes.Float32

// ErrUnsupportedInstruction is returned (wrapped) by CheckAvailability when the device lacks the instruction.
var ErrUnsupportedInstruction = errors.New("tile matmul instruction not supported by the device")

// Tile is a view of one tile in stage memory. It never owns its data.
//
// Stride is the distance between the starts of consecutive rows (RowMajor) or columns (ColMajor).
type Tile[E tensor.Element] struct {
	Slice  []E
	Stride int
	Layout config.MatrixLayout
}

// At returns the element at (row, col) of the tile.
func (t Tile[E]) At(row, col int) E {
	if t.Layout == config.RowMajor {
		return t.Slice[row*t.Stride+col]
	}
	return t.Slice[col*t.Stride+row]
}

// Lhs fragment, m x k, row-major.
type Lhs struct {
	data []float32
	m, k int
}

// Rhs fragment, k x n, column-major.
type Rhs struct {
	data []float32
	k, n int
}

// Accumulator fragment, m x n, row-major.
type Accumulator struct {
	data []float32
	m, n int
}

// Values returns the accumulator contents, row-major. The returned slice must not be modified.
func (acc *Accumulator) Values() []float32 { return acc.data }

// AllocateLhs returns a zero lhs fragment for the instruction shape of cfg.
func AllocateLhs(cfg *config.TileConfig) *Lhs {
	return &Lhs{data: make([]float32, cfg.Shape.M*cfg.Shape.K), m: cfg.Shape.M, k: cfg.Shape.K}
}

// AllocateRhs returns a zero rhs fragment for the instruction shape of cfg.
func AllocateRhs(cfg *config.TileConfig) *Rhs {
	return &Rhs{data: make([]float32, cfg.Shape.K*cfg.Shape.N), k: cfg.Shape.K, n: cfg.Shape.N}
}

// AllocateAccumulator returns a zero accumulator fragment for the instruction shape of cfg.
func AllocateAccumulator(cfg *config.TileConfig) *Accumulator {
	return &Accumulator{data: make([]float32, cfg.Shape.M*cfg.Shape.N), m: cfg.Shape.M, n: cfg.Shape.N}
}

// FillLhs loads an m x k tile into the lhs fragment.
func FillLhs[E tensor.Element](t Tile[E], lhs *Lhs) {
	for row := range lhs.m {
		for col := range lhs.k {
			lhs.data[row*lhs.k+col] = tensor.ToFloat32(t.At(row, col))
		}
	}
}

// FillRhs loads a k x n tile into the rhs fragment.
func FillRhs[E tensor.Element](t Tile[E], rhs *Rhs) {
	for col := range rhs.n {
		for row := range rhs.k {
			rhs.data[col*rhs.k+row] = tensor.ToFloat32(t.At(row, col))
		}
	}
}

// Execute accumulates lhs x rhs into acc. The reduction over k is in increasing k order.
func Execute(lhs *Lhs, rhs *Rhs, acc *Accumulator) {
	for row := range acc.m {
		lhsRow := lhs.data[row*lhs.k : (row+1)*lhs.k]
		accRow := acc.data[row*acc.n : (row+1)*acc.n]
		for col := range acc.n {
			rhsCol := rhs.data[col*rhs.k : (col+1)*rhs.k]
			sum := accRow[col]
			for k, l := range lhsRow {
				sum += l * rhsCol[k]
			}
			accRow[col] = sum
		}
	}
}

// ZeroAccumulator resets acc to zero.
func ZeroAccumulator(acc *Accumulator) {
	clear(acc.data)
}

// FillAccumulator loads acc from an m x n row-major region of src, with the given row stride.
func FillAccumulator[E tensor.Element](src []E, stride int, acc *Accumulator) {
	for row := range acc.m {
		for col := range acc.n {
			acc.data[row*acc.n+col] = tensor.ToFloat32(src[row*stride+col])
		}
	}
}

// ReadAccumulator writes acc, row-major, into dst, converting to the output element type.
func ReadAccumulator[E tensor.Element](acc *Accumulator, dst []E) {
	tensor.CastSlice(dst[:len(acc.data)], acc.data)
}

// CheckConfig verifies the instruction shape is one of InstructionShapes, and that the stage line sizes divide
// the contiguous dimension of the fragments.
func CheckConfig(cfg *config.TileConfig) error {
	if !slices.Contains(InstructionShapes, cfg.Shape) {
		return config.NewError("tile", "instruction shape (m, n, k)=%s not in the supported shapes %v",
			cfg.Shape, InstructionShapes)
	}
	if cfg.PlaneDim <= 0 {
		return config.NewError("tile", "plane dimension must be positive, got %d", cfg.PlaneDim)
	}
	dims := map[config.Ident][2]int{
		config.Lhs: {cfg.Shape.M, cfg.Shape.K},
		config.Rhs: {cfg.Shape.K, cfg.Shape.N},
		config.Out: {cfg.Shape.M, cfg.Shape.N},
	}
	for _, ident := range []config.Ident{config.Lhs, config.Rhs, config.Out} {
		contiguous := dims[ident][1]
		if cfg.MatrixLayout(ident) == config.ColMajor {
			contiguous = dims[ident][0]
		}
		if lineSize := cfg.StageLineSize(ident); lineSize <= 0 || contiguous%lineSize != 0 {
			return config.NewIdentError("tile", ident, "stage line size %d must divide the tile's contiguous dimension %d",
				lineSize, contiguous)
		}
	}
	return nil
}

// RequiredFeature returns the device feature needed to execute the instruction with stage elements of type ES.
func RequiredFeature[ES tensor.Element](cfg *config.TileConfig) runtime.Feature {
	dtype := tensor.DTypeOf[ES]()
	return runtime.TileMatmulFeature(dtype, dtype, AccumulatorDType, cfg.Shape.M, cfg.Shape.K, cfg.Shape.N)
}

// CheckAvailability verifies the device supports the instruction for stage elements of type ES.
// It returns an error wrapping ErrUnsupportedInstruction if not.
func CheckAvailability[ES tensor.Element](client *runtime.Client, cfg *config.TileConfig) error {
	feature := RequiredFeature[ES](cfg)
	if !client.FeatureSupported(feature) {
		return errors.Wrapf(ErrUnsupportedInstruction, "%s", feature)
	}
	return nil
}
