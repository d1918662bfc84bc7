// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package matmul is the entry point of the tiled matmul: it builds and checks the kernel configuration for a
// problem, and launches the global kernel on a runtime.Client.
//
// The computation is hierarchical: each cube computes one stage-sized block of the output, loading blocks of
// lhs and rhs from global memory into shared memory stages (see package load), and each plane of the cube
// computes one row of tiles of the stage with the tile matmul instruction (see packages stage and tile).
//
// Example:
//
//	client := must.M1(runtime.New())
//	out := tensor.New[float32](m, n)
//	err := matmul.Launch[float32, float16.Float16](client, lhs, rhs, out, matmul.DefaultSelection(), nil)
package matmul

import (
	"fmt"

	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/global/load"
	"github.com/gomlx/stagemm/pkg/matmul/stage"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/matmul/tile"
)

// Problem describes a matmul out[b] = lhs[b] · rhs[b], with lhs of shape (m, k) and rhs of shape (k, n).
type Problem struct {
	M, N, K int

	// Batch is the number of matrices of the output, at least 1.
	Batch int

	// LhsLayout and RhsLayout are the memory layouts of the inputs. The output is always RowMajor.
	LhsLayout, RhsLayout config.MatrixLayout

	// LhsLineSize, RhsLineSize and OutLineSize are the vectorization of the contiguous dimension of each tensor.
	LhsLineSize, RhsLineSize, OutLineSize int
}

// String implements fmt.Stringer.
func (p Problem) String() string {
	return fmt.Sprintf("[%d] (%d x %d) · (%d x %d), layouts=(%s, %s)", p.Batch, p.M, p.K, p.K, p.N, p.LhsLayout, p.RhsLayout)
}

// NewProblem returns the problem of multiplying lhs by rhs into out.
//
// It returns an *AvailabilityError with reason InvalidInputLayout if an input can't be read directly,
// see tensor.HighlyPermuted.
func NewProblem[E tensor.Element](lhs, rhs, out *tensor.Tensor[E]) (Problem, error) {
	p := Problem{M: lhs.Rows(), N: rhs.Cols(), K: lhs.Cols(), Batch: out.BatchSize()}
	if rhs.Rows() != p.K || out.Rows() != p.M || out.Cols() != p.N {
		return p, newAvailabilityError(InvalidConfig, nil, "incompatible shapes: lhs %v, rhs %v, out %v",
			lhs.Shape, rhs.Shape, out.Shape)
	}
	if p.M <= 0 || p.N <= 0 || p.K <= 0 {
		return p, newAvailabilityError(InvalidConfig, nil, "empty matmul %dx%dx%d", p.M, p.N, p.K)
	}
	for _, operand := range []struct {
		name string
		t    *tensor.Tensor[E]
	}{{"lhs", lhs}, {"rhs", rhs}} {
		if b := operand.t.BatchSize(); b != 1 && b != p.Batch {
			return p, newAvailabilityError(InvalidConfig, nil, "%s batch size %d doesn't match output batch size %d",
				operand.name, b, p.Batch)
		}
	}
	if layout := out.Layout(); layout.Kind != tensor.Contiguous {
		return p, newAvailabilityError(InvalidConfig, nil, "output must be contiguous, got %s", layout)
	}

	var err error
	if p.LhsLayout, p.LhsLineSize, err = inputLayout("lhs", lhs); err != nil {
		return p, err
	}
	if p.RhsLayout, p.RhsLineSize, err = inputLayout("rhs", rhs); err != nil {
		return p, err
	}
	p.OutLineSize = tensor.Vectorization(p.N)
	return p, nil
}

// inputLayout returns the matrix layout and line size of an input tensor.
func inputLayout[E tensor.Element](name string, t *tensor.Tensor[E]) (config.MatrixLayout, int, error) {
	layout := t.Layout()
	switch {
	case layout.Kind == tensor.HighlyPermuted:
		return config.RowMajor, 0, newAvailabilityError(InvalidInputLayout, nil,
			"%s with shape %v and strides %v has no contiguous axis", name, t.Shape, t.Strides)
	case layout.Transposed:
		return config.ColMajor, tensor.Vectorization(t.Rows()), nil
	default:
		return config.RowMajor, tensor.Vectorization(t.Cols()), nil
	}
}

// Selection is the tunable part of a matmul configuration.
type Selection struct {
	// TileShape is the shape of the tile matmul instruction, see tile.InstructionShapes.
	TileShape config.MatmulSize

	// TileCount is the number of tiles of a stage. TileCount.M is also the number of planes per cube.
	TileCount config.MatmulSize

	LhsLoading, RhsLoading         config.LoadingStrategyKind
	LhsTilingOrder, RhsTilingOrder config.TilingOrder

	StageBuffering config.StageBuffering
	Pipeline       config.GlobalBuffering

	// MaxLineSize, if > 0, limits the line sizes.
	MaxLineSize int

	// Quantized inputs are dequantized while loading. Only supported by synchronous loading strategies.
	Quantized bool
}

// DefaultSelection returns a selection that is valid for any problem on devices with planes of 32 units.
func DefaultSelection() Selection {
	return Selection{
		TileShape:      config.MatmulSize{M: 16, N: 16, K: 16},
		TileCount:      config.MatmulSize{M: 4, N: 4, K: 2},
		LhsLoading:     config.SyncCyclic,
		RhsLoading:     config.SyncCyclic,
		LhsTilingOrder: config.RowMajorOrder,
		RhsTilingOrder: config.ColMajorOrder,
		StageBuffering: config.DoubleBuffering,
		Pipeline:       config.SingleStage,
	}
}

// String implements fmt.Stringer.
func (s Selection) String() string {
	return fmt.Sprintf("tiles=%s of %s, loading=(%s, %s), buffering=(%s, %s)",
		s.TileCount, s.TileShape, s.LhsLoading, s.RhsLoading, s.StageBuffering, s.Pipeline)
}

// MakeConfig builds the kernel configuration for the problem: it doesn't validate it, see CheckConfig.
func MakeConfig(problem Problem, selection Selection, planeDim int) *config.GlobalConfig {
	limit := func(lineSize int) int {
		if selection.MaxLineSize > 0 {
			for lineSize > selection.MaxLineSize {
				lineSize /= 2
			}
		}
		return max(lineSize, 1)
	}
	lhsLine, rhsLine, outLine := limit(problem.LhsLineSize), limit(problem.RhsLineSize), limit(problem.OutLineSize)
	cfg := &config.GlobalConfig{
		Stage: config.StageConfig{
			Tile: config.TileConfig{
				Shape:       selection.TileShape,
				PlaneDim:    planeDim,
				LhsLayout:   problem.LhsLayout,
				RhsLayout:   problem.RhsLayout,
				LhsLineSize: lhsLine,
				RhsLineSize: rhsLine,
				OutLineSize: outLine,
			},
			Tiling:    config.StageTiling{TileShape: selection.TileShape, TileCount: selection.TileCount},
			NumPlanes: selection.TileCount.M,
			Buffering: selection.StageBuffering,
			Quantized: selection.Quantized,
		},
		LhsLineSize:    lhsLine,
		RhsLineSize:    rhsLine,
		OutLineSize:    outLine,
		LhsLoading:     selection.LhsLoading,
		RhsLoading:     selection.RhsLoading,
		LhsTilingOrder: selection.LhsTilingOrder,
		RhsTilingOrder: selection.RhsTilingOrder,
		Pipeline:       selection.Pipeline,
	}
	total := cfg.Stage.Tiling.TotalShape()
	if total.M > 0 && total.N > 0 && cfg.KPerIteration() > 0 {
		cfg.CheckMBounds = problem.M%total.M != 0
		cfg.CheckNBounds = problem.N%total.N != 0
		cfg.CheckKBounds = problem.K%cfg.KPerIteration() != 0
	}
	return cfg
}

// CheckConfig validates the configuration at all levels: tile instruction shape, stage planes,
// global structure and the loading strategies of both inputs.
//
// It returns a *config.ConfigError describing the first violation. It is a pure function of cfg.
func CheckConfig(cfg *config.GlobalConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := tile.CheckConfig(&cfg.Stage.Tile); err != nil {
		return err
	}
	if err := stage.CheckConfig(&cfg.Stage); err != nil {
		return err
	}
	for _, ident := range config.InputIdents {
		if err := load.ForKind(cfg.LoadingStrategy(ident)).Validate(cfg, ident); err != nil {
			return err
		}
	}
	return nil
}
