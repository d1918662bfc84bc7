// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package load implements the loading strategies that fill a stage from global memory: each strategy partitions
// the stage among all units of the cube into a Job of per-unit tasks with disjoint destinations.
package load

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/stage"
	"github.com/gomlx/stagemm/pkg/runtime"
)

// Strategy is one way of partitioning the filling of a stage among the units of a cube.
//
// The set of strategies is closed, see ForKind. Strategies are chosen once per loader, when the kernel starts.
type Strategy interface {
	// Name of the strategy, used in diagnostics.
	Name() string

	// Kind of the strategy.
	Kind() config.LoadingStrategyKind

	// TilingLayout the strategy loads into, given the configured tiling order.
	// Only contiguous layouts use the order.
	TilingLayout(order config.TilingOrder) stage.TilingLayout

	// Validate checks the configuration allows the strategy for the operand. It is a pure function of cfg.
	Validate(cfg *config.GlobalConfig, ident config.InputIdent) error

	// BarrierLevel is the synchronization at which the stage filled by the strategy is visible to all units.
	BarrierLevel() runtime.BarrierLevel
}

// ForKind returns the strategy of the given kind.
func ForKind(kind config.LoadingStrategyKind) Strategy {
	switch kind {
	case config.SyncCyclic:
		return SyncCyclic{}
	case config.SyncTilewise:
		return SyncTilewise{}
	case config.AsyncCyclic:
		return AsyncCyclic{}
	case config.AsyncMaximizeSliceLength:
		return AsyncMaximizeSliceLength{}
	case config.AsyncMaximizeUnitCount:
		return AsyncMaximizeUnitCount{}
	}
	exceptions.Panicf("unknown loading strategy %s", kind)
	return nil
}

// contiguousDims returns the number of slices per tile and the slice length in elements for a contiguous
// tiling layout: slices are the rows of the tile for RowMajor operands, its columns for ColMajor ones.
func contiguousDims(cfg *config.GlobalConfig, ident config.InputIdent) (numSlicesPerTile, sliceLength int) {
	td := cfg.TilingDimensions(ident.AsIdent())
	if cfg.MatrixLayout(ident.AsIdent()) == config.RowMajor {
		return td.TileShapeRow, td.TileShapeCol
	}
	return td.TileShapeCol, td.TileShapeRow
}

// stridedDims returns the number of slices of the stage and the slice length in elements for a strided layout.
func stridedDims(cfg *config.GlobalConfig, ident config.InputIdent) (numSlices, sliceLength int) {
	td := cfg.TilingDimensions(ident.AsIdent())
	layout := cfg.MatrixLayout(ident.AsIdent())
	return stage.NumSlices(td, layout), stage.SliceLength(td, layout)
}

func checkNotQuantized(s Strategy, cfg *config.GlobalConfig, ident config.InputIdent) error {
	if cfg.Quantized() {
		return config.NewIdentError(s.Name(), ident.AsIdent(), "quantization is not supported by asynchronous loading")
	}
	return nil
}

// SyncCyclic loads all tiles with all units, each unit loading one line per task, cycling
// with a stride of the total number of units. Lines are read and written synchronously.
type SyncCyclic struct{}

// Name implements Strategy.
func (SyncCyclic) Name() string { return "SyncCyclic" }

// Kind implements Strategy.
func (SyncCyclic) Kind() config.LoadingStrategyKind { return config.SyncCyclic }

// TilingLayout implements Strategy.
func (SyncCyclic) TilingLayout(order config.TilingOrder) stage.TilingLayout {
	return stage.Contiguous{Order: order}
}

// BarrierLevel implements Strategy.
func (SyncCyclic) BarrierLevel() runtime.BarrierLevel { return runtime.BarrierCubeCoop }

// Validate implements Strategy.
func (s SyncCyclic) Validate(cfg *config.GlobalConfig, ident config.InputIdent) error {
	td := cfg.TilingDimensions(ident.AsIdent())
	lineSize := cfg.GlobalLineSize(ident.AsIdent())
	numStageLines := td.TotalSize() / lineSize
	numUnits := cfg.NumUnits()
	if numStageLines%numUnits != 0 {
		return config.NewIdentError(s.Name(), ident.AsIdent(),
			"total unit count %d must divide the number of lines in the stage (%d), or loading would go out of bounds: "+
				"try setting line size and number of planes accordingly", numUnits, numStageLines)
	}
	return nil
}

// SyncTilewise loads each tile with one plane: it requires as many planes as tiles.
type SyncTilewise struct{}

// Name implements Strategy.
func (SyncTilewise) Name() string { return "SyncTilewise" }

// Kind implements Strategy.
func (SyncTilewise) Kind() config.LoadingStrategyKind { return config.SyncTilewise }

// TilingLayout implements Strategy.
func (SyncTilewise) TilingLayout(order config.TilingOrder) stage.TilingLayout {
	return stage.Contiguous{Order: order}
}

// BarrierLevel implements Strategy.
func (SyncTilewise) BarrierLevel() runtime.BarrierLevel { return runtime.BarrierCubeCoop }

// Validate implements Strategy.
func (s SyncTilewise) Validate(cfg *config.GlobalConfig, ident config.InputIdent) error {
	td := cfg.TilingDimensions(ident.AsIdent())
	numPlanes, numTiles := cfg.NumPlanes(), td.TileCount()
	if numPlanes != numTiles {
		return config.NewIdentError(s.Name(), ident.AsIdent(),
			"number of planes %d must equal number of tiles %d for tilewise loading", numPlanes, numTiles)
	}
	lineSize := cfg.GlobalLineSize(ident.AsIdent())
	if lineSize != cfg.StageLineSize(ident.AsIdent()) {
		return config.NewIdentError(s.Name(), ident.AsIdent(),
			"global line size %d and stage line size %d must match for tilewise loading",
			lineSize, cfg.StageLineSize(ident.AsIdent()))
	}
	if linesPerTile := td.TileSize() / lineSize; linesPerTile%cfg.PlaneDim() != 0 {
		return config.NewIdentError(s.Name(), ident.AsIdent(),
			"plane dimension %d must divide the number of lines per tile %d for tilewise loading",
			cfg.PlaneDim(), linesPerTile)
	}
	return nil
}

// AsyncCyclic loads all tiles with all units, each unit copying one slice of a tile per task,
// cycling with a stride of the total number of units.
type AsyncCyclic struct{}

// Name implements Strategy.
func (AsyncCyclic) Name() string { return "AsyncCyclic" }

// Kind implements Strategy.
func (AsyncCyclic) Kind() config.LoadingStrategyKind { return config.AsyncCyclic }

// TilingLayout implements Strategy.
func (AsyncCyclic) TilingLayout(order config.TilingOrder) stage.TilingLayout {
	return stage.Contiguous{Order: order}
}

// BarrierLevel implements Strategy.
func (AsyncCyclic) BarrierLevel() runtime.BarrierLevel { return runtime.BarrierCubeManual }

// Validate implements Strategy.
func (s AsyncCyclic) Validate(cfg *config.GlobalConfig, ident config.InputIdent) error {
	if err := checkNotQuantized(s, cfg, ident); err != nil {
		return err
	}
	numSlicesPerTile, _ := contiguousDims(cfg, ident)
	numSlices := numSlicesPerTile * cfg.TilingDimensions(ident.AsIdent()).TileCount()
	numUnits := cfg.NumUnits()
	if numSlices >= numUnits && numSlices%numUnits != 0 {
		return config.NewIdentError(s.Name(), ident.AsIdent(),
			"number of units (%d) must divide number of slices (%d): would require units doing different numbers of slices",
			numUnits, numSlices)
	}
	return nil
}

// AsyncMaximizeSliceLength issues one copy per contiguous slice of the whole stage, minimizing the number of
// copies at the cost of possibly idle units.
type AsyncMaximizeSliceLength struct{}

// Name implements Strategy.
func (AsyncMaximizeSliceLength) Name() string { return "AsyncMaximizeSliceLength" }

// Kind implements Strategy.
func (AsyncMaximizeSliceLength) Kind() config.LoadingStrategyKind {
	return config.AsyncMaximizeSliceLength
}

// TilingLayout implements Strategy.
func (AsyncMaximizeSliceLength) TilingLayout(config.TilingOrder) stage.TilingLayout {
	return stage.Strided{}
}

// BarrierLevel implements Strategy.
func (AsyncMaximizeSliceLength) BarrierLevel() runtime.BarrierLevel { return runtime.BarrierCubeManual }

// Validate implements Strategy.
func (s AsyncMaximizeSliceLength) Validate(cfg *config.GlobalConfig, ident config.InputIdent) error {
	return checkNotQuantized(s, cfg, ident)
}

// AsyncMaximizeUnitCount issues exactly one copy per unit: each slice of the stage is split in equal segments
// among a group of units.
type AsyncMaximizeUnitCount struct{}

// Name implements Strategy.
func (AsyncMaximizeUnitCount) Name() string { return "AsyncMaximizeUnitCount" }

// Kind implements Strategy.
func (AsyncMaximizeUnitCount) Kind() config.LoadingStrategyKind { return config.AsyncMaximizeUnitCount }

// TilingLayout implements Strategy.
func (AsyncMaximizeUnitCount) TilingLayout(config.TilingOrder) stage.TilingLayout {
	return stage.Strided{}
}

// BarrierLevel implements Strategy.
func (AsyncMaximizeUnitCount) BarrierLevel() runtime.BarrierLevel { return runtime.BarrierCubeManual }

// Validate implements Strategy.
func (s AsyncMaximizeUnitCount) Validate(cfg *config.GlobalConfig, ident config.InputIdent) error {
	if err := checkNotQuantized(s, cfg, ident); err != nil {
		return err
	}
	numSlices, sliceLength := stridedDims(cfg, ident)
	sliceLines := sliceLength / cfg.GlobalLineSize(ident.AsIdent())
	numUnits := cfg.NumUnits()
	if numUnits%numSlices != 0 {
		return config.NewIdentError(s.Name(), ident.AsIdent(),
			"number of slices %d must divide number of units %d evenly", numSlices, numUnits)
	}
	if unitsPerSlice := numUnits / numSlices; sliceLines%unitsPerSlice != 0 {
		return config.NewIdentError(s.Name(), ident.AsIdent(),
			"number of units per slice %d must divide slice length %d (in lines) evenly", unitsPerSlice, sliceLines)
	}
	return nil
}
