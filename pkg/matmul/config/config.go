// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"slices"
)

// StageBuffering is how many rhs fragments the stage matmul alternates between.
type StageBuffering int

const (
	// SingleBuffering reuses one rhs fragment: the load of (k, n) strictly precedes its compute.
	SingleBuffering StageBuffering = iota

	// DoubleBuffering alternates two rhs fragments, loading the next one before computing the current.
	DoubleBuffering
)

// String implements fmt.Stringer.
func (b StageBuffering) String() string {
	if b == DoubleBuffering {
		return "Double"
	}
	return "Single"
}

// GlobalBuffering is the global pipeline: how many stage buffers alternate along the k dimension.
type GlobalBuffering int

const (
	// SingleStage loads one k block at a time: fill, barrier, compute, barrier, advance.
	SingleStage GlobalBuffering = iota

	// DoubleStage splits the stage in two buffers, each covering half of the k block, and alternates
	// computing on one buffer while the other is filled.
	DoubleStage
)

// String implements fmt.Stringer.
func (b GlobalBuffering) String() string {
	if b == DoubleStage {
		return "DoubleStage"
	}
	return "SingleStage"
}

// LoadingStrategyKind enumerates the strategies that fill a stage from global memory.
type LoadingStrategyKind int

const (
	SyncCyclic LoadingStrategyKind = iota
	SyncTilewise
	AsyncCyclic
	AsyncMaximizeSliceLength
	AsyncMaximizeUnitCount
)

// LoadingStrategyKinds lists all loading strategies.
var LoadingStrategyKinds = []LoadingStrategyKind{
	SyncCyclic, SyncTilewise, AsyncCyclic, AsyncMaximizeSliceLength, AsyncMaximizeUnitCount}

// IsAsync returns whether the strategy fills the stage with asynchronous copies.
func (k LoadingStrategyKind) IsAsync() bool {
	return k == AsyncCyclic || k == AsyncMaximizeSliceLength || k == AsyncMaximizeUnitCount
}

// String implements fmt.Stringer.
func (k LoadingStrategyKind) String() string {
	switch k {
	case SyncCyclic:
		return "SyncCyclic"
	case SyncTilewise:
		return "SyncTilewise"
	case AsyncCyclic:
		return "AsyncCyclic"
	case AsyncMaximizeSliceLength:
		return "AsyncMaximizeSliceLength"
	case AsyncMaximizeUnitCount:
		return "AsyncMaximizeUnitCount"
	default:
		return fmt.Sprintf("LoadingStrategyKind(%d)", int(k))
	}
}

// ParseLoadingStrategyKind converts a name as returned by LoadingStrategyKind.String back to the kind.
func ParseLoadingStrategyKind(name string) (LoadingStrategyKind, error) {
	for _, k := range LoadingStrategyKinds {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, NewError("global", "unknown loading strategy %q", name)
}

// ValidLineSizes are the allowed vectorization factors.
var ValidLineSizes = []int{4, 2, 1}

// TileConfig configures the tile matmul instruction.
type TileConfig struct {
	// Shape of the instruction, (m, n, k).
	Shape MatmulSize

	// PlaneDim is the number of units of the plane executing each instruction.
	PlaneDim int

	LhsLayout, RhsLayout MatrixLayout

	// LhsLineSize, RhsLineSize and OutLineSize are the stage line sizes.
	LhsLineSize, RhsLineSize, OutLineSize int
}

// MatrixLayout of the operand's tiles. Out is always RowMajor.
func (c *TileConfig) MatrixLayout(ident Ident) MatrixLayout {
	switch ident {
	case Lhs:
		return c.LhsLayout
	case Rhs:
		return c.RhsLayout
	default:
		return RowMajor
	}
}

// StageLineSize of the given operand.
func (c *TileConfig) StageLineSize(ident Ident) int {
	switch ident {
	case Lhs:
		return c.LhsLineSize
	case Rhs:
		return c.RhsLineSize
	default:
		return c.OutLineSize
	}
}

// StageConfig configures the stage matmul.
type StageConfig struct {
	Tile TileConfig

	// Tiling of one stage buffer.
	Tiling StageTiling

	NumPlanes int
	Buffering StageBuffering
	Quantized bool
}

// TilingDimensions of one buffer of the operand's stage.
func (c *StageConfig) TilingDimensions(ident Ident) TilingDimensions {
	return c.Tiling.TilingDimensions(ident)
}

// PlaneDim is the number of units per plane.
func (c *StageConfig) PlaneDim() int { return c.Tile.PlaneDim }

// MatrixLayout of the given operand.
func (c *StageConfig) MatrixLayout(ident Ident) MatrixLayout { return c.Tile.MatrixLayout(ident) }

// StageLineSize of the given operand.
func (c *StageConfig) StageLineSize(ident Ident) int { return c.Tile.StageLineSize(ident) }

// GlobalConfig is the complete configuration of a matmul kernel.
type GlobalConfig struct {
	Stage StageConfig

	// LhsLineSize, RhsLineSize and OutLineSize are the vectorization of the global tensors.
	LhsLineSize, RhsLineSize, OutLineSize int

	LhsLoading, RhsLoading LoadingStrategyKind

	// LhsTilingOrder and RhsTilingOrder are used by loading strategies with a contiguous tiling layout.
	LhsTilingOrder, RhsTilingOrder TilingOrder

	Pipeline GlobalBuffering

	// CheckMBounds, CheckNBounds and CheckKBounds are set when the problem is not a multiple of the stage
	// size in the corresponding dimension, so loaders must bounds-check reads and writers must bounds-check writes.
	CheckMBounds, CheckNBounds, CheckKBounds bool
}

// TilingDimensions of one buffer of the operand's stage.
func (c *GlobalConfig) TilingDimensions(ident Ident) TilingDimensions {
	return c.Stage.TilingDimensions(ident)
}

// MatrixLayout of the given operand.
func (c *GlobalConfig) MatrixLayout(ident Ident) MatrixLayout { return c.Stage.MatrixLayout(ident) }

// GlobalLineSize is the vectorization of the operand's global tensor.
func (c *GlobalConfig) GlobalLineSize(ident Ident) int {
	switch ident {
	case Lhs:
		return c.LhsLineSize
	case Rhs:
		return c.RhsLineSize
	default:
		return c.OutLineSize
	}
}

// StageLineSize of the given operand.
func (c *GlobalConfig) StageLineSize(ident Ident) int { return c.Stage.StageLineSize(ident) }

// PlaneDim is the number of units per plane.
func (c *GlobalConfig) PlaneDim() int { return c.Stage.PlaneDim() }

// NumPlanes is the number of planes per cube.
func (c *GlobalConfig) NumPlanes() int { return c.Stage.NumPlanes }

// NumUnits is the number of units per cube.
func (c *GlobalConfig) NumUnits() int { return c.PlaneDim() * c.NumPlanes() }

// NumBuffers is the number of stage buffers each operand's stage holds.
func (c *GlobalConfig) NumBuffers() int {
	if c.Pipeline == DoubleStage {
		return 2
	}
	return 1
}

// KPerIteration is the extent of k consumed by one iteration of the global loop (all buffers).
func (c *GlobalConfig) KPerIteration() int {
	return c.NumBuffers() * c.TilingDimensions(Lhs).TotalCol()
}

// Quantized returns whether inputs are dequantized when loaded.
func (c *GlobalConfig) Quantized() bool { return c.Stage.Quantized }

// LoadingStrategy of the input operand.
func (c *GlobalConfig) LoadingStrategy(ident InputIdent) LoadingStrategyKind {
	if ident == InputLhs {
		return c.LhsLoading
	}
	return c.RhsLoading
}

// TilingOrder of the input operand.
func (c *GlobalConfig) TilingOrder(ident InputIdent) TilingOrder {
	if ident == InputLhs {
		return c.LhsTilingOrder
	}
	return c.RhsTilingOrder
}

// CheckRowBounds returns whether the rows of the operand may go out of the tensor.
func (c *GlobalConfig) CheckRowBounds(ident InputIdent) bool {
	if ident == InputLhs {
		return c.CheckMBounds
	}
	return c.CheckKBounds
}

// CheckColBounds returns whether the columns of the operand may go out of the tensor.
func (c *GlobalConfig) CheckColBounds(ident InputIdent) bool {
	if ident == InputLhs {
		return c.CheckKBounds
	}
	return c.CheckNBounds
}

// String implements fmt.Stringer.
func (c *GlobalConfig) String() string {
	return fmt.Sprintf("stage=%s/%s, planes=%dx%d, loading=(%s, %s), buffering=%s, pipeline=%s",
		c.Stage.Tiling.TileCount, c.Stage.Tiling.TileShape, c.NumPlanes(), c.PlaneDim(),
		c.LhsLoading, c.RhsLoading, c.Stage.Buffering, c.Pipeline)
}

// Validate checks the structural constraints of the configuration, common to all strategies:
// positive sizes, line sizes in ValidLineSizes dividing the contiguous dimension of the tiles,
// and quantization only with synchronous loading.
//
// It is a pure function of the configuration.
func (c *GlobalConfig) Validate() error {
	tiling := c.Stage.Tiling
	for _, size := range []MatmulSize{tiling.TileShape, tiling.TileCount} {
		if size.M <= 0 || size.N <= 0 || size.K <= 0 {
			return NewError("stage", "tile shape and tile count must be positive, got %s tiles of %s",
				tiling.TileCount, tiling.TileShape)
		}
	}
	if c.NumPlanes() <= 0 || c.PlaneDim() <= 0 {
		return NewError("stage", "number of planes (%d) and plane dimension (%d) must be positive",
			c.NumPlanes(), c.PlaneDim())
	}
	for _, ident := range []Ident{Lhs, Rhs, Out} {
		td := c.TilingDimensions(ident)
		contiguous := td.TileShapeCol
		if c.MatrixLayout(ident) == ColMajor {
			contiguous = td.TileShapeRow
		}
		for _, lineSize := range []int{c.GlobalLineSize(ident), c.StageLineSize(ident)} {
			if !slices.Contains(ValidLineSizes, lineSize) {
				return NewIdentError("global", ident, "line size %d must be one of %v", lineSize, ValidLineSizes)
			}
			if contiguous%lineSize != 0 {
				return NewIdentError("global", ident,
					"line size %d must divide the contiguous dimension of the %s tiles (%d)",
					lineSize, c.MatrixLayout(ident), contiguous)
			}
		}
	}
	if c.Quantized() {
		for _, ident := range InputIdents {
			if kind := c.LoadingStrategy(ident); kind.IsAsync() {
				return NewIdentError("global", ident.AsIdent(),
					"quantization is not supported by asynchronous loading strategy %s", kind)
			}
		}
	}
	return nil
}

// ConfigError is a configuration rejected before launch.
type ConfigError struct {
	// Component is the level (tile, stage, global, loading strategy name) that rejected the configuration.
	Component string

	// Ident is the operand the error applies to, or empty.
	Ident string

	Message string
}

// NewError returns a ConfigError not specific to an operand.
func NewError(component, format string, args ...any) *ConfigError {
	return &ConfigError{Component: component, Message: fmt.Sprintf(format, args...)}
}

// NewIdentError returns a ConfigError for the given operand.
func NewIdentError(component string, ident Ident, format string, args ...any) *ConfigError {
	return &ConfigError{Component: component, Ident: ident.String(), Message: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *ConfigError) Error() string {
	if e.Ident == "" {
		return fmt.Sprintf("invalid %s configuration: %s", e.Component, e.Message)
	}
	return fmt.Sprintf("invalid %s configuration for %s: %s", e.Component, e.Ident, e.Message)
}
