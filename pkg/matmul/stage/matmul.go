// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stage

import (
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/matmul/tile"
)

// Writer receives the output tiles drained from the accumulators: slice holds one m x n tile, row-major.
type Writer[EO tensor.Element] interface {
	Write(slice []EO, planeRow, accIndex int)
}

// AccumulatorLoader initializes accumulators before the k reduction, e.g. to zero or from a bias matrix.
type AccumulatorLoader interface {
	LoadAccumulator(acc *tile.Accumulator, planeRow, accIndex int)
}

// Accumulator is the arena of the accumulator fragments of one plane, one per tile along n.
type Accumulator struct {
	fragments []*tile.Accumulator
}

// Len is the number of fragments.
func (acc *Accumulator) Len() int { return len(acc.fragments) }

// Fragment returns the accumulator of the n tile idx.
func (acc *Accumulator) Fragment(idx int) *tile.Accumulator { return acc.fragments[idx] }

// RhsFragments holds one (single buffering) or two (double buffering) rhs fragments.
type RhsFragments struct {
	fragments []*tile.Rhs
}

// Len is the number of rhs fragments, 1 or 2.
func (r *RhsFragments) Len() int { return len(r.fragments) }

// PlaneRowMatmul is the stage matmul where each plane computes one row of tiles of the output:
// plane i takes the lhs tiles of row i, and accumulates into one fragment per tile along n.
//
// It requires as many planes as tiles along m. All methods except ScratchSize are plane-cooperative:
// they are called by the plane leader only.
type PlaneRowMatmul[ES, EO tensor.Element] struct {
	cfg *config.StageConfig
}

// NewPlaneRowMatmul returns the stage matmul for the configuration.
func NewPlaneRowMatmul[ES, EO tensor.Element](cfg *config.StageConfig) *PlaneRowMatmul[ES, EO] {
	return &PlaneRowMatmul[ES, EO]{cfg: cfg}
}

// CheckConfig verifies the number of planes matches the number of tiles along m.
func CheckConfig(cfg *config.StageConfig) error {
	expected := cfg.TilingDimensions(config.Lhs).TileCountRow
	if expected != cfg.NumPlanes {
		return config.NewError("stage", "expected %d planes (one per tile along m), but found %d: "+
			"the number of planes is the cube dimension y, which should be set to %d", expected, cfg.NumPlanes, expected)
	}
	if cfg.Tiling.TileShape != cfg.Tile.Shape {
		return config.NewError("stage", "stage tile shape %s must match the tile matmul instruction shape %s",
			cfg.Tiling.TileShape, cfg.Tile.Shape)
	}
	return nil
}

// InitTileInputs allocates the lhs fragment and the rhs fragments, two of them for double buffering.
func (pm *PlaneRowMatmul[ES, EO]) InitTileInputs() (*tile.Lhs, *RhsFragments) {
	rhs := &RhsFragments{fragments: []*tile.Rhs{tile.AllocateRhs(&pm.cfg.Tile)}}
	if pm.cfg.Buffering == config.DoubleBuffering {
		rhs.fragments = append(rhs.fragments, tile.AllocateRhs(&pm.cfg.Tile))
	}
	return tile.AllocateLhs(&pm.cfg.Tile), rhs
}

// InitAccumulator allocates one accumulator fragment per tile along n.
func (pm *PlaneRowMatmul[ES, EO]) InitAccumulator() *Accumulator {
	n := pm.cfg.Tiling.TileCount.N
	acc := &Accumulator{fragments: make([]*tile.Accumulator, n)}
	for ii := range n {
		acc.fragments[ii] = tile.AllocateAccumulator(&pm.cfg.Tile)
	}
	return acc
}

// ZeroAccumulator resets all fragments.
func (pm *PlaneRowMatmul[ES, EO]) ZeroAccumulator(acc *Accumulator) {
	for _, frag := range acc.fragments {
		tile.ZeroAccumulator(frag)
	}
}

// FillAccumulator initializes all fragments of the plane's accumulator with the loader.
func (pm *PlaneRowMatmul[ES, EO]) FillAccumulator(loader AccumulatorLoader, planeRow int, acc *Accumulator) {
	for ii, frag := range acc.fragments {
		loader.LoadAccumulator(frag, planeRow, ii)
	}
}

// Execute runs the k reduction of the stage for the plane's row of tiles, accumulating into acc.
//
// The listener may be nil.
func (pm *PlaneRowMatmul[ES, EO]) Execute(planeRow int, lhsReader, rhsReader Reader[ES], lhsFragment *tile.Lhs,
	rhsFragments *RhsFragments, acc *Accumulator, listener EventListener) {
	if listener == nil {
		listener = NoEvent{}
	}
	if rhsFragments.Len() == 1 {
		pm.executeSingleBuffer(planeRow, lhsReader, rhsReader, lhsFragment, rhsFragments.fragments[0], acc, listener)
	} else {
		pm.executeDoubleBuffer(planeRow, lhsReader, rhsReader, lhsFragment, rhsFragments.fragments, acc, listener)
	}
}

// executeSingleBuffer reuses one rhs fragment: the load of (k, n) strictly precedes its compute.
func (pm *PlaneRowMatmul[ES, EO]) executeSingleBuffer(planeRow int, lhsReader, rhsReader Reader[ES],
	lhsFragment *tile.Lhs, rhsFragment *tile.Rhs, acc *Accumulator, listener EventListener) {
	listener.OnEvent(Event{Kind: EventBegin})
	kIterations := lhsReader.NumKIterations()
	accIterations := acc.Len()
	total := kIterations * accIterations
	for k := range kIterations {
		tile.FillLhs(lhsReader.ReadTile(planeRow, k), lhsFragment)
		listener.OnEvent(Event{Kind: EventLhsLoaded, Current: k, Total: kIterations})
		for n := range accIterations {
			current := k*accIterations + n
			tile.FillRhs(rhsReader.ReadTile(k, n), rhsFragment)
			listener.OnEvent(Event{Kind: EventRhsLoaded, Current: current, Total: total})
			tile.Execute(lhsFragment, rhsFragment, acc.fragments[n])
			listener.OnEvent(Event{Kind: EventTileMatmulCompleted, Current: current, Total: total})
		}
	}
	listener.OnEvent(Event{Kind: EventFinish})
}

// executeDoubleBuffer alternates two rhs fragments: within each k iteration the first rhs tile is loaded eagerly,
// then the load of tile n+1 is issued before the compute of tile n. The last tile computes without a prefetch.
func (pm *PlaneRowMatmul[ES, EO]) executeDoubleBuffer(planeRow int, lhsReader, rhsReader Reader[ES],
	lhsFragment *tile.Lhs, rhsFragments []*tile.Rhs, acc *Accumulator, listener EventListener) {
	listener.OnEvent(Event{Kind: EventBegin})
	kIterations := lhsReader.NumKIterations()
	numAccumulators := acc.Len()
	total := kIterations * numAccumulators
	for k := range kIterations {
		tile.FillLhs(lhsReader.ReadTile(planeRow, k), lhsFragment)
		listener.OnEvent(Event{Kind: EventLhsLoaded, Current: k, Total: kIterations})

		tile.FillRhs(rhsReader.ReadTile(k, 0), rhsFragments[0])
		listener.OnEvent(Event{Kind: EventRhsLoaded, Current: k * numAccumulators, Total: total})

		n := 0
		for ; n < numAccumulators-1; n++ {
			current, next := rhsFragments[n%2], rhsFragments[(n+1)%2]
			computation := k*numAccumulators + n
			tile.FillRhs(rhsReader.ReadTile(k, n+1), next)
			listener.OnEvent(Event{Kind: EventRhsLoaded, Current: computation + 1, Total: total})
			tile.Execute(lhsFragment, current, acc.fragments[n])
			listener.OnEvent(Event{Kind: EventTileMatmulCompleted, Current: computation, Total: total})
		}

		tile.Execute(lhsFragment, rhsFragments[n%2], acc.fragments[n])
		listener.OnEvent(Event{Kind: EventTileMatmulCompleted, Current: k*numAccumulators + n, Total: total})
	}
	listener.OnEvent(Event{Kind: EventFinish})
}

// ScratchSize is the number of output elements of the shared scratch buffer used by ReadAccumulator:
// one tile per plane.
func (pm *PlaneRowMatmul[ES, EO]) ScratchSize() int {
	return pm.cfg.TilingDimensions(config.Out).TileSize() * pm.cfg.NumPlanes
}

// ReadAccumulator drains the accumulator fragments, one at a time in n order, through the plane's part of
// scratch (see ScratchSize) into the writer.
func (pm *PlaneRowMatmul[ES, EO]) ReadAccumulator(planeRow int, acc *Accumulator, scratch []EO, writer Writer[EO]) {
	tileSize := pm.cfg.TilingDimensions(config.Out).TileSize()
	slice := scratch[planeRow*tileSize : (planeRow+1)*tileSize]
	for ii, frag := range acc.fragments {
		tile.ReadAccumulator(frag, slice)
		writer.Write(slice, planeRow, ii)
	}
}
