// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stage

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/matmul/tile"
	"github.com/gomlx/stagemm/pkg/runtime"
	"github.com/gomlx/stagemm/pkg/support/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func stageConfig(buffering config.StageBuffering) *config.StageConfig {
	shape := config.MatmulSize{M: 16, N: 16, K: 16}
	return &config.StageConfig{
		Tile: config.TileConfig{
			Shape:       shape,
			PlaneDim:    4,
			LhsLineSize: 4, RhsLineSize: 4, OutLineSize: 4,
		},
		Tiling: config.StageTiling{
			TileShape: shape,
			TileCount: config.MatmulSize{M: 2, N: 3, K: 4},
		},
		NumPlanes: 2,
		Buffering: buffering,
	}
}

func TestTilingLayouts(t *testing.T) {
	td := config.TilingDimensions{TileShapeRow: 4, TileShapeCol: 8, TileCountRow: 3, TileCountCol: 2}
	layouts := []TilingLayout{Contiguous{Order: config.RowMajorOrder}, Contiguous{Order: config.ColMajorOrder}, Strided{}}
	for _, layout := range layouts {
		for _, matrixLayout := range []config.MatrixLayout{config.RowMajor, config.ColMajor} {
			t.Run(layout.String()+"/"+matrixLayout.String(), func(t *testing.T) {
				// Every element of the buffer belongs to exactly one (tile, row, col).
				hits := make([]int, td.TotalSize())
				for tileRow := range td.TileCountRow {
					for tileCol := range td.TileCountCol {
						offset, stride := layout.TileView(tileRow, tileCol, td, matrixLayout)
						for row := range td.TileShapeRow {
							for col := range td.TileShapeCol {
								idx := offset + row*stride + col
								if matrixLayout == config.ColMajor {
									idx = offset + col*stride + row
								}
								hits[idx]++
							}
						}
					}
				}
				assert.Equal(t, xslices.SliceWithValue(td.TotalSize(), 1), hits)
			})
		}
	}

	// Strided stage is the matrix itself: element (r, c) of the stage is at r*TotalCol+c.
	offset, stride := Strided{}.TileView(2, 1, td, config.RowMajor)
	assert.Equal(t, 2*4*16+8, offset)
	assert.Equal(t, 16, stride)
	assert.Equal(t, 16, SliceLength(td, config.RowMajor))
	assert.Equal(t, 12, NumSlices(td, config.RowMajor))
	assert.Equal(t, 12, SliceLength(td, config.ColMajor))
}

func TestMemory(t *testing.T) {
	cfg := stageConfig(config.SingleBuffering)
	cube := runtime.NewTestingCube(runtime.CubeDim{X: 4, Y: 2, Z: 1}, 0)
	u := cube.Unit(0, 0)
	mem := NewMemory[float32](u, config.Rhs, 2, cfg, Strided{})
	td := mem.TilingDimensions()
	require.Equal(t, 2*td.TotalSize(), len(mem.Data()))
	copy(mem.Data(), xslices.Iota[float32](0, len(mem.Data())))

	// Buffer 1, tile (1, 2) of the rhs (64x48 per buffer).
	tl := mem.GetTile(1, 2, 1)
	assert.Equal(t, float32(td.TotalSize()+16*48+32), tl.At(0, 0))
	assert.Equal(t, float32(td.TotalSize()+(16+3)*48+32+5), tl.At(3, 5))
	assert.Equal(t, xslices.Iota[float32](float32(td.TotalSize()+7*48), 48), mem.NthSlice(7, 1))

	reader := NewBufferedReader(mem, 1, config.InputRhs)
	assert.Equal(t, tl.At(3, 5), reader.ReadTile(1, 2).At(3, 5))
	assert.Equal(t, 4, reader.NumKIterations())
	assert.Panics(t, func() { NewBufferedReader(mem, 2, config.InputRhs) })

	// Cooperative clear: every unit clears its part.
	for plane := range 2 {
		for lane := range 4 {
			mem.Clear(cube.Unit(lane, plane))
		}
	}
	assert.Equal(t, make([]float32, len(mem.Data())), mem.Data())
}

// fillStages allocates lhs and rhs stages with contiguous row-major tiling and random contents.
func fillStages[ES tensor.Element](t *testing.T, cfg *config.StageConfig, rng *rand.Rand) (lhs, rhs *Memory[ES]) {
	cube := runtime.NewTestingCube(runtime.CubeDim{X: cfg.PlaneDim(), Y: cfg.NumPlanes, Z: 1}, 0)
	u := cube.Unit(0, 0)
	lhs = NewMemory[ES](u, config.Lhs, 1, cfg, Contiguous{Order: config.RowMajorOrder})
	rhs = NewMemory[ES](u, config.Rhs, 1, cfg, Contiguous{Order: config.ColMajorOrder})
	for _, data := range [][]ES{lhs.Data(), rhs.Data()} {
		for ii := range data {
			data[ii] = tensor.FromFloat32[ES](rng.Float32()*2 - 1)
		}
	}
	return
}

// stageReference computes the output row of tiles of planeRow as a row-major (tileM x TotalCol(Out)) matrix.
func stageReference[ES tensor.Element](cfg *config.StageConfig, lhs, rhs *Memory[ES], planeRow int) []float64 {
	tiling := cfg.Tiling
	m, n, k := tiling.TileShape.M, tiling.TotalShape().N, tiling.TotalShape().K
	out := make([]float64, m*n)
	lhsReader, rhsReader := NewFullReader(lhs, config.InputLhs), NewFullReader(rhs, config.InputRhs)
	for row := range m {
		for col := range n {
			var sum float64
			for kk := range k {
				l := lhsReader.ReadTile(planeRow, kk/tiling.TileShape.K).At(row, kk%tiling.TileShape.K)
				r := rhsReader.ReadTile(kk/tiling.TileShape.K, col/tiling.TileShape.N).At(kk%tiling.TileShape.K, col%tiling.TileShape.N)
				sum += tensor.ToFloat64(l) * tensor.ToFloat64(r)
			}
			out[row*n+col] = sum
		}
	}
	return out
}

// recordingWriter stores the drained tiles in a row-major matrix of the plane's row of tiles.
type recordingWriter struct {
	cfg   *config.StageConfig
	out   []float32
	calls []int
}

func (w *recordingWriter) Write(slice []float32, planeRow, accIndex int) {
	tm, tn := w.cfg.Tiling.TileShape.M, w.cfg.Tiling.TileShape.N
	n := w.cfg.Tiling.TotalShape().N
	for row := range tm {
		for col := range tn {
			w.out[row*n+accIndex*tn+col] = slice[row*tn+col]
		}
	}
	w.calls = append(w.calls, accIndex)
}

func runStageMatmul[ES tensor.Element](cfg *config.StageConfig, lhs, rhs *Memory[ES], planeRow int, listener EventListener) []float32 {
	pm := NewPlaneRowMatmul[ES, float32](cfg)
	lhsFrag, rhsFrags := pm.InitTileInputs()
	acc := pm.InitAccumulator()
	pm.ZeroAccumulator(acc)
	pm.Execute(planeRow, NewFullReader(lhs, config.InputLhs), NewFullReader(rhs, config.InputRhs),
		lhsFrag, rhsFrags, acc, listener)
	writer := &recordingWriter{cfg: cfg, out: make([]float32, cfg.Tiling.TileShape.M*cfg.Tiling.TotalShape().N)}
	scratch := make([]float32, pm.ScratchSize())
	pm.ReadAccumulator(planeRow, acc, scratch, writer)
	return writer.out
}

func TestPlaneRowMatmul(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	single, double := stageConfig(config.SingleBuffering), stageConfig(config.DoubleBuffering)
	require.NoError(t, CheckConfig(single))
	lhs, rhs := fillStages[float32](t, single, rng)
	for planeRow := range single.NumPlanes {
		gotSingle := runStageMatmul(single, lhs, rhs, planeRow, nil)
		gotDouble := runStageMatmul(double, lhs, rhs, planeRow, nil)
		require.NoError(t, xslices.SlicesInRelData(gotDouble, gotSingle, 1e-5))
		want := stageReference(single, lhs, rhs, planeRow)
		require.NoError(t, xslices.SlicesInRelData(xslices.Map(gotSingle, func(v float32) float64 { return float64(v) }), want, 1e-4))
	}

	t.Run("half precision", func(t *testing.T) {
		lhs, rhs := fillStages[float16.Float16](t, single, rng)
		gotSingle := runStageMatmul(single, lhs, rhs, 1, nil)
		gotDouble := runStageMatmul(double, lhs, rhs, 1, nil)
		require.NoError(t, xslices.SlicesInRelData(gotDouble, gotSingle, 1e-5))
	})

	t.Run("single tile along n", func(t *testing.T) {
		cfg := stageConfig(config.DoubleBuffering)
		cfg.Tiling.TileCount.N = 1
		lhs, rhs := fillStages[float32](t, cfg, rng)
		got := runStageMatmul(cfg, lhs, rhs, 0, nil)
		want := stageReference(cfg, lhs, rhs, 0)
		require.NoError(t, xslices.SlicesInRelData(xslices.Map(got, func(v float32) float64 { return float64(v) }), want, 1e-4))
	})
}

func TestEvents(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	for _, buffering := range []config.StageBuffering{config.SingleBuffering, config.DoubleBuffering} {
		t.Run(buffering.String(), func(t *testing.T) {
			cfg := stageConfig(buffering)
			lhs, rhs := fillStages[float32](t, cfg, rng)
			var events []Event
			listener := EventListenerFunc(func(e Event) { events = append(events, e) })
			withEvents := runStageMatmul(cfg, lhs, rhs, 0, listener)
			require.Equal(t, withEvents, runStageMatmul(cfg, lhs, rhs, 0, NoEvent{}))

			counts := make(map[EventKind]int)
			var completed []int
			for _, e := range events {
				counts[e.Kind]++
				if e.Kind == EventTileMatmulCompleted {
					completed = append(completed, e.Current)
					assert.Equal(t, 4*3, e.Total)
				}
			}
			assert.Equal(t, Event{Kind: EventBegin}, events[0])
			assert.Equal(t, Event{Kind: EventFinish}, events[len(events)-1])
			assert.Equal(t, 4, counts[EventLhsLoaded])
			assert.Equal(t, 12, counts[EventRhsLoaded])
			// Computations happen in strict k-then-n order.
			assert.Equal(t, xslices.Iota(0, 12), completed)
			if buffering == config.DoubleBuffering {
				// The rhs of (k=0, n=1) is loaded before the compute of (k=0, n=0).
				assert.Equal(t, Event{Kind: EventRhsLoaded, Current: 1, Total: 12}, events[3])
				assert.Equal(t, Event{Kind: EventTileMatmulCompleted, Current: 0, Total: 12}, events[4])
			}
		})
	}
}

func TestReadAccumulatorOrder(t *testing.T) {
	cfg := stageConfig(config.SingleBuffering)
	pm := NewPlaneRowMatmul[float32, float32](cfg)
	acc := pm.InitAccumulator()
	pm.FillAccumulator(constantLoader(3), 1, acc)
	writer := &recordingWriter{cfg: cfg, out: make([]float32, 16*48)}
	scratch := make([]float32, pm.ScratchSize())
	pm.ReadAccumulator(1, acc, scratch, writer)
	assert.Equal(t, []int{0, 1, 2}, writer.calls)
	assert.Equal(t, xslices.SliceWithValue(16*48, float32(3)), writer.out)
	// Plane 1 only used its own part of the scratch.
	assert.Equal(t, make([]float32, 256), scratch[:256])
}

type constantLoader float32

func (c constantLoader) LoadAccumulator(acc *tile.Accumulator, _, _ int) {
	tile.FillAccumulator(xslices.SliceWithValue(len(acc.Values()), float32(c)), 16, acc)
}

func TestCheckConfig(t *testing.T) {
	cfg := stageConfig(config.SingleBuffering)
	cfg.NumPlanes = 3
	err := CheckConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 planes")
	assert.Equal(t, err, CheckConfig(cfg))
}
