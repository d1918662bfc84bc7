// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// stagemm runs a tiled matmul on random inputs on the emulated device, checks it against a CPU reference,
// and reports the configuration and timings.
//
// The device is configured with -device or the STAGEMM_DEVICE environment variable, e.g.
// "cpu:plane=32,smem=64k,parallelism=8".
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/stagemm/pkg/matmul"
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/stage"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/runtime"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

var (
	flagM     = flag.Int("m", 512, "Rows of lhs and out.")
	flagN     = flag.Int("n", 512, "Columns of rhs and out.")
	flagK     = flag.Int("k", 512, "Columns of lhs and rows of rhs.")
	flagBatch = flag.Int("batch", 1, "Number of matrices to multiply.")

	flagDevice = flag.String("device", "", "Device configuration, e.g. \"cpu:plane=32,smem=48k\". "+
		"If empty, $"+runtime.STAGEMM_DEVICE+" is used, and then the default configuration.")
	flagDType = flag.String("dtype", "f16", "Stage element type: f32, f16 or bf16. Inputs, output and "+
		"accumulation are always f32.")

	flagTiles      = flag.String("tiles", "4x4x2", "Number of tiles of a stage, as MxNxK. M is also the number of planes.")
	flagTileShape  = flag.String("tile_shape", "16x16x16", "Tile matmul instruction shape, as MxNxK.")
	flagLhsLoading = flag.String("lhs_loading", "SyncCyclic", "Loading strategy of lhs.")
	flagRhsLoading = flag.String("rhs_loading", "SyncCyclic", "Loading strategy of rhs.")
	flagDoubleBuf  = flag.Bool("double_buffering", true, "Double buffering of rhs fragments in the stage matmul.")
	flagDoubleSt   = flag.Bool("double_stage", false, "Alternate two stage buffers along k.")
	flagTransposed = flag.Bool("transposed", false, "Use column-major (transposed) inputs.")

	flagProgress  = flag.Bool("progress", true, "Display a progress bar of the tile matmuls.")
	flagSeed      = flag.Uint64("seed", 42, "Seed of the random inputs.")
	flagTolerance = flag.Float64("tolerance", 1e-3, "Relative tolerance of the check against the CPU reference.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	client := must.M1(newClient())
	selection, err := parseSelection()
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	switch *flagDType {
	case "f32":
		err = run[float32](client, selection)
	case "f16":
		err = run[float16.Float16](client, selection)
	case "bf16":
		err = run[bfloat16.BFloat16](client, selection)
	default:
		err = errors.Errorf("unknown -dtype=%q, valid values are f32, f16 and bf16", *flagDType)
	}
	if err != nil {
		klog.Fatalf("%+v", err)
	}
}

func newClient() (*runtime.Client, error) {
	if *flagDevice != "" {
		return runtime.NewWithConfig(*flagDevice)
	}
	return runtime.New()
}

func parseSize(name, value string) (size config.MatmulSize, err error) {
	if _, err = fmt.Sscanf(value, "%dx%dx%d", &size.M, &size.N, &size.K); err != nil {
		err = errors.Wrapf(err, "invalid -%s=%q, expected MxNxK", name, value)
	}
	return
}

func parseSelection() (matmul.Selection, error) {
	selection := matmul.DefaultSelection()
	var err error
	if selection.TileCount, err = parseSize("tiles", *flagTiles); err != nil {
		return selection, err
	}
	if selection.TileShape, err = parseSize("tile_shape", *flagTileShape); err != nil {
		return selection, err
	}
	if selection.LhsLoading, err = config.ParseLoadingStrategyKind(*flagLhsLoading); err != nil {
		return selection, err
	}
	if selection.RhsLoading, err = config.ParseLoadingStrategyKind(*flagRhsLoading); err != nil {
		return selection, err
	}
	selection.StageBuffering = config.SingleBuffering
	if *flagDoubleBuf {
		selection.StageBuffering = config.DoubleBuffering
	}
	selection.Pipeline = config.SingleStage
	if *flagDoubleSt {
		selection.Pipeline = config.DoubleStage
	}
	return selection, nil
}

func randomInput(rng *rand.Rand, rows, cols int) *tensor.Tensor[float32] {
	var t *tensor.Tensor[float32]
	if *flagTransposed {
		t = tensor.New[float32](*flagBatch, cols, rows).Transposed()
	} else {
		t = tensor.New[float32](*flagBatch, rows, cols)
	}
	for ii := range t.Data {
		t.Data[ii] = rng.Float32()*2 - 1
	}
	return t
}

// progressListener advances a progress bar at each tile matmul.
type progressListener struct {
	bar *progressbar.ProgressBar
}

func (l progressListener) OnEvent(e stage.Event) {
	if e.Kind == stage.EventTileMatmulCompleted {
		_ = l.bar.Add(1)
	}
}

// numTileMatmuls returns the number of tile matmuls executed by the launch.
func numTileMatmuls(problem matmul.Problem, cfg *config.GlobalConfig) int {
	total := cfg.Stage.Tiling.TotalShape()
	numCubes := ((problem.M + total.M - 1) / total.M) * ((problem.N + total.N - 1) / total.N) * problem.Batch
	numLoops := (problem.K + cfg.KPerIteration() - 1) / cfg.KPerIteration()
	tilesPerPlane := cfg.NumBuffers() * cfg.Stage.Tiling.TileCount.K * cfg.Stage.Tiling.TileCount.N
	return numCubes * cfg.NumPlanes() * numLoops * tilesPerPlane
}

func run[ES tensor.Element](client *runtime.Client, selection matmul.Selection) error {
	rng := rand.New(rand.NewPCG(*flagSeed, 0))
	lhs := randomInput(rng, *flagM, *flagK)
	rhs := randomInput(rng, *flagK, *flagN)
	out := tensor.New[float32](*flagBatch, *flagM, *flagN)
	problem, err := matmul.NewProblem(lhs, rhs, out)
	if err != nil {
		return err
	}
	cfg := matmul.MakeConfig(problem, selection, client.PlaneDim())

	opts := &matmul.Options[float32]{}
	var bar *progressbar.ProgressBar
	if *flagProgress {
		bar = progressbar.NewOptions(numTileMatmuls(problem, cfg),
			progressbar.OptionSetDescription("tile matmuls"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		opts.Listener = progressListener{bar: bar}
	}

	start := time.Now()
	err = matmul.Launch[float32, ES](client, lhs, rhs, out, selection, opts)
	elapsed := time.Since(start)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	maxErr := checkReference[ES](lhs, rhs, out)
	report(client, problem, cfg, tensor.DTypeOf[ES]().String(), matmul.SharedMemorySize[ES, float32](cfg), elapsed, maxErr)
	if maxErr > *flagTolerance {
		return errors.Errorf("result differs from the CPU reference by %g, more than -tolerance=%g", maxErr, *flagTolerance)
	}
	return nil
}

// checkReference returns the largest error of out with respect to a gonum matmul of the inputs rounded to ES,
// relative to max(1, |reference|).
func checkReference[ES tensor.Element](lhs, rhs, out *tensor.Tensor[float32]) float64 {
	var maxErr float64
	for b := range out.BatchSize() {
		want := referenceMatmul[ES](lhs, rhs, b)
		for row := range out.Rows() {
			for col := range out.Cols() {
				w := want.At(row, col)
				maxErr = max(maxErr, math.Abs(float64(out.At(b, row, col))-w)/max(1, math.Abs(w)))
			}
		}
	}
	return maxErr
}
