// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package global implements the global matmul kernel: each cube computes one stage-sized block of the output,
// looping over k with one loader per input operand and the plane-row stage matmul.
package global

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/global/load"
	"github.com/gomlx/stagemm/pkg/matmul/stage"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/matmul/tile"
	"github.com/gomlx/stagemm/pkg/runtime"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Arguments of a matmul kernel: Out = Lhs·Rhs (+ Bias).
//
// Lhs is (batch?, m, k), Rhs is (batch?, k, n), Out and the optional Bias are (batch?, m, n). Operands with a
// batch of 1 (or rank 2) are broadcast over the batch of Out.
type Arguments[EG tensor.Element] struct {
	Lhs, Rhs, Out *tensor.Tensor[EG]

	// Bias, if not nil, initializes the accumulators.
	Bias *tensor.Tensor[EG]

	// LhsQuantization and RhsQuantization, if not nil, dequantize the operands while loading.
	// Only supported by synchronous loading strategies.
	LhsQuantization, RhsQuantization *tensor.Quantization
}

// Kernel is the global matmul kernel, with EG the element type of the global tensors and ES the one of the
// stages. Accumulation is always float32.
//
// It implements runtime.Kernel, and must be launched with CubeCount and CubeDim.
type Kernel[EG, ES tensor.Element] struct {
	id       uuid.UUID
	cfg      *config.GlobalConfig
	args     Arguments[EG]
	listener stage.EventListener
}

// NewKernel returns a kernel for the configuration and arguments. The configuration is expected to be
// validated already, and it must not be changed afterwards.
//
// The listener, if not nil, receives the stage matmul events of all planes of all cubes, concurrently.
func NewKernel[EG, ES tensor.Element](cfg *config.GlobalConfig, args Arguments[EG], listener stage.EventListener) *Kernel[EG, ES] {
	if listener == nil {
		listener = stage.NoEvent{}
	}
	return &Kernel[EG, ES]{id: uuid.New(), cfg: cfg, args: args, listener: listener}
}

// ID implements runtime.Kernel.
func (k *Kernel[EG, ES]) ID() uuid.UUID { return k.id }

// Name implements runtime.Kernel.
func (k *Kernel[EG, ES]) Name() string {
	return fmt.Sprintf("matmul[%s->%s, %s]", tensor.DTypeOf[EG](), tensor.DTypeOf[ES](), k.cfg.Pipeline)
}

// Config returns the kernel configuration.
func (k *Kernel[EG, ES]) Config() *config.GlobalConfig { return k.cfg }

// CubeDim returns the units of each cube: one plane per tile row of the stage.
func CubeDim(cfg *config.GlobalConfig) runtime.CubeDim {
	return runtime.CubeDim{X: cfg.PlaneDim(), Y: cfg.NumPlanes(), Z: 1}
}

// CubeCount returns the grid covering an m x n output with the given batch: one cube per stage block.
func CubeCount(size config.MatmulSize, batch int, cfg *config.GlobalConfig) runtime.CubeCount {
	total := cfg.Stage.Tiling.TotalShape()
	return runtime.CubeCount{
		X: (size.M + total.M - 1) / total.M,
		Y: (size.N + total.N - 1) / total.N,
		Z: max(batch, 1),
	}
}

// cubeState holds what a unit works with during the kernel.
type cubeState[EG, ES tensor.Element] struct {
	u          *runtime.Unit
	lhs, rhs   *load.Loader[EG, ES]
	level      runtime.BarrierLevel
	pm         *stage.PlaneRowMatmul[ES, EG]
	planeRow   int
	leader     bool
	lhsFrag    *tile.Lhs
	rhsFrags   *stage.RhsFragments
	acc        *stage.Accumulator
	listener   stage.EventListener
	kPerBuffer int
}

// Execute implements runtime.Kernel.
func (k *Kernel[EG, ES]) Execute(u *runtime.Unit) {
	cfg := k.cfg
	total := cfg.Stage.Tiling.TotalShape()
	pos := u.CubePos()
	xOffset, yOffset, batch := pos.X*total.M, pos.Y*total.N, pos.Z
	if u.Index() == 0 && klog.V(2).Enabled() {
		klog.Infof("kernel %s: cube %s computes out[%d, %d:%d, %d:%d]", k.id, pos,
			batch, xOffset, xOffset+total.M, yOffset, yOffset+total.N)
	}

	args := &k.args
	lhsLoader, err := load.NewLoader[EG, ES](u, args.Lhs, xOffset, 0, args.Lhs.BatchOffset(batch),
		args.LhsQuantization, config.InputLhs, cfg)
	if err != nil {
		exceptions.Panicf("kernel %s: %+v", k.id, err)
	}
	rhsLoader, err := load.NewLoader[EG, ES](u, args.Rhs, 0, yOffset, args.Rhs.BatchOffset(batch),
		args.RhsQuantization, config.InputRhs, cfg)
	if err != nil {
		exceptions.Panicf("kernel %s: %+v", k.id, err)
	}
	pm := stage.NewPlaneRowMatmul[ES, EG](&cfg.Stage)
	// Allocated by all units, so shared memory allocations stay in the same order in the whole cube.
	scratch := runtime.SharedMemory[EG](u, pm.ScratchSize())

	s := &cubeState[EG, ES]{
		u:          u,
		lhs:        lhsLoader,
		rhs:        rhsLoader,
		level:      max(lhsLoader.BarrierLevel(), rhsLoader.BarrierLevel()),
		pm:         pm,
		planeRow:   u.Plane(),
		leader:     u.IsPlaneLeader(),
		listener:   k.listener,
		kPerBuffer: cfg.TilingDimensions(config.Lhs).TotalCol(),
	}
	if s.leader {
		s.lhsFrag, s.rhsFrags = pm.InitTileInputs()
		s.acc = pm.InitAccumulator()
		var accLoader stage.AccumulatorLoader = ZeroLoader{}
		if args.Bias != nil {
			accLoader = NewTensorLoader(args.Bias, xOffset, yOffset, batch, cfg)
		}
		pm.FillAccumulator(accLoader, s.planeRow, s.acc)
	}

	kSize := args.Lhs.Cols()
	numLoops := (kSize + cfg.KPerIteration() - 1) / cfg.KPerIteration()
	if cfg.Pipeline == config.DoubleStage {
		s.doubleStage(numLoops)
	} else {
		s.singleStage(numLoops)
	}

	if s.leader {
		pm.ReadAccumulator(s.planeRow, s.acc, scratch, NewTensorWriter(args.Out, xOffset, yOffset, batch, cfg))
	}
}

// singleStage loads one k block per iteration, and computes it once it is visible to the whole cube.
func (s *cubeState[EG, ES]) singleStage(numLoops int) {
	for range numLoops {
		s.lhs.Fill(0)
		s.rhs.Fill(0)
		s.lhs.Complete()
		s.rhs.Complete()
		s.u.Sync(s.level)

		s.compute(s.lhs.Reader(), s.rhs.Reader())
		s.u.SyncCube()

		s.lhs.AdvanceView(s.kPerBuffer)
		s.rhs.AdvanceView(s.kPerBuffer)
	}
}

// doubleStage alternates the two stage buffers: buffer 1 is filled while buffer 0 is computed and,
// except in the last iteration, buffer 0 is refilled with the next k block while buffer 1 is computed.
func (s *cubeState[EG, ES]) doubleStage(numLoops int) {
	lhs0, rhs0 := s.lhs.BufferedReader(0), s.rhs.BufferedReader(0)
	lhs1, rhs1 := s.lhs.BufferedReader(1), s.rhs.BufferedReader(1)
	if numLoops == 0 {
		return
	}

	s.fill(0)
	s.u.Sync(s.level)
	for loop := range numLoops {
		last := loop == numLoops-1

		s.lhs.Fill(1)
		s.rhs.Fill(1)
		s.compute(lhs0, rhs0)
		s.complete()
		s.u.SyncCube()

		s.lhs.AdvanceView(2 * s.kPerBuffer)
		s.rhs.AdvanceView(2 * s.kPerBuffer)
		if !last {
			s.lhs.Fill(0)
			s.rhs.Fill(0)
		}
		s.compute(lhs1, rhs1)
		if !last {
			s.complete()
			s.u.SyncCube()
		}
	}
}

func (s *cubeState[EG, ES]) fill(bufferID int) {
	s.lhs.Fill(bufferID)
	s.rhs.Fill(bufferID)
	s.complete()
}

func (s *cubeState[EG, ES]) complete() {
	s.lhs.Complete()
	s.rhs.Complete()
}

// compute runs the stage matmul of the plane, on its leader.
func (s *cubeState[EG, ES]) compute(lhsReader, rhsReader stage.Reader[ES]) {
	if !s.leader {
		return
	}
	s.pm.Execute(s.planeRow, lhsReader, rhsReader, s.lhsFrag, s.rhsFrags, s.acc, s.listener)
}
