// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package load

import (
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/stage"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/runtime"
	"k8s.io/klog/v2"
)

// Loader fills the stage of one input operand, one k block at a time, using the configured strategy.
//
// Each unit of the cube owns its Loader, while the stage memory is shared by the cube.
type Loader[EG, ES tensor.Element] struct {
	strategy Strategy
	ident    config.InputIdent
	cfg      *config.GlobalConfig

	// readers holds one view per stage buffer: buffer b is b k blocks ahead of buffer 0.
	readers []*tensor.Reader[EG]
	mem     *stage.Memory[ES]
	job     Job[EG, ES]
	copier  *Copier[EG, ES]
}

// NewLoader creates the loader of unit u for the operand t, positioned at (xOffset, yOffset) of the matrix
// starting at batchOffset, and allocates its stage from the cube shared memory.
//
// If the stage may straddle the tensor boundary along m (lhs) or n (rhs), the stage is cleared by all units
// and the cube synchronized: so NewLoader must be called by all units of the cube.
func NewLoader[EG, ES tensor.Element](u *runtime.Unit, t *tensor.Tensor[EG], xOffset, yOffset, batchOffset int,
	quant *tensor.Quantization, ident config.InputIdent, cfg *config.GlobalConfig) (*Loader[EG, ES], error) {
	strategy := ForKind(cfg.LoadingStrategy(ident))
	job, err := NewJob[EG, ES](strategy, u, quant, ident, cfg)
	if err != nil {
		return nil, err
	}
	numBuffers := cfg.NumBuffers()
	mem := stage.NewMemory[ES](u, ident.AsIdent(), numBuffers, &cfg.Stage, strategy.TilingLayout(cfg.TilingOrder(ident)))
	l := &Loader[EG, ES]{
		strategy: strategy,
		ident:    ident,
		cfg:      cfg,
		readers:  make([]*tensor.Reader[EG], numBuffers),
		mem:      mem,
		job:      job,
		copier:   NewCopier[EG, ES](),
	}
	bufferK := cfg.TilingDimensions(config.Lhs).TotalCol()
	for b := range numBuffers {
		l.readers[b] = tensor.NewReader(t, xOffset, yOffset, batchOffset)
		l.readers[b].UpdateView(b*bufferK, ident)
	}

	td := mem.TilingDimensions()
	var straddles bool
	if ident == config.InputLhs {
		straddles = cfg.CheckRowBounds(ident) && xOffset > t.Rows()-td.TotalRow()
	} else {
		straddles = cfg.CheckColBounds(ident) && yOffset > t.Cols()-td.TotalCol()
	}
	if straddles {
		if u.Index() == 0 && klog.V(3).Enabled() {
			klog.Infof("cube %s: clearing %s stage at (%d, %d)", u.CubePos(), ident, xOffset, yOffset)
		}
		mem.Clear(u)
		u.SyncCube()
	}
	return l, nil
}

// Strategy used by the loader.
func (l *Loader[EG, ES]) Strategy() Strategy { return l.strategy }

// BarrierLevel at which the filled stage is visible to all units.
func (l *Loader[EG, ES]) BarrierLevel() runtime.BarrierLevel { return l.strategy.BarrierLevel() }

// Memory returns the stage memory.
func (l *Loader[EG, ES]) Memory() *stage.Memory[ES] { return l.mem }

// Fill executes the unit's loading tasks for stage buffer bufferID. With asynchronous strategies the copies
// are only issued: they are performed by Complete.
func (l *Loader[EG, ES]) Fill(bufferID int) {
	l.job.Execute(l.readers[bufferID], l.mem, bufferID, l.copier)
}

// Complete performs the unit's pending copies. Callers then wait on the barrier of BarrierLevel before
// reading the stage.
func (l *Loader[EG, ES]) Complete() {
	l.copier.Complete()
}

// AdvanceView moves all buffers kOffset further along the k dimension.
func (l *Loader[EG, ES]) AdvanceView(kOffset int) {
	for _, r := range l.readers {
		r.UpdateView(kOffset, l.ident)
	}
}

// Reader returns the stage reader over buffer 0.
func (l *Loader[EG, ES]) Reader() *stage.FullReader[ES] {
	return stage.NewFullReader(l.mem, l.ident)
}

// BufferedReader returns the stage reader over buffer bufferID.
func (l *Loader[EG, ES]) BufferedReader(bufferID int) *stage.BufferedReader[ES] {
	return stage.NewBufferedReader(l.mem, bufferID, l.ident)
}
