// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package load

import (
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/stage"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/runtime"
)

// Job is the share of one unit in the filling of a stage buffer: a fixed number of tasks, each transferring one
// line (synchronous strategies) or queuing one copy (asynchronous ones).
//
// Across all units of a cube, the destinations of all tasks of a job are pairwise disjoint and cover the whole
// stage buffer. All addressing constants are computed by NewJob.
type Job[EG, ES tensor.Element] interface {
	// TaskCount is the number of tasks of the unit.
	TaskCount() int

	// ExecuteTask performs task taskID, reading from reader and writing to buffer bufferID of mem.
	// Asynchronous jobs queue the copy in copier.
	ExecuteTask(taskID int, reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, copier *Copier[EG, ES])

	// Execute performs all tasks, in order.
	Execute(reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, copier *Copier[EG, ES])
}

// NewJob returns the job of unit u for the strategy. The quantization is optional (nil), and only
// supported by synchronous strategies.
func NewJob[EG, ES tensor.Element](s Strategy, u *runtime.Unit, quant *tensor.Quantization, ident config.InputIdent,
	cfg *config.GlobalConfig) (Job[EG, ES], error) {
	if quant != nil && s.Kind().IsAsync() {
		return nil, config.NewIdentError(s.Name(), ident.AsIdent(), "quantization not supported on asynchronous loaders")
	}
	unitID := u.Plane()*u.PlaneDim() + u.Lane()
	td := cfg.TilingDimensions(ident.AsIdent())
	lineSize := cfg.GlobalLineSize(ident.AsIdent())
	numUnits := cfg.NumUnits()
	order := cfg.TilingOrder(ident)

	switch s.Kind() {
	case config.SyncCyclic:
		linesPerTile := td.TileSize() / lineSize
		return &syncCyclicJob[EG, ES]{
			unitID:       unitID,
			numTasks:     td.TotalSize() / lineSize / numUnits,
			numUnits:     numUnits,
			linesPerTile: linesPerTile,
			lineSize:     lineSize,
			order:        order,
			td:           td,
			ident:        ident,
			cfg:          cfg,
			quant:        quant,
		}, nil

	case config.SyncTilewise:
		linesPerTile := td.TileSize() / lineSize
		nthTile := u.Plane()
		tileX, tileY := order.ToXY(nthTile, td)
		return &syncTilewiseJob[EG, ES]{
			lane:       u.Lane(),
			planeDim:   u.PlaneDim(),
			numTasks:   linesPerTile / u.PlaneDim(),
			tileX:      tileX,
			tileY:      tileY,
			offsetBase: linesPerTile * nthTile,
			lineSize:   lineSize,
			ident:      ident,
			cfg:        cfg,
			quant:      quant,
		}, nil

	case config.AsyncCyclic:
		numSlicesPerTile, sliceLength := contiguousDims(cfg, ident)
		numSlices := numSlicesPerTile * td.TileCount()
		return &asyncCyclicJob[EG, ES]{
			unitID:           unitID,
			numTasks:         (numSlices + numUnits - 1) / numUnits,
			numUnits:         numUnits,
			numSlices:        numSlices,
			numSlicesPerTile: numSlicesPerTile,
			sliceLength:      sliceLength,
			order:            order,
			td:               td,
			ident:            ident,
			cfg:              cfg,
		}, nil

	case config.AsyncMaximizeSliceLength:
		numSlices, _ := stridedDims(cfg, ident)
		return &asyncMaximizeSliceLengthJob[EG, ES]{
			unitID:    unitID,
			numTasks:  (numSlices + numUnits - 1) / numUnits,
			numUnits:  numUnits,
			numSlices: numSlices,
			ident:     ident,
			cfg:       cfg,
		}, nil

	case config.AsyncMaximizeUnitCount:
		numSlices, sliceLength := stridedDims(cfg, ident)
		unitsPerSlice := numUnits / numSlices
		return &asyncMaximizeUnitCountJob[EG, ES]{
			nthSlice:      unitID / unitsPerSlice,
			nthSegment:    unitID % unitsPerSlice,
			segmentLength: sliceLength / unitsPerSlice,
			ident:         ident,
			cfg:           cfg,
		}, nil
	}
	return nil, config.NewIdentError(s.Name(), ident.AsIdent(), "unknown loading strategy kind %d", int(s.Kind()))
}

// storeLine writes one line read from global memory into dst, casting or dequantizing it.
// Padding lines (outside the tensor) are stored as zeros, never dequantized.
func storeLine[EG, ES tensor.Element](dst []ES, line tensor.Line[EG], inBounds bool, quant *tensor.Quantization) {
	if !inBounds {
		clear(dst)
		return
	}
	if quant != nil {
		tensor.DequantizeLine(quant, dst, line)
		return
	}
	tensor.CastSlice(dst, line)
}

type syncCyclicJob[EG, ES tensor.Element] struct {
	unitID, numTasks, numUnits int
	linesPerTile, lineSize     int
	order                      config.TilingOrder
	td                         config.TilingDimensions
	ident                      config.InputIdent
	cfg                        *config.GlobalConfig
	quant                      *tensor.Quantization
}

func (j *syncCyclicJob[EG, ES]) TaskCount() int { return j.numTasks }

func (j *syncCyclicJob[EG, ES]) ExecuteTask(taskID int, reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, _ *Copier[EG, ES]) {
	unitPosition := j.unitID + taskID*j.numUnits
	nthTile := unitPosition / j.linesPerTile
	posWithinTile := (unitPosition % j.linesPerTile) * j.lineSize
	tileX, tileY := j.order.ToXY(nthTile, j.td)
	line, inBounds := reader.LoadCoalescedInTile(tileX, tileY, posWithinTile, j.ident, j.cfg)
	offset := unitPosition * j.lineSize
	storeLine(mem.Buffer(bufferID)[offset:offset+j.lineSize], line, inBounds, j.quant)
}

func (j *syncCyclicJob[EG, ES]) Execute(reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, copier *Copier[EG, ES]) {
	for taskID := range j.numTasks {
		j.ExecuteTask(taskID, reader, mem, bufferID, copier)
	}
}

type syncTilewiseJob[EG, ES tensor.Element] struct {
	lane, planeDim, numTasks int
	tileX, tileY             int
	offsetBase, lineSize     int
	ident                    config.InputIdent
	cfg                      *config.GlobalConfig
	quant                    *tensor.Quantization
}

func (j *syncTilewiseJob[EG, ES]) TaskCount() int { return j.numTasks }

func (j *syncTilewiseJob[EG, ES]) ExecuteTask(taskID int, reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, _ *Copier[EG, ES]) {
	posWithinTile := taskID*j.planeDim + j.lane
	line, inBounds := reader.LoadCoalescedInTile(j.tileX, j.tileY, posWithinTile*j.lineSize, j.ident, j.cfg)
	offset := (j.offsetBase + posWithinTile) * j.lineSize
	storeLine(mem.Buffer(bufferID)[offset:offset+j.lineSize], line, inBounds, j.quant)
}

func (j *syncTilewiseJob[EG, ES]) Execute(reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, copier *Copier[EG, ES]) {
	for taskID := range j.numTasks {
		j.ExecuteTask(taskID, reader, mem, bufferID, copier)
	}
}

type asyncCyclicJob[EG, ES tensor.Element] struct {
	unitID, numTasks, numUnits int
	numSlices                  int
	numSlicesPerTile           int
	sliceLength                int
	order                      config.TilingOrder
	td                         config.TilingDimensions
	ident                      config.InputIdent
	cfg                        *config.GlobalConfig
}

func (j *asyncCyclicJob[EG, ES]) TaskCount() int { return j.numTasks }

func (j *asyncCyclicJob[EG, ES]) ExecuteTask(taskID int, reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, copier *Copier[EG, ES]) {
	sliceIndex := j.unitID + j.numUnits*taskID
	if sliceIndex >= j.numSlices {
		// Last round when the number of slices is not a multiple of the number of units.
		return
	}
	nthTile := sliceIndex / j.numSlicesPerTile
	nthSlice := sliceIndex % j.numSlicesPerTile
	tileX, tileY := j.order.ToXY(nthTile, j.td)
	window := reader.LoadWindowInTile(tileX, tileY, nthSlice, j.ident, j.cfg)
	offset := (nthTile*j.numSlicesPerTile + nthSlice) * j.sliceLength
	copier.MemcpyAsync(window.Slice[:window.Size], mem.Buffer(bufferID)[offset:offset+j.sliceLength])
}

func (j *asyncCyclicJob[EG, ES]) Execute(reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, copier *Copier[EG, ES]) {
	for taskID := range j.numTasks {
		j.ExecuteTask(taskID, reader, mem, bufferID, copier)
	}
}

type asyncMaximizeSliceLengthJob[EG, ES tensor.Element] struct {
	unitID, numTasks, numUnits int
	numSlices                  int
	ident                      config.InputIdent
	cfg                        *config.GlobalConfig
}

func (j *asyncMaximizeSliceLengthJob[EG, ES]) TaskCount() int { return j.numTasks }

func (j *asyncMaximizeSliceLengthJob[EG, ES]) ExecuteTask(taskID int, reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, copier *Copier[EG, ES]) {
	nthSlice := j.numUnits*taskID + j.unitID
	if nthSlice >= j.numSlices {
		return
	}
	window := reader.LoadWindowInStage(nthSlice, j.ident, j.cfg)
	copier.MemcpyAsync(window.Slice[:window.Size], mem.NthSlice(nthSlice, bufferID))
}

func (j *asyncMaximizeSliceLengthJob[EG, ES]) Execute(reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, copier *Copier[EG, ES]) {
	for taskID := range j.numTasks {
		j.ExecuteTask(taskID, reader, mem, bufferID, copier)
	}
}

type asyncMaximizeUnitCountJob[EG, ES tensor.Element] struct {
	nthSlice, nthSegment, segmentLength int
	ident                               config.InputIdent
	cfg                                 *config.GlobalConfig
}

func (j *asyncMaximizeUnitCountJob[EG, ES]) TaskCount() int { return 1 }

func (j *asyncMaximizeUnitCountJob[EG, ES]) ExecuteTask(_ int, reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, copier *Copier[EG, ES]) {
	destination := mem.NthSlice(j.nthSlice, bufferID)
	window := reader.LoadWindowInStage(j.nthSlice, j.ident, j.cfg)
	segStart := j.nthSegment * j.segmentLength
	segEnd := segStart + j.segmentLength
	src := window.Slice[min(segStart, window.Size):min(segEnd, window.Size)]
	copier.MemcpyAsync(src, destination[segStart:segEnd])
}

func (j *asyncMaximizeUnitCountJob[EG, ES]) Execute(reader *tensor.Reader[EG], mem *stage.Memory[ES], bufferID int, copier *Copier[EG, ES]) {
	j.ExecuteTask(0, reader, mem, bufferID, copier)
}
