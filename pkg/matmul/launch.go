// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matmul

import (
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/global"
	"github.com/gomlx/stagemm/pkg/matmul/stage"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of Launch. The zero value (or nil) is a plain matmul.
type Options[EG tensor.Element] struct {
	// Bias, if set, is added to the result: out = lhs·rhs + Bias. It has the shape of out, or the shape of one
	// matrix of out to broadcast it over the batch.
	Bias *tensor.Tensor[EG]

	// LhsQuantization and RhsQuantization, if set, dequantize the inputs while loading.
	// Only synchronous loading strategies support them.
	LhsQuantization, RhsQuantization *tensor.Quantization

	// Listener receives the stage matmul events of all planes, concurrently.
	Listener stage.EventListener
}

// Launch computes out = lhs·rhs on the client, with global tensors of element type EG and stages of
// element type ES. Inputs are (batch, rows, cols) or (rows, cols); inputs with batch size 1 are broadcast.
//
// Inputs with no contiguous matrix axis are copied into contiguous tensors, once, before giving up.
// Configuration and availability errors are returned before anything runs; a fault in the kernel fails
// the launch, and leaves out undefined.
func Launch[EG, ES tensor.Element](client *runtime.Client, lhs, rhs, out *tensor.Tensor[EG], selection Selection, opts *Options[EG]) error {
	if opts == nil {
		opts = &Options[EG]{}
	}
	problem, err := NewProblem(lhs, rhs, out)
	if IsAvailabilityError(err, InvalidInputLayout) {
		klog.Warningf("matmul: %v, making inputs contiguous", err)
		if lhs.Layout().Kind == tensor.HighlyPermuted {
			lhs = lhs.IntoContiguous()
		}
		if rhs.Layout().Kind == tensor.HighlyPermuted {
			rhs = rhs.IntoContiguous()
		}
		problem, err = NewProblem(lhs, rhs, out)
	}
	if err != nil {
		return err
	}
	if bias := opts.Bias; bias != nil {
		if bias.Rows() != problem.M || bias.Cols() != problem.N || (bias.BatchSize() != 1 && bias.BatchSize() != problem.Batch) {
			return newAvailabilityError(InvalidConfig, nil, "bias shape %v doesn't match output shape %v", bias.Shape, out.Shape)
		}
	}
	if opts.LhsQuantization != nil || opts.RhsQuantization != nil {
		selection.Quantized = true
	}

	cfg := MakeConfig(problem, selection, client.PlaneDim())
	if err := CheckConfig(cfg); err != nil {
		return errors.WithMessagef(err, "matmul %s with %s", problem, selection)
	}
	if err := CheckAvailability[EG, ES](client, cfg); err != nil {
		return err
	}
	klog.V(1).Infof("matmul %s: %s", problem, cfg)

	kernel := global.NewKernel[EG, ES](cfg, global.Arguments[EG]{
		Lhs:             lhs,
		Rhs:             rhs,
		Out:             out,
		Bias:            opts.Bias,
		LhsQuantization: opts.LhsQuantization,
		RhsQuantization: opts.RhsQuantization,
	}, opts.Listener)
	size := config.MatmulSize{M: problem.M, N: problem.N, K: problem.K}
	return client.Launch(kernel, global.CubeCount(size, problem.Batch, cfg), global.CubeDim(cfg))
}
