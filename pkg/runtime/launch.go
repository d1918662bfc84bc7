// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel is a program executed by every unit of a launch.
type Kernel interface {
	// ID uniquely identifies the kernel instance, used in logs and launch errors.
	ID() uuid.UUID

	// Name is a human-readable description of the kernel.
	Name() string

	// Execute runs the kernel body for one unit.
	//
	// There is no error channel: faults are reported by panicking (see exceptions.Panicf),
	// and fail the whole launch.
	Execute(u *Unit)
}

// Launch runs kernel on a grid of count cubes, each with dim units, and returns once all units finished.
//
// A fault (panic) in any unit aborts its cube, breaking its barriers so that no unit blocks forever,
// and fails the launch. Output written before the fault is undefined.
func (c *Client) Launch(kernel Kernel, count CubeCount, dim CubeDim) error {
	if err := c.checkLaunch(count, dim); err != nil {
		return errors.WithMessagef(err, "launching kernel %s (%s)", kernel.Name(), kernel.ID())
	}
	klog.V(1).Infof("launching kernel %s (%s): cube_count=%s, cube_dim=%s", kernel.Name(), kernel.ID(), count, dim)

	var mu sync.Mutex
	var firstErr error
	numCubes := count.Size()
	c.pool.ForEach(numCubes, func(idx int) {
		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			return
		}
		if err := c.runCube(kernel, count, count.Unflatten(idx), dim); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	})
	return firstErr
}

func (c *Client) checkLaunch(count CubeCount, dim CubeDim) error {
	if count.X <= 0 || count.Y <= 0 || count.Z <= 0 {
		return errors.Errorf("invalid cube count %s, all dimensions must be positive", count)
	}
	if dim.X <= 0 || dim.Y <= 0 || dim.Z <= 0 {
		return errors.Errorf("invalid cube dim %s, all dimensions must be positive", dim)
	}
	if dim.X != c.props.PlaneDim {
		return errors.Errorf("cube dim %s: X must be the device plane dimension %d", dim, c.props.PlaneDim)
	}
	if dim.Size() > c.props.MaxUnitsPerCube {
		return errors.Errorf("cube dim %s has %d units, device allows at most %d", dim, dim.Size(), c.props.MaxUnitsPerCube)
	}
	return nil
}

// runCube runs all units of one cube, each in its own goroutine, and returns the cube's fault, if any.
func (c *Client) runCube(kernel Kernel, count CubeCount, pos Dim3, dim CubeDim) error {
	if klog.V(2).Enabled() {
		klog.Infof("kernel %s: running cube %s", kernel.ID(), pos)
	}
	cb := newCube(pos, dim, c.props.MaxSharedMemorySize)
	var wg sync.WaitGroup
	for idx := range dim.Size() {
		wg.Add(1)
		go func(unitPos Dim3) {
			defer wg.Done()
			u := &Unit{cube: cb, cubeCount: count, pos: unitPos}
			if exception := exceptions.Try(func() { kernel.Execute(u) }); exception != nil {
				cb.abort(exception)
			}
		}(dim.Unflatten(idx))
	}
	wg.Wait()

	if cb.fault == nil {
		return nil
	}
	if err, ok := cb.fault.(error); ok {
		return errors.Wrapf(err, "kernel %s (%s) faulted in cube %s", kernel.Name(), kernel.ID(), pos)
	}
	return errors.Errorf("kernel %s (%s) faulted in cube %s: %v", kernel.Name(), kernel.ID(), pos, cb.fault)
}
