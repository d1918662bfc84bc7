// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/stagemm/pkg/support/xsync"
)

// Dim3 is a 3D position or size.
type Dim3 struct {
	X, Y, Z int
}

// Size returns X*Y*Z.
func (d Dim3) Size() int { return d.X * d.Y * d.Z }

// Unflatten converts a linear index (X fastest) into a position within d.
func (d Dim3) Unflatten(linear int) Dim3 {
	return Dim3{
		X: linear % d.X,
		Y: (linear / d.X) % d.Y,
		Z: linear / (d.X * d.Y),
	}
}

// String implements fmt.Stringer.
func (d Dim3) String() string { return fmt.Sprintf("(%d, %d, %d)", d.X, d.Y, d.Z) }

// CubeCount is the number of cubes of a launch, in 3 dimensions.
type CubeCount = Dim3

// CubeDim is the number of units in a cube: X is the plane dimension (lanes), Y the number of planes.
type CubeDim = Dim3

// BarrierLevel is the scope of a synchronization barrier.
// Levels are ordered: a higher level also synchronizes everything a lower level does.
type BarrierLevel int

const (
	// BarrierUnit requires no synchronization with other units.
	BarrierUnit BarrierLevel = iota

	// BarrierPlane synchronizes the units of a plane.
	BarrierPlane

	// BarrierCubeCoop synchronizes all units of a cube, all of them participating in the work.
	BarrierCubeCoop

	// BarrierCubeManual synchronizes all units of a cube, where the arrival is triggered
	// explicitly once the unit's asynchronous copies are issued.
	BarrierCubeManual
)

// String implements fmt.Stringer.
func (l BarrierLevel) String() string {
	switch l {
	case BarrierUnit:
		return "Unit"
	case BarrierPlane:
		return "Plane"
	case BarrierCubeCoop:
		return "CubeCoop"
	case BarrierCubeManual:
		return "CubeManual"
	default:
		return fmt.Sprintf("BarrierLevel(%d)", int(l))
	}
}

// cube holds the state shared by the units of one cube: barriers and shared memory.
type cube struct {
	pos           Dim3
	dim           CubeDim
	barrier       *xsync.Barrier
	planeBarriers []*xsync.Barrier

	mu             sync.Mutex
	shared         map[int]any
	sharedBytes    int
	maxSharedBytes int
	fault          any
}

func newCube(pos Dim3, dim CubeDim, maxSharedBytes int) *cube {
	c := &cube{
		pos:            pos,
		dim:            dim,
		barrier:        xsync.NewBarrier(dim.Size()),
		planeBarriers:  make([]*xsync.Barrier, dim.Y*dim.Z),
		shared:         make(map[int]any),
		maxSharedBytes: maxSharedBytes,
	}
	for ii := range c.planeBarriers {
		c.planeBarriers[ii] = xsync.NewBarrier(dim.X)
	}
	return c
}

// abort records the fault of a unit and breaks all barriers, so no other unit of the cube blocks forever.
func (c *cube) abort(fault any) {
	c.mu.Lock()
	// A broken barrier is a consequence of another unit's fault: keep the root cause.
	if c.fault == nil || (c.fault == xsync.ErrBarrierBroken && fault != xsync.ErrBarrierBroken) {
		c.fault = fault
	}
	c.mu.Unlock()
	c.barrier.Break()
	for _, b := range c.planeBarriers {
		b.Break()
	}
}

// Unit is one lane of parallel execution, passed to Kernel.Execute.
//
// A Unit is owned by the goroutine executing it, and must not be shared.
type Unit struct {
	cube      *cube
	cubeCount CubeCount
	pos       Dim3
	numAllocs int
}

// CubePos is the position of the unit's cube in the launch grid (CUBE_POS).
func (u *Unit) CubePos() Dim3 { return u.cube.pos }

// CubeCount is the launch grid size.
func (u *Unit) CubeCount() CubeCount { return u.cubeCount }

// CubeDim is the size of the cube.
func (u *Unit) CubeDim() CubeDim { return u.cube.dim }

// Lane is the position of the unit within its plane (UNIT_POS_X).
func (u *Unit) Lane() int { return u.pos.X }

// Plane is the index of the unit's plane within the cube (UNIT_POS_Y).
func (u *Unit) Plane() int { return u.pos.Y }

// Index is the linear position of the unit in the cube (UNIT_POS).
func (u *Unit) Index() int { return (u.pos.Z*u.cube.dim.Y+u.pos.Y)*u.cube.dim.X + u.pos.X }

// PlaneDim is the number of units in a plane.
func (u *Unit) PlaneDim() int { return u.cube.dim.X }

// NumPlanes is the number of planes in the cube.
func (u *Unit) NumPlanes() int { return u.cube.dim.Y * u.cube.dim.Z }

// NumUnits is the total number of units in the cube.
func (u *Unit) NumUnits() int { return u.cube.dim.Size() }

// IsPlaneLeader returns whether this is lane 0 of its plane. Plane-wide instructions are executed by the leader.
func (u *Unit) IsPlaneLeader() bool { return u.pos.X == 0 }

// SyncCube blocks until all units of the cube reach it.
func (u *Unit) SyncCube() { u.cube.barrier.Wait() }

// SyncPlane blocks until all units of the plane reach it.
func (u *Unit) SyncPlane() { u.cube.planeBarriers[u.pos.Z*u.cube.dim.Y+u.pos.Y].Wait() }

// Sync waits on the barrier of the given level.
func (u *Unit) Sync(level BarrierLevel) {
	switch level {
	case BarrierUnit:
	case BarrierPlane:
		u.SyncPlane()
	case BarrierCubeCoop, BarrierCubeManual:
		u.SyncCube()
	default:
		exceptions.Panicf("unknown barrier level %s", level)
	}
}

// TestingCube is a cube not attached to a launch. It is used to drive pieces of a kernel directly
// from tests, one unit at a time.
//
// Units created from the same TestingCube share its shared memory and barriers: barriers only make
// progress if all units of the cube are running concurrently.
type TestingCube struct {
	cube *cube
}

// NewTestingCube returns a cube of the given dimension, with the given shared memory limit (0 for no limit).
func NewTestingCube(dim CubeDim, maxSharedBytes int) *TestingCube {
	return &TestingCube{cube: newCube(Dim3{}, dim, maxSharedBytes)}
}

// Unit returns a new unit at position (lane, plane) of the cube.
// Each call returns a fresh unit, whose shared memory allocations start again from the first buffer.
func (tc *TestingCube) Unit(lane, plane int) *Unit {
	if lane < 0 || lane >= tc.cube.dim.X || plane < 0 || plane >= tc.cube.dim.Y {
		exceptions.Panicf("unit (lane=%d, plane=%d) out of cube of dimension %s", lane, plane, tc.cube.dim)
	}
	return &Unit{cube: tc.cube, cubeCount: Dim3{1, 1, 1}, pos: Dim3{X: lane, Y: plane}}
}

// SharedMemory allocates (or returns) the shared memory buffer for the unit's next allocation.
//
// Allocations are matched by program order: the n-th call of every unit of a cube returns the same buffer.
// Exceeding the device's shared memory is a fault: it should have been prevented by an availability check.
func SharedMemory[E any](u *Unit, size int) []E {
	idx := u.numAllocs
	u.numAllocs++
	c := u.cube
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, found := c.shared[idx]; found {
		buf, ok := existing.([]E)
		if !ok || len(buf) != size {
			exceptions.Panicf("shared memory allocation #%d diverged between units: got %T of length %d, wanted []%T of length %d",
				idx, existing, len(buf), *new(E), size)
		}
		return buf
	}
	var zero E
	c.sharedBytes += size * int(unsafe.Sizeof(zero))
	if c.maxSharedBytes > 0 && c.sharedBytes > c.maxSharedBytes {
		exceptions.Panicf("shared memory exhausted: allocation #%d of %d elements takes cube to %d bytes, device limit is %d bytes",
			idx, size, c.sharedBytes, c.maxSharedBytes)
	}
	buf := make([]E, size)
	c.shared[idx] = buf
	return buf
}
