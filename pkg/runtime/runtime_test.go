// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcKernel adapts a function to the Kernel interface.
type funcKernel struct {
	id   uuid.UUID
	name string
	fn   func(u *Unit)
}

func newFuncKernel(name string, fn func(u *Unit)) *funcKernel {
	return &funcKernel{id: uuid.New(), name: name, fn: fn}
}

func (k *funcKernel) ID() uuid.UUID    { return k.id }
func (k *funcKernel) Name() string     { return k.name }
func (k *funcKernel) Execute(u *Unit) { k.fn(u) }

func TestNewWithConfig(t *testing.T) {
	c, err := NewWithConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProperties, c.Properties())
	assert.True(t, c.FeatureSupported(AsyncCopyFeature()))

	c, err = NewWithConfig("cpu:plane=8,smem=64KiB,units=256,parallelism=2,async=false")
	require.NoError(t, err)
	assert.Equal(t, 8, c.PlaneDim())
	assert.Equal(t, 64*1024, c.MaxSharedMemorySize())
	assert.Equal(t, 256, c.Properties().MaxUnitsPerCube)
	assert.False(t, c.FeatureSupported(AsyncCopyFeature()))

	c, err = NewWithConfig("smem=32k")
	require.NoError(t, err)
	assert.Equal(t, 32000, c.MaxSharedMemorySize())

	for _, config := range []string{
		"gpu:plane=32",
		"plane",
		"plane=x",
		"smem=lots",
		"color=blue",
		"plane=0",
		"plane=64,units=32",
		"async=maybe",
	} {
		_, err = NewWithConfig(config)
		assert.Errorf(t, err, "config %q should have failed", config)
	}
}

func TestNew(t *testing.T) {
	t.Setenv(STAGEMM_DEVICE, "cpu:plane=4")
	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, 4, c.PlaneDim())
}

func TestCapabilities(t *testing.T) {
	c, err := NewClient()
	require.NoError(t, err)
	f16 := TileMatmulFeature(dtypes.Float16, dtypes.Float16, dtypes.Float32, 16, 16, 16)
	assert.True(t, c.FeatureSupported(f16))
	assert.False(t, c.FeatureSupported(TileMatmulFeature(dtypes.Float16, dtypes.Float16, dtypes.Float32, 16, 8, 16)))
	assert.False(t, c.FeatureSupported(TileMatmulFeature(dtypes.Float64, dtypes.Float64, dtypes.Float64, 16, 16, 16)))

	// Capabilities returns a copy.
	caps := c.Capabilities()
	delete(caps.Features, f16)
	assert.True(t, c.FeatureSupported(f16))

	c, err = NewClient(WithoutFeature(f16))
	require.NoError(t, err)
	assert.False(t, c.FeatureSupported(f16))
	assert.True(t, DefaultCapabilities().Features[f16])
}

func TestDim3(t *testing.T) {
	d := Dim3{X: 4, Y: 3, Z: 2}
	assert.Equal(t, 24, d.Size())
	seen := make(map[Dim3]bool)
	for idx := range d.Size() {
		pos := d.Unflatten(idx)
		assert.Equal(t, idx, (pos.Z*d.Y+pos.Y)*d.X+pos.X)
		seen[pos] = true
	}
	assert.Len(t, seen, d.Size())
}

func TestLaunch(t *testing.T) {
	c, err := NewClient(WithPlaneDim(4), WithMaxParallelism(3))
	require.NoError(t, err)

	t.Run("positions", func(t *testing.T) {
		count := CubeCount{X: 3, Y: 2, Z: 1}
		dim := CubeDim{X: 4, Y: 2, Z: 1}
		out := make([]int32, count.Size()*dim.Size())
		kernel := newFuncKernel("positions", func(u *Unit) {
			cubeIdx := u.CubePos().Y*u.CubeCount().X + u.CubePos().X
			atomic.AddInt32(&out[cubeIdx*u.NumUnits()+u.Index()], 1)
			assert.Equal(t, u.Plane()*u.PlaneDim()+u.Lane(), u.Index())
			assert.Equal(t, u.Lane() == 0, u.IsPlaneLeader())
			assert.Equal(t, 2, u.NumPlanes())
		})
		require.NoError(t, c.Launch(kernel, count, dim))
		for idx, v := range out {
			assert.Equalf(t, int32(1), v, "unit #%d", idx)
		}
	})

	t.Run("shared memory and barriers", func(t *testing.T) {
		dim := CubeDim{X: 4, Y: 3, Z: 1}
		results := make([][]float32, 5)
		kernel := newFuncKernel("reverse", func(u *Unit) {
			smem := SharedMemory[float32](u, u.NumUnits())
			other := SharedMemory[int32](u, 1)
			smem[u.Index()] = float32(u.CubePos().X*100 + u.Index())
			atomic.AddInt32(&other[0], 1)
			u.SyncCube()
			assert.Equal(t, int32(u.NumUnits()), atomic.LoadInt32(&other[0]))
			value := smem[u.NumUnits()-1-u.Index()]
			u.SyncPlane()
			u.Sync(BarrierCubeManual)
			if u.Index() == 0 {
				results[u.CubePos().X] = make([]float32, u.NumUnits())
			}
			u.Sync(BarrierCubeCoop)
			results[u.CubePos().X][u.Index()] = value
		})
		require.NoError(t, c.Launch(kernel, CubeCount{X: 5, Y: 1, Z: 1}, dim))
		for cubeX, got := range results {
			for idx, v := range got {
				assert.Equal(t, float32(cubeX*100+dim.Size()-1-idx), v)
			}
		}
	})

	t.Run("sequential cubes", func(t *testing.T) {
		sequential, err := NewClient(WithPlaneDim(4), WithMaxParallelism(0))
		require.NoError(t, err)
		var order []int
		var running atomic.Int32
		kernel := newFuncKernel("order", func(u *Unit) {
			if u.Index() == 0 {
				assert.Equal(t, int32(1), running.Add(1), "cubes must not overlap")
				order = append(order, u.CubePos().X)
			}
			u.SyncCube()
			if u.Index() == 0 {
				running.Add(-1)
			}
		})
		require.NoError(t, sequential.Launch(kernel, CubeCount{X: 6, Y: 1, Z: 1}, CubeDim{X: 4, Y: 2, Z: 1}))
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
	})

	t.Run("invalid dimensions", func(t *testing.T) {
		kernel := newFuncKernel("noop", func(u *Unit) {})
		require.Error(t, c.Launch(kernel, CubeCount{X: 0, Y: 1, Z: 1}, CubeDim{X: 4, Y: 1, Z: 1}))
		require.Error(t, c.Launch(kernel, CubeCount{X: 1, Y: 1, Z: 1}, CubeDim{X: 8, Y: 1, Z: 1}))
		require.Error(t, c.Launch(kernel, CubeCount{X: 1, Y: 1, Z: 1}, CubeDim{X: 4, Y: 1000, Z: 1}))
	})

	t.Run("fault", func(t *testing.T) {
		kernel := newFuncKernel("faulty", func(u *Unit) {
			if u.CubePos().X == 1 && u.Index() == 5 {
				exceptions.Panicf("out-of-bounds access at unit %d", u.Index())
			}
			// The other units would block forever if the barrier wasn't broken.
			u.SyncCube()
			u.SyncCube()
		})
		done := make(chan error, 1)
		go func() { done <- c.Launch(kernel, CubeCount{X: 3, Y: 1, Z: 1}, CubeDim{X: 4, Y: 2, Z: 1}) }()
		select {
		case err := <-done:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "out-of-bounds access at unit 5")
			assert.Contains(t, err.Error(), kernel.ID().String())
		case <-time.After(10 * time.Second):
			t.Fatal("launch with a faulty unit deadlocked")
		}
	})

	t.Run("shared memory exhausted", func(t *testing.T) {
		small, err := NewClient(WithPlaneDim(4), WithMaxSharedMemory(64))
		require.NoError(t, err)
		kernel := newFuncKernel("greedy", func(u *Unit) {
			_ = SharedMemory[float32](u, 8)
			_ = SharedMemory[float64](u, 8)
		})
		err = small.Launch(kernel, CubeCount{X: 1, Y: 1, Z: 1}, CubeDim{X: 4, Y: 1, Z: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shared memory exhausted")
	})
}

func TestTestingCube(t *testing.T) {
	tc := NewTestingCube(CubeDim{X: 2, Y: 2, Z: 1}, 0)
	u0 := tc.Unit(1, 1)
	assert.Equal(t, 3, u0.Index())
	buf := SharedMemory[float32](u0, 4)
	buf[2] = 7
	u1 := tc.Unit(0, 0)
	assert.Equal(t, float32(7), SharedMemory[float32](u1, 4)[2])
	assert.Panics(t, func() { tc.Unit(2, 0) })
	assert.Panics(t, func() { _ = SharedMemory[float64](tc.Unit(0, 1), 4) })
}
