// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"fmt"
	"maps"

	"github.com/gomlx/gopjrt/dtypes"
)

// FeatureKind enumerates the kinds of optional hardware capabilities a device may have.
type FeatureKind int

const (
	// FeatureTileMatmul is a cooperative (plane-wide) matrix-multiply-accumulate instruction for
	// a given (A, B, C) precision triple and (M, K, N) shape.
	FeatureTileMatmul FeatureKind = iota

	// FeatureAsyncCopy is support for asynchronous global-to-shared memory copies completed at a barrier.
	FeatureAsyncCopy
)

// String implements fmt.Stringer.
func (k FeatureKind) String() string {
	switch k {
	case FeatureTileMatmul:
		return "TileMatmul"
	case FeatureAsyncCopy:
		return "AsyncCopy"
	default:
		return fmt.Sprintf("FeatureKind(%d)", int(k))
	}
}

// Feature describes one capability. Fields not meaningful for the Kind are left zero.
// It is comparable, and used as a key in Capabilities.
type Feature struct {
	Kind    FeatureKind
	A, B, C dtypes.DType
	M, K, N int
}

// TileMatmulFeature returns the Feature for a tile matmul with operands a and b, accumulator c and the given shape.
func TileMatmulFeature(a, b, c dtypes.DType, m, k, n int) Feature {
	return Feature{Kind: FeatureTileMatmul, A: a, B: b, C: c, M: m, K: k, N: n}
}

// AsyncCopyFeature returns the Feature for asynchronous copies.
func AsyncCopyFeature() Feature {
	return Feature{Kind: FeatureAsyncCopy}
}

// String implements fmt.Stringer.
func (f Feature) String() string {
	if f.Kind == FeatureTileMatmul {
		return fmt.Sprintf("TileMatmul(a=%s, b=%s, c=%s, m=%d, k=%d, n=%d)", f.A, f.B, f.C, f.M, f.K, f.N)
	}
	return f.Kind.String()
}

// Capabilities holds what is supported by a device.
// If a feature is not listed, it's assumed to be false, hence not supported.
type Capabilities struct {
	Features map[Feature]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.Features = make(map[Feature]bool, len(c.Features))
	maps.Copy(c2.Features, c.Features)
	return c2
}

// TileMatmulShapes are the (M, K, N) shapes of the tile matmul instructions of the emulated device.
var TileMatmulShapes = [][3]int{
	{16, 16, 16},
	{32, 16, 8},
	{8, 16, 32},
}

// DefaultCapabilities of the emulated device: tile matmul for half-precision inputs (and float32, emulating tf32)
// accumulating in float32, for all TileMatmulShapes, and asynchronous copies.
func DefaultCapabilities() Capabilities {
	c := Capabilities{Features: make(map[Feature]bool)}
	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32} {
		for _, shape := range TileMatmulShapes {
			c.Features[TileMatmulFeature(dtype, dtype, dtypes.Float32, shape[0], shape[1], shape[2])] = true
		}
	}
	c.Features[AsyncCopyFeature()] = true
	return c
}
