// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensor

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Element is the constraint of the element types of global tensors and stages.
type Element interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// DTypeOf returns the dtype corresponding to the element type E.
func DTypeOf[E Element]() dtypes.DType {
	var zero E
	switch any(zero).(type) {
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case float16.Float16:
		return dtypes.Float16
	case bfloat16.BFloat16:
		return dtypes.BFloat16
	}
	exceptions.Panicf("unsupported element type %T", zero)
	return dtypes.InvalidDType
}

// ToFloat32 converts an element to float32.
func ToFloat32[E Element](v E) float32 {
	switch x := any(v).(type) {
	case float32:
		return x
	case float64:
		return float32(x)
	case float16.Float16:
		return x.Float32()
	case bfloat16.BFloat16:
		return x.Float32()
	}
	return 0
}

// ToFloat64 converts an element to float64.
func ToFloat64[E Element](v E) float64 {
	if x, ok := any(v).(float64); ok {
		return x
	}
	return float64(ToFloat32(v))
}

// FromFloat32 converts a float32 to the element type E, rounding to the nearest representable value.
func FromFloat32[E Element](v float32) E {
	var zero E
	switch any(zero).(type) {
	case float32:
		return any(v).(E)
	case float64:
		return any(float64(v)).(E)
	case float16.Float16:
		return any(float16.Fromfloat32(v)).(E)
	case bfloat16.BFloat16:
		return any(bfloat16.FromFloat32(v)).(E)
	}
	return zero
}

// FromFloat64 converts a float64 to the element type E.
func FromFloat64[E Element](v float64) E {
	var zero E
	if _, ok := any(zero).(float64); ok {
		return any(v).(E)
	}
	return FromFloat32[E](float32(v))
}

// Cast converts an element between types. Casting to the same type is the identity.
func Cast[To, From Element](v From) To {
	if x, ok := any(v).(To); ok {
		return x
	}
	return FromFloat64[To](ToFloat64(v))
}

// CastSlice converts src into dst, which must be at least as long.
func CastSlice[To, From Element](dst []To, src []From) {
	if same, ok := any(src).([]To); ok {
		copy(dst, same)
		return
	}
	for ii, v := range src {
		dst[ii] = Cast[To](v)
	}
}
