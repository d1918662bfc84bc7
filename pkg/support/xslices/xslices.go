// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide slice helpers used to build and compare matrix fixtures.
package xslices

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Iota returns a slice of incremental values, starting with start and of length len.
// Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T constraints.Integer | constraints.Float](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// SliceWithValue creates a slice of given size filled with given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SlicesInRelData checks that got and want have the same length and that every element is within
// the relative error relErr of the wanted value: |got-want| <= relErr * max(1, |want|).
//
// It returns an error describing the first mismatching element, or nil.
func SlicesInRelData[T constraints.Float](got, want []T, relErr float64) error {
	if len(got) != len(want) {
		return errors.Errorf("slices have different lengths: got %d, want %d", len(got), len(want))
	}
	for ii := range got {
		g, w := float64(got[ii]), float64(want[ii])
		if math.IsNaN(g) != math.IsNaN(w) {
			return errors.Errorf("element #%d: got %g, want %g", ii, g, w)
		}
		if math.Abs(g-w) > relErr*math.Max(1, math.Abs(w)) {
			return errors.Errorf("element #%d: got %g, want %g (relative error > %g)", ii, g, w, relErr)
		}
	}
	return nil
}
