// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package load

import (
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
)

// Copier emulates the asynchronous global to shared memory copies of a unit (memcpy_async).
//
// Copies are queued by MemcpyAsync and only performed by Complete, which the unit calls when it arrives at the
// strategy's barrier: until then the destination must not be read.
//
// Each copy writes the whole destination: elements past the end of the source are zero-filled.
// A Copier belongs to one unit and is not safe for concurrent use.
type Copier[EG, ES tensor.Element] struct {
	pending []pendingCopy[EG, ES]
}

type pendingCopy[EG, ES tensor.Element] struct {
	src []EG
	dst []ES
}

// NewCopier returns a Copier with no pending copies.
func NewCopier[EG, ES tensor.Element]() *Copier[EG, ES] {
	return &Copier[EG, ES]{}
}

// MemcpyAsync queues the copy of src into dst. The source must not be longer than the destination.
func (c *Copier[EG, ES]) MemcpyAsync(src []EG, dst []ES) {
	c.pending = append(c.pending, pendingCopy[EG, ES]{src: src, dst: dst})
}

// NumPending is the number of copies queued and not yet completed.
func (c *Copier[EG, ES]) NumPending() int { return len(c.pending) }

// Complete performs all pending copies.
func (c *Copier[EG, ES]) Complete() {
	for _, p := range c.pending {
		copyLine(p.dst, p.src)
	}
	clear(c.pending)
	c.pending = c.pending[:0]
}

// copyLine casts src into dst and zero-fills the rest of dst.
func copyLine[EG, ES tensor.Element](dst []ES, src []EG) {
	tensor.CastSlice(dst[:len(src)], src)
	clear(dst[len(src):])
}
