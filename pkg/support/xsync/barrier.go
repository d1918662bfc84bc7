// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization primitives used by the emulated device.
package xsync

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrBarrierBroken is the panic value raised by Barrier.Wait once the barrier was broken.
var ErrBarrierBroken = errors.New("barrier broken")

// Barrier is a reusable (cyclic) barrier for a fixed number of parties.
//
// Each call to Wait blocks until `parties` goroutines have called Wait for the current
// generation, then all are released and the barrier resets for the next generation.
//
// A Barrier can be broken (see Break), in which case every pending and future Wait panics
// with ErrBarrierBroken. This is used to unblock the remaining parties when one of them faults.
type Barrier struct {
	cond       sync.Cond
	parties    int
	arrived    int
	generation uint64
	broken     bool
}

// NewBarrier returns a barrier for the given number of parties. It panics if parties <= 0.
func NewBarrier(parties int) *Barrier {
	if parties <= 0 {
		exceptions.Panicf("xsync.NewBarrier(%d): number of parties must be > 0", parties)
	}
	return &Barrier{
		cond:    sync.Cond{L: &sync.Mutex{}},
		parties: parties,
	}
}

// Parties returns the number of goroutines required to trip the barrier.
func (b *Barrier) Parties() int { return b.parties }

// Wait blocks until all parties arrived at the barrier.
func (b *Barrier) Wait() {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	if b.broken {
		panic(ErrBarrierBroken)
	}
	generation := b.generation
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for generation == b.generation && !b.broken {
		b.cond.Wait()
	}
	if generation == b.generation {
		// Woken up by Break.
		panic(ErrBarrierBroken)
	}
}

// Break the barrier: all goroutines waiting on it (and all future calls to Wait) panic with ErrBarrierBroken.
// Breaking an already broken barrier is a no-op.
func (b *Barrier) Break() {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	if b.broken {
		return
	}
	b.broken = true
	b.cond.Broadcast()
}

// IsBroken returns whether Break was called.
func (b *Barrier) IsBroken() bool {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	return b.broken
}
