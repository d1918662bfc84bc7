// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrier(t *testing.T) {
	t.Run("phases", func(t *testing.T) {
		const parties, phases = 8, 20
		b := NewBarrier(parties)
		var counter atomic.Int32
		var wg sync.WaitGroup
		var failures atomic.Int32
		for range parties {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for phase := range phases {
					counter.Add(1)
					b.Wait()
					// Everyone incremented for this phase before anyone passed the barrier.
					if got := counter.Load(); got < int32((phase+1)*parties) {
						failures.Add(1)
					}
					b.Wait()
				}
			}()
		}
		wg.Wait()
		assert.Zero(t, failures.Load())
		assert.Equal(t, int32(parties*phases), counter.Load())
	})

	t.Run("break", func(t *testing.T) {
		b := NewBarrier(3)
		var wg sync.WaitGroup
		exceptionsCh := make(chan any, 2)
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				exceptionsCh <- exceptions.Try(b.Wait)
			}()
		}
		b.Break()
		wg.Wait()
		close(exceptionsCh)
		for e := range exceptionsCh {
			require.Equal(t, ErrBarrierBroken, e)
		}
		require.True(t, b.IsBroken())
		require.Equal(t, ErrBarrierBroken, exceptions.Try(b.Wait))
	})

	t.Run("invalid", func(t *testing.T) {
		require.Panics(t, func() { NewBarrier(0) })
	})
}
