// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/errors"
)

type slot struct {
	n int
}

func newSlotPool(t *testing.T, capacity int) *Pool[*slot] {
	t.Helper()
	p, err := New("test", capacity, func() *slot { return &slot{} }, func(s *slot) { *s = slot{} })
	require.NoError(t, err)
	return p
}

func TestPool_ExhaustionFailsImmediately(t *testing.T) {
	p := newSlotPool(t, 2)

	a, err := p.Checkout()
	require.NoError(t, err)
	_, err = p.Checkout()
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Checkout()
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errors.KindPoolExhausted, errors.GetKind(err))
	assert.Equal(t, uint64(1), p.Stats().Exhausted)

	require.NoError(t, p.Release(a))
	_, err = p.Checkout()
	assert.NoError(t, err)
}

func TestPool_ReleaseResets(t *testing.T) {
	p := newSlotPool(t, 1)

	s, err := p.Checkout()
	require.NoError(t, err)
	s.n = 42
	require.NoError(t, p.Release(s))

	s2, err := p.Checkout()
	require.NoError(t, err)
	assert.Same(t, s, s2)
	assert.Equal(t, 0, s2.n)
}

func TestPool_FreeCountConservation(t *testing.T) {
	p := newSlotPool(t, 8)
	assert.Equal(t, 8, p.Free())

	var held []*slot
	for i := 0; i < 5; i++ {
		s, err := p.Checkout()
		require.NoError(t, err)
		held = append(held, s)
	}
	assert.Equal(t, 3, p.Free())
	assert.Equal(t, 5, p.InUse())

	for _, s := range held {
		require.NoError(t, p.Release(s))
	}
	assert.Equal(t, 8, p.Free())
	assert.Equal(t, 0, p.InUse())
}

func TestPool_OverRelease(t *testing.T) {
	p := newSlotPool(t, 1)
	err := p.Release(&slot{})
	require.Error(t, err)
	assert.Equal(t, 1, p.Free())
	assert.Equal(t, 0, p.InUse())
}

func TestPool_CheckoutWait(t *testing.T) {
	p := newSlotPool(t, 1)
	s, err := p.Checkout()
	require.NoError(t, err)

	t.Run("times out", func(t *testing.T) {
		_, err := p.CheckoutWait(context.Background(), 10*time.Millisecond)
		assert.Equal(t, errors.KindPoolExhausted, errors.GetKind(err))
	})

	t.Run("receives released slot", func(t *testing.T) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			_ = p.Release(s)
		}()
		got, err := p.CheckoutWait(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Same(t, s, got)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.CheckoutWait(ctx, time.Second)
		assert.Equal(t, errors.KindTimeout, errors.GetKind(err))
	})
}

func TestPool_Concurrent(t *testing.T) {
	p := newSlotPool(t, 16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s, err := p.Checkout()
				if err != nil {
					continue
				}
				s.n++
				_ = p.Release(s)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, p.Free())
	assert.Equal(t, 0, p.InUse())
}

func TestNew_InvalidCapacity(t *testing.T) {
	_, err := New("bad", 0, func() *slot { return &slot{} }, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.GetKind(err))
}
