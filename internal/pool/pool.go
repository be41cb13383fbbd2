// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pool provides fixed-capacity, preallocated slot pools. Unlike
// sync.Pool a Pool never grows and never lets the GC reclaim slots, so the
// number of live flow records is bounded by construction.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"grimm.is/flowguard/internal/errors"
)

// Stats tracks pool usage.
type Stats struct {
	Checkouts uint64 `json:"checkouts"`
	Exhausted uint64 `json:"exhausted"`
	Releases  uint64 `json:"releases"`
}

// Pool is a fixed set of reusable instances of T.
type Pool[T any] struct {
	name     string
	free     chan T
	reset    func(T)
	capacity int
	inUse    atomic.Int64

	checkouts atomic.Uint64
	exhausted atomic.Uint64
	releases  atomic.Uint64
}

// New preallocates capacity instances using newFn. reset is applied to a
// slot on release and may be nil.
func New[T any](name string, capacity int, newFn func() T, reset func(T)) (*Pool[T], error) {
	if capacity <= 0 {
		return nil, errors.Attr(errors.Errorf(errors.KindConfig, "%s pool capacity must be positive, got %d", name, capacity), "pool", name)
	}
	if newFn == nil {
		return nil, errors.Errorf(errors.KindConfig, "%s pool has no constructor", name)
	}

	p := &Pool[T]{
		name:     name,
		free:     make(chan T, capacity),
		reset:    reset,
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		p.free <- newFn()
	}
	return p, nil
}

// Checkout returns a free slot or fails immediately with KindPoolExhausted.
func (p *Pool[T]) Checkout() (T, error) {
	select {
	case v := <-p.free:
		p.inUse.Add(1)
		p.checkouts.Add(1)
		return v, nil
	default:
		p.exhausted.Add(1)
		var zero T
		return zero, p.exhaustedErr()
	}
}

// CheckoutWait waits at most maxWait for a slot.
func (p *Pool[T]) CheckoutWait(ctx context.Context, maxWait time.Duration) (T, error) {
	if v, err := p.Checkout(); err == nil {
		return v, nil
	}
	// The failed fast path above already counted one exhaustion.
	p.exhausted.Add(^uint64(0))

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var zero T
	select {
	case v := <-p.free:
		p.inUse.Add(1)
		p.checkouts.Add(1)
		return v, nil
	case <-timer.C:
		p.exhausted.Add(1)
		return zero, p.exhaustedErr()
	case <-ctx.Done():
		return zero, errors.Wrapf(ctx.Err(), errors.KindTimeout, "%s pool checkout cancelled", p.name)
	}
}

// Release resets v and returns it to the pool. Releasing more slots than
// were checked out is an error and the extra slot is discarded.
func (p *Pool[T]) Release(v T) error {
	if p.inUse.Add(-1) < 0 {
		p.inUse.Add(1)
		return errors.Errorf(errors.KindInternal, "%s pool: release without checkout", p.name)
	}
	if p.reset != nil {
		p.reset(v)
	}
	select {
	case p.free <- v:
		p.releases.Add(1)
		return nil
	default:
		return errors.Errorf(errors.KindInternal, "%s pool: free list full", p.name)
	}
}

// Free returns the number of slots available for checkout.
func (p *Pool[T]) Free() int { return len(p.free) }

// Cap returns the fixed pool size.
func (p *Pool[T]) Cap() int { return p.capacity }

// InUse returns the number of checked-out slots.
func (p *Pool[T]) InUse() int { return int(p.inUse.Load()) }

// Name returns the pool label used in errors and metrics.
func (p *Pool[T]) Name() string { return p.name }

// Stats returns a snapshot of usage counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Checkouts: p.checkouts.Load(),
		Exhausted: p.exhausted.Load(),
		Releases:  p.releases.Load(),
	}
}

func (p *Pool[T]) exhaustedErr() error {
	err := errors.Errorf(errors.KindPoolExhausted, "%s pool exhausted", p.name)
	return errors.Attr(err, "capacity", p.capacity)
}
