package engine

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the number of simultaneous outbound calls allowed for
// fan-out work when no capacity is configured.
const DefaultCapacity = 10

// Gate bounds the number of simultaneous outbound calls across a whole run.
// Every page fetch, classifier lookup, setup step and mutation passes through
// the same Gate. Waiters are not served in any particular order.
type Gate struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	inflight atomic.Int64
	peak     atomic.Int64
}

// NewGate creates a gate admitting at most capacity concurrent holders.
// A capacity below one is treated as one.
func NewGate(name string, capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// Permit is one admission through a Gate.
type Permit struct {
	gate     *Gate
	released atomic.Bool
}

// Acquire blocks until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	n := g.inflight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	setGateInFlight(g.name, n)
	return &Permit{gate: g}, nil
}

// Release returns the permit. Releasing twice is a no-op.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	n := p.gate.inflight.Add(-1)
	setGateInFlight(p.gate.name, n)
	p.gate.sem.Release(1)
}

// Do runs fn while holding a permit. The permit is released when fn returns
// or panics.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	p, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release()
	return fn(ctx)
}

// Name returns the gate's name.
func (g *Gate) Name() string { return g.name }

// Capacity returns the maximum number of concurrent holders.
func (g *Gate) Capacity() int { return int(g.capacity) }

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int { return int(g.inflight.Load()) }

// Peak returns the highest number of permits held at once.
func (g *Gate) Peak() int { return int(g.peak.Load()) }

// do runs fn through g, or directly when g is nil.
func (g *Gate) do(ctx context.Context, fn func(context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	return g.Do(ctx, fn)
}
