// Package pulse implements the in-process coalesced wake-up primitive.
//
// A Pulse never carries data. A tick only means "re-read durable state now",
// so any number of Pulse() calls between two checks may collapse into one
// tick without losing anything. Durable storage, not the pulse, is always the
// source of truth; losing a Pulse (restart, reclaimed registry entry) is
// harmless.
package pulse

import (
	"context"
	"iter"
	"sync"
)

// Pulse is a monotonically increasing counter plus a wake handle that is
// closed (waking every waiter) and replaced on each Pulse().
//
// Thread-safety: all methods are safe for concurrent use.
type Pulse struct {
	mu    sync.Mutex
	count uint64
	wake  chan struct{}
}

// New creates a Pulse with no pulses recorded.
func New() *Pulse {
	return &Pulse{wake: make(chan struct{})}
}

// Pulse records a change and wakes every current waiter.
func (p *Pulse) Pulse() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.count++
	close(p.wake)
	p.wake = make(chan struct{})
}

// Count returns the number of Pulse() calls so far.
func (p *Pulse) Count() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// observe returns the current count and the handle that will be closed by the
// next Pulse().
func (p *Pulse) observe() (uint64, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count, p.wake
}

// Ticks returns an infinite sequence of ticks.
//
// The first tick is delivered immediately, before any Pulse(), so a new
// subscriber always performs an initial check. After that, one tick is
// delivered per observed counter advance: pulses that happen while the
// consumer is busy coalesce into a single tick, never zero and never one per
// pulse.
//
// The sequence ends when ctx is done or the consumer stops ranging.
// Each call returns an independent subscriber.
func (p *Pulse) Ticks(ctx context.Context) iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		var seen uint64
		first := true
		for {
			count, wake := p.observe()
			if first || count > seen {
				first = false
				seen = count
				if !yield(struct{}{}) {
					return
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
		}
	}
}
