// Package coordination is the in-process signaling layer shared between
// workers that have no direct channel between them: the external trading
// layer's manual subscription-resync request, and cache invalidation for
// the Redeemable Detector. There is no cross-process or Redis-backed
// version — every touch of this package happens between goroutines of the
// same binary.
package coordination

import "sync"

// ResyncFlag is a level-triggered flag: set once, cleared on the next
// read. The Subscription Manager polls it every tick (§4.5); the external
// trading layer sets it immediately after a trade changes a user's
// position set.
type ResyncFlag struct {
	mu   sync.Mutex
	set  bool
	wake chan struct{}
}

// NewResyncFlag builds an unset flag.
func NewResyncFlag() *ResyncFlag {
	return &ResyncFlag{wake: make(chan struct{}, 1)}
}

// Set marks the flag, requesting an out-of-cycle resync, and wakes any
// goroutine blocked on Wake() so the resync happens immediately instead
// of waiting for the next scheduled tick.
func (f *ResyncFlag) Set() {
	f.mu.Lock()
	f.set = true
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// CheckAndClear reports whether the flag was set, clearing it atomically.
func (f *ResyncFlag) CheckAndClear() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.set
	f.set = false
	return was
}

// Wake returns the channel a poller selects on to be notified immediately
// when Set() is called, rather than waiting for its own ticker.
func (f *ResyncFlag) Wake() <-chan struct{} {
	return f.wake
}

// Invalidator is a coalescing signal channel for cache-invalidation events:
// any number of goroutines can signal Invalidate, and a pending, undelivered
// signal is not duplicated. It is not a broadcast: each pending signal is
// received by exactly one reader of Invalidated().
type Invalidator struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewInvalidator builds an Invalidator with no pending signal.
func NewInvalidator() *Invalidator {
	return &Invalidator{ch: make(chan struct{}, 1)}
}

// Invalidate posts a coalesced invalidation signal. Safe to call from any
// goroutine; a signal already pending is not duplicated.
func (i *Invalidator) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	select {
	case i.ch <- struct{}{}:
	default:
	}
}

// Invalidated returns the channel listeners select on to learn a cache
// invalidation occurred.
func (i *Invalidator) Invalidated() <-chan struct{} {
	return i.ch
}
