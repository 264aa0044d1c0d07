package coro

import (
	"sync"
	"sync/atomic"
)

// WaitGroup is the coroutine-suspending analogue of sync.WaitGroup,
// matching spec.md §4.5: an atomic counter n; Add(k) increments;
// Done() decrements; the single transition from 1→0 wakes every
// waiter; Wait() suspends until n reaches 0. A transition below 0 is a
// programming error (Testable Property 4 requires this invariant to
// hold for every `done`/`wait` interleaving).
type WaitGroup struct {
	n atomic.Int64

	mu      sync.Mutex
	waiters waitList
}

// Add changes the counter by delta (typically positive, before
// launching delta coroutines). Panics if the counter would go
// negative.
func (wg *WaitGroup) Add(delta int64) {
	if n := wg.n.Add(delta); n < 0 {
		usageError("WaitGroup counter went negative")
	} else if n == 0 && delta < 0 {
		wg.wakeAll()
	}
}

// Done decrements the counter by one, waking every waiter if it
// reaches zero.
func (wg *WaitGroup) Done() { wg.Add(-1) }

func (wg *WaitGroup) wakeAll() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	for {
		n := wg.waiters.popFront()
		if n == nil {
			return
		}
		if n.tryWake() {
			if f := n.owner; f != nil {
				f.sched.submit(f)
			}
		}
	}
}

// Wait suspends the calling coroutine until the counter reaches zero.
// Returns immediately if it is already zero. MUST be called from a
// coroutine.
func (wg *WaitGroup) Wait() {
	if wg.n.Load() <= 0 {
		return
	}

	f := currentFrame()
	if f == nil {
		usageError("WaitGroup.Wait called outside a coroutine")
	}

	wg.mu.Lock()
	if wg.n.Load() <= 0 {
		wg.mu.Unlock()
		return
	}
	f.wait.reset(f)
	wg.waiters.pushBack(&f.wait)
	wg.mu.Unlock()

	f.park(StateWaitSync)
}
