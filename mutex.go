package coro

import (
	"sync"
	"sync/atomic"
)

// Mutex is a coroutine-only mutual-exclusion lock, matching
// original_source's co::Mutex: lock() MUST be called from a coroutine
// and blocks (suspends, never spins an OS thread) until acquired;
// unlock() hands the lock directly to the longest-waiting coroutine
// rather than releasing it back to open contention, which is what
// gives Testable Property 3 (FIFO grant order) — see waitnode.go's
// waitList.
type Mutex struct {
	locked  atomic.Bool
	mu      sync.Mutex
	waiters waitList
}

// Lock acquires m, suspending the calling coroutine if it is already
// held. MUST be called from a coroutine.
func (m *Mutex) Lock() {
	if m.locked.CompareAndSwap(false, true) {
		return
	}

	f := currentFrame()
	if f == nil {
		usageError("Mutex.Lock called outside a coroutine")
	}

	for {
		m.mu.Lock()
		if m.locked.CompareAndSwap(false, true) {
			m.mu.Unlock()
			return
		}
		f.wait.reset(f)
		m.waiters.pushBack(&f.wait)
		m.mu.Unlock()

		f.park(StateWaitSync)

		// Woken ordinarily means Unlock handed us ownership directly
		// (locked is still true, set on our behalf) — no need to retry
		// the CAS. A scheduler shutdown force-wakes parked waiters the
		// same way (see Scheduler.wakeParkedForShutdown); Lock has no
		// way to report that distinctly to a void-returning caller, so
		// it just returns and lets the coroutine run to completion,
		// same as any other wake.
		return
	}
}

// TryLock attempts to acquire m without suspending, returning true iff
// successful.
func (m *Mutex) TryLock() bool {
	return m.locked.CompareAndSwap(false, true)
}

// Unlock releases m. If a coroutine is waiting, ownership transfers to
// it directly (the lock stays logically held); otherwise the lock
// becomes free. MUST be called by the coroutine holding m.
func (m *Mutex) Unlock() {
	if !m.locked.Load() {
		usageError("Mutex.Unlock of an unlocked mutex")
	}

	m.mu.Lock()
	n := m.waiters.popFront()
	m.mu.Unlock()

	if n != nil {
		if n.tryWake() {
			if f := n.owner; f != nil {
				f.sched.submit(f)
			}
			return // ownership transferred; m.locked remains true
		}
		// n was already cancelled (e.g. by shutdown); fall through and
		// try the next waiter on a subsequent Unlock, or free the lock.
	}

	m.locked.Store(false)
}

// MutexGuard releases its Mutex when Release is called, mirroring
// original_source's MutexGuard RAII helper — Go has no destructors, so
// callers pair NewMutexGuard with a deferred Release instead:
//
//	g := coro.NewMutexGuard(&m)
//	defer g.Release()
type MutexGuard struct {
	m *Mutex
}

// NewMutexGuard locks m and returns a guard that will unlock it once.
func NewMutexGuard(m *Mutex) *MutexGuard {
	m.Lock()
	return &MutexGuard{m: m}
}

// Release unlocks the guarded mutex. Safe to call at most once.
func (g *MutexGuard) Release() {
	if g.m != nil {
		g.m.Unlock()
		g.m = nil
	}
}
