package coro

import (
	"sync"
	"time"
)

// EventMode selects whether an Event auto-resets after waking exactly
// one waiter, or stays signalled until Reset is called explicitly.
type EventMode int

const (
	// AutoReset wakes exactly one waiter per Signal call, consuming the
	// signal; if no coroutine is currently waiting, the signal is held
	// for the next Wait call, which then consumes it immediately.
	AutoReset EventMode = iota
	// ManualReset wakes every current and future waiter until Reset is
	// called.
	ManualReset
)

// Event is a signalled flag coroutines can suspend on, matching
// spec.md §4.5's Event: `wait(timeout?)` suspends until signalled or
// timed out; `signal()` wakes one (AutoReset) or all (ManualReset)
// waiters. Wait is also usable from a plain (non-coroutine) goroutine,
// via an internal sync.Cond fallback, matching spec.md's "Wait from a
// non-coroutine thread is supported via an internal OS condvar
// fallback".
type Event struct {
	mode EventMode

	mu        sync.Mutex
	signalled bool
	waiters   waitList
	cond      sync.Cond
	condInit  sync.Once
}

// NewEvent constructs an Event in the given mode.
func NewEvent(mode EventMode) *Event {
	e := &Event{mode: mode}
	e.cond.L = &e.mu
	return e
}

// Signal wakes waiters per the Event's mode. See EventMode.
func (e *Event) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode == ManualReset {
		e.signalled = true
		for {
			n := e.waiters.popFront()
			if n == nil {
				break
			}
			n.tryWake()
			if f := n.owner; f != nil {
				f.sched.submit(f)
			}
		}
		e.cond.Broadcast()
		return
	}

	// AutoReset: hand off to exactly one coroutine waiter if any are
	// queued; otherwise latch the signal for the next Wait call.
	for {
		n := e.waiters.popFront()
		if n == nil {
			e.signalled = true
			break
		}
		if n.tryWake() {
			if f := n.owner; f != nil {
				f.sched.submit(f)
			}
			break
		}
		// n already cancelled by a timeout race; try the next one.
	}
	e.cond.Signal()
}

// Reset clears a latched (but not yet consumed) signal. Has no effect
// on coroutines already suspended in Wait.
func (e *Event) Reset() {
	e.mu.Lock()
	e.signalled = false
	e.mu.Unlock()
}

// Wait suspends the calling coroutine until Signal is observed or
// timeout elapses (timeout < 0 means wait indefinitely), returning
// true if signalled and false on timeout. Called from a plain
// goroutine, it blocks the OS thread on an internal condvar instead of
// suspending a coroutine.
func (e *Event) Wait(timeout time.Duration) bool {
	f := currentFrame()
	if f == nil {
		return e.waitBlocking(timeout)
	}

	e.mu.Lock()
	if e.signalled {
		if e.mode == AutoReset {
			e.signalled = false
		}
		e.mu.Unlock()
		return true
	}
	f.wait.reset(f)
	e.waiters.pushBack(&f.wait)
	e.mu.Unlock()

	if timeout >= 0 {
		f.sched.armTimer(f, time.Now().Add(timeout))
	}
	f.park(StateWaitSync)

	return f.wait.loadState() == waitWoken
}

func (e *Event) waitBlocking(timeout time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.signalled {
		if e.mode == AutoReset {
			e.signalled = false
		}
		return true
	}

	if timeout < 0 {
		for !e.signalled {
			e.cond.Wait()
		}
		if e.mode == AutoReset {
			e.signalled = false
		}
		return true
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		e.mu.Lock()
		close(done)
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()

	for !e.signalled {
		select {
		case <-done:
			return false
		default:
		}
		e.cond.Wait()
	}
	if e.mode == AutoReset {
		e.signalled = false
	}
	return true
}
