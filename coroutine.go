package coro

import (
	"sync"
	"time"
)

// frame is the concrete representation of spec.md's "Coroutine": a
// heap-allocated record owning a stack (the underlying goroutine's
// stack — see SPEC_FULL.md §4.1 for why this, not a hand-rolled
// register-switch, is the Go-native reading), a saved machine context
// (implicit: the parked goroutine's own call stack), a state, a
// back-pointer to its owning scheduler (immutable after creation), a
// user callable, a unique id, and an optional wait/timer node.
type frame struct {
	id    uint64
	sched *Scheduler
	fn    func()

	state *fastState

	// resumeCh/yieldCh are the context-switch handoff: the scheduler
	// sends on resumeCh to run this frame and receives from yieldCh
	// when it suspends or dies. Exactly one of {scheduler, frame
	// goroutine} is ever runnable at a time per frame, which is what
	// gives us "a coroutine's context is only ever entered/left by its
	// owning scheduler's thread" without any lock.
	resumeCh chan struct{}
	yieldCh  chan struct{}

	wait  waitNode
	timer timerNode

	panicValue any

	// readyAt is set whenever this frame is placed on the ready deque,
	// and read (then zeroed) by Scheduler.swapIn to feed
	// SchedulerMetrics.ScheduleLatency — how long a runnable frame
	// actually waited for its turn.
	readyAt time.Time

	// chanTimedOut records whether this frame's most recent Chan
	// Send/Recv call timed out, backing Chan.Done per spec.md §4.5
	// ("done() returns whether the most recent op on this coroutine
	// timed out").
	chanTimedOut bool
}

// frameRegistry maps a coroutine's dedicated goroutine id to its frame,
// standing in for the original's thread-local current_scheduler
// pointer (see getGoroutineID). Populated once, at goroutine start, and
// never mutated again for the life of the goroutine, so reads need no
// lock beyond sync.Map's own.
var frameRegistry sync.Map // map[uint64]*frame

// currentFrame returns the frame owning the calling goroutine, or nil
// if the caller is not executing inside a coroutine body (i.e. is a
// plain goroutine, or the scheduler's own loop goroutine). This is the
// Go-native reading of spec.md's `current_scheduler == nullptr on user
// threads`.
func currentFrame() *frame {
	v, ok := frameRegistry.Load(getGoroutineID())
	if !ok {
		return nil
	}
	return v.(*frame)
}

// currentScheduler returns the Scheduler owning the calling coroutine,
// or nil if not running inside one.
func currentScheduler() *Scheduler {
	if f := currentFrame(); f != nil {
		return f.sched
	}
	return nil
}

// newFrame allocates a frame and starts its dedicated goroutine, which
// immediately parks waiting for its first resume. Per spec.md §4.6,
// "go never blocks and never allocates stacks — stacks are bound on
// first schedule": the underlying goroutine is live from this point
// (Go gives us no way to defer that further), but it does no work and
// holds only its initial ~2 KiB stack until Scheduler.swapIn resumes
// it for the first time.
func newFrame(sched *Scheduler, id uint64, fn func()) *frame {
	f := acquireFrame()
	f.id = id
	f.sched = sched
	f.fn = fn
	f.state = newFastState(StateInit)
	f.wait.owner = f
	f.timer.frame = f

	go f.trampoline()
	return f
}

// trampoline is the Go-native analogue of spec.md §4.1's fabricated
// entry context: "a new coroutine's context is fabricated by writing
// its entry trampoline address at the top of its stack... the first
// swap-in enters the trampoline, which invokes the user callable, then
// performs a direct swap back to the scheduler context marking itself
// Dead." Here that's simply the body of the goroutine launched by
// newFrame.
func (f *frame) trampoline() {
	gid := getGoroutineID()
	frameRegistry.Store(gid, f)
	defer frameRegistry.Delete(gid)

	<-f.resumeCh // wait for the first swap-in

	func() {
		defer func() {
			if r := recover(); r != nil {
				f.panicValue = r
				f.sched.logPanic(f, r)
			}
		}()
		f.fn()
	}()

	f.state.Store(StateDead)
	f.yieldCh <- struct{}{}
}

// park suspends the calling coroutine: it records the new state,
// hands control back to the owning scheduler, and blocks until the
// scheduler swaps back in. Every suspension point in this package
// (channel send/recv, mutex lock slow path, event wait, wait-group
// wait, pool pop-with-empty-and-awaiting-creator, Yield, Sleep, a
// hooked socket call that would block) funnels through this method.
//
// The caller MUST have already made the frame observable to whatever
// will wake it (pushed onto a waiter list, armed a timer, registered
// an fd wait) before calling park, or the wake may race ahead of the
// park and be lost.
//
// StateWaitSync and StateWaitIO register f with its scheduler's parked
// set for the duration of the suspension: both cover waits that may
// have no timer of their own (a Mutex.Lock with no other timeout
// source, an unsignalled Event.Wait(-1), an fd wait with no deadline)
// and so would never resolve on their own if the scheduler is asked to
// shut down — see Scheduler.wakeParkedForShutdown. StateRunnable
// (Yield) and StateWaitTimer (Sleep) always resolve via the ready
// deque or the timer heap respectively, so they're left untracked.
func (f *frame) park(state CoroState) {
	trackParked := state == StateWaitSync || state == StateWaitIO
	if trackParked {
		f.sched.registerParked(f)
	}
	f.state.Store(state)
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	if trackParked {
		f.sched.unregisterParked(f)
	}
	f.state.Store(StateRunning)
}

// Go schedules fn as a new coroutine on a scheduler chosen round-robin
// from the default fleet, matching spec.md §6's `go(callable)`. It
// lazily initializes a process-wide default Fleet on first use (see
// fleet.go), mirroring spec.md §9's "explicit teardown" resolution of
// the original's leak-on-exit static init pattern.
func Go(fn func()) {
	defaultFleet().Go(fn)
}

// Yield suspends the calling coroutine and immediately re-enqueues it
// at the back of its scheduler's ready deque, matching spec.md §6's
// `yield()`. It is a no-op (returns immediately) if called from
// outside a coroutine.
func Yield() {
	f := currentFrame()
	if f == nil {
		return
	}
	f.sched.enqueueReadyLocal(f)
	f.park(StateRunnable)
}

// CoroutineID returns the unique id of the calling coroutine, or 0 if
// called from outside a coroutine.
func CoroutineID() uint64 {
	if f := currentFrame(); f != nil {
		return f.id
	}
	return 0
}

// SchedulerID returns the id of the scheduler currently running the
// calling coroutine. Per spec.md's "Identity invariant" (Testable
// Property 1), this value is constant for the lifetime of any given
// coroutine. Returns 0 if called from outside a coroutine.
func SchedulerID() uint64 {
	if s := currentScheduler(); s != nil {
		return s.id
	}
	return 0
}
