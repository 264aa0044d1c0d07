package coro

import "sync/atomic"

// CoroState is the lifecycle state of a coroutine, per spec.md §3.
type CoroState uint32

const (
	// StateInit is the state of a frame that has been allocated but not
	// yet scheduled for its first run.
	StateInit CoroState = iota
	// StateRunnable is set once a frame is on a ready deque or inbound
	// queue, awaiting its turn to run.
	StateRunnable
	// StateRunning is set for the duration a frame is actually executing
	// (i.e. its goroutine has been resumed and hasn't yielded back).
	StateRunning
	// StateWaitIO is set while a frame is suspended on a registered fd
	// wait node.
	StateWaitIO
	// StateWaitTimer is set while a frame is suspended purely on a timer
	// (Sleep). A primitive wait with a timeout uses StateWaitSync.
	StateWaitTimer
	// StateWaitSync is set while a frame is suspended on a sync
	// primitive (Mutex, Event, WaitGroup, Chan).
	StateWaitSync
	// StateDead is the terminal state: the coroutine's callable has
	// returned (or panicked) and its goroutine has exited.
	StateDead
)

func (s CoroState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRunnable:
		return "Runnable"
	case StateRunning:
		return "Running"
	case StateWaitIO:
		return "WaitIO"
	case StateWaitTimer:
		return "WaitTimer"
	case StateWaitSync:
		return "WaitSync"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free atomic state cell, grounded directly on
// eventloop/state.go's FastState: pure CAS, no validation of transition
// legality (the caller is trusted to only attempt legal transitions),
// no locking.
type fastState struct {
	v atomic.Uint32
}

func newFastState(initial CoroState) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) Load() CoroState { return CoroState(s.v.Load()) }

func (s *fastState) Store(to CoroState) { s.v.Store(uint32(to)) }

func (s *fastState) TryTransition(from, to CoroState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// SchedState is the lifecycle state of a Scheduler's event loop,
// mirroring the names of eventloop's LoopState. The scheduler stores
// only SchedAwake (at creation) and SchedTerminating (when its loop
// begins shutting down); Running, Sleeping and Terminated are never set.
type SchedState uint32

const (
	SchedAwake SchedState = iota
	SchedRunning
	SchedSleeping
	SchedTerminating
	SchedTerminated
)

func (s SchedState) String() string {
	switch s {
	case SchedAwake:
		return "Awake"
	case SchedRunning:
		return "Running"
	case SchedSleeping:
		return "Sleeping"
	case SchedTerminating:
		return "Terminating"
	case SchedTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// waitState is the per-suspension state of a waitNode, per spec.md's
// "Wait node" data model: exactly one of a potential I/O readiness, a
// timer expiry, or a cancellation/timeout "wins" the CAS from Waiting.
type waitState uint32

const (
	waitWaiting waitState = iota
	waitWoken
	waitCancelled
	// waitClosed marks a wait aborted by its owning primitive or fd being
	// closed (Chan.Close, a hooked Conn/Listener Close) or by fleet
	// shutdown, distinct from a plain timeout so callers can tell "gave
	// up waiting" from "the channel is gone".
	waitClosed
)
