package coro

import "sync/atomic"

// waitNode is the per-suspension record linking a coroutine to a
// primitive's waiter list or to the scheduler's per-fd wait set, per
// spec.md §3 "Wait node". It is embedded inline in a frame (one active
// wait at a time, per coroutine), never heap-allocated separately on
// the hot path.
type waitNode struct {
	owner *frame
	next  *waitNode
	prev  *waitNode

	state atomic.Uint32 // waitState

	// hasDeadline flags a wait that carries a timeout. reset clears it;
	// nothing in the package sets it, since timed waits are driven by
	// the frame's timerNode instead.
	hasDeadline bool

	// onWake is a hook slot cleared by reset. Nothing in the package
	// sets it, and tryWake does not invoke it.
	onWake func()

	// payload carries operation-specific data across a suspension —
	// e.g. Chan[T].Send/Recv thread a *T through here so a direct
	// sender/receiver handoff can move the value without touching the
	// buffer.
	payload any
}

func newWaitNode(owner *frame) *waitNode {
	n := &waitNode{owner: owner}
	n.state.Store(uint32(waitWaiting))
	return n
}

func (n *waitNode) reset(owner *frame) {
	n.owner = owner
	n.next, n.prev = nil, nil
	n.hasDeadline = false
	n.onWake = nil
	n.payload = nil
	n.state.Store(uint32(waitWaiting))
}

// tryWake attempts to transition the node from Waiting to Woken. Only
// one caller (I/O readiness, timer expiry, or an explicit signal) may
// win this race, per spec.md's "exactly one source wins via CAS"
// invariant.
func (n *waitNode) tryWake() bool {
	return n.state.CompareAndSwap(uint32(waitWaiting), uint32(waitWoken))
}

// tryCancel attempts to transition the node from Waiting to Cancelled,
// used by timeout expiry. If it loses the race, the wake already
// happened and the timeout should report "completed", not "timed out" —
// per spec.md §5 "Cancellation / timeouts".
func (n *waitNode) tryCancel() bool {
	return n.state.CompareAndSwap(uint32(waitWaiting), uint32(waitCancelled))
}

// tryClose attempts to transition the node from Waiting to Closed, used
// when a Chan is closed, a hooked fd is closed, or the fleet shuts down
// while coroutines are still suspended.
func (n *waitNode) tryClose() bool {
	return n.state.CompareAndSwap(uint32(waitWaiting), uint32(waitClosed))
}

func (n *waitNode) loadState() waitState {
	return waitState(n.state.Load())
}

// waitList is an intrusive doubly-linked FIFO list of waitNodes,
// anchored in a sync primitive. Matches spec.md §4.5's requirement that
// mutex/primitive grants obey FIFO arrival order.
type waitList struct {
	head, tail *waitNode
	length     int
}

func (l *waitList) pushBack(n *waitNode) {
	n.prev, n.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.length++
}

func (l *waitList) remove(n *waitNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else if l.head == n {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else if l.tail == n {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.length--
}

func (l *waitList) popFront() *waitNode {
	n := l.head
	if n == nil {
		return nil
	}
	l.remove(n)
	return n
}

func (l *waitList) empty() bool { return l.head == nil }
