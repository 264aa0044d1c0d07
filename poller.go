package coro

import "time"

// IOEvents is a bitmask of readiness conditions, matching
// eventloop/poller.go's IOEvents and spec.md §4.4's fd readiness model.
type IOEvents uint32

const (
	IOEventRead IOEvents = 1 << iota
	IOEventWrite
	IOEventError
	IOEventHangup
)

// ioMultiplexer is the per-scheduler I/O readiness backend: one
// platform implementation is selected at build time (poller_linux.go's
// epoll, poller_darwin.go's kqueue, poller_windows.go's IOCP), matching
// the selection eventloop/poller.go documents and each poller_GOOS.go
// file implements. A scheduler owns exactly one multiplexer for its
// entire life; nothing outside the scheduler's own loop goroutine calls
// Wait, so no internal locking is required around readiness delivery.
type ioMultiplexer interface {
	// registerFD arms events on fd, associating it with wait so that a
	// readiness edge delivers exactly that waitNode back from wait().
	registerFD(fd int, events IOEvents, wait *waitNode) error
	// modifyFD changes the armed event set for an already-registered fd.
	modifyFD(fd int, events IOEvents) error
	// unregisterFD disarms fd entirely.
	unregisterFD(fd int) error
	// waiterFor returns the waitNode currently registered for fd, or nil
	// if none is. Safe to call from any goroutine (read-only lookup
	// under the multiplexer's own registration lock); used by Conn.Close
	// to force-wake a coroutine parked on an fd being torn down.
	waiterFor(fd int) *waitNode
	// wait blocks up to timeout (or indefinitely if timeout < 0) for
	// readiness or an external wake, appending any ready wait nodes to
	// dst and returning the extended slice.
	wait(timeout time.Duration, dst []*waitNode) ([]*waitNode, error)
	// wake interrupts a concurrent or future wait() call from another
	// goroutine; it is the cross-thread analogue of the original's
	// self-pipe/eventfd nudge.
	wake()
	// close releases the multiplexer's OS resources. Not safe to call
	// concurrently with wait().
	close() error
}

// newMultiplexer constructs the platform multiplexer for this GOOS, via
// newPlatformMultiplexer implemented in the poller_GOOS.go build-tagged
// file for the current target.
func newMultiplexer() (ioMultiplexer, error) {
	return newPlatformMultiplexer()
}
