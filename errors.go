package coro

import (
	"errors"
	"fmt"
)

// Standard errors returned by this package. Matches the eventloop
// teacher's convention of sentinel errors declared once per concern,
// usable with [errors.Is].
var (
	// ErrFleetAlreadyRunning reports a fleet that is already running.
	// Fleet has no start method that checks for this, so no function in
	// this package returns it.
	ErrFleetAlreadyRunning = errors.New("coro: fleet is already running")

	// ErrFleetTerminated is the value Fleet.Go panics with once Shutdown
	// has been called on the fleet. It is not returned as an error.
	ErrFleetTerminated = errors.New("coro: fleet has been terminated")

	// ErrSchedulerClosed reports a scheduler that is terminated or
	// terminating. Submitting work to a scheduler returns no error, so
	// no function in this package returns it.
	ErrSchedulerClosed = errors.New("coro: scheduler is closed")

	// ErrNoScheduler is returned by Fleet.RunMain when the fleet was built
	// without WithMainScheduler.
	ErrNoScheduler = errors.New("coro: not running on a scheduler")

	// ErrChanClosed reports a closed channel. Chan.Send and Chan.Recv
	// report closure through their bool result (false, with Done false)
	// rather than through this error, and do not panic.
	ErrChanClosed = errors.New("coro: channel is closed")

	// ErrPoolClosed reports a pool that has been torn down. Pool has no
	// close operation and Pool.Pop returns no error, so no function in
	// this package returns it.
	ErrPoolClosed = errors.New("coro: pool is closed")

	// ErrFDOutOfRange is returned when a file descriptor exceeds the
	// table's addressable range.
	ErrFDOutOfRange = errors.New("coro: fd out of range")

	// ErrFDAlreadyRegistered is returned when a direction on an fd is
	// already owned by a scheduler.
	ErrFDAlreadyRegistered = errors.New("coro: fd direction already registered")

	// ErrFDNotRegistered is returned when unregistering/modifying an fd
	// that has no active registration.
	ErrFDNotRegistered = errors.New("coro: fd not registered")

	// ErrFDOwnedByOtherScheduler reports an fd direction used by a
	// scheduler other than its registered owner. That check is the
	// opt-in DebugFDOwnership toggle (fdtable.go), which panics via
	// usageError instead of returning this error; no function in this
	// package returns it.
	ErrFDOwnedByOtherScheduler = errors.New("coro: fd direction owned by another scheduler")

	// ErrPollerClosed reports a poller used after Close. The pollers do
	// not return it; no function in this package returns it.
	ErrPollerClosed = errors.New("coro: poller is closed")

	// ErrWaitCancelled reports a wait that was cancelled rather than
	// woken by its event. Timed-out hooked I/O returns ErrTimeout and a
	// closed fd returns ErrConnClosed; no function in this package
	// returns this error.
	ErrWaitCancelled = errors.New("coro: wait was cancelled")

	// ErrTimeout is returned by Conn/Listener operations that were
	// given a positive deadline and did not complete in time.
	ErrTimeout = errors.New("coro: i/o timeout")

	// ErrConnClosed is returned by Conn/Listener operations made after
	// Close.
	ErrConnClosed = errors.New("coro: connection is closed")

	// ErrHookRequiresCoroutine is returned by the hooked net API when
	// called from outside a coroutine: unlike Sleep (which has an
	// OS-thread-blocking fallback), a hooked socket call has no
	// sensible non-coroutine fallback, since its entire purpose is
	// suspending via the scheduler rather than blocking a thread.
	ErrHookRequiresCoroutine = errors.New("coro: hooked net calls require a coroutine context")
)

// WrapError wraps err with a message, preserving it as the cause for
// errors.Is/errors.As, matching eventloop/errors.go's WrapError helper.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}

// errFromPanic normalizes a recovered panic value into an error for
// structured logging, matching eventloop/errors.go's convention of
// never losing a non-error panic payload.
func errFromPanic(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// usageError panics unconditionally: spec.md classifies unlock-by-
// non-owner, negative WaitGroup transitions, and similar misuse as
// "usage errors" that abort in debug builds and are undefined in
// release builds. Go draws no such distinction between build modes, so
// SPEC_FULL.md resolves this as "always panic" (see DESIGN.md) rather
// than silently corrupting state.
func usageError(msg string) {
	panic("coro: " + msg)
}
