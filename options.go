package coro

import (
	"errors"
	"runtime"
	"time"
)

// fleetOptions holds the resolved configuration for a Fleet, per
// spec.md §6 "Configuration".
type fleetOptions struct {
	schedNum          int
	stackSize         int
	maxRecvSize       int
	maxSendSize       int
	disableHookSleep  bool
	mainScheduler     bool
	tickCeiling       time.Duration
	overloadRateLimit time.Duration
	logger            Logger
}

const (
	minStackSize     = 8 * 1024
	defaultStackSize = 128 * 1024
	defaultMaxIOSize = 1 << 20
)

// Option configures a Fleet at construction time, matching the
// functional-options shape of eventloop/options.go's LoopOption.
type Option interface {
	apply(*fleetOptions) error
}

type optionFunc func(*fleetOptions) error

func (f optionFunc) apply(o *fleetOptions) error { return f(o) }

// WithSchedulers sets co_sched_num, the number of worker schedulers in
// the fleet. Defaults to runtime.NumCPU().
func WithSchedulers(n int) Option {
	return optionFunc(func(o *fleetOptions) error {
		if n <= 0 {
			return errors.New("coro: WithSchedulers requires n > 0")
		}
		o.schedNum = n
		return nil
	})
}

// WithStackSize sets co_stack_size, the advisory per-coroutine stack
// size in bytes (minimum 8 KiB). Go goroutine stacks grow on demand
// regardless; this is validated and recorded for parity with the
// original API, and nothing else reads it.
func WithStackSize(bytes int) Option {
	return optionFunc(func(o *fleetOptions) error {
		if bytes < minStackSize {
			return errors.New("coro: WithStackSize requires at least 8 KiB")
		}
		o.stackSize = bytes
		return nil
	})
}

// WithMaxRecvSize sets co_max_recv_size: the per-call byte cap for
// hooked socket reads, so one coroutine can't starve peers sharing a
// scheduler.
func WithMaxRecvSize(n int) Option {
	return optionFunc(func(o *fleetOptions) error {
		if n <= 0 {
			return errors.New("coro: WithMaxRecvSize requires n > 0")
		}
		o.maxRecvSize = n
		return nil
	})
}

// WithMaxSendSize sets co_max_send_size, the send-side analogue of
// WithMaxRecvSize.
func WithMaxSendSize(n int) Option {
	return optionFunc(func(o *fleetOptions) error {
		if n <= 0 {
			return errors.New("coro: WithMaxSendSize requires n > 0")
		}
		o.maxSendSize = n
		return nil
	})
}

// WithHookSleepDisabled sets disable_hook_sleep: when true, Sleep
// blocks the OS thread via time.Sleep instead of registering a timer
// and suspending the coroutine. Provided for API parity; almost always
// left false.
func WithHookSleepDisabled(disabled bool) Option {
	return optionFunc(func(o *fleetOptions) error {
		o.disableHookSleep = disabled
		return nil
	})
}

// WithMainScheduler requests that the fleet reserve a "main" scheduler
// that is driven explicitly by the caller via Fleet.RunMain instead of
// owning its own goroutine from the start, matching spec.md §6's
// `main_scheduler().loop()`.
func WithMainScheduler(enabled bool) Option {
	return optionFunc(func(o *fleetOptions) error {
		o.mainScheduler = enabled
		return nil
	})
}

// WithTickCeiling bounds how long a scheduler may block in a single
// poll, even with no timers pending, so that e.g. Shutdown requests are
// observed promptly. Matches spec.md §4.2 step 1's "tick_ceiling".
func WithTickCeiling(d time.Duration) Option {
	return optionFunc(func(o *fleetOptions) error {
		if d <= 0 {
			return errors.New("coro: WithTickCeiling requires d > 0")
		}
		o.tickCeiling = d
		return nil
	})
}

// WithOverloadLogInterval bounds how often a single scheduler logs a
// poll-error diagnostic, via internal/ratelimit. See
// DESIGN.md's catrate entry.
func WithOverloadLogInterval(d time.Duration) Option {
	return optionFunc(func(o *fleetOptions) error {
		if d <= 0 {
			return errors.New("coro: WithOverloadLogInterval requires d > 0")
		}
		o.overloadRateLimit = d
		return nil
	})
}

// WithLogger installs a structured Logger used for scheduler lifecycle,
// overload, and hook-layer diagnostics.
func WithLogger(l Logger) Option {
	return optionFunc(func(o *fleetOptions) error {
		if l != nil {
			o.logger = l
		}
		return nil
	})
}

func resolveOptions(opts []Option) (*fleetOptions, error) {
	cfg := &fleetOptions{
		schedNum:          runtime.NumCPU(),
		stackSize:         defaultStackSize,
		maxRecvSize:       defaultMaxIOSize,
		maxSendSize:       defaultMaxIOSize,
		tickCeiling:       10 * time.Second,
		overloadRateLimit: time.Second,
		logger:            NewNoOpLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
