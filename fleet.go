package coro

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Fleet is the process-wide (or application-scoped) collection of
// Schedulers, matching spec.md §3's "Scheduler fleet": co_sched_num
// workers, optionally plus a caller-driven main scheduler, sharing one
// process-wide fd ownership table (see fdtable.go — deliberately NOT
// per-Scheduler, per spec.md §4.4).
type Fleet struct {
	opts *fleetOptions

	scheds []*Scheduler
	next   atomic.Uint64 // round-robin cursor over scheds

	main *Scheduler // non-nil only if WithMainScheduler(true)

	coroSeq atomic.Uint64

	fds *fdTable

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewFleet constructs and starts a Fleet: co_sched_num worker
// schedulers, each immediately running its own loop goroutine (our
// analogue of binding to a dedicated OS thread), per spec.md §6's
// `init`.
func NewFleet(opts ...Option) (*Fleet, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	fl := &Fleet{opts: cfg, fds: newFDTable()}

	n := cfg.schedNum
	if cfg.mainScheduler {
		// the main scheduler doesn't consume a worker slot of its own;
		// it is driven explicitly via RunMain instead.
	}
	fl.scheds = make([]*Scheduler, 0, n)
	for i := 0; i < n; i++ {
		sc, err := newScheduler(fl, fl.nextSchedulerID())
		if err != nil {
			fl.shutdownPartial()
			return nil, err
		}
		fl.scheds = append(fl.scheds, sc)
		sc.start()
	}

	if cfg.mainScheduler {
		sc, err := newScheduler(fl, fl.nextSchedulerID())
		if err != nil {
			fl.shutdownPartial()
			return nil, err
		}
		fl.main = sc
		// not started: the caller must call RunMain from the thread it
		// wants to donate, matching spec.md §6's main_scheduler().loop().
	}

	return fl, nil
}

func (fl *Fleet) nextSchedulerID() uint64 { return fl.coroSeq.Add(1) }

func (fl *Fleet) nextCoroID() uint64 { return fl.coroSeq.Add(1) }

func (fl *Fleet) shutdownPartial() {
	for _, sc := range fl.scheds {
		sc.requestStop()
		sc.wait()
	}
}

// pick returns the next scheduler in round-robin order, spec.md §6's
// `go(callable)` dispatch policy when no explicit scheduler is named.
func (fl *Fleet) pick() *Scheduler {
	n := uint64(len(fl.scheds))
	i := fl.next.Add(1) - 1
	return fl.scheds[i%n]
}

// Go schedules fn as a new coroutine on a scheduler chosen round-robin.
// When the chosen scheduler is the calling coroutine's own, submit takes
// its local fast path and skips the inbound queue.
func (fl *Fleet) Go(fn func()) uint64 {
	if fl.closed.Load() {
		panic(ErrFleetTerminated)
	}
	sc := fl.pick()
	f := sc.spawn(fn)
	sc.submit(f)
	return f.id
}

// GoOn schedules fn on a specific scheduler, matching spec.md §6's
// `sched->go(callable)` explicit-affinity form — used e.g. to pin
// related coroutines together to avoid cross-scheduler wake latency.
func (fl *Fleet) GoOn(sc *Scheduler, fn func()) uint64 {
	f := sc.spawn(fn)
	sc.submit(f)
	return f.id
}

// SchedulerNum returns the number of worker schedulers in the fleet.
func (fl *Fleet) SchedulerNum() int { return len(fl.scheds) }

// AllSchedulers returns the fleet's worker schedulers, for
// introspection/GoOn targeting.
func (fl *Fleet) AllSchedulers() []*Scheduler {
	out := make([]*Scheduler, len(fl.scheds))
	copy(out, fl.scheds)
	return out
}

// MainScheduler returns the fleet's reserved main scheduler, or nil if
// WithMainScheduler was not set.
func (fl *Fleet) MainScheduler() *Scheduler { return fl.main }

// RunMain drives the reserved main scheduler's loop on the calling
// goroutine until ctx is cancelled, matching spec.md §6's
// `main_scheduler().loop()`, which the original expects to be called
// from the program's initial thread (e.g. for platforms requiring UI
// event loops to own the main thread).
func (fl *Fleet) RunMain(ctx context.Context) error {
	if fl.main == nil {
		return ErrNoScheduler
	}
	stop := context.AfterFunc(ctx, fl.main.requestStop)
	fl.main.loop()
	if !stop() {
		return ctx.Err()
	}
	return nil
}

// wakeFDWaiters force-wakes, with a closed outcome, any coroutine
// currently parked reading or writing fd — used by the Linux hook
// layer's Conn.Close (net_linux.go), since closing an epoll-registered
// fd delivers no readiness edge of its own and a cross-scheduler waiter
// would otherwise hang until an unrelated timeout rescued it.
func (fl *Fleet) wakeFDWaiters(fd int) {
	if sc := fl.fds.owner(fd, false); sc != nil {
		sc.forceWakeFD(fd)
	}
	if sc := fl.fds.owner(fd, true); sc != nil {
		sc.forceWakeFD(fd)
	}
}

// Stats aggregates SchedulerStats across every worker scheduler.
func (fl *Fleet) Stats() []SchedulerStats {
	out := make([]SchedulerStats, 0, len(fl.scheds))
	for _, sc := range fl.scheds {
		out = append(out, sc.Stats())
	}
	return out
}

// Shutdown requests every scheduler (workers and, if present, main)
// begin graceful shutdown, then waits for them to drain — honoring
// already-running coroutines, per spec.md §6 — or for ctx to expire,
// whichever comes first. Safe to call once; subsequent calls are a
// no-op. This is the explicit, application-driven teardown SPEC_FULL.md
// adopts in place of the original's leak-until-process-exit static
// lifetime (see DESIGN.md's Open Question resolution).
func (fl *Fleet) Shutdown(ctx context.Context) error {
	var err error
	fl.closeOnce.Do(func() {
		fl.closed.Store(true)
		for _, sc := range fl.scheds {
			sc.requestStop()
		}
		if fl.main != nil {
			fl.main.requestStop()
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for _, sc := range fl.scheds {
				sc.wait()
			}
			if fl.main != nil {
				fl.main.wait()
			}
		}()

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-done:
		}
	})
	return err
}

var (
	defaultFleetOnce sync.Once
	defaultFleetVal  *Fleet
)

// defaultFleet lazily constructs the process-wide Fleet backing the
// package-level Go/Sleep/Dial helpers, matching spec.md §6's implicit
// global scheduler pool (the original's static init, made explicit and
// exactly-once here rather than relying on process exit to reclaim it —
// callers that need deterministic teardown should construct their own
// Fleet via NewFleet instead of using the package-level helpers).
func defaultFleet() *Fleet {
	defaultFleetOnce.Do(func() {
		fl, err := NewFleet()
		if err != nil {
			panic(WrapError("coro: failed to initialize default fleet", err))
		}
		defaultFleetVal = fl
	})
	return defaultFleetVal
}

// Sleep suspends the calling coroutine for at least d, matching
// spec.md §6's `sleep(ms)`. Outside a coroutine, it falls back to
// blocking the OS thread via time.Sleep (there's nothing to yield to).
func Sleep(d time.Duration) {
	f := currentFrame()
	if f == nil {
		time.Sleep(d)
		return
	}
	if f.sched.fleet.opts.disableHookSleep {
		time.Sleep(d)
		return
	}
	f.wait.reset(f)
	f.sched.armTimer(f, time.Now().Add(d))
	f.park(StateWaitTimer)
}
