package coro

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowcoro/flowcoro/internal/ratelimit"
)

// Scheduler is the Go-native reading of spec.md §3's "Scheduler": one
// per logical worker, each owning a private ready deque, I/O
// multiplexer, and timer heap, driven by its own dedicated loop
// goroutine (our stand-in for the original's bound OS thread — see
// SPEC_FULL.md §4.2). Everything reachable only from that loop
// goroutine (ready, timers, the multiplexer) needs no lock; everything
// other goroutines may touch (inq, the fd-ownership bookkeeping on
// Fleet) is explicitly guarded.
type Scheduler struct {
	id    uint64
	fleet *Fleet

	// ready is the single-owner FIFO run queue: only the loop goroutine
	// ever reads or writes it, per spec.md §4.2's scheduling invariant.
	ready []*frame

	inqMu     sync.Mutex
	inq       ingress
	timerInq  []*timerNode // cross-scheduler armTimer/ScheduleTimer requests

	timers timerHeap

	mux ioMultiplexer

	state atomic.Uint32 // SchedState

	coroSeq atomic.Uint64
	live    atomic.Int64 // count of frames not yet Dead, owned by this scheduler

	overload *ratelimit.Limiter

	stopCh    chan struct{}
	stoppedCh chan struct{}

	tickCeiling time.Duration

	waitBuf []*waitNode // reusable scratch buffer for mux.wait results

	poolsMu sync.Mutex
	pools   []poolTeardown

	// parkedMu guards parked, the set of frames currently suspended in
	// an indefinite-or-primitive wait (StateWaitSync/StateWaitIO), so
	// that shutdown can force-wake them with a closed outcome instead of
	// blocking forever — see frame.park and wakeParkedForShutdown.
	// Mutated from both the parking frame's own goroutine and the loop
	// goroutine, hence the lock (unlike ready/timers, which are
	// single-owner).
	parkedMu sync.Mutex
	parked   map[*frame]struct{}

	metrics *SchedulerMetrics
}

func newScheduler(fleet *Fleet, id uint64) (*Scheduler, error) {
	mux, err := newMultiplexer()
	if err != nil {
		return nil, WrapError("coro: failed to create I/O multiplexer", err)
	}
	s := &Scheduler{
		id:          id,
		fleet:       fleet,
		mux:         mux,
		overload:    ratelimit.New(map[time.Duration]int{fleet.opts.overloadRateLimit: 1}),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
		tickCeiling: fleet.opts.tickCeiling,
		waitBuf:     make([]*waitNode, 0, 64),
		parked:      make(map[*frame]struct{}),
		metrics:     newSchedulerMetrics(),
	}
	s.state.Store(uint32(SchedAwake))
	return s, nil
}

// start launches the scheduler's dedicated loop goroutine, our
// analogue of the original binding a scheduler to a fresh OS thread.
func (s *Scheduler) start() {
	go s.loop()
}

func (s *Scheduler) logger() Logger { return s.fleet.opts.logger }

func (s *Scheduler) logPanic(f *frame, r any) {
	s.logger().Log(LogEntry{
		Level: LevelError, Category: "coroutine", SchedulerID: s.id, CoroID: f.id,
		Message: "coroutine panicked", Err: WrapError("recovered panic", errFromPanic(r)),
	})
}

// spawn allocates a new Runnable frame for fn owned by s and counts it
// as live; it does not enqueue it (callers follow with submit). Called
// from Fleet.Go and Fleet.GoOn on any goroutine.
func (s *Scheduler) spawn(fn func()) *frame {
	id := s.fleet.nextCoroID()
	f := newFrame(s, id, fn)
	f.state.Store(StateRunnable)
	s.live.Add(1)
	return f
}

// submit enqueues f for execution, choosing the local fast path if the
// caller is one of this scheduler's own coroutines (whose scheduler loop
// goroutine is then blocked in swapIn), and the slow path otherwise —
// including calls from the loop goroutine itself: lock the inbound
// queue, push, and nudge the multiplexer so a blocked poll wakes
// promptly. This is the two-tier wake dispatch spec.md §4.5 implies by
// distinguishing "the owning scheduler wakes a local waiter directly"
// from "a foreign thread/scheduler must signal across the boundary".
func (s *Scheduler) submit(f *frame) {
	if cur := currentScheduler(); cur == s {
		s.enqueueReadyLocal(f)
		return
	}
	s.inqMu.Lock()
	s.inq.push(f)
	s.inqMu.Unlock()
	s.mux.wake()
}

// enqueueReadyLocal appends f to the ready deque. MUST only be called
// from this scheduler's own loop goroutine — which, for a frame's own
// submit fast path, means "from that frame's own goroutine while its
// scheduler's loop goroutine is blocked inside swapIn", the same
// mutual-exclusion argument that lets Yield touch s.ready directly.
//
// Any source can wake a frame that also has a timeout armed (I/O
// readiness, an explicit Signal/Unlock/handoff, shutdown): whichever
// wins the race to resume f, its stale timerNode must come out of
// s.timers before f runs again, or the frame's next timed wait would
// push the same embedded node a second time and corrupt the heap. This
// is the one place that disarm can happen safely regardless of which
// wake path got here, since every wake — local or cross-scheduler —
// funnels through here (directly, or via drainInbound).
func (s *Scheduler) enqueueReadyLocal(f *frame) {
	if f.timer.armed {
		s.disarmTimer(f)
	}
	f.state.Store(StateRunnable)
	f.readyAt = time.Now()
	s.ready = append(s.ready, f)
}

// wakeFrame transitions f's wait node from Waiting to Woken and, if it
// wins that race, schedules f for execution. Used by the I/O poll loop
// and the hook layer's offload helpers; safe to call from any
// goroutine. It does not touch s.timers itself — f.timer.frame is set
// once at frame creation and stays non-nil for the frame's whole life,
// so it was never a valid "armed" check, and s.timers is single-owner;
// any pending timer disarm happens later, safely, in
// enqueueReadyLocal via submit.
func (s *Scheduler) wakeFrame(f *frame) {
	if !f.wait.tryWake() {
		return // some other source already won (timeout raced readiness, etc.)
	}
	s.submit(f)
}

// armTimer schedules f to be woken at deadline unless some other
// source (I/O readiness, an explicit Signal) wins first. Safe to call
// from any goroutine; the heap itself, however, is only ever mutated
// from the loop goroutine, so cross-scheduler arms route through the
// inbound queue precisely like submit does.
func (s *Scheduler) armTimer(f *frame, deadline time.Time) {
	f.timer.when = deadline
	f.timer.frame = f
	s.requestTimer(&f.timer)
}

// requestTimer arms n, taking the local fast path if the caller is one
// of this scheduler's own coroutines and the slow path (queue + wake)
// otherwise — the same two-tier dispatch submit uses for frames.
func (s *Scheduler) requestTimer(n *timerNode) {
	if currentScheduler() == s {
		s.pushTimerLocal(n)
		return
	}
	s.inqMu.Lock()
	s.timerInq = append(s.timerInq, n)
	s.inqMu.Unlock()
	s.mux.wake()
}

// pushTimerLocal inserts n into the heap. Loop-goroutine only.
func (s *Scheduler) pushTimerLocal(n *timerNode) {
	heap.Push(&s.timers, n)
	n.armed = true
}

// disarmTimer removes f's timer from the heap if it is currently armed.
// Loop-goroutine only (see enqueueReadyLocal, its sole caller).
func (s *Scheduler) disarmTimer(f *frame) {
	if !f.timer.armed {
		return
	}
	s.timers.removeTimer(&f.timer)
	f.timer.armed = false
}

// cancelBareTimer disarms a ScheduleTimer node. It acts only when called
// from one of s's own coroutines; called from anywhere else (another
// scheduler's coroutine, a plain goroutine, s's loop goroutine) it
// returns without doing anything and the timer still fires.
func (s *Scheduler) cancelBareTimer(n *timerNode) {
	if currentScheduler() != s {
		return
	}
	if n.armed {
		s.timers.removeTimer(n)
		n.armed = false
	}
	releaseTimerNode(n)
}

// loop is the scheduler's run-forever entry point, grounded on
// eventloop/loop.go's Loop.run: poll for I/O and timer-driven wakeups,
// drain the inbound queue, then run every ready frame exactly once
// before polling again. Unlike eventloop (which distinguishes a
// pure-channel "fast path" from an I/O "slow path" for benchmark
// reasons), this loop always goes through the multiplexer: our
// workload has no requirement to match those microbenchmarks, and a
// single code path is easier to reason about correctly.
func (s *Scheduler) loop() {
	defer close(s.stoppedCh)
	defer s.mux.close()
	defer s.teardownPools()

	for {
		select {
		case <-s.stopCh:
			if s.drainAndExit() {
				return
			}
		default:
		}

		s.tick()

		if s.shouldTerminate() {
			return
		}
	}
}

func (s *Scheduler) shouldTerminate() bool {
	select {
	case <-s.stopCh:
		return s.drainAndExit()
	default:
		return false
	}
}

// drainAndExit runs any still-ready/runnable frames to completion
// before honoring a Shutdown request, matching spec.md §6's documented
// "graceful" semantics (outstanding coroutines finish; no new ones are
// accepted). Returns true once there is nothing left to run.
func (s *Scheduler) drainAndExit() bool {
	s.drainInbound()
	s.wakeParkedForShutdown()
	if len(s.ready) == 0 && s.live.Load() == 0 {
		return true
	}
	s.runReady()
	return false
}

// registerParked and unregisterParked track frames currently suspended
// via frame.park in an indefinite-or-primitive wait (StateWaitSync,
// StateWaitIO) — anything NOT guaranteed to resolve on its own via a
// timer this scheduler will keep ticking, per spec.md §3/§7's shutdown
// requirement that destroying a scheduler wakes every such waiter
// rather than leaving it parked forever.
func (s *Scheduler) registerParked(f *frame) {
	s.parkedMu.Lock()
	s.parked[f] = struct{}{}
	s.parkedMu.Unlock()
}

func (s *Scheduler) unregisterParked(f *frame) {
	s.parkedMu.Lock()
	delete(s.parked, f)
	s.parkedMu.Unlock()
}

// wakeParkedForShutdown force-wakes every frame currently registered as
// parked, with a closed outcome (waitnode.go's waitClosed), so a
// coroutine blocked on a Mutex/Event/WaitGroup/Chan/fd wait that would
// otherwise never resolve gets driven back to its caller instead of
// holding this scheduler's live count above zero forever. Called every
// time drainAndExit runs, since a frame may park for the first time
// after requestStop already fired.
func (s *Scheduler) wakeParkedForShutdown() {
	s.parkedMu.Lock()
	if len(s.parked) == 0 {
		s.parkedMu.Unlock()
		return
	}
	frames := make([]*frame, 0, len(s.parked))
	for f := range s.parked {
		frames = append(frames, f)
	}
	s.parkedMu.Unlock()

	for _, f := range frames {
		if f.wait.tryClose() {
			s.submit(f)
		}
	}
}

// forceWakeFD looks up whichever waitNode is currently registered with
// this scheduler's multiplexer for fd and wakes it with a closed
// outcome. Used by the hook layer's Conn.Close (net_linux.go) to unblock
// a coroutine parked in Read/Write on an fd being closed out from under
// it — closing an epoll/kqueue-registered fd delivers no readiness
// event on its own. Safe to call from any goroutine: it only reads the
// multiplexer's own lock-guarded registration map and routes the wake
// through submit, never touching s.timers or s.ready directly.
func (s *Scheduler) forceWakeFD(fd int) {
	n := s.mux.waiterFor(fd)
	if n == nil {
		return
	}
	if n.tryClose() {
		if f := n.owner; f != nil {
			s.submit(f)
		}
	}
}

// tick performs one full iteration: compute a poll timeout from the
// nearest timer (bounded by tickCeiling), poll I/O, expire due timers,
// drain the inbound queue, then run every frame currently on the ready
// deque exactly once (frames that re-enqueue themselves, e.g. via
// Yield, run again on the next tick — preventing one busy coroutine
// from starving the timer/I/O phases).
func (s *Scheduler) tick() {
	timeout := s.pollTimeout()

	waitBuf, err := s.mux.wait(timeout, s.waitBuf[:0])
	if err != nil {
		if t, ok := s.overload.Allow("poll-error"); ok || t.IsZero() {
			s.logger().Log(LogEntry{Level: LevelWarn, Category: "poll", SchedulerID: s.id, Message: "poll error", Err: err})
		}
	} else {
		s.waitBuf = waitBuf
		for _, w := range s.waitBuf {
			if w == nil || w.owner == nil {
				continue
			}
			s.wakeFrame(w.owner)
		}
	}

	s.expireTimers()
	s.drainInbound()
	s.runReady()
}

func (s *Scheduler) pollTimeout() time.Duration {
	ceiling := s.tickCeiling
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	if len(s.ready) > 0 {
		return 0
	}
	if when, ok := s.timers.nextDeadline(); ok {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		if d > ceiling {
			d = ceiling
		}
		return d
	}
	return ceiling
}

func (s *Scheduler) expireTimers() {
	now := time.Now()
	for {
		when, ok := s.timers.nextDeadline()
		if !ok || when.After(now) {
			return
		}
		n := heap.Pop(&s.timers).(*timerNode)
		n.armed = false
		if n.frame != nil {
			// tryCancel (not tryWake): a timer firing while its frame is
			// also threaded onto some primitive's waiter list must lose
			// to a concurrent Signal/Unlock/wake, and win as a distinct
			// "timed out" outcome otherwise — see waitnode.go's waitState.
			// For a bare Sleep (no competing waiter list), tryCancel is
			// uncontested and always succeeds.
			if n.frame.wait.tryCancel() {
				s.enqueueReadyLocal(n.frame)
			}
		} else if n.fn != nil {
			fn := n.fn
			go fn() // bare callback timers (ScheduleTimer) run detached
			releaseTimerNode(n)
		}
	}
}

func (s *Scheduler) drainInbound() {
	s.inqMu.Lock()
	timers := s.timerInq
	s.timerInq = nil
	var frames []*frame
	for {
		f, ok := s.inq.pop()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	s.inqMu.Unlock()

	for _, n := range timers {
		s.pushTimerLocal(n)
	}
	for _, f := range frames {
		s.enqueueReadyLocal(f)
	}
}

// runReady swaps into every frame currently on the ready deque exactly
// once, per spec.md §4.2 step 5's round-robin fairness requirement.
// Frames that die during their turn are dropped; frames that park
// themselves (via a sync primitive, I/O wait, or Sleep) are not
// re-enqueued here — whatever woke them is responsible for that.
func (s *Scheduler) runReady() {
	batch := s.ready
	s.ready = nil
	for _, f := range batch {
		s.swapIn(f)
		if f.state.Load() == StateDead {
			s.live.Add(-1)
			releaseFrame(f)
		}
	}
}

// swapIn is the scheduler-side half of the context switch: it resumes
// f's goroutine and blocks until f either parks or dies, at which
// point control returns here and the loop goroutine resumes control of
// the OS thread. This rendezvous is the entirety of "context switch" in
// this implementation — see coroutine.go's frame.park for the other
// half.
func (s *Scheduler) swapIn(f *frame) {
	if !f.readyAt.IsZero() {
		s.metrics.ScheduleLatency.record(time.Since(f.readyAt))
		f.readyAt = time.Time{}
	}
	f.state.Store(StateRunning)
	start := time.Now()
	f.resumeCh <- struct{}{}
	<-f.yieldCh
	s.metrics.RunDuration.record(time.Since(start))
}

// Stats reports a point-in-time snapshot of scheduler load, matching
// spec.md §6's observability surface.
type SchedulerStats struct {
	ID             uint64
	LiveCoroutines int64
	ReadyLen       int
	PendingTimers  int
	State          SchedState
}

func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		ID:             s.id,
		LiveCoroutines: s.live.Load(),
		ReadyLen:       len(s.ready),
		PendingTimers:  len(s.timers),
		State:          SchedState(s.state.Load()),
	}
}

// registerPool records that pool has allocated a bucket for s, so its
// destroy callback can be invoked on every remaining entry when s
// tears down, per spec.md §4.5's Pool teardown requirement.
func (s *Scheduler) registerPool(pool poolTeardown) {
	s.poolsMu.Lock()
	s.pools = append(s.pools, pool)
	s.poolsMu.Unlock()
}

func (s *Scheduler) teardownPools() {
	s.poolsMu.Lock()
	pools := s.pools
	s.pools = nil
	s.poolsMu.Unlock()
	for _, p := range pools {
		p.teardownScheduler(s.id)
	}
}

// requestStop signals the loop to begin graceful shutdown.
func (s *Scheduler) requestStop() {
	s.state.Store(uint32(SchedTerminating))
	close(s.stopCh)
	s.mux.wake()
}

func (s *Scheduler) wait() {
	<-s.stoppedCh
}
