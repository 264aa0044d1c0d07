package coro

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestFleet(t *testing.T, opts ...Option) *Fleet {
	t.Helper()
	fl, err := NewFleet(opts...)
	if err != nil {
		t.Fatalf("NewFleet: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = fl.Shutdown(ctx)
	})
	return fl
}

// Testable Property 1: a coroutine's SchedulerID is constant for its
// entire lifetime, regardless of how many times it yields.
func TestSchedulerIDIsStable(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(4))

	var wg sync.WaitGroup
	wg.Add(1)
	var ids [10]uint64
	fl.Go(func() {
		defer wg.Done()
		for i := range ids {
			ids[i] = SchedulerID()
			Yield()
		}
	})
	wg.Wait()

	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0] {
			t.Fatalf("SchedulerID changed across yields: %v", ids)
		}
	}
	if ids[0] == 0 {
		t.Fatal("SchedulerID was 0 inside a coroutine")
	}
}

// Testable Property 1 (identity): distinct coroutines get distinct ids.
func TestCoroutineIDsAreUnique(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(2))

	const n = 50
	var mu sync.Mutex
	seen := make(map[uint64]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		fl.Go(func() {
			defer wg.Done()
			id := CoroutineID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		})
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("expected %d unique ids, got %d", n, len(seen))
	}
}

// Testable Property 3: Mutex grants ownership to waiters in FIFO order.
func TestMutexFIFOGrantOrder(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(1))

	var m Mutex
	m.Lock() // hold it so every Go below queues up

	const n = 20
	order := make([]int, 0, n)
	var orderMu sync.Mutex
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		fl.Go(func() {
			defer wg.Done()
			if i == 0 {
				close(started)
			}
			m.Lock()
			orderMu.Lock()
			order = append(order, i)
			orderMu.Unlock()
			m.Unlock()
		})
	}

	<-started
	time.Sleep(20 * time.Millisecond) // let every waiter enqueue
	m.Unlock()                        // release the initial hold, kicking off the chain
	wg.Wait()

	for i := 0; i < n; i++ {
		if order[i] != i {
			t.Fatalf("FIFO grant order violated: got %v", order)
		}
	}
}

func TestMutexMutualExclusion(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(4))

	var m Mutex
	counter := 0
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		fl.Go(func() {
			defer wg.Done()
			m.Lock()
			counter++
			m.Unlock()
		})
	}
	wg.Wait()
	if counter != n {
		t.Fatalf("expected counter == %d, got %d", n, counter)
	}
}

// Testable Property 4: WaitGroup's counter never goes negative across
// any done()/wait() interleaving, and Wait only returns once it's zero.
func TestWaitGroupCorrectness(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(4))

	var wg WaitGroup
	const n = 30
	var done atomic.Int64
	wg.Add(n)

	var outer sync.WaitGroup
	outer.Add(n + 1)

	for i := 0; i < n; i++ {
		fl.Go(func() {
			defer outer.Done()
			time.Sleep(time.Millisecond)
			done.Add(1)
			wg.Done()
		})
	}

	fl.Go(func() {
		defer outer.Done()
		wg.Wait()
		if got := done.Load(); got != n {
			t.Errorf("WaitGroup.Wait returned before all Done calls observed: %d/%d", got, n)
		}
	})

	outer.Wait()
}

// Testable Property 5: a Chan preserves FIFO send order for all
// received values.
func TestChanFIFOOrder(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(1))

	ch := NewChan[int](4)
	const n = 50
	var wg sync.WaitGroup
	wg.Add(1)

	fl.Go(func() {
		for i := 0; i < n; i++ {
			if !ch.Send(i, -1) {
				t.Errorf("unexpected Send failure at %d", i)
			}
		}
	})

	fl.Go(func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			v, ok := ch.Recv(-1)
			if !ok {
				t.Errorf("unexpected Recv failure at %d", i)
			}
			if v != i {
				t.Errorf("FIFO order violated: want %d got %d", i, v)
			}
		}
	})

	wg.Wait()
}

func TestChanCloseWakesWaiters(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(1))

	ch := NewChan[int](0)
	var wg sync.WaitGroup
	wg.Add(1)
	fl.Go(func() {
		defer wg.Done()
		_, ok := ch.Recv(-1)
		if ok {
			t.Error("expected Recv to report closed, got ok=true")
		}
		if ch.Done() {
			t.Error("Done() should be false on a close, not a timeout")
		}
	})
	time.Sleep(10 * time.Millisecond)
	ch.Close()
	wg.Wait()
}

func TestChanSendTimeout(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(1))

	ch := NewChan[int](0) // rendezvous only, nobody ever receives
	var wg sync.WaitGroup
	wg.Add(1)
	fl.Go(func() {
		defer wg.Done()
		ok := ch.Send(1, 10*time.Millisecond)
		if ok {
			t.Error("expected Send to time out")
		}
		if !ch.Done() {
			t.Error("expected Done() true after a timeout")
		}
	})
	wg.Wait()
}

// Timer monotonicity: Sleep actually suspends for at least the
// requested duration.
func TestSleepMonotonicity(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(2))

	var wg sync.WaitGroup
	wg.Add(1)
	fl.Go(func() {
		defer wg.Done()
		start := time.Now()
		Sleep(30 * time.Millisecond)
		if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
			t.Errorf("Sleep returned early after %v", elapsed)
		}
	})
	wg.Wait()
}

// Event timeout liveness: a Wait with a timeout always eventually
// returns false if never signalled, even under concurrent waiters.
func TestEventTimeoutLiveness(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(2))

	e := NewEvent(ManualReset)
	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		fl.Go(func() {
			defer wg.Done()
			if e.Wait(20 * time.Millisecond) {
				t.Error("expected timeout, got signalled")
			}
		})
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Event.Wait with timeout never returned: liveness violated")
	}
}

func TestEventAutoResetWakesOneWaiter(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(2))

	e := NewEvent(AutoReset)
	var woke atomic.Int32
	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		fl.Go(func() {
			defer wg.Done()
			if e.Wait(200 * time.Millisecond) {
				woke.Add(1)
			}
		})
	}
	time.Sleep(10 * time.Millisecond)
	e.Signal()
	wg.Wait()
	if got := woke.Load(); got != 1 {
		t.Fatalf("AutoReset Event woke %d waiters, want exactly 1", got)
	}
}

func TestEventManualResetWakesAllWaiters(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(2))

	e := NewEvent(ManualReset)
	var woke atomic.Int32
	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		fl.Go(func() {
			defer wg.Done()
			if e.Wait(500 * time.Millisecond) {
				woke.Add(1)
			}
		})
	}
	time.Sleep(10 * time.Millisecond)
	e.Signal()
	wg.Wait()
	if got := woke.Load(); got != n {
		t.Fatalf("ManualReset Event woke %d/%d waiters", got, n)
	}
}

// A coroutine woken by something other than its own timeout (here, a
// Signal racing ahead of a long Wait deadline) must be able to arm a
// fresh timed wait immediately afterward without corrupting the
// scheduler's timer heap: the first wait's timerNode must have come out
// of s.timers by the time the second wait arms it again, or the two
// waits would collide on the same embedded node.
func TestEventSignalThenImmediateTimedWaitDoesNotCorruptTimer(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(1))

	e := NewEvent(AutoReset)
	var wg sync.WaitGroup
	wg.Add(1)
	var secondWaitTimedOut atomic.Bool
	fl.Go(func() {
		defer wg.Done()
		if !e.Wait(2 * time.Second) {
			t.Error("expected first Wait to be signalled, not time out")
			return
		}
		secondWaitTimedOut.Store(!NewEvent(AutoReset).Wait(20 * time.Millisecond))
	})
	time.Sleep(10 * time.Millisecond)
	e.Signal()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coroutine never completed: timer heap likely corrupted by the first wait's unDisarmed timeout")
	}
	if !secondWaitTimedOut.Load() {
		t.Fatal("expected the second, unrelated Wait to time out on its own deadline")
	}
}

// Pool: values round-trip through Pop/Push without corruption, and the
// create callback is only invoked when a bucket is actually empty.
func TestPoolRoundTrip(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(1))

	var created atomic.Int64
	pool := NewPool(func() int {
		return int(created.Add(1))
	}, nil, -1)

	var wg sync.WaitGroup
	wg.Add(1)
	fl.Go(func() {
		defer wg.Done()
		a := pool.Pop()
		b := pool.Pop()
		if a == b {
			t.Error("expected two distinct freshly-created values")
			return
		}
		pool.Push(a)
		c := pool.Pop()
		if c != a {
			t.Errorf("expected Pop to return the just-pushed value %d, got %d", a, c)
		}
		pool.Push(b)
		pool.Push(c)
	})
	wg.Wait()
	if got := created.Load(); got != 2 {
		t.Fatalf("create callback invoked %d times, want 2", got)
	}
}

func TestPoolGuard(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(1))

	pool := NewPool(func() *int { v := 0; return &v }, nil, -1)
	var wg sync.WaitGroup
	wg.Add(1)
	fl.Go(func() {
		defer wg.Done()
		g := NewPoolGuard(pool)
		*g.Get() = 42
		g.Release()
		if pool.Size() != 1 {
			t.Errorf("expected guard to return the value to the pool, size=%d", pool.Size())
		}
	})
	wg.Wait()
}

// Yield fairness: coroutines sharing one scheduler in a busy loop of
// Yields each run all of their rounds to completion, none starved out.
func TestYieldFairness(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(1))

	const n = 5
	const rounds = 20
	counts := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		fl.Go(func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				counts[i]++
				Yield()
			}
		})
	}
	wg.Wait()
	for i, c := range counts {
		if c != rounds {
			t.Fatalf("coroutine %d ran %d/%d rounds", i, c, rounds)
		}
	}
}

func TestMetricsRecordsSamples(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(1))

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		fl.Go(func() {
			defer wg.Done()
			Yield()
		})
	}
	wg.Wait()

	snap := fl.AllSchedulers()[0].Metrics()
	if snap.RunDuration.Count == 0 {
		t.Fatal("expected RunDuration samples to have been recorded")
	}
}

func TestGoOnPinsToScheduler(t *testing.T) {
	fl := newTestFleet(t, WithSchedulers(4))
	scheds := fl.AllSchedulers()
	target := scheds[len(scheds)-1]

	var wg sync.WaitGroup
	wg.Add(1)
	var gotID uint64
	fl.GoOn(target, func() {
		defer wg.Done()
		gotID = SchedulerID()
	})
	wg.Wait()
	if gotID != target.id {
		t.Fatalf("GoOn did not pin to the requested scheduler: want %d got %d", target.id, gotID)
	}
}

func TestShutdownDrainsRunningCoroutines(t *testing.T) {
	fl, err := NewFleet(WithSchedulers(1))
	if err != nil {
		t.Fatalf("NewFleet: %v", err)
	}

	var ran atomic.Bool
	fl.Go(func() {
		Sleep(20 * time.Millisecond)
		ran.Store(true)
	})
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !ran.Load() {
		t.Fatal("Shutdown did not wait for the in-flight coroutine to finish")
	}
}

// Shutdown must wake coroutines parked indefinitely on a sync primitive
// with no timeout of their own (here, a contended Mutex that is never
// unlocked) rather than blocking until its context expires.
func TestShutdownWakesIndefinitelyParkedWaiters(t *testing.T) {
	fl, err := NewFleet(WithSchedulers(1))
	if err != nil {
		t.Fatalf("NewFleet: %v", err)
	}

	var mu Mutex
	mu.Lock() // never unlocked: the Lock waiter below has no other way out

	var wg sync.WaitGroup
	wg.Add(1)
	started := make(chan struct{})
	fl.Go(func() {
		defer wg.Done()
		close(started)
		mu.Lock()
	})
	<-started
	time.Sleep(5 * time.Millisecond) // let the coroutine park on the mutex

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown did not complete before ctx expired (parked waiter never woke): %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coroutine parked on Mutex.Lock never resumed after Shutdown")
	}
}
