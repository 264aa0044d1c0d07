// Package coro provides stackful, M:N-scheduled coroutines with
// cooperative scheduling across a fleet of per-thread schedulers, plus
// the synchronization primitives (Mutex, Event, WaitGroup, Chan, Pool)
// and blocking-to-nonblocking network I/O shims that make the model
// usable for network servers and clients.
//
// # Model
//
// A coroutine is a goroutine whose execution is gated by its owning
// [Scheduler]: the scheduler is the only thing that ever resumes it, and
// it only ever suspends at a designated suspension point (channel
// send/recv, mutex lock, event wait, wait-group wait, pool pop, Yield,
// Sleep, or a hooked socket call that would otherwise block). Once a
// coroutine is assigned to a scheduler it never moves; there is no
// preemption and no work-stealing.
//
// # Usage
//
//	fleet, err := coro.NewFleet(coro.WithSchedulers(4))
//	if err != nil { ... }
//	defer fleet.Shutdown(context.Background())
//
//	fleet.Go(func() {
//	    var wg coro.WaitGroup
//	    wg.Add(1)
//	    fleet.Go(func() {
//	        defer wg.Done()
//	        coro.Sleep(10 * time.Millisecond)
//	    })
//	    wg.Wait()
//	})
package coro
