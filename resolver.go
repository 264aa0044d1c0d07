package coro

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/flowcoro/flowcoro/internal/batch"
)

// resolveJob is one hostname lookup coalesced into a resolver batch.
type resolveJob struct {
	host string
	ips  []net.IP
	err  error
}

var (
	resolverOnce  sync.Once
	resolverBatch *batch.Batcher[*resolveJob]
)

// resolverBatcher lazily starts the process-wide DNS resolution
// batcher backing resolveHost: coalescing concurrent lookups into
// small groups processed together caps the number of concurrent
// getaddrinfo calls a busy fleet issues, the same motivation
// internal/batch's doc comment states. A job's own Processor
// invocation fans each hostname in the batch out to its own
// net.DefaultResolver.LookupIP call concurrently — batching groups
// the work, it does not serialize it.
func resolverBatcher() *batch.Batcher[*resolveJob] {
	resolverOnce.Do(func() {
		resolverBatch = batch.NewBatcher(&batch.Config{
			MaxSize:        32,
			FlushInterval:  2 * time.Millisecond,
			MaxConcurrency: 4,
		}, processResolveBatch)
	})
	return resolverBatch
}

func processResolveBatch(ctx context.Context, jobs []*resolveJob) error {
	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for _, j := range jobs {
		go func(j *resolveJob) {
			defer wg.Done()
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", j.host)
			j.ips, j.err = ips, err
		}(j)
	}
	wg.Wait()
	return nil
}

// resolveHost resolves host to a set of IPs without blocking an OS
// thread on behalf of the calling coroutine: if called from a
// coroutine, it suspends the coroutine (via offloadResolve) until the
// batcher's Processor completes; otherwise it blocks the calling
// goroutine directly, same as a plain net.LookupIP call.
func resolveHost(host string) ([]net.IP, error) {
	b := resolverBatcher()

	f := currentFrame()
	if f == nil {
		res, err := b.Submit(context.Background(), &resolveJob{host: host})
		if err != nil {
			return nil, err
		}
		if err := res.Wait(context.Background()); err != nil {
			return nil, err
		}
		return res.Item.ips, res.Item.err
	}

	job := &resolveJob{host: host}
	var res *batch.Result[*resolveJob]
	var submitErr error
	offloadResolve(f, func() {
		res, submitErr = b.Submit(context.Background(), job)
		if submitErr == nil {
			submitErr = res.Wait(context.Background())
		}
	})
	if submitErr != nil {
		return nil, submitErr
	}
	if job.err != nil {
		return nil, job.err
	}
	if len(job.ips) == 0 {
		return nil, errors.New("coro: resolver returned no addresses")
	}
	return job.ips, nil
}

// offloadResolve suspends f until work completes on a detached
// goroutine, waking it through the scheduler's ordinary wakeFrame path
// — the same pattern net_fallback.go's offload uses for blocking stdlib
// net calls, reused here since Batcher.Result.Wait is itself a
// blocking channel receive that must not run on a coroutine's own
// swap-controlled call stack.
func offloadResolve(f *frame, work func()) {
	f.wait.reset(f)
	go func() {
		work()
		f.sched.wakeFrame(f)
	}()
	f.park(StateWaitIO)
}
