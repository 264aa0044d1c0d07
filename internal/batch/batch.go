// Package batch groups work items into small batches on a timer or
// size threshold, so the DNS-resolution worker pool (see resolver.go)
// runs concurrent lookups on a bounded number of workers rather than
// spawning one OS thread per pending hostname; each lookup in a batch
// is still its own resolver call. Adapted from the
// retrieved pack's microbatch module.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Config models optional Batcher configuration.
type Config struct {
	// MaxSize caps the number of items per batch, if positive. Defaults
	// to 16 when zero.
	MaxSize int

	// FlushInterval bounds how long an incomplete batch waits before
	// being dispatched anyway, if positive. Defaults to 50ms when zero;
	// set < 0 together with a positive MaxSize to disable time-based
	// flushing entirely.
	FlushInterval time.Duration

	// MaxConcurrency caps concurrent Processor invocations, if
	// positive. Defaults to 1 when zero.
	MaxConcurrency int
}

// Processor runs a batch of items. Individual results are assigned to
// the items themselves (by reference); any returned error is
// propagated to every Result.Wait call for that batch.
type Processor[Item any] func(ctx context.Context, items []Item) error

// Batcher accepts items one at a time via Submit and dispatches them
// to a Processor in small groups. Construct with NewBatcher.
type Batcher[Item any] struct {
	processor      Processor[Item]
	maxSize        int
	flushInterval  time.Duration
	maxConcurrency int
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	stopped        chan struct{}
	stopOnce       sync.Once
	itemCh         chan Item
	batchCh        chan *batchState[Item]
	state          *batchState[Item]
}

type batchState[Item any] struct {
	err   error
	done  chan struct{}
	items []Item
}

// Result is a handle to a submitted item; call Wait before reading any
// output the Processor wrote back onto Item.
type Result[Item any] struct {
	Item  Item
	batch *batchState[Item]
}

// NewBatcher starts a Batcher. config may be nil. Panics if processor
// is nil, or if both MaxSize and FlushInterval end up disabled.
func NewBatcher[Item any](config *Config, processor Processor[Item]) *Batcher[Item] {
	if processor == nil {
		panic(`batch: nil processor`)
	}

	b := Batcher[Item]{
		processor:      processor,
		maxSize:        16,
		flushInterval:  50 * time.Millisecond,
		maxConcurrency: 1,
		state:          newBatchState[Item](),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		itemCh:         make(chan Item),
		batchCh:        make(chan *batchState[Item]),
	}

	if config != nil {
		if config.MaxSize != 0 {
			b.maxSize = config.MaxSize
		}
		if config.FlushInterval != 0 {
			b.flushInterval = config.FlushInterval
		}
		if config.MaxConcurrency != 0 {
			b.maxConcurrency = config.MaxConcurrency
		}
	}

	if b.flushInterval <= 0 && b.maxSize <= 0 {
		panic(`batch: one of MaxSize or FlushInterval must be specified`)
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	go b.run()
	return &b
}

// Shutdown stops accepting new items and waits for in-flight batches
// to complete, or forces a Close if ctx expires first.
func (b *Batcher[Item]) Shutdown(ctx context.Context) (err error) {
	b.stop()
	select {
	case <-ctx.Done():
		if b.ctx.Err() == nil {
			err = ctx.Err()
		}
		b.cancel()
		<-b.done
	case <-b.done:
	}
	return err
}

// Close cancels all pending and in-flight batches immediately.
func (b *Batcher[Item]) Close() error {
	b.cancel()
	<-b.done
	return nil
}

// Submit schedules item for processing, returning an error if ctx is
// canceled or the Batcher is stopped. Call Result.Wait to block for
// completion.
func (b *Batcher[Item]) Submit(ctx context.Context, item Item) (*Result[Item], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, b.ctx.Err()
	case <-b.stopped:
		return nil, context.Canceled
	case b.itemCh <- item:
		state := <-b.batchCh
		return &Result[Item]{Item: item, batch: state}, nil
	}
}

func (b *Batcher[Item]) stop() {
	b.stopOnce.Do(func() { close(b.stopped) })
}

func (b *Batcher[Item]) run() {
	defer close(b.done)
	defer b.cancel()

	var wg sync.WaitGroup
	wg.Add(1)

	var runningCh chan struct{}
	if b.maxConcurrency > 0 {
		runningCh = make(chan struct{}, b.maxConcurrency)
	}

	runBatch := func() {
		if len(b.state.items) == 0 {
			return
		}
		state := b.state
		b.state = newBatchState[Item]()

		wg.Add(1)
		if runningCh != nil {
			runningCh <- struct{}{}
		}
		go func() {
			defer func() {
				if runningCh != nil {
					<-runningCh
				}
				wg.Done()
			}()
			_ = state.run(b.ctx, b.processor)
		}()
	}

	var wait func()
	wait = func() {
		wait = nil
		runBatch()
		wg.Done()
		wg.Wait()
	}

	defer func() {
		b.cancel()
		if wait != nil {
			wait()
		}
	}()

	flushCh := make(chan *batchState[Item])

	for {
		select {
		case <-b.ctx.Done():
			return

		case <-b.stopped:
			wait()
			return

		case item := <-b.itemCh:
			b.batchCh <- b.state
			b.state.items = append(b.state.items, item)

			if b.maxSize > 0 && len(b.state.items) >= b.maxSize {
				runBatch()
			} else if b.flushInterval > 0 && len(b.state.items) == 1 {
				state := b.state
				timer := time.NewTimer(b.flushInterval)
				go func() {
					defer timer.Stop()
					select {
					case <-b.ctx.Done():
					case <-b.stopped:
					case <-state.done:
					case <-timer.C:
						select {
						case <-b.ctx.Done():
						case <-b.stopped:
						case <-state.done:
						case flushCh <- state:
						}
					}
				}()
			}

		case state := <-flushCh:
			if state == b.state {
				runBatch()
			}
		}
	}
}

func newBatchState[Item any]() *batchState[Item] {
	return &batchState[Item]{done: make(chan struct{})}
}

func (s *batchState[Item]) run(ctx context.Context, processor Processor[Item]) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.err = errors.New(`batch: panic in Processor`)
	defer close(s.done)

	s.err = processor(ctx, s.items)
	return s.err
}

// Wait blocks until Item's batch has been processed, returning any
// error the Processor reported for the whole batch.
func (r *Result[Item]) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.batch.done:
		return r.batch.err
	}
}
