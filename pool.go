package coro

import "sync"

// schedulerKeyedMap is a typed wrapper over sync.Map keyed by scheduler
// id, used by Pool to give every scheduler its own bucket without a
// generics-aware concurrent map in the standard library.
type schedulerKeyedMap[V any] struct {
	m sync.Map
}

func (s *schedulerKeyedMap[V]) load(id uint64) (V, bool) {
	v, ok := s.m.Load(id)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (s *schedulerKeyedMap[V]) loadOrStore(id uint64, v V) (V, bool) {
	actual, loaded := s.m.LoadOrStore(id, v)
	return actual.(V), loaded
}

func (s *schedulerKeyedMap[V]) loadAndDelete(id uint64) (V, bool) {
	v, ok := s.m.LoadAndDelete(id)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// poolTeardown lets a Scheduler drive destroy callbacks for every Pool
// that ever allocated a sub-pool on it, without the scheduler needing
// to know the element type T.
type poolTeardown interface {
	teardownScheduler(schedID uint64)
}

type poolBucket[T any] struct {
	items []T
}

// Pool is a per-scheduler free list of values of type T, matching
// original_source's co::Pool: Pop/Push MUST be called from a
// coroutine, and because each scheduler owns its own independent
// bucket (keyed by scheduler id, never migrated), neither needs any
// locking — the cooperative scheduling model already guarantees at
// most one coroutine runs per scheduler at a time.
type Pool[T any] struct {
	create func() T
	destroy func(T)
	cap     int // max per-scheduler bucket size; negative = unbounded

	buckets schedulerKeyedMap[*poolBucket[T]]
}

// NewPool constructs a Pool. create is called by Pop when a
// scheduler's bucket is empty (may be nil, in which case Pop returns
// the zero value instead). destroy is called by Push when a bucket is
// at capacity, and on scheduler teardown for every value still held
// (may be nil). cap bounds each scheduler's bucket size; pass a
// negative value for unlimited.
func NewPool[T any](create func() T, destroy func(T), cap int) *Pool[T] {
	return &Pool[T]{create: create, destroy: destroy, cap: cap}
}

// Pop removes and returns the most recently pushed value from the
// calling coroutine's scheduler's bucket, or calls create if the
// bucket is empty. MUST be called from a coroutine.
func (p *Pool[T]) Pop() T {
	sc := currentScheduler()
	if sc == nil {
		usageError("Pool.Pop called outside a coroutine")
	}
	b := p.bucketFor(sc)
	if n := len(b.items); n > 0 {
		v := b.items[n-1]
		var zero T
		b.items[n-1] = zero
		b.items = b.items[:n-1]
		return v
	}
	if p.create != nil {
		return p.create()
	}
	var zero T
	return zero
}

// Push returns v to the calling coroutine's scheduler's bucket, or
// calls destroy immediately if the bucket is already at capacity. MUST
// be called from a coroutine.
func (p *Pool[T]) Push(v T) {
	sc := currentScheduler()
	if sc == nil {
		usageError("Pool.Push called outside a coroutine")
	}
	b := p.bucketFor(sc)
	if p.cap >= 0 && len(b.items) >= p.cap {
		if p.destroy != nil {
			p.destroy(v)
		}
		return
	}
	b.items = append(b.items, v)
}

// Size returns the calling coroutine's scheduler's bucket length.
func (p *Pool[T]) Size() int {
	sc := currentScheduler()
	if sc == nil {
		return 0
	}
	b := p.bucketFor(sc)
	return len(b.items)
}

func (p *Pool[T]) bucketFor(sc *Scheduler) *poolBucket[T] {
	if b, ok := p.buckets.load(sc.id); ok {
		return b
	}
	b := &poolBucket[T]{}
	if actual, loaded := p.buckets.loadOrStore(sc.id, b); loaded {
		return actual
	}
	sc.registerPool(p)
	return b
}

func (p *Pool[T]) teardownScheduler(schedID uint64) {
	b, ok := p.buckets.loadAndDelete(schedID)
	if !ok {
		return
	}
	if p.destroy != nil {
		for _, item := range b.items {
			p.destroy(item)
		}
	}
}

// PoolGuard pops a value from pool on construction and pushes it back
// on Release, mirroring original_source's PoolGuard<T> RAII helper —
// used as:
//
//	g := coro.NewPoolGuard(pool)
//	defer g.Release()
//	g.Get().Hello()
type PoolGuard[T any] struct {
	pool *Pool[T]
	v    T
}

// NewPoolGuard pops a value from pool.
func NewPoolGuard[T any](pool *Pool[T]) *PoolGuard[T] {
	return &PoolGuard[T]{pool: pool, v: pool.Pop()}
}

// Get returns the guarded value.
func (g *PoolGuard[T]) Get() T { return g.v }

// Release returns the guarded value to its pool. Safe to call at most
// once.
func (g *PoolGuard[T]) Release() {
	if g.pool != nil {
		g.pool.Push(g.v)
		g.pool = nil
	}
}
