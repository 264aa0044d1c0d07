package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const nextZeroValue = math.MinInt64

// Limiter enforces one or more sliding-window caps per category. Each
// Scheduler keeps one Limiter instance to decide whether its next
// "poll error" or "overload" diagnostic is allowed through, keyed by
// category string, so a single noisy fd or a sustained overload
// doesn't flood the configured Logger.
type Limiter struct {
	running    *int32
	rates      map[time.Duration]int
	categories sync.Map
	retention  time.Duration
	mu         sync.RWMutex
}

type categoryData struct {
	atomic *[2]int64
	events *ringBuffer[int64]
	mu     sync.Mutex
}

type cleanupCategory struct {
	Category any
	Data     *categoryData
}

var (
	timeNow       = time.Now
	timeNewTicker = time.NewTicker
)

var categoryDataPool = sync.Pool{New: func() any {
	return &categoryData{
		atomic: new([2]int64),
		events: newRingBuffer[int64](8),
	}
}}

// New creates a Limiter from a map of window durations to event caps
// within that window. Panics if the rates are non-positive or not
// monotonically decreasing across windows.
func New(rates map[time.Duration]int) *Limiter {
	retention, ok := parseRates(rates)
	if !ok {
		panic(fmt.Errorf("ratelimit: invalid rates: %v", rates))
	}
	return &Limiter{running: new(int32), rates: rates, retention: retention}
}

func (x *Limiter) ok() bool { return x != nil && len(x.rates) != 0 }

// Allow registers an event for category if doing so would not breach
// any configured window, returning true if registered. It always
// returns the next time at which an event would be accepted.
func (x *Limiter) Allow(category any) (time.Time, bool) {
	if !x.ok() {
		return time.Time{}, true
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	now := timeNow()
	nowUnixNano := now.UnixNano()

	if atomic.CompareAndSwapInt32(x.running, 0, 1) {
		go x.worker()
	}

	var (
		data   *categoryData
		loaded bool
	)
	{
		poolValue := categoryDataPool.Get().(*categoryData)
		*poolValue.atomic = [2]int64{nextZeroValue, nowUnixNano}
		poolValue.mu.Lock()

		var value any
		value, loaded = x.categories.LoadOrStore(category, poolValue)
		if loaded {
			poolValue.mu.Unlock()
			categoryDataPool.Put(poolValue)
			data = value.(*categoryData)
		} else {
			defer poolValue.mu.Unlock()
			data = poolValue
		}
	}

	if next := data.loadNext(); next != nextZeroValue && nowUnixNano < next {
		return time.Unix(0, next), false
	}

	if loaded {
		data.mu.Lock()
		defer data.mu.Unlock()

		if data.atomic[0] != nextZeroValue && nowUnixNano < data.atomic[0] {
			return time.Unix(0, data.atomic[0]), false
		}
		if data.atomic[1] < nowUnixNano {
			data.storeRecent(nowUnixNano)
		}
	}

	data.events.Insert(data.events.Search(nowUnixNano), nowUnixNano)

	remaining := filterEvents(now, x.rates, data.events)
	if remaining <= 0 {
		data.storeNext(nextZeroValue)
		return time.Time{}, true
	}

	next := now.Add(remaining)
	data.storeNext(next.UnixNano())
	return next, true
}

func (x *Limiter) worker() {
	var toDelete []cleanupCategory

	ticker := timeNewTicker(time.Duration(math.Max(
		float64(x.retention)*0.5,
		float64(time.Second),
	)))
	defer ticker.Stop()

	for {
		<-ticker.C

		chanceOfStop := true
		x.categories.Range(func(key, value any) bool {
			if data := value.(*categoryData); data.loadRecent() < x.cleanupThreshold() {
				toDelete = append(toDelete, cleanupCategory{key, data})
			} else {
				chanceOfStop = false
			}
			return true
		})

		if len(toDelete) != 0 {
			mustStop := x.cleanup(toDelete, chanceOfStop)
			if mustStop {
				return
			}
			toDelete = toDelete[:0]
		}
	}
}

func (x *Limiter) cleanupThreshold() int64 {
	return timeNow().Add(-x.retention).UnixNano()
}

func (x *Limiter) cleanup(toDelete []cleanupCategory, chanceOfStop bool) (mustStop bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	threshold := x.cleanupThreshold()

	for i, v := range toDelete {
		if v.Data.atomic[1] < threshold {
			x.categories.Delete(v.Category)
			const maxEventsCap = 1 << 10
			if v.Data.events.Cap() <= maxEventsCap {
				v.Data.events.RemoveBefore(v.Data.events.Len())
				categoryDataPool.Put(v.Data)
			}
		} else {
			chanceOfStop = false
		}
		toDelete[i] = cleanupCategory{}
	}

	if chanceOfStop {
		x.categories.Range(func(_, _ any) bool {
			chanceOfStop = false
			return false
		})
		if chanceOfStop {
			*x.running = 0
			return true
		}
	}

	return false
}

func (x *categoryData) loadNext() int64       { return atomic.LoadInt64(&x.atomic[0]) }
func (x *categoryData) storeNext(v int64)     { atomic.StoreInt64(&x.atomic[0], v) }
func (x *categoryData) loadRecent() int64     { return atomic.LoadInt64(&x.atomic[1]) }
func (x *categoryData) storeRecent(v int64)   { atomic.StoreInt64(&x.atomic[1], v) }
