package coro

import (
	"math"
	"sync"
	"time"
)

// quantileEstimator implements the P² algorithm for O(1) streaming
// quantile estimation without retaining samples, grounded directly on
// eventloop/psquare.go's pSquareQuantile (Jain & Chlamtac, 1985).
//
// Not safe for concurrent use; callers serialize access (see
// latencyDigest below).
type quantileEstimator struct {
	p          float64
	q          [5]float64
	n          [5]int
	np         [5]float64
	dn         [5]float64
	count      int
	initBuffer [5]float64
}

func newQuantileEstimator(p float64) *quantileEstimator {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &quantileEstimator{p: p, dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1}}
}

func (e *quantileEstimator) Update(x float64) {
	e.count++
	if e.count <= 5 {
		e.initBuffer[e.count-1] = x
		if e.count == 5 {
			e.initialize()
		}
		return
	}

	var k int
	switch {
	case x < e.q[0]:
		e.q[0] = x
		k = 0
	case x >= e.q[4]:
		e.q[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if e.q[k] <= x && x < e.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.n[i]++
	}
	for i := 0; i < 5; i++ {
		e.np[i] += e.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := e.np[i] - float64(e.n[i])
		if (d >= 1 && e.n[i+1]-e.n[i] > 1) || (d <= -1 && e.n[i-1]-e.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := e.parabolic(i, sign)
			if e.q[i-1] < qPrime && qPrime < e.q[i+1] {
				e.q[i] = qPrime
			} else {
				e.q[i] = e.linear(i, sign)
			}
			e.n[i] += sign
		}
	}
}

func (e *quantileEstimator) initialize() {
	for i := 1; i < 5; i++ {
		key := e.initBuffer[i]
		j := i - 1
		for j >= 0 && e.initBuffer[j] > key {
			e.initBuffer[j+1] = e.initBuffer[j]
			j--
		}
		e.initBuffer[j+1] = key
	}
	for i := 0; i < 5; i++ {
		e.q[i] = e.initBuffer[i]
		e.n[i] = i
	}
	e.np = [5]float64{0, 2 * e.p, 4 * e.p, 2 + 2*e.p, 4}
}

func (e *quantileEstimator) parabolic(i, d int) float64 {
	df := float64(d)
	ni, niPrev, niNext := float64(e.n[i]), float64(e.n[i-1]), float64(e.n[i+1])
	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (e.q[i+1] - e.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (e.q[i] - e.q[i-1]) / (ni - niPrev)
	return e.q[i] + term1*(term2+term3)
}

func (e *quantileEstimator) linear(i, d int) float64 {
	if d == 1 {
		return e.q[i] + (e.q[i+1]-e.q[i])/float64(e.n[i+1]-e.n[i])
	}
	return e.q[i] - (e.q[i]-e.q[i-1])/float64(e.n[i]-e.n[i-1])
}

func (e *quantileEstimator) Quantile() float64 {
	if e.count == 0 {
		return 0
	}
	if e.count < 5 {
		sorted := append([]float64(nil), e.initBuffer[:e.count]...)
		for i := 1; i < len(sorted); i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		idx := int(float64(e.count-1) * e.p)
		if idx >= e.count {
			idx = e.count - 1
		}
		return sorted[idx]
	}
	return e.q[2]
}

// latencyDigest tracks P50/P90/P99 plus mean/max for a stream of
// time.Duration samples, the per-scheduler observability unit this
// package records scheduling latency and coroutine run duration with.
// Guarded by its own mutex since samples are recorded on the loop
// goroutine (in swapIn) while Metrics may read them from any goroutine.
type latencyDigest struct {
	mu    sync.Mutex
	p50   *quantileEstimator
	p90   *quantileEstimator
	p99   *quantileEstimator
	count int64
	sum   time.Duration
	max   time.Duration
}

func newLatencyDigest() *latencyDigest {
	return &latencyDigest{
		p50: newQuantileEstimator(0.50),
		p90: newQuantileEstimator(0.90),
		p99: newQuantileEstimator(0.99),
	}
}

func (d *latencyDigest) record(sample time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	x := float64(sample)
	d.p50.Update(x)
	d.p90.Update(x)
	d.p99.Update(x)
	d.count++
	d.sum += sample
	if sample > d.max {
		d.max = sample
	}
}

// LatencySnapshot is a point-in-time read of a latencyDigest.
type LatencySnapshot struct {
	Count int64
	Mean  time.Duration
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
}

func (d *latencyDigest) snapshot() LatencySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	var mean time.Duration
	if d.count > 0 {
		mean = d.sum / time.Duration(d.count)
	}
	return LatencySnapshot{
		Count: d.count,
		Mean:  mean,
		P50:   time.Duration(math.Round(d.p50.Quantile())),
		P90:   time.Duration(math.Round(d.p90.Quantile())),
		P99:   time.Duration(math.Round(d.p99.Quantile())),
		Max:   d.max,
	}
}

// SchedulerMetrics aggregates a Scheduler's latency digests: how long a
// runnable frame waits between being enqueued and actually swapped in
// (ScheduleLatency — the scheduling-fairness signal spec.md §8's
// concrete scenarios care about), and how long each swap-in runs before
// the frame yields or dies (RunDuration, a coroutine-hygiene signal:
// a coroutine that never yields starves every other coroutine on its
// scheduler).
type SchedulerMetrics struct {
	ScheduleLatency *latencyDigest
	RunDuration     *latencyDigest
}

func newSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{
		ScheduleLatency: newLatencyDigest(),
		RunDuration:     newLatencyDigest(),
	}
}

// MetricsSnapshot is the public, copyable view of SchedulerMetrics.
type MetricsSnapshot struct {
	ScheduleLatency LatencySnapshot
	RunDuration     LatencySnapshot
}

func (m *SchedulerMetrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ScheduleLatency: m.ScheduleLatency.snapshot(),
		RunDuration:     m.RunDuration.snapshot(),
	}
}

// Metrics returns a snapshot of this scheduler's latency digests.
func (s *Scheduler) Metrics() MetricsSnapshot {
	return s.metrics.snapshot()
}
