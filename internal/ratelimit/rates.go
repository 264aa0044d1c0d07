package ratelimit

import (
	"time"

	"golang.org/x/exp/slices"
)

// parseRates validates a rate map and returns the retention duration
// (the longest window for which a rate is defined). Shorter windows
// must permit fewer events than longer ones, but at a strictly higher
// rate per unit of time, or the configuration is rejected as
// non-monotonic.
func parseRates(rates map[time.Duration]int) (time.Duration, bool) {
	if len(rates) == 0 {
		return 0, false
	}

	durations := make([]time.Duration, 0, len(rates))
	for duration := range rates {
		durations = append(durations, duration)
	}
	slices.Sort(durations)

	for i, duration := range durations {
		rate := rates[duration]
		if rate <= 0 || duration <= 0 {
			return 0, false
		}
		if (i < len(durations)-1 && rate >= rates[durations[i+1]]) ||
			(i > 0 && float64(rate)/float64(duration) >= float64(rates[durations[i-1]])/float64(durations[i-1])) {
			return 0, false
		}
	}

	return durations[len(durations)-1], true
}

// filterEvents discards events older than every configured window and
// returns how long the caller must wait before another event is
// permitted without breaching any window.
func filterEvents(now time.Time, rates map[time.Duration]int, events *ringBuffer[int64]) (remaining time.Duration) {
	indexFirstRelevant := events.Len()

	for rate, limit := range rates {
		if limit <= 0 || rate <= 0 {
			continue
		}
		boundary := now.Add(-rate)
		index := events.Search(boundary.UnixNano() + 1)
		if index < indexFirstRelevant {
			indexFirstRelevant = index
		}
		if limit <= events.Len()-index {
			offset := time.Unix(0, events.Get(events.Len()-limit)).Sub(boundary)
			if offset > remaining {
				remaining = offset
			}
		}
	}

	events.RemoveBefore(indexFirstRelevant)
	return remaining
}
