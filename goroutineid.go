package coro

import "runtime"

// getGoroutineID extracts the calling goroutine's numeric id by parsing
// the "goroutine NNN [...]" prefix runtime.Stack produces. This is the
// same trick eventloop/loop.go uses internally (getGoroutineID) to
// recognize its own loop goroutine for fast-path dispatch; here it's
// the mechanism behind the per-goroutine "current frame" lookup that
// stands in for the C++ original's thread-local current_scheduler
// pointer (see coroutine.go). The retrieved pack's sibling module
// `goroutineid` (github.com/joeycumines/goroutineid) covers exactly
// this concern but had no retrievable source in the pack (empty
// directory), so there was nothing to adapt from it; this is grounded
// directly on loop.go's own inline implementation instead.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
