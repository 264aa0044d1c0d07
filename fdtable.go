package coro

import (
	"sync"
	"sync/atomic"
)

// fdChunkSize is the width of one fdTable chunk; chunks are allocated
// lazily as higher fd numbers are registered, so a process that only
// ever sees a handful of sockets doesn't pay for a dense 64K-entry
// array up front, while still giving O(1) indexed lookup per spec.md
// §4.4's fd state table.
const fdChunkSize = 1024

// fdEntry tracks, per direction, which Scheduler currently owns
// readiness notifications for an fd. Read and write are independent
// per spec.md §4.4 ("a socket may be read-driven by one coroutine and
// write-driven by another, possibly on different schedulers").
type fdEntry struct {
	readOwner  atomic.Pointer[Scheduler]
	writeOwner atomic.Pointer[Scheduler]
}

// fdTable is the Fleet-owned, process-wide fd ownership table — NOT
// per-Scheduler, per spec.md §4.4's literal wording, since a given fd
// may be registered with a different scheduler for reads than for
// writes, and the table must be consultable regardless of which
// scheduler is asking.
type fdTable struct {
	mu     sync.RWMutex
	chunks [][]fdEntry
}

func newFDTable() *fdTable { return &fdTable{} }

func (t *fdTable) entry(fd int) *fdEntry {
	if fd < 0 {
		return nil
	}
	chunkIdx := fd / fdChunkSize
	off := fd % fdChunkSize

	t.mu.RLock()
	if chunkIdx < len(t.chunks) {
		c := t.chunks[chunkIdx]
		t.mu.RUnlock()
		return &c[off]
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for chunkIdx >= len(t.chunks) {
		t.chunks = append(t.chunks, make([]fdEntry, fdChunkSize))
	}
	return &t.chunks[chunkIdx][off]
}

// acquire claims a direction on fd for sc via CAS from nil, returning
// ErrFDAlreadyRegistered if another scheduler already owns it.
// Re-acquiring the direction already owned by sc is a no-op success.
func (t *fdTable) acquire(fd int, write bool, sc *Scheduler) error {
	e := t.entry(fd)
	if e == nil {
		return ErrFDOutOfRange
	}
	slot := &e.readOwner
	if write {
		slot = &e.writeOwner
	}
	if slot.CompareAndSwap(nil, sc) {
		return nil
	}
	if slot.Load() == sc {
		return nil
	}
	return ErrFDAlreadyRegistered
}

// release clears sc's ownership of a direction on fd, if it holds it.
func (t *fdTable) release(fd int, write bool, sc *Scheduler) {
	e := t.entry(fd)
	if e == nil {
		return
	}
	slot := &e.readOwner
	if write {
		slot = &e.writeOwner
	}
	slot.CompareAndSwap(sc, nil)
}

// owner returns the scheduler currently registered for a direction on
// fd, or nil.
func (t *fdTable) owner(fd int, write bool) *Scheduler {
	e := t.entry(fd)
	if e == nil {
		return nil
	}
	if write {
		return e.writeOwner.Load()
	}
	return e.readOwner.Load()
}

// DebugFDOwnership, when true, makes hook-layer calls assert (via
// usageError) that the calling coroutine's scheduler matches the
// direction's registered owner, resolving spec.md's Open Question (i)
// ("is cross-scheduler fd access from a non-owning coroutine a bug, or
// silently tolerated?") as: never enforced in the default build, since
// Go offers no equivalent of the original's debug-only assert macro,
// but available as an opt-in check for development. Default false.
var DebugFDOwnership atomic.Bool

func (t *fdTable) assertOwner(fd int, write bool, sc *Scheduler) {
	if !DebugFDOwnership.Load() {
		return
	}
	if owner := t.owner(fd, write); owner != nil && owner != sc {
		usageError("fd accessed from a scheduler other than its registered owner")
	}
}
