package coro

import "sync"

// static is the process-wide arena backing MakeStatic: objects placed
// here are never individually freed, matching spec.md §4.7's
// `_make_static<T>` — "a documented trade for teardown simplicity".
// Go's garbage collector would reclaim these anyway once unreferenced,
// but MakeStatic exists for parity with code ported from the original
// API, and to give call sites an explicit, searchable marker for
// "this is meant to outlive every Fleet".
var static struct {
	mu    sync.Mutex
	items []any
}

// MakeStatic constructs a value of type T by calling init and retains a
// reference to it in the process-wide static arena for the remaining
// lifetime of the process, returning a pointer to it. Unlike a value
// returned from Pool, a MakeStatic object is never destroyed — there
// is deliberately no companion "destroy" call.
func MakeStatic[T any](init func() T) *T {
	v := init()
	p := &v
	static.mu.Lock()
	static.items = append(static.items, p)
	static.mu.Unlock()
	return p
}
