//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package coro

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueMultiplexer is the BSD-family ioMultiplexer, grounded on the
// same registration/readiness shape as poller_linux.go's
// epollMultiplexer but built on kqueue, matching spec.md §4.4's
// "kqueue on Darwin/BSD" platform requirement. Read and write
// readiness are independent kqueue filters, so registerFD may submit
// up to two kevent changes per call.
type kqueueMultiplexer struct {
	kq       int
	wakeIdent uintptr
	eventBuf [256]unix.Kevent_t
	waits    map[int]*waitNode
	mu       sync.RWMutex
}

func newPlatformMultiplexer() (ioMultiplexer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	p := &kqueueMultiplexer{kq: kq, waits: make(map[int]*waitNode), wakeIdent: 0}
	changes := []unix.Kevent_t{{
		Ident:  p.wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	return p, nil
}

func (p *kqueueMultiplexer) registerFD(fd int, events IOEvents, wait *waitNode) error {
	p.mu.Lock()
	if _, ok := p.waits[fd]; ok {
		p.mu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.waits[fd] = wait
	p.mu.Unlock()
	return p.submitFilters(fd, events, unix.EV_ADD|unix.EV_CLEAR)
}

func (p *kqueueMultiplexer) modifyFD(fd int, events IOEvents) error {
	p.mu.RLock()
	_, ok := p.waits[fd]
	p.mu.RUnlock()
	if !ok {
		return ErrFDNotRegistered
	}
	// kqueue has no in-place modify: delete then re-add both filters.
	_ = p.submitFilters(fd, IOEventRead|IOEventWrite, unix.EV_DELETE)
	return p.submitFilters(fd, events, unix.EV_ADD|unix.EV_CLEAR)
}

func (p *kqueueMultiplexer) unregisterFD(fd int) error {
	p.mu.Lock()
	if _, ok := p.waits[fd]; !ok {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	delete(p.waits, fd)
	p.mu.Unlock()
	return p.submitFilters(fd, IOEventRead|IOEventWrite, unix.EV_DELETE)
}

func (p *kqueueMultiplexer) submitFilters(fd int, events IOEvents, flags uint16) error {
	var changes []unix.Kevent_t
	if events&IOEventRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uintptr(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&IOEventWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uintptr(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueueMultiplexer) waiterFor(fd int) *waitNode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.waits[fd]
}

func (p *kqueueMultiplexer) wait(timeout time.Duration, dst []*waitNode) ([]*waitNode, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := 0; i < n; i++ {
		ev := p.eventBuf[i]
		if ev.Filter == unix.EVFILT_USER {
			continue // wake: no-op payload, just unblocks Kevent
		}
		if w, ok := p.waits[int(ev.Ident)]; ok && w != nil {
			dst = append(dst, w)
		}
	}
	return dst, nil
}

func (p *kqueueMultiplexer) wake() {
	changes := []unix.Kevent_t{{
		Ident:  p.wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}
	_, _ = unix.Kevent(p.kq, changes, nil, nil)
}

func (p *kqueueMultiplexer) close() error {
	return unix.Close(p.kq)
}
