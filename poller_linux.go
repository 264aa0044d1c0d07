//go:build linux

package coro

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// maxFDs bounds direct-indexed fd storage, matching
// eventloop/poller_linux.go's maxFDs rationale (array indexing beats a
// map under this workload's registration churn).
const maxFDs = 65536

type fdSlot struct {
	wait   *waitNode
	events IOEvents
	active bool
}

// epollMultiplexer is the Linux ioMultiplexer, grounded directly on
// eventloop/poller_linux.go's FastPoller: direct-indexed fd array under
// an RWMutex, preallocated event buffer, epoll_wait with EINTR retry.
// Unlike FastPoller (inline callback dispatch), registerFD here
// associates a waitNode rather than a callback, since readiness must
// flow back into the scheduler's own wake/ready-queue machinery rather
// than run arbitrary code on the poller's call stack.
type epollMultiplexer struct {
	epfd     int
	wakeFD   int
	eventBuf [256]unix.EpollEvent
	fds      [maxFDs]fdSlot
	fdMu     sync.RWMutex
	closed   bool
}

func newPlatformMultiplexer() (ioMultiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	p := &epollMultiplexer{epfd: epfd, wakeFD: wakeFD}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, err
	}
	return p, nil
}

func (p *epollMultiplexer) registerFD(fd int, events IOEvents, wait *waitNode) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdSlot{wait: wait, events: events, active: true}
	p.fdMu.Unlock()

	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
	if err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdSlot{}
		p.fdMu.Unlock()
	}
	return err
}

func (p *epollMultiplexer) modifyFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events
	p.fdMu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
}

func (p *epollMultiplexer) unregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdSlot{}
	p.fdMu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollMultiplexer) waiterFor(fd int) *waitNode {
	if fd < 0 || fd >= maxFDs {
		return nil
	}
	p.fdMu.RLock()
	defer p.fdMu.RUnlock()
	slot := p.fds[fd]
	if !slot.active {
		return nil
	}
	return slot.wait
}

func (p *epollMultiplexer) wait(timeout time.Duration, dst []*waitNode) ([]*waitNode, error) {
	timeoutMs := -1
	if timeout >= 0 {
		timeoutMs = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakeFD {
			p.drainWake()
			continue
		}
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.fdMu.RLock()
		slot := p.fds[fd]
		p.fdMu.RUnlock()
		if slot.active && slot.wait != nil {
			dst = append(dst, slot.wait)
		}
	}
	return dst, nil
}

func (p *epollMultiplexer) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFD, buf[:])
		if err != nil {
			break
		}
	}
}

func (p *epollMultiplexer) wake() {
	buf := [8]byte{1}
	_, _ = unix.Write(p.wakeFD, buf[:])
}

func (p *epollMultiplexer) close() error {
	p.closed = true
	_ = unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&IOEventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&IOEventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}
