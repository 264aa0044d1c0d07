//go:build linux

package coro

import (
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Conn is the POSIX hooked TCP connection: a raw non-blocking socket
// fd plus the Fleet whose fd table and scheduler multiplexers arbitrate
// its readiness.
type Conn struct {
	fd     int
	fleet  *Fleet
	laddr  net.Addr
	raddr  net.Addr
	closed bool
}

// Listener is the POSIX hooked TCP listener.
type Listener struct {
	fd    int
	fleet *Fleet
	addr  net.Addr
}

// LocalAddr returns the connection's local endpoint.
func (c *Conn) LocalAddr() net.Addr { return c.laddr }

// RemoteAddr returns the connection's peer endpoint.
func (c *Conn) RemoteAddr() net.Addr { return c.raddr }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.addr }

// waitFD registers fd for events on the calling coroutine's scheduler,
// parks until readiness/timeout/close, then unregisters, claiming the
// fd direction in fl.fds for the duration — the concrete mechanics
// behind every hooked Conn/Listener operation. Must be called from a
// coroutine; f is the caller's own frame.
func (fl *Fleet) waitFD(f *frame, fd int, events IOEvents, write bool, deadline time.Time) error {
	sc := f.sched
	fl.fds.assertOwner(fd, write, sc)
	if err := fl.fds.acquire(fd, write, sc); err != nil {
		return err
	}
	defer fl.fds.release(fd, write, sc)

	f.wait.reset(f)
	if err := sc.mux.registerFD(fd, events, &f.wait); err != nil {
		return err
	}
	defer func() { _ = sc.mux.unregisterFD(fd) }()

	if !deadline.IsZero() {
		sc.armTimer(f, deadline)
	}
	f.park(StateWaitIO)

	switch f.wait.loadState() {
	case waitCancelled:
		return ErrTimeout
	case waitClosed:
		return ErrConnClosed
	default:
		return nil
	}
}

func sockDomain(network string, ip net.IP) (int, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "":
	default:
		return 0, &net.OpError{Op: "dial", Err: net.UnknownNetworkError(network)}
	}
	if ip4 := ip.To4(); ip4 != nil && network != "tcp6" {
		return unix.AF_INET, nil
	}
	return unix.AF_INET6, nil
}

func toSockaddr(ip net.IP, port int) unix.Sockaddr {
	if ip4 := ip.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = port
		copy(sa.Addr[:], ip4)
		return &sa
	}
	var sa unix.SockaddrInet6
	sa.Port = port
	copy(sa.Addr[:], ip.To16())
	return &sa
}

func fromSockaddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), a.Addr[:]...), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), a.Addr[:]...), Port: a.Port}
	default:
		return nil
	}
}

// dialIP performs a non-blocking connect to ip:port, suspending the
// calling coroutine (via waitFD) until the socket is writable (the
// POSIX readiness signal for "connect finished, check SO_ERROR") or a
// timeout/cancellation wins first. Must be called from a coroutine.
func dialIP(fl *Fleet, network string, ip net.IP, port int, timeout time.Duration) (*Conn, error) {
	f := currentFrame()
	if f == nil {
		return nil, ErrHookRequiresCoroutine
	}

	domain, err := sockDomain(network, ip)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	err = unix.Connect(fd, toSockaddr(ip, port))
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, err
	}
	if err == unix.EINPROGRESS {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := fl.waitFD(f, fd, IOEventWrite, true, deadline); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
		if errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr != nil {
			_ = unix.Close(fd)
			return nil, gerr
		} else if errno != 0 {
			_ = unix.Close(fd)
			return nil, unix.Errno(errno)
		}
	}

	lsa, _ := unix.Getsockname(fd)
	var laddr net.Addr
	if lsa != nil {
		laddr = fromSockaddr(lsa)
	}
	return &Conn{fd: fd, fleet: fl, laddr: laddr, raddr: &net.TCPAddr{IP: ip, Port: port}}, nil
}

// listenOn binds and listens a non-blocking TCP socket on address.
// Does not itself require a coroutine — binding is a one-shot,
// non-blocking syscall — but Accept does.
func listenOn(fl *Fleet, network, address string) (*Listener, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		if host == "" {
			ip = net.IPv6zero
		} else {
			ips, err := resolveHost(host)
			if err != nil {
				return nil, err
			}
			if len(ips) == 0 {
				return nil, &net.DNSError{Err: "no such host", Name: host}
			}
			ip = ips[0]
		}
	}
	var port int
	if portStr != "" {
		if p, err := net.LookupPort("tcp", portStr); err == nil {
			port = p
		}
	}

	domain, err := sockDomain(network, ip)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, toSockaddr(ip, port)); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	lsa, _ := unix.Getsockname(fd)
	var laddr net.Addr
	if lsa != nil {
		laddr = fromSockaddr(lsa)
	}
	return &Listener{fd: fd, fleet: fl, addr: laddr}, nil
}

// Accept blocks the calling coroutine (without blocking its scheduler)
// until an inbound connection arrives. Must be called from a
// coroutine.
func (l *Listener) Accept() (*Conn, error) {
	f := currentFrame()
	if f == nil {
		return nil, ErrHookRequiresCoroutine
	}
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			var raddr net.Addr
			if sa != nil {
				raddr = fromSockaddr(sa)
			}
			return &Conn{fd: nfd, fleet: l.fleet, laddr: l.addr, raddr: raddr}, nil
		}
		if err != unix.EAGAIN {
			return nil, err
		}
		if err := l.fleet.waitFD(f, l.fd, IOEventRead, false, time.Time{}); err != nil {
			return nil, err
		}
	}
}

// Close releases the listener's socket, force-waking any coroutine
// parked in Accept on it — same rationale as Conn.Close.
func (l *Listener) Close() error {
	l.fleet.wakeFDWaiters(l.fd)
	return unix.Close(l.fd)
}

// Read reads into b, suspending the calling coroutine while the socket
// has no data available. Must be called from a coroutine.
func (c *Conn) Read(b []byte) (int, error) {
	f := currentFrame()
	if f == nil {
		return 0, ErrHookRequiresCoroutine
	}
	if c.closed {
		return 0, ErrConnClosed
	}
	if max := c.fleet.opts.maxRecvSize; max > 0 && len(b) > max {
		b = b[:max]
	}
	for {
		n, err := unix.Read(c.fd, b)
		if err == nil {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		if err != unix.EAGAIN {
			return 0, err
		}
		if err := c.fleet.waitFD(f, c.fd, IOEventRead, false, time.Time{}); err != nil {
			return 0, err
		}
	}
}

// Write writes b in full, suspending the calling coroutine whenever
// the socket's send buffer is full. Must be called from a coroutine.
func (c *Conn) Write(b []byte) (int, error) {
	f := currentFrame()
	if f == nil {
		return 0, ErrHookRequiresCoroutine
	}
	if c.closed {
		return 0, ErrConnClosed
	}
	total := 0
	for total < len(b) {
		chunk := b[total:]
		if max := c.fleet.opts.maxSendSize; max > 0 && len(chunk) > max {
			chunk = chunk[:max]
		}
		n, err := unix.Write(c.fd, chunk)
		if err == nil {
			total += n
			continue
		}
		if err != unix.EAGAIN {
			return total, err
		}
		if err := c.fleet.waitFD(f, c.fd, IOEventWrite, true, time.Time{}); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close closes the connection's socket. Safe to call regardless of
// whether a coroutine is currently parked on it: closing an
// epoll-registered fd delivers no readiness edge by itself, so Close
// explicitly force-wakes any waitFD parked on this fd (on whichever
// scheduler owns its read or write direction) with ErrConnClosed before
// releasing the descriptor.
func (c *Conn) Close() error {
	c.closed = true
	c.fleet.wakeFDWaiters(c.fd)
	return unix.Close(c.fd)
}
