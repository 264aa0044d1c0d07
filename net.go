package coro

import (
	"net"
	"strconv"
	"time"
)

// Conn is a hooked, coroutine-transparent TCP connection: Read, Write
// and Close never block an OS thread. A coroutine calling Read/Write on
// a Conn that isn't ready suspends via frame.park exactly like a Chan
// or Mutex wait, and the owning scheduler's goroutine is free to run
// other coroutines in the meantime — this is the hook layer made
// concrete: user code calls ordinary blocking-looking methods, and
// only the scheduler knows no OS thread was ever blocked.
//
// Read, Write and Accept require a coroutine context (there is no
// scheduler to suspend on otherwise) and return ErrHookRequiresCoroutine
// if called from a plain goroutine. The concrete field layout is
// platform-specific (see net_linux.go, net_fallback.go); this file only
// declares the shared dialing/listening entry points.
//
// Listener accepts inbound TCP connections without blocking an OS
// thread per coroutine, mirroring Conn's hook-layer transparency.
//
// Dial connects to address over network ("tcp", "tcp4" or "tcp6"),
// suspending the calling coroutine (if any) while the connection is
// pending and while the hostname, if not already an IP literal, is
// resolved — see resolver.go. Outside a coroutine it returns
// ErrHookRequiresCoroutine.
func Dial(network, address string, timeout time.Duration) (*Conn, error) {
	return defaultFleet().Dial(network, address, timeout)
}

// Listen binds a listening socket on address, matching spec.md §4.4's
// hooked accept loop.
func Listen(network, address string) (*Listener, error) {
	return defaultFleet().Listen(network, address)
}

// Dial is the Fleet-scoped form of the package-level Dial, using this
// Fleet's fd ownership table and, if called from a coroutine, that
// coroutine's scheduler for readiness registration.
func (fl *Fleet) Dial(network, address string, timeout time.Duration) (*Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, &net.AddrError{Err: "invalid port", Addr: address}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := resolveHost(host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, &net.DNSError{Err: "no such host", Name: host}
		}
		ip = ips[0]
	}

	return dialIP(fl, network, ip, port, timeout)
}

// Listen is the Fleet-scoped form of the package-level Listen.
func (fl *Fleet) Listen(network, address string) (*Listener, error) {
	return listenOn(fl, network, address)
}
