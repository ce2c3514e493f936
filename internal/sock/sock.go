//go:build unix

// Package sock provides the raw non-blocking sockets watched by the event
// multiplexer. They bypass the net package so the descriptors are owned by a
// single poller and never by the Go runtime netpoller.
package sock

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when a non-blocking call has nothing to do.
var ErrWouldBlock = errors.New("operation would block")

// fdSock is the descriptor shared by every socket kind.
type fdSock struct {
	fd     int
	local  netip.AddrPort
	closed bool
}

// Fd returns the raw descriptor for poller registration.
func (s *fdSock) Fd() int { return s.fd }

// LocalAddr is the bound address.
func (s *fdSock) LocalAddr() netip.AddrPort { return s.local }

// Close releases the descriptor. Closing twice is a no-op.
func (s *fdSock) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func newSocket(addr netip.Addr, typ int) (int, error) {
	domain := unix.AF_INET
	if addr.Is6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, typ, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	if addr.Is6() && addr.IsUnspecified() {
		// "::" also accepts IPv4 peers.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	return fd, nil
}

func bindFd(fd int, ap netip.AddrPort) (netip.AddrPort, error) {
	if err := unix.Bind(fd, toSockaddr(ap)); err != nil {
		return netip.AddrPort{}, fmt.Errorf("bind %s: %w", ap, err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return fromSockaddr(sa), nil
}

func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	return sa
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	}
	return netip.AddrPort{}
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// NoFileLimit returns the soft RLIMIT_NOFILE of the process. The Go runtime
// already raises it to the hard limit at startup.
func NoFileLimit() (uint64, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}
	return uint64(lim.Cur), nil
}
