//go:build unix

package sock

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// UDPSocket is a bound non-blocking datagram socket.
type UDPSocket struct {
	fdSock
}

// ListenUDP binds a non-blocking datagram socket to ap.
func ListenUDP(ap netip.AddrPort) (*UDPSocket, error) {
	fd, err := newSocket(ap.Addr(), unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	local, err := bindFd(fd, ap)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &UDPSocket{fdSock{fd: fd, local: local}}, nil
}

// RecvFrom reads one datagram into buf. It returns ErrWouldBlock when the
// receive queue is empty.
func (s *UDPSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	for {
		n, from, err := unix.Recvfrom(s.fd, buf, 0)
		switch {
		case err == nil:
			return n, fromSockaddr(from), nil
		case err == unix.EINTR:
			continue
		case isWouldBlock(err):
			return 0, netip.AddrPort{}, ErrWouldBlock
		default:
			return 0, netip.AddrPort{}, fmt.Errorf("recvfrom: %w", err)
		}
	}
}
