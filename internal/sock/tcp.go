//go:build unix

package sock

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// TCPListener is a bound non-blocking stream listener.
type TCPListener struct {
	fdSock
}

// ListenTCP binds and listens on ap with the system backlog.
func ListenTCP(ap netip.AddrPort) (*TCPListener, error) {
	fd, err := newSocket(ap.Addr(), unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	local, err := bindFd(fd, ap)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}
	return &TCPListener{fdSock{fd: fd, local: local}}, nil
}

// Accept takes one pending connection. It returns ErrWouldBlock when none is
// queued. The accepted stream is non-blocking.
func (l *TCPListener) Accept() (*Stream, error) {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		switch {
		case err == nil:
			unix.CloseOnExec(nfd)
			if err := unix.SetNonblock(nfd, true); err != nil {
				_ = unix.Close(nfd)
				return nil, fmt.Errorf("set nonblock: %w", err)
			}
			return &Stream{fdSock: fdSock{fd: nfd, local: l.local}, peer: fromSockaddr(sa)}, nil
		case err == unix.EINTR, err == unix.ECONNABORTED:
			continue
		case isWouldBlock(err):
			return nil, ErrWouldBlock
		default:
			return nil, fmt.Errorf("accept: %w", err)
		}
	}
}

// Stream is an accepted non-blocking stream connection.
type Stream struct {
	fdSock
	peer netip.AddrPort
}

// RemoteAddr is the peer address reported by accept.
func (s *Stream) RemoteAddr() netip.AddrPort { return s.peer }

// Write writes as much of p as the socket accepts without blocking, retrying
// short writes. It returns ErrWouldBlock with the count written so far when
// the send buffer fills up.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(s.fd, p[written:])
		switch {
		case err == nil:
			written += n
		case err == unix.EINTR:
		case isWouldBlock(err):
			return written, ErrWouldBlock
		default:
			return written, fmt.Errorf("write: %w", err)
		}
	}
	return written, nil
}
