//go:build linux

package poll

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type epoll struct {
	fd     int
	wakeFd int
	kev    []unix.EpollEvent
	tokens map[int]Token

	mu     sync.Mutex // guards closed against Wake
	closed bool
}

// Open creates the platform poller.
func Open() (Poller, error) {
	return openEpoll(DefaultBatch)
}

func openEpoll(batch int) (*epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, &ev); err != nil {
		_ = unix.Close(wfd)
		_ = unix.Close(fd)
		return nil, fmt.Errorf("epoll_ctl add eventfd: %w", err)
	}
	return &epoll{
		fd:     fd,
		wakeFd: wfd,
		kev:    make([]unix.EpollEvent, batch),
		tokens: make(map[int]Token),
	}, nil
}

func epollFlags(in Interest, mode Mode) uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if in&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if in&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	switch mode {
	case Edge:
		ev |= unix.EPOLLET
	case Oneshot:
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

func (p *epoll) Register(fd int, tok Token, in Interest, mode Mode) error {
	if p.isClosed() {
		return ErrClosed
	}
	op := unix.EPOLL_CTL_ADD
	if _, ok := p.tokens[fd]; ok {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: epollFlags(in, mode), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	p.tokens[fd] = tok
	return nil
}

func (p *epoll) Deregister(fd int) error {
	if p.isClosed() {
		return ErrClosed
	}
	if _, ok := p.tokens[fd]; !ok {
		return nil
	}
	delete(p.tokens, fd)
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (p *epoll) Wait(timeout time.Duration, events []Event) ([]Event, error) {
	events = events[:0]
	if p.isClosed() {
		return events, ErrClosed
	}
	n, err := unix.EpollWait(p.fd, p.kev, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		kev := &p.kev[i]
		fd := int(kev.Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		tok, ok := p.tokens[fd]
		if !ok {
			continue
		}
		events = append(events, Event{
			Token:    tok,
			Readable: kev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: kev.Events&unix.EPOLLOUT != 0,
			Hangup:   kev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0,
		})
	}
	return events, nil
}

func (p *epoll) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epoll) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakeFd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *epoll) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	_ = unix.Close(p.wakeFd)
	return unix.Close(p.fd)
}

func (p *epoll) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
