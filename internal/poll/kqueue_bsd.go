//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package poll

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type kqReg struct {
	tok Token
	in  Interest
}

type kqueue struct {
	fd     int
	wakeR  int
	wakeW  int
	kev    []unix.Kevent_t
	regs   map[int]kqReg
	change []unix.Kevent_t

	mu     sync.Mutex
	closed bool
}

// Open creates the platform poller.
func Open() (Poller, error) {
	return openKqueue(DefaultBatch)
}

func openKqueue(batch int) (*kqueue, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(fd)
	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, pfd := range pipe {
		unix.CloseOnExec(pfd)
		if err := unix.SetNonblock(pfd, true); err != nil {
			_ = unix.Close(pipe[0])
			_ = unix.Close(pipe[1])
			_ = unix.Close(fd)
			return nil, fmt.Errorf("pipe nonblock: %w", err)
		}
	}
	p := &kqueue{
		fd:    fd,
		wakeR: pipe[0],
		wakeW: pipe[1],
		kev:   make([]unix.Kevent_t, batch),
		regs:  make(map[int]kqReg),
	}
	var ch [1]unix.Kevent_t
	unix.SetKevent(&ch[0], p.wakeR, unix.EVFILT_READ, unix.EV_ADD)
	if _, err := unix.Kevent(fd, ch[:], nil, nil); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("kevent add wake pipe: %w", err)
	}
	return p, nil
}

func (p *kqueue) Register(fd int, tok Token, in Interest, mode Mode) error {
	if p.isClosed() {
		return ErrClosed
	}
	flags := unix.EV_ADD | unix.EV_ENABLE
	switch mode {
	case Edge:
		flags |= unix.EV_CLEAR
	case Oneshot:
		flags |= unix.EV_ONESHOT
	}
	p.change = p.change[:0]
	prev, known := p.regs[fd]
	p.change = appendFilter(p.change, fd, in, Readable, unix.EVFILT_READ, flags)
	p.change = appendFilter(p.change, fd, in, Writable, unix.EVFILT_WRITE, flags)
	if known {
		if prev.in&Readable != 0 && in&Readable == 0 {
			p.change = appendFilter(p.change, fd, Readable, Readable, unix.EVFILT_READ, unix.EV_DELETE)
		}
		if prev.in&Writable != 0 && in&Writable == 0 {
			p.change = appendFilter(p.change, fd, Writable, Writable, unix.EVFILT_WRITE, unix.EV_DELETE)
		}
	}
	if _, err := unix.Kevent(p.fd, p.change, nil, nil); err != nil {
		return fmt.Errorf("kevent register fd %d: %w", fd, err)
	}
	p.regs[fd] = kqReg{tok: tok, in: in}
	return nil
}

func appendFilter(ch []unix.Kevent_t, fd int, in, want Interest, filter, flags int) []unix.Kevent_t {
	if in&want == 0 {
		return ch
	}
	var kev unix.Kevent_t
	unix.SetKevent(&kev, fd, filter, flags)
	return append(ch, kev)
}

func (p *kqueue) Deregister(fd int) error {
	if p.isClosed() {
		return ErrClosed
	}
	reg, ok := p.regs[fd]
	if !ok {
		return nil
	}
	delete(p.regs, fd)
	p.change = p.change[:0]
	p.change = appendFilter(p.change, fd, reg.in, Readable, unix.EVFILT_READ, unix.EV_DELETE)
	p.change = appendFilter(p.change, fd, reg.in, Writable, unix.EVFILT_WRITE, unix.EV_DELETE)
	// A fired oneshot filter is already gone; ENOENT only says so.
	if _, err := unix.Kevent(p.fd, p.change, nil, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("kevent deregister fd %d: %w", fd, err)
	}
	return nil
}

func (p *kqueue) Wait(timeout time.Duration, events []Event) ([]Event, error) {
	events = events[:0]
	if p.isClosed() {
		return events, ErrClosed
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(time.Duration(timeoutMillis(timeout)) * time.Millisecond))
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, p.kev, ts)
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, fmt.Errorf("kevent wait: %w", err)
	}
	for i := 0; i < n; i++ {
		kev := &p.kev[i]
		fd := int(kev.Ident)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		reg, ok := p.regs[fd]
		if !ok {
			continue
		}
		ev := Event{
			Token:  reg.tok,
			Hangup: kev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0,
		}
		switch kev.Filter {
		case unix.EVFILT_READ:
			ev.Readable = true
		case unix.EVFILT_WRITE:
			ev.Writable = true
		}
		events = append(events, ev)
	}
	return events, nil
}

func (p *kqueue) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (p *kqueue) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, err := unix.Write(p.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("wake pipe write: %w", err)
	}
	return nil
}

func (p *kqueue) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
	return unix.Close(p.fd)
}

func (p *kqueue) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
