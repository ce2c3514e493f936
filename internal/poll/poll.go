// Package poll wraps the operating system readiness notification facility
// (epoll on Linux, kqueue on the BSDs and Darwin).
//
// A Poller watches raw file descriptors, each registered under a caller
// chosen Token. Wait blocks the calling goroutine until at least one watched
// descriptor is ready, the timeout elapses or Wake is called, and reports the
// readiness observed in that wake-up as a batch of Events. The order of events
// within a batch carries no meaning.
package poll

import (
	"errors"
	"time"
)

var (
	ErrClosed      = errors.New("poller closed")
	ErrUnsupported = errors.New("readiness polling is not supported on this platform")
)

// Token identifies a registration. It is returned verbatim in every Event.
type Token uint64

// Interest selects the readiness conditions a registration reports.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "read"
	case Writable:
		return "write"
	case Readable | Writable:
		return "read|write"
	}
	return "none"
}

// Mode selects how often a ready condition is reported.
type Mode uint8

const (
	// Level reports the condition on every Wait while it holds.
	Level Mode = iota
	// Edge reports the condition once per transition to ready.
	Edge
	// Oneshot reports the condition once; the descriptor stays silent until
	// it is registered again.
	Oneshot
)

func (m Mode) String() string {
	switch m {
	case Level:
		return "level"
	case Edge:
		return "edge"
	case Oneshot:
		return "oneshot"
	}
	return "unknown"
}

// Event is the readiness of one registration in one wake-up.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	// Hangup is set when the peer closed or the descriptor is in error.
	Hangup bool
}

// Poller is implemented by the platform backends.
type Poller interface {
	// Register starts watching fd under tok.
	Register(fd int, tok Token, in Interest, mode Mode) error
	// Deregister stops watching fd. Events already returned by a previous
	// Wait are not recalled.
	Deregister(fd int) error
	// Wait appends the events of the next wake-up to events[:0] and returns
	// the result. A negative timeout blocks until an event or Wake.
	Wait(timeout time.Duration, events []Event) ([]Event, error)
	// Wake interrupts a blocked Wait. Safe to call from any goroutine.
	Wake() error
	Close() error
}

// DefaultBatch is the number of kernel events fetched per Wait.
const DefaultBatch = 256

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		ms = 1
	}
	return int(ms)
}
