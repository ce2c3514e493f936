//go:build unix

package conn

import (
	"net/netip"
	"time"

	"github.com/matst80/knockd/internal/sock"
)

// Kind tags the variant of a Resource.
type Kind int

const (
	KindKnockListener Kind = iota + 1
	KindSessionListener
	KindSession
)

func (k Kind) String() string {
	switch k {
	case KindKnockListener:
		return "knock_listener"
	case KindSessionListener:
		return "session_listener"
	case KindSession:
		return "session"
	}
	return "unknown"
}

// Resource is one of *KnockListener, *SessionListener or *Session. The set is
// closed; callers switch on the concrete type.
type Resource interface {
	Kind() Kind
	Fd() int
	Close() error
}

// KnockListener is a datagram socket monitoring one knock port.
type KnockListener struct {
	*sock.UDPSocket
	Port uint16
}

func NewKnockListener(s *sock.UDPSocket) *KnockListener {
	return &KnockListener{UDPSocket: s, Port: s.LocalAddr().Port()}
}

func (*KnockListener) Kind() Kind { return KindKnockListener }

// SessionListener accepts connections on the protected port.
type SessionListener struct {
	*sock.TCPListener
}

func NewSessionListener(l *sock.TCPListener) *SessionListener {
	return &SessionListener{TCPListener: l}
}

func (*SessionListener) Kind() Kind { return KindSessionListener }

// Session is an authorized connection waiting for its single payload write.
type Session struct {
	*sock.Stream
	ID      string
	Created time.Time
}

func NewSession(s *sock.Stream, id string, created time.Time) *Session {
	return &Session{Stream: s, ID: id, Created: created}
}

func (*Session) Kind() Kind { return KindSession }

// Peer is the client address of the session.
func (s *Session) Peer() netip.AddrPort { return s.RemoteAddr() }
