//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package poll_test

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/knockd/internal/poll"
	"github.com/matst80/knockd/internal/sock"
)

var loopback = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0)

func openPoller(t *testing.T) poll.Poller {
	t.Helper()
	p, err := poll.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func listenUDP(t *testing.T) *sock.UDPSocket {
	t.Helper()
	s, err := sock.ListenUDP(loopback)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sendDatagram(t *testing.T, to netip.AddrPort) {
	t.Helper()
	c, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(to))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("knock"))
	require.NoError(t, err)
}

func waitFor(t *testing.T, p poll.Poller, tok poll.Token) poll.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var events []poll.Event
	for time.Now().Before(deadline) {
		var err error
		events, err = p.Wait(100*time.Millisecond, events)
		require.NoError(t, err)
		for _, ev := range events {
			if ev.Token == tok {
				return ev
			}
		}
	}
	t.Fatalf("no event for token %d", tok)
	return poll.Event{}
}

func TestWaitTimesOutWithoutEvents(t *testing.T) {
	p := openPoller(t)
	start := time.Now()
	events, err := p.Wait(20*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestLevelReadableRepeatsUntilDrained(t *testing.T) {
	p := openPoller(t)
	s := listenUDP(t)
	require.NoError(t, p.Register(s.Fd(), 7, poll.Readable, poll.Level))

	sendDatagram(t, s.LocalAddr())
	ev := waitFor(t, p, 7)
	assert.True(t, ev.Readable)
	assert.False(t, ev.Writable)

	// Not drained yet: level mode reports it again.
	ev = waitFor(t, p, 7)
	assert.True(t, ev.Readable)

	buf := make([]byte, 64)
	n, from, err := s.RecvFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "knock", string(buf[:n]))
	assert.Equal(t, "127.0.0.1", from.Addr().String())

	events, err := p.Wait(50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDeregisterSilencesDescriptor(t *testing.T) {
	p := openPoller(t)
	s := listenUDP(t)
	require.NoError(t, p.Register(s.Fd(), 3, poll.Readable, poll.Level))
	require.NoError(t, p.Deregister(s.Fd()))
	require.NoError(t, p.Deregister(s.Fd()), "deregistering twice is a no-op")

	sendDatagram(t, s.LocalAddr())
	events, err := p.Wait(100*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestOneshotWritableFiresOnce(t *testing.T) {
	p := openPoller(t)
	ln, err := sock.ListenTCP(loopback)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	client, err := net.Dial("tcp", ln.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var stream *sock.Stream
	require.Eventually(t, func() bool {
		stream, err = ln.Accept()
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = stream.Close() })

	require.NoError(t, p.Register(stream.Fd(), 11, poll.Writable, poll.Oneshot))
	ev := waitFor(t, p, 11)
	assert.True(t, ev.Writable)

	events, err := p.Wait(50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, p.Deregister(stream.Fd()))
}

func TestWakeInterruptsWait(t *testing.T) {
	p := openPoller(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Wake()
	}()
	start := time.Now()
	events, err := p.Wait(-1, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClosedPoller(t *testing.T) {
	p, err := poll.Open()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Wait(0, nil)
	require.ErrorIs(t, err, poll.ErrClosed)
	require.ErrorIs(t, p.Wake(), poll.ErrClosed)
}

func TestInterestAndModeStrings(t *testing.T) {
	assert.Equal(t, "read|write", (poll.Readable | poll.Writable).String())
	assert.Equal(t, "oneshot", poll.Oneshot.String())
}
