//go:build unix

package conn

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/knockd/internal/poll"
	"github.com/matst80/knockd/internal/sock"
)

type fakeMux struct {
	registered  map[int]poll.Token
	interests   map[int]poll.Interest
	modes       map[int]poll.Mode
	registerErr error
	deregisters int
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		registered: make(map[int]poll.Token),
		interests:  make(map[int]poll.Interest),
		modes:      make(map[int]poll.Mode),
	}
}

func (m *fakeMux) Register(fd int, tok poll.Token, in poll.Interest, mode poll.Mode) error {
	if m.registerErr != nil {
		return m.registerErr
	}
	m.registered[fd] = tok
	m.interests[fd] = in
	m.modes[fd] = mode
	return nil
}

func (m *fakeMux) Deregister(fd int) error {
	m.deregisters++
	delete(m.registered, fd)
	return nil
}

func newKnockListener(t *testing.T) *KnockListener {
	t.Helper()
	s, err := sock.ListenUDP(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewKnockListener(s)
}

func TestAllocateIsMonotonic(t *testing.T) {
	r := NewRegistry(newFakeMux())
	assert.Equal(t, Handle(1), r.Allocate())
	assert.Equal(t, Handle(2), r.Allocate())
	assert.Equal(t, Handle(3), r.Allocate())
}

func TestGetUnknownHandle(t *testing.T) {
	r := NewRegistry(newFakeMux())
	_, ok := r.Get(0)
	assert.False(t, ok)
	_, ok = r.Get(42)
	assert.False(t, ok)
}

func TestRemoveUnknownHandleIsNoop(t *testing.T) {
	mux := newFakeMux()
	r := NewRegistry(mux)
	require.NoError(t, r.Remove(99))
	assert.Zero(t, mux.deregisters)
}

func TestAddGetRemove(t *testing.T) {
	mux := newFakeMux()
	r := NewRegistry(mux)
	kl := newKnockListener(t)

	h := r.Allocate()
	require.NoError(t, r.Add(h, kl, poll.Readable, poll.Level))
	assert.Equal(t, poll.Token(h), mux.registered[kl.Fd()])
	assert.Equal(t, poll.Readable, mux.interests[kl.Fd()])

	got, ok := r.Get(h)
	require.True(t, ok)
	assert.Same(t, kl, got)
	assert.Equal(t, 1, r.Count(KindKnockListener))

	require.NoError(t, r.Remove(h))
	_, ok = r.Get(h)
	assert.False(t, ok)
	assert.NotContains(t, mux.registered, kl.Fd())
	assert.Equal(t, 0, r.Len())
}

func TestAddRejectsDuplicateAndZeroHandle(t *testing.T) {
	r := NewRegistry(newFakeMux())
	a := newKnockListener(t)
	b := newKnockListener(t)

	require.ErrorIs(t, r.Add(0, a, poll.Readable, poll.Level), ErrInvalidHandle)

	h := r.Allocate()
	require.NoError(t, r.Add(h, a, poll.Readable, poll.Level))
	require.ErrorIs(t, r.Add(h, b, poll.Readable, poll.Level), ErrHandleInUse)

	got, _ := r.Get(h)
	assert.Same(t, a, got)
}

func TestAddFailsWhenRegistrationFails(t *testing.T) {
	mux := newFakeMux()
	mux.registerErr = errors.New("boom")
	r := NewRegistry(mux)

	h := r.Allocate()
	err := r.Add(h, newKnockListener(t), poll.Readable, poll.Level)
	require.ErrorIs(t, err, mux.registerErr)
	_, ok := r.Get(h)
	assert.False(t, ok)
}

func TestTakeRestoreKeepsRegistration(t *testing.T) {
	mux := newFakeMux()
	r := NewRegistry(mux)
	kl := newKnockListener(t)
	h := r.Allocate()
	require.NoError(t, r.Add(h, kl, poll.Readable, poll.Level))

	res, ok := r.Take(h)
	require.True(t, ok)
	assert.Same(t, kl, res)
	_, ok = r.Get(h)
	assert.False(t, ok, "taken resources are not visible")
	_, ok = r.Take(h)
	assert.False(t, ok, "a resource can only be taken once")
	assert.Contains(t, mux.registered, kl.Fd())
	assert.Equal(t, 1, r.Len())

	// The handle stays reserved while taken.
	require.ErrorIs(t, r.Add(h, newKnockListener(t), poll.Readable, poll.Level), ErrHandleInUse)

	require.NoError(t, r.Restore(h, res))
	got, ok := r.Get(h)
	require.True(t, ok)
	assert.Same(t, kl, got)
	assert.ErrorIs(t, r.Restore(h, res), ErrNotTaken)
}

func TestReleaseDestroysTakenResource(t *testing.T) {
	mux := newFakeMux()
	r := NewRegistry(mux)
	kl := newKnockListener(t)
	h := r.Allocate()
	require.NoError(t, r.Add(h, kl, poll.Readable, poll.Level))

	res, ok := r.Take(h)
	require.True(t, ok)
	require.ErrorIs(t, r.Release(h+1, res), ErrNotTaken)
	require.NoError(t, r.Release(h, res))
	assert.NotContains(t, mux.registered, kl.Fd())
	assert.Equal(t, 0, r.Len())
	require.NoError(t, r.Remove(h))
}

func TestPromotionWhileListenerTaken(t *testing.T) {
	mux := newFakeMux()
	r := NewRegistry(mux)
	ln, err := sock.ListenTCP(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0))
	require.NoError(t, err)
	sl := NewSessionListener(ln)
	lh := r.Allocate()
	require.NoError(t, r.Add(lh, sl, poll.Readable, poll.Level))

	taken, ok := r.Take(lh)
	require.True(t, ok)

	other := newKnockListener(t)
	sh := r.Allocate()
	require.NoError(t, r.Add(sh, other, poll.Writable, poll.Oneshot))
	assert.Equal(t, poll.Oneshot, mux.modes[other.Fd()])

	require.NoError(t, r.Restore(lh, taken))
	assert.Equal(t, 2, r.Len())
	require.NoError(t, r.Close())
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, mux.registered)
}

func TestKindStrings(t *testing.T) {
	s := NewSession(nil, "id", time.Time{})
	assert.Equal(t, KindSession, s.Kind())
	assert.Equal(t, "session", KindSession.String())
	assert.Equal(t, "knock_listener", KindKnockListener.String())
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestRearmChangesModeLiveOrTaken(t *testing.T) {
	mux := newFakeMux()
	r := NewRegistry(mux)
	kl := newKnockListener(t)
	h := r.Allocate()
	require.NoError(t, r.Add(h, kl, poll.Readable, poll.Level))

	require.NoError(t, r.Rearm(h, poll.Readable, poll.Oneshot))
	assert.Equal(t, poll.Oneshot, mux.modes[kl.Fd()])
	assert.Equal(t, poll.Token(h), mux.registered[kl.Fd()])

	_, ok := r.Take(h)
	require.True(t, ok)
	require.NoError(t, r.Rearm(h, poll.Readable, poll.Level))
	assert.Equal(t, poll.Level, mux.modes[kl.Fd()])

	assert.ErrorIs(t, r.Rearm(h+1, poll.Readable, poll.Level), ErrInvalidHandle)
}
