//go:build unix

// Package daemon runs the port-knocking event loop: it watches every knock
// port, feeds knocks into the tracker and answers connections on the
// protected port with the payload once the source has knocked correctly.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"

	"github.com/matst80/knockd/internal/audit"
	"github.com/matst80/knockd/internal/conn"
	"github.com/matst80/knockd/internal/knock"
	"github.com/matst80/knockd/internal/obs"
	"github.com/matst80/knockd/internal/poll"
	"github.com/matst80/knockd/internal/ratelimit"
	"github.com/matst80/knockd/internal/sock"
)

var ErrAlreadyStarted = errors.New("daemon already started")

const (
	// maxPerEvent bounds the reads or accepts done for one readiness event.
	// Registrations are level-triggered, so leftovers are picked up on the
	// next wake-up.
	maxPerEvent = 64

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
	acceptWarnEvery  = 10 * time.Second
)

// Daemon owns the poller, the registry and the knock state. Everything except
// Stats and the shutdown path runs on the goroutine calling Run.
type Daemon struct {
	cfg     Config
	poller  poll.Poller
	reg     *conn.Registry
	tracker *knock.Tracker
	limiter *ratelimit.Limiter
	sink    audit.Sink
	stats   *Stats
	now     func() time.Time

	started     bool
	knockAddrs  []netip.AddrPort
	sessionAddr netip.AddrPort
	events      []poll.Event
	buf         []byte

	// Accept backoff after a failing accept (EMFILE, ENFILE, ...). While
	// paused the session listener is armed oneshot instead of level.
	acceptHandle     conn.Handle
	acceptDelay      time.Duration
	acceptResume     time.Time
	acceptWarned     time.Time
	acceptSuppressed int
}

// New validates cfg and opens the multiplexer. A nil sink discards audit
// events.
func New(cfg Config, sink audit.Sink) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	policy, err := knock.NewPolicy(cfg.Sequence)
	if err != nil {
		return nil, err
	}
	p, err := poll.Open()
	if err != nil {
		return nil, fmt.Errorf("open poller: %w", err)
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	now := time.Now
	return &Daemon{
		cfg:    cfg,
		poller: p,
		reg:    conn.NewRegistry(p),
		tracker: knock.NewTracker(policy, cfg.trackerConfig()),
		limiter: ratelimit.NewLimiter(cfg.RateLimit, now()),
		sink:    sink,
		stats:   NewStats(),
		now:     now,
		events:  make([]poll.Event, 0, poll.DefaultBatch),
		buf:     make([]byte, cfg.maxDatagram()),
	}, nil
}

// Stats returns the counters shared with the admin endpoint.
func (d *Daemon) Stats() *Stats { return d.stats }

// KnockAddrs returns the bound knock listener addresses after Start.
func (d *Daemon) KnockAddrs() []netip.AddrPort { return d.knockAddrs }

// SessionAddr returns the bound protected listener address after Start.
func (d *Daemon) SessionAddr() netip.AddrPort { return d.sessionAddr }

// Start binds every knock port and the protected port and registers them.
// Any failure is fatal; already bound sockets and the poller are closed.
func (d *Daemon) Start() error {
	if d.started {
		return ErrAlreadyStarted
	}
	d.started = true
	ports := d.cfg.Ports()
	bind := d.cfg.bindAddr()

	if limit, err := sock.NoFileLimit(); err == nil && limit < uint64(len(ports))+64 {
		obs.Warn("daemon.nofile_low", obs.Fields{"limit": limit, "knock_ports": len(ports)})
	}

	for _, port := range ports {
		s, err := sock.ListenUDP(netip.AddrPortFrom(bind, port))
		if err != nil {
			return d.abortStart(fmt.Errorf("knock listener: %w", err))
		}
		l := conn.NewKnockListener(s)
		if err := d.reg.Add(d.reg.Allocate(), l, poll.Readable, poll.Level); err != nil {
			_ = l.Close()
			return d.abortStart(err)
		}
		d.knockAddrs = append(d.knockAddrs, s.LocalAddr())
	}

	tl, err := sock.ListenTCP(netip.AddrPortFrom(bind, d.cfg.ProtectedPort))
	if err != nil {
		return d.abortStart(fmt.Errorf("session listener: %w", err))
	}
	sl := conn.NewSessionListener(tl)
	if err := d.reg.Add(d.reg.Allocate(), sl, poll.Readable, poll.Level); err != nil {
		_ = sl.Close()
		return d.abortStart(err)
	}
	d.sessionAddr = tl.LocalAddr()

	d.stats.listeners.Store(int64(d.reg.Len()))
	d.stats.ready.Store(true)
	obs.Info("daemon.listening", obs.Fields{
		"bind":           bind.String(),
		"knock_ports":    len(ports),
		"protected_port": d.sessionAddr.Port(),
		"sequence":       d.tracker.Policy().String(),
		"payload":        humanize.Bytes(uint64(len(d.cfg.Payload))),
	})
	return nil
}

func (d *Daemon) abortStart(err error) error {
	_ = d.reg.Close()
	_ = d.poller.Close()
	d.knockAddrs = nil
	return err
}

// Run processes readiness events until ctx is cancelled, then closes every
// socket and the poller. It returns nil on cancellation and the error for
// fatal multiplexer failures.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.stats.Ready() {
		return errors.New("daemon not started")
	}
	stop := context.AfterFunc(ctx, func() {
		if err := d.poller.Wake(); err != nil && !errors.Is(err, poll.ErrClosed) {
			obs.Warn("poll.wake", obs.Fields{"err": err.Error()})
		}
	})
	defer stop()
	defer d.shutdown()

	interval := d.cfg.sweepInterval()
	nextSweep := d.now().Add(interval)
	for {
		if ctx.Err() != nil {
			return nil
		}
		deadline := nextSweep
		if !d.acceptResume.IsZero() && d.acceptResume.Before(deadline) {
			deadline = d.acceptResume
		}
		timeout := deadline.Sub(d.now())
		if timeout < 0 {
			timeout = 0
		}
		events, err := d.poller.Wait(timeout, d.events)
		if err != nil {
			obs.ErrorsTotal.WithLabelValues("poll_wait").Inc()
			return fmt.Errorf("poll wait: %w", err)
		}
		d.events = events
		obs.PollWakeupsTotal.Inc()
		if len(events) > 0 {
			obs.EventsPerWakeup.Observe(float64(len(events)))
		}
		for _, ev := range events {
			if err := d.dispatch(ev); err != nil {
				return err
			}
		}
		now := d.now()
		if !d.acceptResume.IsZero() && !now.Before(d.acceptResume) {
			if err := d.resumeAccept(); err != nil {
				return err
			}
		}
		if !now.Before(nextSweep) {
			d.sweep(now)
			nextSweep = now.Add(interval)
		}
	}
}

func (d *Daemon) shutdown() {
	d.stats.closing.Store(true)
	d.stats.ready.Store(false)
	if n := d.reg.Count(conn.KindSession); n > 0 {
		obs.Info("daemon.sessions_dropped", obs.Fields{"sessions": n})
	}
	if err := d.reg.Close(); err != nil {
		obs.Warn("daemon.close", obs.Fields{"err": err.Error()})
	}
	if err := d.poller.Close(); err != nil {
		obs.Warn("poll.close", obs.Fields{"err": err.Error()})
	}
	d.stats.SessionsActive.Reset()
	obs.SessionsActive.Set(0)
	obs.Info("daemon.stopped", obs.Fields{"knocks": d.stats.Knocks.Value(), "granted": d.stats.Granted.Value()})
}

func (d *Daemon) dispatch(ev poll.Event) error {
	h := conn.Handle(ev.Token)
	res, ok := d.reg.Take(h)
	if !ok {
		// Released earlier in the same batch.
		obs.Debug("event.stale", obs.Fields{"handle": uint64(h)})
		obs.ErrorsTotal.WithLabelValues("stale_handle").Inc()
		return nil
	}
	switch r := res.(type) {
	case *conn.KnockListener:
		d.drainKnocks(r)
		return d.restore(h, r)
	case *conn.SessionListener:
		err := d.acceptAll(h, r)
		if rerr := d.restore(h, r); err == nil {
			err = rerr
		}
		return err
	case *conn.Session:
		d.deliver(h, r)
		return nil
	default:
		return d.restore(h, res)
	}
}

func (d *Daemon) restore(h conn.Handle, res conn.Resource) error {
	if err := d.reg.Restore(h, res); err != nil {
		return fmt.Errorf("restore %s: %w", res.Kind(), err)
	}
	return nil
}

func (d *Daemon) drainKnocks(l *conn.KnockListener) {
	for i := 0; i < maxPerEvent; i++ {
		n, from, err := l.RecvFrom(d.buf)
		if errors.Is(err, sock.ErrWouldBlock) {
			return
		}
		if err != nil {
			obs.Warn("knock.recv", obs.Fields{"port": l.Port, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("recv").Inc()
			return
		}
		if n == 0 {
			d.dropKnock("empty")
			continue
		}
		addr := from.Addr().Unmap()
		if !d.limiter.Allow(addr, d.now()) {
			d.dropKnock("rate_limited")
			continue
		}
		d.tracker.RecordKnock(addr, l.Port)
		d.stats.Knocks.Inc()
		d.stats.trackedAddresses.Store(int64(d.tracker.Len()))
		obs.KnocksTotal.Inc()
		obs.Debug("knock.recorded", obs.Fields{"addr": addr.String(), "port": l.Port, "in_sequence": d.tracker.Policy().Contains(l.Port)})
	}
}

func (d *Daemon) dropKnock(reason string) {
	d.stats.KnocksDropped.Inc()
	obs.KnocksDroppedTotal.WithLabelValues(reason).Inc()
}

func (d *Daemon) acceptAll(h conn.Handle, l *conn.SessionListener) error {
	if !d.acceptResume.IsZero() {
		// The oneshot event armed by pauseAccept; wait for the deadline.
		return nil
	}
	for i := 0; i < maxPerEvent; i++ {
		s, err := l.Accept()
		if errors.Is(err, sock.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return d.pauseAccept(h, err)
		}
		d.acceptDelay = 0
		if err := d.authorize(s); err != nil {
			return err
		}
	}
	return nil
}

// pauseAccept stops accepting after a failed accept. The pending connection
// stays queued, so the listener is rearmed oneshot and switched back to level
// once the backoff deadline passes.
func (d *Daemon) pauseAccept(h conn.Handle, cause error) error {
	now := d.now()
	switch {
	case d.acceptDelay == 0:
		d.acceptDelay = minAcceptBackoff
	case 2*d.acceptDelay > maxAcceptBackoff:
		d.acceptDelay = maxAcceptBackoff
	default:
		d.acceptDelay *= 2
	}
	d.acceptHandle = h
	d.acceptResume = now.Add(d.acceptDelay)
	obs.ErrorsTotal.WithLabelValues("accept").Inc()

	if now.Sub(d.acceptWarned) >= acceptWarnEvery {
		obs.Warn("session.accept", obs.Fields{"err": cause.Error(), "backoff": d.acceptDelay.String(), "suppressed": d.acceptSuppressed})
		d.acceptWarned = now
		d.acceptSuppressed = 0
	} else {
		d.acceptSuppressed++
	}
	if err := d.reg.Rearm(h, poll.Readable, poll.Oneshot); err != nil {
		obs.ErrorsTotal.WithLabelValues("register").Inc()
		return err
	}
	return nil
}

func (d *Daemon) resumeAccept() error {
	d.acceptResume = time.Time{}
	if err := d.reg.Rearm(d.acceptHandle, poll.Readable, poll.Level); err != nil {
		obs.ErrorsTotal.WithLabelValues("register").Inc()
		return err
	}
	return nil
}

// authorize promotes an accepted stream to a Session when its source knocked
// the full sequence and closes it silently otherwise.
func (d *Daemon) authorize(s *sock.Stream) error {
	now := d.now()
	addr := s.RemoteAddr().Addr().Unmap()
	result := d.tracker.Evaluate(addr)
	obs.DecisionsTotal.WithLabelValues(result.String()).Inc()

	if result != knock.Success {
		_ = s.Close()
		d.stats.Rejected.Inc()
		d.stats.trackedAddresses.Store(int64(d.tracker.Len()))
		d.sink.Publish(audit.NewEvent(audit.KindReject, addr.String(), result.String(), now))
		obs.Debug("session.rejected", obs.Fields{"addr": addr.String(), "result": result.String()})
		return nil
	}

	sess := conn.NewSession(s, xid.NewWithTime(now).String(), now)
	if err := d.reg.Add(d.reg.Allocate(), sess, poll.Writable, poll.Oneshot); err != nil {
		_ = sess.Close()
		obs.ErrorsTotal.WithLabelValues("register").Inc()
		return err
	}
	d.tracker.Reset(addr)
	d.stats.Granted.Inc()
	d.stats.SessionsActive.Inc()
	d.stats.trackedAddresses.Store(int64(d.tracker.Len()))
	obs.SessionsActive.Inc()
	d.sink.Publish(audit.NewEvent(audit.KindGrant, addr.String(), result.String(), now))
	obs.Info("session.granted", obs.Fields{"id": sess.ID, "addr": addr.String()})
	return nil
}

// deliver writes the payload once and tears the session down whatever the
// outcome.
func (d *Daemon) deliver(h conn.Handle, s *conn.Session) {
	n, err := s.Write(d.cfg.Payload)
	obs.PayloadBytesTotal.Add(float64(n))
	switch {
	case err != nil:
		obs.Warn("session.write", obs.Fields{"id": s.ID, "written": n, "size": len(d.cfg.Payload), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("write").Inc()
	default:
		obs.Debug("session.delivered", obs.Fields{"id": s.ID, "bytes": n})
	}
	if err := d.reg.Release(h, s); err != nil {
		obs.Warn("session.release", obs.Fields{"id": s.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("deregister").Inc()
	}
	d.stats.SessionsActive.Dec()
	obs.SessionsActive.Dec()
	obs.SessionLifetime.Observe(d.now().Sub(s.Created).Seconds())
}

func (d *Daemon) sweep(now time.Time) {
	evicted := d.tracker.Sweep(now)
	buckets := d.limiter.Sweep(now)
	d.stats.trackedAddresses.Store(int64(d.tracker.Len()))
	if evicted > 0 || buckets > 0 {
		obs.Debug("tracker.sweep", obs.Fields{"evicted": evicted, "buckets": buckets, "tracked": d.tracker.Len()})
	}
}
