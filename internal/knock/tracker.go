package knock

import (
	"container/list"
	"net/netip"
	"time"

	"github.com/matst80/knockd/internal/obs"
)

// Default tracker tuning.
const (
	DefaultIdleTimeout  = 60 * time.Second
	DefaultMaxAddresses = 65536
)

// TrackerConfig bounds the memory held by a Tracker. Zero values disable the
// corresponding bound.
type TrackerConfig struct {
	IdleTimeout  time.Duration // records without a knock for this long are dropped
	MaxAddresses int           // least recently knocking address is dropped beyond this
}

type record struct {
	addr     netip.Addr
	ports    []uint16
	lastSeen time.Time
}

// Tracker keeps the most recent knocks of every source address. It is owned
// by the daemon loop and is not safe for concurrent use.
type Tracker struct {
	policy  Policy
	cfg     TrackerConfig
	now     func() time.Time
	records map[netip.Addr]*list.Element
	lru     *list.List // front = most recent knock
}

func NewTracker(policy Policy, cfg TrackerConfig) *Tracker {
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.MaxAddresses < 0 {
		cfg.MaxAddresses = 0
	}
	return &Tracker{
		policy:  policy,
		cfg:     cfg,
		now:     time.Now,
		records: make(map[netip.Addr]*list.Element),
		lru:     list.New(),
	}
}

// Policy returns the sequence the tracker evaluates against.
func (t *Tracker) Policy() Policy { return t.policy }

// Len returns the number of tracked addresses.
func (t *Tracker) Len() int { return len(t.records) }

// RecordKnock appends port to the history of addr, dropping the oldest entry
// once the history is longer than the policy.
func (t *Tracker) RecordKnock(addr netip.Addr, port uint16) {
	addr = addr.Unmap()
	now := t.now()
	el := t.lookup(addr, now)
	if el == nil {
		if t.cfg.MaxAddresses > 0 && len(t.records) >= t.cfg.MaxAddresses {
			t.evict(t.lru.Back(), "capacity")
		}
		el = t.lru.PushFront(&record{addr: addr, ports: make([]uint16, 0, t.policy.Len())})
		t.records[addr] = el
		obs.TrackedAddresses.Set(float64(len(t.records)))
	} else {
		t.lru.MoveToFront(el)
	}
	rec := el.Value.(*record)
	if n := t.policy.Len(); n > 0 && len(rec.ports) >= n {
		copy(rec.ports, rec.ports[1:])
		rec.ports = rec.ports[:n-1]
	}
	rec.ports = append(rec.ports, port)
	rec.lastSeen = now
}

// Evaluate reports whether the recent knocks of addr satisfy the policy.
func (t *Tracker) Evaluate(addr netip.Addr) Result {
	el := t.lookup(addr.Unmap(), t.now())
	if el == nil {
		return Unknown
	}
	if t.policy.Match(el.Value.(*record).ports) {
		return Success
	}
	return Fail
}

// Recent returns a copy of the knock history of addr, oldest first.
func (t *Tracker) Recent(addr netip.Addr) []uint16 {
	el := t.lookup(addr.Unmap(), t.now())
	if el == nil {
		return nil
	}
	ports := el.Value.(*record).ports
	cp := make([]uint16, len(ports))
	copy(cp, ports)
	return cp
}

// Reset forgets addr entirely.
func (t *Tracker) Reset(addr netip.Addr) {
	if el, ok := t.records[addr.Unmap()]; ok {
		t.remove(el)
	}
}

// Sweep drops every record idle for longer than the idle timeout and returns
// how many were dropped.
func (t *Tracker) Sweep(now time.Time) int {
	if t.cfg.IdleTimeout == 0 {
		return 0
	}
	n := 0
	for el := t.lru.Back(); el != nil; {
		rec := el.Value.(*record)
		if now.Sub(rec.lastSeen) <= t.cfg.IdleTimeout {
			break
		}
		prev := el.Prev()
		t.evict(el, "idle")
		el = prev
		n++
	}
	return n
}

// lookup returns the live record of addr, evicting it first when idle.
func (t *Tracker) lookup(addr netip.Addr, now time.Time) *list.Element {
	el, ok := t.records[addr]
	if !ok {
		return nil
	}
	if t.cfg.IdleTimeout > 0 && now.Sub(el.Value.(*record).lastSeen) > t.cfg.IdleTimeout {
		t.evict(el, "idle")
		return nil
	}
	return el
}

func (t *Tracker) evict(el *list.Element, reason string) {
	if el == nil {
		return
	}
	obs.Debug("knock.evicted", obs.Fields{"addr": el.Value.(*record).addr.String(), "reason": reason})
	obs.EvictionsTotal.WithLabelValues(reason).Inc()
	t.remove(el)
}

func (t *Tracker) remove(el *list.Element) {
	rec := t.lru.Remove(el).(*record)
	delete(t.records, rec.addr)
	obs.TrackedAddresses.Set(float64(len(t.records)))
}
