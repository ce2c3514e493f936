package ratelimit

import (
	"container/list"
	"net/netip"
	"time"
)

// TokenBucket implements a token bucket rate limiter driven by caller
// supplied timestamps.
type TokenBucket struct {
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket with the given rate and capacity.
func NewTokenBucket(rate, capacity int, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now,
	}
}

// Allow consumes a token if one is available at now.
func (tb *TokenBucket) Allow(now time.Time) bool {
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Config sizes a Limiter. Zero rates disable the corresponding limit.
type Config struct {
	GlobalRate    int // knocks per second from all sources
	PerSourceRate int // knocks per second from one source
	Burst         int
	MaxSources    int // tracked sources; the least recently seen is dropped beyond it
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool { return c.GlobalRate > 0 || c.PerSourceRate > 0 }

type source struct {
	addr   netip.Addr
	bucket *TokenBucket
}

// Limiter applies a per-source and a global token bucket to incoming knocks.
// It is owned by the event loop and is not safe for concurrent use.
type Limiter struct {
	cfg     Config
	global  *TokenBucket
	sources map[netip.Addr]*list.Element
	lru     *list.List // front = most recently seen
}

// NewLimiter creates a limiter. A disabled config yields a limiter that
// allows everything.
func NewLimiter(cfg Config, now time.Time) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	rl := &Limiter{cfg: cfg, sources: make(map[netip.Addr]*list.Element), lru: list.New()}
	if cfg.GlobalRate > 0 {
		rl.global = NewTokenBucket(cfg.GlobalRate, cfg.Burst, now)
	}
	return rl
}

// Allow reports whether a knock from addr at now is within the limits. The
// per-source bucket is checked first so a source over its own limit does not
// spend global capacity.
func (rl *Limiter) Allow(addr netip.Addr, now time.Time) bool {
	if rl.cfg.PerSourceRate > 0 && !rl.bucket(addr, now).Allow(now) {
		return false
	}
	return rl.global == nil || rl.global.Allow(now)
}

func (rl *Limiter) bucket(addr netip.Addr, now time.Time) *TokenBucket {
	if el, ok := rl.sources[addr]; ok {
		rl.lru.MoveToFront(el)
		return el.Value.(*source).bucket
	}
	if rl.cfg.MaxSources > 0 && len(rl.sources) >= rl.cfg.MaxSources {
		rl.remove(rl.lru.Back())
	}
	src := &source{addr: addr, bucket: NewTokenBucket(rl.cfg.PerSourceRate, rl.cfg.Burst, now)}
	rl.sources[addr] = rl.lru.PushFront(src)
	return src.bucket
}

func (rl *Limiter) remove(el *list.Element) {
	delete(rl.sources, rl.lru.Remove(el).(*source).addr)
}

// Sweep drops per-source buckets that have been idle long enough to be full
// again; they are indistinguishable from fresh ones.
func (rl *Limiter) Sweep(now time.Time) int {
	if rl.cfg.PerSourceRate <= 0 {
		return 0
	}
	refill := time.Duration(float64(rl.cfg.Burst) / float64(rl.cfg.PerSourceRate) * float64(time.Second))
	n := 0
	for el := rl.lru.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*source).bucket.lastRefill) >= refill {
			rl.remove(el)
			n++
		}
		el = prev
	}
	return n
}

// Sources returns the number of tracked sources.
func (rl *Limiter) Sources() int { return len(rl.sources) }
