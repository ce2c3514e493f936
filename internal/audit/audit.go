// Package audit records authorization decisions made on the protected port.
package audit

import (
	"context"
	"time"

	"github.com/rs/xid"

	"github.com/matst80/knockd/internal/obs"
)

// Kind of audit event.
type Kind string

const (
	KindGrant  Kind = "grant"
	KindReject Kind = "reject"
)

// Event describes one decision.
type Event struct {
	ID     string    `json:"id"`
	Kind   Kind      `json:"kind"`
	Addr   string    `json:"addr"`
	Result string    `json:"result"`
	At     time.Time `json:"at"`
}

// NewEvent stamps a decision with a fresh id.
func NewEvent(kind Kind, addr, result string, at time.Time) Event {
	return Event{ID: xid.NewWithTime(at).String(), Kind: kind, Addr: addr, Result: result, At: at}
}

// Sink receives audit events. Publish must never block the caller.
type Sink interface {
	Publish(ev Event)
	Close() error
}

// Options select and configure the sink backend.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Stream        string
	MaxLen        int64
	QueueSize     int
}

// New creates a Redis sink when an address is configured and a log sink
// otherwise.
func New(ctx context.Context, opts Options) (Sink, error) {
	if opts.RedisAddr == "" {
		obs.Info("audit.backend", obs.Fields{"type": "log"})
		return LogSink{}, nil
	}
	obs.Info("audit.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr, "stream": opts.stream()})
	return NewRedisSink(ctx, opts)
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Publish(ev Event) {
	obs.Info("audit."+string(ev.Kind), obs.Fields{"id": ev.ID, "addr": ev.Addr, "result": ev.Result})
}

func (LogSink) Close() error { return nil }

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close() error  { return nil }
