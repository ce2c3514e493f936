package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/knockd/internal/obs"
)

const (
	defaultStream    = "knockd:audit"
	defaultMaxLen    = 10000
	defaultQueueSize = 1024
	publishTimeout   = 2 * time.Second
)

func (o Options) stream() string {
	if o.Stream != "" {
		return o.Stream
	}
	return defaultStream
}

// RedisSink appends events to a Redis stream from a background goroutine.
// Publish only enqueues; a full queue drops the event.
type RedisSink struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	queue   chan Event
	publish func(ctx context.Context, ev Event) error

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisSink connects to Redis and starts the publisher goroutine.
func NewRedisSink(ctx context.Context, opts Options) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, Password: opts.RedisPassword, DB: opts.RedisDB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	s := newRedisSink(rdb, opts)
	go s.run()
	return s, nil
}

func newRedisSink(rdb *redis.Client, opts Options) *RedisSink {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	s := &RedisSink{
		client: rdb,
		stream: opts.stream(),
		maxLen: maxLen,
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
	}
	s.publish = s.xadd
	return s
}

// Publish enqueues ev without blocking.
func (s *RedisSink) Publish(ev Event) {
	select {
	case s.queue <- ev:
	default:
		obs.AuditDroppedTotal.Inc()
	}
}

func (s *RedisSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.publish(ctx, ev)
		cancel()
		if err != nil {
			obs.Error("redis.audit.publish", obs.Fields{"err": err.Error(), "id": ev.ID})
			obs.ErrorsTotal.WithLabelValues("audit_publish").Inc()
			continue
		}
		obs.AuditPublishedTotal.Inc()
	}
}

func (s *RedisSink) xadd(ctx context.Context, ev Event) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: eventValues(ev),
	}).Err()
}

func eventValues(ev Event) map[string]any {
	return map[string]any{
		"id":     ev.ID,
		"kind":   string(ev.Kind),
		"addr":   ev.Addr,
		"result": ev.Result,
		"at":     ev.At.UTC().Format(time.RFC3339Nano),
	}
}

// Close drains the queue and closes the client.
func (s *RedisSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
		if s.client != nil {
			err = s.client.Close()
		}
	})
	return err
}
