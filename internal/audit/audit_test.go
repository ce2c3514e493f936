package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutRedisUsesLogSink(t *testing.T) {
	s, err := New(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, LogSink{}, s)
	s.Publish(NewEvent(KindGrant, "10.0.0.1", "success", time.Now()))
	require.NoError(t, s.Close())
}

func TestNewEventIDsAreUnique(t *testing.T) {
	at := time.Now()
	a := NewEvent(KindReject, "10.0.0.1", "fail", at)
	b := NewEvent(KindReject, "10.0.0.1", "fail", at)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, KindReject, a.Kind)
}

func TestEventValues(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	v := eventValues(Event{ID: "x", Kind: KindGrant, Addr: "10.0.0.1", Result: "success", At: at})
	assert.Equal(t, map[string]any{
		"id":     "x",
		"kind":   "grant",
		"addr":   "10.0.0.1",
		"result": "success",
		"at":     "2024-05-01T12:00:00Z",
	}, v)
}

func TestRedisSinkPublishesInOrderAndDrainsOnClose(t *testing.T) {
	s := newRedisSink(nil, Options{QueueSize: 8})
	var mu sync.Mutex
	var got []string
	s.publish = func(_ context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
		if ev.ID == "b" {
			return errors.New("transient")
		}
		return nil
	}
	go s.run()

	for _, id := range []string{"a", "b", "c"} {
		s.Publish(Event{ID: id, Kind: KindGrant})
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRedisSinkDropsWhenQueueFull(t *testing.T) {
	s := newRedisSink(nil, Options{QueueSize: 1})
	block := make(chan struct{})
	s.publish = func(context.Context, Event) error {
		<-block
		return nil
	}

	// No consumer running yet: the second event cannot be queued.
	s.Publish(Event{ID: "a"})
	done := make(chan struct{})
	go func() {
		s.Publish(Event{ID: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	assert.Len(t, s.queue, 1)

	go s.run()
	close(block)
	require.NoError(t, s.Close())
}

func TestDefaults(t *testing.T) {
	s := newRedisSink(nil, Options{})
	assert.Equal(t, defaultStream, s.stream)
	assert.Equal(t, int64(defaultMaxLen), s.maxLen)
	assert.Equal(t, defaultQueueSize, cap(s.queue))
}
