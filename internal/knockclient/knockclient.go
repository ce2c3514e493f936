// Package knockclient sends a knock sequence to a knockd server and collects
// the payload from the protected port.
package knockclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

var (
	ErrNoHost     = errors.New("host is required")
	ErrNoSequence = errors.New("at least one knock port is required")
	ErrNoPort     = errors.New("protected port is required")
)

// Defaults.
const (
	DefaultDelay      = 100 * time.Millisecond
	DefaultTimeout    = 3 * time.Second
	DefaultMaxPayload = 1 << 20
)

// Options configures one knock attempt.
type Options struct {
	Host          string
	Sequence      []uint16
	ProtectedPort uint16
	Delay         time.Duration // between knocks and before connecting
	Timeout       time.Duration // dial and read timeout
	Datagram      []byte        // knock content; must not be empty
	MaxPayload    int64
}

func (o *Options) applyDefaults() {
	if o.Delay <= 0 {
		o.Delay = DefaultDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if len(o.Datagram) == 0 {
		o.Datagram = []byte("knock")
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultMaxPayload
	}
}

// KnockResult is the outcome of one datagram.
type KnockResult struct {
	Seq   int
	Port  uint16
	Error error
}

// Result summarises an attempt. Granted is false when the server closed the
// connection without sending anything.
type Result struct {
	Knocks   []KnockResult
	Granted  bool
	Payload  []byte
	Duration time.Duration
}

// Knock sends the sequence, waits Delay, then connects to the protected port
// and reads until the server closes the connection.
func Knock(ctx context.Context, opts Options) (*Result, error) {
	if opts.Host == "" {
		return nil, ErrNoHost
	}
	if len(opts.Sequence) == 0 {
		return nil, ErrNoSequence
	}
	if opts.ProtectedPort == 0 {
		return nil, ErrNoPort
	}
	opts.applyDefaults()

	start := time.Now()
	res := &Result{Knocks: make([]KnockResult, 0, len(opts.Sequence))}
	for i, port := range opts.Sequence {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		if i > 0 {
			if err := sleep(ctx, opts.Delay); err != nil {
				res.Duration = time.Since(start)
				return res, err
			}
		}
		kr := KnockResult{Seq: i + 1, Port: port, Error: sendKnock(ctx, opts, port)}
		res.Knocks = append(res.Knocks, kr)
		if kr.Error != nil {
			res.Duration = time.Since(start)
			return res, fmt.Errorf("knock %d on port %d: %w", kr.Seq, port, kr.Error)
		}
	}
	if err := sleep(ctx, opts.Delay); err != nil {
		res.Duration = time.Since(start)
		return res, err
	}

	payload, err := fetch(ctx, opts)
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}
	res.Payload = payload
	res.Granted = len(payload) > 0
	return res, nil
}

func sendKnock(ctx context.Context, opts Options, port uint16) error {
	d := net.Dialer{Timeout: opts.Timeout}
	c, err := d.DialContext(ctx, "udp", net.JoinHostPort(opts.Host, strconv.Itoa(int(port))))
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Write(opts.Datagram)
	return err
}

func fetch(ctx context.Context, opts Options) ([]byte, error) {
	d := net.Dialer{Timeout: opts.Timeout}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(int(opts.ProtectedPort)))
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer c.Close()
	deadline := time.Now().Add(opts.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.SetReadDeadline(deadline)
	b, err := io.ReadAll(io.LimitReader(c, opts.MaxPayload))
	if err != nil && len(b) == 0 {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("read %s: %w", addr, err)
		}
		// A reset after silent rejection is still a rejection.
		return nil, nil
	}
	return b, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
