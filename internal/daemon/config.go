package daemon

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/matst80/knockd/internal/knock"
	"github.com/matst80/knockd/internal/ratelimit"
)

// Config is the immutable daemon configuration. Zero tuning fields fall back
// to the defaults below.
type Config struct {
	BindAddr       netip.Addr // zero = all IPv4 interfaces
	KnockBasePort  uint16
	KnockPortCount int
	KnockPorts     []uint16 // explicit list; overrides base and count
	ProtectedPort  uint16
	Sequence       []uint16
	Payload        []byte

	IdleTimeout   time.Duration // 0 = knock.DefaultIdleTimeout, negative disables idle eviction
	SweepInterval time.Duration
	MaxAddresses  int // 0 = knock.DefaultMaxAddresses, negative = unbounded
	RateLimit     ratelimit.Config
	MaxDatagram   int
}

// Defaults.
const (
	DefaultKnockBasePort  = 4000
	DefaultKnockPortCount = 1000
	DefaultProtectedPort  = 2323
	DefaultSweepInterval  = 10 * time.Second
	DefaultMaxDatagram    = 2048
	MaxPayloadSize        = 64 * 1024
)

// DefaultSequence is the knock sequence used when none is configured.
var DefaultSequence = []uint16{4002, 4841, 4219}

var (
	ErrNoKnockPorts     = errors.New("no knock ports configured")
	ErrEmptyPayload     = errors.New("payload is empty")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrUnmonitoredKnock = errors.New("sequence port is not a knock port")
)

func (c *Config) bindAddr() netip.Addr {
	if c.BindAddr.IsValid() {
		return c.BindAddr
	}
	return netip.IPv4Unspecified()
}

func (c *Config) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return DefaultSweepInterval
}

func (c *Config) trackerConfig() knock.TrackerConfig {
	tc := knock.TrackerConfig{IdleTimeout: c.IdleTimeout, MaxAddresses: c.MaxAddresses}
	switch {
	case tc.IdleTimeout == 0:
		tc.IdleTimeout = knock.DefaultIdleTimeout
	case tc.IdleTimeout < 0:
		tc.IdleTimeout = 0
	}
	switch {
	case tc.MaxAddresses == 0:
		tc.MaxAddresses = knock.DefaultMaxAddresses
	case tc.MaxAddresses < 0:
		tc.MaxAddresses = 0
	}
	return tc
}

func (c *Config) maxDatagram() int {
	if c.MaxDatagram > 0 {
		return c.MaxDatagram
	}
	return DefaultMaxDatagram
}

// Ports returns the monitored knock ports in ascending configuration order.
func (c *Config) Ports() []uint16 {
	if len(c.KnockPorts) > 0 {
		out := make([]uint16, len(c.KnockPorts))
		copy(out, c.KnockPorts)
		return out
	}
	out := make([]uint16, 0, c.KnockPortCount)
	for i := 0; i < c.KnockPortCount; i++ {
		out = append(out, c.KnockBasePort+uint16(i))
	}
	return out
}

// Validate checks the configuration once at startup.
func (c *Config) Validate() error {
	if len(c.KnockPorts) == 0 {
		if c.KnockPortCount <= 0 {
			return ErrNoKnockPorts
		}
		if c.KnockBasePort == 0 || int(c.KnockBasePort)+c.KnockPortCount-1 > 65535 {
			return fmt.Errorf("knock port range %d+%d out of bounds", c.KnockBasePort, c.KnockPortCount)
		}
	}
	ports := c.Ports()
	monitored := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		if p == 0 {
			return fmt.Errorf("knock port 0 is not allowed")
		}
		if _, dup := monitored[p]; dup {
			return fmt.Errorf("knock port %d listed twice", p)
		}
		monitored[p] = struct{}{}
	}
	if c.ProtectedPort == 0 {
		return fmt.Errorf("protected port is not set")
	}
	if _, err := knock.NewPolicy(c.Sequence); err != nil {
		return err
	}
	for _, p := range c.Sequence {
		if _, ok := monitored[p]; !ok {
			return fmt.Errorf("%w: %d", ErrUnmonitoredKnock, p)
		}
	}
	if len(c.Payload) == 0 {
		return ErrEmptyPayload
	}
	if len(c.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(c.Payload), MaxPayloadSize)
	}
	return nil
}
