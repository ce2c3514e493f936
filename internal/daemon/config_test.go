package daemon

import (
	"errors"
	"testing"
	"time"

	"github.com/matst80/knockd/internal/knock"
)

func validConfig() Config {
	return Config{
		KnockBasePort:  4000,
		KnockPortCount: 1000,
		ProtectedPort:  2323,
		Sequence:       DefaultSequence,
		Payload:        []byte("secret"),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{name: "valid"},
		{name: "no ports", mutate: func(c *Config) { c.KnockPortCount = 0 }, want: ErrNoKnockPorts},
		{name: "empty sequence", mutate: func(c *Config) { c.Sequence = nil }, want: knock.ErrEmptyPolicy},
		{name: "duplicate sequence port", mutate: func(c *Config) { c.Sequence = []uint16{4002, 4002} }, want: knock.ErrDuplicatePort},
		{name: "unmonitored sequence port", mutate: func(c *Config) { c.Sequence = []uint16{4002, 5001} }, want: ErrUnmonitoredKnock},
		{name: "empty payload", mutate: func(c *Config) { c.Payload = nil }, want: ErrEmptyPayload},
		{name: "payload too large", mutate: func(c *Config) { c.Payload = make([]byte, MaxPayloadSize+1) }, want: ErrPayloadTooLarge},
		{name: "explicit ports", mutate: func(c *Config) {
			c.KnockPorts = []uint16{4002, 4841, 4219}
			c.KnockPortCount = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateRejectsMalformedPorts(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"range overflow":   func(c *Config) { c.KnockBasePort = 65000 },
		"duplicate listed": func(c *Config) { c.KnockPorts = []uint16{4002, 4841, 4219, 4002} },
		"port zero listed": func(c *Config) { c.KnockPorts = []uint16{0, 4002, 4841, 4219} },
		"no protected":     func(c *Config) { c.ProtectedPort = 0 },
	} {
		cfg := validConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestPortsFromRange(t *testing.T) {
	cfg := Config{KnockBasePort: 100, KnockPortCount: 3}
	got := cfg.Ports()
	want := []uint16{100, 101, 102}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTrackerConfigDefaults(t *testing.T) {
	tests := []struct {
		idle time.Duration
		max  int
		want knock.TrackerConfig
	}{
		{want: knock.TrackerConfig{IdleTimeout: knock.DefaultIdleTimeout, MaxAddresses: knock.DefaultMaxAddresses}},
		{idle: 5 * time.Second, max: 10, want: knock.TrackerConfig{IdleTimeout: 5 * time.Second, MaxAddresses: 10}},
		{idle: -1, max: -1, want: knock.TrackerConfig{}},
	}
	for _, tt := range tests {
		cfg := Config{IdleTimeout: tt.idle, MaxAddresses: tt.max}
		if got := cfg.trackerConfig(); got != tt.want {
			t.Errorf("idle=%v max=%d: got %+v, want %+v", tt.idle, tt.max, got, tt.want)
		}
	}
}
