//go:build unix

package main

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/matst80/knockd/internal/audit"
	"github.com/matst80/knockd/internal/daemon"
	"github.com/matst80/knockd/internal/knock"
	"github.com/matst80/knockd/internal/obs"
	"github.com/matst80/knockd/internal/ratelimit"
)

const envPrefix = "KNOCKD"

// Config holds all runtime configuration resolved from flags, environment
// (KNOCKD_*) and an optional config file.
type Config struct {
	Daemon      daemon.Config
	Audit       audit.Options
	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

var flagNames = []string{
	"config",
	"bind", "knock-base-port", "knock-port-count", "knock-ports", "protected-port", "sequence",
	"payload", "payload-file", "idle-timeout", "sweep-interval", "max-addresses",
	"knock-rate", "knock-burst", "knock-rate-global", "rate-max-sources",
	"metrics", "log-level", "log-format",
	"redis-addr", "redis-password", "redis-db", "redis-stream", "redis-maxlen",
}

func registerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("bind", "0.0.0.0", "address to bind every listener to")
	fs.Uint16("knock-base-port", daemon.DefaultKnockBasePort, "first knock port of the monitored block")
	fs.Int("knock-port-count", daemon.DefaultKnockPortCount, "number of consecutive knock ports")
	fs.String("knock-ports", "", "explicit knock ports, e.g. 4000-4010,5000 (overrides base and count)")
	fs.Uint16("protected-port", daemon.DefaultProtectedPort, "stream port answered after a correct sequence")
	fs.String("sequence", joinPorts(daemon.DefaultSequence), "ordered knock sequence")
	fs.String("payload", "", "payload sent to authorized clients")
	fs.String("payload-file", "", "read the payload from this file")
	fs.Duration("idle-timeout", knock.DefaultIdleTimeout, "forget sources that stopped knocking for this long (0 disables)")
	fs.Duration("sweep-interval", daemon.DefaultSweepInterval, "interval between idle record sweeps")
	fs.Int("max-addresses", knock.DefaultMaxAddresses, "maximum tracked source addresses (0 = unbounded)")
	fs.Int("knock-rate", 0, "knocks per second accepted from one source (0 = unlimited)")
	fs.Int("knock-burst", 10, "knock burst size for the rate limiter")
	fs.Int("knock-rate-global", 0, "knocks per second accepted from all sources (0 = unlimited)")
	fs.Int("rate-max-sources", 65536, "maximum sources tracked by the rate limiter")
	fs.String("metrics", ":9100", "metrics and health listen address (empty disables)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "json", "log format (json, console)")
	fs.String("redis-addr", "", "redis address for the audit stream (empty logs decisions instead)")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database")
	fs.String("redis-stream", "knockd:audit", "redis stream receiving audit events")
	fs.Int64("redis-maxlen", 10000, "approximate maximum length of the audit stream")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	for _, name := range flagNames {
		f := fs.Lookup(name)
		if f == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, f); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

func configFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	bind, err := netip.ParseAddr(v.GetString("bind"))
	if err != nil {
		return cfg, fmt.Errorf("bind: %w", err)
	}
	seq, err := parsePorts(v.GetString("sequence"), false)
	if err != nil {
		return cfg, fmt.Errorf("sequence: %w", err)
	}
	var knockPorts []uint16
	if s := v.GetString("knock-ports"); s != "" {
		if knockPorts, err = parsePorts(s, true); err != nil {
			return cfg, fmt.Errorf("knock-ports: %w", err)
		}
	}
	payload, err := loadPayload(v.GetString("payload"), v.GetString("payload-file"))
	if err != nil {
		return cfg, err
	}
	cfg.Daemon = daemon.Config{
		BindAddr:       bind,
		KnockBasePort:  v.GetUint16("knock-base-port"),
		KnockPortCount: v.GetInt("knock-port-count"),
		KnockPorts:     knockPorts,
		ProtectedPort:  v.GetUint16("protected-port"),
		Sequence:       seq,
		Payload:        payload,
		IdleTimeout:    disabledIfZero(v.GetDuration("idle-timeout")),
		SweepInterval:  v.GetDuration("sweep-interval"),
		MaxAddresses:   disabledIfZero(v.GetInt("max-addresses")),
		RateLimit: ratelimit.Config{
			GlobalRate:    v.GetInt("knock-rate-global"),
			PerSourceRate: v.GetInt("knock-rate"),
			Burst:         v.GetInt("knock-burst"),
			MaxSources:    v.GetInt("rate-max-sources"),
		},
	}
	cfg.Audit = audit.Options{
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		Stream:        v.GetString("redis-stream"),
		MaxLen:        v.GetInt64("redis-maxlen"),
	}
	cfg.MetricsAddr = v.GetString("metrics")
	cfg.LogLevel = v.GetString("log-level")
	cfg.LogFormat = v.GetString("log-format")
	return cfg, nil
}

// disabledIfZero maps the flag convention (0 turns the bound off) onto
// daemon.Config, where zero selects the default and negative turns it off.
func disabledIfZero[T int | time.Duration](v T) T {
	if v <= 0 {
		return -1
	}
	return v
}

func loadPayload(inline, path string) ([]byte, error) {
	switch {
	case inline != "" && path != "":
		return nil, errors.New("payload and payload-file are mutually exclusive")
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("payload-file: %w", err)
		}
		return b, nil
	default:
		return []byte(inline), nil
	}
}

// parsePorts reads a comma separated port list. Ranges (a-b) are expanded
// when allowRanges is set.
func parsePorts(s string, allowRanges bool) ([]uint16, error) {
	var out []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if isRange && !allowRanges {
			return nil, fmt.Errorf("range %q not allowed here", part)
		}
		first, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = parsePort(hi); err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("range %q is reversed", part)
			}
		}
		for p := uint32(first); p <= uint32(last); p++ {
			out = append(out, uint16(p))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no ports")
	}
	return out, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n == 0 {
		return 0, errors.New("port 0 is not allowed")
	}
	return uint16(n), nil
}

func joinPorts(ports []uint16) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, ",")
}

func (c Config) logFields() obs.Fields {
	return obs.Fields{
		"bind":         c.Daemon.BindAddr.String(),
		"metrics":      c.MetricsAddr,
		"idle_timeout": c.Daemon.IdleTimeout.String(),
		"redis":        c.Audit.RedisAddr != "",
	}
}
