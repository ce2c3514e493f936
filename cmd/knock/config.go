package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/matst80/knockd/internal/knockclient"
)

// Config holds client runtime configuration.
type Config struct {
	Host          string
	Sequence      string
	ProtectedPort uint16
	Delay         time.Duration
	Timeout       time.Duration
	Quiet         bool
	Debug         bool
}

func parseFlags(args []string) (Config, error) {
	var cfg Config
	fs := pflag.NewFlagSet("knock", pflag.ContinueOnError)
	fs.StringVarP(&cfg.Host, "host", "H", "127.0.0.1", "knockd server host")
	fs.StringVarP(&cfg.Sequence, "sequence", "s", "4002,4841,4219", "ordered knock ports")
	fs.Uint16VarP(&cfg.ProtectedPort, "port", "p", 2323, "protected port to connect to after knocking")
	fs.DurationVar(&cfg.Delay, "delay", knockclient.DefaultDelay, "pause between knocks and before connecting")
	fs.DurationVar(&cfg.Timeout, "timeout", knockclient.DefaultTimeout, "dial and read timeout")
	fs.BoolVarP(&cfg.Quiet, "quiet", "q", false, "print only the payload")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) options() (knockclient.Options, error) {
	var seq []uint16
	for _, part := range strings.Split(c.Sequence, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil || n == 0 {
			return knockclient.Options{}, fmt.Errorf("invalid knock port %q", part)
		}
		seq = append(seq, uint16(n))
	}
	return knockclient.Options{
		Host:          c.Host,
		Sequence:      seq,
		ProtectedPort: c.ProtectedPort,
		Delay:         c.Delay,
		Timeout:       c.Timeout,
	}, nil
}
