package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/matst80/knockd/internal/knockclient"
	"github.com/matst80/knockd/internal/obs"
)

func main() {
	os.Exit(submain(os.Args[1:]))
}

func submain(args []string) int {
	cfg, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}
	_ = obs.Configure("info", obs.FormatConsole, os.Stderr)
	obs.EnableDebug(cfg.Debug)

	opts, err := cfg.options()
	if err != nil {
		obs.Error("knock.config", obs.Fields{"err": err.Error()})
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := knockclient.Knock(ctx, opts)
	if err != nil {
		obs.Error("knock.failed", obs.Fields{"err": err.Error(), "host": cfg.Host})
		return 1
	}
	for _, kr := range res.Knocks {
		obs.Debug("knock.sent", obs.Fields{"seq": kr.Seq, "port": kr.Port})
	}
	if !res.Granted {
		if !cfg.Quiet {
			obs.Warn("knock.rejected", obs.Fields{"host": cfg.Host, "port": cfg.ProtectedPort, "took": res.Duration.String()})
		}
		return 1
	}
	if !cfg.Quiet {
		obs.Info("knock.granted", obs.Fields{
			"host":    cfg.Host,
			"payload": humanize.Bytes(uint64(len(res.Payload))),
			"took":    res.Duration.String(),
		})
	}
	_, _ = os.Stdout.Write(res.Payload)
	return 0
}
