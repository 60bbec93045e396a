package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/edgekit/offload/internal/discovery"
	"github.com/edgekit/offload/registry"
)

func main() {
	var (
		addr      = flag.String("addr", ":5443", "listen address for the signaling endpoint")
		advertise = flag.String("advertise", "", "rendezvous URL handed to clients (derived from the local address when empty)")
		useMDNS   = flag.Bool("mdns", false, "discover and wake dormant devices over mDNS")
		logLevel  = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	config := registry.DefaultConfig()
	config.AdvertiseURL = *advertise

	opts := []registry.Option{}
	if *useMDNS {
		disc, err := discovery.NewMDNS(config.AdvertiseURL, logger)
		if err != nil {
			logger.Error("discovery setup failed", "error", err)
			os.Exit(1)
		}
		defer disc.Close()
		opts = append(opts, registry.WithDiscovery(disc))
	}

	reg := registry.New(config, logger, opts...)
	server := registry.NewServer(reg, logger)
	logger.Info("registry starting", "addr", *addr, "token", reg.Token())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, *addr)
	})
	if err := g.Wait(); err != nil {
		logger.Error("registry stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("registry stopped")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
