package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/web3ekko/ekko-ce/relay/internal/broadcast"
	"github.com/web3ekko/ekko-ce/relay/internal/bus"
	"github.com/web3ekko/ekko-ce/relay/internal/config"
	"github.com/web3ekko/ekko-ce/relay/internal/logging"
	"github.com/web3ekko/ekko-ce/relay/internal/metrics"
	"github.com/web3ekko/ekko-ce/relay/internal/relay"
	"github.com/web3ekko/ekko-ce/relay/internal/server"
)

const statsInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load configuration (YAML overrides fall back to env)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.Setup(logging.Options{Service: "ekko-relay", Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Create context with cancellation on shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bus.Open(ctx, bus.Config{
		Driver:     cfg.Bus.Driver,
		URL:        cfg.Bus.URL,
		Host:       cfg.Bus.Host,
		Port:       cfg.Bus.Port,
		Prefix:     cfg.Bus.Prefix,
		BufferSize: cfg.Bus.BufferSize,
	})
	if err != nil {
		logger.Error("failed to open bus", "driver", cfg.Bus.Driver, "error", err)
		os.Exit(1)
	}
	defer b.Close()

	bc := broadcast.New(broadcast.Config{Workers: cfg.Server.FanoutWorkers, Metrics: m}, logger)

	sub, err := relay.New(b, bc, relay.Config{
		ReconnectMin: cfg.Relay.ReconnectMin,
		ReconnectMax: cfg.Relay.ReconnectMax,
		Metrics:      m,
	}, logger)
	if err != nil {
		logger.Error("failed to create relay", "error", err)
		os.Exit(1)
	}

	srv := server.New(bc, server.Config{
		Listen:       cfg.Server.Listen,
		WriteTimeout: cfg.Server.WriteTimeout,
		PingPeriod:   cfg.Server.PingPeriod,
		Gatherer:     reg,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sub.Run(gctx) })
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		start := time.Now()
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				st := srv.Stats()
				logger.Info("stats",
					"elapsed", time.Since(start).Round(time.Second).String(),
					"connected", st.Connected,
					"accepted", st.Accepted,
					"disconnected", st.Disconnected,
				)
			}
		}
	})

	logger.Info("relay started", "bus", cfg.Bus.Driver, "listen", cfg.Server.Listen)
	if err := g.Wait(); err != nil {
		logger.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}
