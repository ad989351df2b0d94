// vdiskd is the in-appliance daemon of the disk toolkit. It opens the
// channel back to the host library, announces readiness with the launch
// flag, and then serves procedure calls until the host goes away.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arheider/vdiskd/internal/channel"
	"github.com/arheider/vdiskd/internal/daemon"
	"github.com/arheider/vdiskd/internal/daemon/ops"
	"github.com/arheider/vdiskd/internal/journal"
	"github.com/arheider/vdiskd/internal/logger"
	"github.com/arheider/vdiskd/internal/ratelimiter"
	"github.com/arheider/vdiskd/pkg/config"
	"github.com/arheider/vdiskd/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	listen := flag.String("listen", "", "Channel address override (tcp:, unix:, vsock:, serial:)")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration: %v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Channel.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetLevel(cfg.Logging.Level)

	if err := run(cfg); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pm metrics.ProtocolMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		pm = metrics.NewProtocolMetrics()
		go serveMetrics(cfg.Metrics.Listen)
	}

	var recorder daemon.CallRecorder
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("close journal: %v", err)
			}
		}()
		recorder = j
	}

	var limiter *ratelimiter.RateLimiter
	if cfg.Daemon.CallsPerSecond > 0 {
		limiter = ratelimiter.New(cfg.Daemon.CallsPerSecond, cfg.Daemon.CallBurst)
	}

	registry := daemon.NewRegistry()
	ops.RegisterAll(registry, cfg.Daemon.Root)

	stream, closeChannel, err := channel.Open(cfg.Channel.Listen)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeChannel(); err != nil {
			logger.Warn("close channel: %v", err)
		}
	}()

	conn := daemon.New(stream, registry, pm, recorder, limiter)
	return conn.Serve(ctx)
}

func serveMetrics(addr string) {
	handler := metrics.Handler()
	if handler == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	logger.Info("metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server: %v", err)
	}
}
