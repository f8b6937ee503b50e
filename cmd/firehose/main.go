package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/wotanvonklass/polygon-proxy/internal/config"
	"github.com/wotanvonklass/polygon-proxy/internal/firehose"
	"github.com/wotanvonklass/polygon-proxy/internal/obslog"
	"github.com/wotanvonklass/polygon-proxy/internal/obsmetrics"
	"github.com/wotanvonklass/polygon-proxy/internal/resourceguard"
)

// shutdownGrace bounds how long the HTTP and metrics listeners get to shut
// down once a termination signal arrives. Upgraded WebSocket consumer
// sessions are hijacked connections, so Shutdown does not wait for them.
const shutdownGrace = 30 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := obslog.New(obslog.Options{Level: "info", Format: "json", Service: "firehose"})

	cfg, err := config.LoadFirehoseConfig(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := obslog.New(obslog.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "firehose"})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting firehose proxy")
	cfg.Print()
	cfg.LogConfig(logger)

	guard := resourceguard.New(logger, cfg.CPURejectThreshold, cfg.CPUPauseThreshold, cfg.MaxGoroutines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	guard.StartMonitoring(ctx, cfg.MetricsInterval)

	server := firehose.New(cfg, logger, guard)
	server.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", server)
	mux.Handle("/health", guard.HealthHandler())
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", obsmetrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("firehose listener failed")
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	fatal := false
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-server.Fatal():
		logger.Error().Msg("upstream polygon authentication failed permanently, exiting")
		fatal = true
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	if fatal {
		os.Exit(1)
	}
}
