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
	"github.com/wotanvonklass/polygon-proxy/internal/filteredproxy"
	"github.com/wotanvonklass/polygon-proxy/internal/obslog"
	"github.com/wotanvonklass/polygon-proxy/internal/obsmetrics"
	"github.com/wotanvonklass/polygon-proxy/internal/resourceguard"
)

const shutdownGrace = 30 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := obslog.New(obslog.Options{Level: "info", Format: "json", Service: "filteredproxy"})

	cfg, err := config.LoadFilteredProxyConfig(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := obslog.New(obslog.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "filteredproxy"})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting filtered proxy")
	cfg.Print()
	cfg.LogConfig(logger)

	guard := resourceguard.New(logger, cfg.CPURejectThreshold, cfg.CPUPauseThreshold, cfg.MaxGoroutines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	guard.StartMonitoring(ctx, cfg.MetricsInterval)

	server := filteredproxy.New(cfg, logger, guard)
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
			logger.Fatal().Err(err).Msg("filtered proxy listener failed")
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
		logger.Error().Msg("an upstream authentication failed permanently, exiting")
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
