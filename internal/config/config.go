// Package config loads per-binary configuration from environment
// variables (with an optional .env file for local development), the way
// the rest of this codebase's ambient stack is grounded on the teacher's
// config.go.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Common holds the fields every one of the three binaries needs:
// logging, metrics, and resource-guard knobs. Each binary's Config
// embeds Common alongside its own fields.
type Common struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	MaxGoroutines      int     `env:"MAX_GOROUTINES" envDefault:"4000"`
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	MaxClientQueue        int           `env:"MAX_CLIENT_QUEUE" envDefault:"256"`
	ClientWriteDeadline   time.Duration `env:"CLIENT_WRITE_DEADLINE" envDefault:"1s"`
	MaxMalformedFrames    int           `env:"MAX_MALFORMED_FRAMES" envDefault:"10"`
	ReconnectBackoffMaxMs int           `env:"RECONNECT_BACKOFF_MAX_MS" envDefault:"30000"`

	// ClientMessageRatePerSec/ClientMessageBurst bound how many inbound
	// control frames (auth/subscribe/unsubscribe) one client connection
	// may send per second before being throttled.
	ClientMessageRatePerSec float64 `env:"CLIENT_MESSAGE_RATE_PER_SEC" envDefault:"20"`
	ClientMessageBurst      int     `env:"CLIENT_MESSAGE_BURST" envDefault:"40"`
}

// Validate performs the range/logical/enum checks every binary shares.
func (c *Common) Validate() error {
	if c.MaxGoroutines < 1 {
		return fmt.Errorf("MAX_GOROUTINES must be > 0, got %d", c.MaxGoroutines)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD (%.1f) must be >= CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.MaxClientQueue < 1 {
		return fmt.Errorf("MAX_CLIENT_QUEUE must be > 0, got %d", c.MaxClientQueue)
	}
	if c.MaxMalformedFrames < 1 {
		return fmt.Errorf("MAX_MALFORMED_FRAMES must be > 0, got %d", c.MaxMalformedFrames)
	}
	if c.ReconnectBackoffMaxMs < 1000 {
		return fmt.Errorf("RECONNECT_BACKOFF_MAX_MS must be >= 1000, got %d", c.ReconnectBackoffMaxMs)
	}
	if c.ClientMessageRatePerSec <= 0 {
		return fmt.Errorf("CLIENT_MESSAGE_RATE_PER_SEC must be > 0, got %.1f", c.ClientMessageRatePerSec)
	}
	if c.ClientMessageBurst < 1 {
		return fmt.Errorf("CLIENT_MESSAGE_BURST must be > 0, got %d", c.ClientMessageBurst)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// logEvent adds the Common fields to a structured-logger event; each
// binary's LogConfig chains these with its own fields.
func (c *Common) logEvent(e *zerolog.Event) *zerolog.Event {
	return e.
		Str("environment", c.Environment).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Int("max_client_queue", c.MaxClientQueue).
		Dur("client_write_deadline", c.ClientWriteDeadline).
		Int("max_malformed_frames", c.MaxMalformedFrames).
		Int("reconnect_backoff_max_ms", c.ReconnectBackoffMaxMs).
		Float64("client_message_rate_per_sec", c.ClientMessageRatePerSec).
		Int("client_message_burst", c.ClientMessageBurst)
}

// loadEnv loads an optional .env file, logging but never failing if one
// is absent, then parses env vars into dst via struct tags.
func loadEnv(logger *zerolog.Logger, dst interface{}) error {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}
	if err := env.Parse(dst); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}
