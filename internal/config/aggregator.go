package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// AggregatorConfig configures the Millisecond-Bar Aggregator binary.
type AggregatorConfig struct {
	Common

	ListenAddr string `env:"MS_AGGREGATOR_PORT" envDefault:":8702"`

	FirehoseURL   string `env:"FIREHOSE_URL" envDefault:"ws://localhost:8701"`
	FirehoseToken string `env:"FIREHOSE_TOKEN" envDefault:""`

	// ReplayWindowSeconds bounds the age of bars retained per key's ring
	// buffer, across all configured intervals.
	ReplayWindowSeconds int `env:"REPLAY_WINDOW_SECONDS" envDefault:"300"`
}

func LoadAggregatorConfig(logger *zerolog.Logger) (*AggregatorConfig, error) {
	cfg := &AggregatorConfig{}
	if err := loadEnv(logger, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *AggregatorConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("MS_AGGREGATOR_PORT is required")
	}
	if c.FirehoseURL == "" {
		return fmt.Errorf("FIREHOSE_URL is required")
	}
	if c.ReplayWindowSeconds < 1 {
		return fmt.Errorf("REPLAY_WINDOW_SECONDS must be > 0, got %d", c.ReplayWindowSeconds)
	}
	return c.Common.Validate()
}

func (c *AggregatorConfig) Print() {
	fmt.Println("=== Ms-Aggregator Configuration ===")
	fmt.Printf("Listen:        %s\n", c.ListenAddr)
	fmt.Printf("Firehose URL:  %s\n", c.FirehoseURL)
	fmt.Printf("Replay window: %ds\n", c.ReplayWindowSeconds)
	fmt.Println("====================================")
}

func (c *AggregatorConfig) LogConfig(logger zerolog.Logger) {
	c.Common.logEvent(logger.Info().
		Str("listen_addr", c.ListenAddr).
		Str("firehose_url", c.FirehoseURL).
		Int("replay_window_seconds", c.ReplayWindowSeconds)).
		Msg("aggregator configuration loaded")
}
