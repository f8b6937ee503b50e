package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// FilteredProxyConfig configures the public-facing Filtered Proxy binary.
type FilteredProxyConfig struct {
	Common

	ListenAddr string `env:"FILTERED_PROXY_PORT" envDefault:":8765"`

	FirehoseURL     string `env:"FIREHOSE_URL" envDefault:"ws://localhost:8701"`
	FirehoseToken   string `env:"FIREHOSE_TOKEN" envDefault:""`
	MsAggregatorURL string `env:"MS_AGGREGATOR_URL" envDefault:"ws://localhost:8702"`

	// IncludeExtendedHours, when false, drops messages timestamped outside
	// the regular US equity session (14:30-21:00 UTC) before client
	// dispatch. Applied only here, never in firehose or aggregator.
	IncludeExtendedHours bool `env:"INCLUDE_EXTENDED_HOURS" envDefault:"true"`

	MaxClientSubscriptions int `env:"MAX_CLIENT_SUBSCRIPTIONS" envDefault:"100"`
}

func LoadFilteredProxyConfig(logger *zerolog.Logger) (*FilteredProxyConfig, error) {
	cfg := &FilteredProxyConfig{}
	if err := loadEnv(logger, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *FilteredProxyConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("FILTERED_PROXY_PORT is required")
	}
	if c.FirehoseURL == "" {
		return fmt.Errorf("FIREHOSE_URL is required")
	}
	if c.MsAggregatorURL == "" {
		return fmt.Errorf("MS_AGGREGATOR_URL is required")
	}
	if c.MaxClientSubscriptions < 1 {
		return fmt.Errorf("MAX_CLIENT_SUBSCRIPTIONS must be > 0, got %d", c.MaxClientSubscriptions)
	}
	return c.Common.Validate()
}

func (c *FilteredProxyConfig) Print() {
	fmt.Println("=== Filtered Proxy Configuration ===")
	fmt.Printf("Listen:           %s\n", c.ListenAddr)
	fmt.Printf("Firehose URL:     %s\n", c.FirehoseURL)
	fmt.Printf("Aggregator URL:   %s\n", c.MsAggregatorURL)
	fmt.Printf("Extended hours:   %v\n", c.IncludeExtendedHours)
	fmt.Printf("Max client subs:  %d\n", c.MaxClientSubscriptions)
	fmt.Println("=====================================")
}

func (c *FilteredProxyConfig) LogConfig(logger zerolog.Logger) {
	c.Common.logEvent(logger.Info().
		Str("listen_addr", c.ListenAddr).
		Str("firehose_url", c.FirehoseURL).
		Str("ms_aggregator_url", c.MsAggregatorURL).
		Bool("include_extended_hours", c.IncludeExtendedHours).
		Int("max_client_subscriptions", c.MaxClientSubscriptions)).
		Msg("filtered proxy configuration loaded")
}
