package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// FirehoseConfig configures the Firehose Proxy binary: its one upstream
// Polygon session and its internal-consumer listener.
type FirehoseConfig struct {
	Common

	ListenAddr string `env:"FIREHOSE_PORT" envDefault:":8701"`

	PolygonURL    string `env:"POLYGON_URL" envDefault:"wss://socket.polygon.io/stocks"`
	PolygonAPIKey string `env:"POLYGON_API_KEY"`

	// FirehoseToken gates internal consumers (aggregator, filtered proxy).
	// Empty disables the gate: any auth frame is accepted, with or without
	// a token.
	FirehoseToken string `env:"FIREHOSE_TOKEN" envDefault:""`
}

// LoadFirehoseConfig loads and validates FirehoseConfig.
func LoadFirehoseConfig(logger *zerolog.Logger) (*FirehoseConfig, error) {
	cfg := &FirehoseConfig{}
	if err := loadEnv(logger, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *FirehoseConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("FIREHOSE_PORT is required")
	}
	if c.PolygonAPIKey == "" {
		return fmt.Errorf("POLYGON_API_KEY is required")
	}
	return c.Common.Validate()
}

func (c *FirehoseConfig) Print() {
	fmt.Println("=== Firehose Configuration ===")
	fmt.Printf("Listen:      %s\n", c.ListenAddr)
	fmt.Printf("Polygon URL: %s\n", c.PolygonURL)
	fmt.Printf("Token gate:  %v\n", c.FirehoseToken != "")
	fmt.Println("==============================")
}

func (c *FirehoseConfig) LogConfig(logger zerolog.Logger) {
	c.Common.logEvent(logger.Info().
		Str("listen_addr", c.ListenAddr).
		Str("polygon_url", c.PolygonURL).
		Bool("token_gate_enabled", c.FirehoseToken != "")).
		Msg("firehose configuration loaded")
}
