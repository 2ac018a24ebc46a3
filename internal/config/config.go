// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config represents the application configuration.
type Config struct {
	App    AppConfig    `envPrefix:"APP_"`
	Store  StoreConfig  `envPrefix:"STORE_"`
	Vendor VendorConfig `envPrefix:"VENDOR_"`
}

// AppConfig represents the server-side settings.
type AppConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8750"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// LogDir holds per-session log sinks (sendto "log").
	LogDir string `env:"LOG_DIR" envDefault:"./logs"`

	// DefaultWindowDays is the history window when start_time is absent.
	DefaultWindowDays int `env:"DEFAULT_WINDOW_DAYS" envDefault:"60"`
}

// StoreConfig represents the durable bar cache settings.
type StoreConfig struct {
	Path string `env:"PATH" envDefault:"./chronicle.db"`
}

// VendorConfig represents the upstream vendor connection settings.
type VendorConfig struct {
	HistoricalURL   string        `env:"HISTORICAL_URL"`
	LiveURL         string        `env:"LIVE_URL"`
	APIKey          string        `env:"API_KEY"`
	TLSInsecureSkip bool          `env:"TLS_INSECURE_SKIP" envDefault:"false"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"500ms"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"4"`
}

// Load loads the configuration from the environment.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
