package config

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tablesight/credits-backend/internal/chain"
	"github.com/tablesight/credits-backend/internal/rates"
)

// Config represents the complete configuration for the payment service
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	EVM        chain.EVMConfig  `yaml:"evm"`
	Solana     chain.SOLConfig  `yaml:"solana"`
	Rates      rates.Config     `yaml:"rates"`
	Credits    CreditsConfig    `yaml:"credits"`
	Payments   PaymentsConfig   `yaml:"payments"`
	NATS       NATSConfig       `yaml:"nats"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	LogLevel   string           `yaml:"log_level"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	URL            string        `yaml:"url"`
	MaxConnections int           `yaml:"max_connections"`
	MinConnections int           `yaml:"min_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
}

// CreditsConfig represents credit pricing configuration
type CreditsConfig struct {
	USDPerCredit decimal.Decimal `yaml:"usd_per_credit"`
}

// PaymentsConfig represents payment lifecycle configuration
type PaymentsConfig struct {
	ExpiryWindow  time.Duration `yaml:"expiry_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	MetricsEnabled     bool `yaml:"metrics_enabled"`
	HealthCheckEnabled bool `yaml:"health_check_enabled"`
}

// Validate validates the configuration. A chain without a receiving
// address fails here so a misconfigured deployment cannot silently
// accept payments to the zero address.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if c.EVM.RPCURL == "" {
		return fmt.Errorf("EVM RPC URL is required")
	}
	if c.EVM.TokenContract == "" {
		return fmt.Errorf("EVM token contract address is required")
	}
	if c.EVM.ReceivingAddress == "" {
		return fmt.Errorf("EVM receiving address is required")
	}
	if c.EVM.TokenSymbol == "" {
		return fmt.Errorf("EVM token symbol is required")
	}

	if c.Solana.RPCURL == "" {
		return fmt.Errorf("Solana RPC URL is required")
	}
	if c.Solana.ReceivingAddress == "" {
		return fmt.Errorf("Solana receiving address is required")
	}
	if c.Solana.TokenSymbol == "" {
		return fmt.Errorf("Solana token symbol is required")
	}

	if c.Credits.USDPerCredit.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("usd per credit must be positive")
	}

	if c.NATS.Enabled && c.NATS.Address == "" {
		return fmt.Errorf("NATS address is required when NATS is enabled")
	}

	return nil
}

// GetDatabaseConfig returns database configuration for pgxpool
func (c *Config) GetDatabaseConfig() (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(c.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	if c.Database.MaxConnections > 0 {
		config.MaxConns = int32(c.Database.MaxConnections)
	}
	if c.Database.MinConnections > 0 {
		config.MinConns = int32(c.Database.MinConnections)
	}
	if c.Database.MaxLifetime > 0 {
		config.MaxConnLifetime = c.Database.MaxLifetime
	}
	if c.Database.IdleTimeout > 0 {
		config.MaxConnIdleTime = c.Database.IdleTimeout
	}

	return config, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.LogLevel == "debug"
}
