package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/strategy"
)

// Supported chains for transaction status queries.
const (
	ChainAptos  = "aptos"
	ChainSolana = "solana"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Chain configuration
	Chain        string
	AptosNodeURL string
	SolanaRPCURL string

	// AptosRequestsPerSecond caps status polls against the node. Zero
	// disables the limit.
	AptosRequestsPerSecond float64

	// Collaborators
	WalletSignerURL     string
	PortfolioAPIURL     string
	RebalancerServerURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Execution engine
	MaxRetries               int
	InterOperationDelay      time.Duration
	ConfirmationInitialDelay time.Duration
	ConfirmationPollInterval time.Duration
	ConfirmationTimeout      time.Duration
	HistoryLimit             int
	TokenDecimals            int

	// Strategy
	DriftThreshold       float64
	FallbackUnitPriceUSD float64
	RegistryFile         string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	cfg.Chain = getEnvOrDefault("CHAIN", ChainAptos)
	cfg.AptosNodeURL = getEnvOrDefault("APTOS_NODE_URL", "https://fullnode.mainnet.aptoslabs.com")
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	switch cfg.Chain {
	case ChainAptos:
	case ChainSolana:
		if cfg.SolanaRPCURL == "" {
			errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required when CHAIN=solana"))
		}
	default:
		errs = append(errs, fmt.Errorf("CHAIN must be %q or %q, got %q", ChainAptos, ChainSolana, cfg.Chain))
	}

	cfg.WalletSignerURL = os.Getenv("WALLET_SIGNER_URL")
	if cfg.WalletSignerURL == "" {
		errs = append(errs, fmt.Errorf("WALLET_SIGNER_URL is required"))
	}
	cfg.PortfolioAPIURL = os.Getenv("PORTFOLIO_API_URL")
	cfg.RebalancerServerURL = getEnvOrDefault("REBALANCER_SERVER_URL", "http://localhost:8080")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "rebalancer-drift-checks")

	var err error
	if cfg.MaxRetries, err = parseInt("MAX_RETRIES", engine.DefaultMaxRetries); err != nil {
		errs = append(errs, err)
	}
	if cfg.InterOperationDelay, err = parseDuration("INTER_OPERATION_DELAY", engine.DefaultInterOperationDelay.String()); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmationInitialDelay, err = parseDuration("CONFIRMATION_INITIAL_DELAY", engine.DefaultConfirmationInitialDelay.String()); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmationPollInterval, err = parseDuration("CONFIRMATION_POLL_INTERVAL", engine.DefaultConfirmationPollInterval.String()); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmationTimeout, err = parseDuration("CONFIRMATION_TIMEOUT", engine.DefaultConfirmationTimeout.String()); err != nil {
		errs = append(errs, err)
	}
	if cfg.HistoryLimit, err = parseInt("HISTORY_LIMIT", engine.DefaultHistoryLimit); err != nil {
		errs = append(errs, err)
	}
	if cfg.TokenDecimals, err = parseInt("TOKEN_DECIMALS", strategy.DefaultTokenDecimals); err != nil {
		errs = append(errs, err)
	}
	if cfg.DriftThreshold, err = parseFloat("DRIFT_THRESHOLD", 5); err != nil {
		errs = append(errs, err)
	}
	if cfg.FallbackUnitPriceUSD, err = parseFloat("FALLBACK_UNIT_PRICE_USD", 10); err != nil {
		errs = append(errs, err)
	}
	if cfg.AptosRequestsPerSecond, err = parseFloat("APTOS_REQUESTS_PER_SECOND", 5); err != nil {
		errs = append(errs, err)
	}
	cfg.RegistryFile = os.Getenv("REGISTRY_FILE")

	if len(errs) == 0 {
		if err := cfg.validateRanges(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}
	if c.WalletSignerURL == "" {
		errs = append(errs, fmt.Errorf("WalletSignerURL is required"))
	}
	switch c.Chain {
	case ChainAptos:
		if c.AptosNodeURL == "" {
			errs = append(errs, fmt.Errorf("AptosNodeURL is required"))
		}
	case ChainSolana:
		if c.SolanaRPCURL == "" {
			errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported chain %q", c.Chain))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}
	if err := c.validateRanges(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

func (c *Config) validateRanges() error {
	switch {
	case c.MaxRetries < 0:
		return fmt.Errorf("MAX_RETRIES cannot be negative")
	case c.InterOperationDelay < 0:
		return fmt.Errorf("INTER_OPERATION_DELAY cannot be negative")
	case c.ConfirmationPollInterval <= 0:
		return fmt.Errorf("CONFIRMATION_POLL_INTERVAL must be positive")
	case c.ConfirmationTimeout < c.ConfirmationInitialDelay:
		return fmt.Errorf("CONFIRMATION_TIMEOUT (%v) cannot be less than CONFIRMATION_INITIAL_DELAY (%v)",
			c.ConfirmationTimeout, c.ConfirmationInitialDelay)
	case c.HistoryLimit <= 0:
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	case c.TokenDecimals <= 0 || c.TokenDecimals > 18:
		return fmt.Errorf("TOKEN_DECIMALS must be between 1 and 18")
	case c.DriftThreshold < 0 || c.DriftThreshold > 100:
		return fmt.Errorf("DRIFT_THRESHOLD must be between 0 and 100")
	case c.FallbackUnitPriceUSD <= 0:
		return fmt.Errorf("FALLBACK_UNIT_PRICE_USD must be positive")
	case c.AptosRequestsPerSecond < 0:
		return fmt.Errorf("APTOS_REQUESTS_PER_SECOND cannot be negative")
	}
	return nil
}

// EngineConfig converts the execution settings for engine.New.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxRetries:               c.MaxRetries,
		InterOperationDelay:      c.InterOperationDelay,
		TokenDecimals:            int32(c.TokenDecimals),
		HistoryLimit:             c.HistoryLimit,
		ConfirmationInitialDelay: c.ConfirmationInitialDelay,
		ConfirmationPollInterval: c.ConfirmationPollInterval,
		ConfirmationTimeout:      c.ConfirmationTimeout,
	}
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}
