package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("WALLET_SIGNER_URL", "http://localhost:9000")
}

func TestLoad_ValidConfig(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ChainAptos, cfg.Chain)
	assert.Equal(t, "https://fullnode.mainnet.aptoslabs.com", cfg.AptosNodeURL)
	assert.Equal(t, 5.0, cfg.AptosRequestsPerSecond)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.InterOperationDelay)
	assert.Equal(t, 2*time.Second, cfg.ConfirmationInitialDelay)
	assert.Equal(t, 3*time.Second, cfg.ConfirmationPollInterval)
	assert.Equal(t, 60*time.Second, cfg.ConfirmationTimeout)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, 8, cfg.TokenDecimals)
	assert.Equal(t, 5.0, cfg.DriftThreshold)
	assert.Equal(t, 10.0, cfg.FallbackUnitPriceUSD)
	assert.Equal(t, "rebalancer-drift-checks", cfg.TemporalTaskQueue)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("WALLET_SIGNER_URL", "")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Contains(t, err.Error(), "WALLET_SIGNER_URL is required")
}

func TestLoad_SolanaRequiresRPCURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHAIN", "solana")
	t.Setenv("SOLANA_RPC_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOLANA_RPC_URL is required")

	t.Setenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ChainSolana, cfg.Chain)
}

func TestLoad_UnknownChain(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHAIN", "ethereum")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAIN must be")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad duration", "INTER_OPERATION_DELAY", "soon", "invalid duration"},
		{"bad integer", "MAX_RETRIES", "three", "invalid integer"},
		{"bad float", "DRIFT_THRESHOLD", "five", "invalid number"},
		{"negative retries", "MAX_RETRIES", "-1", "MAX_RETRIES cannot be negative"},
		{"threshold over 100", "DRIFT_THRESHOLD", "150", "DRIFT_THRESHOLD must be between"},
		{"timeout below initial delay", "CONFIRMATION_TIMEOUT", "1s", "cannot be less than"},
		{"zero history", "HISTORY_LIMIT", "0", "HISTORY_LIMIT must be positive"},
		{"too many decimals", "TOKEN_DECIMALS", "30", "TOKEN_DECIMALS must be between"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("CONFIRMATION_TIMEOUT", "2m")
	t.Setenv("DRIFT_THRESHOLD", "2.5")
	t.Setenv("REGISTRY_FILE", "/etc/rebalancer/registry.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmationTimeout)
	assert.Equal(t, 2.5, cfg.DriftThreshold)
	assert.Equal(t, "/etc/rebalancer/registry.yaml", cfg.RegistryFile)
}

func TestConfig_EngineConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_RETRIES", "1")
	t.Setenv("TOKEN_DECIMALS", "6")

	cfg, err := Load()
	require.NoError(t, err)

	ec := cfg.EngineConfig()
	assert.Equal(t, 1, ec.MaxRetries)
	assert.Equal(t, int32(6), ec.TokenDecimals)
	assert.Equal(t, cfg.ConfirmationTimeout, ec.ConfirmationTimeout)
	assert.Nil(t, ec.Clock)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseURL:              "postgres://localhost/test",
			WalletSignerURL:          "http://localhost:9000",
			Chain:                    ChainAptos,
			AptosNodeURL:             "https://fullnode.mainnet.aptoslabs.com",
			TemporalHost:             "localhost:7233",
			TemporalNamespace:        "default",
			TemporalTaskQueue:        "rebalancer-drift-checks",
			MaxRetries:               3,
			ConfirmationPollInterval: 3 * time.Second,
			ConfirmationTimeout:      time.Minute,
			HistoryLimit:             50,
			TokenDecimals:            8,
			DriftThreshold:           5,
			FallbackUnitPriceUSD:     10,
		}
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Chain = "solana"
	assert.ErrorContains(t, cfg.Validate(), "SolanaRPCURL is required")

	cfg = valid()
	cfg.TemporalTaskQueue = ""
	assert.ErrorContains(t, cfg.Validate(), "TemporalTaskQueue is required")

	cfg = valid()
	cfg.FallbackUnitPriceUSD = 0
	assert.ErrorContains(t, cfg.Validate(), "FALLBACK_UNIT_PRICE_USD must be positive")
}
