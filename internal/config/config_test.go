package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payos-hq/payos/internal/fees"
)

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost:5432/payos")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, fees.Percentage, cfg.FeeModel.Type)
	assert.True(t, cfg.FeeModel.Percent.Equal(decimal.RequireFromString("2.9")))
	assert.Equal(t, 5*time.Minute, cfg.QuoteTTL)
	assert.Equal(t, 2, cfg.WebhookWorkers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost:5432/payos")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("FEE_MODEL", "hybrid")
	t.Setenv("FEE_PERCENT", "1.5")
	t.Setenv("FEE_FIXED", "0.30")
	t.Setenv("QUOTE_TTL", "90s")
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/payos")
	t.Setenv("WEBHOOK_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, fees.Hybrid, cfg.FeeModel.Type)
	assert.True(t, cfg.FeeModel.Fixed.Equal(decimal.RequireFromString("0.30")))
	assert.Equal(t, 90*time.Second, cfg.QuoteTTL)
	assert.Equal(t, "https://hooks.example.com/payos", cfg.WebhookURL)
	assert.Equal(t, 8, cfg.WebhookWorkers)
}

func TestLoadRejectsBadFeeModel(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost:5432/payos")
	t.Setenv("FEE_MODEL", "surge-pricing")

	_, err := Load()
	require.Error(t, err)
}
