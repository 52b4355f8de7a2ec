package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/fees"
)

// Config is the process configuration, read from the environment.
type Config struct {
	DBSource string
	Port     string
	Env      string

	FeeModel fees.Model
	QuoteTTL time.Duration

	WebhookURL       string
	WebhookWorkers   int
	WebhookQueueSize int
}

// Load reads configuration from environment variables. DB_SOURCE is
// required; everything else has a development default.
func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:         dbSource,
		Port:             envOr("SERVER_PORT", "8080"),
		Env:              envOr("ENVIRONMENT", "development"),
		WebhookURL:       os.Getenv("WEBHOOK_URL"),
		WebhookWorkers:   envInt("WEBHOOK_WORKERS", 2),
		WebhookQueueSize: envInt("WEBHOOK_QUEUE_SIZE", 256),
		QuoteTTL:         envDuration("QUOTE_TTL", 5*time.Minute),
	}

	feeModel, err := loadFeeModel()
	if err != nil {
		return nil, err
	}
	cfg.FeeModel = feeModel
	return cfg, nil
}

func loadFeeModel() (fees.Model, error) {
	m := fees.Model{
		Type:    fees.ModelType(envOr("FEE_MODEL", string(fees.Percentage))),
		Percent: envDecimal("FEE_PERCENT", "2.9"),
		Fixed:   envDecimal("FEE_FIXED", "0"),
	}
	if err := m.Validate(); err != nil {
		return fees.Model{}, fmt.Errorf("invalid fee configuration: %w", err)
	}
	return m, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envDecimal(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(fallback)
}
