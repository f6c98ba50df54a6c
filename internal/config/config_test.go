package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"APP_ENV", "HTTP_PORT", "LOG_LEVEL", "DATABASE_URL", "POSTGRESQL_HOST", "POSTGRESQL_USER",
	"POSTGRESQL_PASSWORD", "POSTGRESQL_DBNAME", "POSTGRESQL_PORT", "LEDGER_DRIVER", "JWT_SECRET",
	"PAYMENT_WEBHOOK_SECRET", "CORS_ALLOWED_ORIGINS", "PAYOUT_MODE", "QUEUE_DRIVER", "REDIS_URL",
	"PAYOUT_WORKERS", "PAYOUT_MAX_ATTEMPTS", "REVIEW_TIMEOUT", "LEDGER_TX_MAX_RETRIES",
	"PAYOUT_RETRY_BACKOFF", "OUTBOX_LEASE", "OUTBOX_POLL_INTERVAL",
}

// clearEnv убирает переменные на время теста; t.Setenv вернёт исходные значения.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, LedgerDriverPostgres, cfg.LedgerDriver)
	assert.Equal(t, QueueDriverMemory, cfg.QueueDriver)
	assert.Equal(t, PayoutModeSync, cfg.PayoutMode)
	assert.Equal(t, 20*time.Second, cfg.ReviewTimeout)
	assert.Equal(t, 5, cfg.PayoutMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.PayoutRetryBackoff)
	assert.Equal(t, 5*time.Minute, cfg.OutboxLease)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.NotEmpty(t, cfg.PaymentWebhookSecret)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:3001"}, cfg.AllowedOrigins)
	assert.Contains(t, cfg.DatabaseURL, "rental_escrow")
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEDGER_DRIVER", "memory")
	t.Setenv("QUEUE_DRIVER", "redis")
	t.Setenv("PAYOUT_MODE", "async")
	t.Setenv("PAYOUT_WORKERS", "2")
	t.Setenv("REVIEW_TIMEOUT", "5s")
	t.Setenv("OUTBOX_LEASE", "90s")
	t.Setenv("PAYOUT_RETRY_BACKOFF", "2m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("POSTGRESQL_HOST", "db")
	t.Setenv("POSTGRESQL_USER", "escrow")
	t.Setenv("POSTGRESQL_PASSWORD", "p@ss")
	t.Setenv("POSTGRESQL_DBNAME", "ledger")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, LedgerDriverMemory, cfg.LedgerDriver)
	assert.Equal(t, QueueDriverRedis, cfg.QueueDriver)
	assert.Equal(t, PayoutModeAsync, cfg.PayoutMode)
	assert.Equal(t, 2, cfg.PayoutWorkers)
	assert.Equal(t, 5*time.Second, cfg.ReviewTimeout)
	assert.Equal(t, 90*time.Second, cfg.OutboxLease)
	assert.Equal(t, 2*time.Minute, cfg.PayoutRetryBackoff)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "postgres://escrow:p%40ss@db:5432/ledger?sslmode=disable", cfg.DatabaseURL)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"short jwt secret", map[string]string{"JWT_SECRET": "short"}},
		{"missing webhook secret", map[string]string{
			"JWT_SECRET":           "0123456789abcdef0123456789abcdef",
			"CORS_ALLOWED_ORIGINS": "https://app.example",
		}},
		{"missing origins", map[string]string{
			"JWT_SECRET":             "0123456789abcdef0123456789abcdef",
			"PAYMENT_WEBHOOK_SECRET": "whsec",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("APP_ENV", "production")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_RejectsUnknownDrivers(t *testing.T) {
	for key, value := range map[string]string{
		"LEDGER_DRIVER": "sqlite",
		"QUEUE_DRIVER":  "kafka",
		"PAYOUT_MODE":   "later",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_RejectsLeaseShorterThanPoll(t *testing.T) {
	clearEnv(t)
	t.Setenv("OUTBOX_POLL_INTERVAL", "10s")
	t.Setenv("OUTBOX_LEASE", "5s")

	_, err := Load()
	assert.Error(t, err)
}
