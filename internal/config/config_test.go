package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-delivery/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Worker.VisibilityTimeout)
	assert.Equal(t, "campaign_start", cfg.AMQP.CommandQueue)
	assert.Equal(t, 1, cfg.RateLimit.CostFor(model.ChannelSMS))
	assert.Equal(t, 30*time.Second, cfg.Providers.Timeout(model.ChannelEmail))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DB_USER", "sender")
	t.Setenv("DB_PASSWORD", "p@ss")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "delivery")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("RATE_LIMIT_COST", "sms:2,whatsapp:3")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 2, cfg.RateLimit.CostFor(model.ChannelSMS))
	assert.Equal(t, 3, cfg.RateLimit.CostFor(model.ChannelWhatsApp))
	assert.Equal(t, 1, cfg.RateLimit.CostFor(model.ChannelEmail))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "postgres://sender:p%40ss@db:6543/delivery?sslmode=disable", cfg.DB.DSN())
}

func TestLoadRejectsUnknownCostChannel(t *testing.T) {
	t.Setenv("RATE_LIMIT_COST", "fax:2")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsZeroConcurrency(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "0")

	_, err := Load()
	assert.Error(t, err)
}
