package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PAYMENT_CONCURRENCY", "")
	t.Setenv("ORPHAN_AFTER", "")

	cfg := Load()

	assert.Equal(t, 3, cfg.PaymentConcurrency)
	assert.Equal(t, 5, cfg.OTPConcurrency)
	assert.Equal(t, 10, cfg.OTPRatePerMinute)
	assert.Equal(t, 30*time.Minute, cfg.OrphanAfter)
	assert.True(t, cfg.CacheEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("PAYMENT_CONCURRENCY", "7")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("SWEEP_INTERVAL", "90s")
	t.Setenv("OTP_RATE_PER_MINUTE", "not-a-number")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 7, cfg.PaymentConcurrency)
	assert.False(t, cfg.CacheEnabled)
	assert.Equal(t, 90*time.Second, cfg.SweepInterval)
	assert.Equal(t, 10, cfg.OTPRatePerMinute)
}
