package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, DriverMemory, cfg.CodeStoreBackend())
	assert.Equal(t, 60*time.Second, cfg.Verification.CodeTTL)
	assert.Equal(t, 60*time.Second, cfg.Verification.RateLimitWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, ":3000", cfg.GetServerAddress())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "staging")
	t.Setenv("STORAGE_DRIVER", "Postgres")
	t.Setenv("CODE_STORE_BACKEND", "redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("VERIFICATION_SWEEP_INTERVAL", "30s")
	t.Setenv("HASH_PREVIOUS_PEPPERS", "1:old-one,2:old-two")
	t.Setenv("SEED_PHONES", "13812345678")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, CodeBackendRedis, cfg.CodeStoreBackend())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Verification.SweepInterval)
	assert.Equal(t, map[int]string{1: "old-one", 2: "old-two"}, cfg.Hashing.PreviousPeppers)
	assert.Equal(t, []string{"13812345678"}, cfg.Seed.Phones)
}

func TestLoadConfigRejectsBadPeppers(t *testing.T) {
	t.Setenv("HASH_PREVIOUS_PEPPERS", "nope")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "HASH_PEPPER")
	assert.Contains(t, err.Error(), "memory storage")
}

func TestValidateUnknownDriver(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_DRIVER")
}
