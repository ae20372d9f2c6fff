package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		Read:      ReadConfig{Driver: DriverPostgres, Path: "orders-read.db"},
		Projector: ProjectorConfig{Workers: 4},
		Admin:     AdminConfig{Addr: "0.0.0.0:8081"},
	}
}

func TestPlatformDefaults(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("KAFKA_BROKERS", "")
		t.Setenv("REDIS_URL", "")
		t.Setenv("PORT", "")

		cfg := baseConfig()
		cfg.applyPlatformDefaults()
		assert.Equal(t, DriverMemory, cfg.Read.Driver, "nothing to connect to")
		assert.Empty(t, cfg.Kafka.Brokers)
		require.NoError(t, cfg.Validate())
	})
	t.Run("Platform", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/orders")
		t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
		t.Setenv("REDIS_URL", "redis://localhost:6379/0")
		t.Setenv("PORT", "9000")

		cfg := baseConfig()
		cfg.applyPlatformDefaults()
		assert.Equal(t, "postgres://localhost/orders", cfg.WriteDatabaseURL)
		assert.Equal(t, DriverPostgres, cfg.Read.Driver)
		assert.Equal(t, cfg.WriteDatabaseURL, cfg.Read.URL, "read store shares the write database")
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.Addr)
		assert.Equal(t, "0.0.0.0:9000", cfg.Admin.Addr)
		require.NoError(t, cfg.Validate())
	})
	t.Run("ExplicitWins", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://platform/orders")
		t.Setenv("PORT", "9000")

		cfg := baseConfig()
		cfg.WriteDatabaseURL = "postgres://write/orders"
		cfg.Read.URL = "postgres://read/orders"
		cfg.Admin.Addr = "127.0.0.1:7000"
		cfg.applyPlatformDefaults()
		assert.Equal(t, "postgres://write/orders", cfg.WriteDatabaseURL)
		assert.Equal(t, "postgres://read/orders", cfg.Read.URL)
		assert.Equal(t, "127.0.0.1:7000", cfg.Admin.Addr)
	})
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"PostgresWithoutURL", func(c *Config) {}},
		{"SQLiteWithoutPath", func(c *Config) { c.Read.Driver, c.Read.Path = DriverSQLite, "" }},
		{"UnknownDriver", func(c *Config) { c.Read.Driver = "mysql" }},
		{"KafkaWithoutWriteDB", func(c *Config) {
			c.Read.Driver = DriverMemory
			c.Kafka.Brokers = []string{"localhost:9092"}
		}},
		{"NoWorkers", func(c *Config) {
			c.Read.Driver = DriverMemory
			c.Projector.Workers = 0
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := baseConfig()
	cfg.Read.Driver = DriverSQLite
	require.NoError(t, cfg.Validate())
}
