package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Read store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds the service configuration, loadable from environment
// variables (ORDERS_ prefix), flags, or YAML config files.
type Config struct {
	// WriteDatabaseURL is the PostgreSQL URL of the write store. Empty runs
	// everything in memory.
	WriteDatabaseURL string `usage:"Write store PostgreSQL URL (ORDERS_WRITE_DATABASE_URL or DATABASE_URL)" flag:"write-database-url"`
	Read             ReadConfig
	Kafka            KafkaConfig
	Directory        DirectoryConfig
	Redis            RedisConfig
	Projector        ProjectorConfig
	Admin            AdminConfig
	Graceful         GracefulConfig
}

// ReadConfig selects the read store.
type ReadConfig struct {
	Driver string `default:"postgres" usage:"Read store driver: postgres, sqlite or memory"`
	// URL defaults to WriteDatabaseURL for the postgres driver.
	URL  string `usage:"Read store PostgreSQL URL"`
	Path string `default:"orders-read.db" usage:"SQLite database file"`
}

// KafkaConfig configures the event bus. No brokers selects the in-process bus.
type KafkaConfig struct {
	Brokers         []string `usage:"Kafka bootstrap brokers (ORDERS_KAFKA_BROKERS or KAFKA_BROKERS)"`
	Topic           string   `default:"order-events" usage:"Order event topic"`
	GroupID         string   `default:"order-read-model-group" usage:"Projector consumer group"`
	DeadLetterTopic string   `default:"order-events.dlq" usage:"Dead letter topic"`
	Partitions      int      `default:"6" usage:"Partitions for auto-created topics"`
}

// DirectoryConfig configures the user service client. No BaseURL uses an
// empty static directory.
type DirectoryConfig struct {
	BaseURL     string        `usage:"User service base URL"`
	Timeout     time.Duration `default:"3s" usage:"User service request timeout"`
	CacheTTL    time.Duration `default:"5m" usage:"User cache TTL"`
	NegativeTTL time.Duration `default:"30s" usage:"Cache TTL for unknown users"`
}

// RedisConfig configures the user cache. No Addr disables caching.
type RedisConfig struct {
	// Addr is host:port or a redis:// URL.
	Addr string `usage:"Redis address (ORDERS_REDIS_ADDR or REDIS_URL)"`
	DB   int    `default:"0" usage:"Redis database"`
}

// ProjectorConfig tunes event consumption.
type ProjectorConfig struct {
	Workers        int           `default:"4" usage:"Parallel lanes per subscription"`
	MaxAttempts    int           `default:"5" usage:"Attempts before dead-lettering"`
	InitialBackoff time.Duration `default:"100ms" usage:"First retry delay"`
	MaxBackoff     time.Duration `default:"5s" usage:"Maximum retry delay"`
}

// AdminConfig configures the operator HTTP server.
type AdminConfig struct {
	Addr      string `default:"0.0.0.0:8081" usage:"Admin server listen address"`
	RateLimit RateLimitConfig
}

// RateLimitConfig controls the per-client token bucket on the admin server.
type RateLimitConfig struct {
	Rate  float64 `default:"20" usage:"Sustained requests per second per client"`
	Burst int     `default:"40" usage:"Requests a client may burst"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from the environment and YAML files and
// validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERS",
		Files:     []string{"config.yaml", "/etc/orders/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Read.Driver {
	case DriverPostgres:
		if c.Read.URL == "" {
			return errors.New("postgres read store needs ORDERS_READ_URL or a write database URL")
		}
	case DriverSQLite:
		if c.Read.Path == "" {
			return errors.New("sqlite read store needs ORDERS_READ_PATH")
		}
	case DriverMemory:
	default:
		return errors.Errorf("unknown read driver %q", c.Read.Driver)
	}
	if c.WriteDatabaseURL == "" && len(c.Kafka.Brokers) > 0 {
		return errors.New("kafka bus needs a write database: the in-memory write store is single-process")
	}
	if c.Projector.Workers <= 0 {
		return errors.New("projector workers must be positive")
	}
	return nil
}

// applyPlatformDefaults maps conventional environment variables to the
// ORDERS_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.WriteDatabaseURL == "" {
		c.WriteDatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Read.Driver == DriverPostgres && c.Read.URL == "" {
		c.Read.URL = c.WriteDatabaseURL
	}
	// Nothing to connect to: run fully in memory.
	if c.Read.Driver == DriverPostgres && c.Read.URL == "" {
		c.Read.Driver = DriverMemory
	}
	if len(c.Kafka.Brokers) == 0 {
		if v := os.Getenv("KAFKA_BROKERS"); v != "" {
			c.Kafka.Brokers = strings.Split(v, ",")
		}
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Admin.Addr == "0.0.0.0:8081" {
		c.Admin.Addr = "0.0.0.0:" + port
	}
}
