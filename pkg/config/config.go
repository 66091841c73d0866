package config

import "time"

// Database type constants
const (
	// DatabaseTypeMemory keeps documents in process memory
	DatabaseTypeMemory = "memory"
	// DatabaseTypePostgres represents PostgreSQL database
	DatabaseTypePostgres = "postgres"
	// DatabaseTypeMySQL represents MySQL database
	DatabaseTypeMySQL = "mysql"
	// DatabaseTypeMongoDB represents MongoDB database
	DatabaseTypeMongoDB = "mongodb"
	// DatabaseTypeDynamoDB represents AWS DynamoDB
	DatabaseTypeDynamoDB = "dynamodb"
)

// Cache type constants
const (
	// CacheTypeRedis caches point reads in Redis
	CacheTypeRedis = "redis"
	// CacheTypeInMemory caches point reads in process memory
	CacheTypeInMemory = "inmemory"
)

// ChangeFeedTypeKafka publishes change events to Apache Kafka.
const ChangeFeedTypeKafka = "kafka"

// Config is the root configuration of a document repository deployment.
type Config struct {
	Service       ServiceConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	ChangeFeed    ChangeFeedConfig `mapstructure:"changefeed"`
	Repository    RepositoryConfig
	Observability ObservabilityConfig
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects the document provider and its connection.
type DatabaseConfig struct {
	Type            string        `mapstructure:"type"` // memory, postgres, mysql, mongodb, dynamodb
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	DatabaseName    string        `mapstructure:"database_name"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	SessionToken    string        `mapstructure:"session_token"`
	// TablePrefix is prepended to DynamoDB table names.
	TablePrefix string `mapstructure:"table_prefix"`
	// CreateTables lets the DynamoDB provider create missing tables.
	CreateTables bool `mapstructure:"create_tables"`
	// AutoMigrate applies the SQL schema migrations when the provider is built.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// CacheConfig configures the point-read cache decorator. An empty type disables it.
type CacheConfig struct {
	Type             string        `mapstructure:"type"` // redis, inmemory
	URL              string        `mapstructure:"url"`
	MaxConns         int           `mapstructure:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	TTL              time.Duration `mapstructure:"ttl"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	// BreakerFailures consecutive Redis failures stop cache calls for BreakerCooldown.
	// Zero disables the breaker.
	BreakerFailures  int           `mapstructure:"breaker_failures"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// ChangeFeedConfig configures publication of change events.
type ChangeFeedConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Type             string        `mapstructure:"type"` // kafka
	Brokers          []string      `mapstructure:"brokers"`
	Topic            string        `mapstructure:"topic"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	GroupID          string        `mapstructure:"group_id"`
}

// RepositoryConfig tunes provider behavior shared by all backends.
type RepositoryConfig struct {
	StreamPageSize int  `mapstructure:"stream_page_size"`
	Instrument     bool `mapstructure:"instrument"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"` // json, text
	ServiceName       string  `mapstructure:"service_name"`
	MetricsEnabled    bool    `mapstructure:"metrics_enabled"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
}

// DefaultConfig returns the configuration used when no file or environment overrides it.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "docrepo",
			Environment: "production",
		},
		Database: DatabaseConfig{
			Type:            DatabaseTypeMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    10 * time.Second,
			ConnectTimeout:  10 * time.Second,
		},
		Cache: CacheConfig{
			MaxConns:         10,
			OperationTimeout: 5 * time.Second,
			TTL:              5 * time.Minute,
			KeyPrefix:        "docrepo",
			BreakerFailures:  5,
			BreakerCooldown:  30 * time.Second,
		},
		ChangeFeed: ChangeFeedConfig{
			Type:             ChangeFeedTypeKafka,
			Topic:            "docrepo.changes",
			OperationTimeout: 30 * time.Second,
			MaxRetries:       3,
			GroupID:          "docrepo",
		},
		Repository: RepositoryConfig{
			StreamPageSize: 100,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			ServiceName:       "docrepo",
			TracingSampleRate: 0.1,
		},
	}
}
