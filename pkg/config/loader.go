package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile         string
	envPrefix          string
	serviceNameDefault string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "APP")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithServiceNameDefault sets the default service.name used when no config/env override is provided.
func (l *ViperLoader) WithServiceNameDefault(serviceName string) *ViperLoader {
	if l == nil {
		return l
	}
	l.serviceNameDefault = strings.TrimSpace(serviceName)
	return l
}

// ConfigFile returns the configured file path, empty when none.
func (l *ViperLoader) ConfigFile() string {
	return l.configFile
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load(false)
	return cfg, err
}

func (l *ViperLoader) load(withSecrets bool) (*Config, *Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var secrets *Config
	if withSecrets {
		var err error
		if secrets, err = l.mergeSecrets(v); err != nil {
			return nil, nil, err
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, secrets, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Database
	v.BindEnv("database.type", l.prefixedEnv("DB_TYPE"))
	v.BindEnv("database.url", l.prefixedEnv("DB_URL"))
	v.BindEnv("database.max_open_conns", l.prefixedEnv("DB_MAX_OPEN_CONNS"))
	v.BindEnv("database.max_idle_conns", l.prefixedEnv("DB_MAX_IDLE_CONNS"))
	v.BindEnv("database.conn_max_lifetime", l.prefixedEnv("DB_CONN_MAX_LIFETIME"))
	v.BindEnv("database.conn_max_idle_time", l.prefixedEnv("DB_CONN_MAX_IDLE_TIME"))
	v.BindEnv("database.query_timeout", l.prefixedEnv("DB_QUERY_TIMEOUT"))
	v.BindEnv("database.database_name", l.prefixedEnv("DB_DATABASE_NAME"))
	v.BindEnv("database.connect_timeout", l.prefixedEnv("DB_CONNECT_TIMEOUT"))
	v.BindEnv("database.region", l.prefixedEnv("DB_REGION"))
	v.BindEnv("database.endpoint", l.prefixedEnv("DB_ENDPOINT"))
	v.BindEnv("database.access_key_id", l.prefixedEnv("DB_ACCESS_KEY_ID"))
	v.BindEnv("database.secret_access_key", l.prefixedEnv("DB_SECRET_ACCESS_KEY"))
	v.BindEnv("database.session_token", l.prefixedEnv("DB_SESSION_TOKEN"))
	v.BindEnv("database.table_prefix", l.prefixedEnv("DB_TABLE_PREFIX"))
	v.BindEnv("database.create_tables", l.prefixedEnv("DB_CREATE_TABLES"))
	v.BindEnv("database.auto_migrate", l.prefixedEnv("DB_AUTO_MIGRATE"))

	// Cache
	v.BindEnv("cache.type", l.prefixedEnv("CACHE_TYPE"))
	v.BindEnv("cache.url", l.prefixedEnv("CACHE_URL"))
	v.BindEnv("cache.max_conns", l.prefixedEnv("CACHE_MAX_CONNS"))
	v.BindEnv("cache.operation_timeout", l.prefixedEnv("CACHE_OPERATION_TIMEOUT"))
	v.BindEnv("cache.ttl", l.prefixedEnv("CACHE_TTL"))
	v.BindEnv("cache.key_prefix", l.prefixedEnv("CACHE_KEY_PREFIX"))
	v.BindEnv("cache.breaker_failures", l.prefixedEnv("CACHE_BREAKER_FAILURES"))
	v.BindEnv("cache.breaker_cooldown", l.prefixedEnv("CACHE_BREAKER_COOLDOWN"))

	// Change feed
	v.BindEnv("changefeed.enabled", l.prefixedEnv("CHANGEFEED_ENABLED"))
	v.BindEnv("changefeed.type", l.prefixedEnv("CHANGEFEED_TYPE"))
	v.BindEnv("changefeed.brokers", l.prefixedEnv("CHANGEFEED_BROKERS"))
	v.BindEnv("changefeed.topic", l.prefixedEnv("CHANGEFEED_TOPIC"))
	v.BindEnv("changefeed.operation_timeout", l.prefixedEnv("CHANGEFEED_OPERATION_TIMEOUT"))
	v.BindEnv("changefeed.max_retries", l.prefixedEnv("CHANGEFEED_MAX_RETRIES"))
	v.BindEnv("changefeed.group_id", l.prefixedEnv("CHANGEFEED_GROUP_ID"))

	// Repository
	v.BindEnv("repository.stream_page_size", l.prefixedEnv("REPOSITORY_STREAM_PAGE_SIZE"))
	v.BindEnv("repository.instrument", l.prefixedEnv("REPOSITORY_INSTRUMENT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"), l.prefixedEnv("OBSERVABILITY_LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"), l.prefixedEnv("OBSERVABILITY_LOG_FORMAT"))
	v.BindEnv("observability.service_name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("observability.metrics_enabled", l.prefixedEnv("METRICS_ENABLED"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "APP"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func (l *ViperLoader) defaultServiceName(fallback string) string {
	if l != nil {
		if configured := strings.TrimSpace(l.serviceNameDefault); configured != "" {
			return configured
		}
	}
	return strings.TrimSpace(fallback)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", l.defaultServiceName(cfg.Service.Name))
	v.SetDefault("service.environment", cfg.Service.Environment)

	// Database defaults
	v.SetDefault("database.type", cfg.Database.Type)
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", cfg.Database.ConnMaxIdleTime)
	v.SetDefault("database.query_timeout", cfg.Database.QueryTimeout)
	v.SetDefault("database.database_name", cfg.Database.DatabaseName)
	v.SetDefault("database.connect_timeout", cfg.Database.ConnectTimeout)
	v.SetDefault("database.region", cfg.Database.Region)
	v.SetDefault("database.endpoint", cfg.Database.Endpoint)
	v.SetDefault("database.access_key_id", cfg.Database.AccessKeyID)
	v.SetDefault("database.secret_access_key", cfg.Database.SecretAccessKey)
	v.SetDefault("database.session_token", cfg.Database.SessionToken)
	v.SetDefault("database.table_prefix", cfg.Database.TablePrefix)
	v.SetDefault("database.create_tables", cfg.Database.CreateTables)
	v.SetDefault("database.auto_migrate", cfg.Database.AutoMigrate)

	// Cache defaults
	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.url", cfg.Cache.URL)
	v.SetDefault("cache.max_conns", cfg.Cache.MaxConns)
	v.SetDefault("cache.operation_timeout", cfg.Cache.OperationTimeout)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)
	v.SetDefault("cache.key_prefix", cfg.Cache.KeyPrefix)
	v.SetDefault("cache.breaker_failures", cfg.Cache.BreakerFailures)
	v.SetDefault("cache.breaker_cooldown", cfg.Cache.BreakerCooldown)

	// Change feed defaults
	v.SetDefault("changefeed.enabled", cfg.ChangeFeed.Enabled)
	v.SetDefault("changefeed.type", cfg.ChangeFeed.Type)
	v.SetDefault("changefeed.brokers", cfg.ChangeFeed.Brokers)
	v.SetDefault("changefeed.topic", cfg.ChangeFeed.Topic)
	v.SetDefault("changefeed.operation_timeout", cfg.ChangeFeed.OperationTimeout)
	v.SetDefault("changefeed.max_retries", cfg.ChangeFeed.MaxRetries)
	v.SetDefault("changefeed.group_id", cfg.ChangeFeed.GroupID)

	// Repository defaults
	v.SetDefault("repository.stream_page_size", cfg.Repository.StreamPageSize)
	v.SetDefault("repository.instrument", cfg.Repository.Instrument)

	// Observability defaults
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.service_name", l.defaultServiceName(cfg.Observability.ServiceName))
	v.SetDefault("observability.metrics_enabled", cfg.Observability.MetricsEnabled)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
}

// Validate validates the configuration and returns detailed errors
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.ChangeFeed.Brokers = normalizeStringSlice(cfg.ChangeFeed.Brokers)
	cfg.Database.Type = strings.ToLower(strings.TrimSpace(cfg.Database.Type))
	cfg.Cache.Type = strings.ToLower(strings.TrimSpace(cfg.Cache.Type))

	validDatabaseTypes := []string{DatabaseTypeMemory, DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeMongoDB, DatabaseTypeDynamoDB}
	switch {
	case !contains(validDatabaseTypes, cfg.Database.Type):
		errs = append(errs, fmt.Errorf("invalid database.type: %s (must be one of: %v)", cfg.Database.Type, validDatabaseTypes))
	case cfg.Database.Type == DatabaseTypePostgres, cfg.Database.Type == DatabaseTypeMySQL:
		if cfg.Database.URL == "" {
			errs = append(errs, fmt.Errorf("database.url is required for %s", cfg.Database.Type))
		}
	case cfg.Database.Type == DatabaseTypeMongoDB:
		if cfg.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for mongodb"))
		}
		if cfg.Database.DatabaseName == "" {
			errs = append(errs, errors.New("database.database_name is required for mongodb"))
		}
	case cfg.Database.Type == DatabaseTypeDynamoDB:
		if cfg.Database.Region == "" {
			errs = append(errs, errors.New("database.region is required for dynamodb"))
		}
	}
	if cfg.Database.QueryTimeout < 0 {
		errs = append(errs, errors.New("database.query_timeout cannot be negative"))
	}

	switch cfg.Cache.Type {
	case "", CacheTypeInMemory:
	case CacheTypeRedis:
		if cfg.Cache.URL == "" {
			errs = append(errs, errors.New("cache.url is required when cache.type is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid cache.type: %s (must be one of: %v)", cfg.Cache.Type, []string{CacheTypeRedis, CacheTypeInMemory}))
	}
	if cfg.Cache.Type != "" && cfg.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be greater than 0 when the cache is enabled"))
	}
	if cfg.Cache.BreakerFailures < 0 || cfg.Cache.BreakerCooldown < 0 {
		errs = append(errs, errors.New("cache.breaker_failures and cache.breaker_cooldown cannot be negative"))
	}

	if cfg.ChangeFeed.Enabled {
		if cfg.ChangeFeed.Type != ChangeFeedTypeKafka {
			errs = append(errs, fmt.Errorf("invalid changefeed.type: %s (must be one of: %v)", cfg.ChangeFeed.Type, []string{ChangeFeedTypeKafka}))
		}
		if len(cfg.ChangeFeed.Brokers) == 0 {
			errs = append(errs, errors.New("changefeed.brokers is required when the change feed is enabled"))
		}
		if strings.TrimSpace(cfg.ChangeFeed.Topic) == "" {
			errs = append(errs, errors.New("changefeed.topic is required when the change feed is enabled"))
		}
	}

	if cfg.Repository.StreamPageSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid repository.stream_page_size: %d (must be greater than 0)", cfg.Repository.StreamPageSize))
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, cfg.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, cfg.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validLogFormats))
	}
	if cfg.Observability.TracingEnabled && cfg.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("invalid observability.tracing_sample_rate: %v (must be between 0 and 1)", cfg.Observability.TracingSampleRate))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// normalizeStringSlice removes empty strings and trims whitespace
func normalizeStringSlice(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
