package store

import (
	"fmt"
	"strings"

	"github.com/nimburion/docrepo/pkg/config"
	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/store/dynamodb"
	"github.com/nimburion/docrepo/pkg/store/mongodb"
	"github.com/nimburion/docrepo/pkg/store/mysql"
	"github.com/nimburion/docrepo/pkg/store/postgres"
	"github.com/nimburion/docrepo/pkg/store/redis"
)

// NewStorageAdapter connects the backend named by cfg.Type. The memory backend
// needs no connection and yields a nil adapter.
func NewStorageAdapter(cfg config.DatabaseConfig, log logger.Logger) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.DatabaseTypeMemory:
		return nil, nil
	case config.DatabaseTypePostgres:
		return postgres.NewPostgreSQLAdapter(postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			QueryTimeout:    cfg.QueryTimeout,
		}, log)
	case config.DatabaseTypeMySQL:
		return mysql.NewMySQLAdapter(mysql.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			QueryTimeout:    cfg.QueryTimeout,
		}, log)
	case config.DatabaseTypeMongoDB:
		return mongodb.NewAdapter(mongodb.Config{
			URL:              cfg.URL,
			Database:         cfg.DatabaseName,
			ConnectTimeout:   cfg.ConnectTimeout,
			OperationTimeout: cfg.QueryTimeout,
		}, log)
	case config.DatabaseTypeDynamoDB:
		return dynamodb.NewAdapter(dynamodb.Config{
			Region:           cfg.Region,
			Endpoint:         cfg.Endpoint,
			AccessKeyID:      cfg.AccessKeyID,
			SecretAccessKey:  cfg.SecretAccessKey,
			SessionToken:     cfg.SessionToken,
			OperationTimeout: cfg.QueryTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported database.type %q (supported: memory, postgres, mysql, mongodb, dynamodb)", cfg.Type)
	}
}

// NewCacheAdapter connects the Redis server backing the read cache.
func NewCacheAdapter(cfg config.CacheConfig, log logger.Logger) (*redis.RedisAdapter, error) {
	if t := strings.ToLower(strings.TrimSpace(cfg.Type)); t != config.CacheTypeRedis {
		return nil, fmt.Errorf("cache.type %q has no network adapter", cfg.Type)
	}
	return redis.NewRedisAdapter(redis.Config{
		URL:              cfg.URL,
		MaxConns:         cfg.MaxConns,
		OperationTimeout: cfg.OperationTimeout,
	}, log)
}
