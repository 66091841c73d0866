// Package factory assembles a document provider and its decorators from configuration.
package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nimburion/docrepo/pkg/config"
	"github.com/nimburion/docrepo/pkg/eventbus"
	"github.com/nimburion/docrepo/pkg/eventbus/kafka"
	"github.com/nimburion/docrepo/pkg/health"
	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/cache"
	"github.com/nimburion/docrepo/pkg/repository/changefeed"
	"github.com/nimburion/docrepo/pkg/repository/document"
	"github.com/nimburion/docrepo/pkg/repository/instrument"
	"github.com/nimburion/docrepo/pkg/store"
	"github.com/nimburion/docrepo/pkg/store/dynamodb"
	"github.com/nimburion/docrepo/pkg/store/mongodb"
	"github.com/nimburion/docrepo/pkg/store/mysql"
	"github.com/nimburion/docrepo/pkg/store/postgres"
	"github.com/nimburion/docrepo/pkg/store/redis"
)

// Stack is a ready provider chain plus the connections it owns.
type Stack struct {
	// Provider is the outermost decorator, or the backend provider when no
	// decorator is configured.
	Provider repository.Provider
	// Health checks every connection of the stack.
	Health *health.Registry
	// SQL is set for the postgres and mysql backends.
	SQL *document.SQLProvider

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// WatchContainer adds an end-to-end health check counting the documents of container.
func (s *Stack) WatchContainer(container string) {
	s.Health.Register(health.NewContainerChecker(s.Provider, container, 0))
}

// Close closes the provider chain and then every connection in reverse order of
// creation.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Stack) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

type builder struct {
	newStorage func(config.DatabaseConfig, logger.Logger) (store.Adapter, error)
	newCache   func(config.CacheConfig, logger.Logger) (*redis.RedisAdapter, error)
	newBroker  func(config.ChangeFeedConfig, logger.Logger) (eventbus.EventBus, error)
}

// Build connects the configured backend and wraps it with the instrument, cache and
// change feed decorators that cfg enables. On error every connection opened so far
// is closed.
func Build(ctx context.Context, cfg *config.Config, log logger.Logger) (*Stack, error) {
	b := builder{
		newStorage: store.NewStorageAdapter,
		newCache:   store.NewCacheAdapter,
		newBroker:  newKafkaBroker,
	}
	return b.build(ctx, cfg, log)
}

func (b builder) build(ctx context.Context, cfg *config.Config, log logger.Logger) (stack *Stack, err error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	stack = &Stack{Health: health.NewRegistry()}
	defer func() {
		if err != nil {
			if cerr := stack.Close(); cerr != nil {
				log.Warn("failed to release partially built stack", "error", cerr)
			}
			stack = nil
		}
	}()

	backend, system, err := b.backend(ctx, cfg, log, stack)
	if err != nil {
		return stack, err
	}
	provider := backend
	// provider is reassigned to each decorator, so this closes the outermost one.
	stack.onClose(func() error { return provider.Close() })

	instrumented := cfg.Repository.Instrument || cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled
	if instrumented {
		provider = instrument.New(provider, instrument.WithSystem(system), instrument.WithLogger(log))
	}
	cached, err := b.withCache(cfg.Cache, log, stack, provider)
	if err != nil {
		return stack, err
	}
	provider = cached
	published, err := b.withChangeFeed(cfg.ChangeFeed, log, stack, provider)
	if err != nil {
		return stack, err
	}
	provider = published

	stack.Provider = provider
	log.Info("document provider ready",
		"database", system,
		"cache", cfg.Cache.Type,
		"changefeed", cfg.ChangeFeed.Enabled,
		"instrument", instrumented)
	return stack, nil
}

func (b builder) backend(ctx context.Context, cfg *config.Config, log logger.Logger, stack *Stack) (repository.Provider, string, error) {
	dbType := strings.ToLower(strings.TrimSpace(cfg.Database.Type))
	pageSize := cfg.Repository.StreamPageSize

	adapter, err := b.newStorage(cfg.Database, log)
	if err != nil {
		return nil, dbType, fmt.Errorf("failed to connect %s: %w", dbType, err)
	}
	if adapter != nil {
		stack.onClose(adapter.Close)
		stack.Health.Register(health.NewDatabaseChecker("database:"+dbType, adapter))
	}

	switch a := adapter.(type) {
	case nil:
		return document.NewMemoryProvider(
			document.WithMemoryLogger(log),
			document.WithMemoryStreamPageSize(pageSize),
		), config.DatabaseTypeMemory, nil
	case *postgres.PostgreSQLAdapter:
		p, err := document.NewPostgresProvider(a, document.WithSQLLogger(log), document.WithSQLStreamPageSize(pageSize))
		if err != nil {
			return nil, "postgresql", err
		}
		stack.SQL = p
		return p, "postgresql", migrateIfEnabled(ctx, cfg.Database, log, p)
	case *mysql.MySQLAdapter:
		p, err := document.NewMySQLProvider(a, document.WithSQLLogger(log), document.WithSQLStreamPageSize(pageSize))
		if err != nil {
			return nil, "mysql", err
		}
		stack.SQL = p
		return p, "mysql", migrateIfEnabled(ctx, cfg.Database, log, p)
	case *mongodb.Adapter:
		exec, err := document.NewMongoDBExecutor(a)
		if err != nil {
			return nil, "mongodb", err
		}
		p, err := document.NewMongoProvider(exec, document.WithMongoLogger(log), document.WithMongoStreamPageSize(pageSize))
		return p, "mongodb", err
	case *dynamodb.Adapter:
		p, err := document.NewDynamoProvider(a, document.DynamoConfig{
			TablePrefix:    cfg.Database.TablePrefix,
			CreateTables:   cfg.Database.CreateTables,
			StreamPageSize: pageSize,
		}, document.WithDynamoLogger(log))
		return p, "dynamodb", err
	default:
		return nil, dbType, fmt.Errorf("no document provider for %T", adapter)
	}
}

func migrateIfEnabled(ctx context.Context, cfg config.DatabaseConfig, log logger.Logger, p *document.SQLProvider) error {
	if !cfg.AutoMigrate {
		return nil
	}
	applied, err := p.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate document schema: %w", err)
	}
	log.Info("document schema migrated", "applied", applied)
	return nil
}

func (b builder) withCache(cfg config.CacheConfig, log logger.Logger, stack *Stack, inner repository.Provider) (repository.Provider, error) {
	var cacheStore cache.Store
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "":
		return inner, nil
	case config.CacheTypeInMemory:
		cacheStore = cache.NewInMemoryStore()
	case config.CacheTypeRedis:
		adapter, err := b.newCache(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect cache: %w", err)
		}
		stack.onClose(adapter.Close)
		stack.Health.Register(health.NewCacheChecker("cache:redis", adapter))
		if cacheStore, err = cache.NewRedisStore(adapter, cache.RedisConfig{
			OperationTimeout: cfg.OperationTimeout,
			Prefix:           cfg.KeyPrefix,
		}); err != nil {
			return nil, err
		}
		if cfg.BreakerFailures > 0 {
			cacheStore = cache.NewBreakerStore(cacheStore, cfg.BreakerFailures, cfg.BreakerCooldown, log)
		}
	default:
		return nil, fmt.Errorf("unsupported cache.type %q (supported: redis, inmemory)", cfg.Type)
	}
	return cache.New(inner, cacheStore, cache.WithTTL(cfg.TTL), cache.WithLogger(log))
}

func (b builder) withChangeFeed(cfg config.ChangeFeedConfig, log logger.Logger, stack *Stack, inner repository.Provider) (repository.Provider, error) {
	if !cfg.Enabled {
		return inner, nil
	}
	broker, err := b.newBroker(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create change feed broker: %w", err)
	}
	stack.onClose(broker.Close)
	stack.Health.Register(health.NewMessageBrokerChecker("changefeed:"+cfg.Type, broker))
	return changefeed.NewPublisher(inner, broker, changefeed.WithTopic(cfg.Topic), changefeed.WithLogger(log))
}

func newKafkaBroker(cfg config.ChangeFeedConfig, log logger.Logger) (eventbus.EventBus, error) {
	if t := strings.ToLower(strings.TrimSpace(cfg.Type)); t != "" && t != config.ChangeFeedTypeKafka {
		return nil, fmt.Errorf("unsupported changefeed.type %q (supported: kafka)", cfg.Type)
	}
	return kafka.NewKafkaAdapter(kafka.Config{
		Brokers:          cfg.Brokers,
		OperationTimeout: cfg.OperationTimeout,
		MaxRetries:       cfg.MaxRetries,
		GroupID:          cfg.GroupID,
	}, log)
}
