package cache

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/resilience"
)

// ErrStoreUnavailable is returned by a BreakerStore while its breaker is open.
var ErrStoreUnavailable = errors.New("cache store unavailable")

// BreakerStore stops calling a failing remote store until it recovers.
// Misses and caller cancellations do not count as failures.
type BreakerStore struct {
	inner   Store
	breaker *resilience.CircuitBreaker
}

// NewBreakerStore wraps inner with a breaker that opens after maxFailures
// consecutive errors and probes again after cooldown.
func NewBreakerStore(inner Store, maxFailures int, cooldown time.Duration, log logger.Logger, opts ...resilience.Option) *BreakerStore {
	if log == nil {
		log = logger.NewNop()
	}
	opts = append([]resilience.Option{
		resilience.WithFailurePredicate(countsAsFailure),
		resilience.OnStateChange(func(from, to resilience.State) {
			if to == resilience.StateOpen {
				log.Warn("cache store disabled after repeated failures", "from", from.String(), "cooldown", cooldown.String())
				return
			}
			log.Info("cache store breaker state changed", "from", from.String(), "to", to.String())
		}),
	}, opts...)
	return &BreakerStore{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(maxFailures, cooldown, opts...),
	}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, ErrCacheMiss) &&
		!errors.Is(err, context.Canceled)
}

func (s *BreakerStore) run(fn func() error) error {
	err := s.breaker.Execute(fn)
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return ErrStoreUnavailable
	}
	return err
}

// Get implements Store.
func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.run(func() error {
		var err error
		value, err = s.inner.Get(ctx, key)
		return err
	})
	return value, err
}

// Set implements Store.
func (s *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.run(func() error { return s.inner.Set(ctx, key, value, ttl) })
}

// Delete implements Store. Invalidations skipped while open leave entries to expire by TTL.
func (s *BreakerStore) Delete(ctx context.Context, keys ...string) error {
	return s.run(func() error { return s.inner.Delete(ctx, keys...) })
}

// State reports the breaker state.
func (s *BreakerStore) State() resilience.State {
	return s.breaker.GetState()
}

// Close closes the inner store.
func (s *BreakerStore) Close() error {
	return s.inner.Close()
}
