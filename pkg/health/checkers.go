package health

import (
	"context"
	"time"

	"github.com/nimburion/docrepo/pkg/repository"
)

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker reports a Checkable as healthy when HealthCheck returns nil within
// the timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a checker; a zero timeout means five seconds.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	err := c.adapter.HealthCheck(checkCtx)
	return result(c.name, start, err, nil)
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// NewDatabaseChecker checks a database adapter with a five second bound.
func NewDatabaseChecker(name string, db Checkable) *AdapterChecker {
	return NewAdapterChecker(name, db, 5*time.Second)
}

// NewCacheChecker checks a cache adapter with a three second bound.
func NewCacheChecker(name string, cache Checkable) *AdapterChecker {
	return NewAdapterChecker(name, cache, 3*time.Second)
}

// NewMessageBrokerChecker checks a broker adapter with a five second bound.
func NewMessageBrokerChecker(name string, broker Checkable) *AdapterChecker {
	return NewAdapterChecker(name, broker, 5*time.Second)
}

// ContainerChecker proves a container is readable end to end by counting its
// documents through the full provider chain.
type ContainerChecker struct {
	name      string
	provider  repository.Provider
	container string
	timeout   time.Duration
}

// NewContainerChecker creates a checker named "container:<container>".
func NewContainerChecker(provider repository.Provider, container string, timeout time.Duration) *ContainerChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ContainerChecker{name: "container:" + container, provider: provider, container: container, timeout: timeout}
}

// Check counts the live documents of the container.
func (c *ContainerChecker) Check(ctx context.Context) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	n, charge, err := c.provider.Count(checkCtx, c.container, nil)
	return result(c.name, start, err, map[string]any{"documents": n, "charge": charge})
}

// Name returns the name of the health check
func (c *ContainerChecker) Name() string {
	return c.name
}

func result(name string, start time.Time, err error, metadata map[string]any) CheckResult {
	res := CheckResult{
		Name:      name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = ""
		res.Error = err.Error()
		return res
	}
	res.Metadata = metadata
	return res
}
