// Package deps owns the process-wide service container: the four sqlite
// stores and the circuit breaker registry, initialized once and shared by
// the executor, the workflow library, and the tool surface.
package deps

import (
	"fmt"
	"os"
	"sync"

	"github.com/coderelay/relay/pkg/breaker"
	"github.com/coderelay/relay/pkg/config"
	"github.com/coderelay/relay/pkg/fileutil"
	"github.com/coderelay/relay/pkg/logger"
	"github.com/coderelay/relay/pkg/store"
)

var depsLog = logger.New("deps:deps")

// Container holds the shared singletons. Obtain it via Init; Get returns the
// live container and errors before Init or after Close.
type Container struct {
	Audit        *store.AuditStore
	Activity     *store.ActivityStore
	TokenMetrics *store.TokenMetricsStore
	BreakerState *store.BreakerStateStore
	Breakers     *breaker.Registry
}

var (
	mu        sync.Mutex
	container *Container
)

// Init creates the data directory, opens every store with its migrations
// applied, and seeds the breaker registry from persisted state. Calling Init
// while a container is live returns the existing one; after Close it builds
// fresh instances.
func Init(cfg config.Config) (*Container, error) {
	mu.Lock()
	defer mu.Unlock()
	if container != nil {
		return container, nil
	}

	if !fileutil.DirExists(cfg.ProjectRoot) {
		return nil, fmt.Errorf("project root %s is not a directory", cfg.ProjectRoot)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	c := &Container{}
	cleanup := func() {
		closeQuietly(c)
	}

	var err error
	if c.Audit, err = store.OpenAuditStore(cfg.DataDir); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	if c.Activity, err = store.OpenActivityStore(cfg.DataDir); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open activity store: %w", err)
	}
	if c.TokenMetrics, err = store.OpenTokenMetricsStore(cfg.DataDir); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open token metrics store: %w", err)
	}
	if c.BreakerState, err = store.OpenBreakerStateStore(cfg.DataDir); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open breaker state store: %w", err)
	}
	if c.Breakers, err = breaker.NewRegistry(c.BreakerState); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to build breaker registry: %w", err)
	}

	if cfg.AuditRetentionDays > 0 {
		if n, err := c.Audit.Cleanup(cfg.AuditRetentionDays); err != nil {
			depsLog.Warnf("Audit retention cleanup failed: %v", err)
		} else if n > 0 {
			depsLog.Printf("Pruned %d audit entries older than %d days", n, cfg.AuditRetentionDays)
		}
	}

	container = c
	depsLog.Printf("Dependency container initialized (data=%s)", cfg.DataDir)
	return c, nil
}

// Get returns the live container. It errors when called before Init or after
// Close; callers on the request path should hold the container they got from
// Init instead.
func Get() (*Container, error) {
	mu.Lock()
	defer mu.Unlock()
	if container == nil {
		return nil, fmt.Errorf("dependency container not initialized")
	}
	return container, nil
}

// Close persists final breaker state and closes every store. Shutdown errors
// are logged and swallowed so repeated Close calls are safe; a later Init
// builds fresh instances.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if container == nil {
		return
	}
	if container.Breakers != nil {
		container.Breakers.Shutdown()
	}
	closeQuietly(container)
	container = nil
	depsLog.Print("Dependency container closed")
}

func closeQuietly(c *Container) {
	if c.Audit != nil {
		if err := c.Audit.Close(); err != nil {
			depsLog.Warnf("Failed to close audit store: %v", err)
		}
	}
	if c.Activity != nil {
		if err := c.Activity.Close(); err != nil {
			depsLog.Warnf("Failed to close activity store: %v", err)
		}
	}
	if c.TokenMetrics != nil {
		if err := c.TokenMetrics.Close(); err != nil {
			depsLog.Warnf("Failed to close token metrics store: %v", err)
		}
	}
	if c.BreakerState != nil {
		if err := c.BreakerState.Close(); err != nil {
			depsLog.Warnf("Failed to close breaker state store: %v", err)
		}
	}
}
