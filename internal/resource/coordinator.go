package resource

import (
	"fmt"
	"sync"

	"github.com/efargas/S7-Tools-sub002/internal/log"
	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// CoordinatorConfig is the configuration for the resource coordinator.
type CoordinatorConfig struct {
	Logger log.Logger
}

func (c *CoordinatorConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "resource.Coordinator"})
	return nil
}

// Coordinator serializes access to physical resources shared across
// concurrently running tasks. Acquisition is all-or-nothing inside a single
// critical section, two tasks can never end up each holding half of their
// required resources.
type Coordinator struct {
	held   map[model.ResourceKey]string
	mu     sync.Mutex
	logger log.Logger
}

// NewCoordinator creates a new resource coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Coordinator{
		held:   map[model.ResourceKey]string{},
		logger: cfg.Logger,
	}, nil
}

// TryAcquire atomically acquires all the given keys for the owner. It returns
// false without acquiring anything if any key is already held. Contention is
// not an error, callers are expected to retry on a later sweep.
func (c *Coordinator) TryAcquire(owner string, keys []model.ResourceKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		if _, ok := c.held[k]; ok {
			return false
		}
	}

	for _, k := range keys {
		c.held[k] = owner
	}

	c.logger.Debugf("Acquired %d resources for %s", len(keys), owner)

	return true
}

// Release releases the given keys if held by the owner. Releasing a key that
// is not held (or held by somebody else) is a no-op so defensive cleanup paths
// stay safe.
func (c *Coordinator) Release(owner string, keys []model.ResourceKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		if c.held[k] == owner {
			delete(c.held, k)
		}
	}

	c.logger.Debugf("Released %d resources for %s", len(keys), owner)
}

// Held returns a snapshot of the currently held keys and their owners.
func (c *Coordinator) Held() map[model.ResourceKey]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(map[model.ResourceKey]string, len(c.held))
	for k, v := range c.held {
		snapshot[k] = v
	}

	return snapshot
}
