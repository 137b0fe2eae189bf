package pooling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nuetzliches/claimq/internal/storage"
)

// driverOpenTimeout bounds one pool open. Opens are detached from the
// caller's context since concurrent callers share them.
const driverOpenTimeout = 30 * time.Second

// DriverCache holds one open data driver per pool for the life of the
// process. Entries are added, never evicted.
type DriverCache struct {
	registry *storage.Registry
	pools    storage.PoolsController
	opts     storage.Options

	mu      sync.RWMutex
	drivers map[string]storage.DataDriver
	group   singleflight.Group
}

func NewDriverCache(registry *storage.Registry, pools storage.PoolsController, opts storage.Options) *DriverCache {
	return &DriverCache{
		registry: registry,
		pools:    pools,
		opts:     opts.WithDefaults(),
		drivers:  make(map[string]storage.DataDriver),
	}
}

// Get returns the driver of pool, opening it on first use. Concurrent
// first uses share one open.
func (c *DriverCache) Get(ctx context.Context, pool string) (storage.DataDriver, error) {
	c.mu.RLock()
	d, ok := c.drivers[pool]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := c.group.Do(pool, func() (any, error) {
		c.mu.RLock()
		d, ok := c.drivers[pool]
		c.mu.RUnlock()
		if ok {
			return d, nil
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), driverOpenTimeout)
		defer cancel()

		p, err := c.pools.Get(ctx, pool, true)
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", pool, err)
		}
		opts := c.opts
		opts.Backend = p.Options
		d, err = c.registry.OpenData(ctx, p.URI, opts)
		if err != nil {
			return nil, fmt.Errorf("open pool %q: %w", pool, err)
		}
		c.opts.Logger.Info("pool_driver_opened",
			"pool", pool,
			"backend", storage.Scheme(p.URI),
		)

		c.mu.Lock()
		c.drivers[pool] = d
		c.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(storage.DataDriver), nil
}

// Opened lists the pools with an open driver, sorted by name.
func (c *DriverCache) Opened() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.drivers))
	for name := range c.drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *DriverCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, d := range c.drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %q: %w", name, err))
		}
		delete(c.drivers, name)
	}
	return errors.Join(errs...)
}
