package pooling

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
	"github.com/nuetzliches/claimq/internal/storage/memory"
	"github.com/nuetzliches/claimq/internal/storage/storagetest"
)

// alternating returns 0.25, 0.75, 0.25, ... so two equal pools take turns.
func alternating() func() float64 {
	var n atomic.Int64
	return func() float64 {
		if n.Add(1)%2 == 1 {
			return 0.25
		}
		return 0.75
	}
}

type fixture struct {
	control *memory.Store
	cache   *MemoryCache
	catalog *Catalog
	driver  *Driver
	hits    atomic.Int64
	misses  atomic.Int64
}

func newFixture(t *testing.T, now func() time.Time, pools ...storage.Pool) *fixture {
	t.Helper()
	ctx := context.Background()
	registry := storage.NewRegistry()
	memory.Register(registry)

	opts := storage.Options{Now: now}
	f := &fixture{
		control: memory.NewStore(memory.WithNowFunc(now)),
		cache:   NewMemoryCache(now),
	}
	for _, p := range pools {
		if err := f.control.Pools().Create(ctx, p); err != nil {
			t.Fatalf("create pool %s: %v", p.Name, err)
		}
	}
	drivers := NewDriverCache(registry, f.control.Pools(), opts)
	f.catalog = NewCatalog(f.control, f.cache, drivers, Options{
		Rand: alternating(),
		Hooks: Hooks{
			CacheHit:  func() { f.hits.Add(1) },
			CacheMiss: func() { f.misses.Add(1) },
		},
	})
	f.driver = NewDriver(f.catalog, storage.Limits{})
	return f
}

func twoPools() []storage.Pool {
	return []storage.Pool{
		{Name: "alpha", URI: "memory://", Weight: 1},
		{Name: "beta", URI: "memory://", Weight: 1},
	}
}

func TestDriverContract_Data(t *testing.T) {
	storagetest.RunData(t, func(t *testing.T, c *storagetest.Clock) storage.DataDriver {
		return newFixture(t, c.Now, twoPools()...).driver
	})
}
