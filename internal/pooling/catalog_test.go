package pooling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/claimq/internal/storage"
	"github.com/nuetzliches/claimq/internal/storage/storagetest"
)

func TestCatalogRegisterSpreadsQueuesByWeight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storagetest.NewClock().Now, twoPools()...)

	first, err := f.catalog.Register(ctx, "orders", "tenant")
	require.NoError(t, err)
	second, err := f.catalog.Register(ctx, "audit", "tenant")
	require.NoError(t, err)
	require.Equal(t, "alpha", first)
	require.Equal(t, "beta", second)

	// Registering again keeps the existing mapping.
	again, err := f.catalog.Register(ctx, "orders", "tenant")
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestCatalogRegisterWithoutPools(t *testing.T) {
	f := newFixture(t, storagetest.NewClock().Now)
	_, err := f.catalog.Register(context.Background(), "orders", "tenant")
	require.ErrorIs(t, err, storage.ErrNoPoolFound)

	_, err = f.driver.Queues().Create(context.Background(), "orders", "tenant", nil)
	require.ErrorIs(t, err, storage.ErrNoPoolFound)
}

func TestCatalogRegisterSkipsZeroWeightPools(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storagetest.NewClock().Now,
		storage.Pool{Name: "drained", URI: "memory://", Weight: 0},
		storage.Pool{Name: "live", URI: "memory://", Weight: 5},
	)
	for _, q := range []string{"a", "b", "c", "d"} {
		pool, err := f.catalog.Register(ctx, q, "tenant")
		require.NoError(t, err)
		require.Equal(t, "live", pool)
	}
}

func TestCatalogLookupCachesAndDeregisters(t *testing.T) {
	ctx := context.Background()
	clock := storagetest.NewClock()
	f := newFixture(t, clock.Now, twoPools()...)

	d, err := f.catalog.Lookup(ctx, "orders", "tenant")
	require.NoError(t, err)
	require.Nil(t, d, "unmapped queue resolves to no driver")

	_, err = f.catalog.Register(ctx, "orders", "tenant")
	require.NoError(t, err)

	d1, err := f.catalog.Lookup(ctx, "orders", "tenant")
	require.NoError(t, err)
	require.NotNil(t, d1)
	d2, err := f.catalog.Lookup(ctx, "orders", "tenant")
	require.NoError(t, err)
	require.Same(t, d1, d2, "one driver per pool")
	require.EqualValues(t, 1, f.hits.Load())

	// The cached pool outlives a catalogue change until the TTL elapses.
	require.NoError(t, f.control.Catalogue().Update(ctx, "tenant", "orders", "beta"))
	pool, ok, err := f.cache.Get(ctx, cacheKey("orders", "tenant"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alpha", pool)

	clock.Advance(DefaultCacheTTL)
	d3, err := f.catalog.Lookup(ctx, "orders", "tenant")
	require.NoError(t, err)
	require.NotSame(t, d1, d3)

	require.NoError(t, f.catalog.Deregister(ctx, "orders", "tenant"))
	_, ok, err = f.cache.Get(ctx, cacheKey("orders", "tenant"))
	require.NoError(t, err)
	require.False(t, ok)
	d, err = f.catalog.Lookup(ctx, "orders", "tenant")
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestCatalogGetDriverUnknownPool(t *testing.T) {
	f := newFixture(t, storagetest.NewClock().Now, twoPools()...)
	_, err := f.catalog.GetDriver(context.Background(), "ghost")
	require.ErrorIs(t, err, storage.ErrPoolDoesNotExist)
}

func TestRoutedQueuesLiveInTheirPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storagetest.NewClock().Now, twoPools()...)

	for _, q := range []string{"a1", "b1", "a2", "b2"} {
		created, err := f.driver.Queues().Create(ctx, q, "tenant", nil)
		require.NoError(t, err)
		require.True(t, created)
	}

	alpha, err := f.catalog.GetDriver(ctx, "alpha")
	require.NoError(t, err)
	page, err := alpha.Queues().List(ctx, "tenant", storage.QueueListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Queues, 2)
	require.Equal(t, "a1", page.Queues[0].Name)
	require.Equal(t, "a2", page.Queues[1].Name)

	merged, err := f.driver.Queues().List(ctx, "tenant", storage.QueueListOptions{Limit: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a2", "b1"}, names(merged.Queues))
	require.Equal(t, "b1", merged.Next)

	_, err = f.driver.Messages().Post(ctx, "ghost", "tenant",
		[]storage.MessageSpec{{Body: []byte(`{}`), TTL: time.Minute}}, "")
	require.True(t, errors.Is(err, storage.ErrQueueDoesNotExist), "err=%v", err)
}

func TestDriverCollectGarbageSumsPools(t *testing.T) {
	ctx := context.Background()
	clock := storagetest.NewClock()
	f := newFixture(t, clock.Now, twoPools()...)

	for _, q := range []string{"a", "b"} {
		_, err := f.driver.Queues().Create(ctx, q, "tenant", nil)
		require.NoError(t, err)
		specs := make([]storage.MessageSpec, 3)
		for i := range specs {
			specs[i] = storage.MessageSpec{Body: []byte(`{}`), TTL: time.Minute}
		}
		_, err = f.driver.Messages().Post(ctx, q, "tenant", specs, "")
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Minute)

	res, err := f.driver.CollectGarbage(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, res.Queues)
	require.Equal(t, 4, res.Deleted)
	require.NoError(t, f.driver.Ping(ctx))
}

func names(qs []storage.Queue) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.Name)
	}
	return out
}

func TestRoutedCreateUndoesRegistrationWhenPoolFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storagetest.NewClock().Now,
		storage.Pool{Name: "broken", URI: "nosuch://x", Weight: 1},
	)

	_, err := f.driver.Queues().Create(ctx, "orders", "tenant", nil)
	require.Error(t, err)
	mapped, err := f.control.Catalogue().Exists(ctx, "tenant", "orders")
	require.NoError(t, err)
	require.False(t, mapped, "failed create leaves no catalogue entry")

	require.NoError(t, f.control.Pools().Delete(ctx, "broken"))
	require.NoError(t, f.control.Pools().Create(ctx, storage.Pool{Name: "live", URI: "memory://", Weight: 1}))

	created, err := f.driver.Queues().Create(ctx, "orders", "tenant", nil)
	require.NoError(t, err)
	require.True(t, created)
	entry, err := f.control.Catalogue().Get(ctx, "tenant", "orders")
	require.NoError(t, err)
	require.Equal(t, "live", entry.Pool)
}

func TestCatalogMappingToDeletedPoolCountsAsUnmapped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storagetest.NewClock().Now, twoPools()...)
	require.NoError(t, f.control.Catalogue().Insert(ctx, "tenant", "orders", "ghost"))

	exists, err := f.driver.Queues().Exists(ctx, "orders", "tenant")
	require.NoError(t, err)
	require.False(t, exists)

	created, err := f.driver.Queues().Create(ctx, "orders", "tenant", nil)
	require.NoError(t, err)
	require.True(t, created)
	entry, err := f.control.Catalogue().Get(ctx, "tenant", "orders")
	require.NoError(t, err)
	require.NotEqual(t, "ghost", entry.Pool)

	exists, err = f.driver.Queues().Exists(ctx, "orders", "tenant")
	require.NoError(t, err)
	require.True(t, exists)
}
