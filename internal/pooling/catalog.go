// Package pooling routes queues to storage pools. The catalogue records
// which pool hosts a (project, queue); lookups go through a short-lived
// cache and resolve to a per-pool driver that stays open for the life of
// the process.
package pooling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/claimq/internal/storage"
)

const (
	DefaultCacheTTL = 10 * time.Second

	tracerName = "github.com/nuetzliches/claimq/internal/pooling"
)

// Hooks are optional callbacks for metrics.
type Hooks struct {
	CacheHit        func()
	CacheMiss       func()
	QueueRegistered func(pool string)
}

type Options struct {
	CacheTTL time.Duration
	// Rand returns a uniform sample in [0, 1) for weighted pool choice.
	Rand   func() float64
	Logger *slog.Logger
	Hooks  Hooks
}

// Catalog resolves (project, queue) pairs to pool drivers.
type Catalog struct {
	control storage.ControlDriver
	cache   Cache
	drivers *DriverCache
	opts    Options
	tracer  trace.Tracer
}

func NewCatalog(control storage.ControlDriver, cache Cache, drivers *DriverCache, opts Options) *Catalog {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if cache == nil {
		cache = NewMemoryCache(nil)
	}
	return &Catalog{
		control: control,
		cache:   cache,
		drivers: drivers,
		opts:    opts,
		tracer:  otel.Tracer(tracerName),
	}
}

func cacheKey(queue, project string) string {
	return "catalogue:" + project + "/" + queue
}

// Register maps a new queue to a weighted-random pool and returns the
// pool now hosting it. An existing mapping is kept unless its pool has
// been deleted.
func (c *Catalog) Register(ctx context.Context, queue, project string) (string, error) {
	pool, _, err := c.register(ctx, queue, project)
	return pool, err
}

// register reports whether this call inserted the catalogue entry, so a
// caller whose follow-up fails removes only its own mapping.
func (c *Catalog) register(ctx context.Context, queue, project string) (string, bool, error) {
	ctx, span := c.tracer.Start(ctx, "catalog.register", trace.WithAttributes(
		attribute.String("claimq.project", project),
		attribute.String("claimq.queue", queue),
	))
	defer span.End()

	entry, err := c.control.Catalogue().Get(ctx, project, queue)
	switch {
	case err == nil:
		_, perr := c.control.Pools().Get(ctx, entry.Pool, false)
		if perr == nil {
			span.SetAttributes(attribute.String("claimq.pool", entry.Pool))
			return entry.Pool, false, nil
		}
		if !errors.Is(perr, storage.ErrPoolDoesNotExist) {
			return "", false, recordErr(span, perr)
		}
		c.opts.Logger.Warn("stale_catalogue_entry",
			slog.String("project", project),
			slog.String("queue", queue),
			slog.String("pool", entry.Pool),
		)
		if err := c.Deregister(ctx, queue, project); err != nil {
			return "", false, recordErr(span, err)
		}
	case !errors.Is(err, storage.ErrQueueNotMapped):
		return "", false, recordErr(span, err)
	}

	pools, err := c.Pools(ctx, false)
	if err != nil {
		return "", false, recordErr(span, err)
	}
	pool, ok := pickWeighted(pools, c.opts.Rand())
	if !ok {
		return "", false, recordErr(span, storage.ErrNoPoolFound)
	}
	if err := c.control.Catalogue().Insert(ctx, project, queue, pool.Name); err != nil {
		return "", false, recordErr(span, err)
	}
	// A concurrent register may have won the insert.
	entry, err = c.control.Catalogue().Get(ctx, project, queue)
	if err != nil {
		return "", false, recordErr(span, err)
	}
	inserted := entry.Pool == pool.Name
	if inserted && c.opts.Hooks.QueueRegistered != nil {
		c.opts.Hooks.QueueRegistered(pool.Name)
	}
	c.opts.Logger.Debug("queue_registered",
		slog.String("project", project),
		slog.String("queue", queue),
		slog.String("pool", entry.Pool),
	)
	span.SetAttributes(attribute.String("claimq.pool", entry.Pool))
	return entry.Pool, inserted, nil
}

// Lookup returns the driver hosting the queue, or nil when the queue is
// not mapped to any pool. A mapping to a deleted pool counts as unmapped.
func (c *Catalog) Lookup(ctx context.Context, queue, project string) (storage.DataDriver, error) {
	ctx, span := c.tracer.Start(ctx, "catalog.lookup", trace.WithAttributes(
		attribute.String("claimq.project", project),
		attribute.String("claimq.queue", queue),
	))
	defer span.End()

	pool, err := c.poolFor(ctx, queue, project)
	if err != nil {
		return nil, recordErr(span, err)
	}
	if pool == "" {
		return nil, nil
	}
	span.SetAttributes(attribute.String("claimq.pool", pool))
	d, err := c.drivers.Get(ctx, pool)
	if errors.Is(err, storage.ErrPoolDoesNotExist) {
		if err := c.cache.Delete(ctx, cacheKey(queue, project)); err != nil {
			c.opts.Logger.Warn("lookup_cache_error", slog.String("op", "delete"), slog.Any("err", err))
		}
		return nil, nil
	}
	if err != nil {
		return nil, recordErr(span, err)
	}
	return d, nil
}

func (c *Catalog) poolFor(ctx context.Context, queue, project string) (string, error) {
	key := cacheKey(queue, project)
	pool, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.opts.Logger.Warn("lookup_cache_error", slog.String("op", "get"), slog.Any("err", err))
	}
	if ok {
		if c.opts.Hooks.CacheHit != nil {
			c.opts.Hooks.CacheHit()
		}
		return pool, nil
	}
	if c.opts.Hooks.CacheMiss != nil {
		c.opts.Hooks.CacheMiss()
	}

	entry, err := c.control.Catalogue().Get(ctx, project, queue)
	if errors.Is(err, storage.ErrQueueNotMapped) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if err := c.cache.Set(ctx, key, entry.Pool, c.opts.CacheTTL); err != nil {
		c.opts.Logger.Warn("lookup_cache_error", slog.String("op", "set"), slog.Any("err", err))
	}
	return entry.Pool, nil
}

// Deregister drops the cached lookup and the catalogue entry. A lookup
// racing the two steps may still see the old pool until the cache TTL
// elapses.
func (c *Catalog) Deregister(ctx context.Context, queue, project string) error {
	if err := c.cache.Delete(ctx, cacheKey(queue, project)); err != nil {
		c.opts.Logger.Warn("lookup_cache_error", slog.String("op", "delete"), slog.Any("err", err))
	}
	return c.control.Catalogue().Delete(ctx, project, queue)
}

// GetDriver returns the memoized driver of pool.
func (c *Catalog) GetDriver(ctx context.Context, pool string) (storage.DataDriver, error) {
	return c.drivers.Get(ctx, pool)
}

// Pools pages through the whole pool registry.
func (c *Catalog) Pools(ctx context.Context, detailed bool) ([]storage.Pool, error) {
	var out []storage.Pool
	marker := ""
	for {
		page, err := c.control.Pools().List(ctx, storage.PoolListOptions{
			Marker:   marker,
			Limit:    storage.DefaultMaxQueuesPage,
			Detailed: detailed,
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}
		out = append(out, page...)
		marker = page[len(page)-1].Name
	}
}

// Drivers opens the driver of every registered pool, keyed by pool name.
func (c *Catalog) Drivers(ctx context.Context) (map[string]storage.DataDriver, error) {
	pools, err := c.Pools(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]storage.DataDriver, len(pools))
	for _, p := range pools {
		d, err := c.drivers.Get(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		out[p.Name] = d
	}
	return out, nil
}

func (c *Catalog) Ping(ctx context.Context) error {
	if err := c.control.Ping(ctx); err != nil {
		return fmt.Errorf("catalogue: %w", err)
	}
	return nil
}

func (c *Catalog) Close() error {
	return errors.Join(c.drivers.Close(), c.cache.Close())
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
