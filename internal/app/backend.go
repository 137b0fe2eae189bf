package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nuetzliches/claimq/internal/config"
	"github.com/nuetzliches/claimq/internal/metrics"
	"github.com/nuetzliches/claimq/internal/pipeline"
	"github.com/nuetzliches/claimq/internal/pooling"
	"github.com/nuetzliches/claimq/internal/storage"
	"github.com/nuetzliches/claimq/internal/storage/memory"
	"github.com/nuetzliches/claimq/internal/storage/mongostore"
	"github.com/nuetzliches/claimq/internal/storage/sqlstore"
)

func newRegistry() *storage.Registry {
	r := storage.NewRegistry()
	memory.Register(r)
	sqlstore.Register(r)
	mongostore.Register(r)
	return r
}

// backend is the storage stack a command runs against.
type backend struct {
	driver storage.DataDriver
	// control is set in pooled mode.
	control storage.ControlDriver
	catalog *pooling.Catalog
	name    string
}

func (b *backend) collector() (storage.Collector, bool) {
	c, ok := b.driver.(storage.Collector)
	return c, ok
}

func (b *backend) Close() error {
	var errs []error
	if b.driver != nil {
		errs = append(errs, b.driver.Close())
	}
	if b.control != nil {
		errs = append(errs, b.control.Close())
	}
	return errors.Join(errs...)
}

func storageOptions(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) storage.Options {
	opts := cfg.StorageOptions()
	opts.Logger = logger
	if m != nil {
		opts.Hooks = m.StorageHooks()
	}
	return opts
}

// openBackend opens either the single configured backend or, with pooling
// on, the catalogue and a routing driver over the registered pools.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*backend, error) {
	registry := newRegistry()
	opts := storageOptions(cfg, logger, m)

	b := &backend{}
	if !cfg.Pooling.Enabled {
		driver, err := registry.OpenData(ctx, cfg.StorageURI, opts)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		b.driver = driver
		b.name = storage.Scheme(cfg.StorageURI)
	} else {
		control, err := registry.OpenControl(ctx, cfg.Pooling.CatalogueURI, opts)
		if err != nil {
			return nil, fmt.Errorf("open catalogue: %w", err)
		}
		b.control = control

		if cfg.PoolsFile != "" {
			pools, err := config.ReadPoolsFile(cfg.PoolsFile)
			if err != nil {
				_ = b.Close()
				return nil, err
			}
			if _, err := applyPools(ctx, control.Pools(), pools, false, logger); err != nil {
				_ = b.Close()
				return nil, err
			}
		}

		cache, err := pooling.OpenCache(cfg.Pooling.CacheURL)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		popts := pooling.Options{CacheTTL: cfg.Pooling.CacheTTL, Logger: logger}
		if m != nil {
			popts.Hooks = m.PoolingHooks()
		}
		drivers := pooling.NewDriverCache(registry, control.Pools(), opts)
		b.catalog = pooling.NewCatalog(control, cache, drivers, popts)
		b.driver = pooling.NewDriver(b.catalog, opts.Limits)
		b.name = "pooled:" + storage.Scheme(cfg.Pooling.CatalogueURI)
	}

	if cfg.ReadOnly {
		b.driver = pipeline.Wrap(b.driver, pipeline.ReadOnly(), logger)
	}
	return b, nil
}

// applyPools upserts pools into the registry. With prune set, registered
// pools missing from the list are removed. It returns the number of
// changed pools.
func applyPools(ctx context.Context, ctrl storage.PoolsController, pools []storage.Pool, prune bool, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	want := make(map[string]struct{}, len(pools))
	changed := 0
	for _, p := range pools {
		want[p.Name] = struct{}{}
		cur, err := ctrl.Get(ctx, p.Name, true)
		switch {
		case err == nil && poolEqual(cur, p):
			continue
		case err != nil && !errors.Is(err, storage.ErrPoolDoesNotExist):
			return changed, fmt.Errorf("pool %q: %w", p.Name, err)
		}
		if err := ctrl.Create(ctx, p); err != nil {
			return changed, fmt.Errorf("pool %q: %w", p.Name, err)
		}
		changed++
		logger.Info("pool_registered",
			slog.String("pool", p.Name),
			slog.String("backend", storage.Scheme(p.URI)),
			slog.Int("weight", p.Weight),
		)
	}
	if !prune {
		return changed, nil
	}

	marker := ""
	for {
		page, err := ctrl.List(ctx, storage.PoolListOptions{Marker: marker, Limit: storage.DefaultMaxQueuesPage})
		if err != nil {
			return changed, err
		}
		if len(page) == 0 {
			return changed, nil
		}
		for _, p := range page {
			if _, ok := want[p.Name]; ok {
				continue
			}
			if err := ctrl.Delete(ctx, p.Name); err != nil {
				return changed, fmt.Errorf("pool %q: %w", p.Name, err)
			}
			changed++
			logger.Info("pool_removed", slog.String("pool", p.Name))
		}
		marker = page[len(page)-1].Name
	}
}

func poolEqual(a, b storage.Pool) bool {
	if a.Name != b.Name || a.URI != b.URI || a.Weight != b.Weight || len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		if fmt.Sprint(b.Options[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}
