package pooling

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nuetzliches/claimq/internal/storage"
)

// Driver is a storage.DataDriver that forwards every call to the pool
// hosting the queue. Queue listing fans out to all pools.
type Driver struct {
	catalog *Catalog
	limits  storage.Limits
}

var (
	_ storage.DataDriver = (*Driver)(nil)
	_ storage.Collector  = (*Driver)(nil)
)

func NewDriver(catalog *Catalog, limits storage.Limits) *Driver {
	return &Driver{catalog: catalog, limits: limits}
}

func (d *Driver) Queues() storage.QueueController     { return routedQueues{d} }
func (d *Driver) Messages() storage.MessageController { return routedMessages{d} }
func (d *Driver) Claims() storage.ClaimController     { return routedClaims{d} }

func (d *Driver) Catalog() *Catalog { return d.catalog }

// Ping checks the catalogue and every pool opened so far.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.catalog.Ping(ctx); err != nil {
		return err
	}
	var errs []error
	for _, name := range d.catalog.drivers.Opened() {
		drv, err := d.catalog.drivers.Get(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := drv.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) Close() error {
	return d.catalog.Close()
}

// CollectGarbage sweeps every pool that can collect garbage.
func (d *Driver) CollectGarbage(ctx context.Context, threshold int) (storage.GCResult, error) {
	drivers, err := d.catalog.Drivers(ctx)
	if err != nil {
		return storage.GCResult{}, err
	}
	var total storage.GCResult
	for _, name := range sortedKeys(drivers) {
		gc, ok := drivers[name].(storage.Collector)
		if !ok {
			continue
		}
		res, err := gc.CollectGarbage(ctx, threshold)
		if err != nil {
			return total, err
		}
		total.Queues += res.Queues
		total.Skipped += res.Skipped
		total.Deleted += res.Deleted
	}
	return total, nil
}

// forward runs call against the driver hosting the queue. An unmapped
// queue yields missing without touching any pool.
func forward[T any](ctx context.Context, d *Driver, queue, project string, missing func() (T, error), call func(storage.DataDriver) (T, error)) (T, error) {
	drv, err := d.catalog.Lookup(ctx, queue, project)
	if err != nil {
		var zero T
		return zero, err
	}
	if drv == nil {
		return missing()
	}
	return call(drv)
}

func fail[T any](err error) func() (T, error) {
	return func() (T, error) {
		var zero T
		return zero, err
	}
}

func forwardErr(ctx context.Context, d *Driver, queue, project string, missing error, call func(storage.DataDriver) error) error {
	_, err := forward(ctx, d, queue, project, fail[struct{}](missing), func(drv storage.DataDriver) (struct{}, error) {
		return struct{}{}, call(drv)
	})
	return err
}

type routedQueues struct{ d *Driver }

// List merges the name-sorted pages of all pools.
func (c routedQueues) List(ctx context.Context, project string, opts storage.QueueListOptions) (storage.QueuePage, error) {
	drivers, err := c.d.catalog.Drivers(ctx)
	if err != nil {
		return storage.QueuePage{}, err
	}
	limit := c.d.limits.QueuePage(opts.Limit)
	opts.Limit = limit

	names := sortedKeys(drivers)
	pages := make([][]storage.Queue, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		drv := drivers[name]
		g.Go(func() error {
			page, err := drv.Queues().List(gctx, project, opts)
			if err != nil {
				return err
			}
			pages[i] = page.Queues
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return storage.QueuePage{}, err
	}

	out := storage.QueuePage{Queues: mergeQueues(pages, limit)}
	if n := len(out.Queues); n == limit && limit > 0 {
		out.Next = out.Queues[n-1].Name
	}
	return out, nil
}

// Create registers the queue and creates it in its pool. When this call
// made the mapping and the pool cannot create the queue, the mapping is
// removed again.
func (c routedQueues) Create(ctx context.Context, name, project string, metadata storage.Metadata) (bool, error) {
	pool, inserted, err := c.d.catalog.register(ctx, name, project)
	if err != nil {
		return false, err
	}
	drv, err := c.d.catalog.GetDriver(ctx, pool)
	if err == nil {
		var created bool
		created, err = drv.Queues().Create(ctx, name, project, metadata)
		if err == nil {
			return created, nil
		}
	}
	if inserted {
		if derr := c.d.catalog.Deregister(ctx, name, project); derr != nil {
			err = errors.Join(err, fmt.Errorf("undo registration: %w", derr))
		}
	}
	return false, err
}

func (c routedQueues) Exists(ctx context.Context, name, project string) (bool, error) {
	return forward(ctx, c.d, name, project, func() (bool, error) { return false, nil },
		func(drv storage.DataDriver) (bool, error) { return drv.Queues().Exists(ctx, name, project) })
}

func (c routedQueues) GetMetadata(ctx context.Context, name, project string) (storage.Metadata, error) {
	return forward(ctx, c.d, name, project, fail[storage.Metadata](storage.ErrQueueDoesNotExist),
		func(drv storage.DataDriver) (storage.Metadata, error) { return drv.Queues().GetMetadata(ctx, name, project) })
}

func (c routedQueues) SetMetadata(ctx context.Context, name, project string, metadata storage.Metadata) error {
	return forwardErr(ctx, c.d, name, project, storage.ErrQueueDoesNotExist,
		func(drv storage.DataDriver) error { return drv.Queues().SetMetadata(ctx, name, project, metadata) })
}

// Delete removes the queue from its pool, then from the catalogue.
func (c routedQueues) Delete(ctx context.Context, name, project string) error {
	drv, err := c.d.catalog.Lookup(ctx, name, project)
	if err != nil {
		return err
	}
	if drv == nil {
		return nil
	}
	if err := drv.Queues().Delete(ctx, name, project); err != nil {
		return err
	}
	return c.d.catalog.Deregister(ctx, name, project)
}

func (c routedQueues) Stats(ctx context.Context, name, project string) (storage.QueueStats, error) {
	return forward(ctx, c.d, name, project, fail[storage.QueueStats](storage.ErrQueueDoesNotExist),
		func(drv storage.DataDriver) (storage.QueueStats, error) { return drv.Queues().Stats(ctx, name, project) })
}

type routedMessages struct{ d *Driver }

func (c routedMessages) Post(ctx context.Context, queue, project string, specs []storage.MessageSpec, clientID string) ([]string, error) {
	return forward(ctx, c.d, queue, project, fail[[]string](storage.ErrQueueDoesNotExist),
		func(drv storage.DataDriver) ([]string, error) {
			return drv.Messages().Post(ctx, queue, project, specs, clientID)
		})
}

func (c routedMessages) Get(ctx context.Context, queue, project, id string) (storage.Message, error) {
	return forward(ctx, c.d, queue, project, fail[storage.Message](storage.ErrMessageDoesNotExist),
		func(drv storage.DataDriver) (storage.Message, error) { return drv.Messages().Get(ctx, queue, project, id) })
}

func (c routedMessages) BulkGet(ctx context.Context, queue, project string, ids []string) ([]storage.Message, error) {
	return forward(ctx, c.d, queue, project, func() ([]storage.Message, error) { return []storage.Message{}, nil },
		func(drv storage.DataDriver) ([]storage.Message, error) {
			return drv.Messages().BulkGet(ctx, queue, project, ids)
		})
}

func (c routedMessages) List(ctx context.Context, queue, project string, opts storage.MessageListOptions) (storage.MessagePage, error) {
	return forward(ctx, c.d, queue, project, fail[storage.MessagePage](storage.ErrQueueDoesNotExist),
		func(drv storage.DataDriver) (storage.MessagePage, error) {
			return drv.Messages().List(ctx, queue, project, opts)
		})
}

func (c routedMessages) Delete(ctx context.Context, queue, project, id, claimID string) error {
	return forwardErr(ctx, c.d, queue, project, nil,
		func(drv storage.DataDriver) error { return drv.Messages().Delete(ctx, queue, project, id, claimID) })
}

func (c routedMessages) BulkDelete(ctx context.Context, queue, project string, ids []string) error {
	return forwardErr(ctx, c.d, queue, project, nil,
		func(drv storage.DataDriver) error { return drv.Messages().BulkDelete(ctx, queue, project, ids) })
}

func (c routedMessages) First(ctx context.Context, queue, project string, sort int) (storage.Message, error) {
	return forward(ctx, c.d, queue, project, fail[storage.Message](storage.ErrQueueDoesNotExist),
		func(drv storage.DataDriver) (storage.Message, error) { return drv.Messages().First(ctx, queue, project, sort) })
}

type routedClaims struct{ d *Driver }

type claimResult struct {
	id   string
	msgs []storage.Message
}

func (c routedClaims) Create(ctx context.Context, queue, project string, opts storage.ClaimOptions, limit int) (string, []storage.Message, error) {
	res, err := forward(ctx, c.d, queue, project, fail[claimResult](storage.ErrQueueDoesNotExist),
		func(drv storage.DataDriver) (claimResult, error) {
			id, msgs, err := drv.Claims().Create(ctx, queue, project, opts, limit)
			return claimResult{id: id, msgs: msgs}, err
		})
	return res.id, res.msgs, err
}

type claimView struct {
	claim storage.Claim
	msgs  []storage.Message
}

func (c routedClaims) Get(ctx context.Context, queue, project, claimID string) (storage.Claim, []storage.Message, error) {
	res, err := forward(ctx, c.d, queue, project, fail[claimView](storage.ErrClaimDoesNotExist),
		func(drv storage.DataDriver) (claimView, error) {
			claim, msgs, err := drv.Claims().Get(ctx, queue, project, claimID)
			return claimView{claim: claim, msgs: msgs}, err
		})
	return res.claim, res.msgs, err
}

func (c routedClaims) Update(ctx context.Context, queue, project, claimID string, opts storage.ClaimOptions) error {
	return forwardErr(ctx, c.d, queue, project, storage.ErrClaimDoesNotExist,
		func(drv storage.DataDriver) error { return drv.Claims().Update(ctx, queue, project, claimID, opts) })
}

func (c routedClaims) Delete(ctx context.Context, queue, project, claimID string) error {
	return forwardErr(ctx, c.d, queue, project, nil,
		func(drv storage.DataDriver) error { return drv.Claims().Delete(ctx, queue, project, claimID) })
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
