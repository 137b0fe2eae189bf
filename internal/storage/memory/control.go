package memory

import (
	"context"
	"sort"

	"github.com/nuetzliches/claimq/internal/storage"
)

type poolsController struct{ s *Store }

func (c poolsController) Create(ctx context.Context, pool storage.Pool) error {
	s := c.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	pool.Options = copyOptions(pool.Options)
	s.pools[pool.Name] = pool
	return nil
}

func (c poolsController) Get(ctx context.Context, name string, detailed bool) (storage.Pool, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return storage.Pool{}, err
	}
	defer s.mu.Unlock()
	pool, ok := s.pools[name]
	if !ok {
		return storage.Pool{}, storage.ErrPoolDoesNotExist
	}
	return exportPool(pool, detailed), nil
}

func (c poolsController) Update(ctx context.Context, name string, update storage.PoolUpdate) error {
	s := c.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	pool, ok := s.pools[name]
	if !ok {
		return storage.ErrPoolDoesNotExist
	}
	if update.URI != nil {
		pool.URI = *update.URI
	}
	if update.Weight != nil {
		pool.Weight = *update.Weight
	}
	if update.Options != nil {
		pool.Options = copyOptions(update.Options)
	}
	s.pools[name] = pool
	return nil
}

func (c poolsController) Delete(ctx context.Context, name string) error {
	s := c.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.pools, name)
	return nil
}

func (c poolsController) List(ctx context.Context, opts storage.PoolListOptions) ([]storage.Pool, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.pools))
	for name := range s.pools {
		if name > opts.Marker {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if limit := s.opts.Limits.QueuePage(opts.Limit); len(names) > limit {
		names = names[:limit]
	}
	out := make([]storage.Pool, 0, len(names))
	for _, name := range names {
		out = append(out, exportPool(s.pools[name], opts.Detailed))
	}
	return out, nil
}

func exportPool(pool storage.Pool, detailed bool) storage.Pool {
	if !detailed {
		pool.Options = nil
		return pool
	}
	pool.Options = copyOptions(pool.Options)
	return pool
}

func copyOptions(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type catalogueController struct{ s *Store }

func (c catalogueController) List(ctx context.Context, project string) ([]storage.CatalogueEntry, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]storage.CatalogueEntry, 0)
	for key, pool := range s.catalogue {
		if key.project != project {
			continue
		}
		out = append(out, storage.CatalogueEntry{Project: key.project, Queue: key.name, Pool: pool})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out, nil
}

func (c catalogueController) Get(ctx context.Context, project, queue string) (storage.CatalogueEntry, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return storage.CatalogueEntry{}, err
	}
	defer s.mu.Unlock()
	pool, ok := s.catalogue[queueKey{project: project, name: queue}]
	if !ok {
		return storage.CatalogueEntry{}, storage.ErrQueueNotMapped
	}
	return storage.CatalogueEntry{Project: project, Queue: queue, Pool: pool}, nil
}

func (c catalogueController) Exists(ctx context.Context, project, queue string) (bool, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	_, ok := s.catalogue[queueKey{project: project, name: queue}]
	return ok, nil
}

// Insert maps the queue to pool unless it is already mapped.
func (c catalogueController) Insert(ctx context.Context, project, queue, pool string) error {
	s := c.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	key := queueKey{project: project, name: queue}
	if _, ok := s.catalogue[key]; !ok {
		s.catalogue[key] = pool
	}
	return nil
}

func (c catalogueController) Update(ctx context.Context, project, queue, pool string) error {
	s := c.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	key := queueKey{project: project, name: queue}
	if _, ok := s.catalogue[key]; !ok {
		return storage.ErrQueueNotMapped
	}
	s.catalogue[key] = pool
	return nil
}

func (c catalogueController) Delete(ctx context.Context, project, queue string) error {
	s := c.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.catalogue, queueKey{project: project, name: queue})
	return nil
}
