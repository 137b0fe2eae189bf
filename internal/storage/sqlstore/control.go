package sqlstore

import (
	"context"
	"errors"
	"strings"

	"github.com/nuetzliches/claimq/internal/storage"
)

type poolsController struct{ s *Store }

func (c poolsController) Create(ctx context.Context, pool storage.Pool) error {
	s := c.s
	raw, err := encodeMap(pool.Options)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO pools (name, uri, weight, options)
VALUES (?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET uri = excluded.uri, weight = excluded.weight, options = excluded.options`),
		pool.Name, pool.URI, pool.Weight, raw)
	return s.wrap(err)
}

func (c poolsController) Get(ctx context.Context, name string, detailed bool) (storage.Pool, error) {
	s := c.s
	var pool storage.Pool
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT name, uri, weight, options FROM pools WHERE name = ?`), name).
		Scan(&pool.Name, &pool.URI, &pool.Weight, &raw)
	if isNoRows(err) {
		return storage.Pool{}, storage.ErrPoolDoesNotExist
	}
	if err != nil {
		return storage.Pool{}, s.wrap(err)
	}
	if detailed {
		pool.Options = decodeMap(raw)
	}
	return pool, nil
}

func (c poolsController) Update(ctx context.Context, name string, update storage.PoolUpdate) error {
	s := c.s
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if update.URI != nil {
		sets = append(sets, "uri = ?")
		args = append(args, *update.URI)
	}
	if update.Weight != nil {
		sets = append(sets, "weight = ?")
		args = append(args, *update.Weight)
	}
	if update.Options != nil {
		raw, err := encodeMap(update.Options)
		if err != nil {
			return err
		}
		sets = append(sets, "options = ?")
		args = append(args, raw)
	}
	if len(sets) == 0 {
		_, err := c.Get(ctx, name, false)
		return err
	}
	args = append(args, name)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE pools SET `+strings.Join(sets, ", ")+` WHERE name = ?`), args...)
	if err != nil {
		return s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err)
	}
	if n == 0 {
		return storage.ErrPoolDoesNotExist
	}
	return nil
}

func (c poolsController) Delete(ctx context.Context, name string) error {
	s := c.s
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM pools WHERE name = ?`), name)
	return s.wrap(err)
}

func (c poolsController) List(ctx context.Context, opts storage.PoolListOptions) ([]storage.Pool, error) {
	s := c.s
	limit := s.opts.Limits.QueuePage(opts.Limit)
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT name, uri, weight, options
FROM pools
WHERE name`+s.d.nameOrder+` > ?
ORDER BY name`+s.d.nameOrder+`
LIMIT ?`), opts.Marker, limit)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	out := make([]storage.Pool, 0, limit)
	for rows.Next() {
		var pool storage.Pool
		var raw []byte
		if err := rows.Scan(&pool.Name, &pool.URI, &pool.Weight, &raw); err != nil {
			return nil, s.wrap(err)
		}
		if opts.Detailed {
			pool.Options = decodeMap(raw)
		}
		out = append(out, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return out, nil
}

type catalogueController struct{ s *Store }

func (c catalogueController) List(ctx context.Context, project string) ([]storage.CatalogueEntry, error) {
	s := c.s
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT queue, pool
FROM catalogue
WHERE project = ?
ORDER BY queue`+s.d.nameOrder), project)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	out := make([]storage.CatalogueEntry, 0)
	for rows.Next() {
		entry := storage.CatalogueEntry{Project: project}
		if err := rows.Scan(&entry.Queue, &entry.Pool); err != nil {
			return nil, s.wrap(err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return out, nil
}

func (c catalogueController) Get(ctx context.Context, project, queue string) (storage.CatalogueEntry, error) {
	s := c.s
	entry := storage.CatalogueEntry{Project: project, Queue: queue}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT pool FROM catalogue WHERE project = ? AND queue = ?`), project, queue).Scan(&entry.Pool)
	if isNoRows(err) {
		return storage.CatalogueEntry{}, storage.ErrQueueNotMapped
	}
	if err != nil {
		return storage.CatalogueEntry{}, s.wrap(err)
	}
	return entry, nil
}

func (c catalogueController) Exists(ctx context.Context, project, queue string) (bool, error) {
	_, err := c.Get(ctx, project, queue)
	if errors.Is(err, storage.ErrQueueNotMapped) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Insert maps the queue to pool unless it is already mapped.
func (c catalogueController) Insert(ctx context.Context, project, queue, pool string) error {
	s := c.s
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO catalogue (project, queue, pool)
VALUES (?, ?, ?)
ON CONFLICT (project, queue) DO NOTHING`), project, queue, pool)
	return s.wrap(err)
}

func (c catalogueController) Update(ctx context.Context, project, queue, pool string) error {
	s := c.s
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE catalogue SET pool = ? WHERE project = ? AND queue = ?`), pool, project, queue)
	if err != nil {
		return s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err)
	}
	if n == 0 {
		return storage.ErrQueueNotMapped
	}
	return nil
}

func (c catalogueController) Delete(ctx context.Context, project, queue string) error {
	s := c.s
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM catalogue WHERE project = ? AND queue = ?`), project, queue)
	return s.wrap(err)
}
