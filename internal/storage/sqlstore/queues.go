package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/nuetzliches/claimq/internal/storage"
)

type queueController struct{ s *Store }

func (c queueController) List(ctx context.Context, project string, opts storage.QueueListOptions) (storage.QueuePage, error) {
	s := c.s
	limit := s.opts.Limits.QueuePage(opts.Limit)
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT name, metadata
FROM queues
WHERE project = ? AND name`+s.d.nameOrder+` > ?
ORDER BY name`+s.d.nameOrder+`
LIMIT ?`), project, opts.Marker, limit)
	if err != nil {
		return storage.QueuePage{}, s.wrap(err)
	}
	defer rows.Close()

	page := storage.QueuePage{Queues: make([]storage.Queue, 0, limit)}
	for rows.Next() {
		var name string
		var raw []byte
		if err := rows.Scan(&name, &raw); err != nil {
			return storage.QueuePage{}, s.wrap(err)
		}
		q := storage.Queue{Name: name, Project: project}
		if opts.Detailed {
			q.Metadata = decodeMap(raw)
		}
		page.Queues = append(page.Queues, q)
	}
	if err := rows.Err(); err != nil {
		return storage.QueuePage{}, s.wrap(err)
	}
	if n := len(page.Queues); n == limit && n > 0 {
		page.Next = page.Queues[n-1].Name
	}
	return page, nil
}

func (c queueController) Create(ctx context.Context, name, project string, metadata storage.Metadata) (bool, error) {
	s := c.s
	raw, err := encodeMap(metadata)
	if err != nil {
		return false, err
	}
	now := nanos(s.now())
	res, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO queues (project, name, metadata, counter, counter_updated_at, created_at)
VALUES (?, ?, ?, 0, ?, ?)
ON CONFLICT (project, name) DO NOTHING`), project, name, raw, now, now)
	if err != nil {
		return false, s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap(err)
	}
	return n == 1, nil
}

func (c queueController) Exists(ctx context.Context, name, project string) (bool, error) {
	return c.s.queueExists(ctx, c.s.db, name, project)
}

func (s *Store) queueExists(ctx context.Context, q querier, name, project string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.q(`SELECT 1 FROM queues WHERE project = ? AND name = ?`), project, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap(err)
	}
	return true, nil
}

func (c queueController) GetMetadata(ctx context.Context, name, project string) (storage.Metadata, error) {
	s := c.s
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT metadata FROM queues WHERE project = ? AND name = ?`), project, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrQueueDoesNotExist
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	md := decodeMap(raw)
	if md == nil {
		md = storage.Metadata{}
	}
	return md, nil
}

func (c queueController) SetMetadata(ctx context.Context, name, project string, metadata storage.Metadata) error {
	s := c.s
	raw, err := encodeMap(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE queues SET metadata = ? WHERE project = ? AND name = ?`), raw, project, name)
	if err != nil {
		return s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(err)
	}
	if n == 0 {
		return storage.ErrQueueDoesNotExist
	}
	return nil
}

func (c queueController) Delete(ctx context.Context, name, project string) error {
	s := c.s
	return s.withTx(ctx, func(tx querier) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE project = ? AND queue = ?`), project, name); err != nil {
			return s.wrap(err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM queues WHERE project = ? AND name = ?`), project, name); err != nil {
			return s.wrap(err)
		}
		return nil
	})
}

func (c queueController) Stats(ctx context.Context, name, project string) (storage.QueueStats, error) {
	s := c.s
	exists, err := s.queueExists(ctx, s.db, name, project)
	if err != nil {
		return storage.QueueStats{}, err
	}
	if !exists {
		return storage.QueueStats{}, storage.ErrQueueDoesNotExist
	}

	now := nanos(s.now())
	var stats storage.QueueStats
	var claimed, total int64
	if err := s.db.QueryRowContext(ctx, s.q(`
SELECT COALESCE(SUM(CASE WHEN claim_expires_at > ? THEN 1 ELSE 0 END), 0), COUNT(*)
FROM messages
WHERE project = ? AND queue = ? AND expires_at > ?`), now, project, name, now).Scan(&claimed, &total); err != nil {
		return storage.QueueStats{}, s.wrap(err)
	}
	stats.Claimed = int(claimed)
	stats.Total = int(total)
	stats.Free = stats.Total - stats.Claimed
	if stats.Total == 0 {
		return stats, nil
	}

	msgs := messageController{s}
	for _, dir := range []int{storage.SortAscending, storage.SortDescending} {
		m, err := msgs.First(ctx, name, project, dir)
		if errors.Is(err, storage.ErrQueueIsEmpty) {
			continue
		}
		if err != nil {
			return storage.QueueStats{}, err
		}
		stat := &storage.MessageStat{ID: m.ID, Age: m.Age, Created: m.Created}
		if dir == storage.SortAscending {
			stats.Oldest = stat
		} else {
			stats.Newest = stat
		}
	}
	return stats, nil
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
