package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
)

const messageColumns = `id, marker, body, ttl_ns, created_at, expires_at, client_id, claim_id, claim_expires_at, claim_ttl_ns`

type messageController struct{ s *Store }

func (c messageController) Post(ctx context.Context, queue, project string, specs []storage.MessageSpec, clientID string) ([]string, error) {
	return storage.Post(ctx, c.s, c.s.opts, queue, project, specs, clientID)
}

// NextMarker reads the queue counter outside of any transaction; the
// insert re-checks it.
func (s *Store) NextMarker(ctx context.Context, queue, project string) (int64, error) {
	var counter int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT counter FROM queues WHERE project = ? AND name = ?`), project, queue).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrQueueDoesNotExist
	}
	if err != nil {
		return 0, s.wrap(err)
	}
	return counter + 1, nil
}

// InsertBatch advances the queue counter with a compare-and-set on the
// value NextMarker saw and inserts the batch in the same transaction.
// Either step losing a race rolls everything back.
func (s *Store) InsertBatch(ctx context.Context, queue, project, clientID string, msgs []storage.PreparedMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	first, last := msgs[0].Marker, msgs[len(msgs)-1].Marker
	now := s.now()

	err := s.withTx(ctx, func(tx querier) error {
		res, err := tx.ExecContext(ctx, s.q(`
UPDATE queues SET counter = ?, counter_updated_at = ?
WHERE project = ? AND name = ? AND counter = ?`), last, nanos(now), project, queue, first-1)
		if err != nil {
			return s.wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return s.wrap(err)
		}
		if n == 0 {
			return fmt.Errorf("%s: counter moved past %d: %w", s.d.name, first-1, storage.ErrMarkerTaken)
		}

		for _, pm := range msgs {
			if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO messages (id, project, queue, marker, body, ttl_ns, created_at, expires_at, client_id, claim_id, claim_expires_at, claim_ttl_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, 0)`),
				pm.ID,
				project,
				queue,
				pm.Marker,
				[]byte(pm.Spec.Body),
				int64(pm.Spec.TTL),
				nanos(now),
				nanos(now.Add(pm.Spec.TTL)),
				clientID,
				nanos(now),
			); err != nil {
				if s.d.isUniqueViolation(err) {
					return fmt.Errorf("%s: marker %d: %w", s.d.name, pm.Marker, storage.ErrMarkerTaken)
				}
				return s.wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func (c messageController) Get(ctx context.Context, queue, project, id string) (storage.Message, error) {
	s := c.s
	id, ok := storage.NormalizeID(id)
	if !ok {
		return storage.Message{}, storage.ErrMessageDoesNotExist
	}
	now := s.now()
	msgs, err := s.queryMessages(ctx, s.db, queue, project, now, `
SELECT `+messageColumns+`
FROM messages
WHERE project = ? AND queue = ? AND id = ? AND expires_at > ?`, project, queue, id, nanos(now))
	if err != nil {
		return storage.Message{}, err
	}
	if len(msgs) == 0 {
		return storage.Message{}, storage.ErrMessageDoesNotExist
	}
	return msgs[0], nil
}

func (c messageController) BulkGet(ctx context.Context, queue, project string, ids []string) ([]storage.Message, error) {
	s := c.s
	ids = storage.NormalizeIDs(ids)
	if len(ids) == 0 {
		return []storage.Message{}, nil
	}
	now := s.now()
	args := []any{project, queue, nanos(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	return s.queryMessages(ctx, s.db, queue, project, now, `
SELECT `+messageColumns+`
FROM messages
WHERE project = ? AND queue = ? AND expires_at > ? AND id IN (`+placeholders(len(ids))+`)
ORDER BY marker`, args...)
}

func (c messageController) List(ctx context.Context, queue, project string, opts storage.MessageListOptions) (storage.MessagePage, error) {
	s := c.s
	exists, err := s.queueExists(ctx, s.db, queue, project)
	if err != nil {
		return storage.MessagePage{}, err
	}
	if !exists {
		return storage.MessagePage{}, storage.ErrQueueDoesNotExist
	}

	now := s.now()
	limit := s.opts.Limits.MessagePage(opts.Limit)
	query := `
SELECT ` + messageColumns + `
FROM messages
WHERE project = ? AND queue = ? AND marker > ? AND expires_at > ?`
	args := []any{project, queue, storage.DecodeMarker(opts.Marker), nanos(now)}
	if !opts.IncludeClaimed {
		query += " AND claim_expires_at <= ?"
		args = append(args, nanos(now))
	}
	if !opts.Echo && opts.ClientID != "" {
		query += " AND client_id <> ?"
		args = append(args, opts.ClientID)
	}
	query += " ORDER BY marker LIMIT ?"
	args = append(args, limit)

	msgs, err := s.queryMessages(ctx, s.db, queue, project, now, query, args...)
	if err != nil {
		return storage.MessagePage{}, err
	}
	page := storage.MessagePage{Messages: msgs}
	if n := len(msgs); n > 0 {
		page.Next = storage.EncodeMarker(msgs[n-1].Marker)
	}
	return page, nil
}

func (c messageController) Delete(ctx context.Context, queue, project, id, claimID string) error {
	s := c.s
	id, ok := storage.NormalizeID(id)
	if !ok {
		return nil
	}
	now := s.now()
	return s.withTx(ctx, func(tx querier) error {
		var owner sql.NullString
		var claimExpires int64
		err := tx.QueryRowContext(ctx, s.q(`
SELECT claim_id, claim_expires_at
FROM messages
WHERE project = ? AND queue = ? AND id = ?`+s.d.lockRow), project, queue, id).Scan(&owner, &claimExpires)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return s.wrap(err)
		}

		claimed := owner.Valid && owner.String != "" && claimExpires > nanos(now)
		if claimID == "" {
			if claimed {
				return storage.ErrMessageIsClaimed
			}
		} else {
			cid, ok := storage.NormalizeID(claimID)
			if !ok || !claimed || owner.String != cid {
				return storage.ErrNotPermitted
			}
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE id = ?`), id); err != nil {
			return s.wrap(err)
		}
		return nil
	})
}

func (c messageController) BulkDelete(ctx context.Context, queue, project string, ids []string) error {
	s := c.s
	ids = storage.NormalizeIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	args := []any{project, queue}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
DELETE FROM messages
WHERE project = ? AND queue = ? AND id IN (`+placeholders(len(ids))+`)`), args...)
	return s.wrap(err)
}

func (c messageController) First(ctx context.Context, queue, project string, sort int) (storage.Message, error) {
	s := c.s
	exists, err := s.queueExists(ctx, s.db, queue, project)
	if err != nil {
		return storage.Message{}, err
	}
	if !exists {
		return storage.Message{}, storage.ErrQueueDoesNotExist
	}
	order := "ASC"
	if sort == storage.SortDescending {
		order = "DESC"
	}
	now := s.now()
	msgs, err := s.queryMessages(ctx, s.db, queue, project, now, `
SELECT `+messageColumns+`
FROM messages
WHERE project = ? AND queue = ? AND expires_at > ?
ORDER BY marker `+order+`
LIMIT 1`, project, queue, nanos(now))
	if err != nil {
		return storage.Message{}, err
	}
	if len(msgs) == 0 {
		return storage.Message{}, storage.ErrQueueIsEmpty
	}
	return msgs[0], nil
}

// queryMessages runs query (with ? placeholders) and scans messageColumns.
func (s *Store) queryMessages(ctx context.Context, q querier, queue, project string, now time.Time, query string, args ...any) ([]storage.Message, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	out := make([]storage.Message, 0)
	for rows.Next() {
		var (
			m            storage.Message
			ttl          int64
			created      int64
			expires      int64
			claimID      sql.NullString
			claimExpires int64
			claimTTL     int64
			body         []byte
		)
		if err := rows.Scan(
			&m.ID,
			&m.Marker,
			&body,
			&ttl,
			&created,
			&expires,
			&m.ClientID,
			&claimID,
			&claimExpires,
			&claimTTL,
		); err != nil {
			return nil, s.wrap(err)
		}
		m.Body = body
		m.Queue = queue
		m.Project = project
		m.TTL = time.Duration(ttl)
		m.Created = fromNanos(created)
		m.Expires = fromNanos(expires)
		m.Age = now.Sub(m.Created)
		if claimID.Valid && claimID.String != "" && claimExpires > nanos(now) {
			m.ClaimID = claimID.String
			m.ClaimExpires = fromNanos(claimExpires)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return out, nil
}
