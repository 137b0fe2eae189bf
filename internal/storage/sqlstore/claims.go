package sqlstore

import (
	"context"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
)

type claimController struct{ s *Store }

func (c claimController) Create(ctx context.Context, queue, project string, opts storage.ClaimOptions, limit int) (string, []storage.Message, error) {
	s := c.s
	limit = s.opts.Limits.ClaimBatch(limit)
	now := s.now()
	claimID := storage.NewID()
	claimExpires := now.Add(opts.TTL)
	updated := int64(0)

	err := s.withTx(ctx, func(tx querier) error {
		exists, err := s.queueExists(ctx, tx, queue, project)
		if err != nil {
			return err
		}
		if !exists {
			return storage.ErrQueueDoesNotExist
		}

		rows, err := tx.QueryContext(ctx, s.q(`
SELECT id
FROM messages
WHERE project = ? AND queue = ? AND expires_at > ? AND claim_expires_at <= ?
ORDER BY marker
LIMIT ?`+s.d.lockRows), project, queue, nanos(now), nanos(now), limit)
		if err != nil {
			return s.wrap(err)
		}
		ids := make([]string, 0, limit)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return s.wrap(err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return s.wrap(err)
		}
		if len(ids) == 0 {
			return nil
		}

		// The eligibility predicate is repeated so rows taken by a racing
		// claim since the SELECT are left alone.
		args := []any{claimID, nanos(claimExpires), int64(opts.TTL), project, queue, nanos(now), nanos(now)}
		for _, id := range ids {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx, s.q(`
UPDATE messages
SET claim_id = ?, claim_expires_at = ?, claim_ttl_ns = ?
WHERE project = ? AND queue = ? AND expires_at > ? AND claim_expires_at <= ?
  AND id IN (`+placeholders(len(ids))+`)`), args...)
		if err != nil {
			return s.wrap(err)
		}
		if updated, err = res.RowsAffected(); err != nil {
			return s.wrap(err)
		}
		if updated == 0 {
			return nil
		}
		return s.extendForGrace(ctx, tx, queue, project, claimID, claimExpires, opts)
	})
	if err != nil {
		return "", nil, err
	}
	if updated == 0 {
		return "", []storage.Message{}, nil
	}
	s.opts.Hooks.Claimed(queue, project, int(updated))

	msgs, err := s.claimedMessages(ctx, queue, project, claimID, s.now())
	if err != nil {
		return "", nil, err
	}
	return claimID, msgs, nil
}

// extendForGrace stretches messages of the claim that would expire before
// the claim does (plus grace).
func (s *Store) extendForGrace(ctx context.Context, tx querier, queue, project, claimID string, claimExpires time.Time, opts storage.ClaimOptions) error {
	floor := claimExpires.Add(opts.Grace)
	_, err := tx.ExecContext(ctx, s.q(`
UPDATE messages
SET expires_at = ?, ttl_ns = ?
WHERE project = ? AND queue = ? AND claim_id = ? AND expires_at < ?`),
		nanos(floor), int64(opts.TTL+opts.Grace), project, queue, claimID, nanos(floor))
	return s.wrap(err)
}

func (s *Store) claimedMessages(ctx context.Context, queue, project, claimID string, now time.Time) ([]storage.Message, error) {
	return s.queryMessages(ctx, s.db, queue, project, now, `
SELECT `+messageColumns+`
FROM messages
WHERE project = ? AND queue = ? AND claim_id = ? AND claim_expires_at > ?
ORDER BY marker`, project, queue, claimID, nanos(now))
}

func (c claimController) Get(ctx context.Context, queue, project, claimID string) (storage.Claim, []storage.Message, error) {
	s := c.s
	cid, ok := storage.NormalizeID(claimID)
	if !ok {
		return storage.Claim{}, nil, storage.ErrClaimDoesNotExist
	}
	now := s.now()

	var claimExpires, claimTTL int64
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT claim_expires_at, claim_ttl_ns
FROM messages
WHERE project = ? AND queue = ? AND claim_id = ? AND claim_expires_at > ?
ORDER BY marker
LIMIT 1`), project, queue, cid, nanos(now)).Scan(&claimExpires, &claimTTL)
	if err != nil {
		if isNoRows(err) {
			return storage.Claim{}, nil, storage.ErrClaimDoesNotExist
		}
		return storage.Claim{}, nil, s.wrap(err)
	}

	msgs, err := s.claimedMessages(ctx, queue, project, cid, now)
	if err != nil {
		return storage.Claim{}, nil, err
	}
	if len(msgs) == 0 {
		return storage.Claim{}, nil, storage.ErrClaimDoesNotExist
	}
	expires := fromNanos(claimExpires)
	claim := storage.Claim{
		ID:      cid,
		Queue:   queue,
		Project: project,
		TTL:     time.Duration(claimTTL),
		Age:     storage.ClaimAge(now, expires, time.Duration(claimTTL)),
		Expires: expires,
	}
	return claim, msgs, nil
}

func (c claimController) Update(ctx context.Context, queue, project, claimID string, opts storage.ClaimOptions) error {
	s := c.s
	cid, ok := storage.NormalizeID(claimID)
	if !ok {
		return storage.ErrClaimDoesNotExist
	}
	now := s.now()
	claimExpires := now.Add(opts.TTL)

	return s.withTx(ctx, func(tx querier) error {
		res, err := tx.ExecContext(ctx, s.q(`
UPDATE messages
SET claim_expires_at = ?, claim_ttl_ns = ?
WHERE project = ? AND queue = ? AND claim_id = ? AND claim_expires_at > ?`),
			nanos(claimExpires), int64(opts.TTL), project, queue, cid, nanos(now))
		if err != nil {
			return s.wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return s.wrap(err)
		}
		if n == 0 {
			return storage.ErrClaimDoesNotExist
		}
		return s.extendForGrace(ctx, tx, queue, project, cid, claimExpires, opts)
	})
}

func (c claimController) Delete(ctx context.Context, queue, project, claimID string) error {
	s := c.s
	cid, ok := storage.NormalizeID(claimID)
	if !ok {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(`
UPDATE messages
SET claim_id = NULL, claim_expires_at = ?, claim_ttl_ns = 0
WHERE project = ? AND queue = ? AND claim_id = ?`), nanos(s.now()), project, queue, cid)
	return s.wrap(err)
}
