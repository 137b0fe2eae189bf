package sqlstore

import (
	"context"

	"github.com/nuetzliches/claimq/internal/storage"
)

type queueRef struct {
	project string
	name    string
}

// CollectGarbage deletes expired messages of every queue except the one
// holding the highest marker.
func (s *Store) CollectGarbage(ctx context.Context, threshold int) (storage.GCResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project, name FROM queues`)
	if err != nil {
		return storage.GCResult{}, s.wrap(err)
	}
	var queues []queueRef
	for rows.Next() {
		var ref queueRef
		if err := rows.Scan(&ref.project, &ref.name); err != nil {
			rows.Close()
			return storage.GCResult{}, s.wrap(err)
		}
		queues = append(queues, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storage.GCResult{}, s.wrap(err)
	}

	var res storage.GCResult
	for _, ref := range queues {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		now := nanos(s.now())

		var expired int64
		if err := s.db.QueryRowContext(ctx, s.q(`
SELECT COUNT(*)
FROM messages
WHERE project = ? AND queue = ? AND expires_at <= ?
  AND marker < (SELECT MAX(marker) FROM messages WHERE project = ? AND queue = ?)`),
			ref.project, ref.name, now, ref.project, ref.name).Scan(&expired); err != nil {
			return res, s.wrap(err)
		}
		if expired == 0 {
			continue
		}
		if threshold > 0 && expired < int64(threshold) {
			res.Skipped++
			continue
		}

		out, err := s.db.ExecContext(ctx, s.q(`
DELETE FROM messages
WHERE project = ? AND queue = ? AND expires_at <= ?
  AND marker < (SELECT MAX(marker) FROM messages WHERE project = ? AND queue = ?)`),
			ref.project, ref.name, now, ref.project, ref.name)
		if err != nil {
			return res, s.wrap(err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return res, s.wrap(err)
		}
		res.Queues++
		res.Deleted += int(n)
	}
	return res, nil
}
