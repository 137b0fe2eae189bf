package memory

import (
	"context"

	"github.com/nuetzliches/claimq/internal/storage"
)

// CollectGarbage drops expired messages, keeping the newest message of
// every queue.
func (s *Store) CollectGarbage(ctx context.Context, threshold int) (storage.GCResult, error) {
	if err := s.lock(); err != nil {
		return storage.GCResult{}, err
	}
	defer s.mu.Unlock()

	now := s.now()
	var res storage.GCResult
	for _, q := range s.queues {
		n := len(q.messages)
		if n < 2 {
			continue
		}
		expired := 0
		for _, m := range q.messages[:n-1] {
			if m.expired(now) {
				expired++
			}
		}
		if expired == 0 {
			continue
		}
		if threshold > 0 && expired < threshold {
			res.Skipped++
			continue
		}

		head := q.messages[n-1]
		kept := q.messages[:0]
		for _, m := range q.messages[:n-1] {
			if m.expired(now) {
				continue
			}
			kept = append(kept, m)
		}
		q.messages = append(kept, head)
		res.Queues++
		res.Deleted += expired
	}
	return res, nil
}
