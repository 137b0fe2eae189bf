package memory

import (
	"context"
	"fmt"

	"github.com/nuetzliches/claimq/internal/storage"
)

type messageController struct{ s *Store }

func (c messageController) Post(ctx context.Context, queue, project string, specs []storage.MessageSpec, clientID string) ([]string, error) {
	return storage.Post(ctx, c.s, c.s.opts, queue, project, specs, clientID)
}

// NextMarker reads the queue counter. It takes the lock on its own so a
// concurrent post can claim the same value before InsertBatch runs.
func (s *Store) NextMarker(ctx context.Context, queue, project string) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	q, ok := s.queue(queue, project)
	if !ok {
		return 0, storage.ErrQueueDoesNotExist
	}
	return q.counter + 1, nil
}

func (s *Store) InsertBatch(ctx context.Context, queue, project, clientID string, msgs []storage.PreparedMessage) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	q, ok := s.queue(queue, project)
	if !ok {
		return 0, storage.ErrQueueDoesNotExist
	}

	now := s.now()
	for i, pm := range msgs {
		if pm.Marker <= q.counter {
			return i, fmt.Errorf("memory: marker %d: %w", pm.Marker, storage.ErrMarkerTaken)
		}
		q.messages = append(q.messages, &message{
			id:           pm.ID,
			marker:       pm.Marker,
			body:         append([]byte(nil), pm.Spec.Body...),
			ttl:          pm.Spec.TTL,
			created:      now,
			expires:      now.Add(pm.Spec.TTL),
			clientID:     clientID,
			claimExpires: now,
		})
		q.counter = pm.Marker
		q.counterUpdated = now
	}
	return len(msgs), nil
}

func (c messageController) Get(ctx context.Context, queue, project, id string) (storage.Message, error) {
	s := c.s
	id, ok := storage.NormalizeID(id)
	if !ok {
		return storage.Message{}, storage.ErrMessageDoesNotExist
	}
	if err := s.lock(); err != nil {
		return storage.Message{}, err
	}
	defer s.mu.Unlock()

	q, ok := s.queue(queue, project)
	if !ok {
		return storage.Message{}, storage.ErrMessageDoesNotExist
	}
	now := s.now()
	_, m := q.find(id)
	if m == nil || m.expired(now) {
		return storage.Message{}, storage.ErrMessageDoesNotExist
	}
	return m.export(queue, project, now), nil
}

func (c messageController) BulkGet(ctx context.Context, queue, project string, ids []string) ([]storage.Message, error) {
	s := c.s
	ids = storage.NormalizeIDs(ids)
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]storage.Message, 0, len(ids))
	q, ok := s.queue(queue, project)
	if !ok || len(ids) == 0 {
		return out, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	now := s.now()
	for _, m := range q.messages {
		if _, ok := want[m.id]; !ok || m.expired(now) {
			continue
		}
		out = append(out, m.export(queue, project, now))
	}
	return out, nil
}

func (c messageController) List(ctx context.Context, queue, project string, opts storage.MessageListOptions) (storage.MessagePage, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return storage.MessagePage{}, err
	}
	defer s.mu.Unlock()

	q, ok := s.queue(queue, project)
	if !ok {
		return storage.MessagePage{}, storage.ErrQueueDoesNotExist
	}
	limit := s.opts.Limits.MessagePage(opts.Limit)
	after := storage.DecodeMarker(opts.Marker)
	now := s.now()

	page := storage.MessagePage{Messages: make([]storage.Message, 0, limit)}
	for _, m := range q.messages {
		if len(page.Messages) >= limit {
			break
		}
		if m.marker <= after || m.expired(now) {
			continue
		}
		if !opts.IncludeClaimed && m.claimed(now) {
			continue
		}
		if !opts.Echo && opts.ClientID != "" && m.clientID == opts.ClientID {
			continue
		}
		page.Messages = append(page.Messages, m.export(queue, project, now))
	}
	if n := len(page.Messages); n > 0 {
		page.Next = storage.EncodeMarker(page.Messages[n-1].Marker)
	}
	return page, nil
}

func (c messageController) Delete(ctx context.Context, queue, project, id, claimID string) error {
	s := c.s
	id, ok := storage.NormalizeID(id)
	if !ok {
		return nil
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	q, ok := s.queue(queue, project)
	if !ok {
		return nil
	}
	idx, m := q.find(id)
	if m == nil {
		return nil
	}

	now := s.now()
	if claimID == "" {
		if m.claimed(now) {
			return storage.ErrMessageIsClaimed
		}
	} else {
		cid, ok := storage.NormalizeID(claimID)
		if !ok || !m.claimed(now) || m.claimID != cid {
			return storage.ErrNotPermitted
		}
	}
	q.remove(idx)
	return nil
}

func (c messageController) BulkDelete(ctx context.Context, queue, project string, ids []string) error {
	s := c.s
	ids = storage.NormalizeIDs(ids)
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	q, ok := s.queue(queue, project)
	if !ok || len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := q.messages[:0]
	for _, m := range q.messages {
		if _, ok := drop[m.id]; ok {
			continue
		}
		kept = append(kept, m)
	}
	q.messages = kept
	return nil
}

func (c messageController) First(ctx context.Context, queue, project string, sort int) (storage.Message, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return storage.Message{}, err
	}
	defer s.mu.Unlock()

	q, ok := s.queue(queue, project)
	if !ok {
		return storage.Message{}, storage.ErrQueueDoesNotExist
	}
	now := s.now()
	n := len(q.messages)
	for i := 0; i < n; i++ {
		idx := i
		if sort == storage.SortDescending {
			idx = n - 1 - i
		}
		if m := q.messages[idx]; !m.expired(now) {
			return m.export(queue, project, now), nil
		}
	}
	return storage.Message{}, storage.ErrQueueIsEmpty
}
