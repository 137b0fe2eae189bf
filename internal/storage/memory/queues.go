package memory

import (
	"context"
	"sort"

	"github.com/nuetzliches/claimq/internal/storage"
)

type queueController struct{ s *Store }

func (c queueController) List(ctx context.Context, project string, opts storage.QueueListOptions) (storage.QueuePage, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return storage.QueuePage{}, err
	}
	defer s.mu.Unlock()

	limit := s.opts.Limits.QueuePage(opts.Limit)
	names := make([]string, 0)
	for key := range s.queues {
		if key.project != project || key.name <= opts.Marker {
			continue
		}
		names = append(names, key.name)
	}
	sort.Strings(names)
	if len(names) > limit {
		names = names[:limit]
	}

	page := storage.QueuePage{Queues: make([]storage.Queue, 0, len(names))}
	for _, name := range names {
		q := storage.Queue{Name: name, Project: project}
		if opts.Detailed {
			q.Metadata = copyMetadata(s.queues[queueKey{project: project, name: name}].metadata)
		}
		page.Queues = append(page.Queues, q)
	}
	if len(names) == limit && limit > 0 {
		page.Next = names[len(names)-1]
	}
	return page, nil
}

func (c queueController) Create(ctx context.Context, name, project string, metadata storage.Metadata) (bool, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	key := queueKey{project: project, name: name}
	if _, ok := s.queues[key]; ok {
		return false, nil
	}
	now := s.now()
	s.queues[key] = &queueState{
		metadata:       copyMetadata(metadata),
		created:        now,
		counterUpdated: now,
	}
	return true, nil
}

func (c queueController) Exists(ctx context.Context, name, project string) (bool, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	_, ok := s.queue(name, project)
	return ok, nil
}

func (c queueController) GetMetadata(ctx context.Context, name, project string) (storage.Metadata, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	q, ok := s.queue(name, project)
	if !ok {
		return nil, storage.ErrQueueDoesNotExist
	}
	return copyMetadata(q.metadata), nil
}

func (c queueController) SetMetadata(ctx context.Context, name, project string, metadata storage.Metadata) error {
	s := c.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	q, ok := s.queue(name, project)
	if !ok {
		return storage.ErrQueueDoesNotExist
	}
	q.metadata = copyMetadata(metadata)
	return nil
}

func (c queueController) Delete(ctx context.Context, name, project string) error {
	s := c.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.queues, queueKey{project: project, name: name})
	return nil
}

func (c queueController) Stats(ctx context.Context, name, project string) (storage.QueueStats, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return storage.QueueStats{}, err
	}
	defer s.mu.Unlock()
	q, ok := s.queue(name, project)
	if !ok {
		return storage.QueueStats{}, storage.ErrQueueDoesNotExist
	}

	now := s.now()
	var stats storage.QueueStats
	var oldest, newest *message
	for _, m := range q.messages {
		if m.expired(now) {
			continue
		}
		if m.claimed(now) {
			stats.Claimed++
		} else {
			stats.Free++
		}
		if oldest == nil {
			oldest = m
		}
		newest = m
	}
	stats.Total = stats.Claimed + stats.Free
	if oldest != nil {
		stats.Oldest = &storage.MessageStat{ID: oldest.id, Age: now.Sub(oldest.created), Created: oldest.created}
		stats.Newest = &storage.MessageStat{ID: newest.id, Age: now.Sub(newest.created), Created: newest.created}
	}
	return stats, nil
}
