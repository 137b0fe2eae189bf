package memory

import (
	"context"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
)

type claimController struct{ s *Store }

func (c claimController) Create(ctx context.Context, queue, project string, opts storage.ClaimOptions, limit int) (string, []storage.Message, error) {
	s := c.s
	if err := s.lock(); err != nil {
		return "", nil, err
	}
	defer s.mu.Unlock()

	q, ok := s.queue(queue, project)
	if !ok {
		return "", nil, storage.ErrQueueDoesNotExist
	}
	limit = s.opts.Limits.ClaimBatch(limit)
	now := s.now()

	selected := make([]*message, 0, limit)
	for _, m := range q.messages {
		if len(selected) >= limit {
			break
		}
		if m.expired(now) || m.claimed(now) {
			continue
		}
		selected = append(selected, m)
	}

	claimID := storage.NewID()
	claimExpires := now.Add(opts.TTL)
	updated := 0
	for _, m := range selected {
		// Same predicate as the selection above.
		if m.expired(now) || m.claimed(now) {
			continue
		}
		stampClaim(m, claimID, claimExpires, opts)
		updated++
	}
	if updated == 0 {
		return "", []storage.Message{}, nil
	}
	s.opts.Hooks.Claimed(queue, project, updated)

	return claimID, q.claimedBy(claimID, queue, project, now), nil
}

func (c claimController) Get(ctx context.Context, queue, project, claimID string) (storage.Claim, []storage.Message, error) {
	s := c.s
	cid, ok := storage.NormalizeID(claimID)
	if !ok {
		return storage.Claim{}, nil, storage.ErrClaimDoesNotExist
	}
	if err := s.lock(); err != nil {
		return storage.Claim{}, nil, err
	}
	defer s.mu.Unlock()

	q, ok := s.queue(queue, project)
	if !ok {
		return storage.Claim{}, nil, storage.ErrClaimDoesNotExist
	}
	now := s.now()
	var head *message
	for _, m := range q.messages {
		if m.claimID == cid && m.claimed(now) {
			head = m
			break
		}
	}
	if head == nil {
		return storage.Claim{}, nil, storage.ErrClaimDoesNotExist
	}
	claim := storage.Claim{
		ID:      cid,
		Queue:   queue,
		Project: project,
		TTL:     head.claimTTL,
		Age:     storage.ClaimAge(now, head.claimExpires, head.claimTTL),
		Expires: head.claimExpires,
	}
	return claim, q.claimedBy(cid, queue, project, now), nil
}

func (c claimController) Update(ctx context.Context, queue, project, claimID string, opts storage.ClaimOptions) error {
	s := c.s
	cid, ok := storage.NormalizeID(claimID)
	if !ok {
		return storage.ErrClaimDoesNotExist
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	q, ok := s.queue(queue, project)
	if !ok {
		return storage.ErrClaimDoesNotExist
	}
	now := s.now()
	claimExpires := now.Add(opts.TTL)
	updated := 0
	for _, m := range q.messages {
		if m.claimID != cid || !m.claimed(now) {
			continue
		}
		stampClaim(m, cid, claimExpires, opts)
		updated++
	}
	if updated == 0 {
		return storage.ErrClaimDoesNotExist
	}
	return nil
}

func (c claimController) Delete(ctx context.Context, queue, project, claimID string) error {
	s := c.s
	cid, ok := storage.NormalizeID(claimID)
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
	now := s.now()
	for _, m := range q.messages {
		if m.claimID != cid {
			continue
		}
		m.claimID = ""
		m.claimExpires = now
		m.claimTTL = 0
	}
	return nil
}

func stampClaim(m *message, claimID string, claimExpires time.Time, opts storage.ClaimOptions) {
	m.claimID = claimID
	m.claimExpires = claimExpires
	m.claimTTL = opts.TTL
	if expires, ttl, ok := storage.GraceExtension(m.expires, claimExpires, opts); ok {
		m.expires = expires
		m.ttl = ttl
	}
}

func (q *queueState) claimedBy(claimID, name, project string, now time.Time) []storage.Message {
	out := make([]storage.Message, 0)
	for _, m := range q.messages {
		if m.claimID == claimID && m.claimed(now) {
			out = append(out, m.export(name, project, now))
		}
	}
	return out
}
