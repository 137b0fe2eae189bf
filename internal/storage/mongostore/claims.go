package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nuetzliches/claimq/internal/storage"
)

type claimController struct{ s *Store }

// claimable matches live messages without an active claim.
func claimable(queue, project string, now int64) bson.D {
	return append(liveFilter(queue, project, now), bson.E{Key: "ce", Value: bson.D{{Key: "$lte", Value: now}}})
}

func (c claimController) Create(ctx context.Context, queue, project string, opts storage.ClaimOptions, limit int) (string, []storage.Message, error) {
	s := c.s
	exists, err := s.queueExists(ctx, queue, project)
	if err != nil {
		return "", nil, err
	}
	if !exists {
		return "", nil, storage.ErrQueueDoesNotExist
	}
	limit = s.opts.Limits.ClaimBatch(limit)
	now := s.now()

	cur, err := s.messages.Find(ctx, claimable(queue, project, nanos(now)), options.Find().
		SetSort(bson.D{{Key: "k", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return "", nil, s.wrap(err)
	}
	var picked []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &picked); err != nil {
		return "", nil, s.wrap(err)
	}
	if len(picked) == 0 {
		return "", []storage.Message{}, nil
	}
	ids := make([]string, 0, len(picked))
	for _, p := range picked {
		ids = append(ids, p.ID)
	}

	// Repeating the claimable predicate skips messages a racing claim took
	// after the find.
	claimID := storage.NewID()
	claimExpires := now.Add(opts.TTL)
	filter := append(claimable(queue, project, nanos(now)), bson.E{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}})
	res, err := s.messages.UpdateMany(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "cid", Value: claimID},
		{Key: "ce", Value: nanos(claimExpires)},
		{Key: "ct", Value: int64(opts.TTL)},
	}}})
	if err != nil {
		return "", nil, s.wrap(err)
	}
	if res.ModifiedCount == 0 {
		return "", []storage.Message{}, nil
	}
	if err := s.extendForGrace(ctx, queue, project, claimID, claimExpires, opts); err != nil {
		return "", nil, err
	}
	s.opts.Hooks.Claimed(queue, project, int(res.ModifiedCount))

	msgs, err := s.claimedMessages(ctx, queue, project, claimID, s.now())
	if err != nil {
		return "", nil, err
	}
	return claimID, msgs, nil
}

// extendForGrace stretches messages of the claim that would expire before
// the claim does (plus grace).
func (s *Store) extendForGrace(ctx context.Context, queue, project, claimID string, claimExpires time.Time, opts storage.ClaimOptions) error {
	floor := nanos(claimExpires.Add(opts.Grace))
	_, err := s.messages.UpdateMany(ctx, bson.D{
		{Key: "p", Value: project},
		{Key: "q", Value: queue},
		{Key: "cid", Value: claimID},
		{Key: "e", Value: bson.D{{Key: "$lt", Value: floor}}},
	}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "e", Value: floor},
		{Key: "t", Value: int64(opts.TTL + opts.Grace)},
	}}})
	return s.wrap(err)
}

func claimFilter(queue, project, claimID string, now int64) bson.D {
	return bson.D{
		{Key: "p", Value: project},
		{Key: "q", Value: queue},
		{Key: "cid", Value: claimID},
		{Key: "ce", Value: bson.D{{Key: "$gt", Value: now}}},
	}
}

func (s *Store) claimedMessages(ctx context.Context, queue, project, claimID string, now time.Time) ([]storage.Message, error) {
	return s.findMessages(ctx, now, claimFilter(queue, project, claimID, nanos(now)),
		options.Find().SetSort(bson.D{{Key: "k", Value: 1}}))
}

func (c claimController) Get(ctx context.Context, queue, project, claimID string) (storage.Claim, []storage.Message, error) {
	s := c.s
	cid, ok := storage.NormalizeID(claimID)
	if !ok {
		return storage.Claim{}, nil, storage.ErrClaimDoesNotExist
	}
	now := s.now()

	var head messageDoc
	err := s.messages.FindOne(ctx, claimFilter(queue, project, cid, nanos(now)),
		options.FindOne().SetSort(bson.D{{Key: "k", Value: 1}})).Decode(&head)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Claim{}, nil, storage.ErrClaimDoesNotExist
	}
	if err != nil {
		return storage.Claim{}, nil, s.wrap(err)
	}
	msgs, err := s.claimedMessages(ctx, queue, project, cid, now)
	if err != nil {
		return storage.Claim{}, nil, err
	}
	if len(msgs) == 0 {
		return storage.Claim{}, nil, storage.ErrClaimDoesNotExist
	}
	expires := fromNanos(head.ClaimExpires)
	claim := storage.Claim{
		ID:      cid,
		Queue:   queue,
		Project: project,
		TTL:     time.Duration(head.ClaimTTL),
		Age:     storage.ClaimAge(now, expires, time.Duration(head.ClaimTTL)),
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
	res, err := s.messages.UpdateMany(ctx, claimFilter(queue, project, cid, nanos(now)), bson.D{{Key: "$set", Value: bson.D{
		{Key: "ce", Value: nanos(claimExpires)},
		{Key: "ct", Value: int64(opts.TTL)},
	}}})
	if err != nil {
		return s.wrap(err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrClaimDoesNotExist
	}
	return s.extendForGrace(ctx, queue, project, cid, claimExpires, opts)
}

func (c claimController) Delete(ctx context.Context, queue, project, claimID string) error {
	s := c.s
	cid, ok := storage.NormalizeID(claimID)
	if !ok {
		return nil
	}
	now := nanos(s.now())
	_, err := s.messages.UpdateMany(ctx, bson.D{
		{Key: "p", Value: project},
		{Key: "q", Value: queue},
		{Key: "cid", Value: cid},
	}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "cid", Value: ""},
		{Key: "ce", Value: now},
		{Key: "ct", Value: int64(0)},
	}}})
	return s.wrap(err)
}
