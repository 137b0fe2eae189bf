package mongostore

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nuetzliches/claimq/internal/storage"
)

type queueDoc struct {
	Project  string `bson:"p"`
	Name     string `bson:"n"`
	Metadata bson.M `bson:"m"`
	// Counter is the highest marker handed out so far.
	Counter        int64 `bson:"c"`
	CounterUpdated int64 `bson:"cu"`
	Created        int64 `bson:"cr"`
}

type queueController struct{ s *Store }

func queueFilter(name, project string) bson.D {
	return bson.D{{Key: "p", Value: project}, {Key: "n", Value: name}}
}

func (c queueController) List(ctx context.Context, project string, opts storage.QueueListOptions) (storage.QueuePage, error) {
	s := c.s
	limit := s.opts.Limits.QueuePage(opts.Limit)
	filter := bson.D{{Key: "p", Value: project}, {Key: "n", Value: bson.D{{Key: "$gt", Value: opts.Marker}}}}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "n", Value: 1}}).
		SetLimit(int64(limit))
	if !opts.Detailed {
		findOpts.SetProjection(bson.D{{Key: "m", Value: 0}})
	}
	cur, err := s.queues.Find(ctx, filter, findOpts)
	if err != nil {
		return storage.QueuePage{}, s.wrap(err)
	}
	var docs []queueDoc
	if err := cur.All(ctx, &docs); err != nil {
		return storage.QueuePage{}, s.wrap(err)
	}

	page := storage.QueuePage{Queues: make([]storage.Queue, 0, len(docs))}
	for _, d := range docs {
		q := storage.Queue{Name: d.Name, Project: project}
		if opts.Detailed {
			q.Metadata = metadata(d.Metadata)
		}
		page.Queues = append(page.Queues, q)
	}
	if len(docs) == limit && limit > 0 {
		page.Next = docs[len(docs)-1].Name
	}
	return page, nil
}

func (c queueController) Create(ctx context.Context, name, project string, md storage.Metadata) (bool, error) {
	s := c.s
	now := nanos(s.now())
	if md == nil {
		md = storage.Metadata{}
	}
	res, err := s.queues.UpdateOne(ctx, queueFilter(name, project), bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "m", Value: map[string]any(md)},
		{Key: "c", Value: int64(0)},
		{Key: "cu", Value: now},
		{Key: "cr", Value: now},
	}}}, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, s.wrap(err)
	}
	return res.UpsertedCount > 0, nil
}

func (c queueController) Exists(ctx context.Context, name, project string) (bool, error) {
	return c.s.queueExists(ctx, name, project)
}

func (s *Store) queueExists(ctx context.Context, name, project string) (bool, error) {
	n, err := s.queues.CountDocuments(ctx, queueFilter(name, project), options.Count().SetLimit(1))
	if err != nil {
		return false, s.wrap(err)
	}
	return n > 0, nil
}

func (c queueController) GetMetadata(ctx context.Context, name, project string) (storage.Metadata, error) {
	s := c.s
	var d queueDoc
	err := s.queues.FindOne(ctx, queueFilter(name, project)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrQueueDoesNotExist
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	return metadata(d.Metadata), nil
}

func (c queueController) SetMetadata(ctx context.Context, name, project string, md storage.Metadata) error {
	s := c.s
	if md == nil {
		md = storage.Metadata{}
	}
	res, err := s.queues.UpdateOne(ctx, queueFilter(name, project),
		bson.D{{Key: "$set", Value: bson.D{{Key: "m", Value: map[string]any(md)}}}})
	if err != nil {
		return s.wrap(err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrQueueDoesNotExist
	}
	return nil
}

// Delete removes the queue document first so posts racing the delete
// fail on the counter instead of leaving orphans behind.
func (c queueController) Delete(ctx context.Context, name, project string) error {
	s := c.s
	if _, err := s.queues.DeleteOne(ctx, queueFilter(name, project)); err != nil {
		return s.wrap(err)
	}
	_, err := s.messages.DeleteMany(ctx, bson.D{{Key: "p", Value: project}, {Key: "q", Value: name}})
	return s.wrap(err)
}

func (c queueController) Stats(ctx context.Context, name, project string) (storage.QueueStats, error) {
	s := c.s
	exists, err := s.queueExists(ctx, name, project)
	if err != nil {
		return storage.QueueStats{}, err
	}
	if !exists {
		return storage.QueueStats{}, storage.ErrQueueDoesNotExist
	}

	now := nanos(s.now())
	live := liveFilter(name, project, now)
	total, err := s.messages.CountDocuments(ctx, live)
	if err != nil {
		return storage.QueueStats{}, s.wrap(err)
	}
	claimed, err := s.messages.CountDocuments(ctx, append(live, bson.E{Key: "ce", Value: bson.D{{Key: "$gt", Value: now}}}))
	if err != nil {
		return storage.QueueStats{}, s.wrap(err)
	}

	stats := storage.QueueStats{
		Claimed: int(claimed),
		Free:    int(total - claimed),
		Total:   int(total),
	}
	if total == 0 {
		return stats, nil
	}
	msgs := messageController{s}
	for _, side := range []struct {
		sort int
		dst  **storage.MessageStat
	}{
		{storage.SortAscending, &stats.Oldest},
		{storage.SortDescending, &stats.Newest},
	} {
		m, err := msgs.First(ctx, name, project, side.sort)
		if errors.Is(err, storage.ErrQueueIsEmpty) {
			continue
		}
		if err != nil {
			return storage.QueueStats{}, err
		}
		*side.dst = &storage.MessageStat{ID: m.ID, Age: m.Age, Created: m.Created}
	}
	return stats, nil
}

func metadata(in bson.M) storage.Metadata {
	out := storage.Metadata{}
	for k, v := range plainMap(in) {
		out[k] = v
	}
	return out
}
