package mongostore

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nuetzliches/claimq/internal/storage"
)

// CollectGarbage drops expired messages, keeping the newest message of
// every queue so its marker is never reused.
func (s *Store) CollectGarbage(ctx context.Context, threshold int) (storage.GCResult, error) {
	cur, err := s.queues.Find(ctx, bson.D{}, options.Find().SetProjection(bson.D{{Key: "p", Value: 1}, {Key: "n", Value: 1}}))
	if err != nil {
		return storage.GCResult{}, s.wrap(err)
	}
	var queues []queueDoc
	if err := cur.All(ctx, &queues); err != nil {
		return storage.GCResult{}, s.wrap(err)
	}

	now := nanos(s.now())
	var res storage.GCResult
	for _, q := range queues {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		base := bson.D{{Key: "p", Value: q.Project}, {Key: "q", Value: q.Name}}
		var head messageDoc
		err := s.messages.FindOne(ctx, base, options.FindOne().
			SetSort(bson.D{{Key: "k", Value: -1}}).
			SetProjection(bson.D{{Key: "k", Value: 1}})).Decode(&head)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return res, s.wrap(err)
		}

		expired := append(base,
			bson.E{Key: "k", Value: bson.D{{Key: "$lt", Value: head.Marker}}},
			bson.E{Key: "e", Value: bson.D{{Key: "$lte", Value: now}}},
		)
		n, err := s.messages.CountDocuments(ctx, expired)
		if err != nil {
			return res, s.wrap(err)
		}
		if n == 0 {
			continue
		}
		if threshold > 0 && int(n) < threshold {
			res.Skipped++
			continue
		}
		del, err := s.messages.DeleteMany(ctx, expired)
		if err != nil {
			return res, s.wrap(err)
		}
		res.Queues++
		res.Deleted += int(del.DeletedCount)
	}
	return res, nil
}
