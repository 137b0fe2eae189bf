package mongostore

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nuetzliches/claimq/internal/storage"
)

type poolDoc struct {
	Name    string `bson:"_id"`
	URI     string `bson:"u"`
	Weight  int    `bson:"w"`
	Options bson.M `bson:"o,omitempty"`
}

func (d poolDoc) export(detailed bool) storage.Pool {
	pool := storage.Pool{Name: d.Name, URI: d.URI, Weight: d.Weight}
	if detailed {
		pool.Options = plainMap(d.Options)
	}
	return pool
}

type poolsController struct{ s *Store }

// Create stores pool, replacing any pool of the same name.
func (c poolsController) Create(ctx context.Context, pool storage.Pool) error {
	s := c.s
	doc := poolDoc{Name: pool.Name, URI: pool.URI, Weight: pool.Weight, Options: bson.M(pool.Options)}
	_, err := s.pools.ReplaceOne(ctx, bson.D{{Key: "_id", Value: pool.Name}}, doc, options.Replace().SetUpsert(true))
	return s.wrap(err)
}

func (c poolsController) Get(ctx context.Context, name string, detailed bool) (storage.Pool, error) {
	s := c.s
	var d poolDoc
	err := s.pools.FindOne(ctx, bson.D{{Key: "_id", Value: name}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Pool{}, storage.ErrPoolDoesNotExist
	}
	if err != nil {
		return storage.Pool{}, s.wrap(err)
	}
	return d.export(detailed), nil
}

func (c poolsController) Update(ctx context.Context, name string, update storage.PoolUpdate) error {
	s := c.s
	set := bson.D{}
	if update.URI != nil {
		set = append(set, bson.E{Key: "u", Value: *update.URI})
	}
	if update.Weight != nil {
		set = append(set, bson.E{Key: "w", Value: *update.Weight})
	}
	if update.Options != nil {
		set = append(set, bson.E{Key: "o", Value: update.Options})
	}
	filter := bson.D{{Key: "_id", Value: name}}
	if len(set) == 0 {
		n, err := s.pools.CountDocuments(ctx, filter)
		if err != nil {
			return s.wrap(err)
		}
		if n == 0 {
			return storage.ErrPoolDoesNotExist
		}
		return nil
	}
	res, err := s.pools.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return s.wrap(err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrPoolDoesNotExist
	}
	return nil
}

func (c poolsController) Delete(ctx context.Context, name string) error {
	_, err := c.s.pools.DeleteOne(ctx, bson.D{{Key: "_id", Value: name}})
	return c.s.wrap(err)
}

func (c poolsController) List(ctx context.Context, opts storage.PoolListOptions) ([]storage.Pool, error) {
	s := c.s
	limit := s.opts.Limits.QueuePage(opts.Limit)
	cur, err := s.pools.Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: opts.Marker}}}}, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, s.wrap(err)
	}
	var docs []poolDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, s.wrap(err)
	}
	out := make([]storage.Pool, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.export(opts.Detailed))
	}
	return out, nil
}

type catalogueDoc struct {
	Project string `bson:"p"`
	Queue   string `bson:"q"`
	Pool    string `bson:"pl"`
}

type catalogueController struct{ s *Store }

func entryFilter(project, queue string) bson.D {
	return bson.D{{Key: "p", Value: project}, {Key: "q", Value: queue}}
}

func (c catalogueController) List(ctx context.Context, project string) ([]storage.CatalogueEntry, error) {
	s := c.s
	cur, err := s.catalogue.Find(ctx, bson.D{{Key: "p", Value: project}}, options.Find().SetSort(bson.D{{Key: "q", Value: 1}}))
	if err != nil {
		return nil, s.wrap(err)
	}
	var docs []catalogueDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, s.wrap(err)
	}
	out := make([]storage.CatalogueEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, storage.CatalogueEntry{Project: d.Project, Queue: d.Queue, Pool: d.Pool})
	}
	return out, nil
}

func (c catalogueController) Get(ctx context.Context, project, queue string) (storage.CatalogueEntry, error) {
	s := c.s
	var d catalogueDoc
	err := s.catalogue.FindOne(ctx, entryFilter(project, queue)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.CatalogueEntry{}, storage.ErrQueueNotMapped
	}
	if err != nil {
		return storage.CatalogueEntry{}, s.wrap(err)
	}
	return storage.CatalogueEntry{Project: d.Project, Queue: d.Queue, Pool: d.Pool}, nil
}

func (c catalogueController) Exists(ctx context.Context, project, queue string) (bool, error) {
	_, err := c.Get(ctx, project, queue)
	if errors.Is(err, storage.ErrQueueNotMapped) {
		return false, nil
	}
	return err == nil, err
}

// Insert maps the queue to pool unless it is already mapped.
func (c catalogueController) Insert(ctx context.Context, project, queue, pool string) error {
	s := c.s
	_, err := s.catalogue.UpdateOne(ctx, entryFilter(project, queue),
		bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "pl", Value: pool}}}},
		options.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return s.wrap(err)
}

func (c catalogueController) Update(ctx context.Context, project, queue, pool string) error {
	s := c.s
	res, err := s.catalogue.UpdateOne(ctx, entryFilter(project, queue),
		bson.D{{Key: "$set", Value: bson.D{{Key: "pl", Value: pool}}}})
	if err != nil {
		return s.wrap(err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrQueueNotMapped
	}
	return nil
}

func (c catalogueController) Delete(ctx context.Context, project, queue string) error {
	_, err := c.s.catalogue.DeleteOne(ctx, entryFilter(project, queue))
	return c.s.wrap(err)
}
