// Package mongostore keeps queues, messages and the control plane in
// MongoDB. Each pool URI names its own database.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/nuetzliches/claimq/internal/storage"
)

const (
	backendName = "mongo"

	defaultDatabase = "claimq"

	queuesCollection    = "queues"
	messagesCollection  = "messages"
	poolsCollection     = "pools"
	catalogueCollection = "catalogue"

	// markerIndex is the unique index that serializes concurrent posts.
	markerIndex = "queue_marker"

	duplicateKeyCode = 11000
)

var errClosed = errors.New("mongo store closed")

// Store implements storage.DataDriver and storage.ControlDriver.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	opts   storage.Options
	closed atomic.Bool

	queues    *mongo.Collection
	messages  *mongo.Collection
	pools     *mongo.Collection
	catalogue *mongo.Collection
}

var (
	_ storage.DataDriver    = (*Store)(nil)
	_ storage.ControlDriver = (*Store)(nil)
	_ storage.Collector     = (*Store)(nil)
	_ storage.Inserter      = (*Store)(nil)
)

// Register adds the mongodb:// and mongodb+srv:// schemes to r.
func Register(r *storage.Registry) {
	r.Register(storage.Factory{
		Data: func(ctx context.Context, uri string, opts storage.Options) (storage.DataDriver, error) {
			return Open(ctx, uri, opts)
		},
		Control: func(ctx context.Context, uri string, opts storage.Options) (storage.ControlDriver, error) {
			return Open(ctx, uri, opts)
		},
	}, "mongodb", "mongodb+srv")
}

// Open connects to uri, verifies the connection and ensures indexes.
// The database comes from the URI path, then the "database" backend
// option, then defaultDatabase.
func Open(ctx context.Context, uri string, opts storage.Options) (*Store, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, errors.New("empty mongo uri")
	}
	opts = opts.WithDefaults()

	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetAppName("claimq"))
	if err != nil {
		return nil, &storage.ConnectionError{Backend: backendName, Err: err}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &storage.ConnectionError{Backend: backendName, Err: err}
	}

	s := newStore(client, databaseName(uri, opts), opts)
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	opts.Logger.Debug("mongo_store_opened", "database", s.db.Name())
	return s, nil
}

func newStore(client *mongo.Client, database string, opts storage.Options) *Store {
	db := client.Database(database)
	return &Store{
		client:    client,
		db:        db,
		opts:      opts.WithDefaults(),
		queues:    db.Collection(queuesCollection),
		messages:  db.Collection(messagesCollection),
		pools:     db.Collection(poolsCollection),
		catalogue: db.Collection(catalogueCollection),
	}
}

func databaseName(uri string, opts storage.Options) string {
	if u, err := url.Parse(uri); err == nil {
		if name := strings.Trim(u.Path, "/"); name != "" {
			return name
		}
	}
	return opts.BackendString("database", defaultDatabase)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	asc := func(keys ...string) bson.D {
		d := make(bson.D, 0, len(keys))
		for _, k := range keys {
			d = append(d, bson.E{Key: k, Value: 1})
		}
		return d
	}
	plan := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.queues, []mongo.IndexModel{
			{Keys: asc("p", "n"), Options: options.Index().SetUnique(true).SetName("project_name")},
		}},
		{s.messages, []mongo.IndexModel{
			{Keys: asc("p", "q", "k"), Options: options.Index().SetUnique(true).SetName(markerIndex)},
			{Keys: asc("p", "q", "cid"), Options: options.Index().SetName("queue_claim")},
			{Keys: asc("p", "q", "e"), Options: options.Index().SetName("queue_expires")},
		}},
		{s.catalogue, []mongo.IndexModel{
			{Keys: asc("p", "q"), Options: options.Index().SetUnique(true).SetName("project_queue")},
			{Keys: asc("pl"), Options: options.Index().SetName("pool")},
		}},
	}
	for _, step := range plan {
		if _, err := step.coll.Indexes().CreateMany(ctx, step.models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", step.coll.Name(), s.wrap(err))
		}
	}
	return nil
}

func (s *Store) Queues() storage.QueueController        { return queueController{s} }
func (s *Store) Messages() storage.MessageController    { return messageController{s} }
func (s *Store) Claims() storage.ClaimController        { return claimController{s} }
func (s *Store) Pools() storage.PoolsController         { return poolsController{s} }
func (s *Store) Catalogue() storage.CatalogueController { return catalogueController{s} }

func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return &storage.ConnectionError{Backend: backendName, Err: errClosed}
	}
	return s.wrap(s.client.Ping(ctx, readpref.Primary()))
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC()
}

// wrap turns connectivity failures into *storage.ConnectionError.
func (s *Store) wrap(err error) error {
	if err == nil {
		return nil
	}
	var connErr *storage.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	if s.closed.Load() ||
		errors.Is(err, mongo.ErrClientDisconnected) ||
		mongo.IsNetworkError(err) ||
		mongo.IsTimeout(err) {
		return &storage.ConnectionError{Backend: backendName, Err: err}
	}
	return err
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// plainMap normalizes a decoded document into JSON types so numbers and
// nested documents look the same as on the other backends.
func plainMap(in bson.M) map[string]any {
	if len(in) == 0 {
		return nil
	}
	raw, err := bson.MarshalExtJSON(in, false, false)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
