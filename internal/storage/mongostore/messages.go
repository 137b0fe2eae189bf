package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nuetzliches/claimq/internal/storage"
)

type messageDoc struct {
	ID       string `bson:"_id"`
	Project  string `bson:"p"`
	Queue    string `bson:"q"`
	Marker   int64  `bson:"k"`
	Body     []byte `bson:"b"`
	TTL      int64  `bson:"t"`
	Created  int64  `bson:"cr"`
	Expires  int64  `bson:"e"`
	ClientID string `bson:"u"`
	// An unclaimed message has an empty ClaimID and ClaimExpires <= now.
	ClaimID      string `bson:"cid"`
	ClaimExpires int64  `bson:"ce"`
	ClaimTTL     int64  `bson:"ct"`
}

func (d messageDoc) export(now time.Time) storage.Message {
	m := storage.Message{
		ID:       d.ID,
		Queue:    d.Queue,
		Project:  d.Project,
		Body:     d.Body,
		TTL:      time.Duration(d.TTL),
		Created:  fromNanos(d.Created),
		Expires:  fromNanos(d.Expires),
		Marker:   d.Marker,
		ClientID: d.ClientID,
	}
	m.Age = now.Sub(m.Created)
	if d.ClaimID != "" && d.ClaimExpires > nanos(now) {
		m.ClaimID = d.ClaimID
		m.ClaimExpires = fromNanos(d.ClaimExpires)
	}
	return m
}

type messageController struct{ s *Store }

func liveFilter(queue, project string, now int64) bson.D {
	return bson.D{
		{Key: "p", Value: project},
		{Key: "q", Value: queue},
		{Key: "e", Value: bson.D{{Key: "$gt", Value: now}}},
	}
}

func (c messageController) Post(ctx context.Context, queue, project string, specs []storage.MessageSpec, clientID string) ([]string, error) {
	return storage.Post(ctx, c.s, c.s.opts, queue, project, specs, clientID)
}

func (s *Store) NextMarker(ctx context.Context, queue, project string) (int64, error) {
	var d queueDoc
	err := s.queues.FindOne(ctx, queueFilter(queue, project),
		options.FindOne().SetProjection(bson.D{{Key: "c", Value: 1}})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, storage.ErrQueueDoesNotExist
	}
	if err != nil {
		return 0, s.wrap(err)
	}
	return d.Counter + 1, nil
}

// InsertBatch moves the queue counter from the value NextMarker saw to
// the last marker of the batch, then inserts the batch in order. Without
// transactions a duplicate marker can still surface on insert; the
// messages before it stay stored.
func (s *Store) InsertBatch(ctx context.Context, queue, project, clientID string, msgs []storage.PreparedMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	first, last := msgs[0].Marker, msgs[len(msgs)-1].Marker
	now := s.now()

	filter := append(queueFilter(queue, project), bson.E{Key: "c", Value: first - 1})
	res, err := s.queues.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "c", Value: last},
		{Key: "cu", Value: nanos(now)},
	}}})
	if err != nil {
		return 0, s.wrap(err)
	}
	if res.MatchedCount == 0 {
		return 0, fmt.Errorf("%s: counter moved past %d: %w", backendName, first-1, storage.ErrMarkerTaken)
	}

	docs := make([]any, 0, len(msgs))
	for _, pm := range msgs {
		docs = append(docs, messageDoc{
			ID:           pm.ID,
			Project:      project,
			Queue:        queue,
			Marker:       pm.Marker,
			Body:         []byte(pm.Spec.Body),
			TTL:          int64(pm.Spec.TTL),
			Created:      nanos(now),
			Expires:      nanos(now.Add(pm.Spec.TTL)),
			ClientID:     clientID,
			ClaimExpires: nanos(now),
		})
	}
	_, err = s.messages.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err == nil {
		return len(msgs), nil
	}
	return s.insertError(err, msgs)
}

// insertError turns an ordered InsertMany failure into the number of
// leading messages stored and the error to report. Only a duplicate on the
// marker index is retryable.
func (s *Store) insertError(err error, msgs []storage.PreparedMessage) (int, error) {
	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) || len(bulkErr.WriteErrors) == 0 {
		return 0, s.wrap(err)
	}
	we := bulkErr.WriteErrors[0]
	n := we.Index
	if n < 0 || n > len(msgs) {
		n = 0
	}
	if we.Code != duplicateKeyCode {
		return n, s.wrap(err)
	}
	if !strings.Contains(we.Message, markerIndex) || n == len(msgs) {
		return n, fmt.Errorf("%s: duplicate key %q: %w", backendName, we.Message, storage.ErrPatternNotFound)
	}
	return n, fmt.Errorf("%s: marker %d: %w", backendName, msgs[n].Marker, storage.ErrMarkerTaken)
}

func (c messageController) Get(ctx context.Context, queue, project, id string) (storage.Message, error) {
	s := c.s
	id, ok := storage.NormalizeID(id)
	if !ok {
		return storage.Message{}, storage.ErrMessageDoesNotExist
	}
	now := s.now()
	filter := append(liveFilter(queue, project, nanos(now)), bson.E{Key: "_id", Value: id})
	var d messageDoc
	err := s.messages.FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Message{}, storage.ErrMessageDoesNotExist
	}
	if err != nil {
		return storage.Message{}, s.wrap(err)
	}
	return d.export(now), nil
}

func (c messageController) BulkGet(ctx context.Context, queue, project string, ids []string) ([]storage.Message, error) {
	s := c.s
	ids = storage.NormalizeIDs(ids)
	if len(ids) == 0 {
		return []storage.Message{}, nil
	}
	now := s.now()
	filter := append(liveFilter(queue, project, nanos(now)), bson.E{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}})
	return s.findMessages(ctx, now, filter, options.Find().SetSort(bson.D{{Key: "k", Value: 1}}))
}

func (c messageController) List(ctx context.Context, queue, project string, opts storage.MessageListOptions) (storage.MessagePage, error) {
	s := c.s
	exists, err := s.queueExists(ctx, queue, project)
	if err != nil {
		return storage.MessagePage{}, err
	}
	if !exists {
		return storage.MessagePage{}, storage.ErrQueueDoesNotExist
	}

	now := s.now()
	limit := s.opts.Limits.MessagePage(opts.Limit)
	filter := append(liveFilter(queue, project, nanos(now)),
		bson.E{Key: "k", Value: bson.D{{Key: "$gt", Value: storage.DecodeMarker(opts.Marker)}}})
	if !opts.IncludeClaimed {
		filter = append(filter, bson.E{Key: "ce", Value: bson.D{{Key: "$lte", Value: nanos(now)}}})
	}
	if !opts.Echo && opts.ClientID != "" {
		filter = append(filter, bson.E{Key: "u", Value: bson.D{{Key: "$ne", Value: opts.ClientID}}})
	}
	msgs, err := s.findMessages(ctx, now, filter, options.Find().
		SetSort(bson.D{{Key: "k", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return storage.MessagePage{}, err
	}
	page := storage.MessagePage{Messages: msgs}
	if n := len(msgs); n > 0 {
		page.Next = storage.EncodeMarker(msgs[n-1].Marker)
	}
	return page, nil
}

// Delete enforces the claim rules with a conditional delete so a claim
// taken between the read and the delete is respected.
func (c messageController) Delete(ctx context.Context, queue, project, id, claimID string) error {
	s := c.s
	id, ok := storage.NormalizeID(id)
	if !ok {
		return nil
	}
	now := nanos(s.now())
	base := bson.D{{Key: "p", Value: project}, {Key: "q", Value: queue}, {Key: "_id", Value: id}}

	var d messageDoc
	err := s.messages.FindOne(ctx, base).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return s.wrap(err)
	}

	claimed := d.ClaimID != "" && d.ClaimExpires > now
	filter := base
	if claimID == "" {
		if claimed {
			return storage.ErrMessageIsClaimed
		}
		filter = append(filter, bson.E{Key: "ce", Value: bson.D{{Key: "$lte", Value: now}}})
	} else {
		cid, ok := storage.NormalizeID(claimID)
		if !ok || !claimed || d.ClaimID != cid {
			return storage.ErrNotPermitted
		}
		filter = append(filter, bson.E{Key: "cid", Value: cid})
	}

	res, err := s.messages.DeleteOne(ctx, filter)
	if err != nil {
		return s.wrap(err)
	}
	if res.DeletedCount > 0 {
		return nil
	}
	// The document changed between the read and the delete.
	err = s.messages.FindOne(ctx, base).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return missedDelete(true, claimID)
	}
	if err != nil {
		return s.wrap(err)
	}
	return missedDelete(false, claimID)
}

// missedDelete is the outcome of a conditional delete that matched nothing:
// a message that is gone was deleted by someone else, one that is still
// there changed claim.
func missedDelete(gone bool, claimID string) error {
	switch {
	case gone:
		return nil
	case claimID == "":
		return storage.ErrMessageIsClaimed
	default:
		return storage.ErrNotPermitted
	}
}

func (c messageController) BulkDelete(ctx context.Context, queue, project string, ids []string) error {
	s := c.s
	ids = storage.NormalizeIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	_, err := s.messages.DeleteMany(ctx, bson.D{
		{Key: "p", Value: project},
		{Key: "q", Value: queue},
		{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
	})
	return s.wrap(err)
}

func (c messageController) First(ctx context.Context, queue, project string, sort int) (storage.Message, error) {
	s := c.s
	exists, err := s.queueExists(ctx, queue, project)
	if err != nil {
		return storage.Message{}, err
	}
	if !exists {
		return storage.Message{}, storage.ErrQueueDoesNotExist
	}
	dir := 1
	if sort == storage.SortDescending {
		dir = -1
	}
	now := s.now()
	var d messageDoc
	err = s.messages.FindOne(ctx, liveFilter(queue, project, nanos(now)),
		options.FindOne().SetSort(bson.D{{Key: "k", Value: dir}})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Message{}, storage.ErrQueueIsEmpty
	}
	if err != nil {
		return storage.Message{}, s.wrap(err)
	}
	return d.export(now), nil
}

func (s *Store) findMessages(ctx context.Context, now time.Time, filter bson.D, opts *options.FindOptionsBuilder) ([]storage.Message, error) {
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, s.wrap(err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, s.wrap(err)
	}
	out := make([]storage.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.export(now))
	}
	return out, nil
}
