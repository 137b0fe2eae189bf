// Package memory is the reference storage engine. State lives in process
// memory and is lost on restart.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
)

var errClosed = errors.New("memory store closed")

type Option func(*Store)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.opts.Now = now
		}
	}
}

// WithOptions applies the shared backend options.
func WithOptions(opts storage.Options) Option {
	return func(s *Store) {
		now := s.opts.Now
		s.opts = opts
		if s.opts.Now == nil {
			s.opts.Now = now
		}
	}
}

type queueKey struct {
	project string
	name    string
}

type queueState struct {
	metadata storage.Metadata
	created  time.Time
	// counter is the highest marker handed out so far.
	counter        int64
	counterUpdated time.Time
	// messages is ordered by marker.
	messages []*message
}

type message struct {
	id           string
	marker       int64
	body         []byte
	ttl          time.Duration
	created      time.Time
	expires      time.Time
	clientID     string
	claimID      string
	claimExpires time.Time
	claimTTL     time.Duration
}

// Store implements both storage.DataDriver and storage.ControlDriver.
type Store struct {
	mu        sync.Mutex
	opts      storage.Options
	closed    bool
	queues    map[queueKey]*queueState
	pools     map[string]storage.Pool
	catalogue map[queueKey]string
}

var (
	_ storage.DataDriver    = (*Store)(nil)
	_ storage.ControlDriver = (*Store)(nil)
	_ storage.Collector     = (*Store)(nil)
	_ storage.Inserter      = (*Store)(nil)
)

func NewStore(opts ...Option) *Store {
	s := &Store{
		queues:    make(map[queueKey]*queueState),
		pools:     make(map[string]storage.Pool),
		catalogue: make(map[queueKey]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.opts = s.opts.WithDefaults()
	return s
}

// Register adds the memory:// scheme to r. Every open returns a new,
// empty store.
func Register(r *storage.Registry) {
	r.Register(storage.Factory{
		Data: func(_ context.Context, _ string, opts storage.Options) (storage.DataDriver, error) {
			return NewStore(WithOptions(opts)), nil
		},
		Control: func(_ context.Context, _ string, opts storage.Options) (storage.ControlDriver, error) {
			return NewStore(WithOptions(opts)), nil
		},
	}, "memory")
}

func (s *Store) Queues() storage.QueueController       { return queueController{s} }
func (s *Store) Messages() storage.MessageController   { return messageController{s} }
func (s *Store) Claims() storage.ClaimController       { return claimController{s} }
func (s *Store) Pools() storage.PoolsController        { return poolsController{s} }
func (s *Store) Catalogue() storage.CatalogueController { return catalogueController{s} }

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &storage.ConnectionError{Backend: "memory", Err: errClosed}
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC()
}

// lock acquires the store mutex, failing once the store is closed.
func (s *Store) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &storage.ConnectionError{Backend: "memory", Err: errClosed}
	}
	return nil
}

func (s *Store) queue(name, project string) (*queueState, bool) {
	q, ok := s.queues[queueKey{project: project, name: name}]
	return q, ok
}

func (q *queueState) find(id string) (int, *message) {
	for i, m := range q.messages {
		if m.id == id {
			return i, m
		}
	}
	return -1, nil
}

func (q *queueState) remove(idx int) {
	q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
}

func (m *message) claimed(now time.Time) bool {
	return m.claimID != "" && m.claimExpires.After(now)
}

func (m *message) expired(now time.Time) bool {
	return !m.expires.After(now)
}

func (m *message) export(name, project string, now time.Time) storage.Message {
	out := storage.Message{
		ID:       m.id,
		Queue:    name,
		Project:  project,
		Body:     append([]byte(nil), m.body...),
		TTL:      m.ttl,
		Age:      now.Sub(m.created),
		Created:  m.created,
		Expires:  m.expires,
		Marker:   m.marker,
		ClientID: m.clientID,
	}
	if m.claimed(now) {
		out.ClaimID = m.claimID
		out.ClaimExpires = m.claimExpires
	}
	return out
}

func copyMetadata(in storage.Metadata) storage.Metadata {
	out := make(storage.Metadata, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
