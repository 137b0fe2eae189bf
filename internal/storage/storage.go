package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Metadata is the opaque JSON document attached to a queue.
type Metadata map[string]any

type Queue struct {
	Name     string
	Project  string
	Metadata Metadata
}

type QueueListOptions struct {
	// Marker is the name of the last queue seen on the previous page.
	Marker   string
	Limit    int
	Detailed bool
}

type QueuePage struct {
	Queues []Queue
	// Next is the marker for the following page; empty on the last page.
	Next string
}

type MessageStat struct {
	ID      string
	Age     time.Duration
	Created time.Time
}

type QueueStats struct {
	Claimed int
	Free    int
	Total   int
	Oldest  *MessageStat
	Newest  *MessageStat
}

type MessageSpec struct {
	Body json.RawMessage
	TTL  time.Duration
}

type Message struct {
	ID       string
	Queue    string
	Project  string
	Body     json.RawMessage
	TTL      time.Duration
	Age      time.Duration
	Created  time.Time
	Expires  time.Time
	Marker   int64
	ClientID string

	// ClaimID is empty unless the message is held by an active claim.
	ClaimID      string
	ClaimExpires time.Time
}

// Claimed reports whether m is held by a claim that has not expired at now.
func (m Message) Claimed(now time.Time) bool {
	return m.ClaimID != "" && m.ClaimExpires.After(now)
}

type MessageListOptions struct {
	// Marker is the opaque position returned as MessagePage.Next.
	Marker         string
	Limit          int
	Echo           bool
	ClientID       string
	IncludeClaimed bool
}

type MessagePage struct {
	Messages []Message
	Next     string
}

// Sort order for MessageController.First.
const (
	SortAscending  = 1
	SortDescending = -1
)

type ClaimOptions struct {
	TTL   time.Duration
	Grace time.Duration
}

type Claim struct {
	ID      string
	Queue   string
	Project string
	TTL     time.Duration
	Age     time.Duration
	Expires time.Time
}

type Pool struct {
	Name    string
	URI     string
	Weight  int
	Options map[string]any
}

type PoolUpdate struct {
	URI     *string
	Weight  *int
	Options map[string]any
}

type PoolListOptions struct {
	Marker   string
	Limit    int
	Detailed bool
}

type CatalogueEntry struct {
	Project string
	Queue   string
	Pool    string
}

type QueueController interface {
	List(ctx context.Context, project string, opts QueueListOptions) (QueuePage, error)
	// Create reports whether the queue was created; an existing queue is left untouched.
	Create(ctx context.Context, name, project string, metadata Metadata) (bool, error)
	Exists(ctx context.Context, name, project string) (bool, error)
	GetMetadata(ctx context.Context, name, project string) (Metadata, error)
	SetMetadata(ctx context.Context, name, project string, metadata Metadata) error
	// Delete removes the queue together with its messages and claims.
	Delete(ctx context.Context, name, project string) error
	Stats(ctx context.Context, name, project string) (QueueStats, error)
}

type MessageController interface {
	// Post returns the ids of the inserted messages in input order.
	Post(ctx context.Context, queue, project string, specs []MessageSpec, clientID string) ([]string, error)
	Get(ctx context.Context, queue, project, id string) (Message, error)
	BulkGet(ctx context.Context, queue, project string, ids []string) ([]Message, error)
	List(ctx context.Context, queue, project string, opts MessageListOptions) (MessagePage, error)
	// Delete removes a message. A claimed message can only be removed by its
	// claim holder; a missing message is not an error.
	Delete(ctx context.Context, queue, project, id, claimID string) error
	BulkDelete(ctx context.Context, queue, project string, ids []string) error
	First(ctx context.Context, queue, project string, sort int) (Message, error)
}

type ClaimController interface {
	// Create leases up to limit eligible messages. An empty id with no
	// messages means nothing was available.
	Create(ctx context.Context, queue, project string, opts ClaimOptions, limit int) (string, []Message, error)
	Get(ctx context.Context, queue, project, claimID string) (Claim, []Message, error)
	Update(ctx context.Context, queue, project, claimID string, opts ClaimOptions) error
	Delete(ctx context.Context, queue, project, claimID string) error
}

type PoolsController interface {
	// Create registers or replaces the pool.
	Create(ctx context.Context, pool Pool) error
	Get(ctx context.Context, name string, detailed bool) (Pool, error)
	Update(ctx context.Context, name string, update PoolUpdate) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, opts PoolListOptions) ([]Pool, error)
}

type CatalogueController interface {
	List(ctx context.Context, project string) ([]CatalogueEntry, error)
	Get(ctx context.Context, project, queue string) (CatalogueEntry, error)
	Exists(ctx context.Context, project, queue string) (bool, error)
	Insert(ctx context.Context, project, queue, pool string) error
	Update(ctx context.Context, project, queue, pool string) error
	Delete(ctx context.Context, project, queue string) error
}

// DataDriver is a storage backend holding queues, messages and claims.
type DataDriver interface {
	Queues() QueueController
	Messages() MessageController
	Claims() ClaimController
	Ping(ctx context.Context) error
	Close() error
}

// ControlDriver is a storage backend holding the pool registry and catalogue.
type ControlDriver interface {
	Pools() PoolsController
	Catalogue() CatalogueController
	Ping(ctx context.Context) error
	Close() error
}

// GCResult summarizes one garbage collection sweep.
type GCResult struct {
	Queues  int
	Skipped int
	Deleted int
}

// Collector is implemented by drivers that can remove expired messages.
// The newest message of every queue survives a sweep. Queues holding fewer
// than threshold expired messages are skipped.
type Collector interface {
	CollectGarbage(ctx context.Context, threshold int) (GCResult, error)
}
