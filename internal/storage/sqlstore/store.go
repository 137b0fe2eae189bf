// Package sqlstore implements the storage contracts on top of database/sql.
// SQLite (modernc.org/sqlite) and Postgres (pgx) share every query; the
// dialect only differs in placeholders, locking and error classification.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
)

type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// lockRow and lockRows are appended to SELECTs whose rows are about to
	// be changed. SQLite transactions already hold the write lock.
	lockRow  string
	lockRows string
	// nameOrder makes text comparisons byte-wise.
	nameOrder string

	isUniqueViolation func(error) bool
	isConnection      func(error) bool
	begin             func(ctx context.Context, db *sql.DB) (txn, error)
}

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txn interface {
	querier
	Commit() error
	Rollback() error
}

// Store implements storage.DataDriver and storage.ControlDriver.
type Store struct {
	db     *sql.DB
	d      dialect
	opts   storage.Options
	closed atomic.Bool
}

var (
	_ storage.DataDriver    = (*Store)(nil)
	_ storage.ControlDriver = (*Store)(nil)
	_ storage.Collector     = (*Store)(nil)
	_ storage.Inserter      = (*Store)(nil)
)

// Register adds the sqlite and postgres schemes to r.
func Register(r *storage.Registry) {
	r.Register(storage.Factory{
		Data: func(ctx context.Context, uri string, opts storage.Options) (storage.DataDriver, error) {
			return OpenSQLite(ctx, sqlitePath(uri), opts)
		},
		Control: func(ctx context.Context, uri string, opts storage.Options) (storage.ControlDriver, error) {
			return OpenSQLite(ctx, sqlitePath(uri), opts)
		},
	}, "sqlite", "sqlite3")
	r.Register(storage.Factory{
		Data: func(ctx context.Context, uri string, opts storage.Options) (storage.DataDriver, error) {
			return OpenPostgres(ctx, uri, opts)
		},
		Control: func(ctx context.Context, uri string, opts storage.Options) (storage.ControlDriver, error) {
			return OpenPostgres(ctx, uri, opts)
		},
	}, "postgres", "postgresql")
}

func (s *Store) Queues() storage.QueueController       { return queueController{s} }
func (s *Store) Messages() storage.MessageController   { return messageController{s} }
func (s *Store) Claims() storage.ClaimController       { return claimController{s} }
func (s *Store) Pools() storage.PoolsController        { return poolsController{s} }
func (s *Store) Catalogue() storage.CatalogueController { return catalogueController{s} }

func (s *Store) Ping(ctx context.Context) error {
	return s.wrap(s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closed.Store(true)
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC()
}

// q rewrites ? placeholders for dialects with numbered parameters.
func (s *Store) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withTx runs fn in a transaction and commits when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx querier) error) error {
	tx, err := s.d.begin(ctx, s.db)
	if err != nil {
		return s.wrap(err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err)
	}
	committed = true
	return nil
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
	var netErr net.Error
	if s.closed.Load() ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.As(err, &netErr) ||
		(s.d.isConnection != nil && s.d.isConnection(err)) {
		return &storage.ConnectionError{Backend: s.d.name, Err: err}
	}
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
