package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nuetzliches/claimq/internal/storage"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS queues (
  project            TEXT NOT NULL,
  name               TEXT NOT NULL,
  metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
  counter            BIGINT NOT NULL DEFAULT 0,
  counter_updated_at BIGINT NOT NULL,
  created_at         BIGINT NOT NULL,
  PRIMARY KEY (project, name)
);
CREATE TABLE IF NOT EXISTS messages (
  id               TEXT PRIMARY KEY,
  project          TEXT NOT NULL,
  queue            TEXT NOT NULL,
  marker           BIGINT NOT NULL,
  body             BYTEA NOT NULL,
  ttl_ns           BIGINT NOT NULL,
  created_at       BIGINT NOT NULL,
  expires_at       BIGINT NOT NULL,
  client_id        TEXT NOT NULL,
  claim_id         TEXT,
  claim_expires_at BIGINT NOT NULL,
  claim_ttl_ns     BIGINT NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_marker
  ON messages(project, queue, marker);
CREATE INDEX IF NOT EXISTS idx_messages_claim
  ON messages(project, queue, claim_id);
CREATE INDEX IF NOT EXISTS idx_messages_expires
  ON messages(project, queue, expires_at);

CREATE TABLE IF NOT EXISTS pools (
  name    TEXT PRIMARY KEY,
  uri     TEXT NOT NULL,
  weight  INTEGER NOT NULL,
  options JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE TABLE IF NOT EXISTS catalogue (
  project TEXT NOT NULL,
  queue   TEXT NOT NULL,
  pool    TEXT NOT NULL,
  PRIMARY KEY (project, queue)
);
CREATE INDEX IF NOT EXISTS idx_catalogue_pool
  ON catalogue(pool);
`

var postgresDialect = dialect{
	name:              "postgres",
	numbered:          true,
	lockRow:           " FOR UPDATE",
	lockRows:          " FOR UPDATE SKIP LOCKED",
	nameOrder:         ` COLLATE "C"`,
	isUniqueViolation: isPostgresUniqueViolation,
	isConnection:      isPostgresConnectionError,
	begin: func(ctx context.Context, db *sql.DB) (txn, error) {
		return db.BeginTx(ctx, nil)
	},
}

// OpenPostgres connects to dsn and creates the schema when missing.
func OpenPostgres(ctx context.Context, dsn string, opts storage.Options) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &storage.ConnectionError{Backend: "postgres", Err: err}
	}

	s := &Store{db: db, d: postgresDialect, opts: opts.WithDefaults()}
	if _, err := db.ExecContext(ctx, postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// newPostgresStore wraps an existing handle without touching the schema.
func newPostgresStore(db *sql.DB, opts storage.Options) *Store {
	return &Store{db: db, d: postgresDialect, opts: opts.WithDefaults()}
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isPostgresConnectionError(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception; 57P01..03: server shutting down.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	return pgconn.Timeout(err)
}
