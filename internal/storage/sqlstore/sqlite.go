package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite3 "modernc.org/sqlite"

	"github.com/nuetzliches/claimq/internal/storage"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queues (
  project            TEXT NOT NULL,
  name               TEXT NOT NULL,
  metadata           TEXT NOT NULL,
  counter            INTEGER NOT NULL DEFAULT 0,
  counter_updated_at INTEGER NOT NULL,
  created_at         INTEGER NOT NULL,
  PRIMARY KEY (project, name)
);
CREATE TABLE IF NOT EXISTS messages (
  id               TEXT PRIMARY KEY,
  project          TEXT NOT NULL,
  queue            TEXT NOT NULL,
  marker           INTEGER NOT NULL,
  body             BLOB NOT NULL,
  ttl_ns           INTEGER NOT NULL,
  created_at       INTEGER NOT NULL,
  expires_at       INTEGER NOT NULL,
  client_id        TEXT NOT NULL,
  claim_id         TEXT,
  claim_expires_at INTEGER NOT NULL,
  claim_ttl_ns     INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_marker
  ON messages(project, queue, marker);
CREATE INDEX IF NOT EXISTS idx_messages_claim
  ON messages(project, queue, claim_id);
CREATE INDEX IF NOT EXISTS idx_messages_expires
  ON messages(project, queue, expires_at);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS pools (
  name    TEXT PRIMARY KEY,
  uri     TEXT NOT NULL,
  weight  INTEGER NOT NULL,
  options TEXT NOT NULL
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

var sqliteDialect = dialect{
	name:              "sqlite",
	nameOrder:         "",
	isUniqueViolation: isSQLiteConstraintError,
	isConnection:      isSQLiteConnectionError,
	begin:             beginImmediate,
}

// sqlitePath extracts the database path from sqlite:///abs/path.db,
// sqlite://rel.db or sqlite::memory: style URIs.
func sqlitePath(uri string) string {
	uri = strings.TrimSpace(uri)
	_, rest, ok := strings.Cut(uri, ":")
	if !ok {
		return uri
	}
	rest = strings.TrimPrefix(rest, "//")
	if rest == "" {
		return ":memory:"
	}
	return rest
}

// OpenSQLite opens (and migrates) the database at dbPath. ":memory:" keeps
// everything in process memory.
func OpenSQLite(ctx context.Context, dbPath string, opts storage.Options) (*Store, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("sqlite: empty db path")
	}
	inMemory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
	if !inMemory {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if inMemory {
		// The database disappears with its last connection.
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	s := &Store{db: db, d: sqliteDialect, opts: opts.WithDefaults()}
	if err := s.initSQLite(ctx, inMemory); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSQLite(ctx context.Context, inMemory bool) error {
	if !inMemory {
		var journalMode string
		if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
			return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
		}
		if strings.ToLower(journalMode) != "wal" {
			return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
		}
		if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
			return fmt.Errorf("sqlite: set synchronous=full: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return s.migrateSQLite(ctx)
}

func (s *Store) migrateSQLite(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	current, hasVersion, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		var stmt string
		switch v {
		case 1:
			stmt = schemaV1
		case 2:
			stmt = schemaV2
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
		}
	}

	if !hasVersion || current != schemaVersion {
		if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, schemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema_version: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

// sqliteTx is a write transaction on a pinned connection. BEGIN IMMEDIATE
// takes the database write lock up front so two writers never deadlock
// upgrading a shared lock.
type sqliteTx struct {
	*sql.Conn
	ctx context.Context
}

func beginImmediate(ctx context.Context, db *sql.DB) (txn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &sqliteTx{Conn: conn, ctx: ctx}, nil
}

func (t *sqliteTx) Commit() error {
	if _, err := t.ExecContext(t.ctx, "COMMIT;"); err != nil {
		return err
	}
	return t.Conn.Close()
}

func (t *sqliteTx) Rollback() error {
	_, err := t.ExecContext(context.WithoutCancel(t.ctx), "ROLLBACK;")
	_ = t.Conn.Close()
	return err
}

// Extended sqlite result codes include the base code in the lower 8 bits.
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteIOErr      = 10
	sqliteCantOpen   = 14
	sqliteConstraint = 19
)

func sqliteCode(err error) (int, bool) {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return 0, false
	}
	return sqliteErr.Code() & 0xff, true
}

func isSQLiteConstraintError(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqliteConstraint
}

func isSQLiteConnectionError(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	switch code {
	case sqliteBusy, sqliteLocked, sqliteIOErr, sqliteCantOpen:
		return true
	}
	return false
}
