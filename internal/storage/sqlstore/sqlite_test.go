package sqlstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
	"github.com/nuetzliches/claimq/internal/storage/storagetest"
)

func TestSQLitePath(t *testing.T) {
	cases := map[string]string{
		"sqlite:///var/lib/claimq/data.db": "/var/lib/claimq/data.db",
		"sqlite://data.db":                 "data.db",
		"sqlite:data.db":                   "data.db",
		"sqlite://":                        ":memory:",
		"sqlite::memory:":                  ":memory:",
		"sqlite3://file.db?_pragma=x":      "file.db?_pragma=x",
	}
	for in, want := range cases {
		if got := sqlitePath(in); got != want {
			t.Fatalf("sqlitePath(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), "  ", storage.Options{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestSQLiteReopenKeepsDataAndCounter(t *testing.T) {
	ctx := context.Background()
	c := storagetest.NewClock()
	dbPath := filepath.Join(t.TempDir(), "nested", "claimq.db")

	s, err := OpenSQLite(ctx, dbPath, storage.Options{Now: c.Now})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Queues().Create(ctx, "orders", "p", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	specs := []storage.MessageSpec{{Body: json.RawMessage(`{"a":1}`), TTL: time.Minute}}
	if _, err := s.Messages().Post(ctx, "orders", "p", specs, ""); err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = s.Close()

	s, err = OpenSQLite(ctx, dbPath, storage.Options{Now: c.Now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("version=%d, want %d", version, schemaVersion)
	}
	next, err := s.NextMarker(ctx, "orders", "p")
	if err != nil {
		t.Fatalf("next marker: %v", err)
	}
	if next != 2 {
		t.Fatalf("next marker=%d, want 2", next)
	}
}

func TestSQLiteClosedStoreReportsConnectionError(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "claimq.db"), storage.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	if err := s.Ping(context.Background()); !storage.IsConnection(err) {
		t.Fatalf("ping after close err=%v, want connection error", err)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3); got != "?, ?, ?" {
		t.Fatalf("placeholders(3)=%q", got)
	}
	if got := placeholders(0); got != "" {
		t.Fatalf("placeholders(0)=%q", got)
	}
}
