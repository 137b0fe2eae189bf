package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
	"github.com/nuetzliches/claimq/internal/storage/storagetest"
)

type storeFactory struct {
	name string
	new  func(t *testing.T, c *storagetest.Clock) *Store
}

func testOptions(c *storagetest.Clock) storage.Options {
	return storage.Options{
		Now:   c.Now,
		Retry: storage.RetryPolicy{MaxAttempts: 200, MaxSleep: time.Millisecond},
	}
}

func contractStoreFactories() []storeFactory {
	out := []storeFactory{
		{
			name: "sqlite",
			new: func(t *testing.T, c *storagetest.Clock) *Store {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "claimq.db")
				s, err := OpenSQLite(context.Background(), dbPath, testOptions(c))
				if err != nil {
					t.Fatalf("open sqlite store: %v", err)
				}
				return s
			},
		},
		{
			name: "sqlite-memory",
			new: func(t *testing.T, c *storagetest.Clock) *Store {
				t.Helper()
				s, err := OpenSQLite(context.Background(), ":memory:", testOptions(c))
				if err != nil {
					t.Fatalf("open in-memory sqlite store: %v", err)
				}
				return s
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("CLAIMQ_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, storeFactory{
			name: "postgres",
			new: func(t *testing.T, c *storagetest.Clock) *Store {
				t.Helper()
				s, err := OpenPostgres(context.Background(), dsn, testOptions(c))
				if err != nil {
					t.Fatalf("open postgres store: %v", err)
				}
				if _, err := s.db.ExecContext(context.Background(), `TRUNCATE messages, queues, pools, catalogue`); err != nil {
					t.Fatalf("truncate: %v", err)
				}
				return s
			},
		})
	}
	return out
}

func TestStoreContract_Data(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			storagetest.RunData(t, func(t *testing.T, c *storagetest.Clock) storage.DataDriver {
				return factory.new(t, c)
			})
		})
	}
}

func TestStoreContract_Control(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			storagetest.RunControl(t, func(t *testing.T, c *storagetest.Clock) storage.ControlDriver {
				return factory.new(t, c)
			})
		})
	}
}
