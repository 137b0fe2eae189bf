package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/nuetzliches/claimq/internal/storage"
)

// ControlFactory opens an empty control driver whose clock is c.
type ControlFactory func(t *testing.T, c *Clock) storage.ControlDriver

// RunControl runs the pool registry and catalogue contract against open.
func RunControl(t *testing.T, open ControlFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, d storage.ControlDriver)
	}{
		{"PoolsCRUD", testPoolsCRUD},
		{"PoolsListPages", testPoolsListPages},
		{"CatalogueMapping", testCatalogueMapping},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := open(t, NewClock())
			t.Cleanup(func() { _ = d.Close() })
			tc.fn(t, d)
		})
	}
}

func testPoolsCRUD(t *testing.T, d storage.ControlDriver) {
	ctx := context.Background()
	pool := storage.Pool{Name: "alpha", URI: "memory://", Weight: 10, Options: map[string]any{"database": "claimq"}}
	if err := d.Pools().Create(ctx, pool); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := d.Pools().Get(ctx, "alpha", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.URI != "memory://" || got.Weight != 10 || got.Options != nil {
		t.Fatalf("pool=%+v, want uri/weight without options", got)
	}
	got, err = d.Pools().Get(ctx, "alpha", true)
	if err != nil {
		t.Fatalf("get detailed: %v", err)
	}
	if got.Options["database"] != "claimq" {
		t.Fatalf("options=%v, want database=claimq", got.Options)
	}

	weight := 3
	if err := d.Pools().Update(ctx, "alpha", storage.PoolUpdate{Weight: &weight}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = d.Pools().Get(ctx, "alpha", true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Weight != 3 || got.URI != "memory://" || got.Options["database"] != "claimq" {
		t.Fatalf("pool after update=%+v", got)
	}

	// Create replaces an existing pool.
	pool.Weight = 7
	pool.Options = nil
	if err := d.Pools().Create(ctx, pool); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err = d.Pools().Get(ctx, "alpha", true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Weight != 7 || len(got.Options) != 0 {
		t.Fatalf("pool after replace=%+v", got)
	}

	if err := d.Pools().Update(ctx, "ghost", storage.PoolUpdate{Weight: &weight}); !errors.Is(err, storage.ErrPoolDoesNotExist) {
		t.Fatalf("update missing err=%v, want %v", err, storage.ErrPoolDoesNotExist)
	}
	if err := d.Pools().Delete(ctx, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := d.Pools().Delete(ctx, "alpha"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := d.Pools().Get(ctx, "alpha", false); !errors.Is(err, storage.ErrPoolDoesNotExist) {
		t.Fatalf("get deleted err=%v, want %v", err, storage.ErrPoolDoesNotExist)
	}
}

func testPoolsListPages(t *testing.T, d storage.ControlDriver) {
	ctx := context.Background()
	for _, name := range []string{"p3", "p1", "p2"} {
		if err := d.Pools().Create(ctx, storage.Pool{Name: name, URI: "memory://", Weight: 1}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	pools, err := d.Pools().List(ctx, storage.PoolListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pools) != 2 || pools[0].Name != "p1" || pools[1].Name != "p2" {
		t.Fatalf("page1=%+v, want p1,p2", pools)
	}
	pools, err = d.Pools().List(ctx, storage.PoolListOptions{Marker: "p2", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pools) != 1 || pools[0].Name != "p3" {
		t.Fatalf("page2=%+v, want p3", pools)
	}
}

func testCatalogueMapping(t *testing.T, d storage.ControlDriver) {
	ctx := context.Background()
	cat := d.Catalogue()

	if _, err := cat.Get(ctx, project, "orders"); !errors.Is(err, storage.ErrQueueNotMapped) {
		t.Fatalf("get unmapped err=%v, want %v", err, storage.ErrQueueNotMapped)
	}
	if err := cat.Insert(ctx, project, "orders", "alpha"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// A second insert keeps the first mapping.
	if err := cat.Insert(ctx, project, "orders", "beta"); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	entry, err := cat.Get(ctx, project, "orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Pool != "alpha" {
		t.Fatalf("pool=%q, want alpha", entry.Pool)
	}
	if err := cat.Insert(ctx, project, "audit", "beta"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cat.Insert(ctx, otherPrj, "orders", "beta"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	entries, err := cat.List(ctx, project)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Queue != "audit" || entries[1].Queue != "orders" {
		t.Fatalf("entries=%+v, want audit,orders", entries)
	}

	if err := cat.Update(ctx, project, "orders", "beta"); err != nil {
		t.Fatalf("update: %v", err)
	}
	entry, err = cat.Get(ctx, project, "orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Pool != "beta" {
		t.Fatalf("pool=%q, want beta", entry.Pool)
	}
	if err := cat.Update(ctx, project, "ghost", "beta"); !errors.Is(err, storage.ErrQueueNotMapped) {
		t.Fatalf("update unmapped err=%v, want %v", err, storage.ErrQueueNotMapped)
	}

	if err := cat.Delete(ctx, project, "orders"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := cat.Delete(ctx, project, "orders"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	exists, err := cat.Exists(ctx, project, "orders")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatalf("entry still exists")
	}
	exists, err = cat.Exists(ctx, otherPrj, "orders")
	if err != nil || !exists {
		t.Fatalf("other project entry exists=%v err=%v", exists, err)
	}
}
