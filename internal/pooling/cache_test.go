package pooling

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/claimq/internal/storage/storagetest"
)

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	clock := storagetest.NewClock()
	c := NewMemoryCache(clock.Now)

	if err := c.Set(ctx, "k", "alpha", 10*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	clock.Advance(9 * time.Second)
	if v, ok, _ := c.Get(ctx, "k"); !ok || v != "alpha" {
		t.Fatalf("get=%q ok=%v, want alpha", v, ok)
	}
	clock.Advance(time.Second)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("entry survived its ttl")
	}

	_ = c.Set(ctx, "k", "beta", time.Minute)
	_ = c.Delete(ctx, "k")
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("entry survived delete")
	}
}

func TestOpenCache(t *testing.T) {
	c, err := OpenCache("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("cache=%T, want *MemoryCache", c)
	}
	if _, err := OpenCache("ftp://nope"); err == nil {
		t.Fatalf("expected error for unsupported url")
	}
}

func TestRedisCache(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("CLAIMQ_TEST_REDIS_URL"))
	if url == "" {
		t.Skip("CLAIMQ_TEST_REDIS_URL not set")
	}
	c, err := OpenCache(url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	rc := c.(*RedisCache)
	ctx := context.Background()
	if err := rc.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	key := "test:" + time.Now().Format(time.RFC3339Nano)
	if _, ok, err := rc.Get(ctx, key); err != nil || ok {
		t.Fatalf("get missing ok=%v err=%v", ok, err)
	}
	if err := rc.Set(ctx, key, "alpha", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, err := rc.Get(ctx, key); err != nil || !ok || v != "alpha" {
		t.Fatalf("get=%q ok=%v err=%v, want alpha", v, ok, err)
	}
	if err := rc.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := rc.Get(ctx, key); ok {
		t.Fatalf("entry survived delete")
	}
}
