package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
	"github.com/nuetzliches/claimq/internal/storage/storagetest"
)

func TestMemoryDataContract(t *testing.T) {
	storagetest.RunData(t, func(t *testing.T, c *storagetest.Clock) storage.DataDriver {
		return NewStore(
			WithOptions(storage.Options{Retry: storage.RetryPolicy{MaxAttempts: 100, MaxSleep: time.Millisecond}}),
			WithNowFunc(c.Now),
		)
	})
}

func TestMemoryControlContract(t *testing.T) {
	storagetest.RunControl(t, func(t *testing.T, c *storagetest.Clock) storage.ControlDriver {
		return NewStore(WithNowFunc(c.Now))
	})
}

func TestMemoryClosedStoreReportsConnectionError(t *testing.T) {
	s := NewStore()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = s.Close()
	if err := s.Ping(context.Background()); !storage.IsConnection(err) {
		t.Fatalf("ping after close err=%v, want connection error", err)
	}
	if _, err := s.Queues().Exists(context.Background(), "q", ""); !storage.IsConnection(err) {
		t.Fatalf("exists after close err=%v, want connection error", err)
	}
}
