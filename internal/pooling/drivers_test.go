package pooling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/claimq/internal/storage"
	"github.com/nuetzliches/claimq/internal/storage/memory"
)

func TestDriverCacheOpenIgnoresCallerCancellation(t *testing.T) {
	registry := storage.NewRegistry()
	var opens int
	registry.Register(storage.Factory{
		Data: func(ctx context.Context, _ string, _ storage.Options) (storage.DataDriver, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			opens++
			return memory.NewStore(), nil
		},
	}, "strict")

	control := memory.NewStore()
	require.NoError(t, control.Pools().Create(context.Background(),
		storage.Pool{Name: "alpha", URI: "strict://", Weight: 1}))
	cache := NewDriverCache(registry, control.Pools(), storage.Options{})
	t.Cleanup(func() { _ = cache.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := cache.Get(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, d)

	again, err := cache.Get(context.Background(), "alpha")
	require.NoError(t, err)
	require.Same(t, d, again)
	require.Equal(t, 1, opens)
	require.Equal(t, []string{"alpha"}, cache.Opened())
}
