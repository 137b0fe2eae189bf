package gc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
)

type countingCollector struct {
	mu         sync.Mutex
	calls      int
	thresholds []int
	err        error
	swept      chan struct{}
}

func (c *countingCollector) CollectGarbage(_ context.Context, threshold int) (storage.GCResult, error) {
	c.mu.Lock()
	c.calls++
	c.thresholds = append(c.thresholds, threshold)
	c.mu.Unlock()
	if c.swept != nil {
		select {
		case c.swept <- struct{}{}:
		default:
		}
	}
	return storage.GCResult{Queues: 1, Deleted: 3}, c.err
}

func TestStartDelayIsJitteredWithinInterval(t *testing.T) {
	cases := []struct {
		r    float64
		want time.Duration
	}{
		{0, 0},
		{0.5, 30 * time.Second},
		{0.25, 15 * time.Second},
	}
	for _, tc := range cases {
		r := NewRunner(&countingCollector{}, time.Minute, WithRand(func() float64 { return tc.r }))
		if got := r.StartDelay(); got != tc.want {
			t.Fatalf("StartDelay(rand=%v)=%v, want %v", tc.r, got, tc.want)
		}
	}
}

func TestNewRunnerDefaultInterval(t *testing.T) {
	r := NewRunner(&countingCollector{}, 0)
	if r.interval != DefaultInterval {
		t.Fatalf("interval=%v, want %v", r.interval, DefaultInterval)
	}
}

func TestSweepPassesThresholdAndReports(t *testing.T) {
	c := &countingCollector{}
	var got storage.GCResult
	r := NewRunner(c, time.Minute, WithThreshold(7), WithObserver(func(res storage.GCResult, _ time.Duration, err error) {
		if err != nil {
			t.Fatalf("observer err=%v", err)
		}
		got = res
	}))
	res, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Deleted != 3 || got.Deleted != 3 {
		t.Fatalf("deleted=%d observed=%d, want 3", res.Deleted, got.Deleted)
	}
	if len(c.thresholds) != 1 || c.thresholds[0] != 7 {
		t.Fatalf("thresholds=%v, want [7]", c.thresholds)
	}
}

func TestSweepReturnsCollectorError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRunner(&countingCollector{err: boom}, time.Minute)
	if _, err := r.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	c := &countingCollector{swept: make(chan struct{}, 1)}
	r := NewRunner(c, 10*time.Millisecond, WithRand(func() float64 { return 0 }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-c.swept:
		case <-time.After(2 * time.Second):
			t.Fatalf("sweep %d did not happen", i+1)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
