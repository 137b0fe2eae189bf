// Package gc runs the expired-message sweep in the background.
package gc

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
)

const DefaultInterval = 5 * time.Minute

// Runner sweeps a collector once per interval. The first sweep is delayed
// by a random fraction of the interval so that runners started together
// spread their load on the backend.
type Runner struct {
	collector storage.Collector
	interval  time.Duration
	threshold int
	logger    *slog.Logger

	// rand returns a uniform sample in [0, 1).
	rand func() float64
	// onSweep is called after every sweep.
	onSweep func(storage.GCResult, time.Duration, error)
}

type Option func(*Runner)

func WithThreshold(n int) Option {
	return func(r *Runner) { r.threshold = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithRand(f func() float64) Option {
	return func(r *Runner) {
		if f != nil {
			r.rand = f
		}
	}
}

// WithObserver registers fn to receive the outcome of every sweep.
func WithObserver(fn func(storage.GCResult, time.Duration, error)) Option {
	return func(r *Runner) { r.onSweep = fn }
}

func NewRunner(c storage.Collector, interval time.Duration, opts ...Option) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Runner{
		collector: c,
		interval:  interval,
		logger:    slog.New(slog.DiscardHandler),
		rand:      rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartDelay is the jittered wait before the first sweep.
func (r *Runner) StartDelay() time.Duration {
	return time.Duration(r.rand() * float64(r.interval))
}

// Run sweeps until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	delay := r.StartDelay()
	r.logger.Info("gc_started",
		slog.Duration("interval", r.interval),
		slog.Duration("start_delay", delay),
		slog.Int("threshold", r.threshold),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		_, _ = r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one collection and logs the outcome.
func (r *Runner) Sweep(ctx context.Context) (storage.GCResult, error) {
	start := time.Now()
	res, err := r.collector.CollectGarbage(ctx, r.threshold)
	took := time.Since(start)
	if r.onSweep != nil {
		r.onSweep(res, took, err)
	}
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("gc_sweep_failed", slog.Any("err", err), slog.Duration("duration", took))
		}
		return res, err
	}
	r.logger.Info("gc_sweep_completed",
		slog.Int("queues", res.Queues),
		slog.Int("skipped", res.Skipped),
		slog.Int("deleted", res.Deleted),
		slog.Duration("duration", took),
	)
	return res, nil
}
