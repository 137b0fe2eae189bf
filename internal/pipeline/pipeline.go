// Package pipeline runs controller calls through an ordered list of
// stages before the storage driver sees them.
//
// A stage is any value. For each call the pipeline asks every stage, in
// order, whether it has the called method (a type assertion on the method
// signature). Stages without it are skipped. A stage that has it either
// answers the call, which ends the walk, or returns ErrContinue to pass the
// call on. The storage controller is always the last stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nuetzliches/claimq/internal/storage"
)

var (
	// ErrContinue is returned by a stage to hand the call to the next stage.
	ErrContinue = errors.New("pipeline: continue")

	// ErrMethodNotFound means no stage, including the driver, has the method.
	ErrMethodNotFound = errors.New("pipeline: method not found")
)

// Stages lists the stages per controller, in call order.
type Stages struct {
	Queue   []any
	Message []any
	Claim   []any
}

// Append adds the stages of other after those of s.
func (s Stages) Append(other Stages) Stages {
	return Stages{
		Queue:   append(append([]any(nil), s.Queue...), other.Queue...),
		Message: append(append([]any(nil), s.Message...), other.Message...),
		Claim:   append(append([]any(nil), s.Claim...), other.Claim...),
	}
}

type chain struct {
	name   string
	stages []any
	logger *slog.Logger
}

func newChain(name string, stages []any, terminal any, logger *slog.Logger) chain {
	all := make([]any, 0, len(stages)+1)
	all = append(all, stages...)
	all = append(all, terminal)
	return chain{name: name, stages: all, logger: logger}
}

// invoke walks c with the method set S.
func invoke[S, R any](c chain, method string, call func(S) (R, error)) (R, error) {
	for _, st := range c.stages {
		s, ok := st.(S)
		if !ok {
			c.logger.Debug("pipeline_stage_skipped",
				slog.String("controller", c.name),
				slog.String("method", method),
				slog.String("stage", fmt.Sprintf("%T", st)),
			)
			continue
		}
		r, err := call(s)
		if errors.Is(err, ErrContinue) {
			continue
		}
		return r, err
	}
	var zero R
	return zero, fmt.Errorf("%s.%s: %w", c.name, method, ErrMethodNotFound)
}

func invokeErr[S any](c chain, method string, call func(S) error) error {
	_, err := invoke(c, method, func(s S) (struct{}, error) {
		return struct{}{}, call(s)
	})
	return err
}

// Driver decorates a data driver with stages.
type Driver struct {
	next     storage.DataDriver
	queues   queuePipeline
	messages messagePipeline
	claims   claimPipeline
}

var _ storage.DataDriver = (*Driver)(nil)

func Wrap(next storage.DataDriver, stages Stages, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		next:     next,
		queues:   queuePipeline{newChain("queue", stages.Queue, next.Queues(), logger)},
		messages: messagePipeline{newChain("message", stages.Message, next.Messages(), logger)},
		claims:   claimPipeline{newChain("claim", stages.Claim, next.Claims(), logger)},
	}
}

func (d *Driver) Queues() storage.QueueController     { return d.queues }
func (d *Driver) Messages() storage.MessageController { return d.messages }
func (d *Driver) Claims() storage.ClaimController     { return d.claims }
func (d *Driver) Ping(ctx context.Context) error      { return d.next.Ping(ctx) }
func (d *Driver) Close() error                        { return d.next.Close() }

// Unwrap returns the decorated driver.
func (d *Driver) Unwrap() storage.DataDriver { return d.next }

// CollectGarbage forwards to the decorated driver. Sweeps are not
// controller calls and skip the stages.
func (d *Driver) CollectGarbage(ctx context.Context, threshold int) (storage.GCResult, error) {
	gc, ok := d.next.(storage.Collector)
	if !ok {
		return storage.GCResult{}, fmt.Errorf("CollectGarbage: %w", ErrMethodNotFound)
	}
	return gc.CollectGarbage(ctx, threshold)
}
