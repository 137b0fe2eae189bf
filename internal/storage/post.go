package storage

import (
	"context"
	"errors"
	"log/slog"
)

// ErrMarkerTaken signals that a concurrent post already used one of the
// markers of an insert attempt. It never leaves a backend; Post retries it.
var ErrMarkerTaken = errors.New("marker already taken")

// PreparedMessage is a message spec bound to an id and a tentative marker.
type PreparedMessage struct {
	ID     string
	Marker int64
	Spec   MessageSpec
}

// Inserter is the backend half of the post path.
type Inserter interface {
	// NextMarker returns the marker the next message of the queue should
	// get: 1 for an empty queue, otherwise the highest marker plus one.
	// It fails with ErrQueueDoesNotExist for unknown queues.
	NextMarker(ctx context.Context, queue, project string) (int64, error)

	// InsertBatch stores msgs in order and returns how many leading
	// messages were stored. A marker collision is reported by wrapping
	// ErrMarkerTaken; messages before the collision stay stored.
	InsertBatch(ctx context.Context, queue, project, clientID string, msgs []PreparedMessage) (int, error)
}

// Post runs the marker allocation loop shared by all backends. Markers
// are advisory: a collision discards the stored prefix, recomputes the next
// marker for the remaining tail and retries after a backoff. When the
// retry budget is exhausted a *MessageConflictError carries the ids that
// were stored; any other failure after a partial insert is reported as a
// *PartialPostError.
func Post(ctx context.Context, ins Inserter, opts Options, queue, project string, specs []MessageSpec, clientID string) ([]string, error) {
	opts = opts.WithDefaults()
	if len(specs) == 0 {
		return []string{}, nil
	}

	pending := make([]PreparedMessage, len(specs))
	for i, spec := range specs {
		pending[i] = PreparedMessage{ID: NewID(), Spec: spec}
	}
	stored := make([]string, 0, len(specs))

	for attempt := 0; attempt < opts.Retry.MaxAttempts; attempt++ {
		base, err := ins.NextMarker(ctx, queue, project)
		if err != nil {
			return nil, err
		}
		for i := range pending {
			pending[i].Marker = base + int64(i)
		}

		n, err := ins.InsertBatch(ctx, queue, project, clientID, pending)
		if n < 0 || n > len(pending) {
			n = 0
		}
		for _, msg := range pending[:n] {
			stored = append(stored, msg.ID)
		}
		if err == nil {
			opts.Hooks.posted(queue, project, len(stored))
			return stored, nil
		}
		if !errors.Is(err, ErrMarkerTaken) {
			if len(stored) == 0 {
				return nil, err
			}
			opts.Hooks.posted(queue, project, len(stored))
			return nil, &PartialPostError{SucceededIDs: stored, Err: err}
		}

		pending = pending[n:]
		opts.Hooks.conflict(queue, project, attempt)
		opts.Logger.Debug("post_marker_conflict",
			slog.String("queue", queue),
			slog.String("project", project),
			slog.Int("attempt", attempt+1),
			slog.Int("stored", len(stored)),
			slog.Int("remaining", len(pending)),
		)
		if attempt+1 == opts.Retry.MaxAttempts {
			break
		}
		if err := opts.Retry.Wait(ctx, attempt); err != nil {
			return nil, err
		}
	}

	opts.Hooks.failed(queue, project)
	opts.Logger.Warn("post_retries_exhausted",
		slog.String("queue", queue),
		slog.String("project", project),
		slog.Int("max_attempts", opts.Retry.MaxAttempts),
		slog.Int("stored", len(stored)),
	)
	return nil, &MessageConflictError{Queue: queue, Project: project, SucceededIDs: stored}
}
