package storage

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"
)

const (
	DefaultMessagesPerPage  = 10
	DefaultMaxMessagesPage  = 20
	DefaultMessagesPerClaim = 10
	DefaultMaxClaimMessages = 20
	DefaultQueuesPerPage    = 10
	DefaultMaxQueuesPage    = 1000
)

type Limits struct {
	MaxMessagesPerPage  int
	MaxMessagesPerClaim int
	MaxQueuesPerPage    int
}

func (l Limits) withDefaults() Limits {
	if l.MaxMessagesPerPage <= 0 {
		l.MaxMessagesPerPage = DefaultMaxMessagesPage
	}
	if l.MaxMessagesPerClaim <= 0 {
		l.MaxMessagesPerClaim = DefaultMaxClaimMessages
	}
	if l.MaxQueuesPerPage <= 0 {
		l.MaxQueuesPerPage = DefaultMaxQueuesPage
	}
	return l
}

func (l Limits) MessagePage(limit int) int {
	return clampLimit(limit, DefaultMessagesPerPage, l.MaxMessagesPerPage)
}

func (l Limits) ClaimBatch(limit int) int {
	return clampLimit(limit, DefaultMessagesPerClaim, l.MaxMessagesPerClaim)
}

func (l Limits) QueuePage(limit int) int {
	return clampLimit(limit, DefaultQueuesPerPage, l.MaxQueuesPerPage)
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}

// RetryPolicy bounds the post retry loop.
type RetryPolicy struct {
	MaxAttempts int
	MaxSleep    time.Duration
	MaxJitter   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1000,
		MaxSleep:    100 * time.Millisecond,
		MaxJitter:   5 * time.Millisecond,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.MaxSleep < 0 {
		p.MaxSleep = 0
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	if p.MaxSleep == 0 && p.MaxJitter == 0 {
		p.MaxSleep = def.MaxSleep
		p.MaxJitter = def.MaxJitter
	}
	return p
}

// Backoff grows linearly with attempt/MaxAttempts up to MaxSleep and adds
// up to MaxJitter of random delay. jitter must return a value in [0, 1).
func (p RetryPolicy) Backoff(attempt int, jitter func() float64) time.Duration {
	if p.MaxAttempts <= 0 {
		return 0
	}
	ratio := float64(attempt) / float64(p.MaxAttempts)
	if ratio > 1 {
		ratio = 1
	}
	d := time.Duration(ratio * float64(p.MaxSleep))
	if jitter != nil && p.MaxJitter > 0 {
		d += time.Duration(jitter() * float64(p.MaxJitter))
	}
	return d
}

// Wait sleeps for the backoff of attempt or until ctx is done.
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	d := p.Backoff(attempt, rand.Float64)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EncodeMarker renders a message marker as a page marker.
func EncodeMarker(marker int64) string {
	return strconv.FormatInt(marker, 10)
}

// DecodeMarker parses a page marker. Malformed or empty markers start at
// the beginning of the queue.
func DecodeMarker(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
