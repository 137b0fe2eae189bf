package storage

import (
	"testing"
	"time"
)

func TestBackoffIsLinearPlusJitter(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, MaxSleep: 100 * time.Millisecond, MaxJitter: 10 * time.Millisecond}
	cases := []struct {
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{0, 0, 0},
		{5, 0, 50 * time.Millisecond},
		{5, 0.5, 55 * time.Millisecond},
		{10, 0, 100 * time.Millisecond},
		{20, 0, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		got := p.Backoff(tc.attempt, func() float64 { return tc.jitter })
		if got != tc.want {
			t.Fatalf("backoff(%d, %v)=%s, want %s", tc.attempt, tc.jitter, got, tc.want)
		}
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	got := RetryPolicy{}.withDefaults()
	if got != DefaultRetryPolicy() {
		t.Fatalf("defaults=%+v, want %+v", got, DefaultRetryPolicy())
	}
	got = RetryPolicy{MaxAttempts: 3, MaxSleep: time.Second}.withDefaults()
	if got.MaxAttempts != 3 || got.MaxSleep != time.Second || got.MaxJitter != 0 {
		t.Fatalf("explicit policy rewritten: %+v", got)
	}
}

func TestLimitsClamp(t *testing.T) {
	l := Limits{}.withDefaults()
	if got := l.MessagePage(0); got != DefaultMessagesPerPage {
		t.Fatalf("page(0)=%d, want %d", got, DefaultMessagesPerPage)
	}
	if got := l.MessagePage(500); got != DefaultMaxMessagesPage {
		t.Fatalf("page(500)=%d, want %d", got, DefaultMaxMessagesPage)
	}
	if got := l.ClaimBatch(15); got != 15 {
		t.Fatalf("claim(15)=%d, want 15", got)
	}
	if got := l.ClaimBatch(50); got != DefaultMaxClaimMessages {
		t.Fatalf("claim(50)=%d, want %d", got, DefaultMaxClaimMessages)
	}
}

func TestMarkerCodec(t *testing.T) {
	if got := DecodeMarker(EncodeMarker(42)); got != 42 {
		t.Fatalf("roundtrip=%d, want 42", got)
	}
	for _, in := range []string{"", "abc", "-4"} {
		if got := DecodeMarker(in); got != 0 {
			t.Fatalf("decode(%q)=%d, want 0", in, got)
		}
	}
}

func TestGraceExtension(t *testing.T) {
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	opts := ClaimOptions{TTL: 70 * time.Second, Grace: 30 * time.Second}
	claimExpires := now.Add(opts.TTL)

	expires, ttl, ok := GraceExtension(now.Add(80*time.Second), claimExpires, opts)
	if !ok {
		t.Fatalf("short-lived message not extended")
	}
	if ttl != 100*time.Second || !expires.Equal(now.Add(100*time.Second)) {
		t.Fatalf("expires=%s ttl=%s, want +100s", expires, ttl)
	}

	if _, _, ok := GraceExtension(now.Add(120*time.Second), claimExpires, opts); ok {
		t.Fatalf("long-lived message extended")
	}
	if _, _, ok := GraceExtension(now.Add(100*time.Second), claimExpires, opts); ok {
		t.Fatalf("message expiring exactly at claim+grace extended")
	}
}

func TestClaimAge(t *testing.T) {
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	if got := ClaimAge(now.Add(15*time.Second), now.Add(time.Minute), time.Minute); got != 15*time.Second {
		t.Fatalf("age=%s, want 15s", got)
	}
}
