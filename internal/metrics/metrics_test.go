package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nuetzliches/claimq/internal/storage"
)

func TestStorageHooksCount(t *testing.T) {
	m := New()
	h := m.StorageHooks()
	h.MessagesPosted("orders", "tenant", 3)
	h.PostConflict("orders", "tenant", 0)
	h.PostFailed("orders", "tenant")
	h.Claimed("orders", "tenant", 2)
	h.Claimed("orders", "tenant", 0)

	if got := testutil.ToFloat64(m.messagesPosted.WithLabelValues("orders")); got != 3 {
		t.Fatalf("posted=%v, want 3", got)
	}
	if got := testutil.ToFloat64(m.postConflicts.WithLabelValues("orders")); got != 1 {
		t.Fatalf("conflicts=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.postFailures.WithLabelValues("orders")); got != 1 {
		t.Fatalf("failures=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.claimsCreated.WithLabelValues("orders")); got != 1 {
		t.Fatalf("claims=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.messagesClaimed.WithLabelValues("orders")); got != 2 {
		t.Fatalf("claimed=%v, want 2", got)
	}
}

func TestObserveSweep(t *testing.T) {
	m := New()
	m.ObserveSweep(storage.GCResult{Queues: 2, Deleted: 5}, time.Millisecond, nil)
	m.ObserveSweep(storage.GCResult{}, time.Millisecond, errors.New("down"))

	if got := testutil.ToFloat64(m.gcDeleted); got != 5 {
		t.Fatalf("deleted=%v, want 5", got)
	}
	if got := testutil.ToFloat64(m.gcSweeps.WithLabelValues("error")); got != 1 {
		t.Fatalf("failed sweeps=%v, want 1", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.PoolingHooks().CacheHit()
	m.ObserveRequest("GET", "/v2/queues", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	for _, want := range []string{
		`claimq_catalogue_lookups_total{cache="hit"} 1`,
		`claimq_http_requests_total{method="GET",route="/v2/queues",status="200"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
