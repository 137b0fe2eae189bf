package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nuetzliches/claimq/internal/pipeline"
	"github.com/nuetzliches/claimq/internal/storage"
	"github.com/nuetzliches/claimq/internal/storage/memory"
)

const testClientID = "5f0d4a8e-7f55-4d8a-8b36-0b1c5e9c2a11"

type testServer struct {
	t       *testing.T
	handler http.Handler
	store   *memory.Store
}

func newTestServer(t *testing.T, configure ...func(*Server)) *testServer {
	t.Helper()
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore(memory.WithNowFunc(func() time.Time { return now }))
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(store)
	for _, fn := range configure {
		fn(srv)
	}
	return &testServer{t: t, handler: srv.Handler(), store: store}
}

func (ts *testServer) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.Header.Set(projectHeader, "tenant")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) expect(rr *httptest.ResponseRecorder, status int) {
	ts.t.Helper()
	if rr.Code != status {
		ts.t.Fatalf("status=%d, want %d (body=%s)", rr.Code, status, rr.Body.String())
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestQueueLifecycle(t *testing.T) {
	ts := newTestServer(t)

	ts.expect(ts.do(http.MethodPut, "/v2/queues/orders", `{"owner":"billing"}`), http.StatusCreated)
	ts.expect(ts.do(http.MethodPut, "/v2/queues/orders", ""), http.StatusNoContent)
	ts.expect(ts.do(http.MethodPut, "/v2/queues/audit", ""), http.StatusCreated)

	rr := ts.do(http.MethodGet, "/v2/queues/orders/metadata", "")
	ts.expect(rr, http.StatusOK)
	if md := decode[map[string]any](t, rr); md["owner"] != "billing" {
		t.Fatalf("metadata=%v", md)
	}

	ts.expect(ts.do(http.MethodPut, "/v2/queues/orders/metadata", `{"owner":"ops"}`), http.StatusNoContent)
	rr = ts.do(http.MethodGet, "/v2/queues/orders/metadata", "")
	if md := decode[map[string]any](t, rr); md["owner"] != "ops" {
		t.Fatalf("metadata after set=%v", md)
	}

	rr = ts.do(http.MethodGet, "/v2/queues?limit=1", "")
	ts.expect(rr, http.StatusOK)
	page := decode[queueListResponse](t, rr)
	if len(page.Queues) != 1 || page.Queues[0].Name != "audit" || page.Next != "audit" {
		t.Fatalf("page=%+v", page)
	}
	rr = ts.do(http.MethodGet, "/v2/queues?marker=audit&detailed=true", "")
	page = decode[queueListResponse](t, rr)
	if len(page.Queues) != 1 || page.Queues[0].Name != "orders" || page.Queues[0].Metadata["owner"] != "ops" {
		t.Fatalf("second page=%+v", page)
	}
	if page.Next != "" {
		t.Fatalf("next=%q on a short page", page.Next)
	}

	ts.expect(ts.do(http.MethodDelete, "/v2/queues/orders", ""), http.StatusNoContent)
	ts.expect(ts.do(http.MethodGet, "/v2/queues/orders/metadata", ""), http.StatusNotFound)
	ts.expect(ts.do(http.MethodGet, "/v2/queues/orders/stats", ""), http.StatusNotFound)
}

func TestQueueNameValidation(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodPut, "/v2/queues/bad.name", "")
	ts.expect(rr, http.StatusBadRequest)
	if got := decode[errorResponse](t, rr).Code; got != errInvalidQueueName {
		t.Fatalf("code=%q, want %q", got, errInvalidQueueName)
	}
	ts.expect(ts.do(http.MethodPut, "/v2/queues/"+strings.Repeat("q", 65), ""), http.StatusBadRequest)
}

func TestPostAndListMessages(t *testing.T) {
	ts := newTestServer(t)
	body := `{"messages":[{"ttl":300,"body":{"n":1}},{"body":"two"}]}`

	rr := ts.do(http.MethodPost, "/v2/queues/orders/messages", body)
	ts.expect(rr, http.StatusBadRequest)
	if got := decode[errorResponse](t, rr).Code; got != errMissingClientID {
		t.Fatalf("code=%q, want %q", got, errMissingClientID)
	}
	ts.expect(ts.do(http.MethodPost, "/v2/queues/orders/messages", body, clientIDHeader, "not-a-uuid"), http.StatusBadRequest)
	ts.expect(ts.do(http.MethodPost, "/v2/queues/orders/messages", body, clientIDHeader, testClientID), http.StatusNotFound)

	ts.expect(ts.do(http.MethodPut, "/v2/queues/orders", ""), http.StatusCreated)
	rr = ts.do(http.MethodPost, "/v2/queues/orders/messages", body, clientIDHeader, testClientID)
	ts.expect(rr, http.StatusCreated)
	ids := decode[postMessagesResponse](t, rr).Resources
	if len(ids) != 2 {
		t.Fatalf("ids=%v, want 2", ids)
	}

	rr = ts.do(http.MethodGet, "/v2/queues/orders/messages", "", clientIDHeader, testClientID)
	ts.expect(rr, http.StatusOK)
	if got := decode[messageListResponse](t, rr).Messages; len(got) != 0 {
		t.Fatalf("echo=false returned own messages: %+v", got)
	}

	rr = ts.do(http.MethodGet, "/v2/queues/orders/messages?echo=true", "", clientIDHeader, testClientID)
	list := decode[messageListResponse](t, rr)
	if len(list.Messages) != 2 {
		t.Fatalf("messages=%+v, want 2", list.Messages)
	}
	if list.Messages[0].ID != ids[0] || list.Messages[0].TTL != 300 || string(list.Messages[0].Body) != `{"n":1}` {
		t.Fatalf("first=%+v", list.Messages[0])
	}
	if list.Messages[1].TTL != 3600 {
		t.Fatalf("default ttl=%d, want 3600", list.Messages[1].TTL)
	}

	rr = ts.do(http.MethodGet, "/v2/queues/orders/messages/"+ids[1], "")
	ts.expect(rr, http.StatusOK)
	if got := decode[messageResponse](t, rr); got.ID != ids[1] {
		t.Fatalf("get=%+v", got)
	}

	rr = ts.do(http.MethodGet, "/v2/queues/orders/messages?ids="+ids[0]+",nope", "")
	ts.expect(rr, http.StatusOK)
	if got := decode[messageListResponse](t, rr).Messages; len(got) != 1 || got[0].ID != ids[0] {
		t.Fatalf("bulk get=%+v", got)
	}

	ts.expect(ts.do(http.MethodDelete, "/v2/queues/orders/messages", ""), http.StatusBadRequest)
	ts.expect(ts.do(http.MethodDelete, "/v2/queues/orders/messages?ids="+strings.Join(ids, ","), ""), http.StatusNoContent)
	ts.expect(ts.do(http.MethodGet, "/v2/queues/orders/messages/"+ids[0], ""), http.StatusNotFound)
}

func TestPostMessagesValidation(t *testing.T) {
	ts := newTestServer(t, func(s *Server) { s.MaxMessagesPost = 2 })
	ts.expect(ts.do(http.MethodPut, "/v2/queues/orders", ""), http.StatusCreated)

	cases := []struct {
		name string
		body string
	}{
		{"empty", `{"messages":[]}`},
		{"too many", `{"messages":[{"body":1},{"body":2},{"body":3}]}`},
		{"missing body", `{"messages":[{"ttl":60}]}`},
		{"zero ttl", `{"messages":[{"ttl":0,"body":1}]}`},
		{"ttl too long", `{"messages":[{"ttl":99999999,"body":1}]}`},
		{"unknown field", `{"messages":[{"body":1,"delay":5}]}`},
		{"trailing document", `{"messages":[{"body":1}]} {}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ts.do(http.MethodPost, "/v2/queues/orders/messages", tc.body, clientIDHeader, testClientID)
			ts.expect(rr, http.StatusBadRequest)
		})
	}
}

func TestClaimFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.expect(ts.do(http.MethodPut, "/v2/queues/orders", ""), http.StatusCreated)
	ts.expect(ts.do(http.MethodPost, "/v2/queues/orders/claims", ""), http.StatusNoContent)

	rr := ts.do(http.MethodPost, "/v2/queues/orders/messages", `{"messages":[{"body":1},{"body":2}]}`, clientIDHeader, testClientID)
	ids := decode[postMessagesResponse](t, rr).Resources

	rr = ts.do(http.MethodPost, "/v2/queues/orders/claims?limit=1", `{"ttl":30,"grace":10}`)
	ts.expect(rr, http.StatusCreated)
	claim := decode[createClaimResponse](t, rr)
	if claim.ClaimID == "" || len(claim.Messages) != 1 || claim.Messages[0].ID != ids[0] {
		t.Fatalf("claim=%+v", claim)
	}

	rr = ts.do(http.MethodDelete, "/v2/queues/orders/messages/"+ids[0], "")
	ts.expect(rr, http.StatusForbidden)
	ts.expect(ts.do(http.MethodDelete, "/v2/queues/orders/messages/"+ids[0]+"?claim_id=wrong", ""), http.StatusForbidden)

	rr = ts.do(http.MethodGet, "/v2/queues/orders/claims/"+claim.ClaimID, "")
	ts.expect(rr, http.StatusOK)
	got := decode[claimResponse](t, rr)
	if got.ID != claim.ClaimID || got.TTL != 30 || len(got.Messages) != 1 {
		t.Fatalf("claim get=%+v", got)
	}

	ts.expect(ts.do(http.MethodPatch, "/v2/queues/orders/claims/"+claim.ClaimID, `{"ttl":120}`), http.StatusNoContent)
	ts.expect(ts.do(http.MethodPatch, "/v2/queues/orders/claims/"+claim.ClaimID, `{"ttl":-1}`), http.StatusBadRequest)
	ts.expect(ts.do(http.MethodPatch, "/v2/queues/orders/claims/missing", `{"ttl":60}`), http.StatusNotFound)

	rr = ts.do(http.MethodGet, "/v2/queues/orders/stats", "")
	ts.expect(rr, http.StatusOK)
	stats := decode[statsResponse](t, rr)
	if stats.Messages.Claimed != 1 || stats.Messages.Free != 1 || stats.Messages.Total != 2 {
		t.Fatalf("stats=%+v", stats.Messages)
	}
	if stats.Messages.Oldest == nil || stats.Messages.Oldest.ID != ids[0] || stats.Messages.Newest.ID != ids[1] {
		t.Fatalf("oldest/newest=%+v/%+v", stats.Messages.Oldest, stats.Messages.Newest)
	}

	ts.expect(ts.do(http.MethodDelete, "/v2/queues/orders/messages/"+ids[0]+"?claim_id="+claim.ClaimID, ""), http.StatusNoContent)
	ts.expect(ts.do(http.MethodDelete, "/v2/queues/orders/claims/"+claim.ClaimID, ""), http.StatusNoContent)
	ts.expect(ts.do(http.MethodDelete, "/v2/queues/orders/claims/"+claim.ClaimID, ""), http.StatusNoContent)
	ts.expect(ts.do(http.MethodGet, "/v2/queues/orders/claims/"+claim.ClaimID, ""), http.StatusNotFound)
}

func TestReadOnlyMode(t *testing.T) {
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore(memory.WithNowFunc(func() time.Time { return now }))
	t.Cleanup(func() { _ = store.Close() })
	ts := &testServer{t: t, handler: NewServer(pipeline.Wrap(store, pipeline.ReadOnly(), nil)).Handler()}

	rr := ts.do(http.MethodPut, "/v2/queues/orders", "")
	ts.expect(rr, http.StatusServiceUnavailable)
	if got := decode[errorResponse](t, rr).Code; got != errReadOnly {
		t.Fatalf("code=%q, want %q", got, errReadOnly)
	}
	ts.expect(ts.do(http.MethodGet, "/v2/queues", ""), http.StatusOK)
}

func TestStorageErrorMapping(t *testing.T) {
	srv := NewServer(nil)
	srv.Logger = nil
	_ = srv.Handler()

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"queue missing", storage.ErrQueueDoesNotExist, http.StatusNotFound, errNotFound},
		{"queue empty", storage.ErrQueueIsEmpty, http.StatusNotFound, errNotFound},
		{"claimed", storage.ErrMessageIsClaimed, http.StatusForbidden, errForbidden},
		{"not permitted", fmt.Errorf("delete: %w", storage.ErrNotPermitted), http.StatusForbidden, errForbidden},
		{"connection", &storage.ConnectionError{Backend: "postgres", Err: errors.New("refused")}, http.StatusServiceUnavailable, errStoreUnavailable},
		{"no pool", storage.ErrNoPoolFound, http.StatusServiceUnavailable, errNoPool},
		{"read only", pipeline.ErrReadOnly, http.StatusServiceUnavailable, errReadOnly},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, errInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.writeStorageError(rr, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
			if rr.Code != tc.status {
				t.Fatalf("status=%d, want %d", rr.Code, tc.status)
			}
			if got := decode[errorResponse](t, rr).Code; got != tc.code {
				t.Fatalf("code=%q, want %q", got, tc.code)
			}
		})
	}

	rr := httptest.NewRecorder()
	conflict := &storage.MessageConflictError{Queue: "orders", SucceededIDs: []string{"a", "b"}}
	srv.writeStorageError(rr, httptest.NewRequest(http.MethodPost, "/", nil), conflict)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("conflict status=%d, want 503", rr.Code)
	}
	resp := decode[conflictResponse](t, rr)
	if resp.Code != errConflict || len(resp.Resources) != 2 {
		t.Fatalf("conflict=%+v", resp)
	}

	rr = httptest.NewRecorder()
	partial := &storage.PartialPostError{
		SucceededIDs: []string{"a"},
		Err:          &storage.ConnectionError{Backend: "mongodb", Err: errors.New("reset")},
	}
	srv.writeStorageError(rr, httptest.NewRequest(http.MethodPost, "/", nil), partial)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("partial status=%d, want 503", rr.Code)
	}
	resp = decode[conflictResponse](t, rr)
	if resp.Code != errStoreUnavailable || len(resp.Resources) != 1 || resp.Resources[0] != "a" {
		t.Fatalf("partial=%+v", resp)
	}
}

func TestPoolsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.expect(ts.do(http.MethodGet, "/v2/pools", ""), http.StatusNotFound)

	ts = newTestServer(t, func(s *Server) {
		control := memory.NewStore()
		s.Pools = control.Pools()
	})

	ts.expect(ts.do(http.MethodPut, "/v2/pools/p1", `{"uri":"memory://","weight":10,"options":{"database":"a"}}`), http.StatusCreated)
	ts.expect(ts.do(http.MethodPut, "/v2/pools/p2", `{"uri":"sqlite:///tmp/p2.db","weight":5}`), http.StatusCreated)
	ts.expect(ts.do(http.MethodPut, "/v2/pools/p3", `{"uri":"nowhere","weight":5}`), http.StatusBadRequest)

	rr := ts.do(http.MethodGet, "/v2/pools/p1?detailed=true", "")
	ts.expect(rr, http.StatusOK)
	if got := decode[poolResponse](t, rr); got.Weight != 10 || got.Options["database"] != "a" {
		t.Fatalf("pool=%+v", got)
	}

	ts.expect(ts.do(http.MethodPatch, "/v2/pools/p1", `{}`), http.StatusBadRequest)
	ts.expect(ts.do(http.MethodPatch, "/v2/pools/p1", `{"weight":20}`), http.StatusNoContent)
	ts.expect(ts.do(http.MethodPatch, "/v2/pools/ghost", `{"weight":20}`), http.StatusNotFound)

	rr = ts.do(http.MethodGet, "/v2/pools?limit=1", "")
	list := decode[poolListResponse](t, rr)
	if len(list.Pools) != 1 || list.Pools[0].Name != "p1" || list.Pools[0].Weight != 20 || list.Next != "p1" {
		t.Fatalf("list=%+v", list)
	}

	ts.expect(ts.do(http.MethodDelete, "/v2/pools/p1", ""), http.StatusNoContent)
	ts.expect(ts.do(http.MethodGet, "/v2/pools/p1", ""), http.StatusNotFound)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	var (
		mu     sync.Mutex
		routes []string
	)
	ts := newTestServer(t, func(s *Server) {
		s.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "claimq_up 1\n")
		})
		s.ObserveRequest = func(method, route string, status int, _ time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			routes = append(routes, fmt.Sprintf("%s %s %d", method, route, status))
		}
	})

	rr := ts.do(http.MethodGet, "/healthz", "")
	ts.expect(rr, http.StatusOK)
	if rr.Body.String() != "ok" {
		t.Fatalf("body=%q", rr.Body.String())
	}
	rr = ts.do(http.MethodGet, "/metrics", "")
	ts.expect(rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "claimq_up") {
		t.Fatalf("metrics body=%q", rr.Body.String())
	}
	ts.expect(ts.do(http.MethodGet, "/v2/queues/ghost/stats", ""), http.StatusNotFound)

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"GET /healthz 200",
		"GET /metrics 200",
		"GET /v2/queues/{queue}/stats 404",
	}
	if len(routes) != len(want) {
		t.Fatalf("routes=%v, want %v", routes, want)
	}
	for i := range want {
		if routes[i] != want[i] {
			t.Fatalf("routes[%d]=%q, want %q", i, routes[i], want[i])
		}
	}
}

func TestHealthFailure(t *testing.T) {
	ts := newTestServer(t, func(s *Server) {
		s.Health = func(ctx context.Context) error { return errors.New("down") }
	})
	ts.expect(ts.do(http.MethodGet, "/healthz", ""), http.StatusServiceUnavailable)
}
