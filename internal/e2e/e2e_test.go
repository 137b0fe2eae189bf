package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nuetzliches/claimq/internal/httpapi"
	"github.com/nuetzliches/claimq/internal/metrics"
	"github.com/nuetzliches/claimq/internal/pooling"
	"github.com/nuetzliches/claimq/internal/storage"
	"github.com/nuetzliches/claimq/internal/storage/memory"
	"github.com/nuetzliches/claimq/internal/storage/sqlstore"
)

// ---------- helpers ----------

const (
	producerID = "0b6e3d3c-55d7-4b57-9f0e-8d2a4b7c1e01"
	consumerID = "7c1f2a9e-3b4d-4e6f-8a0b-1c2d3e4f5a6b"
)

type client struct {
	t       *testing.T
	base    string
	project string
}

func (c client) do(method, path, body, clientID string) (int, []byte) {
	c.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Project-ID", c.project)
	if clientID != "" {
		req.Header.Set("Client-ID", clientID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, b
}

func (c client) expect(method, path, body, clientID string, status int) []byte {
	c.t.Helper()
	code, b := c.do(method, path, body, clientID)
	if code != status {
		c.t.Fatalf("%s %s: status=%d, want %d (body=%s)", method, path, code, status, b)
	}
	return b
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return out
}

type message struct {
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	ClaimID string          `json:"claim_id"`
}

type claimed struct {
	ClaimID  string    `json:"claim_id"`
	Messages []message `json:"messages"`
}

type stats struct {
	Messages struct {
		Claimed int `json:"claimed"`
		Free    int `json:"free"`
		Total   int `json:"total"`
	} `json:"messages"`
}

func serve(t *testing.T, driver storage.DataDriver, configure ...func(*httpapi.Server)) string {
	t.Helper()
	srv := httpapi.NewServer(driver)
	for _, fn := range configure {
		fn(srv)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// ---------- E2E tests ----------

func TestE2E_ProducerConsumerRoundTrip(t *testing.T) {
	store, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "claimq.db"), storage.Options{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	c := client{t: t, base: serve(t, store), project: "billing"}

	// 1. Producer creates the queue and posts three messages.
	c.expect(http.MethodPut, "/v2/queues/invoices", `{"owner":"billing"}`, "", http.StatusCreated)
	posted := decode[struct {
		Resources []string `json:"resources"`
	}](t, c.expect(http.MethodPost, "/v2/queues/invoices/messages",
		`{"messages":[{"ttl":300,"body":{"n":1}},{"ttl":300,"body":{"n":2}},{"ttl":300,"body":{"n":3}}]}`,
		producerID, http.StatusCreated))
	if len(posted.Resources) != 3 {
		t.Fatalf("resources=%v, want 3 ids", posted.Resources)
	}

	// 2. Two consumers split the backlog.
	first := decode[claimed](t, c.expect(http.MethodPost, "/v2/queues/invoices/claims?limit=2", `{"ttl":60,"grace":30}`, consumerID, http.StatusCreated))
	if len(first.Messages) != 2 {
		t.Fatalf("first claim got %d messages, want 2", len(first.Messages))
	}
	second := decode[claimed](t, c.expect(http.MethodPost, "/v2/queues/invoices/claims?limit=2", `{"ttl":60}`, consumerID, http.StatusCreated))
	if len(second.Messages) != 1 {
		t.Fatalf("second claim got %d messages, want 1", len(second.Messages))
	}
	c.expect(http.MethodPost, "/v2/queues/invoices/claims", `{"ttl":60}`, consumerID, http.StatusNoContent)

	// 3. The first consumer acknowledges its work.
	for _, m := range first.Messages {
		c.expect(http.MethodDelete, "/v2/queues/invoices/messages/"+m.ID+"?claim_id="+first.ClaimID, "", "", http.StatusNoContent)
	}

	// 4. The second consumer gives up; its message becomes claimable again.
	c.expect(http.MethodDelete, "/v2/queues/invoices/claims/"+second.ClaimID, "", "", http.StatusNoContent)
	again := decode[claimed](t, c.expect(http.MethodPost, "/v2/queues/invoices/claims", `{"ttl":60}`, consumerID, http.StatusCreated))
	if len(again.Messages) != 1 || again.Messages[0].ID != second.Messages[0].ID {
		t.Fatalf("reclaim=%+v, want message %s", again.Messages, second.Messages[0].ID)
	}
	if string(again.Messages[0].Body) != `{"n":3}` {
		t.Fatalf("body=%s, want {\"n\":3}", again.Messages[0].Body)
	}

	st := decode[stats](t, c.expect(http.MethodGet, "/v2/queues/invoices/stats", "", "", http.StatusOK))
	if st.Messages.Total != 1 || st.Messages.Claimed != 1 || st.Messages.Free != 0 {
		t.Fatalf("stats=%+v", st.Messages)
	}
}

func TestE2E_ProjectsAreIsolated(t *testing.T) {
	store := memory.NewStore()
	base := serve(t, store)
	alpha := client{t: t, base: base, project: "alpha"}
	beta := client{t: t, base: base, project: "beta"}

	alpha.expect(http.MethodPut, "/v2/queues/jobs", "", "", http.StatusCreated)
	alpha.expect(http.MethodPost, "/v2/queues/jobs/messages", `{"messages":[{"body":"x"}]}`, producerID, http.StatusCreated)

	beta.expect(http.MethodGet, "/v2/queues/jobs/stats", "", "", http.StatusNotFound)
	list := decode[struct {
		Queues []struct {
			Name string `json:"name"`
		} `json:"queues"`
	}](t, beta.expect(http.MethodGet, "/v2/queues", "", "", http.StatusOK))
	if len(list.Queues) != 0 {
		t.Fatalf("beta sees queues %+v", list.Queues)
	}
	beta.expect(http.MethodPut, "/v2/queues/jobs", "", "", http.StatusCreated)
	st := decode[stats](t, beta.expect(http.MethodGet, "/v2/queues/jobs/stats", "", "", http.StatusOK))
	if st.Messages.Total != 0 {
		t.Fatalf("beta queue shares alpha messages: %+v", st.Messages)
	}
}

func TestE2E_PooledQueuesFollowPoolWeights(t *testing.T) {
	ctx := context.Background()
	registry := storage.NewRegistry()
	memory.Register(registry)

	m := metrics.New()
	control := memory.NewStore()
	drivers := pooling.NewDriverCache(registry, control.Pools(), storage.Options{})
	catalog := pooling.NewCatalog(control, pooling.NewMemoryCache(nil), drivers, pooling.Options{Hooks: m.PoolingHooks()})
	driver := pooling.NewDriver(catalog, storage.Limits{})
	t.Cleanup(func() { _ = driver.Close() })

	base := serve(t, driver, func(s *httpapi.Server) {
		s.Pools = control.Pools()
		s.Metrics = m.Handler()
	})
	c := client{t: t, base: base, project: "tenant"}

	// Without pools a queue has nowhere to live.
	c.expect(http.MethodPut, "/v2/queues/early", "", "", http.StatusServiceUnavailable)

	c.expect(http.MethodPut, "/v2/pools/east", `{"uri":"memory://","weight":100}`, "", http.StatusCreated)
	for _, q := range []string{"q1", "q3"} {
		c.expect(http.MethodPut, "/v2/queues/"+q, "", "", http.StatusCreated)
	}

	c.expect(http.MethodPut, "/v2/pools/west", `{"uri":"memory://","weight":100}`, "", http.StatusCreated)
	c.expect(http.MethodPatch, "/v2/pools/east", `{"weight":0}`, "", http.StatusNoContent)
	for _, q := range []string{"q2", "q4"} {
		c.expect(http.MethodPut, "/v2/queues/"+q, "", "", http.StatusCreated)
	}

	for q, want := range map[string]string{"q1": "east", "q3": "east", "q2": "west", "q4": "west"} {
		entry, err := control.Catalogue().Get(ctx, "tenant", q)
		if err != nil {
			t.Fatalf("catalogue %s: %v", q, err)
		}
		if entry.Pool != want {
			t.Fatalf("%s lives in %s, want %s", q, entry.Pool, want)
		}
	}

	// Listing merges both pools in name order.
	list := decode[struct {
		Queues []struct {
			Name string `json:"name"`
		} `json:"queues"`
	}](t, c.expect(http.MethodGet, "/v2/queues", "", "", http.StatusOK))
	var names []string
	for _, q := range list.Queues {
		names = append(names, q.Name)
	}
	if got := strings.Join(names, ","); got != "q1,q2,q3,q4" {
		t.Fatalf("queues=%s, want q1,q2,q3,q4", got)
	}

	// Messages follow the queue into its pool.
	c.expect(http.MethodPost, "/v2/queues/q4/messages", `{"messages":[{"body":{"k":"v"}}]}`, producerID, http.StatusCreated)
	cl := decode[claimed](t, c.expect(http.MethodPost, "/v2/queues/q4/claims", `{}`, consumerID, http.StatusCreated))
	if len(cl.Messages) != 1 {
		t.Fatalf("claimed %d messages, want 1", len(cl.Messages))
	}

	// Deleting a queue frees its catalogue entry.
	c.expect(http.MethodDelete, "/v2/queues/q1", "", "", http.StatusNoContent)
	c.expect(http.MethodGet, "/v2/queues/q1/stats", "", "", http.StatusNotFound)

	_, body := c.do(http.MethodGet, "/metrics", "", "")
	if !strings.Contains(string(body), `claimq_queues_registered_total{pool="west"} 2`) {
		t.Fatalf("metrics missing pooling counters:\n%s", body)
	}
}

func TestE2E_ConcurrentConsumersNeverShareMessages(t *testing.T) {
	store := memory.NewStore()
	c := client{t: t, base: serve(t, store), project: "tenant"}
	c.expect(http.MethodPut, "/v2/queues/work", "", "", http.StatusCreated)

	const total = 40
	for i := 0; i < total/10; i++ {
		var b strings.Builder
		b.WriteString(`{"messages":[`)
		for j := 0; j < 10; j++ {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(`{"ttl":300,"body":1}`)
		}
		b.WriteString(`]}`)
		c.expect(http.MethodPost, "/v2/queues/work/messages", b.String(), producerID, http.StatusCreated)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				code, b := c.do(http.MethodPost, "/v2/queues/work/claims?limit=3", `{"ttl":120}`, consumerID)
				if code == http.StatusNoContent {
					return
				}
				if code != http.StatusCreated {
					t.Errorf("claim status=%d body=%s", code, b)
					return
				}
				var cl claimed
				if err := json.Unmarshal(b, &cl); err != nil {
					t.Errorf("decode: %v", err)
					return
				}
				mu.Lock()
				for _, m := range cl.Messages {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("claimed %d distinct messages, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("message %s claimed %d times", id, n)
		}
	}
}
