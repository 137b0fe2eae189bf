package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nuetzliches/claimq/internal/storage"
)

// DataFactory opens an empty data driver whose clock is c.
type DataFactory func(t *testing.T, c *Clock) storage.DataDriver

const (
	project  = "tenant-a"
	clientA  = "4d6a3d8e-1f8f-4bd6-9c3f-0c8c1c7a9a11"
	clientB  = "9b1a0b0c-7e0d-4c51-a8a5-3f1e8f7b5c22"
	wrongID  = "00000000-0000-4000-8000-000000000000"
	badID    = "not-a-uuid"
	otherPrj = "tenant-b"
)

// RunData runs the data driver contract against open.
func RunData(t *testing.T, open DataFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, d storage.DataDriver, c *Clock)
	}{
		{"QueueCreateIsIdempotent", testQueueCreateIsIdempotent},
		{"QueueListPages", testQueueListPages},
		{"QueueDeletePurgesMessages", testQueueDeletePurgesMessages},
		{"QueueMetadataMissingQueue", testQueueMetadataMissingQueue},
		{"PostRequiresQueue", testPostRequiresQueue},
		{"MarkersAreMonotonic", testMarkersAreMonotonic},
		{"ConcurrentPostsGetDistinctMarkers", testConcurrentPosts},
		{"MessageGet", testMessageGet},
		{"MessageListFilters", testMessageListFilters},
		{"MessageListPages", testMessageListPages},
		{"BulkGetAndDelete", testBulkGetAndDelete},
		{"First", testFirst},
		{"Stats", testStats},
		{"ClaimScenario", testClaimScenario},
		{"ClaimGraceLeavesLongLivedMessages", testClaimGraceLeavesLongLived},
		{"ClaimNothingAvailable", testClaimNothingAvailable},
		{"ClaimRequiresQueue", testClaimRequiresQueue},
		{"ClaimGet", testClaimGet},
		{"ClaimExpires", testClaimExpires},
		{"ClaimUpdate", testClaimUpdate},
		{"ClaimDeleteIsIdempotent", testClaimDeleteIsIdempotent},
		{"ClaimGuardedDelete", testClaimGuardedDelete},
		{"GarbageCollectionKeepsHead", testGCKeepsHead},
		{"GarbageCollectionThreshold", testGCThreshold},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewClock()
			d := open(t, c)
			t.Cleanup(func() { _ = d.Close() })
			tc.fn(t, d, c)
		})
	}
}

func mustCreateQueue(t *testing.T, d storage.DataDriver, name string) {
	t.Helper()
	if _, err := d.Queues().Create(context.Background(), name, project, storage.Metadata{"kind": name}); err != nil {
		t.Fatalf("create queue %q: %v", name, err)
	}
}

func body(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
}

func mustPost(t *testing.T, d storage.DataDriver, queue string, n int, ttl time.Duration, client string) []string {
	t.Helper()
	specs := make([]storage.MessageSpec, n)
	for i := range specs {
		specs[i] = storage.MessageSpec{Body: body(i), TTL: ttl}
	}
	ids, err := d.Messages().Post(context.Background(), queue, project, specs, client)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(ids) != n {
		t.Fatalf("post ids=%d, want %d", len(ids), n)
	}
	return ids
}

func mustStats(t *testing.T, d storage.DataDriver, queue string) storage.QueueStats {
	t.Helper()
	stats, err := d.Queues().Stats(context.Background(), queue, project)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return stats
}

func testQueueCreateIsIdempotent(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	created, err := d.Queues().Create(ctx, "orders", project, storage.Metadata{"owner": "first"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("first create reported existing queue")
	}
	created, err = d.Queues().Create(ctx, "orders", project, storage.Metadata{"owner": "second"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("second create reported a new queue")
	}
	md, err := d.Queues().GetMetadata(ctx, "orders", project)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if md["owner"] != "first" {
		t.Fatalf("owner=%v, want first", md["owner"])
	}

	// Same name in another project is a different queue.
	created, err = d.Queues().Create(ctx, "orders", otherPrj, nil)
	if err != nil || !created {
		t.Fatalf("create in other project: created=%v err=%v", created, err)
	}

	if err := d.Queues().SetMetadata(ctx, "orders", project, storage.Metadata{"owner": "third"}); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	md, err = d.Queues().GetMetadata(ctx, "orders", project)
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if md["owner"] != "third" {
		t.Fatalf("owner=%v, want third", md["owner"])
	}
}

func testQueueListPages(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	for _, name := range []string{"q3", "q1", "q5", "q2", "q4"} {
		mustCreateQueue(t, d, name)
	}
	if _, err := d.Queues().Create(ctx, "q0", otherPrj, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	page, err := d.Queues().List(ctx, project, storage.QueueListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := queueNames(page); fmt.Sprint(got) != "[q1 q2]" {
		t.Fatalf("page1=%v, want [q1 q2]", got)
	}
	if page.Next != "q2" {
		t.Fatalf("next=%q, want q2", page.Next)
	}
	if page.Queues[0].Metadata != nil {
		t.Fatalf("metadata returned without detailed")
	}

	page, err = d.Queues().List(ctx, project, storage.QueueListOptions{Marker: page.Next, Limit: 10, Detailed: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := queueNames(page); fmt.Sprint(got) != "[q3 q4 q5]" {
		t.Fatalf("page2=%v, want [q3 q4 q5]", got)
	}
	if page.Queues[0].Metadata["kind"] != "q3" {
		t.Fatalf("metadata=%v, want kind=q3", page.Queues[0].Metadata)
	}
	if page.Next != "" {
		t.Fatalf("next=%q on last page", page.Next)
	}
}

func queueNames(page storage.QueuePage) []string {
	out := make([]string, 0, len(page.Queues))
	for _, q := range page.Queues {
		out = append(out, q.Name)
	}
	return out
}

func testQueueDeletePurgesMessages(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	ids := mustPost(t, d, "orders", 3, time.Minute, clientA)
	if _, _, err := d.Claims().Create(ctx, "orders", project, storage.ClaimOptions{TTL: time.Minute}, 2); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := d.Queues().Delete(ctx, "orders", project); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := d.Queues().Delete(ctx, "orders", project); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	exists, err := d.Queues().Exists(ctx, "orders", project)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatalf("queue still exists")
	}

	mustCreateQueue(t, d, "orders")
	if _, err := d.Messages().Get(ctx, "orders", project, ids[0]); !errors.Is(err, storage.ErrMessageDoesNotExist) {
		t.Fatalf("get purged message err=%v, want %v", err, storage.ErrMessageDoesNotExist)
	}
	stats := mustStats(t, d, "orders")
	if stats.Total != 0 {
		t.Fatalf("total=%d after recreate, want 0", stats.Total)
	}
}

func testQueueMetadataMissingQueue(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	if _, err := d.Queues().GetMetadata(ctx, "ghost", project); !errors.Is(err, storage.ErrQueueDoesNotExist) {
		t.Fatalf("get metadata err=%v, want %v", err, storage.ErrQueueDoesNotExist)
	}
	if err := d.Queues().SetMetadata(ctx, "ghost", project, storage.Metadata{}); !errors.Is(err, storage.ErrQueueDoesNotExist) {
		t.Fatalf("set metadata err=%v, want %v", err, storage.ErrQueueDoesNotExist)
	}
	if _, err := d.Queues().Stats(ctx, "ghost", project); !errors.Is(err, storage.ErrQueueDoesNotExist) {
		t.Fatalf("stats err=%v, want %v", err, storage.ErrQueueDoesNotExist)
	}
}

func testPostRequiresQueue(t *testing.T, d storage.DataDriver, _ *Clock) {
	_, err := d.Messages().Post(context.Background(), "ghost", project, []storage.MessageSpec{{Body: body(1), TTL: time.Minute}}, clientA)
	if !errors.Is(err, storage.ErrQueueDoesNotExist) {
		t.Fatalf("post err=%v, want %v", err, storage.ErrQueueDoesNotExist)
	}
}

func testMarkersAreMonotonic(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	first := mustPost(t, d, "orders", 3, time.Minute, clientA)
	second := mustPost(t, d, "orders", 2, time.Minute, clientA)
	ids := append(first, second...)

	msgs, err := d.Messages().BulkGet(ctx, "orders", project, ids)
	if err != nil {
		t.Fatalf("bulk get: %v", err)
	}
	byID := make(map[string]int64, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m.Marker
	}
	for i, id := range ids {
		if byID[id] != int64(i+1) {
			t.Fatalf("marker[%d]=%d, want %d", i, byID[id], i+1)
		}
	}

	// Removing the newest message must not make its marker available again.
	if err := d.Messages().Delete(ctx, "orders", project, ids[len(ids)-1], ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	next := mustPost(t, d, "orders", 1, time.Minute, clientA)
	m, err := d.Messages().Get(ctx, "orders", project, next[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Marker != 6 {
		t.Fatalf("marker=%d after deleting head, want 6", m.Marker)
	}
}

func testConcurrentPosts(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")

	const producers = 8
	const perProducer = 3
	start := make(chan struct{})
	errs := make(chan error, producers)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			<-start
			specs := make([]storage.MessageSpec, perProducer)
			for i := range specs {
				specs[i] = storage.MessageSpec{Body: body(p*100 + i), TTL: time.Minute}
			}
			ids, err := d.Messages().Post(ctx, "orders", project, specs, clientA)
			if err == nil && len(ids) != perProducer {
				err = fmt.Errorf("ids=%d, want %d", len(ids), perProducer)
			}
			errs <- err
		}(p)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent post: %v", err)
		}
	}

	markers := make([]int64, 0, producers*perProducer)
	page := storage.MessagePage{}
	for {
		var err error
		page, err = d.Messages().List(ctx, "orders", project, storage.MessageListOptions{Marker: page.Next, Limit: 20, Echo: true})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page.Messages) == 0 {
			break
		}
		for _, m := range page.Messages {
			markers = append(markers, m.Marker)
		}
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i] < markers[j] })
	if len(markers) != producers*perProducer {
		t.Fatalf("messages=%d, want %d", len(markers), producers*perProducer)
	}
	for i, m := range markers {
		if m != int64(i+1) {
			t.Fatalf("markers=%v, want 1..%d without gaps", markers, producers*perProducer)
		}
	}
}

func testMessageGet(t *testing.T, d storage.DataDriver, c *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	ids := mustPost(t, d, "orders", 1, time.Minute, clientA)

	c.Advance(10 * time.Second)
	m, err := d.Messages().Get(ctx, "orders", project, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(m.Body) != `{"n":0}` {
		t.Fatalf("body=%s, want {\"n\":0}", m.Body)
	}
	if m.TTL != time.Minute {
		t.Fatalf("ttl=%s, want 1m", m.TTL)
	}
	if m.Age != 10*time.Second {
		t.Fatalf("age=%s, want 10s", m.Age)
	}
	if m.ClientID != clientA {
		t.Fatalf("client=%q, want %q", m.ClientID, clientA)
	}
	if m.ClaimID != "" {
		t.Fatalf("fresh message claimed by %q", m.ClaimID)
	}

	for _, id := range []string{badID, wrongID} {
		if _, err := d.Messages().Get(ctx, "orders", project, id); !errors.Is(err, storage.ErrMessageDoesNotExist) {
			t.Fatalf("get %q err=%v, want %v", id, err, storage.ErrMessageDoesNotExist)
		}
	}
	if _, err := d.Messages().Get(ctx, "other", project, ids[0]); !errors.Is(err, storage.ErrMessageDoesNotExist) {
		t.Fatalf("get from other queue err=%v, want %v", err, storage.ErrMessageDoesNotExist)
	}

	c.Advance(time.Minute)
	if _, err := d.Messages().Get(ctx, "orders", project, ids[0]); !errors.Is(err, storage.ErrMessageDoesNotExist) {
		t.Fatalf("get expired err=%v, want %v", err, storage.ErrMessageDoesNotExist)
	}
}

func testMessageListFilters(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	mustPost(t, d, "orders", 2, time.Minute, clientA)
	mustPost(t, d, "orders", 3, time.Minute, clientB)
	if _, _, err := d.Claims().Create(ctx, "orders", project, storage.ClaimOptions{TTL: time.Minute}, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	cases := []struct {
		name string
		opts storage.MessageListOptions
		want int
	}{
		{"echo unclaimed", storage.MessageListOptions{Echo: true, ClientID: clientA}, 4},
		{"echo claimed", storage.MessageListOptions{Echo: true, ClientID: clientA, IncludeClaimed: true}, 5},
		{"no echo", storage.MessageListOptions{ClientID: clientA, IncludeClaimed: true}, 3},
		{"no echo unclaimed", storage.MessageListOptions{ClientID: clientB}, 1},
	}
	for _, tc := range cases {
		page, err := d.Messages().List(ctx, "orders", project, tc.opts)
		if err != nil {
			t.Fatalf("%s: list: %v", tc.name, err)
		}
		if len(page.Messages) != tc.want {
			t.Fatalf("%s: messages=%d, want %d", tc.name, len(page.Messages), tc.want)
		}
	}

	if _, err := d.Messages().List(ctx, "ghost", project, storage.MessageListOptions{}); !errors.Is(err, storage.ErrQueueDoesNotExist) {
		t.Fatalf("list missing queue err=%v, want %v", err, storage.ErrQueueDoesNotExist)
	}
}

func testMessageListPages(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	mustPost(t, d, "orders", 5, time.Minute, clientA)

	page, err := d.Messages().List(ctx, "orders", project, storage.MessageListOptions{Limit: 2, Echo: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 2 || page.Messages[0].Marker != 1 || page.Messages[1].Marker != 2 {
		t.Fatalf("page1=%+v, want markers 1,2", page.Messages)
	}
	page, err = d.Messages().List(ctx, "orders", project, storage.MessageListOptions{Marker: page.Next, Limit: 10, Echo: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 3 || page.Messages[0].Marker != 3 {
		t.Fatalf("page2 len=%d, want 3 starting at marker 3", len(page.Messages))
	}
	page, err = d.Messages().List(ctx, "orders", project, storage.MessageListOptions{Marker: page.Next, Echo: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 0 || page.Next != "" {
		t.Fatalf("page3 len=%d next=%q, want empty", len(page.Messages), page.Next)
	}
}

func testBulkGetAndDelete(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	ids := mustPost(t, d, "orders", 4, time.Minute, clientA)

	msgs, err := d.Messages().BulkGet(ctx, "orders", project, []string{ids[0], ids[2], badID, wrongID, ids[0]})
	if err != nil {
		t.Fatalf("bulk get: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("bulk get=%d, want 2", len(msgs))
	}

	if err := d.Messages().BulkDelete(ctx, "orders", project, []string{ids[0], ids[2], badID}); err != nil {
		t.Fatalf("bulk delete: %v", err)
	}
	stats := mustStats(t, d, "orders")
	if stats.Total != 2 {
		t.Fatalf("total=%d, want 2", stats.Total)
	}
	if _, err := d.Messages().Get(ctx, "orders", project, ids[2]); !errors.Is(err, storage.ErrMessageDoesNotExist) {
		t.Fatalf("get deleted err=%v, want %v", err, storage.ErrMessageDoesNotExist)
	}
}

func testFirst(t *testing.T, d storage.DataDriver, c *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	if _, err := d.Messages().First(ctx, "orders", project, storage.SortAscending); !errors.Is(err, storage.ErrQueueIsEmpty) {
		t.Fatalf("first on empty queue err=%v, want %v", err, storage.ErrQueueIsEmpty)
	}

	ids := mustPost(t, d, "orders", 3, time.Minute, clientA)
	oldest, err := d.Messages().First(ctx, "orders", project, storage.SortAscending)
	if err != nil {
		t.Fatalf("first asc: %v", err)
	}
	if oldest.ID != ids[0] {
		t.Fatalf("oldest=%s, want %s", oldest.ID, ids[0])
	}
	newest, err := d.Messages().First(ctx, "orders", project, storage.SortDescending)
	if err != nil {
		t.Fatalf("first desc: %v", err)
	}
	if newest.ID != ids[2] {
		t.Fatalf("newest=%s, want %s", newest.ID, ids[2])
	}

	c.Advance(2 * time.Minute)
	if _, err := d.Messages().First(ctx, "orders", project, storage.SortAscending); !errors.Is(err, storage.ErrQueueIsEmpty) {
		t.Fatalf("first after expiry err=%v, want %v", err, storage.ErrQueueIsEmpty)
	}
}

func testStats(t *testing.T, d storage.DataDriver, c *Clock) {
	mustCreateQueue(t, d, "orders")
	stats := mustStats(t, d, "orders")
	if stats.Total != 0 || stats.Oldest != nil || stats.Newest != nil {
		t.Fatalf("empty stats=%+v", stats)
	}

	ids := mustPost(t, d, "orders", 2, time.Minute, clientA)
	c.Advance(5 * time.Second)
	last := mustPost(t, d, "orders", 1, time.Minute, clientA)
	c.Advance(5 * time.Second)

	stats = mustStats(t, d, "orders")
	if stats.Total != 3 || stats.Free != 3 || stats.Claimed != 0 {
		t.Fatalf("stats=%+v, want total=3 free=3", stats)
	}
	if stats.Oldest == nil || stats.Oldest.ID != ids[0] || stats.Oldest.Age != 10*time.Second {
		t.Fatalf("oldest=%+v, want %s aged 10s", stats.Oldest, ids[0])
	}
	if stats.Newest == nil || stats.Newest.ID != last[0] || stats.Newest.Age != 5*time.Second {
		t.Fatalf("newest=%+v, want %s aged 5s", stats.Newest, last[0])
	}
}

// testClaimScenario walks through posting, claiming, releasing and
// reclaiming a batch where the grace period has to stretch message ttls.
func testClaimScenario(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	ids := mustPost(t, d, "orders", 20, 80*time.Second, clientA)

	opts := storage.ClaimOptions{TTL: 70 * time.Second, Grace: 30 * time.Second}
	claimID, msgs, err := d.Claims().Create(ctx, "orders", project, opts, 15)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimID == "" {
		t.Fatalf("empty claim id")
	}
	if len(msgs) != 15 {
		t.Fatalf("claimed=%d, want 15", len(msgs))
	}
	for i, m := range msgs {
		if m.TTL != 100*time.Second {
			t.Fatalf("msg[%d] ttl=%s, want 1m40s", i, m.TTL)
		}
		if m.ClaimID != claimID {
			t.Fatalf("msg[%d] claim=%q, want %q", i, m.ClaimID, claimID)
		}
		if m.Marker != int64(i+1) {
			t.Fatalf("msg[%d] marker=%d, want %d (oldest first)", i, m.Marker, i+1)
		}
		if m.ID != ids[i] {
			t.Fatalf("msg[%d] id=%s, want %s", i, m.ID, ids[i])
		}
	}

	stats := mustStats(t, d, "orders")
	if stats.Claimed != 15 || stats.Free != 5 || stats.Total != 20 {
		t.Fatalf("stats=%+v, want claimed=15 free=5 total=20", stats)
	}

	// A second claim only sees the five free messages.
	second, rest, err := d.Claims().Create(ctx, "orders", project, opts, 15)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(rest) != 5 {
		t.Fatalf("second claim=%d, want 5", len(rest))
	}
	owned := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		owned[m.ID] = true
	}
	for _, m := range rest {
		if owned[m.ID] {
			t.Fatalf("message %s claimed twice", m.ID)
		}
	}

	if err := d.Claims().Delete(ctx, "orders", project, claimID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := d.Claims().Delete(ctx, "orders", project, second); err != nil {
		t.Fatalf("release second: %v", err)
	}
	_, again, err := d.Claims().Create(ctx, "orders", project, opts, 15)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(again) != 15 {
		t.Fatalf("reclaimed=%d, want 15", len(again))
	}
}

func testClaimGraceLeavesLongLived(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	mustPost(t, d, "orders", 3, 120*time.Second, clientA)

	_, msgs, err := d.Claims().Create(ctx, "orders", project, storage.ClaimOptions{TTL: 70 * time.Second, Grace: 30 * time.Second}, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("claimed=%d, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.TTL != 120*time.Second {
			t.Fatalf("msg[%d] ttl=%s, want 2m0s", i, m.TTL)
		}
	}
}

func testClaimNothingAvailable(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	id, msgs, err := d.Claims().Create(ctx, "orders", project, storage.ClaimOptions{TTL: time.Minute}, 5)
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if id != "" || len(msgs) != 0 {
		t.Fatalf("claim on empty queue id=%q msgs=%d", id, len(msgs))
	}
}

func testClaimRequiresQueue(t *testing.T, d storage.DataDriver, _ *Clock) {
	_, _, err := d.Claims().Create(context.Background(), "ghost", project, storage.ClaimOptions{TTL: time.Minute}, 5)
	if !errors.Is(err, storage.ErrQueueDoesNotExist) {
		t.Fatalf("claim err=%v, want %v", err, storage.ErrQueueDoesNotExist)
	}
}

func testClaimGet(t *testing.T, d storage.DataDriver, c *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	mustPost(t, d, "orders", 4, 5*time.Minute, clientA)
	claimID, _, err := d.Claims().Create(ctx, "orders", project, storage.ClaimOptions{TTL: time.Minute}, 3)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	c.Advance(10 * time.Second)
	claim, msgs, err := d.Claims().Get(ctx, "orders", project, claimID)
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	if claim.ID != claimID {
		t.Fatalf("id=%q, want %q", claim.ID, claimID)
	}
	if claim.TTL != time.Minute {
		t.Fatalf("ttl=%s, want 1m0s", claim.TTL)
	}
	if claim.Age != 10*time.Second {
		t.Fatalf("age=%s, want 10s", claim.Age)
	}
	if len(msgs) != 3 {
		t.Fatalf("claimed messages=%d, want 3", len(msgs))
	}

	for _, id := range []string{badID, wrongID} {
		if _, _, err := d.Claims().Get(ctx, "orders", project, id); !errors.Is(err, storage.ErrClaimDoesNotExist) {
			t.Fatalf("get claim %q err=%v, want %v", id, err, storage.ErrClaimDoesNotExist)
		}
	}
}

func testClaimExpires(t *testing.T, d storage.DataDriver, c *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	mustPost(t, d, "orders", 2, 10*time.Minute, clientA)
	claimID, _, err := d.Claims().Create(ctx, "orders", project, storage.ClaimOptions{TTL: 30 * time.Second}, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	c.Advance(30 * time.Second)
	if _, _, err := d.Claims().Get(ctx, "orders", project, claimID); !errors.Is(err, storage.ErrClaimDoesNotExist) {
		t.Fatalf("get expired claim err=%v, want %v", err, storage.ErrClaimDoesNotExist)
	}
	if err := d.Claims().Update(ctx, "orders", project, claimID, storage.ClaimOptions{TTL: time.Minute}); !errors.Is(err, storage.ErrClaimDoesNotExist) {
		t.Fatalf("update expired claim err=%v, want %v", err, storage.ErrClaimDoesNotExist)
	}
	next, msgs, err := d.Claims().Create(ctx, "orders", project, storage.ClaimOptions{TTL: 30 * time.Second}, 5)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(msgs) != 2 || next == claimID {
		t.Fatalf("reclaim id=%q msgs=%d, want a new claim over 2 messages", next, len(msgs))
	}
}

func testClaimUpdate(t *testing.T, d storage.DataDriver, c *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	mustPost(t, d, "orders", 2, 2*time.Minute, clientA)
	claimID, _, err := d.Claims().Create(ctx, "orders", project, storage.ClaimOptions{TTL: time.Minute}, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	c.Advance(20 * time.Second)
	opts := storage.ClaimOptions{TTL: 5 * time.Minute, Grace: 30 * time.Second}
	if err := d.Claims().Update(ctx, "orders", project, claimID, opts); err != nil {
		t.Fatalf("update: %v", err)
	}
	claim, msgs, err := d.Claims().Get(ctx, "orders", project, claimID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if claim.TTL != 5*time.Minute || claim.Age != 0 {
		t.Fatalf("claim ttl=%s age=%s, want 5m0s and 0s", claim.TTL, claim.Age)
	}
	wantExpiry := c.Now().Add(5*time.Minute + 30*time.Second)
	for i, m := range msgs {
		if m.TTL != 5*time.Minute+30*time.Second {
			t.Fatalf("msg[%d] ttl=%s, want 5m30s", i, m.TTL)
		}
		if !m.Expires.Equal(wantExpiry) {
			t.Fatalf("msg[%d] expires=%s, want %s", i, m.Expires, wantExpiry)
		}
	}

	if err := d.Claims().Update(ctx, "orders", project, wrongID, opts); !errors.Is(err, storage.ErrClaimDoesNotExist) {
		t.Fatalf("update unknown claim err=%v, want %v", err, storage.ErrClaimDoesNotExist)
	}
	if err := d.Claims().Update(ctx, "orders", project, badID, opts); !errors.Is(err, storage.ErrClaimDoesNotExist) {
		t.Fatalf("update malformed claim err=%v, want %v", err, storage.ErrClaimDoesNotExist)
	}
}

func testClaimDeleteIsIdempotent(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	mustPost(t, d, "orders", 2, time.Minute, clientA)
	claimID, _, err := d.Claims().Create(ctx, "orders", project, storage.ClaimOptions{TTL: time.Minute}, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, id := range []string{claimID, claimID, wrongID, badID} {
		if err := d.Claims().Delete(ctx, "orders", project, id); err != nil {
			t.Fatalf("delete claim %q: %v", id, err)
		}
	}
	if err := d.Claims().Delete(ctx, "ghost", project, claimID); err != nil {
		t.Fatalf("delete claim on missing queue: %v", err)
	}
	stats := mustStats(t, d, "orders")
	if stats.Claimed != 0 || stats.Free != 2 {
		t.Fatalf("stats=%+v, want all free", stats)
	}
}

func testClaimGuardedDelete(t *testing.T, d storage.DataDriver, _ *Clock) {
	ctx := context.Background()
	mustCreateQueue(t, d, "orders")
	ids := mustPost(t, d, "orders", 2, time.Minute, clientA)
	claimID, msgs, err := d.Claims().Create(ctx, "orders", project, storage.ClaimOptions{TTL: time.Minute}, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != ids[0] {
		t.Fatalf("claimed=%+v, want %s", msgs, ids[0])
	}
	claimed, free := ids[0], ids[1]

	err = d.Messages().Delete(ctx, "orders", project, claimed, "")
	if !errors.Is(err, storage.ErrMessageIsClaimed) || !storage.IsPermission(err) {
		t.Fatalf("delete claimed without claim err=%v, want %v", err, storage.ErrMessageIsClaimed)
	}
	for _, id := range []string{wrongID, badID} {
		err = d.Messages().Delete(ctx, "orders", project, claimed, id)
		if !errors.Is(err, storage.ErrNotPermitted) {
			t.Fatalf("delete with claim %q err=%v, want %v", id, err, storage.ErrNotPermitted)
		}
	}
	if err := d.Messages().Delete(ctx, "orders", project, free, claimID); !errors.Is(err, storage.ErrNotPermitted) {
		t.Fatalf("delete unclaimed with claim err=%v, want %v", err, storage.ErrNotPermitted)
	}

	if err := d.Messages().Delete(ctx, "orders", project, claimed, claimID); err != nil {
		t.Fatalf("delete with owning claim: %v", err)
	}
	for _, id := range []string{"", claimID, wrongID, badID} {
		if err := d.Messages().Delete(ctx, "orders", project, claimed, id); err != nil {
			t.Fatalf("delete gone message with claim %q: %v", id, err)
		}
	}
	if err := d.Messages().Delete(ctx, "orders", project, badID, ""); err != nil {
		t.Fatalf("delete malformed id: %v", err)
	}
	if err := d.Messages().Delete(ctx, "orders", project, free, ""); err != nil {
		t.Fatalf("delete free message: %v", err)
	}
	if stats := mustStats(t, d, "orders"); stats.Total != 0 {
		t.Fatalf("total=%d, want 0", stats.Total)
	}
}

func collector(t *testing.T, d storage.DataDriver) storage.Collector {
	t.Helper()
	gc, ok := d.(storage.Collector)
	if !ok {
		t.Fatalf("%T does not implement storage.Collector", d)
	}
	return gc
}

func testGCKeepsHead(t *testing.T, d storage.DataDriver, c *Clock) {
	ctx := context.Background()
	gc := collector(t, d)
	mustCreateQueue(t, d, "live-head")
	mustCreateQueue(t, d, "dead-head")

	mustPost(t, d, "live-head", 4, time.Minute, clientA)
	head := mustPost(t, d, "live-head", 1, time.Hour, clientA)
	mustPost(t, d, "dead-head", 5, time.Minute, clientA)
	c.Advance(2 * time.Minute)

	res, err := gc.CollectGarbage(ctx, 0)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if res.Deleted < 8 {
		t.Fatalf("deleted=%d, want at least 8", res.Deleted)
	}

	stats := mustStats(t, d, "live-head")
	if stats.Total != 1 || stats.Oldest == nil || stats.Oldest.ID != head[0] {
		t.Fatalf("live-head stats=%+v, want only %s", stats, head[0])
	}

	// The expired head of dead-head is still there: a later post continues
	// after it, and a second sweep has nothing left to remove.
	next := mustPost(t, d, "dead-head", 1, time.Minute, clientA)
	m, err := d.Messages().Get(ctx, "dead-head", project, next[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Marker != 6 {
		t.Fatalf("marker=%d, want 6", m.Marker)
	}
	c.Advance(2 * time.Minute)
	res, err = gc.CollectGarbage(ctx, 0)
	if err != nil {
		t.Fatalf("second gc: %v", err)
	}
	stats = mustStats(t, d, "dead-head")
	if stats.Total != 0 {
		t.Fatalf("dead-head total=%d, want 0", stats.Total)
	}
	if res.Deleted < 1 {
		t.Fatalf("second sweep deleted=%d, want the previous head", res.Deleted)
	}
}

func testGCThreshold(t *testing.T, d storage.DataDriver, c *Clock) {
	ctx := context.Background()
	gc := collector(t, d)
	mustCreateQueue(t, d, "orders")
	mustPost(t, d, "orders", 3, time.Minute, clientA)
	mustPost(t, d, "orders", 1, time.Hour, clientA)
	c.Advance(2 * time.Minute)

	res, err := gc.CollectGarbage(ctx, 10)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if res.Skipped < 1 {
		t.Fatalf("skipped=%d, want the queue below threshold", res.Skipped)
	}
	if _, err := gc.CollectGarbage(ctx, 3); err != nil {
		t.Fatalf("gc: %v", err)
	}
	msgs, err := d.Messages().List(ctx, "orders", project, storage.MessageListOptions{Echo: true, IncludeClaimed: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs.Messages) != 1 || msgs.Messages[0].Marker != 4 {
		t.Fatalf("remaining=%+v, want only marker 4", msgs.Messages)
	}
}
