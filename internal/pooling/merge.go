package pooling

import (
	"container/heap"

	"github.com/nuetzliches/claimq/internal/storage"
)

type cursor struct {
	queues []storage.Queue
	pos    int
}

type queueHeap []*cursor

func (h queueHeap) Len() int { return len(h) }
func (h queueHeap) Less(i, j int) bool {
	return h[i].queues[h[i].pos].Name < h[j].queues[h[j].pos].Name
}
func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *queueHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// mergeQueues k-way merges name-sorted pages into one sorted page of at
// most limit queues. A name present in several pages is kept once.
func mergeQueues(pages [][]storage.Queue, limit int) []storage.Queue {
	h := make(queueHeap, 0, len(pages))
	for _, p := range pages {
		if len(p) > 0 {
			h = append(h, &cursor{queues: p})
		}
	}
	heap.Init(&h)

	out := make([]storage.Queue, 0, limit)
	for h.Len() > 0 && len(out) < limit {
		c := h[0]
		q := c.queues[c.pos]
		if n := len(out); n == 0 || out[n-1].Name != q.Name {
			out = append(out, q)
		}
		c.pos++
		if c.pos == len(c.queues) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return out
}
