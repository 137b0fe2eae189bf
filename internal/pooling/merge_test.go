package pooling

import (
	"fmt"
	"testing"

	"github.com/nuetzliches/claimq/internal/storage"
)

func queues(names ...string) []storage.Queue {
	out := make([]storage.Queue, 0, len(names))
	for _, n := range names {
		out = append(out, storage.Queue{Name: n})
	}
	return out
}

func TestMergeQueues(t *testing.T) {
	cases := []struct {
		pages [][]storage.Queue
		limit int
		want  string
	}{
		{nil, 10, "[]"},
		{[][]storage.Queue{queues("a", "c", "e"), queues("b", "d")}, 10, "[a b c d e]"},
		{[][]storage.Queue{queues("a", "c", "e"), queues("b", "d")}, 3, "[a b c]"},
		{[][]storage.Queue{queues(), queues("x"), nil}, 5, "[x]"},
		{[][]storage.Queue{queues("a", "b"), queues("b", "c")}, 10, "[a b c]"},
	}
	for i, tc := range cases {
		got := fmt.Sprint(names(mergeQueues(tc.pages, tc.limit)))
		if got != tc.want {
			t.Fatalf("case %d: merge=%s, want %s", i, got, tc.want)
		}
	}
}

func TestPickWeighted(t *testing.T) {
	pools := []storage.Pool{
		{Name: "a", Weight: 1},
		{Name: "off", Weight: 0},
		{Name: "b", Weight: 3},
	}
	cases := []struct {
		r    float64
		want string
	}{
		{0, "a"},
		{0.24, "a"},
		{0.25, "b"},
		{0.99, "b"},
		{1, "b"},
	}
	for _, tc := range cases {
		p, ok := pickWeighted(pools, tc.r)
		if !ok || p.Name != tc.want {
			t.Fatalf("pickWeighted(%v)=%q ok=%v, want %q", tc.r, p.Name, ok, tc.want)
		}
	}
	if _, ok := pickWeighted([]storage.Pool{{Name: "off"}}, 0.5); ok {
		t.Fatalf("expected no pool when all weights are zero")
	}
	if _, ok := pickWeighted(nil, 0.5); ok {
		t.Fatalf("expected no pool for empty registry")
	}
}
