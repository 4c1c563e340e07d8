package agents

import "container/heap"

// decisionHeap is a min-heap on desirability, used to keep the k best.
type decisionHeap []Decision

func (h decisionHeap) Len() int           { return len(h) }
func (h decisionHeap) Less(i, j int) bool { return h[i].Desirability < h[j].Desirability }
func (h decisionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *decisionHeap) Push(x any) {
	*h = append(*h, x.(Decision))
}

func (h *decisionHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}

// topK retains the k most desirable candidates seen. k == 1 skips the heap.
type topK struct {
	k    int
	best Decision
	seen bool
	h    decisionHeap
}

func newTopK(k int) *topK {
	return &topK{k: k}
}

func (t *topK) offer(d Decision) {
	if t.k == 1 {
		if !t.seen || d.Desirability > t.best.Desirability {
			t.best = d
			t.seen = true
		}
		return
	}
	if t.h.Len() < t.k {
		heap.Push(&t.h, d)
		return
	}
	if d.Desirability > t.h[0].Desirability {
		t.h[0] = d
		heap.Fix(&t.h, 0)
	}
}

// drain returns the retained candidates, most desirable first.
func (t *topK) drain() []Decision {
	if t.k == 1 {
		if !t.seen {
			return nil
		}
		return []Decision{t.best}
	}
	out := make([]Decision, t.h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.h).(Decision)
	}
	return out
}
