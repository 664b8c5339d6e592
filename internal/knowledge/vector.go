package knowledge

import (
	"container/heap"
	"math"
	"sort"
)

// ============================================================================
// VECTOR MATH
// ============================================================================

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Similarity is CosineSimilarity clamped to [0, 1], the score range used
// for retrieval.
func Similarity(a, b []float32) float64 {
	return min(max(CosineSimilarity(a, b), 0), 1)
}

// ============================================================================
// TOP-K SELECTION
// ============================================================================

// Scored pairs an item with its relevance score. Newer wins ties.
type Scored[T any] struct {
	Item  T
	Score float64
	Time  int64 // unix nanos, tiebreaker
}

func less[T any](a, b Scored[T]) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Time < b.Time
}

// scoredHeap is a min-heap keeping the k best items seen so far.
type scoredHeap[T any] []Scored[T]

func (h scoredHeap[T]) Len() int           { return len(h) }
func (h scoredHeap[T]) Less(i, j int) bool { return less(h[i], h[j]) }
func (h scoredHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *scoredHeap[T]) Push(x any) { *h = append(*h, x.(Scored[T])) }

func (h *scoredHeap[T]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK collects the k highest-scoring items offered to it.
type TopK[T any] struct {
	k int
	h scoredHeap[T]
}

// NewTopK creates a collector for k items. k <= 0 collects nothing.
func NewTopK[T any](k int) *TopK[T] {
	return &TopK[T]{k: k}
}

// Offer considers one item.
func (t *TopK[T]) Offer(s Scored[T]) {
	if t.k <= 0 {
		return
	}
	if len(t.h) < t.k {
		heap.Push(&t.h, s)
		return
	}
	if less(t.h[0], s) {
		t.h[0] = s
		heap.Fix(&t.h, 0)
	}
}

// Result returns the collected items, best first.
func (t *TopK[T]) Result() []Scored[T] {
	out := make([]Scored[T], len(t.h))
	copy(out, t.h)
	SortScored(out)
	return out
}

// SortScored orders items by descending score, newer first on ties.
func SortScored[T any](items []Scored[T]) {
	sort.SliceStable(items, func(i, j int) bool {
		return less(items[j], items[i])
	})
}
