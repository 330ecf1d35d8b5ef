package index

import (
	"container/heap"
	"sort"

	tieredcache "github.com/wolfeidau/tiered-cache"
)

// Flat is an exhaustive inner-product index. Vectors live in a dense slice
// so removal swaps the last slot into the hole.
type Flat struct {
	dim     int
	ids     []string
	vectors [][]float32
	slots   map[string]int
}

var _ Index = (*Flat)(nil)

// NewFlat creates an empty flat index for vectors of dimension dim.
func NewFlat(dim int) *Flat {
	return &Flat{
		dim:   dim,
		slots: make(map[string]int),
	}
}

// Dim returns the configured dimensionality.
func (f *Flat) Dim() int {
	return f.dim
}

// Add inserts or replaces the vector for id. The vector is copied.
func (f *Flat) Add(id string, vec []float32) {
	v := tieredcache.CloneVector(vec)
	if slot, ok := f.slots[id]; ok {
		f.vectors[slot] = v
		return
	}
	f.slots[id] = len(f.ids)
	f.ids = append(f.ids, id)
	f.vectors = append(f.vectors, v)
}

// Remove deletes id from the index.
func (f *Flat) Remove(id string) bool {
	slot, ok := f.slots[id]
	if !ok {
		return false
	}
	last := len(f.ids) - 1
	if slot != last {
		f.ids[slot] = f.ids[last]
		f.vectors[slot] = f.vectors[last]
		f.slots[f.ids[slot]] = slot
	}
	f.ids[last] = ""
	f.vectors[last] = nil
	f.ids = f.ids[:last]
	f.vectors = f.vectors[:last]
	delete(f.slots, id)
	return true
}

// Search scores every stored vector and keeps the best k in a min-heap.
// Ties are ordered by id so results are deterministic.
func (f *Flat) Search(query []float32, k int) []Match {
	if k <= 0 || len(f.ids) == 0 || len(query) != f.dim {
		return nil
	}

	h := make(matchHeap, 0, min(k, len(f.ids)))
	for i, v := range f.vectors {
		m := Match{ID: f.ids[i], Score: tieredcache.Dot(query, v)}
		if len(h) < k {
			heap.Push(&h, m)
			continue
		}
		if better(m, h[0]) {
			h[0] = m
			heap.Fix(&h, 0)
		}
	}

	out := []Match(h)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// Len returns the number of stored vectors.
func (f *Flat) Len() int {
	return len(f.ids)
}

// Reset drops all vectors.
func (f *Flat) Reset() {
	f.ids = nil
	f.vectors = nil
	f.slots = make(map[string]int)
}

// better reports whether a ranks ahead of b.
func better(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// matchHeap is a min-heap keyed on rank: the root is the worst kept match.
type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *matchHeap) Push(x any) {
	*h = append(*h, x.(Match))
}

func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
