// Package index provides similarity indexes over L2-normalized vectors.
package index

// Match is a single search hit.
type Match struct {
	ID    string
	Score float64
}

// Index ranks stored vectors against a query by inner product. Vectors are
// expected to be L2-normalized by the caller so scores are cosine similarity.
//
// Implementations are not safe for concurrent mutation.
type Index interface {
	// Add inserts or replaces the vector stored under id.
	Add(id string, vec []float32)
	// Remove deletes id, reporting whether it was present.
	Remove(id string) bool
	// Search returns at most k matches sorted by descending score.
	Search(query []float32, k int) []Match
	// Len returns the number of stored vectors.
	Len() int
	// Reset drops every stored vector.
	Reset()
}
