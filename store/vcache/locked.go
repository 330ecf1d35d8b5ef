package vcache

import "sync"

// Locked serialises every call on a Cache with a mutex. It is the external
// synchronisation a Cache needs when shared between goroutines.
type Locked struct {
	mu sync.Mutex
	c  *Cache
}

// NewLocked wraps c.
func NewLocked(c *Cache) *Locked {
	return &Locked{c: c}
}

func (l *Locked) Put(oid string, vector []float32, metadata map[string]any) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Put(oid, vector, metadata)
}

func (l *Locked) Get(oid string) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Get(oid)
}

func (l *Locked) Peek(oid string) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Peek(oid)
}

func (l *Locked) SearchSimilar(query []float32, k int, threshold float64) []Match {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.SearchSimilar(query, k, threshold)
}

func (l *Locked) Remove(oid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Remove(oid)
}

func (l *Locked) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Clear()
}

func (l *Locked) DrainPromotions() []PromotionCandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.DrainPromotions()
}

func (l *Locked) PeekPromotions() []PromotionCandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.PeekPromotions()
}

func (l *Locked) Statistics() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Statistics()
}

func (l *Locked) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
