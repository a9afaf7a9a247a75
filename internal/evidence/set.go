package evidence

import "sync"

// Set is the append-only evidence collection of one research session.
// Add is safe for concurrent use.
type Set struct {
	mu    sync.RWMutex
	items []Item
}

// NewSet returns an empty evidence set.
func NewSet() *Set { return &Set{} }

// Add appends items to the set.
func (s *Set) Add(items ...Item) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	s.items = append(s.items, items...)
	s.mu.Unlock()
}

// Items returns a copy of the accumulated items in insertion order.
func (s *Set) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of items collected so far.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// CountByKind returns how many items of kind the set holds.
func (s *Set) CountByKind(kind SourceKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}
