// Package dedup collapses repeated deliveries of the same logical event.
//
// Items reach a session view both as direct-write acknowledgments and as change-feed
// echoes, possibly several times each. Set and Log guarantee that each identity takes
// effect once, whichever path delivers it first.
package dedup

import (
	"sort"
	"sync"
)

// Set records seen identities.
type Set struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Apply returns true the first time id is seen and false on every repeat.
func (s *Set) Apply(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// Seen reports whether id has been applied.
func (s *Set) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Len returns the number of distinct identities applied.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Reset forgets every identity. Called on session teardown.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]struct{})
}

// Log is an append-only, deduplicated collection kept in display order.
type Log[T any] struct {
	mu    sync.RWMutex
	key   func(T) string
	less  func(a, b T) bool
	seen  *Set
	items []T
}

// NewLog returns a Log keyed by key and ordered by less.
// A nil less keeps arrival order.
func NewLog[T any](key func(T) string, less func(a, b T) bool) *Log[T] {
	return &Log[T]{
		key:  key,
		less: less,
		seen: NewSet(),
	}
}

// Apply inserts item if its identity is new and reports whether it did.
func (l *Log[T]) Apply(item T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.seen.Apply(l.key(item)) {
		return false
	}
	if l.less == nil {
		l.items = append(l.items, item)
		return true
	}

	i := sort.Search(len(l.items), func(i int) bool {
		return l.less(item, l.items[i])
	})
	var zero T
	l.items = append(l.items, zero)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = item
	return true
}

// Items returns a copy of the collection in order.
func (l *Log[T]) Items() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Seen reports whether an item with this identity has been applied.
func (l *Log[T]) Seen(id string) bool {
	return l.seen.Seen(id)
}

// Len returns the number of items.
func (l *Log[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Reset drops every item and identity.
func (l *Log[T]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.seen.Reset()
}
