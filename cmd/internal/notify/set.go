// Package notify provides the callback registries used by the collaboration packages.
package notify

import "sync"

// Set is an ordered set of registered callbacks.
//
// Callbacks are invoked in registration order. Cancel funcs are idempotent and may be
// called from inside a callback.
type Set[F any] struct {
	mu      sync.Mutex
	next    uint64
	entries []entry[F]
}

type entry[F any] struct {
	id uint64
	fn F
}

// Add registers fn and returns its cancel func.
func (s *Set[F]) Add(fn F) (cancel func()) {
	s.mu.Lock()
	s.next++
	id := s.next
	s.entries = append(s.entries, entry[F]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Set[F]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// Snapshot returns the callbacks registered right now.
func (s *Set[F]) Snapshot() []F {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]F, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.fn)
	}
	return out
}

// Len reports the number of registered callbacks.
func (s *Set[F]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear drops every registered callback.
func (s *Set[F]) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}
