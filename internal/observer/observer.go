// Package observer implements multi-subscriber callbacks with cancellation
// handles.
package observer

import "sync"

// Set holds independent subscribers for one event kind.
// The zero value is ready to use.
type Set[T any] struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(T)
	ids  []uint64
}

// Subscribe registers fn and returns a function that removes it.
// The returned cancel function is idempotent.
func (s *Set[T]) Subscribe(fn func(T)) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(T))
	}
	s.next++
	id := s.next
	s.fns[id] = fn
	s.ids = append(s.ids, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Set[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.fns, id)
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			break
		}
	}
}

// Notify calls every subscriber in subscription order.
// Subscribers run on the caller's goroutine and must not block.
func (s *Set[T]) Notify(v T) {
	s.mu.RLock()
	fns := make([]func(T), 0, len(s.ids))
	for _, id := range s.ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of active subscribers.
func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
