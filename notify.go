package requery

import "sync"

// listenerSet fans events out to subscribers registered through
// subscribe-returns-disposer functions. A panicking listener is recovered
// and logged; it never corrupts engine state or starves other listeners.
type listenerSet[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(T)
	log    Logger
}

func newListenerSet[T any](log Logger) *listenerSet[T] {
	return &listenerSet[T]{subs: make(map[int]func(T)), log: log}
}

func (s *listenerSet[T]) subscribe(fn func(T)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *listenerSet[T]) notify(ev T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		s.call(fn, ev)
	}
}

func (s *listenerSet[T]) call(fn func(T), ev T) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("listener panicked", Fields{"panic": rec})
		}
	}()
	fn(ev)
}

func (s *listenerSet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
