// Package events provides typed publish/subscribe subjects.
//
// Every browser, network and content-script event in webscience flows through a
// Subject. Subscribing returns an Unsubscribe func, so a study can drop all of its
// listeners when it stops instead of leaving them installed for the process lifetime.
package events

import (
	"sync"
)

// Unsubscribe removes a listener. Calling it more than once is a no-op.
type Unsubscribe func()

// Listener receives one event.
type Listener[T any] func(event T)

// Filter decides whether a listener sees an event.
type Filter[T any] func(event T) bool

type subscription[T any] struct {
	id       uint64
	listener Listener[T]
	filter   Filter[T]
}

// Subject fans events out to its subscribers in registration order.
type Subject[T any] struct {
	name   string
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]

	// onFirst and onLast run when the subject gains its first listener or loses
	// its last one, so hosts can skip capturing events nobody listens to.
	onFirst func()
	onLast  func()
}

// NewSubject creates an empty subject.
func NewSubject[T any](name string) *Subject[T] {
	return &Subject[T]{name: name}
}

// Name returns the subject name used in logs.
func (s *Subject[T]) Name() string {
	return s.name
}

// SetLifecycleHooks registers callbacks for the first subscribe and last unsubscribe.
func (s *Subject[T]) SetLifecycleHooks(onFirst, onLast func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFirst = onFirst
	s.onLast = onLast
}

// Subscribe adds a listener that sees every event.
func (s *Subject[T]) Subscribe(listener Listener[T]) Unsubscribe {
	return s.SubscribeFiltered(listener, nil)
}

// SubscribeFiltered adds a listener that only sees events accepted by filter.
func (s *Subject[T]) SubscribeFiltered(listener Listener[T], filter Filter[T]) Unsubscribe {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	first := len(s.subs) == 0
	s.subs = append(s.subs, subscription[T]{id: id, listener: listener, filter: filter})
	hook := s.onFirst
	s.mu.Unlock()

	if first && hook != nil {
		hook()
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	removed := false
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			removed = true
			break
		}
	}
	last := removed && len(s.subs) == 0
	hook := s.onLast
	s.mu.Unlock()

	if last && hook != nil {
		hook()
	}
}

// Publish delivers event to every matching listener synchronously.
// Listeners may subscribe or unsubscribe while being called.
func (s *Subject[T]) Publish(event T) {
	s.mu.RLock()
	subs := make([]subscription[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		sub.listener(event)
	}
}

// Len returns the number of listeners.
func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Group collects unsubscribe funcs so they can be released together.
type Group struct {
	mu    sync.Mutex
	funcs []Unsubscribe
}

// Add records an unsubscribe func.
func (g *Group) Add(u Unsubscribe) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.funcs = append(g.funcs, u)
}

// Close unsubscribes everything in reverse order of registration.
func (g *Group) Close() {
	g.mu.Lock()
	funcs := g.funcs
	g.funcs = nil
	g.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		funcs[i]()
	}
}
