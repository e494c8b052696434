// Package xsync implements the small synchronization helpers used across godist.
package xsync

import "sync"

// Latch is a trigger-once signal that can be tested and waited for.
//
// Once triggered it stays triggered forever. The zero value is not usable,
// create one with NewLatch.
type Latch struct {
	mu   sync.Mutex
	done chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trigger the latch, releasing current and future waiters.
// Triggering an already triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

// Triggered reports whether the latch has been triggered. Never blocks.
func (l *Latch) Triggered() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.done
}

// Chan returns a channel that is closed when the latch triggers, for use
// in select statements.
func (l *Latch) Chan() <-chan struct{} {
	return l.done
}

// SyncMap wraps sync.Map with typed keys and values.
//
// Like sync.Map, the zero value is ready to use and it must not be copied
// after first use.
type SyncMap[K comparable, V any] struct {
	m sync.Map
}

// Load returns the value stored for key, if any.
func (s *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := s.m.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for key.
func (s *SyncMap[K, V]) Store(key K, value V) {
	s.m.Store(key, value)
}

// LoadOrStore returns the existing value for key if present, otherwise it
// stores and returns value. loaded is true if the value was already there.
func (s *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := s.m.LoadOrStore(key, value)
	return v.(V), loaded
}

// Delete removes the value for key.
func (s *SyncMap[K, V]) Delete(key K) {
	s.m.Delete(key)
}

// Range calls f for each key/value pair until f returns false.
func (s *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	s.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
