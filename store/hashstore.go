package store

import (
	"slices"
	"sync"
	"time"

	"github.com/emirpasic/gods/v2/trees/redblacktree"
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

// HashStore is an in-memory Store.
//
// It is the store of choice when all group members live in one process (tests,
// benchmarks, single-host setups), and it backs TCPStoreServer for everything
// else. The key table is kept sorted so Keys enumerates deterministically.
type HashStore struct {
	mu      sync.Mutex
	data    *redblacktree.Tree[string, []byte]
	waiters map[string][]chan []byte
	timeout time.Duration
	closed  bool
}

var _ Store = (*HashStore)(nil)

// NewHashStore returns an empty HashStore with DefaultTimeout.
func NewHashStore() *HashStore {
	return &HashStore{
		data:    redblacktree.New[string, []byte](),
		waiters: make(map[string][]chan []byte),
		timeout: DefaultTimeout,
	}
}

// SetTimeout changes how long Get blocks for a missing key.
// A zero or negative duration means block forever.
func (s *HashStore) SetTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
}

// Set writes value under key and delivers it to any blocked Get.
func (s *HashStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WithMessagef(ErrClosed, "Set(%q)", key)
	}
	value = slices.Clone(value)
	s.data.Put(key, value)
	for _, ch := range s.waiters[key] {
		ch <- slices.Clone(value) // Buffered, never blocks.
	}
	delete(s.waiters, key)
	return nil
}

// Get returns the value for key, blocking until it is set, the store's
// timeout elapses (ErrTimeout) or the store closes (ErrClosed).
func (s *HashStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.WithMessagef(ErrClosed, "Get(%q)", key)
	}
	if value, found := s.data.Get(key); found {
		s.mu.Unlock()
		return slices.Clone(value), nil
	}
	ch := make(chan []byte, 1)
	s.waiters[key] = append(s.waiters[key], ch)
	timeout := s.timeout
	s.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case value, ok := <-ch:
		if !ok {
			return nil, errors.WithMessagef(ErrClosed, "Get(%q)", key)
		}
		return value, nil
	case <-timeoutCh:
		s.removeWaiter(key, ch)
		// The value may have been delivered while we were acquiring the lock.
		select {
		case value, ok := <-ch:
			if ok {
				return value, nil
			}
		default:
		}
		return nil, errors.WithMessagef(ErrTimeout, "Get(%q) after %s", key, timeout)
	}
}

func (s *HashStore) removeWaiter(key string, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[key]
	for i, w := range list {
		if w == ch {
			essentials.UnorderedDelete(&list, i)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, key)
	} else {
		s.waiters[key] = list
	}
}

// Check reports whether all keys are present. Never blocks.
func (s *HashStore) Check(keys ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errors.WithMessage(ErrClosed, "Check")
	}
	for _, key := range keys {
		if _, found := s.data.Get(key); !found {
			return false, nil
		}
	}
	return true, nil
}

// Delete removes key, reporting whether it was present.
func (s *HashStore) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errors.WithMessagef(ErrClosed, "Delete(%q)", key)
	}
	if _, found := s.data.Get(key); !found {
		return false, nil
	}
	s.data.Remove(key)
	return true, nil
}

// NumKeys returns the number of keys currently stored.
func (s *HashStore) NumKeys() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.WithMessage(ErrClosed, "NumKeys")
	}
	return s.data.Size(), nil
}

// Keys returns all keys in sorted order. Mostly useful for debugging and
// tests.
func (s *HashStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Keys()
}

// Close marks the store closed and releases every blocked Get with ErrClosed.
// Further operations fail with ErrClosed. Closing twice is a no-op.
func (s *HashStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, list := range s.waiters {
		for _, ch := range list {
			close(ch)
		}
	}
	s.waiters = make(map[string][]chan []byte)
	return nil
}
