// Package store provides the key-value rendezvous store process groups use to
// exchange bootstrap information, such as collective unique ids.
//
// A Store is shared by all processes of a group. Writes are visible to every
// process, and reads block until the requested key has been written by
// someone, which is what makes the store usable as the only signalling
// channel between processes during group setup.
//
// HashStore is the in-process implementation; TCPStoreServer/TCPStoreClient
// serve a HashStore to remote processes over TCP. PrefixStore namespaces an
// existing store so independent users can share one.
package store

import (
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned by Get when the key was not produced within the
	// store's timeout.
	ErrTimeout = errors.New("store: timed out waiting for key")

	// ErrClosed is returned by operations on a closed store. Waiters blocked
	// in Get are released with ErrClosed when the store closes.
	ErrClosed = errors.New("store: closed")
)

// DefaultTimeout is how long Get blocks for a missing key before giving up,
// unless changed with SetTimeout.
const DefaultTimeout = 5 * time.Minute

// Store is the key-value surface process groups rendezvous through.
//
// All implementations must be safe for concurrent use: the whole point of a
// store is that several processes (or goroutines standing in for processes)
// hit it at once.
type Store interface {
	// Set writes value under key, overwriting any previous value, and wakes
	// any Get blocked on key.
	Set(key string, value []byte) error

	// Get returns the value for key, blocking until some process sets it.
	// It fails with ErrTimeout if the key does not appear within the store's
	// timeout, and with ErrClosed if the store closes while waiting.
	Get(key string) ([]byte, error)

	// Check reports whether all given keys are currently present. It never
	// blocks.
	Check(keys ...string) (bool, error)

	// Delete removes key, reporting whether it was present.
	Delete(key string) (bool, error)

	// NumKeys returns the number of keys currently stored.
	NumKeys() (int, error)
}
