package store

// PrefixStore wraps a Store, prepending a fixed prefix to every key.
//
// It lets independent subsystems (or several process groups) share one
// underlying store without colliding: each gets its own namespace.
type PrefixStore struct {
	prefix string
	base   Store
}

var _ Store = (*PrefixStore)(nil)

// NewPrefixStore returns a view of base where every key is prefixed with
// prefix. Nesting PrefixStores concatenates their prefixes.
func NewPrefixStore(prefix string, base Store) *PrefixStore {
	return &PrefixStore{prefix: prefix, base: base}
}

func (s *PrefixStore) key(key string) string { return s.prefix + key }

// Set writes value under the prefixed key.
func (s *PrefixStore) Set(key string, value []byte) error {
	return s.base.Set(s.key(key), value)
}

// Get blocks for the prefixed key, with the underlying store's timeout.
func (s *PrefixStore) Get(key string) ([]byte, error) {
	return s.base.Get(s.key(key))
}

// Check reports whether all prefixed keys are present.
func (s *PrefixStore) Check(keys ...string) (bool, error) {
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.key(key)
	}
	return s.base.Check(prefixed...)
}

// Delete removes the prefixed key.
func (s *PrefixStore) Delete(key string) (bool, error) {
	return s.base.Delete(s.key(key))
}

// NumKeys returns the number of keys in the underlying store, including keys
// outside this prefix. It mirrors the behavior of sharing one store: the
// count is global, not per-namespace.
func (s *PrefixStore) NumKeys() (int, error) {
	return s.base.NumKeys()
}
