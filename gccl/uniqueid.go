package gccl

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gomlx/godist/store"
)

// UniqueID identifies one clique of communicators. All members must be
// created with the same id; it is generated by one process (by convention
// rank 0) and distributed to the others out of band, usually through a
// store.Store.
type UniqueID [16]byte

// GetUniqueID generates a fresh random UniqueID.
func GetUniqueID() UniqueID {
	return UniqueID(uuid.New())
}

// String implements fmt.Stringer.
func (id UniqueID) String() string {
	return uuid.UUID(id).String()
}

// exchangeUniqueID agrees on one UniqueID among all ranks through the store:
// rank 0 generates it and publishes it under key, every other rank blocks
// reading that key. The key is derived from the device set, so each distinct
// device set of a group exchanges exactly once.
func exchangeUniqueID(st store.Store, rank int, key string) (UniqueID, error) {
	if rank == 0 {
		id := GetUniqueID()
		if err := st.Set(key, id[:]); err != nil {
			return UniqueID{}, errors.WithMessagef(err, "publishing unique id under %q", key)
		}
		return id, nil
	}
	raw, err := st.Get(key)
	if err != nil {
		return UniqueID{}, errors.WithMessagef(err, "waiting for rank 0's unique id under %q", key)
	}
	if len(raw) != len(UniqueID{}) {
		return UniqueID{}, errors.Errorf("unique id under %q has %d bytes, expected %d", key, len(raw), len(UniqueID{}))
	}
	return UniqueID(raw), nil
}
