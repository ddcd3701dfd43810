// Package objectstore is the content-addressed object store consumed by
// refdb targets, identity revisions, and signed-refs manifests (§6).
//
// Contract (carried verbatim from the teacher's storage.CAS):
//   - Put is idempotent.
//   - Stored objects are immutable.
//   - URNs are derived from the bytes written; callers supply canonical bytes.
//   - Get returns ErrNotFound when the URN is absent.
package objectstore

import (
	"errors"

	"github.com/radicle-go/ribc/urn"
)

var (
	ErrNotFound   = errors.New("objectstore: object not found")
	ErrInvalidURN = errors.New("objectstore: invalid urn")
	ErrURNMismatch = errors.New("objectstore: stored bytes do not match requested urn")
	ErrImmutable  = errors.New("objectstore: existing object does not match write")
)

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Store is a minimal content-addressable object store, keyed by urn.URN
// instead of the teacher's cid.Cid.
type Store interface {
	Put(data []byte) (urn.URN, error)
	Get(id urn.URN) ([]byte, error)
	Has(id urn.URN) bool
}

// MultiStore reads through an ordered list of Stores, falling back to the
// next on a miss, and writes only to the first — hydration order is caller
// supplied and fixed, mirroring the teacher's storage.MultiCAS.
type MultiStore struct {
	Stores []Store
}

func (m MultiStore) Put(data []byte) (urn.URN, error) {
	if len(m.Stores) == 0 {
		return urn.Undef, errors.New("objectstore: MultiStore has no backends")
	}
	return m.Stores[0].Put(data)
}

func (m MultiStore) Get(id urn.URN) ([]byte, error) {
	var lastErr error = ErrNotFound
	for _, s := range m.Stores {
		data, err := s.Get(id)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (m MultiStore) Has(id urn.URN) bool {
	for _, s := range m.Stores {
		if s.Has(id) {
			return true
		}
	}
	return false
}

// NamedStore pairs a Store with a label, used by ReplicatingStore error
// reporting.
type NamedStore struct {
	Name  string
	Store Store
}

// ReplicatingStore writes to every backend in order and requires each one's
// returned URN to agree with the canonical URN (the first backend's), after
// the teacher's storage.ReplicatingCAS. It does not roll back: when a later
// backend fails or disagrees, the backends already written keep the object.
type ReplicatingStore struct {
	Backends []NamedStore
}

func (r ReplicatingStore) Put(data []byte) (urn.URN, error) {
	if len(r.Backends) == 0 {
		return urn.Undef, errors.New("objectstore: ReplicatingStore has no backends")
	}
	canonical, err := r.Backends[0].Store.Put(data)
	if err != nil {
		return urn.Undef, err
	}
	for _, nb := range r.Backends[1:] {
		id, err := nb.Store.Put(data)
		if err != nil {
			return urn.Undef, err
		}
		if !id.Equal(canonical) {
			return urn.Undef, errURNMismatchFrom(nb.Name, canonical, id)
		}
	}
	return canonical, nil
}

func (r ReplicatingStore) Get(id urn.URN) ([]byte, error) {
	if len(r.Backends) == 0 {
		return nil, ErrNotFound
	}
	return r.Backends[0].Store.Get(id)
}

func (r ReplicatingStore) Has(id urn.URN) bool {
	if len(r.Backends) == 0 {
		return false
	}
	return r.Backends[0].Store.Has(id)
}

func errURNMismatchFrom(backend string, want, got urn.URN) error {
	return &urnMismatchError{backend: backend, want: want, got: got}
}

type urnMismatchError struct {
	backend   string
	want, got urn.URN
}

func (e *urnMismatchError) Error() string {
	return "objectstore: backend " + e.backend + " returned " + e.got.String() + ", want " + e.want.String()
}

func (e *urnMismatchError) Unwrap() error { return ErrURNMismatch }
