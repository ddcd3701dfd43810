// Package objectstoretest is a conformance suite shared by every
// objectstore.Store backend, adapted from the teacher's storage/testkit.
package objectstoretest

import (
	"bytes"
	"testing"

	"github.com/multiformats/go-multihash"

	"github.com/radicle-go/ribc/objectstore"
	"github.com/radicle-go/ribc/urn"
)

// NewStore constructs a fresh, empty Store for a test.
type NewStore func(t *testing.T) objectstore.Store

// Run exercises the common Store contract against newStore.
func Run(t *testing.T, newStore NewStore) {
	t.Helper()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		store := newStore(t)
		want := []byte("hello, ribc object store")

		id, err := store.Put(want)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := store.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get bytes mismatch")
		}
	})

	t.Run("PutIdempotent", func(t *testing.T) {
		store := newStore(t)
		b := []byte("same bytes")
		id1, err := store.Put(b)
		if err != nil {
			t.Fatalf("Put(1): %v", err)
		}
		id2, err := store.Put(b)
		if err != nil {
			t.Fatalf("Put(2): %v", err)
		}
		if !id1.Equal(id2) {
			t.Fatalf("Put not idempotent: %s vs %s", id1, id2)
		}
	})

	t.Run("HasAndNotFound", func(t *testing.T) {
		store := newStore(t)
		b := []byte("missing")
		probe, err := store.Put(b)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if !store.Has(probe) {
			t.Fatalf("Has returned false after Put")
		}

		undef := urn.Undef
		if store.Has(undef) {
			t.Fatalf("Has should be false for undefined urn")
		}
		if _, err := store.Get(undef); err == nil {
			t.Fatalf("Get should fail for undefined urn")
		}
	})

	t.Run("RejectUnknownURN", func(t *testing.T) {
		store := newStore(t)
		unknown, err := urn.New("object-v1", []byte("never written"), multihash.SHA2_256)
		if err != nil {
			t.Fatalf("urn.New: %v", err)
		}
		if store.Has(unknown) {
			t.Fatalf("Has returned true for an object never written")
		}
		if _, err := store.Get(unknown); !objectstore.IsNotFound(err) {
			t.Fatalf("Get unknown: got err=%v, want ErrNotFound", err)
		}
	})
}
