// Package packstore is the thin adapter the replication engine's Fetch
// phase calls into (§4.6 step 4): it turns a wire pack — a sequence of
// length-prefixed objects — into individual Store.Put calls, and serves
// single-object reads straight from the wrapped Store.
package packstore

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/radicle-go/ribc/objectstore"
	"github.com/radicle-go/ribc/urn"
)

// Store wraps an objectstore.Store with pack-oriented bulk operations.
type Store struct {
	objectstore.Store
}

// New wraps an existing object store.
func New(s objectstore.Store) *Store {
	return &Store{Store: s}
}

// WritePack unpacks a sequence of uint32-length-prefixed object bodies and
// writes each one through to the wrapped Store, returning the URNs
// assigned in pack order.
func (s *Store) WritePack(pack []byte) ([]urn.URN, error) {
	var out []urn.URN
	r := pack
	for len(r) > 0 {
		if len(r) < 4 {
			return nil, fmt.Errorf("packstore: truncated length prefix")
		}
		n := binary.BigEndian.Uint32(r[:4])
		r = r[4:]
		if uint64(len(r)) < uint64(n) {
			return nil, fmt.Errorf("packstore: truncated object body (want %d, have %d)", n, len(r))
		}
		body := r[:n]
		r = r[n:]
		id, err := s.Put(body)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// ReadObject fetches a single object by its URN.
func (s *Store) ReadObject(id urn.URN) ([]byte, error) {
	return s.Get(id)
}

// EncodePack is the inverse of WritePack's framing, used by the sending
// side of a replication Fetch to build the bytes a peer will unpack.
func EncodePack(w io.Writer, objects [][]byte) error {
	for _, obj := range objects {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(obj)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(obj); err != nil {
			return err
		}
	}
	return nil
}
