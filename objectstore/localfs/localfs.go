// Package localfs is a filesystem-backed objectstore.Store, adapted from
// the teacher's storage/localfs: immutable one-file-per-object layout with
// O_EXCL-then-compare enforcement of content addressing, retargeted from
// cid.Cid to urn.URN.
//
// Unlike the teacher's CAS, this store's objects aren't all the same
// shape: an identity document (identity-v1), an identity revision
// (identity-rev-v1), and everything else (pack blobs, signed-refs
// manifests, raw head content — object-v1) all flow through the same
// Put. Put sniffs which one it was handed and tags the returned URN
// accordingly, so a URN this store produces for a document carries the
// same codec identity.Hash would independently derive for it (required
// for I5's root-hash comparison to ever succeed) — and the on-disk
// fan-out shards first by that codec, then by hash suffix, so the three
// kinds of object never share a directory.
package localfs

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/multiformats/go-multihash"
	"github.com/ugorji/go/codec"

	"github.com/radicle-go/ribc/objectstore"
	"github.com/radicle-go/ribc/urn"
)

// Codec tags objects through this store whose canonical shape isn't
// recognised as an identity document or revision (pack blobs,
// signed-refs manifests, raw head content).
const Codec = "object-v1"

// docCodec and revCodec mirror identity.Hash/identity.HashRevision's own
// codec tags exactly, so a URN this store derives for a document or
// revision's bytes is bit-for-bit the same URN those functions would
// derive independently from the same bytes.
const (
	docCodec = "identity-v1"
	revCodec = "identity-rev-v1"
)

func cborHandle() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	return h
}

// SniffCodec inspects data's top-level CBOR map keys to tell an identity
// document's canonical encoding (identity.Canonicalize) apart from an
// identity revision's (identity.CanonicalizeRevision) and from everything
// else an objectstore.Store is asked to hold, which isn't canonical CBOR
// at all (signedrefs.Canonicalize's sorted text lines, raw pack bytes).
// Exported so other Store implementations (ipfscli) tag objects with the
// same codec localfs would, keeping a document's URN identical across
// backends.
func SniffCodec(data []byte) string {
	var wire map[string]any
	if err := codec.NewDecoder(bytes.NewReader(data), cborHandle()).Decode(&wire); err != nil {
		return Codec
	}
	if _, ok := wire["schemaVersion"]; ok {
		if _, ok := wire["quorum"]; ok {
			return docCodec
		}
	}
	if _, ok := wire["documentHash"]; ok {
		if _, ok := wire["signatures"]; ok {
			return revCodec
		}
	}
	return Codec
}

// Store is an offline, deterministic filesystem object store: it never
// touches the network and never depends on wall-clock time.
type Store struct {
	root   string
	hashFn uint64
}

// New constructs a filesystem Store rooted at root, creating it if needed.
// hashFn selects the multihash function objects are addressed with
// (multihash.SHA2_256 by default).
func New(root string, hashFn uint64) (*Store, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	if hashFn == 0 {
		hashFn = multihash.SHA2_256
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, hashFn: hashFn}, nil
}

func (s *Store) idFor(data []byte) (urn.URN, error) {
	return urn.New(SniffCodec(data), data, s.hashFn)
}

func (s *Store) Put(data []byte) (urn.URN, error) {
	id, err := s.idFor(data)
	if err != nil {
		return urn.Undef, err
	}
	if !id.Defined() {
		return urn.Undef, objectstore.ErrInvalidURN
	}

	path := s.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return urn.Undef, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			existing, rerr := s.Get(id)
			if rerr != nil {
				return urn.Undef, objectstore.ErrImmutable
			}
			if string(existing) != string(data) {
				return urn.Undef, objectstore.ErrImmutable
			}
			return id, nil
		}
		return urn.Undef, err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return urn.Undef, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return urn.Undef, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return urn.Undef, err
	}

	return id, nil
}

func (s *Store) Get(id urn.URN) ([]byte, error) {
	if !id.Defined() {
		return nil, objectstore.ErrInvalidURN
	}
	path := s.pathFor(id)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, objectstore.ErrNotFound
		}
		return nil, err
	}
	got, err := s.idFor(b)
	if err != nil {
		return nil, err
	}
	if !got.Equal(id) {
		return nil, objectstore.ErrURNMismatch
	}
	return b, nil
}

func (s *Store) Has(id urn.URN) bool {
	if !id.Defined() {
		return false
	}
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// pathFor shards first by codec, so the identity documents, identity
// revisions and plain objects this store holds never share a directory,
// then by the last two characters of the hash portion (its leading
// characters are the same multibase/multihash prefix for every object of
// one hash function), so any one codec's directory doesn't grow into one
// giant flat listing.
func (s *Store) pathFor(id urn.URN) string {
	str := id.String()
	hashPart := str
	if i := strings.LastIndexByte(str, ':'); i >= 0 {
		hashPart = str[i+1:]
	}
	if len(hashPart) < 2 {
		return filepath.Join(s.root, id.Codec, str)
	}
	return filepath.Join(s.root, id.Codec, hashPart[len(hashPart)-2:], str)
}
