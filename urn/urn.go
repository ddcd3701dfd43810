// Package urn implements the content-addressed identifier used to name
// identities, revisions, and peers throughout the replication core.
//
// Syntax: rad:<multicodec>:<multibase(multihash)> — bit-exact; round-trips.
package urn

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

const scheme = "rad"

// URN is the content-addressed name of an identity revision's root document.
type URN struct {
	Codec string
	Hash  multihash.Multihash
}

// Undef is the zero URN.
var Undef = URN{}

// Defined reports whether u carries a hash.
func (u URN) Defined() bool { return len(u.Hash) > 0 }

// New hashes data with hashFn and tags the result with codec.
func New(codec string, data []byte, hashFn uint64) (URN, error) {
	if codec == "" {
		return Undef, errors.New("urn: codec is required")
	}
	sum, err := multihash.Sum(data, hashFn, -1)
	if err != nil {
		return Undef, fmt.Errorf("urn: hash: %w", err)
	}
	return URN{Codec: codec, Hash: sum}, nil
}

// String renders u as rad:<multicodec>:<multibase(multihash)>.
func (u URN) String() string {
	if !u.Defined() {
		return ""
	}
	enc, err := multibase.Encode(multibase.Base32, u.Hash)
	if err != nil {
		return ""
	}
	return scheme + ":" + u.Codec + ":" + enc
}

// Parse round-trips the output of String.
func Parse(s string) (URN, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Undef, fmt.Errorf("urn: malformed %q", s)
	}
	if parts[0] != scheme {
		return Undef, fmt.Errorf("urn: unknown scheme %q", parts[0])
	}
	if parts[1] == "" {
		return Undef, errors.New("urn: empty codec")
	}
	_, data, err := multibase.Decode(parts[2])
	if err != nil {
		return Undef, fmt.Errorf("urn: multibase decode: %w", err)
	}
	if _, err := multihash.Decode(data); err != nil {
		return Undef, fmt.Errorf("urn: multihash decode: %w", err)
	}
	return URN{Codec: parts[1], Hash: multihash.Multihash(data)}, nil
}

// Equal reports structural equality.
func (u URN) Equal(other URN) bool {
	return u.Codec == other.Codec && string(u.Hash) == string(other.Hash)
}

// PeerID is the public verification key of a peer, stable for the life of the key.
type PeerID struct {
	Key ed25519.PublicKey
}

// ParsePeerID decodes a multibase-encoded Ed25519 public key.
func ParsePeerID(s string) (PeerID, error) {
	_, data, err := multibase.Decode(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("urn: peer id multibase decode: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return PeerID{}, fmt.Errorf("urn: peer id must be %d bytes, got %d", ed25519.PublicKeySize, len(data))
	}
	return PeerID{Key: ed25519.PublicKey(data)}, nil
}

// String renders the PeerID in the same multibase alphabet as URN.
func (p PeerID) String() string {
	if len(p.Key) == 0 {
		return ""
	}
	enc, err := multibase.Encode(multibase.Base32, p.Key)
	if err != nil {
		return ""
	}
	return enc
}

// Defined reports whether p carries a key, as opposed to the zero PeerID.
func (p PeerID) Defined() bool { return len(p.Key) > 0 }

// Equal reports whether two PeerIDs carry the same key bytes.
func (p PeerID) Equal(other PeerID) bool {
	return string(p.Key) == string(other.Key)
}

// Less gives PeerIDs a total order by their text form, used wherever the
// planner or verifier needs a deterministic iteration order over peer sets.
func (p PeerID) Less(other PeerID) bool {
	return p.String() < other.String()
}
