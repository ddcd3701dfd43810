package replication

import (
	"github.com/radicle-go/ribc/objectstore"
	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/urn"
)

// ManifestReader answers wireproto's FetchSignedRefs by resolving a peer's
// rad/signed_refs pointer — either ns's own, when peer is this server's
// identity for ns, or the server's own mirror of it under remotes/<peer>/
// — and returning the stored manifest blob verbatim.
type ManifestReader struct {
	DB      refdb.DB
	Objects objectstore.Store
	Self    urn.PeerID
}

// Read implements the signature wireproto.Server.ManifestRead expects.
func (r *ManifestReader) Read(ns urn.URN, peer urn.PeerID) ([]byte, error) {
	path := "rad/signed_refs"
	if !peer.Equal(r.Self) {
		path = "remotes/" + peer.String() + "/rad/signed_refs"
	}
	target, err := r.DB.Resolve(ns, path)
	if err != nil {
		return nil, err
	}
	if target.Kind != refdb.Object {
		return nil, objectstore.ErrNotFound
	}
	return r.Objects.Get(target.Object)
}
