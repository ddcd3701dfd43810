// Package signedrefs implements the per-peer signed-refs manifest (C6):
// a canonical, signed record of every ref a peer publishes, rewritten
// atomically whenever the peer's local refs change.
//
// The canonicalization and signing shape is grounded on the teacher's
// crof package: Render emits a deterministic, sorted-lines document and
// signCROF/crofSignatureScope hash the canonical bytes before signing —
// generalized here from a resolution report's many sections to a single
// flat, sorted (path, object) section.
package signedrefs

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	ribccrypto "github.com/radicle-go/ribc/crypto"
	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/urn"
)

// ErrUnsignedRef is returned when a remote advertises a ref under
// remotes/ or heads/ that its signed manifest does not cover.
var ErrUnsignedRef = errors.New("signedrefs: ref not covered by signed manifest")

// Manifest is one peer's signed record of the refs it publishes.
type Manifest struct {
	Refs      map[string]urn.URN
	Signature ribccrypto.Signature
}

// Canonicalize renders refs as sorted "path object\n" lines, the exact
// bytes Sign signs and Verify checks against.
func Canonicalize(refs map[string]urn.URN) []byte {
	paths := make([]string, 0, len(refs))
	for p := range refs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	for _, p := range paths {
		buf.WriteString(p)
		buf.WriteByte(' ')
		buf.WriteString(refs[p].String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Sign produces a Manifest covering refs, signed by signer.
func Sign(refs map[string]urn.URN, signer ribccrypto.Signer) (Manifest, error) {
	canon := Canonicalize(refs)
	sig, err := signer.Sign(canon)
	if err != nil {
		return Manifest{}, fmt.Errorf("signedrefs: sign: %w", err)
	}
	return Manifest{Refs: refs, Signature: sig}, nil
}

// Verify checks m's signature against pub. It does not check that m's
// refs match what a peer actually advertised — that is the replication
// engine's job, using CheckAdvertised.
func Verify(m Manifest, pub ribccrypto.PublicKey) error {
	canon := Canonicalize(m.Refs)
	if err := ribccrypto.Verify(pub, canon, m.Signature); err != nil {
		return fmt.Errorf("signedrefs: signature invalid: %w", err)
	}
	return nil
}

// CheckAdvertised returns ErrUnsignedRef for the first advertised ref path
// not covered by m.Refs with the exact same object. It does not filter:
// uncovered refs are not dropped from advertised, and the replication
// engine fails the round on this error.
func CheckAdvertised(m Manifest, advertised []refdb.Entry) error {
	for _, e := range advertised {
		signed, ok := m.Refs[e.Path]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsignedRef, e.Path)
		}
		if !signed.Equal(e.Target.Object) {
			return fmt.Errorf("%w: %s points to %s but manifest signs %s", ErrUnsignedRef, e.Path, e.Target.Object, signed)
		}
	}
	return nil
}

// Rewrite recomputes and installs ns's rad/signed_refs manifest for the
// given refs, signed by signer, as a single object-store write followed
// by one ref update — so a concurrent reader of rad/signed_refs sees
// either the previous manifest in full or the next one in full, never a
// partial write.
func Rewrite(db refdb.DB, objs ObjectPutter, ns urn.URN, refs map[string]urn.URN, signer ribccrypto.Signer) error {
	m, err := Sign(refs, signer)
	if err != nil {
		return err
	}
	blob := marshalManifest(m)
	id, err := objs.Put(blob)
	if err != nil {
		return fmt.Errorf("signedrefs: store manifest: %w", err)
	}
	old, err := db.Resolve(ns, "rad/signed_refs")
	if err != nil && !errors.Is(err, refdb.ErrNotFound) {
		return err
	}
	oldObj := urn.Undef
	if err == nil && old.Kind == refdb.Object {
		oldObj = old.Object
	}
	if _, err := db.Update(ns, "rad/signed_refs", oldObj, id, nil); err != nil {
		return fmt.Errorf("signedrefs: update rad/signed_refs: %w", err)
	}
	return nil
}

// ObjectPutter is the subset of objectstore.Store Rewrite needs, kept
// narrow so this package does not import objectstore just for Put.
type ObjectPutter interface {
	Put(data []byte) (urn.URN, error)
}

// marshalManifest renders m as a self-contained blob: the canonical refs
// section, a blank line, then the algorithm-tagged signature.
func marshalManifest(m Manifest) []byte {
	var buf bytes.Buffer
	buf.Write(Canonicalize(m.Refs))
	buf.WriteByte('\n')
	buf.WriteString(string(m.Signature.Alg))
	buf.WriteByte(' ')
	buf.Write(m.Signature.Bytes)
	return buf.Bytes()
}

// UnmarshalManifest parses the blob format marshalManifest produces.
func UnmarshalManifest(blob []byte) (Manifest, error) {
	parts := bytes.SplitN(blob, []byte("\n\n"), 2)
	if len(parts) != 2 {
		return Manifest{}, errors.New("signedrefs: malformed manifest: missing signature section")
	}
	refs := make(map[string]urn.URN)
	for _, line := range bytes.Split(parts[0], []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		sp := bytes.IndexByte(line, ' ')
		if sp < 0 {
			return Manifest{}, fmt.Errorf("signedrefs: malformed ref line %q", line)
		}
		path := string(line[:sp])
		id, err := urn.Parse(string(line[sp+1:]))
		if err != nil {
			return Manifest{}, fmt.Errorf("signedrefs: malformed ref line %q: %w", line, err)
		}
		refs[path] = id
	}
	sigLine := parts[1]
	sp := bytes.IndexByte(sigLine, ' ')
	if sp < 0 {
		return Manifest{}, errors.New("signedrefs: malformed signature line")
	}
	sig := ribccrypto.Signature{
		Alg:   ribccrypto.Algorithm(sigLine[:sp]),
		Bytes: append([]byte(nil), sigLine[sp+1:]...),
	}
	return Manifest{Refs: refs, Signature: sig}, nil
}
