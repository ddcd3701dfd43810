package identity

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ugorji/go/codec"

	ribccrypto "github.com/radicle-go/ribc/crypto"
	"github.com/radicle-go/ribc/urn"
)

// SignedBy pairs a delegate with its signature over a revision's scope.
type SignedBy struct {
	Delegate urn.PeerID
	Sig      ribccrypto.Signature
}

// Revision is one entry in an identity's append-only history: the hash of
// the document it introduces, a link to its parent (Undef for the root),
// and the delegate signatures attesting to it.
type Revision struct {
	Parent       urn.URN
	DocumentHash urn.URN
	Signatures   []SignedBy
}

// SignatureScope is the exact byte sequence delegates sign: the revision
// with its Signatures field cleared, canonically encoded. Signing the scope
// rather than the whole revision avoids the chicken-and-egg of signing a
// value that contains the signature being produced.
func SignatureScope(r Revision) ([]byte, error) {
	wire := map[string]any{
		"parent":       r.Parent.String(),
		"documentHash": r.DocumentHash.String(),
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle())
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("identity: signature scope: %w", err)
	}
	return buf.Bytes(), nil
}

// SignRevision appends signer's signature over r's scope and returns the
// updated revision. It does not deduplicate: callers that re-sign with an
// already-present delegate get two entries.
func SignRevision(r Revision, signer ribccrypto.Signer) (Revision, error) {
	scope, err := SignatureScope(r)
	if err != nil {
		return Revision{}, err
	}
	sig, err := signer.Sign(scope)
	if err != nil {
		return Revision{}, fmt.Errorf("identity: sign revision: %w", err)
	}
	pub := signer.Public()
	peer := urn.PeerID{Key: append([]byte(nil), pub.Bytes...)}
	out := r
	out.Signatures = append(append([]SignedBy(nil), r.Signatures...), SignedBy{Delegate: peer, Sig: sig})
	return out, nil
}

// VerifySignatures checks that every entry in r.Signatures is a valid
// signature over r's scope by its claimed delegate. It does not check
// quorum or delegate membership — that is the verifier package's job.
func VerifySignatures(r Revision) error {
	scope, err := SignatureScope(r)
	if err != nil {
		return err
	}
	for _, sb := range r.Signatures {
		pub := ribccrypto.PublicKey{Alg: sb.Sig.Alg, Bytes: append([]byte(nil), sb.Delegate.Key...)}
		if err := ribccrypto.Verify(pub, scope, sb.Sig); err != nil {
			return fmt.Errorf("identity: signature by %s: %w", sb.Delegate.String(), err)
		}
	}
	return nil
}

// CanonicalizeRevision produces the deterministic byte encoding of r,
// including its signatures sorted by delegate.
func CanonicalizeRevision(r Revision) ([]byte, error) {
	sigs := make([]SignedBy, len(r.Signatures))
	copy(sigs, r.Signatures)
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Delegate.Less(sigs[j].Delegate) })

	sigWire := make([]map[string]any, 0, len(sigs))
	for _, sb := range sigs {
		sigWire = append(sigWire, map[string]any{
			"delegate": sb.Delegate.String(),
			"alg":      string(sb.Sig.Alg),
			"sig":      sb.Sig.Bytes,
		})
	}

	wire := map[string]any{
		"parent":       r.Parent.String(),
		"documentHash": r.DocumentHash.String(),
		"signatures":   sigWire,
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle())
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("identity: canonicalize revision: %w", err)
	}
	return buf.Bytes(), nil
}

// HashRevision returns the revision's URN, tagged with the identity-rev-v1
// multicodec.
func HashRevision(r Revision, hashFn uint64) (urn.URN, error) {
	canon, err := CanonicalizeRevision(r)
	if err != nil {
		return urn.Undef, err
	}
	return urn.New("identity-rev-v1", canon, hashFn)
}

// ParseRevision decodes the canonical bytes produced by CanonicalizeRevision.
func ParseRevision(data []byte) (Revision, error) {
	var wire map[string]any
	dec := codec.NewDecoder(bytes.NewReader(data), cborHandle())
	if err := dec.Decode(&wire); err != nil {
		return Revision{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	parentStr, _ := wire["parent"].(string)
	docHashStr, _ := wire["documentHash"].(string)

	var r Revision
	if parentStr != "" {
		p, err := urn.Parse(parentStr)
		if err != nil {
			return Revision{}, fmt.Errorf("%w: parent: %v", ErrMalformed, err)
		}
		r.Parent = p
	}
	if docHashStr == "" {
		return Revision{}, fmt.Errorf("%w: missing documentHash", ErrMalformed)
	}
	docHash, err := urn.Parse(docHashStr)
	if err != nil {
		return Revision{}, fmt.Errorf("%w: documentHash: %v", ErrMalformed, err)
	}
	r.DocumentHash = docHash

	sigsRaw, _ := wire["signatures"].([]any)
	for _, sr := range sigsRaw {
		sm, ok := sr.(map[string]any)
		if !ok {
			return Revision{}, fmt.Errorf("%w: signature entry", ErrMalformed)
		}
		delegateStr, _ := sm["delegate"].(string)
		peer, err := urn.ParsePeerID(delegateStr)
		if err != nil {
			return Revision{}, fmt.Errorf("%w: signature delegate: %v", ErrMalformed, err)
		}
		algStr, _ := sm["alg"].(string)
		sigBytes, ok := sm["sig"].([]byte)
		if !ok {
			return Revision{}, fmt.Errorf("%w: signature bytes", ErrMalformed)
		}
		r.Signatures = append(r.Signatures, SignedBy{
			Delegate: peer,
			Sig:      ribccrypto.Signature{Alg: ribccrypto.Algorithm(algStr), Bytes: sigBytes},
		})
	}

	canon, err := CanonicalizeRevision(r)
	if err != nil {
		return Revision{}, err
	}
	if !bytes.Equal(canon, data) {
		return Revision{}, fmt.Errorf("%w: non-canonical revision encoding", ErrMalformed)
	}
	return r, nil
}
