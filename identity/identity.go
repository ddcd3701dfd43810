// Package identity implements the identity document model (C2): parsing,
// canonicalisation, hashing, and signing of identity documents and their
// revisions.
//
// Canonical encoding uses ugorji/go/codec's canonical CBOR mode (sorted map
// keys, fixed-width integers, explicit null support), so that
// Parse(Canonicalize(d)) reproduces d byte-for-byte (P1) without hand-rolled
// re-render-and-compare bookkeeping.
package identity

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/ugorji/go/codec"

	"github.com/radicle-go/ribc/urn"
)

// CurrentSchemaVersion is the only version this package fully understands.
// Anything higher round-trips as an UnknownVersion document (§4.1).
const CurrentSchemaVersion uint16 = 1

// Null is an explicit null payload value, distinct from an absent key.
type Null struct{}

// QuorumKind selects how a document's quorum requirement is computed.
type QuorumKind string

const (
	QuorumMajority QuorumKind = "majority"
	QuorumAll      QuorumKind = "all"
	QuorumFixed    QuorumKind = "fixed"
)

// QuorumRule is the document's override (or default) of the quorum
// computation described in §4.3 step 3: floor(|delegates|/2)+1 unless
// overridden, bounded to [majority, all].
type QuorumRule struct {
	Kind QuorumKind
	N    int // only meaningful for QuorumFixed
}

// DefaultQuorumRule is floor(n/2)+1, i.e. a plain majority.
var DefaultQuorumRule = QuorumRule{Kind: QuorumMajority}

// Resolve computes the minimum signer count required out of delegateCount
// delegates, enforcing the [majority, all] bound.
func (q QuorumRule) Resolve(delegateCount int) (int, error) {
	if delegateCount <= 0 {
		return 0, errors.New("identity: quorum over zero delegates")
	}
	majority := delegateCount/2 + 1
	switch q.Kind {
	case "", QuorumMajority:
		return majority, nil
	case QuorumAll:
		return delegateCount, nil
	case QuorumFixed:
		if q.N < majority || q.N > delegateCount {
			return 0, fmt.Errorf("identity: fixed quorum %d out of bound [%d,%d]", q.N, majority, delegateCount)
		}
		return q.N, nil
	default:
		return 0, fmt.Errorf("identity: unknown quorum kind %q", q.Kind)
	}
}

// Document is a schemaed, signed record: delegates, certifiers, quorum, and
// a free-form typed payload.
type Document struct {
	SchemaVersion uint16
	Payload       map[string]any
	Delegates     []urn.PeerID
	Certifiers    []urn.URN
	Quorum        QuorumRule

	// Opaque holds the full canonical encoding of a document whose
	// SchemaVersion this package does not understand, so it can be relayed
	// without being silently reinterpreted (§9).
	Opaque []byte
}

// IsUnknownVersion reports whether d was parsed from a newer schema this
// package preserves only opaquely.
func (d Document) IsUnknownVersion() bool { return d.SchemaVersion > CurrentSchemaVersion }

func cborHandle() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}

// Canonicalize produces the deterministic byte encoding of d. Byte-identical
// re-encoding of an equal document is guaranteed (P1).
func Canonicalize(d Document) ([]byte, error) {
	if d.IsUnknownVersion() && d.Opaque != nil {
		return d.Opaque, nil
	}

	delegates := make([]string, 0, len(d.Delegates))
	for _, p := range d.Delegates {
		delegates = append(delegates, p.String())
	}
	sort.Strings(delegates)

	certifiers := make([]string, 0, len(d.Certifiers))
	for _, c := range d.Certifiers {
		certifiers = append(certifiers, c.String())
	}
	sort.Strings(certifiers)

	wire := map[string]any{
		"schemaVersion": d.SchemaVersion,
		"payload":       canonicalizePayload(d.Payload),
		"delegates":     delegates,
		"certifiers":    certifiers,
		"quorum": map[string]any{
			"kind": string(d.Quorum.Kind),
			"n":    d.Quorum.N,
		},
	}

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle())
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("identity: canonicalize: %w", err)
	}
	return buf.Bytes(), nil
}

// canonicalizePayload replaces Null{} sentinels with an explicit nil so the
// CBOR encoder emits a true `null`, distinguishing "present but null" from
// an absent key.
func canonicalizePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if _, ok := v.(Null); ok {
			out[k] = nil
			continue
		}
		out[k] = v
	}
	return out
}

// Parse decodes canonical bytes back into a Document.
//
// An unrecognised SchemaVersion yields ErrUnknownVersion (not
// ErrMalformed): higher layers may still gossip the bytes onward.
func Parse(data []byte) (Document, error) {
	var wire map[string]any
	dec := codec.NewDecoder(bytes.NewReader(data), cborHandle())
	if err := dec.Decode(&wire); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sv, ok := toUint16(wire["schemaVersion"])
	if !ok {
		return Document{}, fmt.Errorf("%w: missing or invalid schemaVersion", ErrMalformed)
	}

	if sv > CurrentSchemaVersion {
		return Document{SchemaVersion: sv, Opaque: append([]byte(nil), data...)}, ErrUnknownVersion
	}

	payloadRaw, _ := wire["payload"].(map[string]any)
	payload := make(map[string]any, len(payloadRaw))
	for k, v := range payloadRaw {
		if v == nil {
			payload[k] = Null{}
			continue
		}
		payload[k] = v
	}

	delegateStrs, err := toStringSlice(wire["delegates"])
	if err != nil {
		return Document{}, fmt.Errorf("%w: delegates: %v", ErrMalformed, err)
	}
	delegates := make([]urn.PeerID, 0, len(delegateStrs))
	for _, s := range delegateStrs {
		p, err := urn.ParsePeerID(s)
		if err != nil {
			return Document{}, fmt.Errorf("%w: delegate %q: %v", ErrMalformed, s, err)
		}
		delegates = append(delegates, p)
	}

	certifierStrs, err := toStringSlice(wire["certifiers"])
	if err != nil {
		return Document{}, fmt.Errorf("%w: certifiers: %v", ErrMalformed, err)
	}
	certifiers := make([]urn.URN, 0, len(certifierStrs))
	for _, s := range certifierStrs {
		u, err := urn.Parse(s)
		if err != nil {
			return Document{}, fmt.Errorf("%w: certifier %q: %v", ErrMalformed, s, err)
		}
		certifiers = append(certifiers, u)
	}

	quorumRaw, _ := wire["quorum"].(map[string]any)
	quorum := QuorumRule{Kind: QuorumKind(fmt.Sprint(quorumRaw["kind"]))}
	if n, ok := toInt(quorumRaw["n"]); ok {
		quorum.N = n
	}

	d := Document{
		SchemaVersion: sv,
		Payload:       payload,
		Delegates:     delegates,
		Certifiers:    certifiers,
		Quorum:        quorum,
	}

	// Enforce canonical byte identity: re-encoding must reproduce the input,
	// rejecting any non-canonical encoding of an otherwise well-formed
	// document.
	canon, err := Canonicalize(d)
	if err != nil {
		return Document{}, err
	}
	if !bytes.Equal(canon, data) {
		return Document{}, fmt.Errorf("%w: non-canonical encoding", ErrMalformed)
	}
	return d, nil
}

// Hash returns the document's URN: the multihash of its canonical bytes,
// tagged with the identity-v1 multicodec (I5).
func Hash(d Document, hashFn uint64) (urn.URN, error) {
	canon, err := Canonicalize(d)
	if err != nil {
		return urn.Undef, err
	}
	return urn.New("identity-v1", canon, hashFn)
}

func toUint16(v any) (uint16, bool) {
	n, ok := toInt(v)
	if !ok || n < 0 || n > 0xFFFF {
		return 0, false
	}
	return uint16(n), true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toStringSlice(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, errors.New("expected array")
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			return nil, errors.New("expected string element")
		}
		out = append(out, s)
	}
	return out, nil
}
