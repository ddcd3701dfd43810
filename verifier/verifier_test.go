package verifier

import (
	"errors"
	"testing"

	"github.com/multiformats/go-multihash"

	ribccrypto "github.com/radicle-go/ribc/crypto"
	"github.com/radicle-go/ribc/identity"
	"github.com/radicle-go/ribc/objectstore/localfs"
	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/refdb/memrefdb"
	"github.com/radicle-go/ribc/urn"
)

type fixture struct {
	db   refdb.DB
	objs *localfs.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	objs, err := localfs.New(t.TempDir(), multihash.SHA2_256)
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	return &fixture{db: memrefdb.New(), objs: objs}
}

func putDoc(t *testing.T, f *fixture, doc identity.Document) urn.URN {
	t.Helper()
	canon, err := identity.Canonicalize(doc)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	id, err := f.objs.Put(canon)
	if err != nil {
		t.Fatalf("Put document: %v", err)
	}
	return id
}

func putRevision(t *testing.T, f *fixture, rev identity.Revision) urn.URN {
	t.Helper()
	canon, err := identity.CanonicalizeRevision(rev)
	if err != nil {
		t.Fatalf("CanonicalizeRevision: %v", err)
	}
	id, err := f.objs.Put(canon)
	if err != nil {
		t.Fatalf("Put revision: %v", err)
	}
	return id
}

func peerOf(t *testing.T, signer *ribccrypto.Ed25519Signer) urn.PeerID {
	t.Helper()
	return urn.PeerID{Key: append([]byte(nil), signer.Public().Bytes...)}
}

func TestVerifySingleRevisionRootIdentity(t *testing.T) {
	f := newFixture(t)

	alice, _ := ribccrypto.GenerateEd25519Signer()
	bob, _ := ribccrypto.GenerateEd25519Signer()

	doc := identity.Document{
		SchemaVersion: identity.CurrentSchemaVersion,
		Payload:       map[string]any{"name": "alice/project"},
		Delegates:     []urn.PeerID{peerOf(t, alice), peerOf(t, bob)},
		Quorum:        identity.DefaultQuorumRule,
	}
	docHash := putDoc(t, f, doc)
	ns := docHash

	rev := identity.Revision{DocumentHash: docHash}
	rev, err := identity.SignRevision(rev, alice)
	if err != nil {
		t.Fatalf("SignRevision(alice): %v", err)
	}
	rev, err = identity.SignRevision(rev, bob)
	if err != nil {
		t.Fatalf("SignRevision(bob): %v", err)
	}
	revID := putRevision(t, f, rev)

	if _, err := f.db.Update(ns, "rad/id", urn.Undef, revID, nil); err != nil {
		t.Fatalf("Update rad/id: %v", err)
	}

	verdict, err := Verify(f.db, f.objs, ns, DefaultCertifierDepth, urn.PeerID{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(verdict.History) != 1 {
		t.Fatalf("expected history of length 1, got %d", len(verdict.History))
	}
}

func TestVerifyRejectsInsufficientQuorum(t *testing.T) {
	f := newFixture(t)

	alice, _ := ribccrypto.GenerateEd25519Signer()
	bob, _ := ribccrypto.GenerateEd25519Signer()
	carol, _ := ribccrypto.GenerateEd25519Signer()

	doc := identity.Document{
		SchemaVersion: identity.CurrentSchemaVersion,
		Delegates:     []urn.PeerID{peerOf(t, alice), peerOf(t, bob), peerOf(t, carol)},
		Quorum:        identity.DefaultQuorumRule, // majority of 3 = 2
	}
	docHash := putDoc(t, f, doc)
	ns := docHash

	rev := identity.Revision{DocumentHash: docHash}
	rev, err := identity.SignRevision(rev, alice)
	if err != nil {
		t.Fatalf("SignRevision: %v", err)
	}
	revID := putRevision(t, f, rev)
	if _, err := f.db.Update(ns, "rad/id", urn.Undef, revID, nil); err != nil {
		t.Fatalf("Update rad/id: %v", err)
	}

	_, err = Verify(f.db, f.objs, ns, DefaultCertifierDepth, urn.PeerID{})
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != ErrQuorum {
		t.Fatalf("expected ErrQuorum, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	f := newFixture(t)
	alice, _ := ribccrypto.GenerateEd25519Signer()

	doc := identity.Document{
		SchemaVersion: identity.CurrentSchemaVersion,
		Delegates:     []urn.PeerID{peerOf(t, alice)},
		Quorum:        identity.DefaultQuorumRule,
	}
	docHash := putDoc(t, f, doc)
	ns := docHash

	rev := identity.Revision{DocumentHash: docHash}
	rev, err := identity.SignRevision(rev, alice)
	if err != nil {
		t.Fatalf("SignRevision: %v", err)
	}
	rev.Signatures[0].Sig.Bytes[0] ^= 0xFF
	revID := putRevision(t, f, rev)
	if _, err := f.db.Update(ns, "rad/id", urn.Undef, revID, nil); err != nil {
		t.Fatalf("Update rad/id: %v", err)
	}

	_, err = Verify(f.db, f.objs, ns, DefaultCertifierDepth, urn.PeerID{})
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != ErrSignature {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}

func TestVerifyFollowsCertifiersAndCachesResults(t *testing.T) {
	f := newFixture(t)
	alice, _ := ribccrypto.GenerateEd25519Signer()

	certDoc := identity.Document{
		SchemaVersion: identity.CurrentSchemaVersion,
		Delegates:     []urn.PeerID{peerOf(t, alice)},
		Quorum:        identity.DefaultQuorumRule,
	}
	certHash := putDoc(t, f, certDoc)
	certRev := identity.Revision{DocumentHash: certHash}
	certRev, err := identity.SignRevision(certRev, alice)
	if err != nil {
		t.Fatalf("SignRevision(cert): %v", err)
	}
	certRevID := putRevision(t, f, certRev)
	if _, err := f.db.Update(certHash, "rad/id", urn.Undef, certRevID, nil); err != nil {
		t.Fatalf("Update cert rad/id: %v", err)
	}

	mainDoc := identity.Document{
		SchemaVersion: identity.CurrentSchemaVersion,
		Delegates:     []urn.PeerID{peerOf(t, alice)},
		Certifiers:    []urn.URN{certHash},
		Quorum:        identity.DefaultQuorumRule,
	}
	mainHash := putDoc(t, f, mainDoc)
	mainRev := identity.Revision{DocumentHash: mainHash}
	mainRev, err = identity.SignRevision(mainRev, alice)
	if err != nil {
		t.Fatalf("SignRevision(main): %v", err)
	}
	mainRevID := putRevision(t, f, mainRev)
	if _, err := f.db.Update(mainHash, "rad/id", urn.Undef, mainRevID, nil); err != nil {
		t.Fatalf("Update main rad/id: %v", err)
	}

	verdict, err := Verify(f.db, f.objs, mainHash, DefaultCertifierDepth, urn.PeerID{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(verdict.Certifiers) != 1 || !verdict.Certifiers[0].Namespace.Equal(certHash) {
		t.Fatalf("expected certifier verdict for %s, got %+v", certHash, verdict.Certifiers)
	}
}

// fakeCycleStore lets a test insert objects under arbitrary URNs, bypassing
// the hash-derives-the-address invariant every real Store enforces. A
// genuine content-addressed chain cannot contain a cycle (producing a
// parent link requires the parent's hash to already exist), so exercising
// walkHistory's cycle guard requires a store willing to lie about addresses.
type fakeCycleStore struct {
	objects map[string][]byte
}

func (s *fakeCycleStore) Put(data []byte) (urn.URN, error) {
	id, err := urn.New("identity-rev-v1", data, multihash.SHA2_256)
	if err != nil {
		return urn.Undef, err
	}
	s.objects[id.String()] = data
	return id, nil
}

func (s *fakeCycleStore) set(id urn.URN, data []byte) { s.objects[id.String()] = data }

func (s *fakeCycleStore) Get(id urn.URN) ([]byte, error) {
	data, ok := s.objects[id.String()]
	if !ok {
		return nil, errors.New("fakeCycleStore: not found")
	}
	return data, nil
}

func (s *fakeCycleStore) Has(id urn.URN) bool {
	_, ok := s.objects[id.String()]
	return ok
}

func TestVerifyDetectsHistoryCycle(t *testing.T) {
	db := memrefdb.New()
	objs := &fakeCycleStore{objects: make(map[string][]byte)}
	alice, _ := ribccrypto.GenerateEd25519Signer()

	doc := identity.Document{
		SchemaVersion: identity.CurrentSchemaVersion,
		Delegates:     []urn.PeerID{peerOf(t, alice)},
		Quorum:        identity.DefaultQuorumRule,
	}
	docCanon, err := identity.Canonicalize(doc)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	docHash, err := objs.Put(docCanon)
	if err != nil {
		t.Fatalf("Put doc: %v", err)
	}
	ns := docHash

	revA := identity.Revision{DocumentHash: docHash}
	revA, _ = identity.SignRevision(revA, alice)
	revB := identity.Revision{DocumentHash: docHash}
	revB, _ = identity.SignRevision(revB, alice)

	revAID, _ := identity.HashRevision(revA, multihash.SHA2_256)
	revBID, _ := identity.HashRevision(revB, multihash.SHA2_256)

	// Store revA claiming revB as parent, and revB claiming revA as
	// parent, each keyed under the address it had before its parent was
	// set, forging a two-cycle
	// that no honest content-addressed write could ever produce.
	revA.Parent = revBID
	revB.Parent = revAID
	canonA, err := identity.CanonicalizeRevision(revA)
	if err != nil {
		t.Fatalf("CanonicalizeRevision(revA): %v", err)
	}
	canonB, err := identity.CanonicalizeRevision(revB)
	if err != nil {
		t.Fatalf("CanonicalizeRevision(revB): %v", err)
	}
	objs.set(revAID, canonA)
	objs.set(revBID, canonB)

	if _, err := db.Update(ns, "rad/id", urn.Undef, revBID, nil); err != nil {
		t.Fatalf("Update rad/id: %v", err)
	}

	_, err = Verify(db, objs, ns, DefaultCertifierDepth, urn.PeerID{})
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != ErrHistoryRewrite {
		t.Fatalf("expected ErrHistoryRewrite, got %v", err)
	}
}

// installIdentity builds a single-revision identity namespace delegated to
// signer with the given certifiers, signed by signer and every cosigner
// (a certifier's own delegate must co-sign per §4.3 step 4(b)), and
// installs its rad/id in f.db.
func installIdentity(t *testing.T, f *fixture, signer *ribccrypto.Ed25519Signer, certifiers []urn.URN, cosigners ...*ribccrypto.Ed25519Signer) urn.URN {
	t.Helper()
	doc := identity.Document{
		SchemaVersion: identity.CurrentSchemaVersion,
		Delegates:     []urn.PeerID{peerOf(t, signer)},
		Certifiers:    certifiers,
		Quorum:        identity.DefaultQuorumRule,
	}
	docHash := putDoc(t, f, doc)
	rev := identity.Revision{DocumentHash: docHash}
	rev, err := identity.SignRevision(rev, signer)
	if err != nil {
		t.Fatalf("SignRevision: %v", err)
	}
	for _, cs := range cosigners {
		rev, err = identity.SignRevision(rev, cs)
		if err != nil {
			t.Fatalf("SignRevision(cosigner): %v", err)
		}
	}
	revID := putRevision(t, f, rev)
	if _, err := f.db.Update(docHash, "rad/id", urn.Undef, revID, nil); err != nil {
		t.Fatalf("Update rad/id: %v", err)
	}
	return docHash
}

// TestVerifyCertifierDepthExceededPreservesKind builds a chain of identities
// five deep, each certifying the one before it, and verifies at a depth of
// 3: the failure must surface as ErrCertifierDepthExceeded even though it
// happens four hops down the certifier recursion from ns, not get
// re-tagged ErrCertifierMissing by every frame it unwinds back through.
func TestVerifyCertifierDepthExceededPreservesKind(t *testing.T) {
	f := newFixture(t)

	var signers []*ribccrypto.Ed25519Signer
	for i := 0; i < 5; i++ {
		s, err := ribccrypto.GenerateEd25519Signer()
		if err != nil {
			t.Fatalf("GenerateEd25519Signer: %v", err)
		}
		signers = append(signers, s)
	}

	// Build bottom-up: identity[4] has no certifier, identity[3] is
	// certified by identity[4], ..., identity[0] (ns) is certified by
	// identity[1]. Each
	// identity's revision is co-signed by its certifier's own delegate,
	// satisfying §4.3 step 4(b) at every hop.
	var deeper urn.URN
	for i := 4; i >= 0; i-- {
		var certs []urn.URN
		var cosigners []*ribccrypto.Ed25519Signer
		if deeper.Defined() {
			certs = []urn.URN{deeper}
			cosigners = []*ribccrypto.Ed25519Signer{signers[i+1]}
		}
		deeper = installIdentity(t, f, signers[i], certs, cosigners...)
	}
	ns := deeper

	const depth = 3
	_, err := Verify(f.db, f.objs, ns, depth, urn.PeerID{})
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected a *Error, got %v", err)
	}
	if verr.Kind != ErrCertifierDepthExceeded {
		t.Fatalf("expected ErrCertifierDepthExceeded, got %s", verr.Kind)
	}
}

// TestVerifyRejectsCertifierThatDidNotCoSign builds a certifier that
// verifies independently but whose delegate never signed the revision it
// is listed as certifying (§4.3 step 4(b)): verification of a certifier
// that would otherwise be valid must still fail.
func TestVerifyRejectsCertifierThatDidNotCoSign(t *testing.T) {
	f := newFixture(t)
	alice, _ := ribccrypto.GenerateEd25519Signer()
	carol, _ := ribccrypto.GenerateEd25519Signer()

	certHash := installIdentity(t, f, carol, nil)

	mainDoc := identity.Document{
		SchemaVersion: identity.CurrentSchemaVersion,
		Delegates:     []urn.PeerID{peerOf(t, alice)},
		Certifiers:    []urn.URN{certHash},
		Quorum:        identity.DefaultQuorumRule,
	}
	mainHash := putDoc(t, f, mainDoc)
	mainRev := identity.Revision{DocumentHash: mainHash}
	mainRev, err := identity.SignRevision(mainRev, alice)
	if err != nil {
		t.Fatalf("SignRevision(main): %v", err)
	}
	mainRevID := putRevision(t, f, mainRev)
	if _, err := f.db.Update(mainHash, "rad/id", urn.Undef, mainRevID, nil); err != nil {
		t.Fatalf("Update main rad/id: %v", err)
	}

	_, err = Verify(f.db, f.objs, mainHash, DefaultCertifierDepth, urn.PeerID{})
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != ErrCertifierMissing {
		t.Fatalf("expected ErrCertifierMissing, got %v", err)
	}
}

// TestVerifyRequiresSelfAnchorWhenHeadsArePublished builds a namespace
// with heads/* of its own but no rad/self, and checks I4 rejects it, then
// installs a verified rad/self that does not delegate self and checks I4
// still rejects it for want of delegate membership.
func TestVerifyRequiresSelfAnchorWhenHeadsArePublished(t *testing.T) {
	f := newFixture(t)
	alice, _ := ribccrypto.GenerateEd25519Signer()
	bob, _ := ribccrypto.GenerateEd25519Signer()
	self := peerOf(t, alice)

	ns := installIdentity(t, f, alice, nil)
	headID, err := urn.New("identity-v1", []byte("some head content"), multihash.SHA2_256)
	if err != nil {
		t.Fatalf("urn.New: %v", err)
	}
	if _, err := f.db.Update(ns, "heads/main", urn.Undef, headID, nil); err != nil {
		t.Fatalf("Update heads/main: %v", err)
	}

	if _, err := Verify(f.db, f.objs, ns, DefaultCertifierDepth, self); err == nil {
		t.Fatalf("expected Verify to fail without a resolvable rad/self")
	} else {
		var verr *Error
		if !errors.As(err, &verr) || verr.Kind != ErrSchema {
			t.Fatalf("expected ErrSchema, got %v", err)
		}
	}

	userNS := installIdentity(t, f, bob, nil) // delegates bob, not self
	if err := f.db.Symref(ns, "rad/self", userNS, "rad/id"); err != nil {
		t.Fatalf("Symref rad/self: %v", err)
	}

	_, err = Verify(f.db, f.objs, ns, DefaultCertifierDepth, self)
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != ErrSchema {
		t.Fatalf("expected ErrSchema for rad/self not delegating self, got %v", err)
	}
}

// TestVerifyAllowsMirroredHeadsWithNonDelegatingSelf checks the decided
// Open Question extension: a namespace with no heads/* of its own but a
// non-empty remotes/<p>/heads/* mirror only needs rad/self to resolve and
// verify, not to delegate this peer.
func TestVerifyAllowsMirroredHeadsWithNonDelegatingSelf(t *testing.T) {
	f := newFixture(t)
	alice, _ := ribccrypto.GenerateEd25519Signer()
	bob, _ := ribccrypto.GenerateEd25519Signer()
	self := peerOf(t, alice)

	ns := installIdentity(t, f, alice, nil)
	headID, err := urn.New("identity-v1", []byte("mirrored head content"), multihash.SHA2_256)
	if err != nil {
		t.Fatalf("urn.New: %v", err)
	}
	remote := urn.PeerID{Key: []byte("some-remote-peer")}
	if _, err := f.db.Update(ns, "remotes/"+remote.String()+"/heads/main", urn.Undef, headID, nil); err != nil {
		t.Fatalf("Update mirrored head: %v", err)
	}

	userNS := installIdentity(t, f, bob, nil)
	if err := f.db.Symref(ns, "rad/self", userNS, "rad/id"); err != nil {
		t.Fatalf("Symref rad/self: %v", err)
	}

	if _, err := Verify(f.db, f.objs, ns, DefaultCertifierDepth, self); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

// TestVerifyRejectsUncertifiedRootSupersededByUncertifiedRevision builds a
// two-revision history whose root document D0 names a certifier that never
// co-signs R0, then appends R1 whose document D1 drops the certifier
// entirely. A certifier obligation D0 once carried must still be enforced
// against R0 even though the namespace's current (tip) document no longer
// names any certifier at all (§4.3 step 4 applies per-Rᵢ, not only at the
// tip).
func TestVerifyRejectsUncertifiedRootSupersededByUncertifiedRevision(t *testing.T) {
	f := newFixture(t)
	alice, _ := ribccrypto.GenerateEd25519Signer()
	carol, _ := ribccrypto.GenerateEd25519Signer()

	certHash := installIdentity(t, f, carol, nil)

	rootDoc := identity.Document{
		SchemaVersion: identity.CurrentSchemaVersion,
		Delegates:     []urn.PeerID{peerOf(t, alice)},
		Certifiers:    []urn.URN{certHash},
		Quorum:        identity.DefaultQuorumRule,
	}
	rootHash := putDoc(t, f, rootDoc)
	ns := rootHash

	rootRev := identity.Revision{DocumentHash: rootHash}
	rootRev, err := identity.SignRevision(rootRev, alice) // no co-sign by carol
	if err != nil {
		t.Fatalf("SignRevision(root): %v", err)
	}
	rootRevID := putRevision(t, f, rootRev)

	nextDoc := identity.Document{
		SchemaVersion: identity.CurrentSchemaVersion,
		Delegates:     []urn.PeerID{peerOf(t, alice)},
		Quorum:        identity.DefaultQuorumRule,
	}
	nextHash := putDoc(t, f, nextDoc)
	nextRev := identity.Revision{Parent: rootRevID, DocumentHash: nextHash}
	nextRev, err = identity.SignRevision(nextRev, alice)
	if err != nil {
		t.Fatalf("SignRevision(next): %v", err)
	}
	nextRevID := putRevision(t, f, nextRev)

	if _, err := f.db.Update(ns, "rad/id", urn.Undef, nextRevID, nil); err != nil {
		t.Fatalf("Update rad/id: %v", err)
	}

	_, err = Verify(f.db, f.objs, ns, DefaultCertifierDepth, urn.PeerID{})
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != ErrCertifierMissing {
		t.Fatalf("expected ErrCertifierMissing for root's uncertified revision, got %v", err)
	}
}
