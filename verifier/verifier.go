// Package verifier implements the identity verification algorithm (C4):
// walking a namespace's rad/id history, checking per-revision delegate
// quorum, and recursing into certifiers up to a bounded depth.
//
// The quorum-counting shape — count distinct issuer keys satisfying a
// requirement, compare against a required threshold — is grounded on the
// teacher's resolver.rulesSatisfied, generalized from (claim-type, role)
// pairs counted against a policy-declared quorum to (revision, delegate-set)
// pairs counted against the document's own QuorumRule.
package verifier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multihash"

	"github.com/radicle-go/ribc/identity"
	"github.com/radicle-go/ribc/objectstore"
	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/urn"
)

// Resolver is the subset of refdb.DB the verifier reads through: resolving
// a single ref, and listing a namespace's refs by prefix. Accepting this
// narrower interface instead of refdb.DB lets Verify run equally against a
// live DB or an open refdb.Txn's pending state — e.g. replication's
// pre-commit verification pass, which must see a round's own not-yet-
// committed writes to ns's own rad/id on a namespace's first clone.
type Resolver interface {
	Resolve(ns urn.URN, path string) (refdb.Target, error)
	List(ns urn.URN, prefix string) ([]refdb.Entry, error)
}

// FailureKind classifies why Verify rejected a namespace, mirroring the
// teacher catf.Error's typed-Kind shape.
type FailureKind int

const (
	_ FailureKind = iota
	ErrQuorum
	ErrSignature
	ErrSchema
	ErrHistoryRewrite
	ErrCertifierMissing
	ErrCertifierDepthExceeded
)

func (k FailureKind) String() string {
	switch k {
	case ErrQuorum:
		return "quorum"
	case ErrSignature:
		return "signature"
	case ErrSchema:
		return "schema"
	case ErrHistoryRewrite:
		return "history-rewrite"
	case ErrCertifierMissing:
		return "certifier-missing"
	case ErrCertifierDepthExceeded:
		return "certifier-depth-exceeded"
	default:
		return "unknown"
	}
}

// Error is a typed verification failure.
type Error struct {
	Kind      FailureKind
	Namespace urn.URN
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("verifier: %s for %s: %s: %v", e.Kind, e.Namespace, e.Message, e.Cause)
	}
	return fmt.Sprintf("verifier: %s for %s: %s", e.Kind, e.Namespace, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func fail(kind FailureKind, ns urn.URN, msg string, cause error) error {
	return &Error{Kind: kind, Namespace: ns, Message: msg, Cause: cause}
}

// Verdict is the result of successfully verifying a namespace.
type Verdict struct {
	Namespace   urn.URN
	History     []identity.Revision // root-first
	TipDocument identity.Document
	Certifiers  []*Verdict
}

// DefaultCertifierDepth bounds how many hops of certifier recursion Verify
// follows before giving up.
const DefaultCertifierDepth = 3

// Verify walks ns's rad/id history in db, hydrating revisions and documents
// from objs, and checks §4.3 steps 1-5. self is the local peer's own
// PeerID, checked against I4's delegate-membership requirement for any
// namespace whose own heads/* this peer is publishing.
func Verify(db Resolver, objs objectstore.Store, ns urn.URN, depth int, self urn.PeerID) (*Verdict, error) {
	return verify(db, objs, ns, depth, self, make(map[string]*Verdict))
}

func verify(db Resolver, objs objectstore.Store, ns urn.URN, depth int, self urn.PeerID, cache map[string]*Verdict) (*Verdict, error) {
	if v, ok := cache[ns.String()]; ok {
		return v, nil
	}
	if depth < 0 {
		return nil, fail(ErrCertifierDepthExceeded, ns, "certifier recursion exceeded configured depth", nil)
	}

	target, err := db.Resolve(ns, "rad/id")
	if err != nil {
		return nil, fail(ErrSchema, ns, "rad/id ref is missing", err)
	}
	if target.Kind != refdb.Object {
		return nil, fail(ErrSchema, ns, "rad/id does not resolve to an object", nil)
	}

	history, err := walkHistory(objs, ns, target.Object)
	if err != nil {
		return nil, err
	}

	docs := make([]identity.Document, len(history))
	var prevDoc *identity.Document
	for i, rev := range history {
		docRaw, err := objs.Get(rev.DocumentHash)
		if err != nil {
			return nil, fail(ErrSchema, ns, "revision document not found in object store", err)
		}
		doc, err := identity.Parse(docRaw)
		if err != nil {
			return nil, fail(ErrSchema, ns, "revision document does not parse", err)
		}

		if i == 0 {
			rootHash, err := identity.Hash(doc, multihash.SHA2_256)
			if err != nil {
				return nil, fail(ErrSchema, ns, "failed to hash root document", err)
			}
			if !rootHash.Equal(ns) {
				return nil, fail(ErrSchema, ns, "root document hash does not match namespace (I5)", nil)
			}
		}

		quorumDoc := &doc
		if i > 0 {
			quorumDoc = prevDoc
		}
		if err := checkQuorum(ns, rev, *quorumDoc); err != nil {
			return nil, err
		}

		docs[i] = doc
		prevDoc = &doc
	}

	verdict := &Verdict{Namespace: ns, History: history, TipDocument: docs[len(docs)-1]}
	cache[ns.String()] = verdict

	// §4.3 step 4 attaches a certifier obligation to every revision Rᵢ's
	// own document Dᵢ, not just the tip: a certifier named only by an
	// older, since-superseded document still had to co-sign the revision
	// that named it. Recursive verifies are deduped across revisions
	// naming the same certifier by the shared cache above, since verify
	// returns the cached *Verdict on a repeat namespace instead of
	// re-walking it.
	seen := make(map[string]bool)
	for i, doc := range docs {
		rev := history[i]
		for _, cert := range doc.Certifiers {
			cv, err := verify(db, objs, cert, depth-1, self, cache)
			if err != nil {
				return nil, wrapCertifierErr(ns, cert, err)
			}
			if !certifierCoSigned(cv.TipDocument, rev) {
				return nil, fail(ErrCertifierMissing, ns, "certifier "+cert.String()+" verifies but did not co-sign revision it certifies", nil)
			}
			if !seen[cert.String()] {
				seen[cert.String()] = true
				verdict.Certifiers = append(verdict.Certifiers, cv)
			}
		}
	}

	if err := checkSelfAnchor(db, objs, ns, self, depth, cache); err != nil {
		return nil, err
	}

	return verdict, nil
}

// wrapCertifierErr records which certifier failed without discarding the
// underlying failure's Kind: ErrCertifierDepthExceeded several hops down
// must still read as ErrCertifierDepthExceeded at the top of the
// recursion, not get re-tagged ErrCertifierMissing at every frame it
// unwinds through (§4.3 step 4, §7's "don't penalise the remote for a
// local fault" rule).
func wrapCertifierErr(ns, cert urn.URN, err error) error {
	var verr *Error
	if errors.As(err, &verr) {
		return fail(verr.Kind, ns, "certifier "+cert.String()+" failed to verify: "+verr.Message, verr.Cause)
	}
	return fail(ErrCertifierMissing, ns, "certifier "+cert.String()+" failed to verify", err)
}

// certifierCoSigned reports whether rev carries a signature from one of
// certDoc's current delegates (§4.3 step 4(b)): a certifier verifying
// independently is not enough on its own, it must have actually co-signed
// the revision it certifies.
func certifierCoSigned(certDoc identity.Document, rev identity.Revision) bool {
	delegates := make(map[string]bool, len(certDoc.Delegates))
	for _, d := range certDoc.Delegates {
		delegates[d.String()] = true
	}
	for _, sb := range rev.Signatures {
		if delegates[sb.Delegate.String()] {
			return true
		}
	}
	return false
}

// checkSelfAnchor enforces I4: a namespace publishing its own heads/*
// must anchor them to a verified user identity via rad/self that
// delegates this peer, and a namespace merely mirroring another peer's
// heads under remotes/<p>/ must still resolve a rad/self even when its
// own heads/* is empty (the decided reading of the Open Question in §9).
func checkSelfAnchor(db Resolver, objs objectstore.Store, ns urn.URN, self urn.PeerID, depth int, cache map[string]*Verdict) error {
	ownHeads, err := db.List(ns, "heads/")
	if err != nil {
		return fail(ErrSchema, ns, "list heads/", err)
	}
	mirroredHeads, err := hasMirroredHeads(db, ns)
	if err != nil {
		return fail(ErrSchema, ns, "list remotes/", err)
	}
	if len(ownHeads) == 0 && !mirroredHeads {
		return nil
	}

	target, err := db.Resolve(ns, "rad/self")
	if err != nil {
		return fail(ErrSchema, ns, "rad/self is required once this namespace publishes heads (I4)", err)
	}
	if target.Kind != refdb.Symref {
		return fail(ErrSchema, ns, "rad/self does not resolve to a symref", nil)
	}

	userVerdict, err := verify(db, objs, target.SymrefNamespace, depth, self, cache)
	if err != nil {
		return fail(ErrSchema, ns, "rad/self's user identity failed to verify", err)
	}

	if len(ownHeads) > 0 {
		delegates := false
		for _, d := range userVerdict.TipDocument.Delegates {
			if d.Equal(self) {
				delegates = true
				break
			}
		}
		if !delegates {
			return fail(ErrSchema, ns, "rad/self's user identity does not delegate this peer (I4)", nil)
		}
	}
	return nil
}

// hasMirroredHeads reports whether ns has any remotes/<p>/heads/* entry.
func hasMirroredHeads(db Resolver, ns urn.URN) (bool, error) {
	entries, err := db.List(ns, "remotes/")
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if strings.Contains(e.Path, "/heads/") {
			return true, nil
		}
	}
	return false, nil
}

// walkHistory follows Parent links from tip back to the root, detecting
// cycles, and returns the chain root-first.
func walkHistory(objs objectstore.Store, ns urn.URN, tip urn.URN) ([]identity.Revision, error) {
	var reversed []identity.Revision
	seen := make(map[string]bool)
	cur := tip
	for cur.Defined() {
		if seen[cur.String()] {
			return nil, fail(ErrHistoryRewrite, ns, "cycle detected while walking revision history", nil)
		}
		seen[cur.String()] = true

		raw, err := objs.Get(cur)
		if err != nil {
			return nil, fail(ErrSchema, ns, "revision object not found", err)
		}
		rev, err := identity.ParseRevision(raw)
		if err != nil {
			return nil, fail(ErrSchema, ns, "revision does not parse", err)
		}
		reversed = append(reversed, rev)
		cur = rev.Parent
	}
	if len(reversed) == 0 {
		return nil, fail(ErrSchema, ns, "empty revision history", nil)
	}

	history := make([]identity.Revision, len(reversed))
	for i, rev := range reversed {
		history[len(reversed)-1-i] = rev
	}
	return history, nil
}

// checkQuorum enforces the delegate-continuity rule: signatures on rev are
// checked against quorumDoc's delegate set and quorum rule, not the
// revision's own document's (§4.3 step 5).
func checkQuorum(ns urn.URN, rev identity.Revision, quorumDoc identity.Document) error {
	if err := identity.VerifySignatures(rev); err != nil {
		return fail(ErrSignature, ns, "one or more signatures failed to verify", err)
	}

	delegateSet := make(map[string]bool, len(quorumDoc.Delegates))
	for _, d := range quorumDoc.Delegates {
		delegateSet[d.String()] = true
	}

	distinct := make(map[string]bool)
	for _, sb := range rev.Signatures {
		if delegateSet[sb.Delegate.String()] {
			distinct[sb.Delegate.String()] = true
		}
	}

	need, err := quorumDoc.Quorum.Resolve(len(quorumDoc.Delegates))
	if err != nil {
		return fail(ErrSchema, ns, "invalid quorum rule", err)
	}
	if len(distinct) < need {
		return fail(ErrQuorum, ns, fmt.Sprintf("got %d distinct delegate signatures, need %d", len(distinct), need), nil)
	}
	return nil
}
