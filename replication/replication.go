// Package replication drives one peer-to-peer replication round (C7):
// advertise, fetch signed refs, plan a refspec, pull the covering pack,
// and verify before installing anything locally.
//
// The all-or-none transaction discipline at the Fetching phase is
// grounded on the teacher's storage.ReplicatingCAS.PutAll: write to every
// backend, and if any one disagrees roll the whole call back. Here "every
// backend" becomes "every touched ref" and "disagrees" becomes "fails a
// fast-forward check or a verification pass" — the same generalization
// verifier.go and tracking.go already made from the teacher's original
// vocabulary.
package replication

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/radicle-go/ribc/identity"
	"github.com/radicle-go/ribc/objectstore"
	"github.com/radicle-go/ribc/objectstore/packstore"
	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/refspec"
	"github.com/radicle-go/ribc/signedrefs"
	"github.com/radicle-go/ribc/tracking"
	"github.com/radicle-go/ribc/urn"
	"github.com/radicle-go/ribc/verifier"

	ribccrypto "github.com/radicle-go/ribc/crypto"
)

// Phase names one step of a replication round, in the order a
// successful round passes through them.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAdvertising
	PhaseAwaitingSignedRefs
	PhasePlanning
	PhaseFetching
	PhaseVerifying
	PhaseCommitted
	PhaseRolledBack
)

func (p Phase) String() string {
	switch p {
	case PhaseAdvertising:
		return "advertising"
	case PhaseAwaitingSignedRefs:
		return "awaiting-signed-refs"
	case PhasePlanning:
		return "planning"
	case PhaseFetching:
		return "fetching"
	case PhaseVerifying:
		return "verifying"
	case PhaseCommitted:
		return "committed"
	case PhaseRolledBack:
		return "rolled-back"
	default:
		return "idle"
	}
}

// FailureKind classifies why a round did not reach PhaseCommitted.
type FailureKind int

const (
	_ FailureKind = iota
	ErrNoSignedRefs
	ErrManifestInvalid
	ErrPlanInvalid
	ErrTransport
	ErrVerification
	ErrNonFastForward
	ErrTimeout
)

func (k FailureKind) String() string {
	switch k {
	case ErrNoSignedRefs:
		return "no-signed-refs"
	case ErrManifestInvalid:
		return "manifest-invalid"
	case ErrPlanInvalid:
		return "plan-invalid"
	case ErrTransport:
		return "transport"
	case ErrVerification:
		return "verification"
	case ErrNonFastForward:
		return "non-fast-forward"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a typed replication failure.
type Error struct {
	Kind      FailureKind
	Phase     Phase
	Namespace urn.URN
	Remote    urn.PeerID
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("replication: %s during %s of %s from %s: %s: %v", e.Kind, e.Phase, e.Namespace, e.Remote, e.Message, e.Cause)
	}
	return fmt.Sprintf("replication: %s during %s of %s from %s: %s", e.Kind, e.Phase, e.Namespace, e.Remote, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func fail(phase Phase, kind FailureKind, ns urn.URN, remote urn.PeerID, msg string, cause error) error {
	return &Error{Kind: kind, Phase: phase, Namespace: ns, Remote: remote, Message: msg, Cause: cause}
}

// RefUpdate is one ref this round installed.
type RefUpdate struct {
	Namespace urn.URN
	Path      string
	Object    urn.URN
}

// Outcome is what a successful Replicate call did.
type Outcome struct {
	Namespace urn.URN
	Remote    urn.PeerID
	Phase     Phase
	Installed []RefUpdate
}

// RemoteClient is the subset of wireproto.Client a Round drives. It is
// declared here, structurally satisfied by *wireproto.Client, so this
// package can be tested without a live gRPC connection.
type RemoteClient interface {
	Advertise(ctx context.Context, ns urn.URN) ([]refdb.Entry, error)
	FetchSignedRefs(ctx context.Context, ns urn.URN, peers []urn.PeerID) (map[string][]byte, error)
	NegotiatePack(ctx context.Context, ns urn.URN, specs []refspec.Spec) (<-chan []byte, <-chan error)
}

// PhaseTimeouts bounds how long each phase of a round may take. A zero
// duration means "no timeout beyond the caller's ctx."
type PhaseTimeouts struct {
	Advertise  time.Duration
	SignedRefs time.Duration
	Plan       time.Duration
	Fetch      time.Duration
	Verify     time.Duration
}

// Engine drives replication rounds against a local refdb/objectstore pair.
type Engine struct {
	DB      refdb.DB
	Objects objectstore.Store

	// Dial opens a RemoteClient for remote; the returned close func is
	// always called once the round (or the dial itself) is done.
	Dial func(ctx context.Context, remote urn.PeerID) (RemoteClient, func() error, error)

	Tracked        func(ns urn.URN) (tracking.Set, error)
	CertifierDepth int
	Timeouts       PhaseTimeouts

	// UserIdentity, if defined, is the owning peer's own identity
	// namespace. When both UserIdentity and Self are defined, every round
	// points ns's rad/self symref at UserIdentity's rad/id before
	// Advertise; no delegate-set check is made, and the symref is not
	// reverted if the round then fails.
	UserIdentity urn.URN
	Self         urn.PeerID

	// OnSuspect is called when a round fails for a reason attributable
	// to the remote (§7); it is never called for a local fault (a
	// cancelled ctx, or verifier.ErrCertifierDepthExceeded against our
	// own configured depth).
	OnSuspect func(remote urn.PeerID, cause error)

	// Logger receives phase transitions at Debug, suspect marking at
	// Warn, and rollback causes at Error. A nil Logger disables logging.
	Logger *logrus.Entry

	gate gate
}

func (e *Engine) logf(level logrus.Level, ns urn.URN, remote urn.PeerID, msg string, fields logrus.Fields) {
	if e.Logger == nil {
		return
	}
	entry := e.Logger.WithFields(logrus.Fields{"namespace": ns.String(), "remote": remote.String()})
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Log(level, msg)
}

// Replicate runs one round fetching ns from remote. A second call for a
// ns already in flight waits on the first round instead of starting a
// new one, returning its Outcome.
func (e *Engine) Replicate(ctx context.Context, ns urn.URN, remote urn.PeerID) (Outcome, error) {
	key := ns.String()
	round, started := e.gate.enter(key)
	if !started {
		round.wg.Wait()
		return round.outcome, round.err
	}

	outcome, err := e.run(ctx, ns, remote)
	e.gate.leave(key, outcome, err)

	if err != nil && ctx.Err() == nil {
		e.markSuspectIfRemoteFault(ns, remote, err)
	}
	return outcome, err
}

func (e *Engine) run(ctx context.Context, ns urn.URN, remote urn.PeerID) (Outcome, error) {
	client, closeClient, err := e.Dial(ctx, remote)
	if err != nil {
		return Outcome{}, fail(PhaseAdvertising, ErrTransport, ns, remote, "dial remote", err)
	}
	defer func() {
		if closeClient != nil {
			_ = closeClient()
		}
	}()

	tracked := tracking.Set{}
	if e.Tracked != nil {
		tracked, err = e.Tracked(ns)
		if err != nil {
			return Outcome{}, fail(PhaseAdvertising, ErrTransport, ns, remote, "load tracked peers", err)
		}
	}
	tracked.Add(remote)
	e.maybeRefreshSelf(ns)

	// 1. Advertise
	e.logf(logrus.DebugLevel, ns, remote, "phase: advertise", nil)
	actx, cancel := e.phaseCtx(ctx, e.Timeouts.Advertise)
	nsEntries, err := client.Advertise(actx, ns)
	cancel()
	if err != nil {
		return Outcome{}, wrapCtxErr(ctx, fail(PhaseAdvertising, ErrTransport, ns, remote, "advertise", err))
	}
	if err := checkOwnAdvertiseShape(nsEntries); err != nil {
		return Outcome{}, fail(PhaseAdvertising, ErrNoSignedRefs, ns, remote, "remote advertises rad/id with no rad/signed_refs", err)
	}

	certifiers, err := refspec.DeriveCertifiers(topLevel(nsEntries))
	if err != nil {
		return Outcome{}, fail(PhaseAdvertising, ErrPlanInvalid, ns, remote, "derive certifiers", err)
	}

	advertised := map[string][]refdb.Entry{ns.String(): nsEntries}
	for _, c := range certifiers {
		cctx, ccancel := e.phaseCtx(ctx, e.Timeouts.Advertise)
		entries, err := client.Advertise(cctx, c)
		ccancel()
		if err != nil {
			return Outcome{}, wrapCtxErr(ctx, fail(PhaseAdvertising, ErrTransport, ns, remote, "advertise certifier "+c.String(), err))
		}
		advertised[c.String()] = entries
	}

	// 2. AwaitingSignedRefs
	e.logf(logrus.DebugLevel, ns, remote, "phase: awaiting signed refs", nil)
	sctx, scancel := e.phaseCtx(ctx, e.Timeouts.SignedRefs)
	peers := tracked.Sorted()
	manifests, err := client.FetchSignedRefs(sctx, ns, peers)
	scancel()
	if err != nil {
		return Outcome{}, wrapCtxErr(ctx, fail(PhaseAwaitingSignedRefs, ErrTransport, ns, remote, "fetch signed refs", err))
	}
	if err := e.verifySignedRefs(ns, remote, peers, manifests, nsEntries); err != nil {
		return Outcome{}, err
	}

	// 3. Planning
	e.logf(logrus.DebugLevel, ns, remote, "phase: planning", logrus.Fields{"certifiers": len(certifiers)})
	specs, err := refspec.Plan(ns, remote, tracked, certifiers)
	if err != nil {
		return Outcome{}, fail(PhasePlanning, ErrPlanInvalid, ns, remote, "plan refspecs", err)
	}
	if err := refspec.Validate(specs); err != nil {
		return Outcome{}, fail(PhasePlanning, ErrPlanInvalid, ns, remote, "validate refspecs", err)
	}
	planned, err := expandSpecs(specs, advertised)
	if err != nil {
		return Outcome{}, fail(PhasePlanning, ErrPlanInvalid, ns, remote, "expand refspecs", err)
	}

	// 4. Fetching and Verifying. Verification runs against the open
	// refdb.Txn after this round's refs are applied to it but before it
	// commits, not against the live DB beforehand: a namespace's own
	// rad/id can first become resolvable only inside its own round's
	// transaction (its first clone), so verifying ahead of the fetch
	// would make that case unreachable. A verification failure rolls
	// the whole transaction back, installing nothing.
	e.logf(logrus.DebugLevel, ns, remote, "phase: fetching", logrus.Fields{"specs": len(specs)})
	fctx, fcancel := e.phaseCtx(ctx, e.Timeouts.Fetch)
	installed, err := e.fetchAndApply(fctx, client, ns, remote, specs, planned, certifiers)
	fcancel()
	if err != nil {
		e.logf(logrus.ErrorLevel, ns, remote, "fetch rolled back", logrus.Fields{"cause": err})
		return Outcome{}, wrapCtxErr(ctx, err)
	}

	e.logf(logrus.DebugLevel, ns, remote, "phase: committed", logrus.Fields{"installed": len(installed)})
	return Outcome{Namespace: ns, Remote: remote, Phase: PhaseCommitted, Installed: installed}, nil
}

func wrapCtxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (e *Engine) phaseCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (e *Engine) markSuspectIfRemoteFault(ns urn.URN, remote urn.PeerID, err error) {
	var verr *verifier.Error
	if errors.As(err, &verr) && verr.Kind == verifier.ErrCertifierDepthExceeded {
		return
	}
	e.logf(logrus.WarnLevel, ns, remote, "marking remote suspect", logrus.Fields{"cause": err})
	if e.OnSuspect == nil {
		return
	}
	e.OnSuspect(remote, err)
}

// checkOwnAdvertiseShape enforces that a remote offering a top-level
// rad/id also offers a rad/signed_refs to cover it (§4.6 step 1).
func checkOwnAdvertiseShape(entries []refdb.Entry) error {
	own := topLevel(entries)
	hasID, hasSignedRefs := false, false
	for _, e := range own {
		switch e.Path {
		case "rad/id":
			hasID = true
		case "rad/signed_refs":
			hasSignedRefs = true
		}
	}
	if hasID && !hasSignedRefs {
		return errors.New("rad/id advertised without rad/signed_refs")
	}
	return nil
}

// topLevel returns the entries not nested under a remotes/ subtree.
func topLevel(entries []refdb.Entry) []refdb.Entry {
	var out []refdb.Entry
	for _, e := range entries {
		if !strings.HasPrefix(e.Path, "remotes/") {
			out = append(out, e)
		}
	}
	return out
}

// peerView re-roots entries to the paths peer p itself would see them at:
// its own top level when p is remote, or its remotes/<p>/ subtree
// otherwise.
func peerView(entries []refdb.Entry, remote, p urn.PeerID) []refdb.Entry {
	if p.Equal(remote) {
		return topLevel(entries)
	}
	prefix := "remotes/" + p.String() + "/"
	var out []refdb.Entry
	for _, e := range entries {
		if rest, ok := cutPrefix(e.Path, prefix); ok {
			out = append(out, refdb.Entry{Path: rest, Target: e.Target})
		}
	}
	return out
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// excludeSignedRefsPointer drops rad/signed_refs from a view being checked
// against a manifest: the manifest is the content stored at that ref, so it
// cannot also attest to its own pointer without being rewritten after the
// fact.
func excludeSignedRefsPointer(entries []refdb.Entry) []refdb.Entry {
	var out []refdb.Entry
	for _, e := range entries {
		if e.Path == "rad/signed_refs" {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (e *Engine) verifySignedRefs(ns urn.URN, remote urn.PeerID, peers []urn.PeerID, manifests map[string][]byte, nsEntries []refdb.Entry) error {
	for _, p := range peers {
		view := excludeSignedRefsPointer(peerView(nsEntries, remote, p))
		if len(view) == 0 {
			continue
		}
		blob, ok := manifests[p.String()]
		if !ok {
			return fail(PhaseAwaitingSignedRefs, ErrNoSignedRefs, ns, remote, "no signed-refs manifest for "+p.String(), nil)
		}
		manifest, err := signedrefs.UnmarshalManifest(blob)
		if err != nil {
			return fail(PhaseAwaitingSignedRefs, ErrManifestInvalid, ns, remote, "unmarshal manifest for "+p.String(), err)
		}
		pub := ribccrypto.PublicKey{Alg: ribccrypto.Ed25519, Bytes: p.Key}
		if err := signedrefs.Verify(manifest, pub); err != nil {
			return fail(PhaseAwaitingSignedRefs, ErrManifestInvalid, ns, remote, "manifest signature invalid for "+p.String(), err)
		}
		if err := signedrefs.CheckAdvertised(manifest, view); err != nil {
			return fail(PhaseAwaitingSignedRefs, ErrManifestInvalid, ns, remote, "advertised refs outrun manifest for "+p.String(), err)
		}
	}
	return nil
}

// plannedRef is one concrete (non-glob) ref a refspec.Spec expanded to.
type plannedRef struct {
	ns   urn.URN
	path string
	kind refdb.TargetKind

	object urn.URN

	symrefNS   urn.URN
	symrefPath string
}

// splitAbsolute reverses refspec's nsPrefix: it recovers the namespace a
// wire-form "refs/namespaces/<ns>/refs/<rel>" path is rooted at, plus the
// relative pattern after it.
func splitAbsolute(path string) (urn.URN, string, error) {
	const marker = "refs/namespaces/"
	if !strings.HasPrefix(path, marker) {
		return urn.Undef, "", fmt.Errorf("replication: malformed wire path %q", path)
	}
	rest := path[len(marker):]
	idx := strings.Index(rest, "/refs/")
	if idx < 0 {
		return urn.Undef, "", fmt.Errorf("replication: malformed wire path %q", path)
	}
	ns, err := urn.Parse(rest[:idx])
	if err != nil {
		return urn.Undef, "", fmt.Errorf("replication: malformed namespace in wire path %q: %w", path, err)
	}
	return ns, rest[idx+len("/refs/"):], nil
}

func expandSpecs(specs []refspec.Spec, advertised map[string][]refdb.Entry) ([]plannedRef, error) {
	var out []plannedRef
	for _, s := range specs {
		srcNS, srcPat, err := splitAbsolute(s.Src)
		if err != nil {
			return nil, err
		}
		dstNS, dstPat, err := splitAbsolute(s.Dst)
		if err != nil {
			return nil, err
		}
		srcPrefix := strings.TrimSuffix(srcPat, "*")
		dstPrefix := strings.TrimSuffix(dstPat, "*")

		for _, e := range advertised[srcNS.String()] {
			if !strings.HasPrefix(e.Path, srcPrefix) {
				continue
			}
			suffix := strings.TrimPrefix(e.Path, srcPrefix)
			pr := plannedRef{ns: dstNS, path: dstPrefix + suffix, kind: e.Target.Kind}
			switch e.Target.Kind {
			case refdb.Object:
				pr.object = e.Target.Object
			case refdb.Symref:
				pr.symrefNS = e.Target.SymrefNamespace
				pr.symrefPath = e.Target.SymrefPath
			default:
				continue
			}
			out = append(out, pr)
		}
	}
	return dedupPlanned(out), nil
}

func dedupPlanned(in []plannedRef) []plannedRef {
	seen := make(map[string]bool, len(in))
	out := make([]plannedRef, 0, len(in))
	for _, p := range in {
		k := p.ns.String() + "\x00" + p.path
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}

func isIdentityObjectPath(path string) bool { return strings.HasSuffix(path, "rad/id") }

// fastForward walks new's parent chain looking for old. A zero old is
// trivially a fast-forward (there is nothing to preserve yet).
func fastForward(objs objectstore.Store, old, new urn.URN) (bool, error) {
	if !old.Defined() || old.Equal(new) {
		return true, nil
	}
	cur := new
	seen := make(map[string]bool)
	for cur.Defined() {
		if cur.Equal(old) {
			return true, nil
		}
		if seen[cur.String()] {
			return false, errors.New("replication: cycle while checking fast-forward")
		}
		seen[cur.String()] = true
		raw, err := objs.Get(cur)
		if err != nil {
			return false, err
		}
		rev, err := identity.ParseRevision(raw)
		if err != nil {
			return false, err
		}
		cur = rev.Parent
	}
	return false, nil
}

// fetchAndApply pulls the packfile covering planned's object refs,
// materializes its objects into e.Objects, applies every planned ref
// inside a single refdb.Txn, then verifies ns and certifiers against
// that same still-open transaction before committing — all or none, per
// the teacher's ReplicatingCAS.PutAll discipline this package is
// grounded on. Any ref that would non-fast-forward an identity pointer,
// or a failed verification, aborts the whole transaction via
// Txn.Rollback, not just the ref or namespace at fault.
func (e *Engine) fetchAndApply(ctx context.Context, client RemoteClient, ns urn.URN, remote urn.PeerID, specs []refspec.Spec, planned []plannedRef, certifiers []urn.URN) ([]RefUpdate, error) {
	chunks, errs := client.NegotiatePack(ctx, ns, specs)
	var pack []byte
	for chunk := range chunks {
		pack = append(pack, chunk...)
	}
	if err := <-errs; err != nil {
		return nil, fail(PhaseFetching, ErrTransport, ns, remote, "negotiate pack", err)
	}

	pstore := packstore.New(e.Objects)
	if len(pack) > 0 {
		if _, err := pstore.WritePack(pack); err != nil {
			return nil, fail(PhaseFetching, ErrTransport, ns, remote, "write fetched pack", err)
		}
	}

	var objectRefs, symrefs []plannedRef
	for _, p := range planned {
		switch p.kind {
		case refdb.Object:
			if !e.Objects.Has(p.object) {
				return nil, fail(PhaseFetching, ErrTransport, ns, remote, "remote did not provide object for "+p.path, nil)
			}
			objectRefs = append(objectRefs, p)
		case refdb.Symref:
			symrefs = append(symrefs, p)
		}
	}

	touches := make([]refdb.RefTouch, len(objectRefs))
	for i, p := range objectRefs {
		touches[i] = refdb.RefTouch{Namespace: p.ns, Path: p.path}
	}
	txn, err := e.DB.Transaction(touches)
	if err != nil {
		return nil, fail(PhaseFetching, ErrTransport, ns, remote, "open transaction", err)
	}

	var installed []RefUpdate
	for _, p := range objectRefs {
		cur, err := txn.Resolve(p.ns, p.path)
		old := urn.Undef
		if err == nil && cur.Kind == refdb.Object {
			old = cur.Object
		}
		if isIdentityObjectPath(p.path) {
			ok, ffErr := fastForward(e.Objects, old, p.object)
			if ffErr != nil {
				_ = txn.Rollback()
				return nil, fail(PhaseFetching, ErrTransport, ns, remote, "fast-forward check for "+p.path, ffErr)
			}
			if !ok {
				_ = txn.Rollback()
				return nil, fail(PhaseFetching, ErrNonFastForward, ns, remote, "non-fast-forward update of "+p.path, nil)
			}
		}
		if err := txn.Update(p.ns, p.path, old, p.object); err != nil {
			_ = txn.Rollback()
			return nil, fail(PhaseFetching, ErrNonFastForward, ns, remote, "apply "+p.path, err)
		}
		installed = append(installed, RefUpdate{Namespace: p.ns, Path: p.path, Object: p.object})
	}

	e.logf(logrus.DebugLevel, ns, remote, "phase: verifying", nil)
	vctx, vcancel := e.phaseCtx(ctx, e.Timeouts.Verify)
	verifyErr := e.verifyAll(vctx, txn, ns, certifiers)
	vcancel()
	if verifyErr != nil {
		_ = txn.Rollback()
		e.logf(logrus.ErrorLevel, ns, remote, "verification failed, rolling back", logrus.Fields{"cause": verifyErr})
		return nil, wrapCtxErr(ctx, fail(PhaseVerifying, ErrVerification, ns, remote, "verification failed", verifyErr))
	}

	if err := txn.Commit(); err != nil {
		return nil, fail(PhaseFetching, ErrTransport, ns, remote, "commit transaction", err)
	}

	for _, p := range symrefs {
		if err := e.DB.Symref(p.ns, p.path, p.symrefNS, p.symrefPath); err != nil {
			return installed, fail(PhaseFetching, ErrTransport, ns, remote, "install symref "+p.path, err)
		}
	}

	return installed, nil
}

// verifyAll checks ns and every certifier namespace concurrently, bounded
// by a fixed-size worker pool, grounded on babble's node goroutine-pool
// dispatch idiom for sync processing. resolver is wrapped with a mutex
// since it may be backed by a single refdb.Txn (not safe for concurrent
// use across goroutines) as well as a thread-safe refdb.DB.
func (e *Engine) verifyAll(ctx context.Context, resolver verifier.Resolver, ns urn.URN, certifiers []urn.URN) error {
	sr := &syncResolver{r: resolver}
	namespaces := append([]urn.URN{ns}, certifiers...)
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workerCount())
	for _, n := range namespaces {
		n := n
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()
			_, err := verifier.Verify(sr, e.Objects, n, e.CertifierDepth, e.Self)
			return err
		})
	}
	return g.Wait()
}

// syncResolver serializes access to an underlying verifier.Resolver, so
// verifyAll's worker pool can share one safely even when it is backed by
// a single refdb.Txn rather than a thread-safe refdb.DB.
type syncResolver struct {
	mu sync.Mutex
	r  verifier.Resolver
}

func (s *syncResolver) Resolve(ns urn.URN, path string) (refdb.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Resolve(ns, path)
}

func (s *syncResolver) List(ns urn.URN, prefix string) ([]refdb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.List(ns, prefix)
}

func workerCount() int {
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 1
}

func (e *Engine) maybeRefreshSelf(ns urn.URN) {
	if !e.UserIdentity.Defined() || !e.Self.Defined() {
		return
	}
	cur, err := e.DB.Resolve(ns, "rad/self")
	if err == nil && cur.Kind == refdb.Symref && cur.SymrefNamespace.Equal(e.UserIdentity) && cur.SymrefPath == "rad/id" {
		return
	}
	_ = e.DB.Symref(ns, "rad/self", e.UserIdentity, "rad/id")
}

// gate implements the per-namespace single-flight described in §5
// scenario 5: a second Replicate for a namespace already in flight waits
// on the first round rather than starting a concurrent one.
type gate struct {
	mu       sync.Mutex
	inflight map[string]*inflightRound
}

type inflightRound struct {
	wg      sync.WaitGroup
	outcome Outcome
	err     error
}

func (g *gate) enter(key string) (*inflightRound, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight == nil {
		g.inflight = make(map[string]*inflightRound)
	}
	if r, ok := g.inflight[key]; ok {
		return r, false
	}
	r := &inflightRound{}
	r.wg.Add(1)
	g.inflight[key] = r
	return r, true
}

func (g *gate) leave(key string, outcome Outcome, err error) {
	g.mu.Lock()
	r, ok := g.inflight[key]
	delete(g.inflight, key)
	g.mu.Unlock()
	if !ok {
		return
	}
	r.outcome, r.err = outcome, err
	r.wg.Done()
}
