// Package peer exposes the replication interface (spec §6) a caller
// drives a local ribc peer through: replicate a namespace from a remote,
// track/untrack peers for a namespace, list who is currently tracked, and
// verify a namespace's identity history independent of any round.
//
// It is a thin façade over replication.Engine, tracking and verifier —
// grounded on the teacher's model.ResolveResult/ResolveAndRenderCROF shape
// of a small options struct plus module-level entrypoints returning a
// Go-friendly result, generalized here to methods on Peer since each
// operation needs the same (db, objects, tracking-config-path) context.
package peer

import (
	"context"
	"fmt"

	"github.com/radicle-go/ribc/objectstore"
	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/replication"
	"github.com/radicle-go/ribc/tracking"
	"github.com/radicle-go/ribc/urn"
	"github.com/radicle-go/ribc/verifier"
)

// Options configures a Peer.
type Options struct {
	DB      refdb.DB
	Objects objectstore.Store
	Engine  *replication.Engine

	// CertifierDepth bounds Verify's certifier recursion; zero falls
	// back to verifier.DefaultCertifierDepth.
	CertifierDepth int

	// ConfigPath returns the on-disk tracking config file path for ns.
	// Track, Untrack and ListPeers all read/write through it.
	ConfigPath func(ns urn.URN) string

	// Self is this peer's own PeerID, checked against I4's delegate
	// membership requirement by Verify.
	Self urn.PeerID
}

// Peer is the local handle spec §6's external interfaces are built from.
type Peer struct {
	db             refdb.DB
	objs           objectstore.Store
	engine         *replication.Engine
	certifierDepth int
	configPath     func(ns urn.URN) string
	self           urn.PeerID
}

// New builds a Peer from opts. Engine, DB and Objects must be non-nil.
func New(opts Options) (*Peer, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("peer: nil DB")
	}
	if opts.Objects == nil {
		return nil, fmt.Errorf("peer: nil Objects")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("peer: nil Engine")
	}
	if opts.ConfigPath == nil {
		return nil, fmt.Errorf("peer: nil ConfigPath")
	}
	depth := opts.CertifierDepth
	if depth <= 0 {
		depth = verifier.DefaultCertifierDepth
	}
	return &Peer{
		db:             opts.DB,
		objs:           opts.Objects,
		engine:         opts.Engine,
		certifierDepth: depth,
		configPath:     opts.ConfigPath,
		self:           opts.Self,
	}, nil
}

// Replicate runs one replication round fetching ns from remote. It is a
// direct pass-through to the engine; Peer adds no state of its own here,
// since Engine.Replicate already single-flights concurrent callers per
// namespace.
func (p *Peer) Replicate(ctx context.Context, ns urn.URN, remote urn.PeerID) (replication.Outcome, error) {
	return p.engine.Replicate(ctx, ns, remote)
}

// Track adds peer to ns's persisted tracking config, so future replication
// rounds for ns include peer in their planning (§4.7).
func (p *Peer) Track(ns urn.URN, peer urn.PeerID) error {
	return tracking.Track(p.configPath(ns), ns, peer)
}

// Untrack removes peer from ns's persisted tracking config. Per §4.7 this
// is the only operation that forgets a peer outright; a peer merely beyond
// the transitive-tracking depth is still retained, not dropped.
func (p *Peer) Untrack(ns urn.URN, peer urn.PeerID) error {
	return tracking.Untrack(p.configPath(ns), ns, peer)
}

// ListPeers reports every peer currently tracked for ns: those named in
// ns's persisted config, unioned with those already mirrored under
// remotes/<peer>/ in the refdb (a peer can be mirrored before it is ever
// explicitly configured, e.g. as someone else's certifier).
func (p *Peer) ListPeers(ns urn.URN) ([]urn.PeerID, error) {
	configured, err := tracking.LoadConfig(p.configPath(ns), ns)
	if err != nil {
		return nil, err
	}
	direct, err := tracking.Direct(p.db, ns, configured)
	if err != nil {
		return nil, err
	}
	return direct.Sorted(), nil
}

// Verify re-checks ns's identity history from the local refdb/objectstore,
// independent of any replication round, returning the same Verdict a
// round's own verification phase would compute.
func (p *Peer) Verify(ns urn.URN) (*verifier.Verdict, error) {
	return verifier.Verify(p.db, p.objs, ns, p.certifierDepth, p.self)
}
