package tracking

import (
	"path/filepath"
	"testing"

	"github.com/multiformats/go-multihash"

	ribccrypto "github.com/radicle-go/ribc/crypto"
	"github.com/radicle-go/ribc/refdb/memrefdb"
	"github.com/radicle-go/ribc/urn"
)

func peer(t *testing.T) urn.PeerID {
	t.Helper()
	s, err := ribccrypto.GenerateEd25519Signer()
	if err != nil {
		t.Fatalf("GenerateEd25519Signer: %v", err)
	}
	return urn.PeerID{Key: append([]byte(nil), s.Public().Bytes...)}
}

func testNS(t *testing.T) urn.URN {
	t.Helper()
	u, err := urn.New("identity-v1", []byte(t.Name()), multihash.SHA2_256)
	if err != nil {
		t.Fatalf("urn.New: %v", err)
	}
	return u
}

func mustObjURN(t *testing.T) urn.URN {
	t.Helper()
	u, err := urn.New("object-v1", []byte(t.Name()+"-obj"), multihash.SHA2_256)
	if err != nil {
		t.Fatalf("urn.New: %v", err)
	}
	return u
}

func TestDirectListsPeersWithNonEmptyRemotes(t *testing.T) {
	db := memrefdb.New()
	ns := testNS(t)
	p1, p2 := peer(t), peer(t)
	obj := mustObjURN(t)

	if _, err := db.Update(ns, "remotes/"+p1.String()+"/heads/main", urn.Undef, obj, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := db.Update(ns, "remotes/"+p2.String()+"/rad/id", urn.Undef, obj, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	direct, err := Direct(db, ns, nil)
	if err != nil {
		t.Fatalf("Direct: %v", err)
	}
	if !direct.Contains(p1) || !direct.Contains(p2) {
		t.Fatalf("expected both peers tracked, got %+v", direct)
	}
}

func TestTransitiveBoundedByDepth(t *testing.T) {
	db := memrefdb.New()
	ns := testNS(t)
	p1, p2, p3 := peer(t), peer(t), peer(t)
	obj := mustObjURN(t)

	if _, err := db.Update(ns, "remotes/"+p1.String()+"/heads/main", urn.Undef, obj, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := db.Update(ns, "remotes/"+p1.String()+"/remotes/"+p2.String()+"/heads/main", urn.Undef, obj, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := db.Update(ns, "remotes/"+p1.String()+"/remotes/"+p2.String()+"/remotes/"+p3.String()+"/heads/main", urn.Undef, obj, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	depth1, err := Transitive(db, ns, 1, nil)
	if err != nil {
		t.Fatalf("Transitive(1): %v", err)
	}
	if !depth1.Contains(p1) || depth1.Contains(p2) || depth1.Contains(p3) {
		t.Fatalf("depth 1 should only contain p1, got %+v", depth1)
	}

	depth2, err := Transitive(db, ns, 2, nil)
	if err != nil {
		t.Fatalf("Transitive(2): %v", err)
	}
	if !depth2.Contains(p1) || !depth2.Contains(p2) || depth2.Contains(p3) {
		t.Fatalf("depth 2 should contain p1 and p2 only, got %+v", depth2)
	}

	depth3, err := Transitive(db, ns, 3, nil)
	if err != nil {
		t.Fatalf("Transitive(3): %v", err)
	}
	if !depth3.Contains(p1) || !depth3.Contains(p2) || !depth3.Contains(p3) {
		t.Fatalf("depth 3 should contain all three peers, got %+v", depth3)
	}
}

func TestTrackUntrackPersistConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracking.json")
	ns := testNS(t)
	p1, p2 := peer(t), peer(t)

	if err := Track(path, ns, p1); err != nil {
		t.Fatalf("Track(p1): %v", err)
	}
	if err := Track(path, ns, p2); err != nil {
		t.Fatalf("Track(p2): %v", err)
	}

	set, err := LoadConfig(path, ns)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !set.Contains(p1) || !set.Contains(p2) {
		t.Fatalf("expected both peers in config, got %+v", set)
	}

	if err := Untrack(path, ns, p1); err != nil {
		t.Fatalf("Untrack(p1): %v", err)
	}
	set, err = LoadConfig(path, ns)
	if err != nil {
		t.Fatalf("LoadConfig after Untrack: %v", err)
	}
	if set.Contains(p1) {
		t.Fatalf("expected p1 removed after Untrack")
	}
	if !set.Contains(p2) {
		t.Fatalf("expected p2 still tracked")
	}
}

func TestLoadConfigRejectsNamespaceMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracking.json")
	ns := testNS(t)
	other := mustObjURN(t)

	if err := Track(path, ns, peer(t)); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := LoadConfig(path, other); err == nil {
		t.Fatalf("expected namespace mismatch to be rejected")
	}
}
