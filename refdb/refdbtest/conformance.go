// Package refdbtest is a conformance suite shared by every refdb.DB
// backend, mirroring the teacher's storage/testkit pattern for CAS
// implementations.
package refdbtest

import (
	"testing"

	"github.com/multiformats/go-multihash"

	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/urn"
)

// NewDB constructs a fresh, empty DB instance for a test. The returned DB
// MUST be isolated from other tests.
type NewDB func(t *testing.T) refdb.DB

func mustURN(t *testing.T, seed string) urn.URN {
	t.Helper()
	u, err := urn.New("identity-v1", []byte(seed), multihash.SHA2_256)
	if err != nil {
		t.Fatalf("urn.New: %v", err)
	}
	return u
}

// Run exercises the common DB contract against newDB.
func Run(t *testing.T, newDB NewDB) {
	t.Helper()

	t.Run("ResolveMissingIsNotFound", func(t *testing.T) {
		db := newDB(t)
		ns := mustURN(t, "ns-a")
		if _, err := db.Resolve(ns, "heads/main"); err != refdb.ErrNotFound {
			t.Fatalf("Resolve missing: got %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateFromMissingSucceeds", func(t *testing.T) {
		db := newDB(t)
		ns := mustURN(t, "ns-b")
		obj := mustURN(t, "obj-1")
		res, err := db.Update(ns, "heads/main", urn.Undef, obj, nil)
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if res != refdb.Ok {
			t.Fatalf("Update: got %v, want Ok", res)
		}
		target, err := db.Resolve(ns, "heads/main")
		if err != nil {
			t.Fatalf("Resolve after Update: %v", err)
		}
		if target.Kind != refdb.Object || !target.Object.Equal(obj) {
			t.Fatalf("unexpected target: %+v", target)
		}
	})

	t.Run("UpdateDetectsMismatch", func(t *testing.T) {
		db := newDB(t)
		ns := mustURN(t, "ns-c")
		obj1 := mustURN(t, "obj-1")
		obj2 := mustURN(t, "obj-2")
		wrongOld := mustURN(t, "wrong-old")
		if _, err := db.Update(ns, "heads/main", urn.Undef, obj1, nil); err != nil {
			t.Fatalf("initial Update: %v", err)
		}
		res, err := db.Update(ns, "heads/main", wrongOld, obj2, nil)
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if res != refdb.RefMismatch {
			t.Fatalf("Update: got %v, want RefMismatch", res)
		}
	})

	t.Run("UpdateRejectsNonFastForward", func(t *testing.T) {
		db := newDB(t)
		ns := mustURN(t, "ns-d")
		obj1 := mustURN(t, "obj-1")
		obj2 := mustURN(t, "obj-2")
		if _, err := db.Update(ns, "rad/id", urn.Undef, obj1, nil); err != nil {
			t.Fatalf("initial Update: %v", err)
		}
		rejectAll := func(urn.URN, string, urn.URN, urn.URN) (bool, error) { return false, nil }
		res, err := db.Update(ns, "rad/id", obj1, obj2, rejectAll)
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if res != refdb.NonFastForward {
			t.Fatalf("Update: got %v, want NonFastForward", res)
		}
	})

	t.Run("ListPrefixScan", func(t *testing.T) {
		db := newDB(t)
		ns := mustURN(t, "ns-e")
		for _, path := range []string{"heads/main", "heads/feature", "rad/self"} {
			obj := mustURN(t, path)
			if _, err := db.Update(ns, path, urn.Undef, obj, nil); err != nil {
				t.Fatalf("Update(%s): %v", path, err)
			}
		}
		entries, err := db.List(ns, "heads/")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries under heads/, got %d: %+v", len(entries), entries)
		}
		if entries[0].Path >= entries[1].Path {
			t.Fatalf("expected lexicographically sorted entries, got %+v", entries)
		}
	})

	t.Run("SymrefIsNotAutoDereferenced", func(t *testing.T) {
		db := newDB(t)
		ns := mustURN(t, "ns-f")
		remoteNS := mustURN(t, "ns-remote")
		if err := db.Symref(ns, "rad/self", remoteNS, "heads/main"); err != nil {
			t.Fatalf("Symref: %v", err)
		}
		target, err := db.Resolve(ns, "rad/self")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if target.Kind != refdb.Symref {
			t.Fatalf("expected Symref target, got %+v", target)
		}
		if !target.SymrefNamespace.Equal(remoteNS) || target.SymrefPath != "heads/main" {
			t.Fatalf("unexpected symref target: %+v", target)
		}
	})

	t.Run("TransactionAppliesAllOrNothing", func(t *testing.T) {
		db := newDB(t)
		ns := mustURN(t, "ns-g")
		obj1 := mustURN(t, "obj-1")
		obj2 := mustURN(t, "obj-2")

		txn, err := db.Transaction([]refdb.RefTouch{
			{Namespace: ns, Path: "heads/main"},
			{Namespace: ns, Path: "rad/signed_refs"},
		})
		if err != nil {
			t.Fatalf("Transaction: %v", err)
		}
		if err := txn.Update(ns, "heads/main", urn.Undef, obj1); err != nil {
			t.Fatalf("txn.Update(heads/main): %v", err)
		}
		if err := txn.Update(ns, "rad/signed_refs", urn.Undef, obj2); err != nil {
			t.Fatalf("txn.Update(rad/signed_refs): %v", err)
		}
		if err := txn.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		target, err := db.Resolve(ns, "heads/main")
		if err != nil || target.Kind != refdb.Object || !target.Object.Equal(obj1) {
			t.Fatalf("heads/main not committed: target=%+v err=%v", target, err)
		}
	})

	t.Run("TransactionListSeesOwnPendingWrites", func(t *testing.T) {
		db := newDB(t)
		ns := mustURN(t, "ns-i")
		existing := mustURN(t, "obj-existing")
		if _, err := db.Update(ns, "heads/existing", urn.Undef, existing, nil); err != nil {
			t.Fatalf("seed Update: %v", err)
		}

		txn, err := db.Transaction([]refdb.RefTouch{{Namespace: ns, Path: "heads/pending"}})
		if err != nil {
			t.Fatalf("Transaction: %v", err)
		}
		pending := mustURN(t, "obj-pending")
		if err := txn.Update(ns, "heads/pending", urn.Undef, pending); err != nil {
			t.Fatalf("txn.Update: %v", err)
		}

		entries, err := txn.List(ns, "heads/")
		if err != nil {
			t.Fatalf("txn.List: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected pending write to be visible alongside committed state, got %d: %+v", len(entries), entries)
		}

		target, err := txn.Resolve(ns, "heads/pending")
		if err != nil {
			t.Fatalf("txn.Resolve(heads/pending): %v", err)
		}
		if target.Kind != refdb.Object || !target.Object.Equal(pending) {
			t.Fatalf("unexpected pending target: %+v", target)
		}

		if _, err := db.List(ns, "heads/"); err != nil {
			t.Fatalf("db.List outside txn: %v", err)
		}
		if entries, err := db.List(ns, "heads/"); err != nil || len(entries) != 1 {
			t.Fatalf("pending write leaked before commit: entries=%+v err=%v", entries, err)
		}

		if err := txn.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		entries, err = db.List(ns, "heads/")
		if err != nil {
			t.Fatalf("List after commit: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected both refs after commit, got %d: %+v", len(entries), entries)
		}
	})

	t.Run("TransactionRollbackDiscardsChanges", func(t *testing.T) {
		db := newDB(t)
		ns := mustURN(t, "ns-h")
		obj := mustURN(t, "obj-1")

		txn, err := db.Transaction([]refdb.RefTouch{{Namespace: ns, Path: "heads/main"}})
		if err != nil {
			t.Fatalf("Transaction: %v", err)
		}
		if err := txn.Update(ns, "heads/main", urn.Undef, obj); err != nil {
			t.Fatalf("txn.Update: %v", err)
		}
		if err := txn.Rollback(); err != nil {
			t.Fatalf("Rollback: %v", err)
		}
		if _, err := db.Resolve(ns, "heads/main"); err != refdb.ErrNotFound {
			t.Fatalf("expected ref to remain absent after rollback, got %v", err)
		}
	})
}
