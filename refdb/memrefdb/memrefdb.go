// Package memrefdb is an in-memory refdb.DB for tests: a mutex-guarded map,
// mirroring the teacher's storage/testkit conformance-test idiom rather than
// any on-disk persistence concern.
package memrefdb

import (
	"sort"
	"strings"
	"sync"

	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/urn"
)

// DB is a refdb.DB backed by a single process-local map.
type DB struct {
	mu   sync.Mutex
	refs map[string]refdb.Target
}

// New constructs an empty DB.
func New() *DB {
	return &DB{refs: make(map[string]refdb.Target)}
}

func key(ns urn.URN, path string) string {
	return ns.String() + "\x00" + path
}

func (d *DB) Resolve(ns urn.URN, path string) (refdb.Target, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveLocked(ns, path)
}

func (d *DB) resolveLocked(ns urn.URN, path string) (refdb.Target, error) {
	t, ok := d.refs[key(ns, path)]
	if !ok {
		return refdb.Target{}, refdb.ErrNotFound
	}
	return t, nil
}

func (d *DB) Update(ns urn.URN, path string, old, new urn.URN, ff refdb.FastForwardChecker) (refdb.UpdateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.resolveLocked(ns, path)
	if err == nil {
		if cur.Kind != refdb.Object || !cur.Object.Equal(old) {
			return refdb.RefMismatch, nil
		}
	} else if old.Defined() {
		return refdb.RefMismatch, nil
	}

	if ff != nil && cur.Kind == refdb.Object {
		ok, err := ff(ns, path, cur.Object, new)
		if err != nil {
			return 0, err
		}
		if !ok {
			return refdb.NonFastForward, nil
		}
	}

	d.refs[key(ns, path)] = refdb.Target{Kind: refdb.Object, Object: new}
	return refdb.Ok, nil
}

func (d *DB) List(ns urn.URN, prefix string) ([]refdb.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nsPrefix := ns.String() + "\x00" + prefix
	var out []refdb.Entry
	for k, t := range d.refs {
		if !strings.HasPrefix(k, ns.String()+"\x00") {
			continue
		}
		if !strings.HasPrefix(k, nsPrefix) {
			continue
		}
		path := strings.TrimPrefix(k, ns.String()+"\x00")
		out = append(out, refdb.Entry{Path: path, Target: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (d *DB) Symref(ns urn.URN, path string, targetNS urn.URN, targetPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs[key(ns, path)] = refdb.Target{Kind: refdb.Symref, SymrefNamespace: targetNS, SymrefPath: targetPath}
	return nil
}

// Transaction declares the refs a caller intends to Update, but does not
// lock them: Resolve and List run against the live db as they're called,
// overlaid with this txn's own pending writes, so a verification pass run
// mid-transaction sees both committed state and the round's own not-yet-
// committed writes (needed for a namespace's first clone, whose own
// rad/id only starts resolving inside its own round's transaction).
func (d *DB) Transaction(refs []refdb.RefTouch) (refdb.Txn, error) {
	touched := make(map[string]refdb.RefTouch, len(refs))
	sorted := append([]refdb.RefTouch(nil), refs...)
	sort.Slice(sorted, func(i, j int) bool { return key(sorted[i].Namespace, sorted[i].Path) < key(sorted[j].Namespace, sorted[j].Path) })
	for _, r := range sorted {
		touched[key(r.Namespace, r.Path)] = r
	}
	return &txn{db: d, touched: touched}, nil
}

type txn struct {
	db      *DB
	touched map[string]refdb.RefTouch
	pending map[string]refdb.Target
	done    bool
}

func (t *txn) checkTouched(ns urn.URN, path string) error {
	if _, ok := t.touched[key(ns, path)]; !ok {
		return refdbErrUnresolvedTouch(ns, path)
	}
	return nil
}

func (t *txn) Resolve(ns urn.URN, path string) (refdb.Target, error) {
	if t.pending != nil {
		if v, ok := t.pending[key(ns, path)]; ok {
			return v, nil
		}
	}
	return t.db.Resolve(ns, path)
}

func (t *txn) List(ns urn.URN, prefix string) ([]refdb.Entry, error) {
	out, err := t.db.List(ns, prefix)
	if err != nil {
		return nil, err
	}
	if t.pending == nil {
		return out, nil
	}

	nsPrefix := ns.String() + "\x00" + prefix
	byPath := make(map[string]refdb.Target, len(out))
	for _, e := range out {
		byPath[e.Path] = e.Target
	}
	for k, v := range t.pending {
		if !strings.HasPrefix(k, nsPrefix) {
			continue
		}
		byPath[strings.TrimPrefix(k, ns.String()+"\x00")] = v
	}

	merged := make([]refdb.Entry, 0, len(byPath))
	for path, target := range byPath {
		merged = append(merged, refdb.Entry{Path: path, Target: target})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Path < merged[j].Path })
	return merged, nil
}

func (t *txn) Update(ns urn.URN, path string, old, new urn.URN) error {
	if err := t.checkTouched(ns, path); err != nil {
		return err
	}
	cur, err := t.Resolve(ns, path)
	if err == nil {
		if cur.Kind != refdb.Object || !cur.Object.Equal(old) {
			return refdb.ErrNotFound
		}
	} else if old.Defined() {
		return err
	}
	if t.pending == nil {
		t.pending = make(map[string]refdb.Target)
	}
	t.pending[key(ns, path)] = refdb.Target{Kind: refdb.Object, Object: new}
	return nil
}

func (t *txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for k, v := range t.pending {
		t.db.refs[k] = v
	}
	return nil
}

func (t *txn) Rollback() error {
	t.done = true
	return nil
}

func refdbErrUnresolvedTouch(ns urn.URN, path string) error {
	return &unresolvedTouchError{ns: ns, path: path}
}

type unresolvedTouchError struct {
	ns   urn.URN
	path string
}

func (e *unresolvedTouchError) Error() string {
	return "memrefdb: ref " + e.ns.String() + " " + e.path + " not part of this transaction"
}
