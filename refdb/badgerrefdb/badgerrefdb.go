// Package badgerrefdb is the persistent refdb.DB backend: one Badger key
// per (namespace, path), keyed so lexicographic byte order matches ref path
// order, letting List's prefix scans use a plain iterator seek.
package badgerrefdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger"
	"golang.org/x/crypto/blake2b"

	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/urn"
)

// checksumKey holds the blake2b-256 digest of the most recently committed
// multi-ref transaction's touched keys and values, overwritten on every
// commit. It gives an operator a cheap tamper-evidence check independent
// of Badger's own on-disk integrity: LastChecksum lets a diagnostic tool
// confirm the digest it holds out-of-band still matches what's on disk.
var checksumKey = []byte("\x00meta\x00last-txn-checksum")

// DB is a refdb.DB backed by an on-disk Badger instance.
type DB struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger-backed ref store at path.
func Open(path string) (*DB, error) {
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.SyncWrites = true
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerrefdb: open: %w", err)
	}
	return &DB{db: handle}, nil
}

// Close releases the underlying Badger handle.
func (d *DB) Close() error { return d.db.Close() }

// LastChecksum returns the blake2b-256 digest recorded by the most
// recently committed Transaction, or refdb.ErrNotFound if no
// multi-ref transaction has committed yet.
func (d *DB) LastChecksum() ([]byte, error) {
	var sum []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checksumKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return refdb.ErrNotFound
			}
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		sum = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

func refKey(ns urn.URN, path string) []byte {
	return []byte(ns.String() + "\x00" + path)
}

type wireTarget struct {
	Kind            int
	Object          string
	SymrefNamespace string
	SymrefPath      string
}

func encodeTarget(t refdb.Target) ([]byte, error) {
	return json.Marshal(wireTarget{
		Kind:            int(t.Kind),
		Object:          t.Object.String(),
		SymrefNamespace: t.SymrefNamespace.String(),
		SymrefPath:      t.SymrefPath,
	})
}

func decodeTarget(data []byte) (refdb.Target, error) {
	var w wireTarget
	if err := json.Unmarshal(data, &w); err != nil {
		return refdb.Target{}, err
	}
	t := refdb.Target{Kind: refdb.TargetKind(w.Kind), SymrefPath: w.SymrefPath}
	if w.Object != "" {
		obj, err := urn.Parse(w.Object)
		if err != nil {
			return refdb.Target{}, err
		}
		t.Object = obj
	}
	if w.SymrefNamespace != "" {
		sns, err := urn.Parse(w.SymrefNamespace)
		if err != nil {
			return refdb.Target{}, err
		}
		t.SymrefNamespace = sns
	}
	return t, nil
}

func (d *DB) Resolve(ns urn.URN, path string) (refdb.Target, error) {
	var out refdb.Target
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(refKey(ns, path))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return refdb.ErrNotFound
			}
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		out, err = decodeTarget(val)
		return err
	})
	if err != nil {
		return refdb.Target{}, err
	}
	return out, nil
}

func (d *DB) Update(ns urn.URN, path string, old, new urn.URN, ff refdb.FastForwardChecker) (refdb.UpdateResult, error) {
	result := refdb.RefMismatch
	err := d.db.Update(func(txn *badger.Txn) error {
		k := refKey(ns, path)
		var cur refdb.Target
		item, err := txn.Get(k)
		switch {
		case err == badger.ErrKeyNotFound:
			cur = refdb.Target{Kind: refdb.Missing}
		case err != nil:
			return err
		default:
			val, verr := item.Value()
			if verr != nil {
				return verr
			}
			cur, err = decodeTarget(val)
			if err != nil {
				return err
			}
		}

		if cur.Kind == refdb.Object {
			if !cur.Object.Equal(old) {
				result = refdb.RefMismatch
				return nil
			}
		} else if old.Defined() {
			result = refdb.RefMismatch
			return nil
		}

		if ff != nil && cur.Kind == refdb.Object {
			ok, ferr := ff(ns, path, cur.Object, new)
			if ferr != nil {
				return ferr
			}
			if !ok {
				result = refdb.NonFastForward
				return nil
			}
		}

		enc, eerr := encodeTarget(refdb.Target{Kind: refdb.Object, Object: new})
		if eerr != nil {
			return eerr
		}
		if serr := txn.Set(k, enc); serr != nil {
			return serr
		}
		result = refdb.Ok
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (d *DB) List(ns urn.URN, prefix string) ([]refdb.Entry, error) {
	var out []refdb.Entry
	nsPrefix := []byte(ns.String() + "\x00")
	scanPrefix := append(append([]byte{}, nsPrefix...), []byte(prefix)...)
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(scanPrefix); it.ValidForPrefix(scanPrefix); it.Next() {
			item := it.Item()
			val, err := item.Value()
			if err != nil {
				return err
			}
			target, err := decodeTarget(val)
			if err != nil {
				return err
			}
			path := bytes.TrimPrefix(item.Key(), nsPrefix)
			out = append(out, refdb.Entry{Path: string(path), Target: target})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (d *DB) Symref(ns urn.URN, path string, targetNS urn.URN, targetPath string) error {
	enc, err := encodeTarget(refdb.Target{Kind: refdb.Symref, SymrefNamespace: targetNS, SymrefPath: targetPath})
	if err != nil {
		return err
	}
	tx := d.db.NewTransaction(true)
	defer tx.Discard()
	if err := tx.Set(refKey(ns, path), enc); err != nil {
		return err
	}
	return tx.Commit(nil)
}

// Transaction locks no rows up front (Badger's own transaction gives
// snapshot isolation with conflict detection on commit); refs is still
// used to reject touches outside the declared set. memrefdb does not
// lock per ref either.
func (d *DB) Transaction(refs []refdb.RefTouch) (refdb.Txn, error) {
	touched := make(map[string]struct{}, len(refs))
	sorted := append([]refdb.RefTouch(nil), refs...)
	sort.Slice(sorted, func(i, j int) bool {
		return string(refKey(sorted[i].Namespace, sorted[i].Path)) < string(refKey(sorted[j].Namespace, sorted[j].Path))
	})
	for _, r := range sorted {
		touched[string(refKey(r.Namespace, r.Path))] = struct{}{}
	}
	return &txn{db: d, tx: d.db.NewTransaction(true), touched: touched}, nil
}

type txn struct {
	db      *DB
	tx      *badger.Txn
	touched map[string]struct{}
	done    bool
}

func (t *txn) checkTouched(ns urn.URN, path string) error {
	if _, ok := t.touched[string(refKey(ns, path))]; !ok {
		return fmt.Errorf("badgerrefdb: ref %s %s not part of this transaction", ns, path)
	}
	return nil
}

func (t *txn) Resolve(ns urn.URN, path string) (refdb.Target, error) {
	item, err := t.tx.Get(refKey(ns, path))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return refdb.Target{}, refdb.ErrNotFound
		}
		return refdb.Target{}, err
	}
	val, err := item.Value()
	if err != nil {
		return refdb.Target{}, err
	}
	return decodeTarget(val)
}

// List scans through the transaction's own Badger handle, so a namespace's
// still-uncommitted writes this round show up alongside committed ones.
func (t *txn) List(ns urn.URN, prefix string) ([]refdb.Entry, error) {
	var out []refdb.Entry
	nsPrefix := []byte(ns.String() + "\x00")
	scanPrefix := append(append([]byte{}, nsPrefix...), []byte(prefix)...)
	it := t.tx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(scanPrefix); it.ValidForPrefix(scanPrefix); it.Next() {
		item := it.Item()
		val, err := item.Value()
		if err != nil {
			return nil, err
		}
		target, err := decodeTarget(val)
		if err != nil {
			return nil, err
		}
		path := bytes.TrimPrefix(item.Key(), nsPrefix)
		out = append(out, refdb.Entry{Path: string(path), Target: target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
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
	} else if err != refdb.ErrNotFound {
		return err
	} else if old.Defined() {
		return err
	}
	enc, err := encodeTarget(refdb.Target{Kind: refdb.Object, Object: new})
	if err != nil {
		return err
	}
	return t.tx.Set(refKey(ns, path), enc)
}

func (t *txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.writeChecksum(); err != nil {
		t.tx.Discard()
		return err
	}
	return t.tx.Commit(nil)
}

// writeChecksum folds every touched ref's key and current value into a
// single blake2b-256 digest, in key order so the result does not depend
// on the caller's RefTouch ordering, and stores it at checksumKey within
// the same transaction being committed.
func (t *txn) writeChecksum() error {
	keys := make([]string, 0, len(t.touched))
	for k := range t.touched {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	for _, k := range keys {
		h.Write([]byte(k))
		item, err := t.tx.Get([]byte(k))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				continue
			}
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		h.Write(val)
	}
	return t.tx.Set(checksumKey, h.Sum(nil))
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.tx.Discard()
	return nil
}
