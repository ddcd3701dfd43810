// Package ipfscli is an objectstore.Store backed by the local Kubo "ipfs"
// CLI, adapted from the teacher's storage/ipfs CAS adapter: same
// shell-out-to-block-put/get/stat shape, retargeted from cid.Cid to
// urn.URN so it satisfies objectstore.Store alongside localfs and the
// Badger-backed refdb.
//
// This is an optional backend. The core library stays storage-provider
// agnostic; anything implementing objectstore.Store composes into
// MultiStore/ReplicatingStore the same way localfs does.
package ipfscli

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/radicle-go/ribc/objectstore"
	"github.com/radicle-go/ribc/objectstore/localfs"
	"github.com/radicle-go/ribc/urn"
)

// Store shells out to a local "ipfs" binary for every operation; it does
// not embed a network client, and works against an offline Kubo repo the
// same way the teacher's adapter does.
type Store struct {
	bin    string
	env    []string
	hashFn uint64
}

// Options configures Store.
type Options struct {
	// Bin is the path to the ipfs binary. Empty uses "ipfs" from $PATH.
	Bin string
	// Env overrides the command environment (e.g. IPFS_PATH). Nil uses
	// the process environment.
	Env []string
	// HashFn selects the multihash function objects are addressed with.
	// Zero defaults to multihash.SHA2_256, matching localfs's default.
	HashFn uint64
}

// New builds a Store from opts.
func New(opts Options) *Store {
	bin := opts.Bin
	if bin == "" {
		bin = "ipfs"
	}
	hashFn := opts.HashFn
	if hashFn == 0 {
		hashFn = multihash.SHA2_256
	}
	return &Store{bin: bin, env: opts.Env, hashFn: hashFn}
}

// Put writes data as an IPFS raw block and returns its urn.URN, verifying
// the multihash ipfs echoes back in its reported CID matches the
// canonical one computed locally, exactly as the teacher's adapter
// round-trips the CID.
func (s *Store) Put(data []byte) (urn.URN, error) {
	id, err := urn.New(localfs.SniffCodec(data), data, s.hashFn)
	if err != nil {
		return urn.Undef, err
	}

	out, err := s.run(data,
		"block", "put",
		"--quiet",
		"--format=raw",
		mhtypeFlag(s.hashFn),
		"--cid-version=1",
		"/dev/stdin",
	)
	if err != nil {
		return urn.Undef, err
	}

	reported, err := cid.Decode(strings.TrimSpace(string(out)))
	if err != nil {
		return urn.Undef, fmt.Errorf("ipfscli: decode reported cid: %w", err)
	}
	if !bytes.Equal(reported.Hash(), id.Hash) {
		return urn.Undef, objectstore.ErrURNMismatch
	}
	return id, nil
}

// Get fetches the block addressed by id and verifies its bytes hash back
// to id before returning them.
func (s *Store) Get(id urn.URN) ([]byte, error) {
	if !id.Defined() {
		return nil, objectstore.ErrInvalidURN
	}

	blockID, err := ipfsBlockID(id)
	if err != nil {
		return nil, err
	}
	out, err := s.run(nil, "block", "get", blockID)
	if err != nil {
		if isLikelyNotFound(err) {
			return nil, objectstore.ErrNotFound
		}
		return nil, err
	}

	got, err := urn.New(id.Codec, out, s.hashFn)
	if err != nil {
		return nil, err
	}
	if !got.Equal(id) {
		return nil, objectstore.ErrURNMismatch
	}
	return out, nil
}

// Has reports whether the local ipfs repo holds a block for id.
func (s *Store) Has(id urn.URN) bool {
	if !id.Defined() {
		return false
	}
	blockID, err := ipfsBlockID(id)
	if err != nil {
		return false
	}
	_, err = s.run(nil, "block", "stat", blockID)
	return err == nil
}

// ipfsBlockID renders id as the CIDv1 string the ipfs CLI's "block
// get"/"block stat" expect: a raw-codec CID wrapping id's multihash,
// not the urn.URN's own rad:-scheme text form.
func ipfsBlockID(id urn.URN) (string, error) {
	if len(id.Hash) == 0 {
		return "", objectstore.ErrInvalidURN
	}
	return cid.NewCidV1(cid.Raw, id.Hash).String(), nil
}

func mhtypeFlag(hashFn uint64) string {
	name, ok := multihash.Codes[hashFn]
	if !ok {
		name = "sha2-256"
	}
	return "--mhtype=" + name
}

func (s *Store) run(stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.Command(s.bin, args...)
	if s.env != nil {
		cmd.Env = s.env
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	out, err := cmd.Output()
	if err == nil {
		return out, nil
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		msg := strings.TrimSpace(string(ee.Stderr))
		if msg == "" {
			return nil, fmt.Errorf("ipfscli: %v", err)
		}
		return nil, fmt.Errorf("ipfscli: %s", msg)
	}
	return nil, err
}

func isLikelyNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "block not found")
}
