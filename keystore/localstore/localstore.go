// Package localstore is a filesystem-backed keystore.Store.
//
// EXPERIMENTAL: this storage surface is not part of the stable protocol
// core API and may change in MINOR releases.
//
// Adapted from the reference KMS-lite design: Ed25519 root keys per
// identifier, with deterministic role-subkey derivation so a single root
// seed can produce stable, independently-revocable signing keys (e.g. one
// key for `rad/id` revisions, a separate one for device authentication)
// without storing more than the root seed on disk.
package localstore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/radicle-go/ribc/crypto"
)

// keystoreDomain scopes every derived subkey to this KMS, the same
// "<thing>-v1" domain-separation convention identity uses to tag a
// document's or revision's URN.
const keystoreDomain = "ribc-keystore-v1"

// Store is a simple local-first key management system.
type Store struct {
	Directory string
}

// Entry describes one managed identifier and its derived roles.
type Entry struct {
	Identifier string
	Roles      []string
}

// DefaultDirectory returns ~/.ribc/keys.
func DefaultDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ribc", "keys"), nil
}

// Open constructs a Store rooted at directory, defaulting to DefaultDirectory.
func Open(directory string) (*Store, error) {
	if directory == "" {
		var err error
		directory, err = DefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &Store{Directory: directory}, nil
}

func (s *Store) rootKeyPath(identifier string) string {
	return filepath.Join(s.Directory, identifier, "root.key")
}

func (s *Store) roleKeyPath(identifier, role string) string {
	return filepath.Join(s.Directory, identifier, "roles", role+".key")
}

func checkName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("localstore: %s cannot be empty", kind)
	}
	for _, c := range name {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			continue
		}
		return fmt.Errorf("localstore: invalid character %q in %s", c, kind)
	}
	return nil
}

func saveSeed(path string, seed []byte, overwrite bool) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("localstore: seed must be %d bytes", ed25519.SeedSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return f.Close()
}

func loadSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "0x")
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("localstore: expected seed of %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return seed, nil
}

// InitRoot creates (or overwrites) the root Ed25519 key for identifier.
func (s *Store) InitRoot(identifier string, seed []byte, overwrite bool) (*Identity, error) {
	if err := checkName("identifier", identifier); err != nil {
		return nil, err
	}
	if err := saveSeed(s.rootKeyPath(identifier), seed, overwrite); err != nil {
		return nil, err
	}
	return &Identity{signer: crypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed))}, nil
}

// DeriveRole deterministically derives a role-specific signing identity from the root key.
func (s *Store) DeriveRole(identifier, role string, overwrite bool) (*Identity, error) {
	if err := checkName("identifier", identifier); err != nil {
		return nil, err
	}
	if err := checkName("role", role); err != nil {
		return nil, err
	}
	rootSeed, err := loadSeed(s.rootKeyPath(identifier))
	if err != nil {
		return nil, err
	}
	roleSeed, err := deriveRoleSeed(rootSeed, identifier, role)
	if err != nil {
		return nil, err
	}
	if err := saveSeed(s.roleKeyPath(identifier, role), roleSeed, overwrite); err != nil {
		return nil, err
	}
	return &Identity{signer: crypto.NewEd25519Signer(ed25519.NewKeyFromSeed(roleSeed))}, nil
}

// Load opens a previously initialized root or role identity.
func (s *Store) Load(identifier, role string) (*Identity, error) {
	if err := checkName("identifier", identifier); err != nil {
		return nil, err
	}
	var path string
	if role == "" {
		path = s.rootKeyPath(identifier)
	} else {
		if err := checkName("role", role); err != nil {
			return nil, err
		}
		path = s.roleKeyPath(identifier, role)
	}
	seed, err := loadSeed(path)
	if err != nil {
		return nil, err
	}
	return &Identity{signer: crypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed))}, nil
}

// List enumerates managed identifiers and their derived roles.
func (s *Store) List() ([]Entry, error) {
	entries, err := os.ReadDir(s.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)

	var out []Entry
	for _, id := range ids {
		rolesDir := filepath.Join(s.Directory, id, "roles")
		roleEntries, rerr := os.ReadDir(rolesDir)
		var roles []string
		if rerr == nil {
			for _, re := range roleEntries {
				if re.IsDir() {
					continue
				}
				if strings.HasSuffix(re.Name(), ".key") {
					roles = append(roles, strings.TrimSuffix(re.Name(), ".key"))
				}
			}
			sort.Strings(roles)
		}
		out = append(out, Entry{Identifier: id, Roles: roles})
	}
	return out, nil
}

// deriveRoleSeed derives a role-specific Ed25519 seed from a root seed
// via HKDF-SHA256: the root seed is the secret, identifier is the salt,
// keystoreDomain+role is the expand info.
func deriveRoleSeed(rootSeed []byte, identifier, role string) ([]byte, error) {
	if len(rootSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("localstore: root seed must be %d bytes", ed25519.SeedSize)
	}
	if err := checkName("identifier", identifier); err != nil {
		return nil, err
	}
	if err := checkName("role", role); err != nil {
		return nil, err
	}
	info := []byte(keystoreDomain + "\x00role:" + role)
	r := hkdf.New(sha256.New, rootSeed, []byte(identifier), info)
	out := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("localstore: hkdf expand: %w", err)
	}
	return out, nil
}

// Identity implements keystore.Store for one loaded or derived signing key.
type Identity struct {
	signer *crypto.Ed25519Signer
}

func (i *Identity) Sign(msg []byte) (crypto.Signature, error) { return i.signer.Sign(msg) }
func (i *Identity) Public() crypto.PublicKey                  { return i.signer.Public() }

// Ed25519Signer exposes the underlying signer for callers that need the
// raw key material (e.g. quicconn's TLS certificate generation).
func (i *Identity) Ed25519Signer() *crypto.Ed25519Signer { return i.signer }
