// Package tracking computes and persists the per-namespace peer-tracking
// relation (C8): which remote peers a local mirror of a namespace follows,
// directly or transitively.
package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/urn"
)

// Set is the tracked-peer relation for one namespace. PeerID carries a
// byte slice and so is not itself comparable; Set is keyed by its stable
// text form instead of the spec's literal map[PeerID]struct{} shape.
type Set map[string]urn.PeerID

// NewSet builds a Set from a list of peers, de-duplicating by text form.
func NewSet(peers ...urn.PeerID) Set {
	s := make(Set, len(peers))
	for _, p := range peers {
		s[p.String()] = p
	}
	return s
}

// Contains reports whether p is a member of s.
func (s Set) Contains(p urn.PeerID) bool {
	_, ok := s[p.String()]
	return ok
}

// Add inserts p into s.
func (s Set) Add(p urn.PeerID) { s[p.String()] = p }

// Sorted returns the set's members in a fixed, deterministic order (P4).
func (s Set) Sorted() []urn.PeerID {
	out := make([]urn.PeerID, 0, len(s))
	for _, p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Direct returns the peers directly tracked in ns: those with a non-empty
// remotes/<p>/ subtree in db, unioned with peers named in the namespace's
// tracking config file (if loaded separately and passed via extra).
func Direct(db refdb.DB, ns urn.URN, extra Set) (Set, error) {
	seen, err := peersUnderPrefix(db, ns, "remotes/")
	if err != nil {
		return nil, err
	}
	for _, p := range extra {
		seen.Add(p)
	}
	return seen, nil
}

// peersUnderPrefix lists the distinct peer identifiers named by the path
// segment immediately following prefix under refs/namespaces/ns/refs/.
func peersUnderPrefix(db refdb.DB, ns urn.URN, prefix string) (Set, error) {
	entries, err := db.List(ns, prefix)
	if err != nil {
		return nil, fmt.Errorf("tracking: list %s: %w", prefix, err)
	}
	out := make(Set)
	for _, e := range entries {
		rest := strings.TrimPrefix(e.Path, prefix)
		idx := strings.Index(rest, "/")
		if idx < 0 {
			continue
		}
		p, perr := urn.ParsePeerID(rest[:idx])
		if perr != nil {
			continue
		}
		out.Add(p)
	}
	return out, nil
}

// Transitive computes the set of peers reachable from ns within depth
// hops of "is directly tracked by", BFS-bounded over the nested
// remotes/<p>/remotes/<q>/... ref layout each peer's own mirror carries.
// Grounded on the teacher's casregistry's bounded, registry-style lookup
// discipline generalized to a bounded graph walk. cache memoizes
// per-prefix lookups so a replication round only lists each ref subtree
// once.
func Transitive(db refdb.DB, ns urn.URN, depth int, cache map[string]Set) (Set, error) {
	if depth <= 0 {
		return make(Set), nil
	}
	if cache == nil {
		cache = make(map[string]Set)
	}

	lookup := func(prefix string) (Set, error) {
		if s, ok := cache[prefix]; ok {
			return s, nil
		}
		s, err := peersUnderPrefix(db, ns, prefix)
		if err != nil {
			return nil, err
		}
		cache[prefix] = s
		return s, nil
	}

	result := make(Set)
	frontierPrefixes := []string{"remotes/"}
	for d := 0; d < depth && len(frontierPrefixes) > 0; d++ {
		var nextPrefixes []string
		for _, prefix := range frontierPrefixes {
			hop, err := lookup(prefix)
			if err != nil {
				return nil, err
			}
			for _, p := range hop.Sorted() {
				if result.Contains(p) {
					continue
				}
				result.Add(p)
				nextPrefixes = append(nextPrefixes, prefix+p.String()+"/remotes/")
			}
		}
		frontierPrefixes = nextPrefixes
	}
	return result, nil
}

// ErrInvalidConfig is returned by LoadConfig/SaveConfig for malformed files.
var ErrInvalidConfig = errors.New("tracking: invalid config")

// configFile is the on-disk JSON shape for one namespace's tracking
// config, format and atomic-rewrite discipline grounded on the teacher's
// casconfig.LoadFile/Config.Validate.
type configFile struct {
	Namespace string   `json:"namespace"`
	Peers     []string `json:"peers"`
}

// LoadConfig reads the tracking config file for ns at path. A missing file
// is not an error; it is treated as an empty Set.
func LoadConfig(path string, ns urn.URN) (Set, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(Set), nil
		}
		return nil, err
	}
	var cfg configFile
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Namespace != "" && cfg.Namespace != ns.String() {
		return nil, fmt.Errorf("%w: config namespace %q does not match %q", ErrInvalidConfig, cfg.Namespace, ns)
	}
	set := make(Set, len(cfg.Peers))
	for _, s := range cfg.Peers {
		p, err := urn.ParsePeerID(s)
		if err != nil {
			return nil, fmt.Errorf("%w: peer %q: %v", ErrInvalidConfig, s, err)
		}
		set.Add(p)
	}
	return set, nil
}

// saveConfig atomically rewrites the tracking config file at path: write to
// a temp file in the same directory, then rename, so readers never see a
// partial write.
func saveConfig(path string, ns urn.URN, set Set) error {
	cfg := configFile{Namespace: ns.String()}
	for _, p := range set.Sorted() {
		cfg.Peers = append(cfg.Peers, p.String())
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Track adds peer to ns's persisted tracking config.
func Track(path string, ns urn.URN, peer urn.PeerID) error {
	set, err := LoadConfig(path, ns)
	if err != nil {
		return err
	}
	set.Add(peer)
	return saveConfig(path, ns, set)
}

// Untrack removes peer from ns's persisted tracking config. Per §4.7,
// peers beyond the configured depth are retained, not forgotten; Untrack
// is the only operation that actually removes a peer from the config.
func Untrack(path string, ns urn.URN, peer urn.PeerID) error {
	set, err := LoadConfig(path, ns)
	if err != nil {
		return err
	}
	delete(set, peer.String())
	return saveConfig(path, ns, set)
}
