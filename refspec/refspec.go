// Package refspec computes the ordered fetch refspec for one replication
// round against one remote peer (C5), and derives the certifier set a
// planning round must also pull from a remote's advertised refs.
//
// Deterministic ordering here is grounded on the teacher's
// storage/casconfig.Open, which reorders CAS backends by explicit slice
// order rather than map iteration, and storage.MultiCAS's "hydration order
// is slice order, callers supply a fixed order" discipline — applied here
// to refspec emission order instead of backend fallback order.
package refspec

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/radicle-go/ribc/refdb"
	"github.com/radicle-go/ribc/tracking"
	"github.com/radicle-go/ribc/urn"
)

// Spec is one fetch refspec: pull Src on the remote into Dst locally.
// Force marks the ref as safe to overwrite without a fast-forward check
// (git's "+" refspec prefix).
type Spec struct {
	Src   string
	Dst   string
	Force bool
}

// ErrUnsafeForce is returned by Validate when a planned spec would force
// an update under rad/id or rad/signed_refs, defeating I1's fast-forward
// guarantee.
var ErrUnsafeForce = errors.New("refspec: unsafe force flag on identity ref")

func nsPrefix(ns urn.URN) string {
	return "refs/namespaces/" + ns.String() + "/refs/"
}

// Plan computes the ordered refspec list for fetching namespace ns from
// remote, given the peers currently tracked in ns and the certifier
// identities a prior advertise round discovered. It implements §4.4's two
// cases: for remote itself, map its owned view into our mirror of it; for
// every other tracked peer, remote is merely relaying, so we map remote's
// own mirror of that peer into ours unchanged.
//
// certifiers must already be sorted and de-duplicated (see
// DeriveCertifiers); tracked peers are sorted internally by PeerID text
// form so identical inputs always produce byte-identical output (P4).
func Plan(ns urn.URN, remote urn.PeerID, tracked tracking.Set, certifiers []urn.URN) ([]Spec, error) {
	if remote.Equal(urn.PeerID{}) {
		return nil, errors.New("refspec: remote peer is required")
	}
	prefixN := nsPrefix(ns)

	// Adopt our own copy of ns's and every certifier's rad/id, not just
	// remote's mirror of them under remotes/<p>/: verifier.Verify always
	// reads a namespace's own bare rad/id, never a remotes/ mirror, so
	// without this a namespace never seen locally before (a fresh clone)
	// can never become verifiable no matter how many rounds mirror it.
	// Repeating this every round is safe: it carries no Force, so I1's
	// fast-forward check still gates it like any other rad/id update.
	specs := []Spec{{Src: prefixN + "rad/id*", Dst: prefixN + "rad/id*"}}
	for _, c := range certifiers {
		prefixC := nsPrefix(c)
		specs = append(specs, Spec{Src: prefixC + "rad/id*", Dst: prefixC + "rad/id*"})
	}

	for _, p := range tracked.Sorted() {
		if p.Equal(remote) {
			specs = append(specs, Spec{
				Src:   prefixN + "heads/*",
				Dst:   prefixN + "remotes/" + p.String() + "/heads/*",
				Force: true,
			})
			specs = append(specs, Spec{
				Src: prefixN + "rad/id*",
				Dst: prefixN + "remotes/" + p.String() + "/rad/id*",
			})
			for _, c := range certifiers {
				prefixC := nsPrefix(c)
				specs = append(specs, Spec{
					Src: prefixC + "rad/id*",
					Dst: prefixC + "remotes/" + p.String() + "/rad/id*",
				})
			}
			continue
		}

		relay := prefixN + "remotes/" + p.String() + "/"
		specs = append(specs, Spec{
			Src:   relay + "heads/*",
			Dst:   relay + "heads/*",
			Force: true,
		})
		specs = append(specs, Spec{
			Src: relay + "rad/id*",
			Dst: relay + "rad/id*",
		})
		for _, c := range certifiers {
			relayC := nsPrefix(c) + "remotes/" + p.String() + "/"
			specs = append(specs, Spec{
				Src: relayC + "rad/id*",
				Dst: relayC + "rad/id*",
			})
		}
	}
	return specs, nil
}

// Validate rejects any spec that would let a fetch bypass the fast-forward
// guarantee on rad/id or rad/signed_refs (I1): those refs must never carry
// Force, regardless of how deep under remotes/ they are nested.
func Validate(specs []Spec) error {
	for _, s := range specs {
		if s.Force && refersToIdentity(s.Dst) {
			return fmt.Errorf("%w: %s -> %s", ErrUnsafeForce, s.Src, s.Dst)
		}
	}
	return nil
}

func refersToIdentity(path string) bool {
	idx := strings.LastIndex(path, "/rad/")
	if idx < 0 {
		return false
	}
	rest := path[idx+len("/rad/"):]
	return strings.HasPrefix(rest, "id") || strings.HasPrefix(rest, "signed_refs")
}

// DeriveCertifiers extracts the set of certifier identities named by
// rad/ids/<certifier-urn> entries in a remote's advertised refs, sorted
// lexicographically by URN text form and de-duplicated.
func DeriveCertifiers(advertised []refdb.Entry) ([]urn.URN, error) {
	seen := make(map[string]urn.URN)
	for _, e := range advertised {
		rest := strings.TrimPrefix(e.Path, "rad/ids/")
		if rest == e.Path {
			continue
		}
		c, err := urn.Parse(rest)
		if err != nil {
			return nil, fmt.Errorf("refspec: malformed certifier ref %q: %w", e.Path, err)
		}
		seen[c.String()] = c
	}
	out := make([]urn.URN, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
