// Package keystore defines the consumed key-storage interface (§6): sign
// opaque bytes, report the corresponding public key, never let the private
// key leave the store.
package keystore

import "github.com/radicle-go/ribc/crypto"

// Store signs on behalf of a peer without exposing the private key.
type Store interface {
	Sign(msg []byte) (crypto.Signature, error)
	Public() crypto.PublicKey
}
