// Package crypto implements the signature and content-hashing primitives
// (C1): Ed25519-class signatures over peer and delegate keys, with an
// optional post-quantum delegate scheme, plus the hash functions objects
// may be content-addressed with.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// Algorithm tags a Signature/PublicKey with the scheme used to produce it.
type Algorithm string

const (
	Ed25519    Algorithm = "ed25519"
	Dilithium3 Algorithm = "dilithium3"
)

// PublicKey is an algorithm-tagged verification key.
type PublicKey struct {
	Alg   Algorithm
	Bytes []byte
}

// Signature is an algorithm-tagged signature.
type Signature struct {
	Alg   Algorithm
	Bytes []byte
}

// Signer produces signatures over caller-supplied message bytes. It never
// exposes the underlying private key.
type Signer interface {
	Sign(msg []byte) (Signature, error)
	Public() PublicKey
}

// Ed25519Signer is the default delegate signing scheme.
type Ed25519Signer struct {
	private ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing Ed25519 private key.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{private: priv}
}

// GenerateEd25519Signer creates a fresh random Ed25519 key pair.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{private: priv}, nil
}

func (s *Ed25519Signer) Sign(msg []byte) (Signature, error) {
	digest := sha256.Sum256(msg)
	sig := ed25519.Sign(s.private, digest[:])
	return Signature{Alg: Ed25519, Bytes: sig}, nil
}

func (s *Ed25519Signer) Public() PublicKey {
	pub := s.private.Public().(ed25519.PublicKey)
	return PublicKey{Alg: Ed25519, Bytes: append([]byte(nil), pub...)}
}

// PrivateKey exposes the raw key material for transports that need to
// hand it to a lower-level primitive directly (quicconn's TLS
// certificate generation, which ed25519.Sign alone can't front for).
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey { return s.private }

// Dilithium3Signer is an optional post-quantum delegate scheme: a document's
// quorum rule may require it for a subset of delegates during a migration
// period.
type Dilithium3Signer struct {
	private *mode3.PrivateKey
	public  *mode3.PublicKey
}

// GenerateDilithium3Signer creates a fresh Dilithium3 key pair.
func GenerateDilithium3Signer() (*Dilithium3Signer, error) {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Dilithium3Signer{private: priv, public: pub}, nil
}

func (s *Dilithium3Signer) Sign(msg []byte) (Signature, error) {
	digest := sha3.Sum256(msg)
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.private, digest[:], sig)
	return Signature{Alg: Dilithium3, Bytes: sig}, nil
}

func (s *Dilithium3Signer) Public() PublicKey {
	b, _ := s.public.MarshalBinary()
	return PublicKey{Alg: Dilithium3, Bytes: b}
}

// Verify dispatches to the scheme named by sig.Alg.
func Verify(pub PublicKey, msg []byte, sig Signature) error {
	if pub.Alg != sig.Alg {
		return fmt.Errorf("crypto: public key alg %q does not match signature alg %q", pub.Alg, sig.Alg)
	}
	switch sig.Alg {
	case Ed25519:
		if len(pub.Bytes) != ed25519.PublicKeySize {
			return errors.New("crypto: invalid ed25519 public key length")
		}
		if len(sig.Bytes) != ed25519.SignatureSize {
			return errors.New("crypto: invalid ed25519 signature length")
		}
		digest := sha256.Sum256(msg)
		if !ed25519.Verify(ed25519.PublicKey(pub.Bytes), digest[:], sig.Bytes) {
			return errors.New("crypto: ed25519 signature invalid")
		}
		return nil
	case Dilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub.Bytes); err != nil {
			return fmt.Errorf("crypto: invalid dilithium3 public key: %w", err)
		}
		if len(sig.Bytes) != mode3.SignatureSize {
			return errors.New("crypto: invalid dilithium3 signature length")
		}
		digest := sha3.Sum256(msg)
		if !mode3.Verify(&pk, digest[:], sig.Bytes) {
			return errors.New("crypto: dilithium3 signature invalid")
		}
		return nil
	default:
		return fmt.Errorf("crypto: unsupported algorithm %q", sig.Alg)
	}
}

// HashSHA256 is the default object content hash.
func HashSHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashBlake3 is an alternate object content hash (BLAKE3-256). URNs
// addressed with multihash code "blake3" are computed by go-multihash in
// urn.New, not by this function.
func HashBlake3(data []byte) [32]byte {
	var out [32]byte
	sum := blake3.Sum256(data)
	copy(out[:], sum[:])
	return out
}
