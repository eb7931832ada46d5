// Package crypto provides the cryptographic primitives shared across the
// mesh: Ed25519 sign/verify, X25519 key agreement, AES-256-GCM sealing, and
// the PBKDF2 key derivation used to turn a master key into per-record keys.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Kind categorizes a crypto failure so callers can branch without parsing
// error strings.
type Kind string

const (
	KindInvalidKey      Kind = "InvalidKey"
	KindDecryptFailed    Kind = "DecryptFailed"
	KindSignVerifyFailed Kind = "SignVerifyFailed"
	KindKdfFailed        Kind = "KdfFailed"
	KindRngFailed        Kind = "RngFailed"
)

// Error is the typed error returned by every crypto operation.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crypto: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("crypto: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// Signer signs and verifies raw byte strings with Ed25519.
type Signer interface {
	Sign(data []byte) []byte
	Verify(data []byte, signature []byte) bool
	PublicKey() ed25519.PublicKey
	PublicKeyHex() string
}

// Ed25519Signer is the default Signer implementation: a raw 32-byte seed
// and its derived public key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, newErr(KindRngFailed, err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed reconstructs a signer from a 32-byte seed, the
// wire representation used for device enrollment and persistence.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, newErr(KindInvalidKey, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed)))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *Ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

func (s *Ed25519Signer) Verify(data []byte, signature []byte) bool {
	return ed25519.Verify(s.pub, data, signature)
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

func (s *Ed25519Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

// Seed returns the raw 32-byte seed backing this signer.
func (s *Ed25519Signer) Seed() []byte { return s.priv.Seed() }

// Verify checks a detached Ed25519 signature against a raw public key,
// returning false (never panicking) on malformed input.
func Verify(pubKey ed25519.PublicKey, data, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pubKey, data, signature)
}

// ParsePublicKeyHex decodes a hex-encoded Ed25519 public key.
func ParsePublicKeyHex(h string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, newErr(KindInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, newErr(KindInvalidKey, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw)))
	}
	return ed25519.PublicKey(raw), nil
}
