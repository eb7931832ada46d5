package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// SaltSize is the PBKDF2 salt size in bytes.
	SaltSize = 16
	// NonceSize is the AES-GCM nonce size in bytes (96 bits).
	NonceSize = 12
	// PBKDF2Iterations matches spec §4.1: 100,000 iterations of HMAC-SHA256.
	PBKDF2Iterations = 100_000
)

// DeriveKey runs PBKDF2-HMAC-SHA256 over masterKey with a per-record salt,
// producing a 32-byte AES-256 key. KdfFailed is reserved for salt-size
// violations; PBKDF2 itself cannot otherwise fail.
func DeriveKey(masterKey, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, newErr(KindKdfFailed, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt)))
	}
	return pbkdf2.Key([]byte(masterKeyString(masterKey)), salt, PBKDF2Iterations, KeySize, sha256.New), nil
}

// masterKeyString returns a copy of k so pbkdf2.Key never aliases the
// caller's slice. It does not reject a nil or zero-length key.
func masterKeyString(k []byte) []byte {
	cp := make([]byte, len(k))
	copy(cp, k)
	return cp
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, newErr(KindRngFailed, err)
	}
	return b, nil
}

// SealRecord encrypts plaintext under a key derived from masterKey and a
// fresh random salt, returning salt(16) || nonce(12) || ciphertext || tag(16)
// per spec §4.5. Each call derives a fresh key (via a fresh salt), so the
// AES-GCM nonce may safely be random per call — the (key,nonce) pair is
// unique because the key itself is unique.
func SealRecord(masterKey, plaintext []byte) ([]byte, error) {
	salt, err := RandomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(masterKey, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(NonceSize)
	if err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, SaltSize+NonceSize+len(ct))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// OpenRecord reverses SealRecord, authenticating and decrypting.
func OpenRecord(masterKey, sealed []byte) ([]byte, error) {
	if len(sealed) < SaltSize+NonceSize {
		return nil, newErr(KindDecryptFailed, fmt.Errorf("sealed record too short"))
	}
	salt := sealed[:SaltSize]
	nonce := sealed[SaltSize : SaltSize+NonceSize]
	ct := sealed[SaltSize+NonceSize:]

	key, err := DeriveKey(masterKey, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, newErr(KindDecryptFailed, err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, newErr(KindInvalidKey, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newErr(KindInvalidKey, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newErr(KindInvalidKey, err)
	}
	return gcm, nil
}

// FrameSealer seals per-message frames (spec §4.1b: single-use unique
// nonce discipline, as opposed to SealRecord's per-call derived key). The
// key is fixed for the lifetime of the sealer (typically a session key
// derived once via ECDH); FrameSealer guarantees nonce uniqueness itself
// via a monotonic counter so that (key,nonce) is never reused even if two
// frames are sealed with an identical key.
type FrameSealer struct {
	mu      sync.Mutex
	gcm     cipher.AEAD
	counter uint64
	salt    [4]byte // random per-sealer prefix so two sealers sharing a key never collide
}

// NewFrameSealer builds a sealer bound to a fixed 32-byte key.
func NewFrameSealer(key []byte) (*FrameSealer, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	var prefix [4]byte
	if _, err := io.ReadFull(rand.Reader, prefix[:]); err != nil {
		return nil, newErr(KindRngFailed, err)
	}
	return &FrameSealer{gcm: gcm, salt: prefix}, nil
}

// Seal encrypts plaintext with a nonce unique to this sealer instance,
// returning nonce || ciphertext || tag.
func (s *FrameSealer) Seal(plaintext []byte) []byte {
	s.mu.Lock()
	n := s.counter
	s.counter++
	s.mu.Unlock()

	nonce := make([]byte, NonceSize)
	copy(nonce, s.salt[:])
	binary.BigEndian.PutUint64(nonce[4:], n)

	return s.gcm.Seal(nonce, nonce, plaintext, nil)
}

// Open decrypts a frame produced by Seal (or a peer's FrameSealer sharing
// the same key).
func (s *FrameSealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, newErr(KindDecryptFailed, fmt.Errorf("sealed frame too short"))
	}
	nonce := sealed[:NonceSize]
	ct := sealed[NonceSize:]
	pt, err := s.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, newErr(KindDecryptFailed, err)
	}
	return pt, nil
}

// ECDHKeyPair is an ephemeral X25519 keypair used for one handshake only,
// guaranteeing perfect forward secrecy (spec invariant 5): discard it once
// the session key is derived.
type ECDHKeyPair struct {
	priv [32]byte
	pub  [32]byte
}

// NewEphemeralECDHKeyPair generates a fresh X25519 keypair.
func NewEphemeralECDHKeyPair() (*ECDHKeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, newErr(KindRngFailed, err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, newErr(KindInvalidKey, err)
	}
	var pubArr [32]byte
	copy(pubArr[:], pub)
	return &ECDHKeyPair{priv: priv, pub: pubArr}, nil
}

// PublicKey returns the 32-byte X25519 public key to send to the peer.
func (k *ECDHKeyPair) PublicKey() [32]byte { return k.pub }

// Agree computes the shared secret with a peer's public key and passes it
// through a KDF (SHA3-256 of the raw ECDH output plus a domain separation
// label) to produce a 32-byte symmetric key — the raw ECDH output is never
// used directly as spec §4.1 requires.
func (k *ECDHKeyPair) Agree(peerPublic [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(k.priv[:], peerPublic[:])
	if err != nil {
		return nil, newErr(KindInvalidKey, err)
	}
	h := sha3.New256()
	h.Write([]byte("aegismesh/session-key/v1"))
	h.Write(shared)
	return h.Sum(nil), nil
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information, used for nonce/salt equality checks where that matters.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
