package crypto

import (
	"crypto/ed25519"
	"fmt"
	"sync"
)

// KeyRing resolves a device's public key by id, so transport and handshake
// code can verify signatures without threading a single Signer everywhere.
// Registration is a one-time operation per device id: keys are immutable
// once enrolled (spec: "public key unique per id; immutable after enrollment").
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyRing creates an empty keyring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

// ErrAlreadyEnrolled is returned when a device id is re-enrolled with a
// different public key.
var ErrAlreadyEnrolled = fmt.Errorf("crypto: device already enrolled with a different key")

// Enroll registers deviceID's public key. Re-enrolling with the same key is
// idempotent; re-enrolling with a different key is rejected.
func (k *KeyRing) Enroll(deviceID string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return newErr(KindInvalidKey, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.keys[deviceID]; ok {
		if string(existing) != string(pub) {
			return ErrAlreadyEnrolled
		}
		return nil
	}
	cp := make(ed25519.PublicKey, len(pub))
	copy(cp, pub)
	k.keys[deviceID] = cp
	return nil
}

// Lookup returns the enrolled public key for deviceID.
func (k *KeyRing) Lookup(deviceID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[deviceID]
	return pub, ok
}

// Revoke removes deviceID's enrollment (owner-initiated device revocation).
func (k *KeyRing) Revoke(deviceID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, deviceID)
}

// VerifyFor verifies a signature against deviceID's enrolled key.
func (k *KeyRing) VerifyFor(deviceID string, data, signature []byte) bool {
	pub, ok := k.Lookup(deviceID)
	if !ok {
		return false
	}
	return Verify(pub, data, signature)
}
