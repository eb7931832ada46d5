package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/crypto"
)

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	msg := []byte("challenge-payload")
	sig := signer.Sign(msg)
	require.True(t, signer.Verify(msg, sig))

	// Flipping a signature bit invalidates it.
	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0x01
	require.False(t, signer.Verify(msg, tampered))

	// Flipping a message bit invalidates it.
	tamperedMsg := append([]byte(nil), msg...)
	tamperedMsg[0] ^= 0x01
	require.False(t, signer.Verify(tamperedMsg, sig))
}

func TestSealOpenRecordRoundTrip(t *testing.T) {
	masterKey, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)

	pt := []byte(`{"note":"hello"}`)
	sealed, err := crypto.SealRecord(masterKey, pt)
	require.NoError(t, err)

	got, err := crypto.OpenRecord(masterKey, sealed)
	require.NoError(t, err)
	require.Equal(t, pt, got)

	// Wrong key fails to decrypt.
	otherKey, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	_, err = crypto.OpenRecord(otherKey, sealed)
	require.Error(t, err)

	// Flipped ciphertext byte fails to decrypt.
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = crypto.OpenRecord(masterKey, tampered)
	require.Error(t, err)
}

func TestFrameSealerNoncesNeverRepeat(t *testing.T) {
	key, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	sealer, err := crypto.NewFrameSealer(key)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		out := sealer.Seal([]byte("frame"))
		nonce := string(out[:crypto.NonceSize])
		require.False(t, seen[nonce], "nonce reused at iteration %d", i)
		seen[nonce] = true
	}
}

func TestECDHPerfectForwardSecrecy(t *testing.T) {
	a1, err := crypto.NewEphemeralECDHKeyPair()
	require.NoError(t, err)
	b1, err := crypto.NewEphemeralECDHKeyPair()
	require.NoError(t, err)

	k1a, err := a1.Agree(b1.PublicKey())
	require.NoError(t, err)
	k1b, err := b1.Agree(a1.PublicKey())
	require.NoError(t, err)
	require.Equal(t, k1a, k1b)

	// A second session between the same parties uses fresh ephemeral keys
	// and therefore derives a different session key.
	a2, err := crypto.NewEphemeralECDHKeyPair()
	require.NoError(t, err)
	b2, err := crypto.NewEphemeralECDHKeyPair()
	require.NoError(t, err)
	k2, err := a2.Agree(b2.PublicKey())
	require.NoError(t, err)

	require.NotEqual(t, k1a, k2)
}

func TestMasterKeyStorePersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/master.key"

	s1, err := crypto.OpenMasterKeyStore(path)
	require.NoError(t, err)
	key1 := s1.Get()

	s2, err := crypto.OpenMasterKeyStore(path)
	require.NoError(t, err)
	key2 := s2.Get()

	require.Equal(t, key1, key2)
}

func TestKeyRingEnrollIsIdempotentButRejectsKeyChange(t *testing.T) {
	ring := crypto.NewKeyRing()
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	require.NoError(t, ring.Enroll("device-1", signer.PublicKey()))
	require.NoError(t, ring.Enroll("device-1", signer.PublicKey())) // idempotent

	other, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	err = ring.Enroll("device-1", other.PublicKey())
	require.ErrorIs(t, err, crypto.ErrAlreadyEnrolled)
}
