package cryptoutils

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundtrip(t *testing.T) {
	_, privkey, err := RandomDeviceKeypair()
	require.NoError(t, err, "Failed to generate keypair")

	entropy := make([]byte, 32)
	_, err = rand.Read(entropy)
	require.NoError(t, err)

	wrapped, err := WrapWithEntropy(privkey, "device-key-1", entropy)
	require.NoError(t, err, "Wrap should succeed")
	assert.NotContains(t, string(wrapped), "PRIVATE KEY", "Wrapped blob must not contain plaintext key material")

	plain, err := UnwrapWithEntropy(wrapped, "device-key-1", entropy)
	require.NoError(t, err, "Unwrap should succeed")
	assert.Equal(t, []byte(privkey), plain, "Unwrap should recover the original key")
}

func TestUnwrapFailsClosedOnDeviceKeyChange(t *testing.T) {
	entropy := make([]byte, 32)
	_, err := rand.Read(entropy)
	require.NoError(t, err)

	wrapped, err := WrapWithEntropy([]byte("key material"), "device-key-1", entropy)
	require.NoError(t, err)

	// Device key was re-provisioned under a different identifier
	_, err = UnwrapWithEntropy(wrapped, "device-key-2", entropy)
	assert.ErrorIs(t, err, ErrUnwrap, "Unwrap under a different device key id must fail closed")

	// Entropy no longer matches
	otherEntropy := make([]byte, 32)
	_, err = rand.Read(otherEntropy)
	require.NoError(t, err)

	_, err = UnwrapWithEntropy(wrapped, "device-key-1", otherEntropy)
	assert.ErrorIs(t, err, ErrUnwrap, "Unwrap with different entropy must fail closed")
}

func TestUnwrapRejectsTamperedBlob(t *testing.T) {
	entropy := make([]byte, 32)
	_, err := rand.Read(entropy)
	require.NoError(t, err)

	wrapped, err := WrapWithEntropy([]byte("key material"), "device-key-1", entropy)
	require.NoError(t, err)

	wrapped[len(wrapped)-1] ^= 0x01

	_, err = UnwrapWithEntropy(wrapped, "device-key-1", entropy)
	assert.ErrorIs(t, err, ErrUnwrap, "Tampered blob must fail with ErrUnwrap")
}

func TestWrapIsNonDeterministic(t *testing.T) {
	entropy := make([]byte, 32)
	_, err := rand.Read(entropy)
	require.NoError(t, err)

	first, err := WrapWithEntropy([]byte("key material"), "device-key-1", entropy)
	require.NoError(t, err)

	second, err := WrapWithEntropy([]byte("key material"), "device-key-1", entropy)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "Two wraps of the same key must produce different blobs")
}

func TestEntropyBoundKeySigner(t *testing.T) {
	pubkey, privkey, err := RandomDeviceKeypair()
	require.NoError(t, err)

	entropy := make([]byte, 32)
	_, err = rand.Read(entropy)
	require.NoError(t, err)

	wrapped, err := WrapWithEntropy(privkey, "device-key-1", entropy)
	require.NoError(t, err)

	signer, err := NewEntropyBoundKeySigner("device-key-1", wrapped, entropy)
	require.NoError(t, err)

	message := []byte("approval payload")
	signature, err := signer.Sign(message)
	require.NoError(t, err, "Entropy-bound signer should sign")
	assert.True(t, VerifySignature(pubkey, message, signature), "Signature should verify against the device public key")

	signerPub, err := signer.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, []byte(pubkey), []byte(signerPub), "Signer should expose the matching public key")

	// Invalidated device key state fails closed
	badSigner, err := NewEntropyBoundKeySigner("other-device-key", wrapped, entropy)
	require.NoError(t, err)
	_, err = badSigner.Sign(message)
	assert.ErrorIs(t, err, ErrUnwrap, "Signer with invalidated device key state must fail closed")
}
