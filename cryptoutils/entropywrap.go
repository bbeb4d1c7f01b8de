package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	wrapSaltSize  = 16
	wrapNonceSize = 12
)

// ErrUnwrap is returned when wrapped key material cannot be recovered. This
// happens when the device key state has changed (the device key was deleted
// or invalidated) or the blob was tampered with. Callers must treat this as
// "re-provision required" and never retry in a loop.
var ErrUnwrap = errors.New("cryptoutils: entropy unwrap failed")

// WrapWithEntropy encrypts private key material with a key derived from
// device-bound entropy before it is handed to untrusted cloud storage.
//
// The wrapping key is derived with Argon2id from the entropy, salted with a
// per-wrap random salt mixed with the device key identifier. The device key
// identifier is additionally bound as AES-GCM associated data, so a blob
// wrapped on one device cannot be unwrapped under another device's identity.
// Output layout: [salt||nonce||ciphertext].
func WrapWithEntropy(plain []byte, deviceKeyID string, entropy []byte) ([]byte, error) {
	if len(entropy) == 0 {
		return nil, errors.New("cryptoutils: empty entropy")
	}

	salt := make([]byte, wrapSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := deriveWrapKey(entropy, deviceKeyID, salt)
	defer WipeBytes(key)

	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, wrapNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, nonce, plain, []byte(deviceKeyID))

	out := make([]byte, 0, wrapSaltSize+wrapNonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// UnwrapWithEntropy recovers private key material wrapped with WrapWithEntropy.
// It fails closed with ErrUnwrap rather than returning corrupted plaintext if
// the device key identifier or entropy no longer match the wrapping state.
func UnwrapWithEntropy(wrapped []byte, deviceKeyID string, entropy []byte) ([]byte, error) {
	if len(wrapped) < wrapSaltSize+wrapNonceSize {
		return nil, fmt.Errorf("%w: wrapped blob too short", ErrUnwrap)
	}
	if len(entropy) == 0 {
		return nil, errors.New("cryptoutils: empty entropy")
	}

	salt := wrapped[:wrapSaltSize]
	nonce := wrapped[wrapSaltSize : wrapSaltSize+wrapNonceSize]
	ciphertext := wrapped[wrapSaltSize+wrapNonceSize:]

	key := deriveWrapKey(entropy, deviceKeyID, salt)
	defer WipeBytes(key)

	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plain, err := aesGCM.Open(nil, nonce, ciphertext, []byte(deviceKeyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}

	return plain, nil
}

// deriveWrapKey derives the AES key for entropy wrapping using Argon2id.
// Parameters: time=1, memory=64*1024, threads=4, keyLen=32.
func deriveWrapKey(entropy []byte, deviceKeyID string, salt []byte) []byte {
	fullSalt := append([]byte(deviceKeyID), salt...)
	return argon2.IDKey(entropy, fullSalt, 1, 64*1024, 4, 32)
}
