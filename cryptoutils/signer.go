package cryptoutils

import (
	"errors"
	"fmt"
)

// DeviceKeySigner abstracts device-bound signing so the protocol logic does
// not depend on the specific secure-storage backend. Implementations never
// export raw private key material through this interface.
type DeviceKeySigner interface {
	// KeyID returns the stable identifier of the device key.
	KeyID() string

	// Sign signs a protocol message with the device key.
	Sign(message []byte) ([]byte, error)

	// PublicKey returns the public half of the device key.
	PublicKey() (DevicePubkey, error)
}

// SoftwareKeySigner is the software-fallback DeviceKeySigner. It keeps the
// private key resident in process memory for the lifetime of the signer.
type SoftwareKeySigner struct {
	keyID   string
	privkey DevicePrivkey
}

// NewSoftwareKeySigner creates a signer around an in-memory private key.
func NewSoftwareKeySigner(keyID string, privkey DevicePrivkey) (*SoftwareKeySigner, error) {
	if err := privkey.Validate(); err != nil {
		return nil, fmt.Errorf("invalid device private key: %w", err)
	}
	return &SoftwareKeySigner{keyID: keyID, privkey: privkey}, nil
}

// KeyID returns the stable identifier of the device key.
func (s *SoftwareKeySigner) KeyID() string { return s.keyID }

// Sign signs a message with the in-memory private key.
func (s *SoftwareKeySigner) Sign(message []byte) ([]byte, error) {
	return SignMessage(s.privkey, message)
}

// PublicKey returns the public half of the device key.
func (s *SoftwareKeySigner) PublicKey() (DevicePubkey, error) {
	return s.privkey.GetPublicKey()
}

// Wipe zeroes the in-memory private key. The signer is unusable afterwards.
func (s *SoftwareKeySigner) Wipe() {
	WipeBytes(s.privkey)
	s.privkey = nil
}

// EntropyBoundKeySigner models a hardware-backed signer: the private key is
// held only in entropy-wrapped form and is unwrapped transiently for each
// signing operation, then wiped. If the wrap state has been invalidated the
// signer fails closed with ErrUnwrap.
type EntropyBoundKeySigner struct {
	keyID   string
	wrapped []byte
	entropy []byte
}

// NewEntropyBoundKeySigner creates a signer over an entropy-wrapped private key blob.
func NewEntropyBoundKeySigner(keyID string, wrapped, entropy []byte) (*EntropyBoundKeySigner, error) {
	if len(wrapped) == 0 {
		return nil, errors.New("empty wrapped key blob")
	}
	return &EntropyBoundKeySigner{keyID: keyID, wrapped: wrapped, entropy: entropy}, nil
}

// KeyID returns the stable identifier of the device key.
func (s *EntropyBoundKeySigner) KeyID() string { return s.keyID }

// Sign unwraps the private key, signs the message, and wipes the plaintext key.
func (s *EntropyBoundKeySigner) Sign(message []byte) ([]byte, error) {
	plain, err := UnwrapWithEntropy(s.wrapped, s.keyID, s.entropy)
	if err != nil {
		return nil, err
	}
	defer WipeBytes(plain)

	return SignMessage(DevicePrivkey(plain), message)
}

// PublicKey unwraps the private key transiently to derive the public half.
func (s *EntropyBoundKeySigner) PublicKey() (DevicePubkey, error) {
	plain, err := UnwrapWithEntropy(s.wrapped, s.keyID, s.entropy)
	if err != nil {
		return nil, err
	}
	defer WipeBytes(plain)

	return DevicePrivkey(plain).GetPublicKey()
}
