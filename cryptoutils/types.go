package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// DevicePubkey represents a participant device's public key in PEM format.
type DevicePubkey []byte

// NewDevicePubkey creates a new public key object from PEM-encoded data with validation.
func NewDevicePubkey(data []byte) (DevicePubkey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return DevicePubkey{}, errors.New("invalid public key: not in PEM format or not a public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return DevicePubkey{}, fmt.Errorf("invalid public key structure: %w", err)
	}

	if _, ok := pub.(*ecdsa.PublicKey); !ok {
		return DevicePubkey{}, errors.New("invalid public key: not an ECDSA key")
	}

	return DevicePubkey(data), nil
}

// Validate checks if the public key is properly formed.
func (pub DevicePubkey) Validate() error {
	_, err := NewDevicePubkey(pub)
	return err
}

// GetPublicKey returns the parsed ECDSA public key.
func (pub DevicePubkey) GetPublicKey() (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	ecdsaPub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not an ECDSA key")
	}
	return ecdsaPub, nil
}

// DevicePrivkey represents a participant device's private key in PEM format.
type DevicePrivkey []byte

// NewDevicePrivkey creates a new private key object from PEM-encoded data with validation.
func NewDevicePrivkey(data []byte) (DevicePrivkey, error) {
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PRIVATE KEY" && block.Type != "EC PRIVATE KEY") {
		return DevicePrivkey{}, errors.New("invalid private key: not in PEM format or not a private key")
	}

	if _, err := x509.ParseECPrivateKey(block.Bytes); err != nil {
		if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err != nil {
			return DevicePrivkey{}, fmt.Errorf("invalid private key structure: %w", err)
		}
	}

	return DevicePrivkey(data), nil
}

// Validate checks if the private key is properly formed.
func (priv DevicePrivkey) Validate() error {
	_, err := NewDevicePrivkey(priv)
	return err
}

// GetPrivateKey returns the parsed ECDSA private key.
func (priv DevicePrivkey) GetPrivateKey() (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("failed to parse private key")
	}

	ecdsaKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not an ECDSA key")
	}
	return ecdsaKey, nil
}

// GetPublicKey returns the public half of the private key in PEM format.
func (priv DevicePrivkey) GetPublicKey() (DevicePubkey, error) {
	parsed, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&parsed.PublicKey)
	if err != nil {
		return nil, err
	}

	return DevicePubkey(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})), nil
}

// RandomDeviceKeypair generates a fresh P-256 device keypair in PEM encoding.
func RandomDeviceKeypair() (DevicePubkey, DevicePrivkey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	pubkeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})

	return DevicePubkey(pubkeyPEM), DevicePrivkey(privateKeyPEM), nil
}

// WipeBytes zeroes sensitive data in place.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
