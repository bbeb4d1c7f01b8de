// Package cryptoutils provides the cryptographic primitives for the
// social-recovery protocol: ECIES-style asymmetric encryption addressed to a
// participant's device key, ECDSA signatures over protocol messages,
// entropy-bound wrapping of private key material destined for untrusted
// cloud storage, and the DeviceKeySigner capability that abstracts
// hardware-backed signing.
//
// All asymmetric operations use ECDSA P-256 keys in PEM encoding. Encryption
// output is non-deterministic: a fresh ephemeral key and IV are generated per
// call, so repeated encryption of the same plaintext never yields the same
// ciphertext.
package cryptoutils
