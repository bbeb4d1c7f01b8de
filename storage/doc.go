// Package storage provides the cloud custody backends for encrypted blobs:
// entropy-wrapped device keys, encrypted shards, and encrypted vault
// secrets. Every backend is untrusted; only ciphertext ever reaches it.
//
// Blobs are addressed by a deterministic reference derived from the
// participant identifier and the blob kind, so the uploading and the
// downloading device agree on the address without coordination.
//
// Supported backends:
//   - file:// local filesystem
//   - s3://   Amazon S3 or compatible object storage
//   - ipfs:// IPFS node (MFS-backed so references stay stable)
//   - vault:// HashiCorp Vault KV v2
//
// MultiBackend replicates writes across all available backends and serves
// reads from the first backend that has the blob. PermissionGate wraps a
// backend into the custody-level BlobStore contract and models the cloud
// provider's permission-pending state together with the access-granted
// signal that the custody manager's one-shot retry consumes.
package storage
