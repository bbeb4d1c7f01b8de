package interfaces

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
)

// BlobRef is a 32-byte reference addressing one blob in cloud custody,
// derived from the participant identifier and the blob kind.
type BlobRef [32]byte

// NewBlobRef derives the storage reference for a participant's blob of the
// given kind. The derivation is deterministic so both upload and download
// sides agree on the address without coordination.
func NewBlobRef(id ParticipantID, kind BlobKind) BlobRef {
	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte{byte(kind)})
	var ref BlobRef
	copy(ref[:], h.Sum(nil))
	return ref
}

// String returns hex representation.
func (ref BlobRef) String() string {
	return hex.EncodeToString(ref[:])
}

// Bytes returns the raw 32-byte reference.
func (ref BlobRef) Bytes() []byte {
	return ref[:]
}

// Equal compares two blob references.
func (ref BlobRef) Equal(other BlobRef) bool {
	return bytes.Equal(ref[:], other[:])
}

// BlobKind indicates the custody namespace of a stored blob.
type BlobKind int

const (
	// KeyBlobKind for entropy-wrapped device private keys.
	KeyBlobKind BlobKind = iota
	// ShardKind for encrypted secret shards.
	ShardKind
	// SecretKind for encrypted vault secrets.
	SecretKind
)

// String returns the kind name.
func (k BlobKind) String() string {
	switch k {
	case KeyBlobKind:
		return "keyblob"
	case ShardKind:
		return "shard"
	case SecretKind:
		return "secret"
	default:
		return "unknown"
	}
}

var (
	// ErrBlobNotFound is returned when a requested blob does not exist in
	// the storage backend.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrBackendUnavailable is returned when a storage backend is not
	// accessible. This could be due to network issues, authentication
	// failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is
	// malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend provides blob storage for encrypted custody material.
// Everything stored through this interface is ciphertext; backends are
// untrusted.
type StorageBackend interface {
	// Fetch retrieves a blob by reference and kind.
	Fetch(ctx context.Context, ref BlobRef, kind BlobKind) ([]byte, error)

	// Store saves a blob under the given reference and kind.
	Store(ctx context.Context, ref BlobRef, kind BlobKind, data []byte) error

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// StorageBackendLocation represents the URI for a storage backend.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "ipfs", "vault":
		// Valid scheme
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported scheme %s", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// StorageBackendFactory creates storage backends.
type StorageBackendFactory interface {
	// StorageBackendFor creates a backend from a URI.
	// Supports file://, s3://, ipfs://, vault://
	StorageBackendFor(location StorageBackendLocation) (StorageBackend, error)

	// CreateMultiBackend creates an aggregated storage backend.
	CreateMultiBackend(locations []StorageBackendLocation) (StorageBackend, error)
}

// BlobStore is the custody-level contract for encrypted device key blobs.
// Download distinguishes "no permission yet" from "not found" so callers can
// arm a one-shot retry instead of failing.
type BlobStore interface {
	// UploadEncryptedKey stores an approver's entropy-wrapped key blob.
	UploadEncryptedKey(ctx context.Context, id ParticipantID, blob EncryptedPrivateKeyBlob) error

	// DownloadEncryptedKey fetches the blob. Returns ErrPermissionNotGranted
	// while cloud access is pending and ErrBlobNotFound when no blob exists.
	DownloadEncryptedKey(ctx context.Context, id ParticipantID) (EncryptedPrivateKeyBlob, error)
}

// AccessGrantedNotifier delivers the external cloud-access-granted signal.
// At most one observer is registered at a time per participant; registering
// replaces the previous observer.
type AccessGrantedNotifier interface {
	// NotifyOnceOnAccessGranted registers a one-shot callback fired when
	// cloud access is confirmed. The returned cancel function unregisters it.
	NotifyOnceOnAccessGranted(id ParticipantID, fn func()) (cancel func())
}
