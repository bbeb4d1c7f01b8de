package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

// Factory creates storage backends from location URIs and assembles
// multi-backend replication sets.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a storage backend factory.
func NewFactory(log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{log: log}
}

// StorageBackendFor creates a storage backend from a location URI.
//
// Supported schemes:
//   - file:///path - local filesystem storage
//   - s3://[KEY:SECRET@]bucket/prefix?region=r&endpoint=e - S3 object storage
//   - ipfs://host:port/?gateway=true&timeout=30s - IPFS node
//   - vault://host:port/mount/path?token=t - HashiCorp Vault KV v2
func (f *Factory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch strings.ToLower(location.Scheme) {
	case "file":
		return f.createFileBackend(location)
	case "s3":
		return f.createS3Backend(location)
	case "ipfs":
		return f.createIPFSBackend(location)
	case "vault":
		return f.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend creates a replicating backend from a list of location
// URIs. URIs that fail to produce a backend are skipped with a warning; at
// least one must succeed.
func (f *Factory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))

	for _, location := range locations {
		backend, err := f.StorageBackendFor(location)
		if err != nil {
			f.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("location", location.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	return NewMultiBackend(backends, f.log), nil
}

func (f *Factory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}
	return NewFileBackend(path, f.log)
}

func (f *Factory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	bucket := location.Host
	prefix := strings.TrimPrefix(location.Path, "/")

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := location.GetParam("endpoint")

	var accessKey, secretKey string
	if location.Auth != "" {
		parts := strings.SplitN(location.Auth, ":", 2)
		accessKey = parts[0]
		if len(parts) == 2 {
			secretKey = parts[1]
		}
	}

	return NewS3Backend(bucket, prefix, region, endpoint, accessKey, secretKey, f.log)
}

func (f *Factory) createIPFSBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	host := location.Host
	port := "5001"
	if i := strings.LastIndex(host, ":"); i >= 0 {
		port = host[i+1:]
		host = host[:i]
	}

	useGateway := location.GetParam("gateway") == "true"
	timeout := location.GetParam("timeout")
	if timeout == "" {
		timeout = "30s"
	}

	return NewIPFSBackend(host, port, useGateway, timeout, f.log)
}

func (f *Factory) createVaultBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	segments := strings.Split(strings.Trim(location.Path, "/"), "/")
	if len(segments) < 1 || segments[0] == "" {
		return nil, fmt.Errorf("%w: vault URI requires a mount path", interfaces.ErrInvalidLocationURI)
	}

	mountPath := segments[0]
	dataPath := "custody"
	if len(segments) > 1 {
		dataPath = strings.Join(segments[1:], "/")
	}

	address := "https://" + location.Host
	return NewVaultBackend(address, mountPath, dataPath, location.GetParam("token"), f.log)
}
