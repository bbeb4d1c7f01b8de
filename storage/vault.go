package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// VaultBackend stores custody blobs in HashiCorp Vault's KV v2 store. Vault
// is still treated as an untrusted blob host: everything written is already
// ciphertext.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: Vault mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "custody")
//   - token: Vault token; empty uses the client's ambient configuration
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Fetch retrieves a blob from Vault by its reference and kind.
func (b *VaultBackend) Fetch(ctx context.Context, ref interfaces.BlobRef, kind interfaces.BlobKind) ([]byte, error) {
	start := time.Now()
	path := b.kvPath(ref, kind)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrBlobNotFound
	}

	// KV v2 wraps the payload in a nested data map.
	data, ok := secret.Data["data"]
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	content, ok := data.(map[string]interface{})["blob"]
	if !ok {
		return nil, fmt.Errorf("blob key not found in Vault data")
	}
	contentStr, ok := content.(string)
	if !ok {
		return nil, fmt.Errorf("invalid blob format in Vault data")
	}

	b.log.Debug("Fetched blob from Vault",
		slog.String("ref", ref.String()),
		slog.Duration("duration", time.Since(start)))
	return []byte(contentStr), nil
}

// Store saves a blob to Vault under its reference.
func (b *VaultBackend) Store(ctx context.Context, ref interfaces.BlobRef, kind interfaces.BlobKind, data []byte) error {
	start := time.Now()
	path := b.kvPath(ref, kind)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"blob": string(data),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored blob in Vault",
		slog.String("ref", ref.String()),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) kvPath(ref interfaces.BlobRef, kind interfaces.BlobKind) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", b.mountPath, b.dataPath, kind, ref)
}
