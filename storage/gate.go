package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

// PermissionGate adapts a storage backend to the custody-level BlobStore
// contract and models the cloud provider's permission handshake: downloads
// fail with ErrPermissionNotGranted until access is granted, and the grant
// fires the registered access-granted observers. It implements both
// interfaces.BlobStore and interfaces.AccessGrantedNotifier.
type PermissionGate struct {
	backend interfaces.StorageBackend
	log     *slog.Logger

	mu        sync.Mutex
	granted   bool
	observers map[interfaces.ParticipantID]func()
}

// NewPermissionGate wraps a backend. The gate starts in the granted state;
// Revoke models the provider withdrawing or not yet having granted access.
func NewPermissionGate(backend interfaces.StorageBackend, log *slog.Logger) *PermissionGate {
	if log == nil {
		log = slog.Default()
	}
	return &PermissionGate{
		backend:   backend,
		log:       log,
		granted:   true,
		observers: make(map[interfaces.ParticipantID]func()),
	}
}

// UploadEncryptedKey stores an entropy-wrapped key blob under the
// participant's deterministic reference.
func (g *PermissionGate) UploadEncryptedKey(ctx context.Context, id interfaces.ParticipantID, blob interfaces.EncryptedPrivateKeyBlob) error {
	ref := interfaces.NewBlobRef(id, interfaces.KeyBlobKind)
	if err := g.backend.Store(ctx, ref, interfaces.KeyBlobKind, blob); err != nil {
		return fmt.Errorf("failed to upload key blob: %w", err)
	}
	return nil
}

// DownloadEncryptedKey fetches the participant's key blob. While provider
// access is pending it returns ErrPermissionNotGranted so the custody
// manager arms its one-shot retry; a missing blob is ErrBlobNotFound.
func (g *PermissionGate) DownloadEncryptedKey(ctx context.Context, id interfaces.ParticipantID) (interfaces.EncryptedPrivateKeyBlob, error) {
	g.mu.Lock()
	granted := g.granted
	g.mu.Unlock()
	if !granted {
		return nil, interfaces.ErrPermissionNotGranted
	}

	ref := interfaces.NewBlobRef(id, interfaces.KeyBlobKind)
	data, err := g.backend.Fetch(ctx, ref, interfaces.KeyBlobKind)
	if err != nil {
		return nil, err
	}
	return interfaces.EncryptedPrivateKeyBlob(data), nil
}

// NotifyOnceOnAccessGranted registers a one-shot observer fired on the next
// Grant. Registering for a participant replaces any previous observer.
func (g *PermissionGate) NotifyOnceOnAccessGranted(id interfaces.ParticipantID, fn func()) func() {
	g.mu.Lock()
	g.observers[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.observers, id)
		g.mu.Unlock()
	}
}

// Revoke puts the gate into the permission-pending state.
func (g *PermissionGate) Revoke() {
	g.mu.Lock()
	g.granted = false
	g.mu.Unlock()
	g.log.Debug("Cloud access revoked")
}

// Grant confirms cloud access and fires each registered observer exactly
// once.
func (g *PermissionGate) Grant() {
	g.mu.Lock()
	g.granted = true
	observers := g.observers
	g.observers = make(map[interfaces.ParticipantID]func())
	g.mu.Unlock()

	g.log.Debug("Cloud access granted", slog.Int("observers", len(observers)))
	for _, fn := range observers {
		fn()
	}
}
