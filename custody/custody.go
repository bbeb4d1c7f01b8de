// Package custody manages the lifecycle of decrypted device private keys:
// fetching the entropy-wrapped blob from untrusted cloud storage, unwrapping
// it with device-bound entropy, and caching it in memory for the session.
// Keys never touch disk unencrypted and are wiped on session teardown.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// Manager implements the key custody protocol. A single Manager owns the
// in-memory keys of one device session; it must be Cleared on logout or
// session teardown.
type Manager struct {
	store       interfaces.BlobStore
	notifier    interfaces.AccessGrantedNotifier
	deviceKeyID string
	entropy     []byte
	log         *slog.Logger

	mu      sync.Mutex
	keys    map[interfaces.ParticipantID]cryptoutils.DevicePrivkey
	pending map[interfaces.ParticipantID]func()
}

// NewManager creates a custody manager over a blob store and the external
// cloud-access-granted signal. deviceKeyID and entropy identify the
// device-bound wrap state used to recover downloaded blobs.
func NewManager(store interfaces.BlobStore, notifier interfaces.AccessGrantedNotifier, deviceKeyID string, entropy []byte, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:       store,
		notifier:    notifier,
		deviceKeyID: deviceKeyID,
		entropy:     entropy,
		log:         log,
		keys:        make(map[interfaces.ParticipantID]cryptoutils.DevicePrivkey),
		pending:     make(map[interfaces.ParticipantID]func()),
	}
}

// EnsureKeyLoaded returns the participant's decrypted private key, loading it
// from cloud storage if it is not yet resident in memory.
//
// When the cloud provider reports pending permission, the manager registers a
// single one-shot continuation on the access-granted signal and returns
// interfaces.ErrKeyUnavailable; the load is then re-invoked exactly once when
// access is confirmed. At most one continuation is registered per participant
// at a time, no matter how often EnsureKeyLoaded is called meanwhile.
func (m *Manager) EnsureKeyLoaded(ctx context.Context, id interfaces.ParticipantID) (cryptoutils.DevicePrivkey, error) {
	m.mu.Lock()
	if key, ok := m.keys[id]; ok {
		m.mu.Unlock()
		return key, nil
	}
	m.mu.Unlock()

	blob, err := m.store.DownloadEncryptedKey(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrPermissionNotGranted):
			m.armRetry(id)
			return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyUnavailable, err)
		case errors.Is(err, interfaces.ErrBlobNotFound):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
		}
	}

	plain, err := cryptoutils.UnwrapWithEntropy(blob, m.deviceKeyID, m.entropy)
	if err != nil {
		// Invalidated device key state: re-provision required, do not retry.
		return nil, err
	}

	key := cryptoutils.DevicePrivkey(plain)
	if err := key.Validate(); err != nil {
		cryptoutils.WipeBytes(plain)
		return nil, fmt.Errorf("%w: unwrapped blob is not a valid key: %v", cryptoutils.ErrUnwrap, err)
	}

	m.mu.Lock()
	m.keys[id] = key
	m.mu.Unlock()

	m.log.Debug("Device key loaded", slog.String("participant", id.String()))
	return key, nil
}

// armRetry registers the one-shot access-granted continuation unless one is
// already registered for this participant.
func (m *Manager) armRetry(id interfaces.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, registered := m.pending[id]; registered {
		return
	}

	cancel := m.notifier.NotifyOnceOnAccessGranted(id, func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()

		if _, err := m.EnsureKeyLoaded(context.Background(), id); err != nil {
			m.log.Warn("Key load retry failed after access grant",
				slog.String("participant", id.String()),
				"err", err)
		}
	})
	m.pending[id] = cancel
}

// Loaded reports whether the participant's key is resident in memory.
func (m *Manager) Loaded(id interfaces.ParticipantID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[id]
	return ok
}

// Upload wraps the participant's private key with device entropy and stores
// it in cloud custody. Used at onboarding.
func (m *Manager) Upload(ctx context.Context, id interfaces.ParticipantID, key cryptoutils.DevicePrivkey) error {
	wrapped, err := cryptoutils.WrapWithEntropy(key, m.deviceKeyID, m.entropy)
	if err != nil {
		return fmt.Errorf("failed to wrap key for upload: %w", err)
	}

	if err := m.store.UploadEncryptedKey(ctx, id, wrapped); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
	}

	m.mu.Lock()
	m.keys[id] = key
	m.mu.Unlock()
	return nil
}

// Clear wipes all resident keys and cancels any registered continuations.
// Must be called on session teardown, logout, and lock expiry.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, key := range m.keys {
		cryptoutils.WipeBytes(key)
		delete(m.keys, id)
	}
	for id, cancel := range m.pending {
		cancel()
		delete(m.pending, id)
	}
}
