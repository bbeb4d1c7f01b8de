package custody

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlobStore struct {
	mu            sync.Mutex
	blobs         map[interfaces.ParticipantID]interfaces.EncryptedPrivateKeyBlob
	denyDownload  bool
	downloadCalls int
}

func (f *fakeBlobStore) UploadEncryptedKey(ctx context.Context, id interfaces.ParticipantID, blob interfaces.EncryptedPrivateKeyBlob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blobs == nil {
		f.blobs = make(map[interfaces.ParticipantID]interfaces.EncryptedPrivateKeyBlob)
	}
	f.blobs[id] = blob
	return nil
}

func (f *fakeBlobStore) DownloadEncryptedKey(ctx context.Context, id interfaces.ParticipantID) (interfaces.EncryptedPrivateKeyBlob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls++
	if f.denyDownload {
		return nil, interfaces.ErrPermissionNotGranted
	}
	blob, ok := f.blobs[id]
	if !ok {
		return nil, interfaces.ErrBlobNotFound
	}
	return blob, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	observers map[interfaces.ParticipantID]func()
	registers int
}

func (f *fakeNotifier) NotifyOnceOnAccessGranted(id interfaces.ParticipantID, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.observers == nil {
		f.observers = make(map[interfaces.ParticipantID]func())
	}
	f.observers[id] = fn
	f.registers++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.observers, id)
	}
}

func (f *fakeNotifier) fire(id interfaces.ParticipantID) {
	f.mu.Lock()
	fn := f.observers[id]
	delete(f.observers, id)
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func newTestManager(t *testing.T, store *fakeBlobStore, notifier *fakeNotifier) (*Manager, interfaces.ParticipantID, cryptoutils.DevicePrivkey) {
	t.Helper()

	entropy := make([]byte, 32)
	_, err := rand.Read(entropy)
	require.NoError(t, err)

	_, privkey, err := cryptoutils.RandomDeviceKeypair()
	require.NoError(t, err)

	id := interfaces.NewParticipantID()

	wrapped, err := cryptoutils.WrapWithEntropy(privkey, "device-key-1", entropy)
	require.NoError(t, err)
	require.NoError(t, store.UploadEncryptedKey(context.Background(), id, wrapped))

	return NewManager(store, notifier, "device-key-1", entropy, nil), id, privkey
}

func TestEnsureKeyLoadedCachesInMemory(t *testing.T) {
	store := &fakeBlobStore{}
	mgr, id, privkey := newTestManager(t, store, &fakeNotifier{})

	key, err := mgr.EnsureKeyLoaded(context.Background(), id)
	require.NoError(t, err, "Key load should succeed")
	assert.Equal(t, []byte(privkey), []byte(key), "Loaded key should match the uploaded key")
	assert.Equal(t, 1, store.downloadCalls, "First load should hit the store")

	_, err = mgr.EnsureKeyLoaded(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, store.downloadCalls, "Second load should be served from memory")
}

func TestEnsureKeyLoadedRetriesExactlyOnceOnAccessGranted(t *testing.T) {
	store := &fakeBlobStore{}
	notifier := &fakeNotifier{}
	mgr, id, _ := newTestManager(t, store, notifier)
	store.denyDownload = true

	_, err := mgr.EnsureKeyLoaded(context.Background(), id)
	assert.ErrorIs(t, err, interfaces.ErrKeyUnavailable, "Pending permission should surface as ErrKeyUnavailable")
	assert.Equal(t, 1, notifier.registers, "A continuation should be registered")

	// Repeated calls while permission is pending must not stack continuations.
	_, err = mgr.EnsureKeyLoaded(context.Background(), id)
	assert.ErrorIs(t, err, interfaces.ErrKeyUnavailable)
	assert.Equal(t, 1, notifier.registers, "Only one continuation may be registered at a time")

	callsBefore := store.downloadCalls

	// Access granted: the retry fires exactly once.
	store.denyDownload = false
	notifier.fire(id)

	assert.Equal(t, callsBefore+1, store.downloadCalls, "Access grant should trigger exactly one retry")
	assert.True(t, mgr.Loaded(id), "Key should be resident after the retry")

	// Firing again must not trigger another download.
	notifier.fire(id)
	assert.Equal(t, callsBefore+1, store.downloadCalls, "Continuation must be one-shot")
}

func TestEnsureKeyLoadedFailsClosedOnWrapStateChange(t *testing.T) {
	store := &fakeBlobStore{}
	notifier := &fakeNotifier{}
	_, id, _ := newTestManager(t, store, notifier)

	// A manager provisioned under a different device key cannot unwrap.
	otherEntropy := make([]byte, 32)
	_, err := rand.Read(otherEntropy)
	require.NoError(t, err)
	otherMgr := NewManager(store, notifier, "device-key-2", otherEntropy, nil)

	_, err = otherMgr.EnsureKeyLoaded(context.Background(), id)
	assert.ErrorIs(t, err, cryptoutils.ErrUnwrap, "Changed device key state must fail closed, not retry")
	assert.Equal(t, 0, notifier.registers, "Unwrap failures must not arm a retry continuation")
}

func TestEnsureKeyLoadedDistinguishesNotFound(t *testing.T) {
	store := &fakeBlobStore{}
	mgr := NewManager(store, &fakeNotifier{}, "device-key-1", []byte("entropy"), nil)

	_, err := mgr.EnsureKeyLoaded(context.Background(), interfaces.NewParticipantID())
	assert.ErrorIs(t, err, interfaces.ErrBlobNotFound, "Missing blob should not be conflated with pending permission")
}

func TestClearWipesKeysAndContinuations(t *testing.T) {
	store := &fakeBlobStore{}
	notifier := &fakeNotifier{}
	mgr, id, _ := newTestManager(t, store, notifier)

	_, err := mgr.EnsureKeyLoaded(context.Background(), id)
	require.NoError(t, err)
	require.True(t, mgr.Loaded(id))

	mgr.Clear()
	assert.False(t, mgr.Loaded(id), "Clear should drop resident keys")

	// After clear the key is reloaded from the store.
	calls := store.downloadCalls
	_, err = mgr.EnsureKeyLoaded(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, calls+1, store.downloadCalls, "Load after clear should hit the store again")
}
