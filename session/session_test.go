package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"

	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/custody"
	"github.com/ruteri/social-recovery-backend/engine"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/relay"
	"github.com/ruteri/social-recovery-backend/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlobStore struct {
	mu    sync.Mutex
	blobs map[interfaces.ParticipantID]interfaces.EncryptedPrivateKeyBlob
}

func (m *memBlobStore) UploadEncryptedKey(ctx context.Context, id interfaces.ParticipantID, blob interfaces.EncryptedPrivateKeyBlob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs == nil {
		m.blobs = make(map[interfaces.ParticipantID]interfaces.EncryptedPrivateKeyBlob)
	}
	m.blobs[id] = blob
	return nil
}

func (m *memBlobStore) DownloadEncryptedKey(ctx context.Context, id interfaces.ParticipantID) (interfaces.EncryptedPrivateKeyBlob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[id]
	if !ok {
		return nil, interfaces.ErrBlobNotFound
	}
	return blob, nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyOnceOnAccessGranted(interfaces.ParticipantID, func()) func() {
	return func() {}
}

// twoDeviceFixture is an owner device and one approver device joined through
// an in-process relay ledger, with a 1-of-1 external approver policy.
type twoDeviceFixture struct {
	ledger   *relay.Ledger
	owner    *OwnerSession
	approver *ApproverSession
	ownerID  interfaces.ParticipantID
	shard    interfaces.EncryptedSecretShard
}

const testUser = "user-1"

func newTwoDeviceFixture(t *testing.T) *twoDeviceFixture {
	t.Helper()

	ownerPub, ownerPriv, err := cryptoutils.RandomDeviceKeypair()
	require.NoError(t, err)
	approverPub, _, err := cryptoutils.RandomDeviceKeypair()
	require.NoError(t, err)

	ownerID := interfaces.NewParticipantID()
	approverID := interfaces.NewParticipantID()

	policy := interfaces.Policy{
		Approvers: []interfaces.Approver{
			{Label: "owner", ParticipantID: ownerID, Pubkey: ownerPub, IsOwner: true},
			{Label: "alice", ParticipantID: approverID, Pubkey: approverPub},
		},
		Threshold: 1,
	}

	ledger := relay.NewLedger(nil)
	require.NoError(t, ledger.RegisterPolicy(testUser, policy))

	entropy := make([]byte, 32)
	_, err = rand.Read(entropy)
	require.NoError(t, err)
	mgr := custody.NewManager(&memBlobStore{}, noopNotifier{}, "owner-device-key", entropy, nil)
	require.NoError(t, mgr.Upload(context.Background(), ownerID, ownerPriv))

	signer, err := cryptoutils.NewSoftwareKeySigner("owner-device-key", ownerPriv)
	require.NoError(t, err)

	owner := NewOwnerSession(OwnerConfig{
		UserID:        testUser,
		ParticipantID: ownerID,
		Relay:         ledger,
		Custody:       mgr,
		Signer:        signer,
	})

	shard := interfaces.EncryptedSecretShard("opaque-shard-ciphertext")
	approver := NewApproverSession(ApproverConfig{
		UserID:        testUser,
		ParticipantID: approverID,
		Relay:         ledger,
		Shard:         shard,
		OwnerPubkey:   ownerPub,
	})

	t.Cleanup(owner.Close)
	t.Cleanup(approver.Close)

	return &twoDeviceFixture{
		ledger:   ledger,
		owner:    owner,
		approver: approver,
		ownerID:  ownerID,
		shard:    shard,
	}
}

// syncBoth pushes the current relay snapshot through both devices, the way a
// poll tick would.
func (f *twoDeviceFixture) syncBoth(t *testing.T) interfaces.ParticipantState {
	t.Helper()
	state, err := f.ledger.FetchParticipantState(context.Background(), testUser)
	require.NoError(t, err)
	f.owner.HandleState(state)
	f.approver.HandleState(state)
	return state
}

func TestScenarioAcceptAndMatchingCodeCompletes(t *testing.T) {
	f := newTwoDeviceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.owner.Initiate(ctx, interfaces.IntentAccessPhrases))
	require.NoError(t, f.approver.Accept(ctx), "Approver should accept the requested approval")

	f.syncBoth(t)

	ui, err := f.owner.UiPhase()
	require.NoError(t, err)
	assert.Equal(t, engine.UiNeedsCode, ui, "Owner should be asked for the code after accept")

	ts, ok := f.owner.CurrentTotp()
	require.True(t, ok, "Owner should derive a code from the approver's entropy")
	require.Len(t, ts.Code, totp.Digits, "Derived code should be 6 digits")

	approverTs, ok := f.approver.CurrentTotp()
	require.True(t, ok)
	assert.Equal(t, approverTs.Code, ts.Code, "Both devices must derive the same code from the shared secret")

	require.NoError(t, f.owner.SubmitCode(ctx, ts.Code))

	// The approver observes the submission on its next tick and validates it.
	f.syncBoth(t)

	state, err := f.ledger.FetchParticipantState(ctx, testUser)
	require.NoError(t, err)
	require.NotNil(t, state.Request)
	assert.Equal(t, interfaces.AccessAvailable, state.Request.Status, "Matching code should complete the approval and open access")
	require.Len(t, state.Request.Approvals, 1)
	assert.Equal(t, f.shard, state.Request.Approvals[0].EncryptedShard, "Approval should carry the encrypted shard")

	f.owner.HandleState(state)
	ui, err = f.owner.UiPhase()
	require.NoError(t, err, "Local submission makes the completion legitimate")
	assert.Equal(t, engine.UiComplete, ui)
}

func TestScenarioWrongCodeRejectsAndRetrySucceeds(t *testing.T) {
	f := newTwoDeviceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.owner.Initiate(ctx, interfaces.IntentAccessPhrases))
	require.NoError(t, f.approver.Accept(ctx))
	f.syncBoth(t)

	ts, ok := f.owner.CurrentTotp()
	require.True(t, ok)
	prior, err := totp.Code(ts.Secret, ts.Counter-1)
	require.NoError(t, err)

	// A code that matches neither the current nor the prior window.
	wrong := ""
	for i := 0; i < 10; i++ {
		candidate := fmt.Sprintf("%06d", i*111111%1000000)
		if candidate != ts.Code && candidate != prior {
			wrong = candidate
			break
		}
	}
	require.NotEmpty(t, wrong)

	require.NoError(t, f.owner.SubmitCode(ctx, wrong))
	f.syncBoth(t)

	// The approver rejected; the owner sees the rejection with fresh entropy.
	f.syncBoth(t)
	ui, err := f.owner.UiPhase()
	require.NoError(t, err)
	assert.Equal(t, engine.UiCodeRejected, ui, "Wrong code must surface as a rejection, not an error")

	state, err := f.ledger.FetchParticipantState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, interfaces.AccessRequested, state.Request.Status, "Rejected approval must not count toward the threshold")

	// The session stays alive: a fresh code from the rotated secret succeeds.
	fresh, ok := f.owner.CurrentTotp()
	require.True(t, ok, "Owner should have re-armed from the fresh entropy")
	assert.NotEqual(t, ts.Secret, fresh.Secret, "Rejection must rotate the secret")

	require.NoError(t, f.owner.SubmitCode(ctx, fresh.Code))
	f.syncBoth(t)

	state, err = f.ledger.FetchParticipantState(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, interfaces.AccessAvailable, state.Request.Status, "Retry with the fresh code should complete")
}

func TestForeignCompletionSurfacesExplicitly(t *testing.T) {
	f := newTwoDeviceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.owner.Initiate(ctx, interfaces.IntentAccessPhrases))
	require.NoError(t, f.approver.Accept(ctx))

	// A second owner device joins mid-flow but never submits.
	state, err := f.ledger.FetchParticipantState(ctx, testUser)
	require.NoError(t, err)

	mgr := f.owner.custody
	signer := f.owner.signer
	secondDevice := NewOwnerSession(OwnerConfig{
		UserID:        testUser,
		ParticipantID: f.ownerID,
		Relay:         f.ledger,
		Custody:       mgr,
		Signer:        signer,
	})
	t.Cleanup(secondDevice.Close)
	secondDevice.HandleState(state)

	// The first device finishes the flow.
	f.syncBoth(t)
	ts, ok := f.owner.CurrentTotp()
	require.True(t, ok)
	require.NoError(t, f.owner.SubmitCode(ctx, ts.Code))
	f.syncBoth(t)

	final, err := f.ledger.FetchParticipantState(ctx, testUser)
	require.NoError(t, err)
	secondDevice.HandleState(final)

	ui, derr := secondDevice.UiPhase()
	assert.ErrorIs(t, derr, interfaces.ErrForeignCompletion, "Completion without a local submission must be an explicit error")
	assert.Equal(t, engine.UiAnotherDeviceInFlight, ui, "The second device must not present success")
}

func TestCancelClearsBothDevices(t *testing.T) {
	f := newTwoDeviceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.owner.Initiate(ctx, interfaces.IntentAccessPhrases))
	require.NoError(t, f.approver.Accept(ctx))
	f.syncBoth(t)

	_, ok := f.approver.CurrentTotp()
	require.True(t, ok, "Approver timer should run during the flow")

	require.NoError(t, f.owner.Cancel(ctx))
	f.syncBoth(t)

	ui, _ := f.approver.UiPhase()
	assert.Equal(t, engine.UiAnotherDeviceInFlight, ui, "Cancellation is terminal for the approver")

	_, ok = f.approver.CurrentTotp()
	assert.False(t, ok, "Cancellation must halt the code timer")
	_, ok = f.owner.CurrentTotp()
	assert.False(t, ok, "Cancellation must halt the owner's code timer")
}
