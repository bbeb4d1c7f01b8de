package relay

import (
	"context"
	"testing"
	"time"

	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy(t *testing.T, externalApprovers int, threshold int) interfaces.Policy {
	t.Helper()

	ownerPub, _, err := cryptoutils.RandomDeviceKeypair()
	require.NoError(t, err)

	policy := interfaces.Policy{
		Approvers: []interfaces.Approver{
			{Label: "owner", ParticipantID: interfaces.NewParticipantID(), Pubkey: ownerPub, IsOwner: true},
		},
		Threshold: threshold,
	}
	for i := 0; i < externalApprovers; i++ {
		pub, _, err := cryptoutils.RandomDeviceKeypair()
		require.NoError(t, err)
		policy.Approvers = append(policy.Approvers, interfaces.Approver{
			Label:         string(rune('a' + i)),
			ParticipantID: interfaces.NewParticipantID(),
			Pubkey:        pub,
		})
	}
	require.NoError(t, policy.Validate())
	return policy
}

// driveToApproved walks one approval through the full phase sequence.
func driveToApproved(t *testing.T, ledger *Ledger, approvalID string) {
	t.Helper()
	ctx := context.Background()

	_, err := ledger.AcceptRequest(ctx, approvalID)
	require.NoError(t, err)
	_, err = ledger.StoreTotpSecret(ctx, approvalID, []byte("encrypted-secret"))
	require.NoError(t, err)
	_, err = ledger.SubmitTotpVerification(ctx, approvalID, interfaces.VerificationSubmission{
		Code: "123456", Timestamp: time.Now(), Signature: []byte("sig"),
	})
	require.NoError(t, err)
	_, err = ledger.ApproveAccess(ctx, approvalID, interfaces.EncryptedSecretShard("shard"))
	require.NoError(t, err)
}

func TestLedgerThresholdGate(t *testing.T) {
	ledger := NewLedger(nil)
	require.NoError(t, ledger.RegisterPolicy("u", testPolicy(t, 3, 2)))
	ctx := context.Background()

	state, err := ledger.InitiateAccess(ctx, "u", interfaces.IntentAccessPhrases)
	require.NoError(t, err)
	require.Len(t, state.Approvals, 3, "One approval session per external approver")
	assert.Equal(t, interfaces.AccessRequested, state.Request.Status)

	driveToApproved(t, ledger, state.Approvals[0].ApprovalID)
	state, err = ledger.FetchParticipantState(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, interfaces.AccessRequested, state.Request.Status, "One of two required approvals must not open access")

	driveToApproved(t, ledger, state.Approvals[1].ApprovalID)
	state, err = ledger.FetchParticipantState(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, interfaces.AccessAvailable, state.Request.Status, "Threshold approvals should open access")
	assert.Equal(t, 2, state.Request.ApprovedCount())
}

func TestLedgerRefusesOutOfOrderTransitions(t *testing.T) {
	ledger := NewLedger(nil)
	require.NoError(t, ledger.RegisterPolicy("u", testPolicy(t, 1, 1)))
	ctx := context.Background()

	state, err := ledger.InitiateAccess(ctx, "u", interfaces.IntentAccessPhrases)
	require.NoError(t, err)
	approvalID := state.Approvals[0].ApprovalID

	// No approval without a submitted verification.
	_, err = ledger.ApproveAccess(ctx, approvalID, interfaces.EncryptedSecretShard("s"))
	assert.ErrorIs(t, err, interfaces.ErrProtocolViolation)

	// No verification before the secret exists.
	_, err = ledger.SubmitTotpVerification(ctx, approvalID, interfaces.VerificationSubmission{
		Code: "123456", Timestamp: time.Now(), Signature: []byte("sig"),
	})
	assert.ErrorIs(t, err, interfaces.ErrProtocolViolation)

	// No rejection outside WaitingForVerification.
	_, err = ledger.RejectRequest(ctx, approvalID, []byte("fresh"))
	assert.ErrorIs(t, err, interfaces.ErrProtocolViolation)

	// A rejection must carry fresh entropy.
	_, err = ledger.StoreTotpSecret(ctx, approvalID, []byte("encrypted-secret"))
	require.NoError(t, err)
	_, err = ledger.SubmitTotpVerification(ctx, approvalID, interfaces.VerificationSubmission{
		Code: "123456", Timestamp: time.Now(), Signature: []byte("sig"),
	})
	require.NoError(t, err)
	_, err = ledger.RejectRequest(ctx, approvalID, nil)
	assert.ErrorIs(t, err, interfaces.ErrProtocolViolation)
}

func TestLedgerRejectionKeepsSessionAlive(t *testing.T) {
	ledger := NewLedger(nil)
	require.NoError(t, ledger.RegisterPolicy("u", testPolicy(t, 1, 1)))
	ctx := context.Background()

	state, err := ledger.InitiateAccess(ctx, "u", interfaces.IntentAccessPhrases)
	require.NoError(t, err)
	approvalID := state.Approvals[0].ApprovalID

	_, err = ledger.AcceptRequest(ctx, approvalID)
	require.NoError(t, err)
	_, err = ledger.StoreTotpSecret(ctx, approvalID, []byte("secret-1"))
	require.NoError(t, err)
	_, err = ledger.SubmitTotpVerification(ctx, approvalID, interfaces.VerificationSubmission{
		Code: "000000", Timestamp: time.Now(), Signature: []byte("sig"),
	})
	require.NoError(t, err)

	state, err = ledger.RejectRequest(ctx, approvalID, []byte("secret-2"))
	require.NoError(t, err)
	rec := state.Approvals[0]
	assert.Equal(t, interfaces.PhaseRejected, rec.Phase.Kind)
	assert.Equal(t, []byte("secret-2"), rec.Phase.Entropy, "Rejection carries the fresh entropy")
	assert.Nil(t, rec.Verification, "The rejected submission is dropped")

	// The owner can retry against the fresh entropy.
	_, err = ledger.SubmitTotpVerification(ctx, approvalID, interfaces.VerificationSubmission{
		Code: "111111", Timestamp: time.Now(), Signature: []byte("sig"),
	})
	assert.NoError(t, err, "Rejected sessions stay open for retry")
}

func TestLedgerSecondInitiateRefused(t *testing.T) {
	ledger := NewLedger(nil)
	require.NoError(t, ledger.RegisterPolicy("u", testPolicy(t, 1, 1)))
	ctx := context.Background()

	_, err := ledger.InitiateAccess(ctx, "u", interfaces.IntentAccessPhrases)
	require.NoError(t, err)
	_, err = ledger.InitiateAccess(ctx, "u", interfaces.IntentReplacePolicy)
	assert.ErrorIs(t, err, ErrRequestInFlight)
}

func TestLedgerCancelIsTerminal(t *testing.T) {
	ledger := NewLedger(nil)
	require.NoError(t, ledger.RegisterPolicy("u", testPolicy(t, 2, 1)))
	ctx := context.Background()

	_, err := ledger.InitiateAccess(ctx, "u", interfaces.IntentAccessPhrases)
	require.NoError(t, err)

	state, err := ledger.CancelAccess(ctx, "u")
	require.NoError(t, err)
	assert.Nil(t, state.Request, "Cancel drops the open request")
	for _, rec := range state.Approvals {
		assert.Equal(t, interfaces.PhaseCancelled, rec.Phase.Kind)
	}

	// A new request can be opened afterwards.
	_, err = ledger.InitiateAccess(ctx, "u", interfaces.IntentAccessPhrases)
	assert.NoError(t, err)
}

func TestLedgerSnapshotIsolation(t *testing.T) {
	ledger := NewLedger(nil)
	require.NoError(t, ledger.RegisterPolicy("u", testPolicy(t, 1, 1)))
	ctx := context.Background()

	state, err := ledger.InitiateAccess(ctx, "u", interfaces.IntentAccessPhrases)
	require.NoError(t, err)
	approvalID := state.Approvals[0].ApprovalID

	_, err = ledger.StoreTotpSecret(ctx, approvalID, []byte("secret"))
	require.NoError(t, err)

	state, err = ledger.FetchParticipantState(ctx, "u")
	require.NoError(t, err)

	// Mutating the snapshot must not reach the ledger.
	state.Approvals[0].Phase.Entropy[0] ^= 0xff
	fresh, err := ledger.FetchParticipantState(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), fresh.Approvals[0].Phase.Entropy, "Snapshots must not alias ledger memory")
}

func TestLedgerUnknownIDs(t *testing.T) {
	ledger := NewLedger(nil)
	ctx := context.Background()

	_, err := ledger.FetchParticipantState(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = ledger.AcceptRequest(ctx, "no-such-approval")
	assert.ErrorIs(t, err, ErrUnknownApproval)
}
