package interfaces

import (
	"context"
	"fmt"
	"time"
)

// ApprovalRecord is the relay's view of one participant's approval session.
type ApprovalRecord struct {
	ApprovalID    string
	ParticipantID ParticipantID
	Kind          ApprovalKind
	Phase         ApprovalPhase

	// Verification holds the owner-submitted code signature while the
	// session is in PhaseWaitingForVerification, for the approver device to
	// validate.
	Verification *VerificationSubmission

	// Shard is the approver's key shard encrypted under the owner's public
	// key, recorded once the session completes with an approval.
	Shard EncryptedSecretShard
}

// ParticipantState is the full relay-reported state for one user, re-fetched
// periodically and re-derived idempotently on both devices.
type ParticipantState struct {
	Policy    Policy
	Approvals []ApprovalRecord
	Request   *AccessRequest
}

// ApprovalFor returns the approval record for a participant, if any.
func (s ParticipantState) ApprovalFor(id ParticipantID) (ApprovalRecord, bool) {
	for _, a := range s.Approvals {
		if a.ParticipantID == id {
			return a, true
		}
	}
	return ApprovalRecord{}, false
}

// VerificationSubmission carries a TOTP code together with a device-key
// signature over it, proving the submitting device's identity to the
// counterpart that holds the previously-confirmed public key.
type VerificationSubmission struct {
	Code      string
	Timestamp time.Time
	Signature []byte
}

// Payload returns the canonical bytes covered by the signature.
func (v VerificationSubmission) Payload() []byte {
	return []byte(fmt.Sprintf("%s|%d", v.Code, v.Timestamp.Unix()))
}

// RelayClient is the contract for the cross-device reconciliation relay.
// All operations are idempotent at the protocol level except
// SubmitTotpVerification, which must not be resubmitted automatically after
// a rejection without a fresh code. The relay only ever sees ciphertext.
type RelayClient interface {
	// FetchParticipantState is the idempotent state read both devices poll.
	FetchParticipantState(ctx context.Context, userID string) (ParticipantState, error)

	// AcceptRequest accepts an approval request on the approver device.
	AcceptRequest(ctx context.Context, approvalID string) (ParticipantState, error)

	// RejectRequest rejects the in-flight verification, supplying fresh
	// encrypted entropy so the session stays alive for retry.
	RejectRequest(ctx context.Context, approvalID string, freshEntropy []byte) (ParticipantState, error)

	// SubmitTotpVerification submits the owner's signed code.
	SubmitTotpVerification(ctx context.Context, approvalID string, submission VerificationSubmission) (ParticipantState, error)

	// StoreTotpSecret stores the encrypted TOTP secret for an approval.
	StoreTotpSecret(ctx context.Context, approvalID string, encryptedSecret []byte) (ParticipantState, error)

	// ApproveAccess records the participant's approval with their encrypted shard.
	ApproveAccess(ctx context.Context, approvalID string, shard EncryptedSecretShard) (ParticipantState, error)

	// InitiateAccess opens a new access request with the given intent.
	InitiateAccess(ctx context.Context, userID string, intent AccessIntent) (ParticipantState, error)

	// CancelAccess cancels the in-flight access request.
	CancelAccess(ctx context.Context, userID string) (ParticipantState, error)
}
