package interfaces

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
)

type DevicePubkey = cryptoutils.DevicePubkey
type DevicePrivkey = cryptoutils.DevicePrivkey
type DeviceKeySigner = cryptoutils.DeviceKeySigner

// ParticipantID is the opaque, stable identifier of one approver slot in a
// policy. It is immutable once assigned and serves as the join key between
// local ephemeral state and server-reported approval records.
type ParticipantID string

// NewParticipantID creates a fresh random participant identifier.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.Must(uuid.NewRandom()).String())
}

// NewParticipantIDFromString validates and converts an identifier received
// from the relay.
func NewParticipantIDFromString(s string) (ParticipantID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid participant id: %w", err)
	}
	return ParticipantID(s), nil
}

// String returns the identifier as a string.
func (id ParticipantID) String() string {
	return string(id)
}

// Approver is one approver slot of a policy.
type Approver struct {
	Label         string
	ParticipantID ParticipantID
	Pubkey        DevicePubkey
	IsOwner       bool
}

// Policy is an ordered set of approvers plus the approval threshold.
type Policy struct {
	Approvers []Approver
	Threshold int
}

// Validate checks the policy invariant: the threshold must be satisfiable by
// the non-owner approvers plus at most one owner self-approval.
func (p Policy) Validate() error {
	if p.Threshold < 1 {
		return errors.New("policy threshold must be at least 1")
	}

	nonOwner := 0
	ownerSlots := 0
	for _, a := range p.Approvers {
		if err := a.Pubkey.Validate(); err != nil {
			return fmt.Errorf("invalid approver pubkey for %q: %w", a.Label, err)
		}
		if a.IsOwner {
			ownerSlots++
		} else {
			nonOwner++
		}
	}

	if ownerSlots > 1 {
		return errors.New("policy may contain at most one owner slot")
	}
	if p.Threshold > nonOwner+ownerSlots {
		return errors.New("policy threshold exceeds available approver slots")
	}
	return nil
}

// Approver returns the approver slot for a participant id.
func (p Policy) Approver(id ParticipantID) (Approver, bool) {
	for _, a := range p.Approvers {
		if a.ParticipantID == id {
			return a, true
		}
	}
	return Approver{}, false
}

// IsSingleOwner reports whether the policy consists of only the owner slot,
// in which case the implicit single-owner shortcut applies and no external
// approvals are required.
func (p Policy) IsSingleOwner() bool {
	return len(p.Approvers) == 1 && p.Approvers[0].IsOwner
}

// PhaseKind enumerates the server-authoritative approval phases. Exactly one
// phase is active per participant at a time; transitions are driven only by
// relay responses and never assumed locally.
type PhaseKind int

const (
	// PhaseRequested means the approval request awaits explicit user accept.
	PhaseRequested PhaseKind = iota

	// PhaseWaitingForCode means a verification code must be entered; the
	// phase carries the encrypted TOTP secret as entropy.
	PhaseWaitingForCode

	// PhaseWaitingForVerification means the submitted code awaits validation
	// on the counterpart device.
	PhaseWaitingForVerification

	// PhaseRejected means the last submitted code or signature was rejected;
	// the phase carries fresh entropy so the session stays alive for retry.
	PhaseRejected

	// PhaseApproved means the participant has approved; the request may
	// still be below threshold.
	PhaseApproved

	// PhaseComplete is the terminal success phase.
	PhaseComplete

	// PhaseCancelled is the terminal cancellation phase; all local
	// identifiers must be cleared.
	PhaseCancelled
)

// String returns the phase name.
func (k PhaseKind) String() string {
	switch k {
	case PhaseRequested:
		return "requested"
	case PhaseWaitingForCode:
		return "waiting-for-code"
	case PhaseWaitingForVerification:
		return "waiting-for-verification"
	case PhaseRejected:
		return "rejected"
	case PhaseApproved:
		return "approved"
	case PhaseComplete:
		return "complete"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ApprovalPhase is the server-reported phase of one participant's approval
// session. Entropy is the encrypted TOTP secret and is present only for the
// phases that require code evaluation.
type ApprovalPhase struct {
	Kind    PhaseKind
	Entropy []byte
}

// RequiresEntropy reports whether this phase kind must carry entropy.
func (p ApprovalPhase) RequiresEntropy() bool {
	return p.Kind == PhaseWaitingForCode || p.Kind == PhaseRejected
}

// Validate checks phase-internal consistency. A phase that requires entropy
// but carries none indicates a relay inconsistent with local expectations.
func (p ApprovalPhase) Validate() error {
	if p.RequiresEntropy() && len(p.Entropy) == 0 {
		return fmt.Errorf("%w: phase %s reported without entropy", ErrProtocolViolation, p.Kind)
	}
	return nil
}

// ApprovalKind selects which flow an approval session belongs to. The phase
// engine is identical across kinds; only the approved payload differs.
type ApprovalKind int

const (
	// KindOnboarding verifies a new approver and establishes their shard.
	KindOnboarding ApprovalKind = iota

	// KindAccessApproval authorizes the owner to access stored phrases.
	KindAccessApproval

	// KindCredentialReset authorizes a biometric/authentication reset.
	KindCredentialReset

	// KindOwnerAccess is the owner-side view of an access approval.
	KindOwnerAccess
)

// String returns the kind name.
func (k ApprovalKind) String() string {
	switch k {
	case KindOnboarding:
		return "onboarding"
	case KindAccessApproval:
		return "access-approval"
	case KindCredentialReset:
		return "credential-reset"
	case KindOwnerAccess:
		return "owner-access"
	default:
		return "unknown"
	}
}

// AccessIntent enumerates what an access request unlocks.
type AccessIntent int

const (
	// IntentAccessPhrases requests read access to stored seed phrases.
	IntentAccessPhrases AccessIntent = iota

	// IntentReplacePolicy requests replacing the approver policy.
	IntentReplacePolicy

	// IntentRecoverOwnerKey requests recovery of the owner's device key.
	IntentRecoverOwnerKey
)

// AccessStatus is the server-side status of an access request.
type AccessStatus int

const (
	// AccessRequested means approvals are still being collected.
	AccessRequested AccessStatus = iota

	// AccessAvailable means the approved count reached the threshold.
	AccessAvailable

	// AccessTimelocked means the request is held by a timelock before
	// becoming available.
	AccessTimelocked
)

// Approval is one participant's approval record within an access request.
type Approval struct {
	ParticipantID ParticipantID
	Phase         ApprovalPhase

	// EncryptedShard is the participant's key shard encrypted under the
	// owner's public key, present once the participant has approved.
	EncryptedShard EncryptedSecretShard
}

// AccessRequest tracks one in-flight access, policy replacement, or owner
// key recovery.
type AccessRequest struct {
	ID        string
	Intent    AccessIntent
	Status    AccessStatus
	Approvals []Approval
}

// ApprovedCount returns the number of approvals that reached PhaseApproved
// or PhaseComplete.
func (r AccessRequest) ApprovedCount() int {
	n := 0
	for _, a := range r.Approvals {
		if a.Phase.Kind == PhaseApproved || a.Phase.Kind == PhaseComplete {
			n++
		}
	}
	return n
}

// EncryptedSecretShard is a key shard encrypted under the owner's public key
// by the holding approver. It is opaque to transport and decrypted only
// inside the custody and recovery components.
type EncryptedSecretShard []byte

// EncryptedPrivateKeyBlob is an approver's own device private key wrapped
// with device-bound entropy, stored in an external cloud blob the approver
// does not otherwise trust.
type EncryptedPrivateKeyBlob []byte

// SecretID identifies one stored secret.
type SecretID string

// VaultSecret is one stored secret. Immutable once stored except for
// deletion; label and content are never sent to the relay in plaintext.
type VaultSecret struct {
	ID               SecretID
	Label            string
	EncryptedPayload []byte
	IntegrityHash    [32]byte
	CreatedAt        time.Time
}

// TotpState is the locally derived code state for the active TOTP window.
// It is regenerated whenever the counter bucket advances and never reused
// across windows.
type TotpState struct {
	Secret           string
	Counter          uint64
	Code             string
	SecondsRemaining int
}
