// Package relay implements the cross-device reconciliation service: an
// approval ledger with server-authoritative phase transitions and threshold
// enforcement, its chi HTTP surface, and the matching HTTP client. The relay
// only ever handles ciphertext; TOTP secrets, shards, and key blobs pass
// through encrypted to a specific recipient's public key.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

var (
	// ErrUnknownUser means the user has no registered policy.
	ErrUnknownUser = errors.New("unknown user")

	// ErrUnknownApproval means the approval id is not part of any ledger entry.
	ErrUnknownApproval = errors.New("unknown approval")

	// ErrRequestInFlight means the user already has an open access request.
	ErrRequestInFlight = errors.New("access request already in flight")
)

// Ledger is the in-memory approval store. Phase transitions happen only
// here, in response to client writes; devices never assume transitions
// locally. Ledger implements interfaces.RelayClient so in-process callers
// and tests drive it exactly like the HTTP client.
type Ledger struct {
	log *slog.Logger

	mu    sync.Mutex
	users map[string]*userLedger
	// approvalIndex maps approval ids to their owning user.
	approvalIndex map[string]string
}

type userLedger struct {
	policy    interfaces.Policy
	request   *interfaces.AccessRequest
	approvals map[string]*interfaces.ApprovalRecord
	order     []string
}

// NewLedger creates an empty approval ledger.
func NewLedger(log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		log:           log,
		users:         make(map[string]*userLedger),
		approvalIndex: make(map[string]string),
	}
}

// RegisterPolicy registers or replaces a user's approver policy. The policy
// is validated; approver public keys are stored so devices can fetch their
// counterparts' confirmed keys.
func (l *Ledger) RegisterPolicy(userID string, policy interfaces.Policy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("refusing invalid policy for %s: %w", userID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[userID] = &userLedger{
		policy:    policy,
		approvals: make(map[string]*interfaces.ApprovalRecord),
	}
	l.log.Info("Policy registered",
		slog.String("user", userID),
		slog.Int("approvers", len(policy.Approvers)),
		slog.Int("threshold", policy.Threshold))
	return nil
}

// FetchParticipantState returns a deep-copied snapshot of the user's state.
func (l *Ledger) FetchParticipantState(ctx context.Context, userID string) (interfaces.ParticipantState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		return interfaces.ParticipantState{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return u.snapshot(), nil
}

// InitiateAccess opens an access request, creating one approval session per
// non-owner approver in PhaseRequested. A second initiation while one is in
// flight is refused.
func (l *Ledger) InitiateAccess(ctx context.Context, userID string, intent interfaces.AccessIntent) (interfaces.ParticipantState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		return interfaces.ParticipantState{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if u.request != nil {
		return interfaces.ParticipantState{}, fmt.Errorf("%w: %s", ErrRequestInFlight, u.request.ID)
	}

	u.request = &interfaces.AccessRequest{
		ID:     uuid.Must(uuid.NewRandom()).String(),
		Intent: intent,
		Status: interfaces.AccessRequested,
	}
	u.approvals = make(map[string]*interfaces.ApprovalRecord)
	u.order = nil

	for _, a := range u.policy.Approvers {
		if a.IsOwner {
			continue
		}
		id := uuid.Must(uuid.NewRandom()).String()
		u.approvals[id] = &interfaces.ApprovalRecord{
			ApprovalID:    id,
			ParticipantID: a.ParticipantID,
			Kind:          interfaces.KindAccessApproval,
			Phase:         interfaces.ApprovalPhase{Kind: interfaces.PhaseRequested},
		}
		u.order = append(u.order, id)
		l.approvalIndex[id] = userID
	}

	u.refreshRequestStatus()
	l.log.Info("Access request opened",
		slog.String("user", userID),
		slog.String("request", u.request.ID),
		slog.Int("approvals", len(u.approvals)))
	return u.snapshot(), nil
}

// AcceptRequest acknowledges a requested approval on the approver device.
// The session advances to WaitingForCode only once the approver stores the
// encrypted TOTP secret; acceptance alone carries no entropy.
func (l *Ledger) AcceptRequest(ctx context.Context, approvalID string) (interfaces.ParticipantState, error) {
	return l.transition(approvalID, func(rec *interfaces.ApprovalRecord) error {
		if rec.Phase.Kind != interfaces.PhaseRequested {
			return fmt.Errorf("%w: accept in phase %s", interfaces.ErrProtocolViolation, rec.Phase.Kind)
		}
		return nil
	})
}

// StoreTotpSecret attaches the approver's encrypted TOTP secret and moves
// the session to WaitingForCode. The secret is ciphertext addressed to the
// code-generating device; the relay cannot read it.
func (l *Ledger) StoreTotpSecret(ctx context.Context, approvalID string, encryptedSecret []byte) (interfaces.ParticipantState, error) {
	return l.transition(approvalID, func(rec *interfaces.ApprovalRecord) error {
		if rec.Phase.Kind != interfaces.PhaseRequested && rec.Phase.Kind != interfaces.PhaseWaitingForCode {
			return fmt.Errorf("%w: store secret in phase %s", interfaces.ErrProtocolViolation, rec.Phase.Kind)
		}
		if len(encryptedSecret) == 0 {
			return fmt.Errorf("%w: empty encrypted secret", interfaces.ErrProtocolViolation)
		}
		rec.Phase = interfaces.ApprovalPhase{Kind: interfaces.PhaseWaitingForCode, Entropy: encryptedSecret}
		rec.Verification = nil
		return nil
	})
}

// SubmitTotpVerification records the owner's signed code and moves the
// session to WaitingForVerification. The relay stores the submission for the
// approver to validate; it performs no code or signature check itself.
func (l *Ledger) SubmitTotpVerification(ctx context.Context, approvalID string, submission interfaces.VerificationSubmission) (interfaces.ParticipantState, error) {
	return l.transition(approvalID, func(rec *interfaces.ApprovalRecord) error {
		if rec.Phase.Kind != interfaces.PhaseWaitingForCode && rec.Phase.Kind != interfaces.PhaseRejected {
			return fmt.Errorf("%w: submit verification in phase %s", interfaces.ErrProtocolViolation, rec.Phase.Kind)
		}
		if submission.Code == "" || len(submission.Signature) == 0 {
			return fmt.Errorf("%w: incomplete verification submission", interfaces.ErrProtocolViolation)
		}
		sub := submission
		rec.Phase = interfaces.ApprovalPhase{Kind: interfaces.PhaseWaitingForVerification}
		rec.Verification = &sub
		return nil
	})
}

// RejectRequest records a failed validation. Rejection is a first-class
// outcome: the session returns to a code phase with fresh entropy so the
// owner can retry with a new code.
func (l *Ledger) RejectRequest(ctx context.Context, approvalID string, freshEntropy []byte) (interfaces.ParticipantState, error) {
	return l.transition(approvalID, func(rec *interfaces.ApprovalRecord) error {
		if rec.Phase.Kind != interfaces.PhaseWaitingForVerification {
			return fmt.Errorf("%w: reject in phase %s", interfaces.ErrProtocolViolation, rec.Phase.Kind)
		}
		if len(freshEntropy) == 0 {
			return fmt.Errorf("%w: rejection requires fresh entropy", interfaces.ErrProtocolViolation)
		}
		rec.Phase = interfaces.ApprovalPhase{Kind: interfaces.PhaseRejected, Entropy: freshEntropy}
		rec.Verification = nil
		return nil
	})
}

// ApproveAccess records the approver's shard and completes the session. Once
// completed approvals reach the policy threshold the request becomes
// Available.
func (l *Ledger) ApproveAccess(ctx context.Context, approvalID string, shard interfaces.EncryptedSecretShard) (interfaces.ParticipantState, error) {
	return l.transition(approvalID, func(rec *interfaces.ApprovalRecord) error {
		if rec.Phase.Kind != interfaces.PhaseWaitingForVerification {
			return fmt.Errorf("%w: approve in phase %s", interfaces.ErrProtocolViolation, rec.Phase.Kind)
		}
		if len(shard) == 0 {
			return fmt.Errorf("%w: approval requires the encrypted shard", interfaces.ErrProtocolViolation)
		}
		rec.Phase = interfaces.ApprovalPhase{Kind: interfaces.PhaseComplete}
		rec.Verification = nil
		rec.Shard = shard
		return nil
	})
}

// CancelAccess cancels the user's open request. All approval sessions move
// to the terminal cancelled phase so every device clears its identifiers.
func (l *Ledger) CancelAccess(ctx context.Context, userID string) (interfaces.ParticipantState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		return interfaces.ParticipantState{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	for _, rec := range u.approvals {
		rec.Phase = interfaces.ApprovalPhase{Kind: interfaces.PhaseCancelled}
		rec.Verification = nil
	}
	u.request = nil

	l.log.Info("Access request cancelled", slog.String("user", userID))
	return u.snapshot(), nil
}

// transition applies a guarded mutation to one approval record and refreshes
// the request status under the ledger lock.
func (l *Ledger) transition(approvalID string, mutate func(*interfaces.ApprovalRecord) error) (interfaces.ParticipantState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	userID, ok := l.approvalIndex[approvalID]
	if !ok {
		return interfaces.ParticipantState{}, fmt.Errorf("%w: %s", ErrUnknownApproval, approvalID)
	}
	u := l.users[userID]
	rec := u.approvals[approvalID]

	if err := mutate(rec); err != nil {
		return interfaces.ParticipantState{}, err
	}
	u.refreshRequestStatus()
	return u.snapshot(), nil
}

// refreshRequestStatus recomputes the threshold gate. Available is reachable
// only once completed approvals meet the threshold, or for a single-owner
// policy immediately.
func (u *userLedger) refreshRequestStatus() {
	if u.request == nil {
		return
	}

	u.request.Approvals = u.request.Approvals[:0]
	approved := 0
	for _, id := range u.order {
		rec := u.approvals[id]
		u.request.Approvals = append(u.request.Approvals, interfaces.Approval{
			ParticipantID:  rec.ParticipantID,
			Phase:          rec.Phase,
			EncryptedShard: rec.Shard,
		})
		if rec.Phase.Kind == interfaces.PhaseApproved || rec.Phase.Kind == interfaces.PhaseComplete {
			approved++
		}
	}

	threshold := u.policy.Threshold
	if u.policy.IsSingleOwner() {
		// Single-owner shortcut: no external approvals exist to collect.
		threshold = 0
	}
	if approved >= threshold {
		u.request.Status = interfaces.AccessAvailable
	} else {
		u.request.Status = interfaces.AccessRequested
	}
}

// snapshot deep-copies the user state so callers never alias ledger memory.
func (u *userLedger) snapshot() interfaces.ParticipantState {
	state := interfaces.ParticipantState{Policy: u.policy}
	state.Policy.Approvers = append([]interfaces.Approver(nil), u.policy.Approvers...)

	for _, id := range u.order {
		rec := *u.approvals[id]
		rec.Phase.Entropy = append([]byte(nil), rec.Phase.Entropy...)
		rec.Shard = append(interfaces.EncryptedSecretShard(nil), rec.Shard...)
		if rec.Verification != nil {
			v := *rec.Verification
			v.Signature = append([]byte(nil), v.Signature...)
			rec.Verification = &v
		}
		state.Approvals = append(state.Approvals, rec)
	}

	if u.request != nil {
		req := *u.request
		req.Approvals = append([]interfaces.Approval(nil), u.request.Approvals...)
		for i := range req.Approvals {
			req.Approvals[i].Phase.Entropy = append([]byte(nil), req.Approvals[i].Phase.Entropy...)
			req.Approvals[i].EncryptedShard = append(interfaces.EncryptedSecretShard(nil), req.Approvals[i].EncryptedShard...)
		}
		state.Request = &req
	}
	return state
}
