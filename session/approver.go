package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/engine"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/poller"
	"github.com/ruteri/social-recovery-backend/totp"
)

// ApproverConfig collects the approver session's collaborators. OwnerPubkey
// is the owner's previously-confirmed public key; submissions are validated
// against it, never against a key the relay supplies mid-flow.
type ApproverConfig struct {
	UserID        string
	ParticipantID interfaces.ParticipantID
	Relay         interfaces.RelayClient
	Shard         interfaces.EncryptedSecretShard
	OwnerPubkey   cryptoutils.DevicePubkey
	PollInterval  time.Duration
	Log           *slog.Logger
}

// ApproverSession drives the approver side: accept the request, supply the
// encrypted TOTP secret, validate the owner's signed code against the
// confirmed public key and the local secret, then approve with the shard or
// reject with fresh entropy.
type ApproverSession struct {
	relay         interfaces.RelayClient
	userID        string
	participantID interfaces.ParticipantID
	shard         interfaces.EncryptedSecretShard
	ownerPub      cryptoutils.DevicePubkey
	log           *slog.Logger
	poll          *poller.Poller
	timer         *totpTimer

	mu         sync.Mutex
	approvalID string
	secret     string
	eph        engine.Ephemeral
	ui         engine.UiPhase
	lastErr    error
	// validated remembers submissions already judged so a re-polled snapshot
	// does not approve or reject twice.
	validated map[string]bool
}

// NewApproverSession creates an approver-side flow driver.
func NewApproverSession(cfg ApproverConfig) *ApproverSession {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &ApproverSession{
		relay:         cfg.Relay,
		userID:        cfg.UserID,
		participantID: cfg.ParticipantID,
		shard:         cfg.Shard,
		ownerPub:      cfg.OwnerPubkey,
		log:           cfg.Log,
		timer:         &totpTimer{},
		validated:     make(map[string]bool),
	}
	s.poll = poller.New(poller.Config{
		Fetch: func(ctx context.Context) (interfaces.ParticipantState, error) {
			return s.relay.FetchParticipantState(ctx, s.userID)
		},
		Apply:    s.HandleState,
		Interval: cfg.PollInterval,
		Log:      cfg.Log,
	})
	return s
}

// Start begins background reconciliation.
func (s *ApproverSession) Start(ctx context.Context) {
	s.poll.Start(ctx)
}

// Accept accepts the pending approval request and stores a fresh TOTP secret
// encrypted to the owner's public key. The plaintext secret stays on this
// device; the relay and the owner's cloud provider only see ciphertext.
func (s *ApproverSession) Accept(ctx context.Context) error {
	state, err := s.relay.FetchParticipantState(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
	}

	rec, ok := state.ApprovalFor(s.participantID)
	if !ok {
		return fmt.Errorf("%w: no approval session for this participant", interfaces.ErrProtocolViolation)
	}
	if rec.Phase.Kind != interfaces.PhaseRequested {
		return fmt.Errorf("%w: accept in phase %s", interfaces.ErrProtocolViolation, rec.Phase.Kind)
	}

	secret, encrypted, err := s.freshEntropy()
	if err != nil {
		return err
	}

	s.poll.BeginWrite()
	defer s.poll.EndWrite()

	if _, err := s.relay.AcceptRequest(ctx, rec.ApprovalID); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
	}
	state, err = s.relay.StoreTotpSecret(ctx, rec.ApprovalID, encrypted)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
	}

	s.mu.Lock()
	s.approvalID = rec.ApprovalID
	s.secret = secret
	s.mu.Unlock()
	if err := s.timer.start(secret); err != nil {
		return err
	}

	s.HandleState(state)
	return nil
}

// freshEntropy generates a new TOTP secret and its ciphertext addressed to
// the owner.
func (s *ApproverSession) freshEntropy() (string, []byte, error) {
	secret, err := totp.GenerateSecret()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}
	encrypted, err := cryptoutils.EncryptWithPublicKey(s.ownerPub, []byte(secret))
	if err != nil {
		return "", nil, fmt.Errorf("failed to encrypt totp secret to owner: %w", err)
	}
	return secret, encrypted, nil
}

// HandleState re-derives the session from a relay snapshot and validates any
// pending owner submission.
func (s *ApproverSession) HandleState(state interfaces.ParticipantState) {
	rec, ok := state.ApprovalFor(s.participantID)
	if !ok {
		return
	}

	s.mu.Lock()
	s.approvalID = rec.ApprovalID
	// The approver's own key never leaves the device; code phases need no
	// cloud load here.
	s.eph.KeyLoaded = true
	eph := s.eph
	s.mu.Unlock()

	derived, err := engine.Derive(interfaces.KindAccessApproval, rec.Phase, eph)
	if err != nil && !errors.Is(err, interfaces.ErrForeignCompletion) {
		s.log.Error("Phase derivation failed", slog.String("approval", rec.ApprovalID), "err", err)
	}

	s.mu.Lock()
	s.ui = derived.UiPhase
	s.lastErr = err
	if derived.ClearEnteredCode {
		s.eph.EnteredCode = ""
	}
	s.mu.Unlock()

	for _, intent := range derived.Intents {
		switch intent.Kind {
		case engine.ClearLocalIdentifiers:
			s.mu.Lock()
			s.approvalID = ""
			s.secret = ""
			s.eph = engine.Ephemeral{}
			s.mu.Unlock()
			s.timer.halt()
		case engine.StopPolling:
			go s.poll.Stop()
		}
	}

	if rec.Phase.Kind == interfaces.PhaseWaitingForVerification && rec.Verification != nil {
		s.validate(context.Background(), rec.ApprovalID, *rec.Verification)
	}
}

// validate judges one owner submission: the signature must verify against
// the confirmed owner key and the code must match the local secret in the
// current or immediately prior window. A match approves with the shard; any
// mismatch rejects with fresh entropy so the owner can retry.
func (s *ApproverSession) validate(ctx context.Context, approvalID string, sub interfaces.VerificationSubmission) {
	key := fmt.Sprintf("%s|%s|%d", approvalID, sub.Code, sub.Timestamp.Unix())

	s.mu.Lock()
	if s.validated[key] {
		s.mu.Unlock()
		return
	}
	s.validated[key] = true
	secret := s.secret
	s.mu.Unlock()

	sigOK := cryptoutils.VerifySignature(s.ownerPub, sub.Payload(), sub.Signature)
	codeOK := totp.Matches(sub.Code, secret, time.Now())

	if sigOK && codeOK {
		s.approve(ctx, approvalID)
		return
	}

	s.log.Info("Verification rejected",
		slog.String("approval", approvalID),
		slog.Bool("signature_ok", sigOK),
		slog.Bool("code_ok", codeOK))
	s.reject(ctx, approvalID)
}

func (s *ApproverSession) approve(ctx context.Context, approvalID string) {
	s.poll.BeginWrite()
	state, err := s.relay.ApproveAccess(ctx, approvalID, s.shard)
	s.poll.EndWrite()
	if err != nil {
		s.log.Error("Failed to record approval", "err", err)
		return
	}

	s.mu.Lock()
	s.eph.Submitted = true
	s.mu.Unlock()
	s.HandleState(state)
}

// reject rotates the TOTP secret and records the rejection. Rejection keeps
// the session alive: the owner sees Rejected with fresh entropy and retries.
func (s *ApproverSession) reject(ctx context.Context, approvalID string) {
	secret, encrypted, err := s.freshEntropy()
	if err != nil {
		s.log.Error("Failed to rotate totp secret for rejection", "err", err)
		return
	}

	s.poll.BeginWrite()
	state, err := s.relay.RejectRequest(ctx, approvalID, encrypted)
	s.poll.EndWrite()
	if err != nil {
		s.log.Error("Failed to record rejection", "err", err)
		return
	}

	s.mu.Lock()
	s.secret = secret
	s.mu.Unlock()
	if err := s.timer.start(secret); err != nil {
		s.log.Error("Failed to restart totp timer", "err", err)
	}
	s.HandleState(state)
}

// CurrentTotp returns the locally derived code state for display.
func (s *ApproverSession) CurrentTotp() (interfaces.TotpState, bool) {
	return s.timer.current()
}

// UiPhase returns the currently derived UI phase and the derivation error,
// if any.
func (s *ApproverSession) UiPhase() (engine.UiPhase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ui, s.lastErr
}

// Close tears the session down: both timers stop together and the plaintext
// secret is dropped.
func (s *ApproverSession) Close() {
	s.poll.Stop()
	s.timer.halt()
	s.mu.Lock()
	s.secret = ""
	s.mu.Unlock()
}
