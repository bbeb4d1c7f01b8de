package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/custody"
	"github.com/ruteri/social-recovery-backend/engine"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/poller"
)

// OwnerConfig collects the owner session's collaborators.
type OwnerConfig struct {
	UserID        string
	ParticipantID interfaces.ParticipantID
	Relay         interfaces.RelayClient
	Custody       *custody.Manager
	Signer        cryptoutils.DeviceKeySigner
	PollInterval  time.Duration
	Log           *slog.Logger
}

// OwnerSession drives the owner side of an access request: initiate, load
// the device key, derive the code from approver-supplied entropy, sign and
// submit it, and converge on the relay-reported phase.
type OwnerSession struct {
	relay         interfaces.RelayClient
	custody       *custody.Manager
	signer        cryptoutils.DeviceKeySigner
	userID        string
	participantID interfaces.ParticipantID
	log           *slog.Logger
	poll          *poller.Poller
	timer         *totpTimer

	mu         sync.Mutex
	approvalID string
	eph        engine.Ephemeral
	ui         engine.UiPhase
	secret     string
	lastErr    error
}

// NewOwnerSession creates an owner-side flow driver.
func NewOwnerSession(cfg OwnerConfig) *OwnerSession {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &OwnerSession{
		relay:         cfg.Relay,
		custody:       cfg.Custody,
		signer:        cfg.Signer,
		userID:        cfg.UserID,
		participantID: cfg.ParticipantID,
		log:           cfg.Log,
		timer:         &totpTimer{},
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
func (s *OwnerSession) Start(ctx context.Context) {
	s.poll.Start(ctx)
}

// Initiate opens a new access request at the relay.
func (s *OwnerSession) Initiate(ctx context.Context, intent interfaces.AccessIntent) error {
	s.poll.BeginWrite()
	state, err := s.relay.InitiateAccess(ctx, s.userID, intent)
	s.poll.EndWrite()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
	}

	s.HandleState(state)
	return nil
}

// HandleState re-derives the session from a relay snapshot. It is invoked by
// the poller on every non-stale tick and directly after each write.
func (s *OwnerSession) HandleState(state interfaces.ParticipantState) {
	s.mu.Lock()
	rec, ok := s.selectApprovalLocked(state)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.approvalID = rec.ApprovalID
	s.eph.KeyLoaded = s.custody.Loaded(s.participantID)
	eph := s.eph
	s.mu.Unlock()

	derived, err := engine.Derive(interfaces.KindOwnerAccess, rec.Phase, eph)
	if err != nil {
		if errors.Is(err, interfaces.ErrForeignCompletion) {
			s.log.Warn("Flow completed by another device", slog.String("approval", rec.ApprovalID))
		} else {
			s.log.Error("Phase derivation failed", slog.String("approval", rec.ApprovalID), "err", err)
		}
	}

	s.mu.Lock()
	s.ui = derived.UiPhase
	s.lastErr = err
	if derived.ClearEnteredCode {
		s.eph.EnteredCode = ""
	}
	s.mu.Unlock()

	for _, intent := range derived.Intents {
		s.interpret(intent)
	}
}

// selectApprovalLocked picks the approval session this device drives: the
// one already in flight if the relay still reports it, otherwise the first
// non-terminal one. Caller holds s.mu.
func (s *OwnerSession) selectApprovalLocked(state interfaces.ParticipantState) (interfaces.ApprovalRecord, bool) {
	if s.approvalID != "" {
		for _, rec := range state.Approvals {
			if rec.ApprovalID == s.approvalID {
				return rec, true
			}
		}
	}
	for _, rec := range state.Approvals {
		if rec.Phase.Kind != interfaces.PhaseComplete && rec.Phase.Kind != interfaces.PhaseCancelled {
			return rec, true
		}
	}
	return interfaces.ApprovalRecord{}, false
}

func (s *OwnerSession) interpret(intent engine.Intent) {
	switch intent.Kind {
	case engine.RequestKeyFromCloud:
		if _, err := s.custody.EnsureKeyLoaded(context.Background(), s.participantID); err != nil {
			// ErrKeyUnavailable has armed the one-shot retry; anything else
			// waits for the next reconciliation round.
			s.log.Debug("Device key not yet loaded", "err", err)
			return
		}
		s.mu.Lock()
		s.eph.KeyLoaded = true
		s.mu.Unlock()

	case engine.StartTotpTimer:
		if err := s.armTotp(intent.Entropy); err != nil {
			s.log.Error("Failed to derive code secret from entropy", "err", err)
		}

	case engine.ClearLocalIdentifiers:
		s.mu.Lock()
		s.approvalID = ""
		s.secret = ""
		s.eph = engine.Ephemeral{}
		s.mu.Unlock()
		s.timer.halt()

	case engine.StopPolling:
		// Stop waits for the poll loop; detach since intents may be
		// interpreted from inside a tick.
		go s.poll.Stop()
	}
}

// armTotp decrypts the approver-supplied entropy with the owner's device key
// and starts the code timer. Re-delivered entropy for the already-armed
// secret is a no-op; fresh entropy after a rejection rotates the timer.
func (s *OwnerSession) armTotp(entropy []byte) error {
	key, err := s.custody.EnsureKeyLoaded(context.Background(), s.participantID)
	if err != nil {
		return err
	}

	plain, err := cryptoutils.DecryptWithPrivateKey(key, entropy)
	if err != nil {
		return fmt.Errorf("entropy does not decrypt with the device key: %w", err)
	}
	secret := string(plain)
	cryptoutils.WipeBytes(plain)

	s.mu.Lock()
	if s.secret == secret {
		s.mu.Unlock()
		return nil
	}
	s.secret = secret
	s.mu.Unlock()

	return s.timer.start(secret)
}

// CurrentTotp returns the locally derived code state, false until the
// approver's entropy has been decrypted and the timer armed.
func (s *OwnerSession) CurrentTotp() (interfaces.TotpState, bool) {
	return s.timer.current()
}

// SubmitCode signs code||timestamp with the device key and submits it to the
// relay. A rejection arrives through the next reconciliation as a Rejected
// phase with fresh entropy; the code is never auto-resubmitted.
func (s *OwnerSession) SubmitCode(ctx context.Context, code string) error {
	s.mu.Lock()
	approvalID := s.approvalID
	s.eph.EnteredCode = code
	s.mu.Unlock()
	if approvalID == "" {
		return fmt.Errorf("%w: no approval session in flight", interfaces.ErrProtocolViolation)
	}

	sub := interfaces.VerificationSubmission{Code: code, Timestamp: time.Now()}
	sig, err := s.signer.Sign(sub.Payload())
	if err != nil {
		return fmt.Errorf("failed to sign verification code: %w", err)
	}
	sub.Signature = sig

	s.poll.BeginWrite()
	state, err := s.relay.SubmitTotpVerification(ctx, approvalID, sub)
	s.poll.EndWrite()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
	}

	s.mu.Lock()
	s.eph.Submitted = true
	s.mu.Unlock()

	s.HandleState(state)
	return nil
}

// Cancel cancels the access request. All devices observe the terminal
// cancelled phase and clear their identifiers.
func (s *OwnerSession) Cancel(ctx context.Context) error {
	s.poll.BeginWrite()
	state, err := s.relay.CancelAccess(ctx, s.userID)
	s.poll.EndWrite()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
	}

	s.HandleState(state)
	return nil
}

// UiPhase returns the currently derived UI phase and the derivation error,
// if any.
func (s *OwnerSession) UiPhase() (engine.UiPhase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ui, s.lastErr
}

// Close tears the session down: both timers stop together and the in-memory
// secret is dropped.
func (s *OwnerSession) Close() {
	s.poll.Stop()
	s.timer.halt()
	s.mu.Lock()
	s.secret = ""
	s.mu.Unlock()
}
