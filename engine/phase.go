// Package engine implements the participant phase state machine: a pure
// mapping from the relay-reported approval phase plus local ephemeral state
// to a local UI phase and a set of side-effect intents. One engine serves
// all approval kinds (onboarding, access approval, credential reset,
// owner-side access); the flow-specific payload travels inside the phase,
// not in per-flow automatons.
//
// The derivation is deterministic and free of hidden state: the same
// (server phase, ephemeral state) pair always yields the same result. All
// I/O implied by the intents is interpreted by an outer driver.
package engine

import (
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// UiPhase is the locally derived phase consumed by a presentation layer.
type UiPhase int

const (
	// UiApproveRequest awaits the user's explicit accept of the request.
	UiApproveRequest UiPhase = iota

	// UiNeedsCode awaits entry or display of a verification code.
	UiNeedsCode

	// UiWaitingForConfirmation awaits validation on the counterpart device.
	UiWaitingForConfirmation

	// UiCodeRejected reports a rejected code; the session stays open for retry.
	UiCodeRejected

	// UiComplete is terminal success for this device's session.
	UiComplete

	// UiAnotherDeviceInFlight means another device owns or finished this
	// flow; this device must not present success.
	UiAnotherDeviceInFlight
)

// String returns the phase name.
func (p UiPhase) String() string {
	switch p {
	case UiApproveRequest:
		return "approve-request"
	case UiNeedsCode:
		return "needs-code"
	case UiWaitingForConfirmation:
		return "waiting-for-confirmation"
	case UiCodeRejected:
		return "code-rejected"
	case UiComplete:
		return "complete"
	case UiAnotherDeviceInFlight:
		return "another-device-in-flight"
	default:
		return "unknown"
	}
}

// IntentKind enumerates the side effects the outer driver interprets.
type IntentKind int

const (
	// StartTotpTimer starts local code regeneration from the carried entropy.
	StartTotpTimer IntentKind = iota

	// RequestKeyFromCloud asks custody to load the device key blob.
	RequestKeyFromCloud

	// ClearLocalIdentifiers drops all locally held flow identifiers.
	ClearLocalIdentifiers

	// StopPolling stops the state reconciliation timer.
	StopPolling
)

// Intent is one side effect derived from a phase transition.
type Intent struct {
	Kind IntentKind

	// Entropy carries the encrypted TOTP secret for StartTotpTimer.
	Entropy []byte
}

// Ephemeral is the device-local state that feeds the derivation. It is owned
// by a single session and carries no hidden flags beyond these fields.
type Ephemeral struct {
	// EnteredCode is the code currently entered by the user, if any.
	EnteredCode string

	// KeyLoaded reports whether the session's private key is resident in
	// memory. No code can be evaluated before it is.
	KeyLoaded bool

	// Submitted reports whether this session recorded a successful
	// submission (accept, verification, or approval) of its own.
	Submitted bool
}

// Derived is the result of one derivation step.
type Derived struct {
	UiPhase UiPhase
	Intents []Intent

	// ClearEnteredCode instructs the driver to reset the entered code.
	ClearEnteredCode bool
}

// Derive maps a relay-reported phase and local ephemeral state to the local
// UI phase and side-effect intents. It returns interfaces.ErrProtocolViolation
// when the phase is inconsistent with local expectations (missing entropy),
// and interfaces.ErrForeignCompletion when the relay reports completion that
// this device never submitted.
func Derive(kind interfaces.ApprovalKind, phase interfaces.ApprovalPhase, eph Ephemeral) (Derived, error) {
	if err := phase.Validate(); err != nil {
		return Derived{}, err
	}

	switch phase.Kind {
	case interfaces.PhaseRequested:
		return Derived{UiPhase: UiApproveRequest}, nil

	case interfaces.PhaseWaitingForCode:
		return Derived{
			UiPhase: UiNeedsCode,
			Intents: codePhaseIntents(phase, eph),
		}, nil

	case interfaces.PhaseWaitingForVerification:
		d := Derived{UiPhase: UiWaitingForConfirmation}
		if !eph.KeyLoaded {
			d.Intents = append(d.Intents, Intent{Kind: RequestKeyFromCloud})
		}
		return d, nil

	case interfaces.PhaseRejected:
		// Rejection is a first-class outcome: the entered code resets but
		// the session stays alive for another attempt.
		return Derived{
			UiPhase:          UiCodeRejected,
			Intents:          codePhaseIntents(phase, eph),
			ClearEnteredCode: true,
		}, nil

	case interfaces.PhaseApproved:
		if !eph.Submitted {
			return Derived{UiPhase: UiAnotherDeviceInFlight}, interfaces.ErrForeignCompletion
		}
		return Derived{UiPhase: UiComplete}, nil

	case interfaces.PhaseComplete:
		if !eph.Submitted {
			// Stale or foreign completion: another device finished the flow.
			return Derived{UiPhase: UiAnotherDeviceInFlight}, interfaces.ErrForeignCompletion
		}
		return Derived{
			UiPhase: UiComplete,
			Intents: []Intent{{Kind: StopPolling}},
		}, nil

	case interfaces.PhaseCancelled:
		return Derived{
			UiPhase: UiAnotherDeviceInFlight,
			Intents: []Intent{{Kind: ClearLocalIdentifiers}, {Kind: StopPolling}},
		}, nil

	default:
		return Derived{}, interfaces.ErrProtocolViolation
	}
}

// codePhaseIntents derives the intents for the phases that evaluate codes.
// The TOTP timer must not start until the key is loaded; an unloaded key
// always requests the cloud blob first.
func codePhaseIntents(phase interfaces.ApprovalPhase, eph Ephemeral) []Intent {
	if !eph.KeyLoaded {
		return []Intent{{Kind: RequestKeyFromCloud}}
	}
	return []Intent{{Kind: StartTotpTimer, Entropy: phase.Entropy}}
}
