package interfaces

import (
	"errors"

	"github.com/ruteri/social-recovery-backend/cryptoutils"
)

// Error taxonomy for the recovery protocol. Failures that could indicate
// tampering (ErrDecryption, ErrCorruptionDetected, ErrProtocolViolation) are
// deliberately distinct from ordinary "not ready yet" states and are never
// retried automatically.
var (
	// ErrNetwork marks transient transport failures. Retryable, but only on
	// explicit user action, never silently in a loop.
	ErrNetwork = errors.New("network error")

	// ErrNotAuthorized is returned when an operation requires more approvals
	// than are present. Fatal to the current flow.
	ErrNotAuthorized = errors.New("not authorized: approval threshold not met")

	// ErrForeignCompletion is returned when the relay reports a completed
	// phase but this device never recorded a successful submission: another
	// device finished the flow. Surfaced explicitly, never as silent success.
	ErrForeignCompletion = errors.New("flow not in progress on this device")

	// ErrVerificationRejected is returned for a wrong TOTP code or a bad
	// signature. Recoverable: the entered code is cleared and the session
	// stays open for another attempt.
	ErrVerificationRejected = errors.New("verification rejected")

	// ErrKeyUnavailable means the device key could not be loaded yet; cloud
	// permission is pending. Recoverable via a one-shot retry continuation.
	ErrKeyUnavailable = errors.New("device key unavailable")

	// ErrPermissionNotGranted is returned by blob custody when the cloud
	// provider has not (yet) granted access to the key blob.
	ErrPermissionNotGranted = errors.New("cloud storage permission not granted")

	// ErrCorruptionDetected marks an integrity-hash mismatch on a stored
	// secret. Fatal for the affected item only.
	ErrCorruptionDetected = errors.New("corruption detected")

	// ErrProtocolViolation means the relay returned a phase inconsistent
	// with local expectations. Fatal; the flow is aborted.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrLocked is returned when recovered plaintext is read after the
	// viewing lock expired or recovery was cancelled.
	ErrLocked = errors.New("recovered secrets are locked")
)

// ErrDecryption marks a data integrity violation during decryption.
// Fatal for the affected item; never silently swallowed.
var ErrDecryption = cryptoutils.ErrDecryption

// ErrUnwrap marks invalidated device-key wrap state. Callers must treat it
// as "re-provision required".
var ErrUnwrap = cryptoutils.ErrUnwrap
