// Package session ties the phase engine, key custody, TOTP engine, poller,
// and relay client into per-device flow drivers: OwnerSession drives the
// owner side of an access request and ApproverSession the approver side.
//
// Each session is the single logical owner of its mutable state. Two timers
// run per active flow, the polling timer and the TOTP refresh timer, and
// both are cancelled together on flow exit or cancellation.
package session

import (
	"sync"
	"time"

	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/totp"
)

// totpTimer regenerates the local code whenever the window counter advances.
// It holds the plaintext TOTP secret for the lifetime of the active flow only.
type totpTimer struct {
	mu      sync.Mutex
	secret  string
	state   interfaces.TotpState
	stop    chan struct{}
	running bool
}

// start (re)arms the timer with a secret. A running timer for a previous
// secret is halted first.
func (t *totpTimer) start(secret string) error {
	t.halt()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.refreshLocked(secret, time.Now()); err != nil {
		return err
	}
	t.secret = secret
	t.stop = make(chan struct{})
	t.running = true

	go t.loop(t.stop)
	return nil
}

func (t *totpTimer) loop(stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			// Errors cannot occur here: the secret was validated in start.
			_ = t.refreshLocked(t.secret, time.Now())
			t.mu.Unlock()
		}
	}
}

// refreshLocked recomputes the code state for the current window. Caller
// holds t.mu.
func (t *totpTimer) refreshLocked(secret string, now time.Time) error {
	counter := totp.Counter(now)
	code, err := totp.Code(secret, counter)
	if err != nil {
		return err
	}
	t.state = interfaces.TotpState{
		Secret:           secret,
		Counter:          counter,
		Code:             code,
		SecondsRemaining: totp.SecondsRemaining(now),
	}
	return nil
}

// current returns the latest code state. The second return is false until
// the timer has been started.
func (t *totpTimer) current() (interfaces.TotpState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return interfaces.TotpState{}, false
	}
	// Recompute on read so callers never observe a stale window between ticks.
	_ = t.refreshLocked(t.secret, time.Now())
	return t.state, true
}

// halt stops the timer and drops the secret.
func (t *totpTimer) halt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		close(t.stop)
		t.running = false
	}
	t.secret = ""
	t.state = interfaces.TotpState{}
}
