// Package totp implements the time-based one-time code engine used for
// mutual liveness verification between owner and approver devices. The same
// engine serves both trust directions: the approver displays a code derived
// from an owner-supplied secret, and the owner signs a code derived from an
// approver-supplied secret.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	// WindowSeconds is the fixed TOTP time bucket.
	WindowSeconds = 30

	// Digits is the code length.
	Digits = 6

	secretSize = 20 // 160-bit secret
)

// GenerateSecret creates a fresh random TOTP secret, base32 encoded without padding.
func GenerateSecret() (string, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret), nil
}

// Counter returns the window counter for the given wall-clock time.
func Counter(now time.Time) uint64 {
	return uint64(now.Unix() / WindowSeconds)
}

// SecondsRemaining returns how many seconds are left in the current window.
func SecondsRemaining(now time.Time) int {
	return WindowSeconds - int(now.Unix()%WindowSeconds)
}

// Code computes the 6-digit code for a secret at a specific window counter.
// The computation is deterministic: the same secret and counter always
// produce the same code.
func Code(secret string, counter uint64) (string, error) {
	secretBytes, err := decodeSecret(secret)
	if err != nil {
		return "", fmt.Errorf("invalid totp secret: %w", err)
	}
	defer zero(secretBytes)

	return computeCode(secretBytes, counter), nil
}

// Matches verifies a candidate code against the secret at the given time.
// The current and immediately prior window are accepted to tolerate clock and
// network skew; anything older is rejected as a replay.
func Matches(candidate, secret string, now time.Time) bool {
	candidate = strings.TrimSpace(candidate)
	if len(candidate) != Digits {
		return false
	}

	secretBytes, err := decodeSecret(secret)
	if err != nil {
		return false
	}
	defer zero(secretBytes)

	counter := now.Unix() / WindowSeconds
	for i := int64(-1); i <= 0; i++ {
		cur := counter + i
		if cur < 0 {
			continue
		}
		if computeCode(secretBytes, uint64(cur)) == candidate {
			return true
		}
	}
	return false
}

// computeCode implements the RFC 4226 HMAC-SHA1 dynamic truncation.
func computeCode(secret []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	trunc := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7FFFFFFF
	code := trunc % 1000000
	return fmt.Sprintf("%0*d", Digits, code)
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.ToUpper(strings.TrimSpace(secret))
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
