package totp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeIsDeterministic(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err, "Failed to generate secret")

	first, err := Code(secret, 12345)
	require.NoError(t, err)
	second, err := Code(secret, 12345)
	require.NoError(t, err)

	assert.Equal(t, first, second, "Same secret and counter must yield the same code")
	assert.Len(t, first, Digits, "Code should be 6 digits")
}

func TestAdjacentWindowsDiffer(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)

	current, err := Code(secret, 10000)
	require.NoError(t, err)
	next, err := Code(secret, 10001)
	require.NoError(t, err)

	assert.NotEqual(t, current, next, "Adjacent windows should produce different codes")
}

func TestMatchesCurrentAndPriorWindowOnly(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)

	now := time.Unix(1700000015, 0)
	counter := Counter(now)

	currentCode, err := Code(secret, counter)
	require.NoError(t, err)
	priorCode, err := Code(secret, counter-1)
	require.NoError(t, err)
	staleCode, err := Code(secret, counter-2)
	require.NoError(t, err)

	assert.True(t, Matches(currentCode, secret, now), "Current window code should match")
	assert.True(t, Matches(priorCode, secret, now), "Immediately prior window code should match")
	assert.False(t, Matches(staleCode, secret, now), "Code from two windows in the past must be rejected")
}

func TestMatchesRejectsMalformedInput(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)

	now := time.Now()
	assert.False(t, Matches("12345", secret, now), "Short code should be rejected")
	assert.False(t, Matches("1234567", secret, now), "Long code should be rejected")
	assert.False(t, Matches("", secret, now), "Empty code should be rejected")
	assert.False(t, Matches("000000", "!!!not-base32!!!", now), "Malformed secret should never match")
}

func TestSecondsRemaining(t *testing.T) {
	windowStart := int64(1700000010) // divisible by 30
	assert.Equal(t, WindowSeconds, SecondsRemaining(time.Unix(windowStart, 0)), "Window start should have the full window remaining")
	assert.Equal(t, 15, SecondsRemaining(time.Unix(windowStart+15, 0)), "Mid-window should have half the window remaining")
	assert.Equal(t, 1, SecondsRemaining(time.Unix(windowStart+29, 0)), "Window end should have one second remaining")
}

func TestGenerateSecretIsUnique(t *testing.T) {
	first, err := GenerateSecret()
	require.NoError(t, err)
	second, err := GenerateSecret()
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "Two generated secrets should differ")
}
