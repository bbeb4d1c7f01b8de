// Package recovery implements threshold recovery of owner secrets: approver
// shards are decrypted with the owner's device key, combined into the shard
// key, and the master key is unwrapped and applied per secret. Recovered
// plaintext is held in memory behind a lock timer and zeroized on expiry or
// cancellation.
package recovery

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// DefaultLockDuration is how long recovered plaintext stays readable before
// the engine relocks and zeroizes.
const DefaultLockDuration = 15 * time.Minute

// masterKeyWrapInfo domain-separates the key that wraps the master key from
// the raw combined shard key.
const masterKeyWrapInfo = "social-recovery/master-key-wrap/v1"

// Engine holds at most one unlocked recovery session. All recovered plaintext
// lives only in this process's memory and only until the lock timer fires.
type Engine struct {
	lockDuration time.Duration
	log          *slog.Logger

	mu    sync.Mutex
	open  map[interfaces.SecretID]recoveredSecret
	timer *time.Timer
}

type recoveredSecret struct {
	label  string
	phrase []byte
}

// NewEngine creates a recovery engine. A non-positive lockDuration selects
// DefaultLockDuration.
func NewEngine(lockDuration time.Duration, log *slog.Logger) *Engine {
	if lockDuration <= 0 {
		lockDuration = DefaultLockDuration
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{lockDuration: lockDuration, log: log}
}

// Recover authorizes against the access request, reconstructs the master key
// from the encrypted shards, and decrypts the requested secrets.
//
// The request must be Available and carry at least threshold approvals unless
// the policy is single-owner; otherwise ErrNotAuthorized. Each secret whose
// payload fails to decrypt or whose integrity hash does not match is reported
// in the returned map as ErrCorruptionDetected without affecting the others.
// On success the plaintexts become readable through Phrase until the lock
// timer fires or Cancel is called.
func (e *Engine) Recover(
	request interfaces.AccessRequest,
	policy interfaces.Policy,
	secrets []interfaces.VaultSecret,
	requested []interfaces.SecretID,
	shards []interfaces.EncryptedSecretShard,
	encryptedMasterKey []byte,
	ownerKey cryptoutils.DevicePrivkey,
) (map[interfaces.SecretID]error, error) {
	if request.Status != interfaces.AccessAvailable {
		return nil, fmt.Errorf("%w: access request %s is not available", interfaces.ErrNotAuthorized, request.ID)
	}
	if !policy.IsSingleOwner() && request.ApprovedCount() < policy.Threshold {
		return nil, fmt.Errorf("%w: %d of %d required approvals",
			interfaces.ErrNotAuthorized, request.ApprovedCount(), policy.Threshold)
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards provided", interfaces.ErrNotAuthorized)
	}

	shardKey, err := combineShards(shards, ownerKey)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(shardKey)

	wrapKey, err := cryptoutils.ExpandKey(shardKey, masterKeyWrapInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master wrap key: %w", err)
	}
	defer cryptoutils.WipeBytes(wrapKey)

	masterKey, err := cryptoutils.OpenWithKey(wrapKey, encryptedMasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap master key: %w", err)
	}
	defer cryptoutils.WipeBytes(masterKey)

	byID := make(map[interfaces.SecretID]interfaces.VaultSecret, len(secrets))
	for _, s := range secrets {
		byID[s.ID] = s
	}

	recovered := make(map[interfaces.SecretID]recoveredSecret, len(requested))
	failed := make(map[interfaces.SecretID]error)
	for _, id := range requested {
		secret, ok := byID[id]
		if !ok {
			failed[id] = fmt.Errorf("%w: unknown secret %s", interfaces.ErrCorruptionDetected, id)
			continue
		}

		phrase, err := cryptoutils.OpenWithKey(masterKey, secret.EncryptedPayload)
		if err != nil {
			failed[id] = fmt.Errorf("%w: payload of %s does not decrypt", interfaces.ErrCorruptionDetected, id)
			continue
		}
		if sha256.Sum256(phrase) != secret.IntegrityHash {
			cryptoutils.WipeBytes(phrase)
			failed[id] = fmt.Errorf("%w: integrity hash mismatch for %s", interfaces.ErrCorruptionDetected, id)
			continue
		}

		recovered[id] = recoveredSecret{label: secret.Label, phrase: phrase}
	}

	e.mu.Lock()
	e.wipeLocked()
	e.open = recovered
	e.timer = time.AfterFunc(e.lockDuration, e.expire)
	e.mu.Unlock()

	e.log.Info("Secrets recovered",
		slog.Int("recovered", len(recovered)),
		slog.Int("failed", len(failed)),
		slog.Duration("lock_in", e.lockDuration))
	return failed, nil
}

// combineShards decrypts each shard with the owner key and reconstructs the
// shard key. A single share is the key itself (single-owner policies skip the
// split); two or more go through Shamir combination.
func combineShards(shards []interfaces.EncryptedSecretShard, ownerKey cryptoutils.DevicePrivkey) ([]byte, error) {
	shares := make([][]byte, 0, len(shards))
	for i, shard := range shards {
		share, err := cryptoutils.DecryptWithPrivateKey(ownerKey, shard)
		if err != nil {
			for _, s := range shares {
				cryptoutils.WipeBytes(s)
			}
			return nil, fmt.Errorf("failed to decrypt shard %d: %w", i, err)
		}
		shares = append(shares, share)
	}

	if len(shares) == 1 {
		return shares[0], nil
	}

	combined, err := shamir.Combine(shares)
	for _, s := range shares {
		cryptoutils.WipeBytes(s)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to combine shards: %w", err)
	}
	return combined, nil
}

// Phrase returns the recovered plaintext for a secret. After lock expiry or
// Cancel it returns ErrLocked; an id that was never recovered in the current
// session is also ErrLocked.
func (e *Engine) Phrase(id interfaces.SecretID) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.open == nil {
		return nil, interfaces.ErrLocked
	}
	s, ok := e.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: secret %s is not part of the unlocked session", interfaces.ErrLocked, id)
	}
	return s.phrase, nil
}

// Label returns the label of a recovered secret, subject to the same lock as
// Phrase.
func (e *Engine) Label(id interfaces.SecretID) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.open == nil {
		return "", interfaces.ErrLocked
	}
	s, ok := e.open[id]
	if !ok {
		return "", interfaces.ErrLocked
	}
	return s.label, nil
}

// Unlocked reports whether a recovery session is currently readable.
func (e *Engine) Unlocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open != nil
}

// Cancel zeroizes all recovered plaintext and relocks immediately.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wipeLocked()
}

func (e *Engine) expire() {
	e.mu.Lock()
	wasOpen := e.open != nil
	e.wipeLocked()
	e.mu.Unlock()
	if wasOpen {
		e.log.Info("Recovery lock expired, plaintext wiped")
	}
}

// wipeLocked zeroizes and drops the open session. Caller holds e.mu.
func (e *Engine) wipeLocked() {
	for _, s := range e.open {
		cryptoutils.WipeBytes(s.phrase)
	}
	e.open = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// NewMasterKey generates a fresh 32-byte secret-encryption master key.
func NewMasterKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// SplitShardKey splits the shard key into shares for distribution to the
// approvers. Policies with a single approver slot keep the key whole.
func SplitShardKey(shardKey []byte, parts, threshold int) ([][]byte, error) {
	if parts == 1 {
		if threshold != 1 {
			return nil, errors.New("threshold must be 1 for a single share")
		}
		share := make([]byte, len(shardKey))
		copy(share, shardKey)
		return [][]byte{share}, nil
	}
	shares, err := shamir.Split(shardKey, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split shard key: %w", err)
	}
	return shares, nil
}

// WrapMasterKey seals the master key under the shard key for storage at the
// relay or in cloud custody.
func WrapMasterKey(masterKey, shardKey []byte) ([]byte, error) {
	wrapKey, err := cryptoutils.ExpandKey(shardKey, masterKeyWrapInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master wrap key: %w", err)
	}
	defer cryptoutils.WipeBytes(wrapKey)
	return cryptoutils.SealWithKey(wrapKey, masterKey)
}

// ProtectSecret encrypts one phrase under the master key and binds its
// integrity hash.
func ProtectSecret(masterKey []byte, id interfaces.SecretID, label string, phrase []byte) (interfaces.VaultSecret, error) {
	payload, err := cryptoutils.SealWithKey(masterKey, phrase)
	if err != nil {
		return interfaces.VaultSecret{}, fmt.Errorf("failed to encrypt secret %s: %w", id, err)
	}
	return interfaces.VaultSecret{
		ID:               id,
		Label:            label,
		EncryptedPayload: payload,
		IntegrityHash:    sha256.Sum256(phrase),
		CreatedAt:        time.Now().UTC(),
	}, nil
}
