package keylock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hengadev/keylock/internal/security"
)

// InMemoryKMS is an in-process authority for tests and local development.
// Each KEK is a random AES-256 key held in memory; wrap and unwrap are
// real AES-GCM, so tampered wrapped DEKs fail authentication like they
// would against a production authority.
//
// Call counters and failure injection make authority behavior observable
// from tests without mocking.
type InMemoryKMS struct {
	mu      sync.RWMutex
	keks    map[string][]byte // kekID -> raw key
	aliases map[string]string // alias -> kekID
	nextID  int

	unavailable atomic.Bool

	EncryptCalls atomic.Int64
	DecryptCalls atomic.Int64
}

// NewInMemoryKMS creates an empty in-memory authority.
func NewInMemoryKMS() *InMemoryKMS {
	return &InMemoryKMS{
		keks:    make(map[string][]byte),
		aliases: make(map[string]string),
	}
}

// SetUnavailable makes every subsequent call fail with a transient error,
// simulating an unreachable authority.
func (k *InMemoryKMS) SetUnavailable(down bool) {
	k.unavailable.Store(down)
}

func (k *InMemoryKMS) checkUp() error {
	if k.unavailable.Load() {
		return fmt.Errorf("%w: in-memory KMS is down", ErrKeyUnavailable)
	}
	return nil
}

func (k *InMemoryKMS) GetKeyID(ctx context.Context, alias string) (string, error) {
	if err := k.checkUp(); err != nil {
		return "", err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	id, ok := k.aliases[alias]
	if !ok {
		return "", fmt.Errorf("%w: no KEK for alias %q", ErrKeyNotFound, alias)
	}
	return id, nil
}

func (k *InMemoryKMS) CreateKey(ctx context.Context, alias string) (string, error) {
	if err := k.checkUp(); err != nil {
		return "", err
	}
	key, err := security.RandomBytes(32)
	if err != nil {
		return "", err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextID++
	id := fmt.Sprintf("mem-kek-%d", k.nextID)
	k.keks[id] = key
	k.aliases[alias] = id
	return id, nil
}

func (k *InMemoryKMS) EncryptDEK(ctx context.Context, kekID string, plaintext []byte) ([]byte, error) {
	k.EncryptCalls.Add(1)
	if err := k.checkUp(); err != nil {
		return nil, err
	}
	kek, err := k.lookup(kekID)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	nonce, err := security.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func (k *InMemoryKMS) DecryptDEK(ctx context.Context, kekID string, ciphertext []byte) ([]byte, error) {
	k.DecryptCalls.Add(1)
	if err := k.checkUp(); err != nil {
		return nil, err
	}
	kek, err := k.lookup(kekID)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: wrapped DEK is truncated", ErrAuthenticationFailed)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped DEK failed verification", ErrAuthenticationFailed)
	}
	return plaintext, nil
}

func (k *InMemoryKMS) lookup(kekID string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kek, ok := k.keks[kekID]
	if !ok {
		return nil, fmt.Errorf("unknown KEK %q", kekID)
	}
	return kek, nil
}
