package keylock

import (
	"time"
)

// KeyPurpose describes what a key is allowed to be used for.
type KeyPurpose string

const (
	PurposeEncryption KeyPurpose = "encryption"
	PurposeBlindIndex KeyPurpose = "blind_index"
	PurposeSearch     KeyPurpose = "search"
)

// Valid reports whether the purpose is one of the known values.
func (p KeyPurpose) Valid() bool {
	switch p {
	case PurposeEncryption, PurposeBlindIndex, PurposeSearch:
		return true
	}
	return false
}

// KeyStatus is the lifecycle state of a key or key version.
type KeyStatus string

const (
	// StatusActive marks the version used for new encryptions.
	StatusActive KeyStatus = "active"
	// StatusRotating marks a version written by a rotation that has not
	// committed yet. At most one such version exists per key.
	StatusRotating KeyStatus = "rotating"
	// StatusRetired marks a superseded version. Retired versions stay
	// resolvable so old ciphertext keeps decrypting.
	StatusRetired KeyStatus = "retired"
	// StatusDestroyed marks a crypto-shredded key. Its wrapped material is
	// gone and any ciphertext referencing it is permanently unrecoverable.
	StatusDestroyed KeyStatus = "destroyed"
)

// KeyMetadata describes a logical key and its current lifecycle state.
// It never carries raw key material. Mutation happens only through the
// manager's create, rotate and delete operations.
type KeyMetadata struct {
	KeyID          string        `json:"key_id"`
	Purpose        KeyPurpose    `json:"purpose"`
	Description    string        `json:"description,omitempty"`
	Status         KeyStatus     `json:"status"`
	ActiveVersion  int           `json:"active_version"`
	CreatedAt      time.Time     `json:"created_at"`
	LastRotatedAt  time.Time     `json:"last_rotated_at"`
	RotationPeriod time.Duration `json:"rotation_period"`
	AccessCount    int64         `json:"access_count"`
}

// NeedsRotation reports whether the key is overdue for rotation at the
// given instant. Destroyed keys never need rotation.
func (m *KeyMetadata) NeedsRotation(now time.Time) bool {
	if m.Status == StatusDestroyed {
		return false
	}
	if m.RotationPeriod <= 0 {
		return false
	}
	return now.Sub(m.LastRotatedAt) > m.RotationPeriod
}

// DEK is an unwrapped data-encryption key. A version, once created, is
// immutable; rotation creates the next version instead of mutating this one.
type DEK struct {
	Version int
	Bytes   []byte
}

// WrappedDEK is one durable version of a key: the DEK ciphertext produced
// by the authority together with the KEK that wrapped it. Many versions may
// share a KeyID across the key's rotation history and every one of them
// stays individually resolvable until the key is destroyed.
type WrappedDEK struct {
	KeyID      string
	Version    int
	KEKID      string
	Ciphertext []byte
	Status     KeyStatus
	CreatedAt  time.Time
}
