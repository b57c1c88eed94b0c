package keylock

import (
	"context"
	"errors"
	"fmt"

	"github.com/hengadev/keylock/audit"
	"github.com/hengadev/keylock/internal/security"
)

// RotateKey creates the next version of a key: a fresh DEK is generated,
// wrapped and committed as the new active version while the previous one
// is retired, not destroyed, so everything encrypted under it keeps
// decrypting. Only the current-pointer cache entry is invalidated;
// version-addressed entries are untouched.
//
// Rotation commits in two steps: the wrapped version is recorded with
// status rotating first, then a single transaction promotes it and retires
// the predecessor. A crash between the two leaves an orphaned rotating
// version that the next invocation completes instead of duplicating, so
// two versions are never simultaneously active. An orphan whose wrapped
// DEK no longer unwraps is discarded rather than promoted.
//
// A second rotation for the same key while one is running fails with
// ErrRotationInProgress.
func (m *Manager) RotateKey(ctx context.Context, keyID string) (newVersion int, err error) {
	start := m.now()
	m.hook.OnOperationStart(ctx, "RotateKey", keyID)
	defer func() {
		m.hook.OnOperationComplete(ctx, "RotateKey", keyID, m.now().Sub(start), err)
	}()

	if _, busy := m.rotating.LoadOrStore(keyID, struct{}{}); busy {
		return 0, fmt.Errorf("key %q: %w", keyID, ErrRotationInProgress)
	}
	defer m.rotating.Delete(keyID)

	lock := m.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	md, err := m.store.GetMetadata(ctx, keyID)
	if err != nil {
		return 0, fmt.Errorf("key %q: %w", keyID, err)
	}
	if md.Status == StatusDestroyed {
		return 0, fmt.Errorf("key %q: %w", keyID, ErrKeyDestroyed)
	}

	// Recover an interrupted rotation before starting a new one. The
	// orphaned version is only promoted if its wrapped DEK still unwraps;
	// one that fails verification is discarded and a fresh version takes
	// its place. Availability errors abort instead, nothing is discarded
	// on an unreachable authority.
	pending, err := m.store.PendingVersion(ctx, keyID)
	if err != nil {
		return 0, err
	}
	if pending != nil {
		dek, uerr := m.unwrapDEK(ctx, pending.KEKID, pending.Ciphertext)
		switch {
		case uerr == nil:
			security.Zeroize(dek)
			if err = m.store.PromoteVersion(ctx, keyID, pending.Version, m.now().UTC()); err != nil {
				return 0, err
			}
			m.cache.Invalidate(currentKey(keyID))
			m.auditEvent(audit.ActionRotate, keyID, true,
				fmt.Sprintf("completed interrupted rotation to version %d", pending.Version))
			return pending.Version, nil
		case errors.Is(uerr, ErrAuthenticationFailed):
			if err = m.store.DiscardPendingVersion(ctx, keyID, pending.Version); err != nil {
				return 0, err
			}
			m.auditEvent(audit.ActionRotate, keyID, false,
				fmt.Sprintf("discarded unreadable pending version %d", pending.Version))
		default:
			return 0, uerr
		}
	}

	dek, err := security.RandomBytes(DEKLength)
	if err != nil {
		return 0, fmt.Errorf("failed to generate DEK: %w", err)
	}
	defer security.Zeroize(dek)

	wrapped, err := m.wrapDEK(ctx, dek)
	if err != nil {
		m.auditEvent(audit.ActionRotate, keyID, false, err.Error())
		return 0, err
	}

	newVersion = md.ActiveVersion + 1
	now := m.now().UTC()
	if err = m.store.AddPendingVersion(ctx, &WrappedDEK{
		KeyID:      keyID,
		Version:    newVersion,
		KEKID:      m.kekID,
		Ciphertext: wrapped,
		Status:     StatusRotating,
		CreatedAt:  now,
	}); err != nil {
		m.auditEvent(audit.ActionRotate, keyID, false, err.Error())
		return 0, err
	}
	if err = m.store.PromoteVersion(ctx, keyID, newVersion, now); err != nil {
		m.auditEvent(audit.ActionRotate, keyID, false, err.Error())
		return 0, err
	}

	m.cache.Invalidate(currentKey(keyID))
	m.auditEvent(audit.ActionRotate, keyID, true,
		fmt.Sprintf("rotated to version %d", newVersion))
	return newVersion, nil
}

// KeysNeedingRotation returns the ids of keys whose last rotation is older
// than their rotation period. Pure read, no side effects.
func (m *Manager) KeysNeedingRotation(ctx context.Context) ([]string, error) {
	all, err := m.store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var due []string
	for _, md := range all {
		if md.NeedsRotation(now) {
			due = append(due, md.KeyID)
		}
	}
	return due, nil
}
