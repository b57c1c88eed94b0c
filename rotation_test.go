package keylock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateKey_AdvancesActiveVersion(t *testing.T) {
	ctx := context.Background()
	m, _, store := newTestManager(t)

	keyID, err := m.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)
	v1, err := m.GetKey(ctx, keyID)
	require.NoError(t, err)

	newVersion, err := m.RotateKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, 2, newVersion)

	active, err := m.GetKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.NotEqual(t, v1.Bytes, active.Bytes)

	// The old version is retired, not gone.
	old, err := m.GetKeyVersion(ctx, keyID, 1)
	require.NoError(t, err)
	assert.Equal(t, v1.Bytes, old.Bytes)

	w, err := store.GetWrapped(ctx, keyID, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, w.Status)
	w, err = store.GetWrapped(ctx, keyID, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, w.Status)
}

func TestRotateKey_OldCiphertextStillDecrypts(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	keyID, err := m.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)

	blob, err := m.Encrypt(ctx, keyID, []byte("written before rotation"))
	require.NoError(t, err)

	_, err = m.RotateKey(ctx, keyID)
	require.NoError(t, err)

	plaintext, err := m.Decrypt(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("written before rotation"), plaintext)

	// New writes pick up the new version.
	fresh, err := m.Encrypt(ctx, keyID, []byte("after"))
	require.NoError(t, err)
	header, _, err := ParseEnvelope(fresh)
	require.NoError(t, err)
	assert.Equal(t, 2, header.Version)
}

func TestRotateKey_Errors(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.RotateKey(ctx, "encryption_nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	keyID, err := m.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)
	require.NoError(t, m.DeleteKey(ctx, keyID))
	_, err = m.RotateKey(ctx, keyID)
	assert.ErrorIs(t, err, ErrKeyDestroyed)
}

func TestRotateKey_ConcurrentRotationRejected(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	keyID, err := m.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)

	// Hold the rotation slot the way an in-flight rotation would.
	m.rotating.Store(keyID, struct{}{})
	_, err = m.RotateKey(ctx, keyID)
	assert.ErrorIs(t, err, ErrRotationInProgress)

	m.rotating.Delete(keyID)
	_, err = m.RotateKey(ctx, keyID)
	require.NoError(t, err)
}

func TestRotateKey_AuthorityDownKeepsOldVersionActive(t *testing.T) {
	ctx := context.Background()
	m, kms, _ := newTestManager(t)

	keyID, err := m.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)

	kms.SetUnavailable(true)
	_, err = m.RotateKey(ctx, keyID)
	require.ErrorIs(t, err, ErrKeyUnavailable)
	kms.SetUnavailable(false)

	md, err := m.Metadata(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, 1, md.ActiveVersion)
	dek, err := m.GetKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, 1, dek.Version)
}

func TestRotateKey_CompletesInterruptedRotation(t *testing.T) {
	ctx := context.Background()
	m, kms, store := newTestManager(t)

	keyID, err := m.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)

	// Simulate a crash after the new version was written but before the
	// active pointer moved.
	kekID, err := kms.GetKeyID(ctx, "test-kek")
	require.NoError(t, err)
	wrapped, err := kms.EncryptDEK(ctx, kekID, make([]byte, DEKLength))
	require.NoError(t, err)
	require.NoError(t, store.AddPendingVersion(ctx, &WrappedDEK{
		KeyID:      keyID,
		Version:    2,
		KEKID:      kekID,
		Ciphertext: wrapped,
		Status:     StatusRotating,
		CreatedAt:  time.Now().UTC(),
	}))

	newVersion, err := m.RotateKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, 2, newVersion, "the orphaned version is adopted, not replaced")

	md, err := m.Metadata(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, 2, md.ActiveVersion)
}

func TestRotateKey_DiscardsCorruptPendingVersion(t *testing.T) {
	ctx := context.Background()
	m, kms, store := newTestManager(t)

	keyID, err := m.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)

	// An orphaned rotating version whose wrapped DEK no longer verifies
	// must be replaced, not promoted.
	kekID, err := kms.GetKeyID(ctx, "test-kek")
	require.NoError(t, err)
	require.NoError(t, store.AddPendingVersion(ctx, &WrappedDEK{
		KeyID:      keyID,
		Version:    2,
		KEKID:      kekID,
		Ciphertext: []byte("not a wrapped DEK"),
		Status:     StatusRotating,
		CreatedAt:  time.Now().UTC(),
	}))

	newVersion, err := m.RotateKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, 2, newVersion)

	dek, err := m.GetKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, 2, dek.Version)
	assert.Len(t, dek.Bytes, DEKLength)
}

// gatedKMS holds every unwrap until the test releases it, so a cache miss
// can be kept in flight at a chosen moment.
type gatedKMS struct {
	*InMemoryKMS
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKMS) DecryptDEK(ctx context.Context, kekID string, ciphertext []byte) ([]byte, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.InMemoryKMS.DecryptDEK(ctx, kekID, ciphertext)
}

func TestGetKey_RotationDuringMissDoesNotPinOldVersion(t *testing.T) {
	ctx := context.Background()
	kms := &gatedKMS{
		InMemoryKMS: NewInMemoryKMS(),
		entered:     make(chan struct{}, 4),
		release:     make(chan struct{}),
	}
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	m, err := New(ctx, kms, store, Config{
		KEKAlias:  "test-kek",
		CacheTTL:  time.Minute,
		CacheSize: 64,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	keyID, err := m.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)

	type result struct {
		dek DEK
		err error
	}
	got := make(chan result, 1)
	go func() {
		dek, err := m.GetKey(ctx, keyID)
		got <- result{dek, err}
	}()

	// Hold the miss's unwrap in flight while a rotation commits.
	<-kms.entered
	newVersion, err := m.RotateKey(ctx, keyID)
	require.NoError(t, err)
	require.Equal(t, 2, newVersion)
	close(kms.release)

	stale := <-got
	require.NoError(t, stale.err)
	assert.Equal(t, 1, stale.dek.Version, "a read that began before the rotation sees the version it started under")

	// The load that raced the rotation must not have repopulated the
	// current pointer with the retired version.
	fresh, err := m.GetKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, newVersion, fresh.Version)
}

func TestKeysNeedingRotation(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m, _, _ := newTestManager(t, WithClock(func() time.Time { return now }))

	fastID, err := m.CreateKey(ctx, PurposeEncryption, time.Hour, "rotates hourly")
	require.NoError(t, err)
	_, err = m.CreateKey(ctx, PurposeEncryption, 30*24*time.Hour, "rotates monthly")
	require.NoError(t, err)

	due, err := m.KeysNeedingRotation(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	now = now.Add(2 * time.Hour)
	due, err = m.KeysNeedingRotation(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, fastID, due[0])
}
