package keylock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func insertTestKey(t *testing.T, store *SQLiteStore, keyID string) time.Time {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	err := store.InsertKey(context.Background(), &KeyMetadata{
		KeyID:          keyID,
		Purpose:        PurposeEncryption,
		Description:    "test key",
		Status:         StatusActive,
		ActiveVersion:  1,
		CreatedAt:      now,
		LastRotatedAt:  now,
		RotationPeriod: 24 * time.Hour,
	}, &WrappedDEK{
		KeyID:      keyID,
		Version:    1,
		KEKID:      "kek-1",
		Ciphertext: []byte("wrapped-bytes"),
		Status:     StatusActive,
		CreatedAt:  now,
	})
	require.NoError(t, err)
	return now
}

func TestSQLiteStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	created := insertTestKey(t, store, "encryption_abc")

	md, err := store.GetMetadata(ctx, "encryption_abc")
	require.NoError(t, err)
	assert.Equal(t, PurposeEncryption, md.Purpose)
	assert.Equal(t, StatusActive, md.Status)
	assert.Equal(t, 1, md.ActiveVersion)
	assert.Equal(t, 24*time.Hour, md.RotationPeriod)
	assert.Equal(t, created, md.CreatedAt.UTC().Truncate(time.Second))

	w, err := store.GetWrapped(ctx, "encryption_abc", 1)
	require.NoError(t, err)
	assert.Equal(t, "kek-1", w.KEKID)
	assert.Equal(t, []byte("wrapped-bytes"), w.Ciphertext)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetMetadata(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	insertTestKey(t, store, "encryption_abc")
	_, err = store.GetWrapped(ctx, "encryption_abc", 2)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSQLiteStore_PendingVersionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insertTestKey(t, store, "encryption_abc")

	pending, err := store.PendingVersion(ctx, "encryption_abc")
	require.NoError(t, err)
	assert.Nil(t, pending)

	now := time.Now().UTC()
	require.NoError(t, store.AddPendingVersion(ctx, &WrappedDEK{
		KeyID:      "encryption_abc",
		Version:    2,
		KEKID:      "kek-1",
		Ciphertext: []byte("wrapped-v2"),
		Status:     StatusRotating,
		CreatedAt:  now,
	}))

	pending, err = store.PendingVersion(ctx, "encryption_abc")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, 2, pending.Version)

	require.NoError(t, store.PromoteVersion(ctx, "encryption_abc", 2, now))

	md, err := store.GetMetadata(ctx, "encryption_abc")
	require.NoError(t, err)
	assert.Equal(t, 2, md.ActiveVersion)

	v1, err := store.GetWrapped(ctx, "encryption_abc", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, v1.Status)
	v2, err := store.GetWrapped(ctx, "encryption_abc", 2)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, v2.Status)

	pending, err = store.PendingVersion(ctx, "encryption_abc")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestSQLiteStore_PromoteMissingVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insertTestKey(t, store, "encryption_abc")

	err := store.PromoteVersion(ctx, "encryption_abc", 9, time.Now().UTC())
	require.ErrorIs(t, err, ErrKeyNotFound)

	// The failed promotion must not have retired the active version.
	w, err := store.GetWrapped(ctx, "encryption_abc", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, w.Status)
}

func TestSQLiteStore_DiscardPendingVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insertTestKey(t, store, "encryption_abc")

	require.NoError(t, store.AddPendingVersion(ctx, &WrappedDEK{
		KeyID:      "encryption_abc",
		Version:    2,
		KEKID:      "kek-1",
		Ciphertext: []byte("wrapped-v2"),
		Status:     StatusRotating,
		CreatedAt:  time.Now().UTC(),
	}))
	require.NoError(t, store.DiscardPendingVersion(ctx, "encryption_abc", 2))

	pending, err := store.PendingVersion(ctx, "encryption_abc")
	require.NoError(t, err)
	assert.Nil(t, pending)

	// Discard only touches pending versions, never the active one.
	require.NoError(t, store.DiscardPendingVersion(ctx, "encryption_abc", 1))
	_, err = store.GetWrapped(ctx, "encryption_abc", 1)
	require.NoError(t, err)
}

func TestSQLiteStore_DestroyKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insertTestKey(t, store, "encryption_abc")

	require.NoError(t, store.DestroyKey(ctx, "encryption_abc"))

	md, err := store.GetMetadata(ctx, "encryption_abc")
	require.NoError(t, err)
	assert.Equal(t, StatusDestroyed, md.Status)

	versions, err := store.ListWrapped(ctx, "encryption_abc")
	require.NoError(t, err)
	assert.Empty(t, versions)

	assert.ErrorIs(t, store.DestroyKey(ctx, "missing"), ErrKeyNotFound)
}

func TestSQLiteStore_IncrementAccessCount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insertTestKey(t, store, "encryption_abc")

	require.NoError(t, store.IncrementAccessCount(ctx, "encryption_abc", 3))
	require.NoError(t, store.IncrementAccessCount(ctx, "encryption_abc", 2))

	md, err := store.GetMetadata(ctx, "encryption_abc")
	require.NoError(t, err)
	assert.Equal(t, int64(5), md.AccessCount)
}

func TestSQLiteStore_ListKeys(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insertTestKey(t, store, "encryption_a")
	insertTestKey(t, store, "encryption_b")

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSQLiteStore_ImportKeysReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insertTestKey(t, store, "encryption_abc")

	now := time.Now().UTC()
	md := &KeyMetadata{
		KeyID:          "encryption_abc",
		Purpose:        PurposeEncryption,
		Description:    "restored",
		Status:         StatusActive,
		ActiveVersion:  2,
		CreatedAt:      now,
		LastRotatedAt:  now,
		RotationPeriod: time.Hour,
	}
	versions := []*WrappedDEK{
		{KeyID: "encryption_abc", Version: 1, KEKID: "kek-2", Ciphertext: []byte("v1"), Status: StatusRetired, CreatedAt: now},
		{KeyID: "encryption_abc", Version: 2, KEKID: "kek-2", Ciphertext: []byte("v2"), Status: StatusActive, CreatedAt: now},
	}
	require.NoError(t, store.ImportKeys(ctx, []*KeyMetadata{md}, versions))

	got, err := store.GetMetadata(ctx, "encryption_abc")
	require.NoError(t, err)
	assert.Equal(t, "restored", got.Description)
	assert.Equal(t, 2, got.ActiveVersion)

	w, err := store.GetWrapped(ctx, "encryption_abc", 2)
	require.NoError(t, err)
	assert.Equal(t, "kek-2", w.KEKID)
}
