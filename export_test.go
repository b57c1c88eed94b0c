package keylock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	source, _, _ := newTestManager(t)

	keyID, err := source.CreateKey(ctx, PurposeEncryption, 0, "orders")
	require.NoError(t, err)
	_, err = source.RotateKey(ctx, keyID)
	require.NoError(t, err)
	idxID, err := source.CreateKey(ctx, PurposeBlindIndex, 0, "search")
	require.NoError(t, err)

	record, err := source.Encrypt(ctx, keyID, []byte("pre-export record"))
	require.NoError(t, err)

	blob, err := source.ExportKeys(ctx, "correct horse battery staple")
	require.NoError(t, err)

	// Restore into a fresh deployment with its own authority and KEK.
	target, _, _ := newTestManager(t)
	require.NoError(t, target.ImportKeys(ctx, "correct horse battery staple", blob))

	keys, err := target.ListKeys(ctx, "", false)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	md, err := target.Metadata(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, 2, md.ActiveVersion)
	assert.Equal(t, "orders", md.Description)

	// Records written before the export decrypt on the restored side,
	// including ones under the retired version.
	plaintext, err := target.Decrypt(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-export record"), plaintext)

	// The imported DEKs match the originals byte for byte.
	want, err := source.GetKey(ctx, idxID)
	require.NoError(t, err)
	got, err := target.GetKey(ctx, idxID)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes, got.Bytes)
}

func TestExportKeys_SkipsDestroyedKeys(t *testing.T) {
	ctx := context.Background()
	source, _, _ := newTestManager(t)

	keepID, err := source.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)
	shredID, err := source.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)
	require.NoError(t, source.DeleteKey(ctx, shredID))

	blob, err := source.ExportKeys(ctx, "pw-pw-pw")
	require.NoError(t, err)

	target, _, _ := newTestManager(t)
	require.NoError(t, target.ImportKeys(ctx, "pw-pw-pw", blob))

	_, err = target.GetKey(ctx, keepID)
	require.NoError(t, err)
	_, err = target.GetKey(ctx, shredID)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestExportKeys_EmptyPassword(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.ExportKeys(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestImportKeys_WrongPasswordLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	source, _, _ := newTestManager(t)
	_, err := source.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)
	blob, err := source.ExportKeys(ctx, "right password")
	require.NoError(t, err)

	target, _, _ := newTestManager(t)
	err = target.ImportKeys(ctx, "wrong password", blob)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.False(t, IsRetryableError(err))

	keys, err := target.ListKeys(ctx, "", true)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestImportKeys_RejectsMalformedBlobs(t *testing.T) {
	ctx := context.Background()
	source, _, _ := newTestManager(t)
	_, err := source.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)
	blob, err := source.ExportKeys(ctx, "password")
	require.NoError(t, err)

	tampered := make([]byte, len(blob))
	copy(tampered, blob)
	tampered[len(tampered)-1] ^= 0x01

	badMagic := make([]byte, len(blob))
	copy(badMagic, blob)
	badMagic[0] = 'X'

	target, _, _ := newTestManager(t)
	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"truncated", blob[:16]},
		{"tampered ciphertext", tampered},
		{"wrong magic", badMagic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := target.ImportKeys(ctx, "password", tt.blob)
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
		})
	}
}

func TestImportKeys_AuthorityDownImportsNothing(t *testing.T) {
	ctx := context.Background()
	source, _, _ := newTestManager(t)
	_, err := source.CreateKey(ctx, PurposeEncryption, 0, "")
	require.NoError(t, err)
	blob, err := source.ExportKeys(ctx, "password")
	require.NoError(t, err)

	target, targetKMS, _ := newTestManager(t)
	targetKMS.SetUnavailable(true)
	err = target.ImportKeys(ctx, "password", blob)
	require.ErrorIs(t, err, ErrKeyUnavailable)

	targetKMS.SetUnavailable(false)
	keys, err := target.ListKeys(ctx, "", true)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
