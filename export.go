package keylock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/hengadev/keylock/audit"
	"github.com/hengadev/keylock/internal/security"
)

// Export blob format:
//
//	magic(4) | format(1) | salt(32) | iterations(4, BE) | nonce(12) | AES-GCM ciphertext
//
// The wrapping key is derived from the password with PBKDF2-SHA256 using a
// fresh salt per export. The whole prefix up to the nonce is bound as
// additional authenticated data, so tampering with the advertised
// iteration count or salt fails authentication along with the payload.
var exportMagic = [4]byte{'K', 'L', 'E', 'X'}

const (
	exportFormatV1   = 1
	exportSaltLength = 32
	exportNonceSize  = 12
	exportHeaderLen  = 4 + 1 + exportSaltLength + 4 + exportNonceSize
)

type exportBundle struct {
	Version    int           `json:"version"`
	ExportedAt time.Time     `json:"exported_at"`
	Keys       []exportEntry `json:"keys"`
}

type exportEntry struct {
	Metadata KeyMetadata     `json:"metadata"`
	Versions []exportVersion `json:"versions"`
}

type exportVersion struct {
	Version   int       `json:"version"`
	Status    KeyStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Key       []byte    `json:"key"`
}

// ExportKeys snapshots every non-destroyed key, all versions included,
// into an authenticated blob wrapped by a password-derived key. The DEKs
// are unwrapped through the authority for the snapshot and exist in
// plaintext only inside the encrypted payload.
func (m *Manager) ExportKeys(ctx context.Context, password string) (blob []byte, err error) {
	start := m.now()
	m.hook.OnOperationStart(ctx, "ExportKeys", "")
	defer func() {
		m.hook.OnOperationComplete(ctx, "ExportKeys", "", m.now().Sub(start), err)
	}()

	if password == "" {
		return nil, fmt.Errorf("%w: export password cannot be empty", ErrInvalidConfiguration)
	}

	all, err := m.store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	bundle := exportBundle{
		Version:    exportFormatV1,
		ExportedAt: m.now().UTC(),
	}
	for _, md := range all {
		if md.Status == StatusDestroyed {
			continue
		}
		wrapped, err := m.store.ListWrapped(ctx, md.KeyID)
		if err != nil {
			return nil, err
		}
		entry := exportEntry{Metadata: *md}
		for _, w := range wrapped {
			plaintext, err := m.unwrapDEK(ctx, w.KEKID, w.Ciphertext)
			if err != nil {
				m.auditEvent(audit.ActionExport, md.KeyID, false, err.Error())
				return nil, err
			}
			entry.Versions = append(entry.Versions, exportVersion{
				Version:   w.Version,
				Status:    w.Status,
				CreatedAt: w.CreatedAt,
				Key:       plaintext,
			})
		}
		bundle.Keys = append(bundle.Keys, entry)
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize export bundle: %w", err)
	}
	defer security.Zeroize(payload)
	for _, entry := range bundle.Keys {
		for _, v := range entry.Versions {
			security.Zeroize(v.Key)
		}
	}

	salt, err := security.RandomBytes(exportSaltLength)
	if err != nil {
		return nil, err
	}
	nonce, err := security.RandomBytes(exportNonceSize)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, exportHeaderLen)
	header = append(header, exportMagic[:]...)
	header = append(header, exportFormatV1)
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, uint32(m.cfg.KDFIterations))

	wrappingKey := pbkdf2.Key([]byte(password), salt, m.cfg.KDFIterations, DEKLength, sha256.New)
	defer security.Zeroize(wrappingKey)
	aead, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, payload, header)

	blob = make([]byte, 0, exportHeaderLen+len(ciphertext))
	blob = append(blob, header...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)

	m.auditEvent(audit.ActionExport, "", true, fmt.Sprintf("exported %d keys", len(bundle.Keys)))
	return blob, nil
}

// ImportKeys restores a blob produced by ExportKeys. Every DEK is
// re-wrapped under the current KEK and written in a single transaction;
// a wrong password, a tampered blob or any mid-import failure leaves the
// existing key store byte-for-byte unchanged. Authentication failures are
// never retried here.
func (m *Manager) ImportKeys(ctx context.Context, password string, blob []byte) (err error) {
	start := m.now()
	m.hook.OnOperationStart(ctx, "ImportKeys", "")
	defer func() {
		m.hook.OnOperationComplete(ctx, "ImportKeys", "", m.now().Sub(start), err)
	}()

	if password == "" {
		return fmt.Errorf("%w: import password cannot be empty", ErrInvalidConfiguration)
	}
	if len(blob) < exportHeaderLen+1 {
		return fmt.Errorf("%w: export blob is truncated", ErrAuthenticationFailed)
	}
	if !bytes.Equal(blob[:4], exportMagic[:]) {
		return fmt.Errorf("%w: not a key export blob", ErrAuthenticationFailed)
	}
	if blob[4] != exportFormatV1 {
		return fmt.Errorf("%w: unknown export format version %d", ErrAuthenticationFailed, blob[4])
	}

	header := blob[:exportHeaderLen-exportNonceSize]
	salt := blob[5 : 5+exportSaltLength]
	iterations := int(binary.BigEndian.Uint32(blob[5+exportSaltLength : 5+exportSaltLength+4]))
	if iterations < MinKDFIterations {
		return fmt.Errorf("%w: KDF iteration count %d below minimum %d",
			ErrAuthenticationFailed, iterations, MinKDFIterations)
	}
	nonce := blob[exportHeaderLen-exportNonceSize : exportHeaderLen]
	ciphertext := blob[exportHeaderLen:]

	wrappingKey := pbkdf2.Key([]byte(password), salt, iterations, DEKLength, sha256.New)
	defer security.Zeroize(wrappingKey)
	aead, err := newGCM(wrappingKey)
	if err != nil {
		return err
	}
	payload, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		m.auditEvent(audit.ActionImport, "", false, "authentication failed")
		return fmt.Errorf("%w: export blob failed verification", ErrAuthenticationFailed)
	}
	defer security.Zeroize(payload)

	var bundle exportBundle
	if err = json.Unmarshal(payload, &bundle); err != nil {
		return fmt.Errorf("%w: export payload is malformed", ErrAuthenticationFailed)
	}

	// Re-wrap everything before touching the store so an authority
	// failure cannot strand a half-imported state.
	var keys []*KeyMetadata
	var versions []*WrappedDEK
	for i := range bundle.Keys {
		entry := &bundle.Keys[i]
		md := entry.Metadata
		keys = append(keys, &md)
		for _, v := range entry.Versions {
			if len(v.Key) != DEKLength {
				return fmt.Errorf("%w: key %q version %d has invalid length",
					ErrAuthenticationFailed, md.KeyID, v.Version)
			}
			wrapped, err := m.wrapDEK(ctx, v.Key)
			security.Zeroize(v.Key)
			if err != nil {
				m.auditEvent(audit.ActionImport, md.KeyID, false, err.Error())
				return err
			}
			versions = append(versions, &WrappedDEK{
				KeyID:      md.KeyID,
				Version:    v.Version,
				KEKID:      m.kekID,
				Ciphertext: wrapped,
				Status:     v.Status,
				CreatedAt:  v.CreatedAt,
			})
		}
	}

	if err = m.store.ImportKeys(ctx, keys, versions); err != nil {
		m.auditEvent(audit.ActionImport, "", false, err.Error())
		return err
	}
	for _, md := range keys {
		m.cache.Invalidate(currentKey(md.KeyID))
		m.cache.InvalidatePrefix(versionPrefix(md.KeyID))
	}

	m.auditEvent(audit.ActionImport, "", true, fmt.Sprintf("imported %d keys", len(keys)))
	return nil
}
