package keylock

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hengadev/keylock/internal/security"
)

// Algorithm identifies the payload cipher used for one encrypted record.
// The set is extended by registering new variants with RegisterCipher,
// never by changing the meaning of an existing id.
type Algorithm uint8

const (
	AlgAESGCM           Algorithm = 1
	AlgChaCha20Poly1305 Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case AlgAESGCM:
		return "aes-256-gcm"
	case AlgChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// Cipher is one payload cipher behind the dispatch table. Implementations
// must be authenticated: Open fails on any tampering rather than
// returning garbage.
type Cipher interface {
	// Seal encrypts plaintext under the DEK with a fresh nonce and
	// returns the nonce and ciphertext separately.
	Seal(dek, plaintext []byte) (nonce, ciphertext []byte, err error)
	// Open decrypts and authenticates a ciphertext produced by Seal.
	Open(dek, nonce, ciphertext []byte) ([]byte, error)
}

var (
	ciphersMu sync.RWMutex
	ciphers   = map[Algorithm]Cipher{
		AlgAESGCM:           aesGCMCipher{},
		AlgChaCha20Poly1305: chachaCipher{},
	}
)

// RegisterCipher adds or replaces the cipher for an algorithm id, making
// records with that id decryptable by this process.
func RegisterCipher(alg Algorithm, c Cipher) {
	ciphersMu.Lock()
	defer ciphersMu.Unlock()
	ciphers[alg] = c
}

func cipherFor(alg Algorithm) (Cipher, error) {
	ciphersMu.RLock()
	defer ciphersMu.RUnlock()
	c, ok := ciphers[alg]
	if !ok {
		return nil, fmt.Errorf("%w: algorithm id %d", ErrUnsupportedAlgorithm, uint8(alg))
	}
	return c, nil
}

// Envelope wire format. Every record is self-describing so decryption can
// dispatch on the algorithm and resolve the exact key version that
// encrypted it, regardless of rotations since:
//
//	magic(2) | format(1) | alg(1) | keyIDLen(1) | keyID | version(4, BE) | nonceLen(1) | nonce | ciphertext
const (
	envelopeFormatV1  = 1
	envelopeMinHeader = 2 + 1 + 1 + 1 + 4 + 1
)

var envelopeMagic = [2]byte{0xC4, 0x7E}

// EnvelopeHeader is the parsed self-describing prefix of a record.
type EnvelopeHeader struct {
	Algorithm Algorithm
	KeyID     string
	Version   int
	Nonce     []byte
}

// Encrypt encrypts plaintext under the active version of keyID with the
// default cipher (AES-256-GCM) and frames it in the envelope format.
func (m *Manager) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	return m.EncryptWith(ctx, keyID, AlgAESGCM, plaintext)
}

// EncryptWith is Encrypt with an explicit algorithm id.
func (m *Manager) EncryptWith(ctx context.Context, keyID string, alg Algorithm, plaintext []byte) ([]byte, error) {
	c, err := cipherFor(alg)
	if err != nil {
		return nil, err
	}
	if len(keyID) == 0 || len(keyID) > 255 {
		return nil, fmt.Errorf("%w: key id length must be 1..255 bytes", ErrInvalidConfiguration)
	}
	dek, err := m.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext, err := c.Seal(dek.Bytes, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt with %s: %w", alg, err)
	}

	blob := make([]byte, 0, envelopeMinHeader+len(keyID)+len(nonce)+len(ciphertext))
	blob = append(blob, envelopeMagic[0], envelopeMagic[1], envelopeFormatV1, byte(alg))
	blob = append(blob, byte(len(keyID)))
	blob = append(blob, keyID...)
	blob = binary.BigEndian.AppendUint32(blob, uint32(dek.Version))
	blob = append(blob, byte(len(nonce)))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Decrypt reads the envelope header, dispatches to the cipher named by the
// algorithm id and resolves the DEK by the exact (key id, version) in the
// header. Records encrypted under retired versions or non-default
// algorithms decrypt exactly like fresh ones. An unknown algorithm id
// fails this one record with ErrUnsupportedAlgorithm.
func (m *Manager) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	hdr, ciphertext, err := ParseEnvelope(blob)
	if err != nil {
		return nil, err
	}
	c, err := cipherFor(hdr.Algorithm)
	if err != nil {
		return nil, err
	}
	dek, err := m.GetKeyVersion(ctx, hdr.KeyID, hdr.Version)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.Open(dek.Bytes, hdr.Nonce, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: record failed decryption under %s", ErrAuthenticationFailed, hdr.Algorithm)
	}
	return plaintext, nil
}

// ParseEnvelope splits a record into its header and ciphertext without
// touching any key material.
func ParseEnvelope(blob []byte) (*EnvelopeHeader, []byte, error) {
	if len(blob) < envelopeMinHeader {
		return nil, nil, fmt.Errorf("invalid envelope: %d bytes is shorter than the minimum header", len(blob))
	}
	if blob[0] != envelopeMagic[0] || blob[1] != envelopeMagic[1] {
		return nil, nil, fmt.Errorf("invalid envelope: bad magic")
	}
	if blob[2] != envelopeFormatV1 {
		return nil, nil, fmt.Errorf("invalid envelope: unknown format version %d", blob[2])
	}
	hdr := &EnvelopeHeader{Algorithm: Algorithm(blob[3])}

	rest := blob[4:]
	keyIDLen := int(rest[0])
	rest = rest[1:]
	if len(rest) < keyIDLen+4+1 {
		return nil, nil, fmt.Errorf("invalid envelope: truncated header")
	}
	hdr.KeyID = string(rest[:keyIDLen])
	rest = rest[keyIDLen:]
	hdr.Version = int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]

	nonceLen := int(rest[0])
	rest = rest[1:]
	if len(rest) < nonceLen {
		return nil, nil, fmt.Errorf("invalid envelope: truncated nonce")
	}
	hdr.Nonce = rest[:nonceLen]
	return hdr, rest[nonceLen:], nil
}

// aesGCMCipher is the default payload cipher: AES-256-GCM.
type aesGCMCipher struct{}

func (aesGCMCipher) Seal(dek, plaintext []byte) ([]byte, []byte, error) {
	aead, err := newGCM(dek)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := security.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

func (aesGCMCipher) Open(dek, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func newGCM(dek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// chachaCipher provides ChaCha20-Poly1305 for hosts without AES hardware.
type chachaCipher struct{}

func (chachaCipher) Seal(dek, plaintext []byte) ([]byte, []byte, error) {
	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ChaCha20-Poly1305: %w", err)
	}
	nonce, err := security.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

func (chachaCipher) Open(dek, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305: %w", err)
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}
