package keylock

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/hengadev/keylock/internal/security"
)

// MinIndexLength is the smallest allowed blind-index output, in bytes.
// Shorter outputs make collision probability non-negligible.
const MinIndexLength = 8

// DefaultIndexLength is the output length used when a config leaves it
// zero: 128 bits.
const DefaultIndexLength = 16

// BlindIndexConfig describes how one field is indexed. It is an immutable
// value supplied per call; the same config must be used at write time and
// at query time.
type BlindIndexConfig struct {
	// FieldName scopes the index; two fields never share tokens.
	FieldName string
	// OutputLength is the token length in bytes before encoding.
	// Minimum MinIndexLength, maximum sha256.Size. Zero means
	// DefaultIndexLength.
	OutputLength int
	// CaseSensitive disables lowercase folding during normalization.
	CaseSensitive bool
}

// Validate checks the config before any key material is touched.
func (c BlindIndexConfig) Validate() error {
	if c.FieldName == "" {
		return fmt.Errorf("%w: blind index field name is required", ErrInvalidConfiguration)
	}
	length := c.OutputLength
	if length == 0 {
		length = DefaultIndexLength
	}
	if length < MinIndexLength {
		return fmt.Errorf("%w: blind index output length must be at least %d bytes, got %d",
			ErrInvalidConfiguration, MinIndexLength, c.OutputLength)
	}
	if length > sha256.Size {
		return fmt.Errorf("%w: blind index output length cannot exceed %d bytes, got %d",
			ErrInvalidConfiguration, sha256.Size, c.OutputLength)
	}
	return nil
}

func (c BlindIndexConfig) outputLength() int {
	if c.OutputLength == 0 {
		return DefaultIndexLength
	}
	return c.OutputLength
}

// Indexer derives tenant- and field-scoped equality-search tokens from a
// master key. Tokens are deterministic on purpose: identical normalized
// values under the same (tenant, field) always produce byte-identical
// tokens, which is what makes equality lookups work.
//
// Tenant isolation and field separation both come from keying the token
// HMAC on a field key that is itself an HMAC of tenant and field name, so
// no two (tenant, field) pairs ever share a token keyspace.
type Indexer struct {
	tenantID  string
	masterKey []byte

	// fieldKeys caches derived field keys. Derivation is a pure function
	// of (masterKey, tenantID, fieldName); this cache is a performance
	// optimization only and never a correctness dependency.
	mu        sync.RWMutex
	fieldKeys map[string][]byte
}

// NewIndexer creates an Indexer for one tenant. The master key must be
// DEKLength bytes; a copy is taken.
func NewIndexer(tenantID string, masterKey []byte) (*Indexer, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidConfiguration)
	}
	if len(masterKey) != DEKLength {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d",
			ErrInvalidConfiguration, DEKLength, len(masterKey))
	}
	key := make([]byte, DEKLength)
	copy(key, masterKey)
	return &Indexer{
		tenantID:  tenantID,
		masterKey: key,
		fieldKeys: make(map[string][]byte),
	}, nil
}

// Indexer returns a tenant-scoped Indexer whose master key is the active
// version of the given managed key. The key must have been created for
// blind-index or search use.
func (m *Manager) Indexer(ctx context.Context, keyID, tenantID string) (*Indexer, error) {
	md, err := m.store.GetMetadata(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", keyID, err)
	}
	if md.Purpose != PurposeBlindIndex && md.Purpose != PurposeSearch {
		return nil, fmt.Errorf("%w: key %q has purpose %q, want %q or %q",
			ErrInvalidConfiguration, keyID, md.Purpose, PurposeBlindIndex, PurposeSearch)
	}
	dek, err := m.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return NewIndexer(tenantID, dek.Bytes)
}

// DeriveFieldKey derives the per-field key:
//
//	FieldKey = HMAC-SHA256(masterKey, tenantID || 0x1f || fieldName)
//
// The 0x1f separator keeps (tenant, field) pairs unambiguous, so no
// concatenation of a different pair can collide with this one.
func (ix *Indexer) DeriveFieldKey(fieldName string) []byte {
	ix.mu.RLock()
	key, ok := ix.fieldKeys[fieldName]
	ix.mu.RUnlock()
	if ok {
		return key
	}

	mac := hmac.New(sha256.New, ix.masterKey)
	mac.Write([]byte(ix.tenantID))
	mac.Write([]byte{0x1f})
	mac.Write([]byte(fieldName))
	key = mac.Sum(nil)

	ix.mu.Lock()
	ix.fieldKeys[fieldName] = key
	ix.mu.Unlock()
	return key
}

// Normalize applies the canonical transform used before hashing: Unicode
// canonical composition (NFC), lowercase folding unless the config is
// case-sensitive, and whitespace runs collapsed to a single space with
// leading and trailing whitespace trimmed.
//
// The exact same transform must run at write time and query time. A
// mismatch does not error; it silently produces a token that matches
// nothing, so every lookup for that value comes back empty.
func Normalize(value string, cfg BlindIndexConfig) string {
	normalized := norm.NFC.String(value)
	if !cfg.CaseSensitive {
		normalized = strings.ToLower(normalized)
	}
	return strings.Join(strings.Fields(normalized), " ")
}

// CreateIndex derives the equality-search token for a value:
//
//	token = Truncate(HMAC-SHA256(FieldKey, Normalize(value)), OutputLength)
//
// encoded with base64 for storage. The empty string is a valid input and
// yields a well-defined deterministic token.
func (ix *Indexer) CreateIndex(value string, cfg BlindIndexConfig) (string, error) {
	raw, err := ix.CreateIndexRaw(value, cfg)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// CreateIndexRaw is CreateIndex without the storage encoding.
func (ix *Indexer) CreateIndexRaw(value string, cfg BlindIndexConfig) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fieldKey := ix.DeriveFieldKey(cfg.FieldName)
	mac := hmac.New(sha256.New, fieldKey)
	mac.Write([]byte(Normalize(value, cfg)))
	return mac.Sum(nil)[:cfg.outputLength()], nil
}

// VerifyIndex reports whether a stored token matches a value, in constant
// time.
func (ix *Indexer) VerifyIndex(value, token string, cfg BlindIndexConfig) (bool, error) {
	computed, err := ix.CreateIndex(value, cfg)
	if err != nil {
		return false, err
	}
	return VerifyMatch(computed, token), nil
}

// VerifyMatch compares two encoded tokens without an early exit on the
// first differing byte, so comparison time leaks nothing about how much of
// two secret-derived tokens agree.
func VerifyMatch(tokenA, tokenB string) bool {
	return security.ConstantTimeCompare([]byte(tokenA), []byte(tokenB))
}
